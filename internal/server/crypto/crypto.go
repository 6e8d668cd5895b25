/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize            int = 32
	DerivedKeySize      int = 32
	DefaultIterations   int = 100_000
	DefaultTokenSize    int = 64
	passwordHashKeySize int = 32
)

func ReadRandomBytes(bytes []byte) error {
	_, err := io.ReadFull(rand.Reader, bytes)
	if err != nil {
		return fmt.Errorf("failed generate random bytes (cause: %w)", err)
	}
	return nil
}

func GenerateRandomBytes(size int) ([]byte, error) {
	bytes := make([]byte, size)
	err := ReadRandomBytes(bytes)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

func GenerateSalt() (string, error) {
	return GenerateToken(SaltSize)
}

// GenerateToken returns size random bytes hex encoded.
func GenerateToken(size int) (string, error) {
	bytes, err := GenerateRandomBytes(size)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func HashPassword(password string, salt string, iterations int) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(password), []byte(salt), iterations, passwordHashKeySize, sha256.New))
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func EqualConstantTime(a string, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// DeriveKey derives a purpose bound key from the server secret.
func DeriveKey(secret []byte, purpose string, size int) ([]byte, error) {
	key := make([]byte, size)
	_, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key for '%s' (cause: %w)", purpose, err)
	}
	return key, nil
}
