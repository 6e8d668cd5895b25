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
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const AlgorithmAES256GCMPBKDF2 string = "aes-256-gcm+pbkdf2-sha256"

var ErrMissingKey = errors.New("missing encryption key")
var ErrDecryptionFailed = errors.New("decryption failed")

type EncryptedSecret struct {
	Ciphertext string
	Salt       string
	Algorithm  string
}

// SecretStore encrypts secrets at rest. Every record gets its own salt; the
// record key is derived from the server key and that salt.
type SecretStore struct {
	key        []byte
	iterations int
}

func NewSecretStore(key string, iterations int) (*SecretStore, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &SecretStore{key: []byte(key), iterations: iterations}, nil
}

func (s *SecretStore) Encrypt(secret string) (*EncryptedSecret, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	aead, err := s.newAEAD(salt)
	if err != nil {
		return nil, err
	}
	nonce, err := GenerateRandomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(secret), []byte(salt))
	return &EncryptedSecret{
		Ciphertext: base64.RawURLEncoding.EncodeToString(ciphertext),
		Salt:       salt,
		Algorithm:  AlgorithmAES256GCMPBKDF2,
	}, nil
}

func (s *SecretStore) Decrypt(encrypted *EncryptedSecret) (string, error) {
	if encrypted.Algorithm != AlgorithmAES256GCMPBKDF2 {
		return "", fmt.Errorf("%w (unknown algorithm: '%s')", ErrDecryptionFailed, encrypted.Algorithm)
	}
	if encrypted.Salt == "" {
		return "", fmt.Errorf("%w (missing salt)", ErrDecryptionFailed)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(encrypted.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w (cause: %w)", ErrDecryptionFailed, err)
	}
	aead, err := s.newAEAD(encrypted.Salt)
	if err != nil {
		return "", err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return "", fmt.Errorf("%w (ciphertext too short)", ErrDecryptionFailed)
	}
	plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], []byte(encrypted.Salt))
	if err != nil {
		return "", fmt.Errorf("%w (cause: %w)", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (s *SecretStore) newAEAD(salt string) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.key, []byte(salt), s.iterations, DerivedKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher (cause: %w)", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher (cause: %w)", err)
	}
	return aead, nil
}
