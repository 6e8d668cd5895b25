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

package totp

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	BackupCodeCount  int = 10
	BackupCodeLength int = 8
)

const backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func GenerateBackupCodes() ([]string, error) {
	codes := make([]string, 0, BackupCodeCount)
	for range BackupCodeCount {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func generateBackupCode() (string, error) {
	// 252 is the largest multiple of 36 below 256; reject above for uniformity
	limit := byte(256 - 256%len(backupCodeAlphabet))
	code := make([]byte, 0, BackupCodeLength)
	buffer := make([]byte, BackupCodeLength*2)
	for len(code) < BackupCodeLength {
		_, err := rand.Read(buffer)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes (cause: %w)", err)
		}
		for _, b := range buffer {
			if b >= limit || len(code) == BackupCodeLength {
				continue
			}
			code = append(code, backupCodeAlphabet[int(b)%len(backupCodeAlphabet)])
		}
	}
	return string(code), nil
}

// NormalizeBackupCode upper-cases the input and strips separators users tend to type.
func NormalizeBackupCode(code string) string {
	return strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(code)))
}

func IsBackupCode(code string) bool {
	if len(code) != BackupCodeLength {
		return false
	}
	for _, c := range []byte(code) {
		if !strings.ContainsRune(backupCodeAlphabet, rune(c)) {
			return false
		}
	}
	return true
}
