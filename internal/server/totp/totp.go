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

// Package totp implements RFC 6238 time based one-time codes (HMAC-SHA1,
// 30 second steps, 6 digits) together with key provisioning and backup codes.
package totp

import (
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Period        time.Duration = 30 * time.Second
	Digits        int           = 6
	DefaultWindow uint          = 2
)

var ErrInvalidSecret = errors.New("invalid TOTP secret")
var ErrNoHmacProvider = errors.New("no HMAC provider available")

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var digitsModulo uint32 = 1_000_000

// Engine generates and verifies codes. An Engine without HmacProvider
// refuses to operate.
type Engine struct {
	hmac HmacProvider
}

func NewEngine(hmac HmacProvider) *Engine {
	return &Engine{hmac: hmac}
}

func Counter(t time.Time) uint64 {
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix) / uint64(Period/time.Second)
}

func DecodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimRight(strings.TrimSpace(secret), "="), " ", ""))
	if normalized == "" {
		return nil, fmt.Errorf("%w (empty secret)", ErrInvalidSecret)
	}
	key, err := secretEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrInvalidSecret, err)
	}
	return key, nil
}

func (e *Engine) Generate(secret string, counter uint64) (string, error) {
	key, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	return e.generate(key, counter)
}

func (e *Engine) GenerateAt(secret string, t time.Time) (string, error) {
	return e.Generate(secret, Counter(t))
}

func (e *Engine) generate(key []byte, counter uint64) (string, error) {
	if e.hmac == nil {
		return "", ErrNoHmacProvider
	}
	message := make([]byte, 8)
	binary.BigEndian.PutUint64(message, counter)
	sum, err := e.hmac.Sum(key, message)
	if err != nil {
		return "", fmt.Errorf("failed to compute TOTP HMAC (cause: %w)", err)
	}
	if len(sum) < 20 {
		return "", fmt.Errorf("unexpected HMAC size: %d", len(sum))
	}
	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", Digits, truncated%digitsModulo), nil
}

func (e *Engine) Verify(code string, secret string, window uint) (bool, error) {
	return e.VerifyAt(code, secret, time.Now(), window)
}

// VerifyAt checks the code against all counters within window steps of t.
// Malformed codes are rejected without error; malformed secrets are errors.
func (e *Engine) VerifyAt(code string, secret string, t time.Time, window uint) (bool, error) {
	if !IsCode(code) {
		return false, nil
	}
	key, err := DecodeSecret(secret)
	if err != nil {
		return false, err
	}
	current := Counter(t)
	first := current - min(current, uint64(window))
	last := current + uint64(window)
	valid := 0
	for counter := first; counter <= last; counter++ {
		expected, err := e.generate(key, counter)
		if err != nil {
			return false, err
		}
		valid |= subtle.ConstantTimeCompare([]byte(expected), []byte(code))
	}
	return valid == 1, nil
}

func IsCode(code string) bool {
	if len(code) != Digits {
		return false
	}
	for _, c := range []byte(code) {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
