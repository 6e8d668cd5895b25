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

package database

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	serverconf "github.com/tdrn-org/gated/internal/server/conf"
)

type AdminUser struct {
	ID                  string
	Email               string
	PasswordHash        string
	Salt                string
	FailedLoginAttempts int
	LockedUntil         int64
	LastLogin           int64
	CreateTime          int64
}

func NewAdminUser(email string, passwordHash string, salt string) *AdminUser {
	return &AdminUser{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Salt:         salt,
		CreateTime:   time.Now().UnixMicro(),
	}
}

func (u *AdminUser) Locked(now time.Time) bool {
	return u.LockedUntil > now.UnixMicro()
}

type AdminSession struct {
	ID          string
	AdminUserID string
	CreateTime  int64
	Expiry      int64
	Host        string
	UserAgent   string
}

// NewAdminSession creates a session record keyed by the hash of the session token.
func NewAdminSession(tokenHash string, host string, userAgent string) *AdminSession {
	now := time.Now()
	return &AdminSession{
		ID:         tokenHash,
		CreateTime: now.UnixMicro(),
		Expiry:     now.Add(serverconf.LookupRuntime().AdminSessionLifetime).UnixMicro(),
		Host:       host,
		UserAgent:  userAgent,
	}
}

func (s *AdminSession) Expired(now time.Time) bool {
	return s.Expiry <= now.UnixMicro()
}

type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

func constantTimeEqual(a string, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
