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
	"time"

	"github.com/google/uuid"
	serverconf "github.com/tdrn-org/gated/internal/server/conf"
)

type UserSession struct {
	ID         string
	Subject    string
	Name       string
	Email      string
	CreateTime int64
	Expiry     int64
	Host       string
	UserAgent  string
}

// NewUserSession creates a session record keyed by the hash of the session token.
func NewUserSession(tokenHash string, subject string, host string, userAgent string) *UserSession {
	now := time.Now()
	return &UserSession{
		ID:         tokenHash,
		Subject:    subject,
		CreateTime: now.UnixMicro(),
		Expiry:     now.Add(serverconf.LookupRuntime().UserSessionLifetime).UnixMicro(),
		Host:       host,
		UserAgent:  userAgent,
	}
}

func (s *UserSession) Expired(now time.Time) bool {
	return s.Expiry <= now.UnixMicro()
}

type UserTwoFactor struct {
	Subject      string
	Secret       string
	Salt         string
	Algorithm    string
	Active       bool
	CreateTime   int64
	ActivateTime int64
}

func NewUserTwoFactor(subject string, secret string, salt string, algorithm string) *UserTwoFactor {
	return &UserTwoFactor{
		Subject:    subject,
		Secret:     secret,
		Salt:       salt,
		Algorithm:  algorithm,
		CreateTime: time.Now().UnixMicro(),
	}
}

type UserBackupCode struct {
	ID        string
	Subject   string
	Code      string
	Salt      string
	Algorithm string
	UsedTime  int64
}

func NewUserBackupCode(subject string, code string, salt string, algorithm string) *UserBackupCode {
	return &UserBackupCode{
		ID:        uuid.NewString(),
		Subject:   subject,
		Code:      code,
		Salt:      salt,
		Algorithm: algorithm,
	}
}

func (c *UserBackupCode) Used() bool {
	return c.UsedTime != 0
}

type UserVerificationLog struct {
	Subject     string
	Method      string
	FirstUsed   int64
	LastUsed    int64
	Host        string
	Country     string
	CountryCode string
	City        string
	Lat         float64
	Lon         float64
}

func NewUserVerificationLog(subject string, method string, host string) *UserVerificationLog {
	now := time.Now().UnixMicro()
	return &UserVerificationLog{
		Subject:   subject,
		Method:    method,
		FirstUsed: now,
		LastUsed:  now,
		Host:      host,
	}
}

func (l *UserVerificationLog) Update(log *UserVerificationLog) {
	l.LastUsed = log.LastUsed
	l.Host = log.Host
	l.Country = log.Country
	l.CountryCode = log.CountryCode
	l.City = log.City
	l.Lat = log.Lat
	l.Lon = log.Lon
}
