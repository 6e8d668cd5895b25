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
)

type SiteAccessCode struct {
	ID         string
	Name       string
	Secret     string
	Salt       string
	Algorithm  string
	Active     bool
	CreateTime int64
	Expiry     int64
	LastUsed   int64
	CreatedBy  string
}

func NewSiteAccessCode(name string, secret string, salt string, algorithm string, createdBy string) *SiteAccessCode {
	return &SiteAccessCode{
		ID:         uuid.NewString(),
		Name:       name,
		Secret:     secret,
		Salt:       salt,
		Algorithm:  algorithm,
		Active:     true,
		CreateTime: time.Now().UnixMicro(),
		CreatedBy:  createdBy,
	}
}

// Expired reports whether the code carries an expiry in the past. Codes
// without expiry never expire.
func (c *SiteAccessCode) Expired(now time.Time) bool {
	return c.Expiry != 0 && c.Expiry <= now.UnixMicro()
}

func (c *SiteAccessCode) Usable(now time.Time) bool {
	return c.Active && !c.Expired(now)
}

type SiteAccessLog struct {
	ID          string
	CodeID      string
	Success     bool
	AccessTime  int64
	Host        string
	UserAgent   string
	Country     string
	CountryCode string
}

func NewSiteAccessLog(codeID string, host string, userAgent string) *SiteAccessLog {
	return &SiteAccessLog{
		ID:         uuid.NewString(),
		CodeID:     codeID,
		Success:    codeID != "",
		AccessTime: time.Now().UnixMicro(),
		Host:       host,
		UserAgent:  userAgent,
	}
}
