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

package gateclient

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type AdminUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type AdminSession struct {
	Token     string
	ExpiresAt time.Time
	User      *AdminUser
}

type SiteAccessCode struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	LastUsed  time.Time `json:"lastUsed"`
	CreatedBy string    `json:"createdBy"`
}

type SiteAccessLog struct {
	ID          string    `json:"id"`
	CodeID      string    `json:"codeId"`
	Success     bool      `json:"success"`
	AccessTime  time.Time `json:"accessTime"`
	Host        string    `json:"host"`
	UserAgent   string    `json:"userAgent"`
	Country     string    `json:"country"`
	CountryCode string    `json:"countryCode"`
}

type SiteAccessCodeSecret struct {
	Code   *SiteAccessCode
	Secret string
	URI    string
}

type SiteAccessOverview struct {
	Codes []*SiteAccessCode
	Logs  []*SiteAccessLog
}

type adminAuthRequest struct {
	Action       string `json:"action"`
	Email        string `json:"email,omitempty"`
	Password     string `json:"password,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
}

type adminAuthResponse struct {
	Success      bool       `json:"success"`
	SessionToken string     `json:"sessionToken"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	AdminUser    *AdminUser `json:"adminUser"`
}

type siteAdminRequest struct {
	Action       string    `json:"action"`
	SessionToken string    `json:"sessionToken"`
	CodeName     string    `json:"codeName,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
	CodeID       string    `json:"codeId,omitempty"`
	IsActive     bool      `json:"isActive,omitempty"`
}

type siteAdminResponse struct {
	Success bool              `json:"success"`
	Codes   []*SiteAccessCode `json:"codes"`
	Logs    []*SiteAccessLog  `json:"logs"`
	Code    *SiteAccessCode   `json:"code"`
	Secret  string            `json:"secret"`
	URI     string            `json:"uri"`
}

func (c *Client) AdminLogin(ctx context.Context, email string, password string) (*AdminSession, error) {
	response := &adminAuthResponse{}
	status, err := c.post(ctx, "/api/admin/auth", &adminAuthRequest{Action: "login", Email: email, Password: password}, response)
	if err != nil {
		return nil, err
	}
	err = c.adminStatus(status)
	if err != nil {
		return nil, err
	}
	return &AdminSession{Token: response.SessionToken, ExpiresAt: response.ExpiresAt, User: response.AdminUser}, nil
}

func (c *Client) AdminVerify(ctx context.Context, session *AdminSession) (*AdminUser, error) {
	response := &adminAuthResponse{}
	status, err := c.post(ctx, "/api/admin/auth", &adminAuthRequest{Action: "verify", SessionToken: session.Token}, response)
	if err != nil {
		return nil, err
	}
	err = c.adminStatus(status)
	if err != nil {
		return nil, err
	}
	return response.AdminUser, nil
}

func (c *Client) AdminLogout(ctx context.Context, session *AdminSession) error {
	status, err := c.post(ctx, "/api/admin/auth", &adminAuthRequest{Action: "logout", SessionToken: session.Token}, &adminAuthResponse{})
	if err != nil {
		return err
	}
	return c.adminStatus(status)
}

func (c *Client) SiteAccessOverview(ctx context.Context, session *AdminSession) (*SiteAccessOverview, error) {
	response := &siteAdminResponse{}
	status, err := c.post(ctx, "/api/site/admin", &siteAdminRequest{Action: "overview", SessionToken: session.Token}, response)
	if err != nil {
		return nil, err
	}
	err = c.adminStatus(status)
	if err != nil {
		return nil, err
	}
	return &SiteAccessOverview{Codes: response.Codes, Logs: response.Logs}, nil
}

// CreateSiteAccessCode returns the new code's secret. A zero expiresAt
// creates a code without expiry.
func (c *Client) CreateSiteAccessCode(ctx context.Context, session *AdminSession, name string, expiresAt time.Time) (*SiteAccessCodeSecret, error) {
	response := &siteAdminResponse{}
	status, err := c.post(ctx, "/api/site/admin", &siteAdminRequest{Action: "create_code", SessionToken: session.Token, CodeName: name, ExpiresAt: expiresAt}, response)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, c.adminStatus(status)
	}
	return &SiteAccessCodeSecret{Code: response.Code, Secret: response.Secret, URI: response.URI}, nil
}

func (c *Client) UpdateSiteAccessCodeStatus(ctx context.Context, session *AdminSession, id string, active bool) error {
	status, err := c.post(ctx, "/api/site/admin", &siteAdminRequest{Action: "update_status", SessionToken: session.Token, CodeID: id, IsActive: active}, &siteAdminResponse{})
	if err != nil {
		return err
	}
	return c.adminStatus(status)
}

func (c *Client) SiteAccessCodeSecret(ctx context.Context, session *AdminSession, id string) (*SiteAccessCodeSecret, error) {
	response := &siteAdminResponse{}
	status, err := c.post(ctx, "/api/site/admin", &siteAdminRequest{Action: "get_code_secret", SessionToken: session.Token, CodeID: id}, response)
	if err != nil {
		return nil, err
	}
	err = c.adminStatus(status)
	if err != nil {
		return nil, err
	}
	return &SiteAccessCodeSecret{Code: response.Code, Secret: response.Secret, URI: response.URI}, nil
}

func (c *Client) adminStatus(status int) error {
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrNotAuthenticated
	case http.StatusLocked:
		return ErrLocked
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadRequest:
		return fmt.Errorf("invalid admin request (status: %d)", status)
	}
	return c.unexpectedStatus(status)
}
