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

// Package gateclient is the client side mirror of the gate state machine.
// It keeps the user session token, the site access session and the local
// 2FA verification session, and talks to the gate endpoints over HTTP.
package gateclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tdrn-org/gated/internal/buildinfo"
	"golang.org/x/oauth2"
)

var ErrNotAuthenticated = errors.New("not authenticated")
var ErrInvalidCode = errors.New("invalid code")
var ErrTooManyAttempts = errors.New("too many attempts")
var ErrLocked = errors.New("account locked")
var ErrConflict = errors.New("conflicting state")
var ErrUnavailable = errors.New("gate service unavailable")

const MaxVerifyAttempts int = 5

const DefaultVerificationLifetime time.Duration = 30 * time.Minute

const SiteAccessTokenHeader = "X-Site-Access-Token"

type State string

const (
	StateNoUser                  State = "no_user"
	StateUnchecked               State = "unchecked"
	StateNoTwoFA                 State = "no_2fa"
	StateTwoFARequiredUnverified State = "2fa_required"
	StateTwoFAVerified           State = "2fa_verified"
	StateUnavailable             State = "unavailable"
)

// VerificationSession is valid strictly before its expiry.
type VerificationSession struct {
	Timestamp time.Time
	Expiry    time.Time
}

func NewVerificationSession(now time.Time, lifetime time.Duration) *VerificationSession {
	return &VerificationSession{Timestamp: now, Expiry: now.Add(lifetime)}
}

func (s *VerificationSession) Valid(now time.Time) bool {
	return s != nil && now.Before(s.Expiry)
}

type SiteAccessSession struct {
	Token     string
	ExpiresAt time.Time
}

func (s *SiteAccessSession) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

type TwoFactorSetup struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backupCodes"`
	URI         string   `json:"uri"`
	QRCode      string   `json:"qrCode"`
}

type Config struct {
	BaseURL              string
	Transport            http.RoundTripper
	VerificationLifetime time.Duration
}

func (c *Config) NewClient() (*Client, error) {
	baseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: '%s' (cause: %w)", c.BaseURL, err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar (cause: %w)", err)
	}
	transport := c.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	verificationLifetime := c.VerificationLifetime
	if verificationLifetime <= 0 {
		verificationLifetime = DefaultVerificationLifetime
	}
	client := &Client{
		baseURL:              baseURL,
		jar:                  jar,
		transport:            transport,
		verificationLifetime: verificationLifetime,
		state:                StateNoUser,
		logger:               slog.With(slog.String("gate", baseURL.String())),
	}
	client.httpClient = client.newHttpClient("")
	return client, nil
}

type Client struct {
	baseURL              *url.URL
	jar                  http.CookieJar
	transport            http.RoundTripper
	verificationLifetime time.Duration
	logger               *slog.Logger
	mutex                sync.Mutex
	httpClient           *http.Client
	state                State
	sessionToken         string
	verification         *VerificationSession
	siteAccess           *SiteAccessSession
	attempts             int
}

// newHttpClient authenticates requests with the session token as bearer
// token, in addition to the cookies collected in the jar.
func (c *Client) newHttpClient(sessionToken string) *http.Client {
	transport := c.transport
	if sessionToken != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: sessionToken, TokenType: "Bearer"}),
			Base:   c.transport,
		}
	}
	return &http.Client{
		Jar:       c.jar,
		Transport: transport,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (c *Client) BaseURL() *url.URL {
	return c.baseURL
}

func (c *Client) HttpClient() *http.Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.httpClient
}

func (c *Client) SessionToken() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sessionToken
}

// State reports the gate state at the given time. A verified state whose
// verification session has expired reports TwoFARequiredUnverified.
func (c *Client) State(now time.Time) State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state == StateTwoFAVerified && !c.verification.Valid(now) {
		return StateTwoFARequiredUnverified
	}
	return c.state
}

func (c *Client) Verification() *VerificationSession {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.verification
}

func (c *Client) SiteAccess() *SiteAccessSession {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.siteAccess
}

func (c *Client) Attempts() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.attempts
}

type siteAuthRequest struct {
	Code      string `json:"code"`
	UserAgent string `json:"user_agent,omitempty"`
}

type siteAuthResponse struct {
	Valid        bool      `json:"valid"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (c *Client) SiteAuth(ctx context.Context, code string) (*SiteAccessSession, error) {
	response := &siteAuthResponse{}
	status, err := c.post(ctx, "/api/site/auth", &siteAuthRequest{Code: code}, response)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusBadRequest:
		return nil, ErrInvalidCode
	case http.StatusTooManyRequests:
		return nil, ErrTooManyAttempts
	default:
		return nil, c.unexpectedStatus(status)
	}
	if !response.Valid {
		return nil, ErrInvalidCode
	}
	siteAccess := &SiteAccessSession{Token: response.SessionToken, ExpiresAt: response.ExpiresAt}
	c.mutex.Lock()
	c.siteAccess = siteAccess
	c.mutex.Unlock()
	return siteAccess, nil
}

type siteSessionResponse struct {
	Valid     bool      `json:"valid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SiteSession re-validates the site access session with the server. An
// invalid session is dropped.
func (c *Client) SiteSession(ctx context.Context) (bool, error) {
	response := &siteSessionResponse{}
	status, err := c.get(ctx, "/api/site/session", response)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, c.unexpectedStatus(status)
	}
	if !response.Valid {
		c.mutex.Lock()
		c.siteAccess = nil
		c.mutex.Unlock()
	}
	return response.Valid, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success      bool      `json:"success"`
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Login establishes the user session and evaluates the resulting state.
func (c *Client) Login(ctx context.Context, email string, password string) (State, error) {
	response := &loginResponse{}
	status, err := c.post(ctx, "/api/session/login", &loginRequest{Email: email, Password: password}, response)
	if err != nil {
		return StateUnavailable, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return StateNoUser, ErrNotAuthenticated
	default:
		c.mutex.Lock()
		state := c.state
		c.mutex.Unlock()
		return state, c.unexpectedStatus(status)
	}
	c.mutex.Lock()
	c.sessionToken = response.SessionToken
	c.httpClient = c.newHttpClient(response.SessionToken)
	c.state = StateUnchecked
	c.verification = nil
	c.attempts = 0
	c.mutex.Unlock()
	return c.Refresh(ctx)
}

type statusResponse struct {
	State         State     `json:"state"`
	Has2FA        bool      `json:"has2FA"`
	VerifiedUntil time.Time `json:"verifiedUntil"`
}

// Refresh re-reads the gate state from the server. Transient failures
// yield Unavailable and never change the verification session.
func (c *Client) Refresh(ctx context.Context) (State, error) {
	response := &statusResponse{}
	status, err := c.get(ctx, "/api/session/status", response)
	if err != nil {
		return StateUnavailable, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		c.signedOut()
		return c.state, nil
	default:
		c.state = StateUnavailable
		return c.state, c.unexpectedStatus(status)
	}
	switch response.State {
	case StateTwoFAVerified:
		if !c.verification.Valid(time.Now()) || !c.verification.Expiry.Equal(response.VerifiedUntil) {
			c.verification = &VerificationSession{Timestamp: response.VerifiedUntil.Add(-c.verificationLifetime), Expiry: response.VerifiedUntil}
		}
	case StateNoTwoFA, StateTwoFARequiredUnverified:
		c.verification = nil
	default:
		return c.state, fmt.Errorf("unexpected gate state: '%s'", response.State)
	}
	c.state = response.State
	return c.state, nil
}

type twoFactorRequest struct {
	Action string `json:"action"`
	Code   string `json:"code,omitempty"`
}

type validResponse struct {
	Valid          bool `json:"valid"`
	BackupCodeUsed bool `json:"backupCodeUsed"`
	SignedOut      bool `json:"signedOut"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (c *Client) Generate(ctx context.Context) (*TwoFactorSetup, error) {
	response := &TwoFactorSetup{}
	status, err := c.post(ctx, "/api/2fa", &twoFactorRequest{Action: "generate"}, response)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return response, nil
	case http.StatusUnauthorized:
		c.mutex.Lock()
		c.signedOut()
		c.mutex.Unlock()
		return nil, ErrNotAuthenticated
	case http.StatusConflict:
		return nil, ErrConflict
	}
	return nil, c.unexpectedStatus(status)
}

// Verify checks a TOTP or backup code. The attempt beyond the cap signs
// the client out.
func (c *Client) Verify(ctx context.Context, code string) (*VerificationSession, error) {
	return c.verify(ctx, "verify", code)
}

// Activate confirms a pending 2FA setup.
func (c *Client) Activate(ctx context.Context, code string) (*VerificationSession, error) {
	return c.verify(ctx, "activate", code)
}

func (c *Client) verify(ctx context.Context, action string, code string) (*VerificationSession, error) {
	c.mutex.Lock()
	if c.attempts >= MaxVerifyAttempts {
		c.mutex.Unlock()
		c.logger.Warn("verify attempt limit reached; signing out")
		err := c.Logout(ctx)
		if err != nil {
			c.logger.Warn("failed to sign out", slog.Any("err", err))
		}
		return nil, ErrTooManyAttempts
	}
	c.mutex.Unlock()
	response := &validResponse{}
	status, err := c.post(ctx, "/api/2fa", &twoFactorRequest{Action: action, Code: code}, response)
	if err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if response.SignedOut {
		c.signedOut()
		if status == http.StatusTooManyRequests {
			return nil, ErrTooManyAttempts
		}
		return nil, ErrNotAuthenticated
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		c.signedOut()
		return nil, ErrNotAuthenticated
	case http.StatusBadRequest:
		c.attempts++
		return nil, ErrInvalidCode
	case http.StatusTooManyRequests:
		c.signedOut()
		return nil, ErrTooManyAttempts
	case http.StatusConflict:
		return nil, ErrConflict
	default:
		return nil, c.unexpectedStatus(status)
	}
	if !response.Valid {
		c.attempts++
		return nil, ErrInvalidCode
	}
	c.attempts = 0
	c.verification = NewVerificationSession(time.Now(), c.verificationLifetime)
	c.state = StateTwoFAVerified
	return c.verification, nil
}

// Disable removes the 2FA setup. The code may be empty while the
// verification session is valid.
func (c *Client) Disable(ctx context.Context, code string) error {
	response := &successResponse{}
	status, err := c.post(ctx, "/api/2fa", &twoFactorRequest{Action: "disable", Code: code}, response)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch status {
	case http.StatusOK:
		c.verification = nil
		c.state = StateNoTwoFA
		return nil
	case http.StatusUnauthorized:
		return ErrInvalidCode
	case http.StatusTooManyRequests:
		c.signedOut()
		return ErrTooManyAttempts
	}
	return c.unexpectedStatus(status)
}

func (c *Client) Logout(ctx context.Context) error {
	response := &successResponse{}
	status, err := c.post(ctx, "/api/session/logout", nil, response)
	c.mutex.Lock()
	c.signedOut()
	c.mutex.Unlock()
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.unexpectedStatus(status)
	}
	return nil
}

func (c *Client) signedOut() {
	c.state = StateNoUser
	c.sessionToken = ""
	c.httpClient = c.newHttpClient("")
	c.verification = nil
	c.attempts = 0
}

func (c *Client) unexpectedStatus(status int) error {
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%w (status: %d)", ErrUnavailable, status)
	}
	return fmt.Errorf("unexpected response status: %d", status)
}

func (c *Client) get(ctx context.Context, path string, response any) (int, error) {
	return c.do(ctx, http.MethodGet, path, nil, response)
}

func (c *Client) post(ctx context.Context, path string, request any, response any) (int, error) {
	return c.do(ctx, http.MethodPost, path, request, response)
}

func (c *Client) do(ctx context.Context, method string, path string, request any, response any) (int, error) {
	body := &bytes.Buffer{}
	if request != nil {
		err := json.NewEncoder(body).Encode(request)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request (cause: %w)", err)
		}
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request (cause: %w)", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", buildinfo.UserAgent())
	c.mutex.Lock()
	httpClient := c.httpClient
	if c.siteAccess != nil {
		httpRequest.Header.Set(SiteAccessTokenHeader, c.siteAccess.Token)
	}
	c.mutex.Unlock()
	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		c.logger.Warn("gate request failed", slog.String("path", path), slog.Any("err", err))
		c.mutex.Lock()
		c.state = StateUnavailable
		c.mutex.Unlock()
		return 0, fmt.Errorf("%w (cause: %w)", ErrUnavailable, err)
	}
	defer httpResponse.Body.Close()
	if response != nil && strings.HasPrefix(httpResponse.Header.Get("Content-Type"), "application/json") {
		err = json.NewDecoder(httpResponse.Body).Decode(response)
		if err != nil {
			return httpResponse.StatusCode, fmt.Errorf("failed to decode response (cause: %w)", err)
		}
	}
	return httpResponse.StatusCode, nil
}
