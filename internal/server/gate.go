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

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tdrn-org/gated/internal/server/database"
	"github.com/tdrn-org/gated/internal/trace"
)

const (
	SiteAccessPath  = "/site-access/"
	AuthPath        = "/auth/"
	SetupTwoFAPath  = "/setup-2fa/"
	VerifyTwoFAPath = "/auth-2fa/"
)

const SiteAccessTokenHeader = "X-Site-Access-Token"

type GateState string

const (
	GateStateNoUser                  GateState = "no_user"
	GateStateUnchecked               GateState = "unchecked"
	GateStateNoTwoFA                 GateState = "no_2fa"
	GateStateTwoFARequiredUnverified GateState = "2fa_required"
	GateStateTwoFAVerified           GateState = "2fa_verified"
)

type GateEvaluation struct {
	State   GateState
	Session *database.UserSession
	Marker  *VerificationMarker
}

func ClientInfoFromRequest(r *http.Request) *ClientInfo {
	return &ClientInfo{
		Host:      trace.RemoteIP(r),
		UserAgent: r.UserAgent(),
	}
}

// BearerToken extracts the token of an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TwoFactorGate derives the 2FA state of a request from the user session
// and the verification marker cookie.
type TwoFactorGate struct {
	sessions      *UserSessionService
	twoFactor     *TwoFactorService
	sessionCookie *CookieHandler
	markerCookie  *SecureCookieHandler
	logger        *slog.Logger
}

func NewTwoFactorGate(sessions *UserSessionService, twoFactor *TwoFactorService, sessionCookie *CookieHandler, markerCookie *SecureCookieHandler) *TwoFactorGate {
	return &TwoFactorGate{
		sessions:      sessions,
		twoFactor:     twoFactor,
		sessionCookie: sessionCookie,
		markerCookie:  markerCookie,
		logger:        slog.With(slog.String("gate", "2fa")),
	}
}

// SessionToken prefers the bearer token over the session cookie.
func (g *TwoFactorGate) SessionToken(r *http.Request) string {
	token := BearerToken(r)
	if token != "" {
		return token
	}
	token, _ = g.sessionCookie.Get(r)
	return token
}

func (g *TwoFactorGate) Session(r *http.Request) (*database.UserSession, error) {
	return g.sessions.Lookup(r.Context(), g.SessionToken(r))
}

func (g *TwoFactorGate) Marker(r *http.Request) *VerificationMarker {
	marker := &VerificationMarker{}
	if !g.markerCookie.GetValue(r, marker) {
		return nil
	}
	return marker
}

func (g *TwoFactorGate) WriteSession(w http.ResponseWriter, grant *UserSessionGrant) {
	g.sessionCookie.Set(w, grant.Token)
}

func (g *TwoFactorGate) WriteMarker(w http.ResponseWriter, marker *VerificationMarker) error {
	return g.markerCookie.SetValue(w, marker)
}

func (g *TwoFactorGate) Clear(w http.ResponseWriter) {
	g.sessionCookie.Delete(w)
	g.markerCookie.Delete(w)
}

func (g *TwoFactorGate) ClearMarker(w http.ResponseWriter) {
	g.markerCookie.Delete(w)
}

// Evaluate re-reads the 2FA status from the database on every call. Errors
// are transient failures only; missing or invalid sessions yield NoUser.
func (g *TwoFactorGate) Evaluate(r *http.Request) (*GateEvaluation, error) {
	session, err := g.Session(r)
	if errors.Is(err, ErrCredential) {
		return &GateEvaluation{State: GateStateNoUser}, nil
	} else if err != nil {
		return nil, err
	}
	evaluation := &GateEvaluation{State: GateStateUnchecked, Session: session}
	has2FA, err := g.twoFactor.Status(r.Context(), session.Subject)
	if err != nil {
		return nil, err
	}
	if !has2FA {
		evaluation.State = GateStateNoTwoFA
		return evaluation, nil
	}
	marker := g.Marker(r)
	if marker.ValidFor(session, time.Now()) {
		evaluation.State = GateStateTwoFAVerified
		evaluation.Marker = marker
	} else {
		evaluation.State = GateStateTwoFARequiredUnverified
	}
	return evaluation, nil
}

// Handler serves the wrapped handler only in state TwoFAVerified and
// redirects otherwise, before any content is written.
func (g *TwoFactorGate) Handler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		evaluation, err := g.Evaluate(r)
		if err != nil {
			g.logger.Error("2FA gate evaluation failure", slog.Any("err", err))
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch evaluation.State {
		case GateStateTwoFAVerified:
			handler.ServeHTTP(w, r)
		case GateStateNoUser:
			redirect(w, r, AuthPath)
		case GateStateNoTwoFA:
			redirect(w, r, SetupTwoFAPath)
		case GateStateTwoFARequiredUnverified:
			redirect(w, r, VerifyTwoFAPath)
		case GateStateUnchecked:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			g.logger.Error("unexpected 2FA gate state", slog.String("state", string(evaluation.State)))
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
}

// SiteAccessGate guards the whole application with a site access grant.
type SiteAccessGate struct {
	service *SiteAccessService
	cookie  *CookieHandler
	logger  *slog.Logger
}

func NewSiteAccessGate(service *SiteAccessService, cookie *CookieHandler) *SiteAccessGate {
	return &SiteAccessGate{
		service: service,
		cookie:  cookie,
		logger:  slog.With(slog.String("gate", "site_access")),
	}
}

func (g *SiteAccessGate) Token(r *http.Request) string {
	token := r.Header.Get(SiteAccessTokenHeader)
	if token != "" {
		return token
	}
	token, _ = g.cookie.Get(r)
	return token
}

func (g *SiteAccessGate) Evaluate(r *http.Request) (*SiteAccessGrant, error) {
	return g.service.Evaluate(r.Context(), g.Token(r), time.Now())
}

func (g *SiteAccessGate) WriteGrant(w http.ResponseWriter, grant *SiteAccessGrant) {
	g.cookie.Set(w, grant.Token)
}

func (g *SiteAccessGate) Clear(w http.ResponseWriter) {
	g.cookie.Delete(w)
}

func (g *SiteAccessGate) Handler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := g.Evaluate(r)
		if errors.Is(err, ErrCredential) {
			g.cookie.Delete(w)
			redirect(w, r, SiteAccessPath)
			return
		} else if err != nil {
			g.logger.Error("site access gate evaluation failure", slog.Any("err", err))
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func redirect(w http.ResponseWriter, r *http.Request, path string) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, path, http.StatusFound)
}
