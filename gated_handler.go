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

package gated

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tdrn-org/gated/internal/server"
	"github.com/tdrn-org/gated/internal/server/database"
	"github.com/tdrn-org/gated/internal/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const maxRequestSize int64 = 64 * 1024

type TwoFactorAction string

const (
	TwoFactorActionGenerate TwoFactorAction = "generate"
	TwoFactorActionVerify   TwoFactorAction = "verify"
	TwoFactorActionActivate TwoFactorAction = "activate"
	TwoFactorActionDisable  TwoFactorAction = "disable"
)

type AdminAuthAction string

const (
	AdminAuthActionLogin  AdminAuthAction = "login"
	AdminAuthActionVerify AdminAuthAction = "verify"
	AdminAuthActionLogout AdminAuthAction = "logout"
)

type SiteAdminAction string

const (
	SiteAdminActionOverview      SiteAdminAction = "overview"
	SiteAdminActionCreateCode    SiteAdminAction = "create_code"
	SiteAdminActionUpdateStatus  SiteAdminAction = "update_status"
	SiteAdminActionGetCodeSecret SiteAdminAction = "get_code_secret"
)

type SessionLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SessionLoginResponse struct {
	Success      bool      `json:"success"`
	SessionToken string    `json:"sessionToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
	Error        string    `json:"error,omitempty"`
}

type SessionStatusResponse struct {
	State            server.GateState `json:"state"`
	Has2FA           bool             `json:"has2FA"`
	VerifiedUntil    time.Time        `json:"verifiedUntil,omitzero"`
	LastVerification time.Time        `json:"lastVerification,omitzero"`
}

type TwoFactorRequest struct {
	Action TwoFactorAction `json:"action"`
	Code   string          `json:"code,omitempty"`
}

type TwoFactorSetupResponse struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backupCodes"`
	URI         string   `json:"uri"`
	QRCode      string   `json:"qrCode"`
}

type ValidResponse struct {
	Valid          bool   `json:"valid"`
	BackupCodeUsed bool   `json:"backupCodeUsed,omitempty"`
	SignedOut      bool   `json:"signedOut,omitempty"`
	Error          string `json:"error,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type AdminAuthRequest struct {
	Action       AdminAuthAction `json:"action"`
	Email        string          `json:"email,omitempty"`
	Password     string          `json:"password,omitempty"`
	SessionToken string          `json:"sessionToken,omitempty"`
}

type AdminUserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type AdminAuthResponse struct {
	Success      bool           `json:"success"`
	SessionToken string         `json:"sessionToken,omitempty"`
	ExpiresAt    time.Time      `json:"expiresAt,omitzero"`
	AdminUser    *AdminUserInfo `json:"adminUser,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type SiteAuthRequest struct {
	Code      string `json:"code"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type SiteAuthResponse struct {
	Valid        bool      `json:"valid"`
	SessionToken string    `json:"session_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Error        string    `json:"error,omitempty"`
}

type SiteSessionResponse struct {
	Valid     bool      `json:"valid"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type SiteAdminRequest struct {
	Action       SiteAdminAction `json:"action"`
	SessionToken string          `json:"sessionToken,omitempty"`
	CodeName     string          `json:"codeName,omitempty"`
	ExpiresAt    time.Time       `json:"expiresAt,omitzero"`
	CodeID       string          `json:"codeId,omitempty"`
	IsActive     bool            `json:"isActive,omitempty"`
}

type SiteAccessCodeInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	LastUsed  time.Time `json:"lastUsed,omitzero"`
	CreatedBy string    `json:"createdBy"`
}

func newSiteAccessCodeInfo(code *database.SiteAccessCode) *SiteAccessCodeInfo {
	info := &SiteAccessCodeInfo{
		ID:        code.ID,
		Name:      code.Name,
		IsActive:  code.Active,
		CreatedAt: time.UnixMicro(code.CreateTime),
		CreatedBy: code.CreatedBy,
	}
	if code.Expiry != 0 {
		info.ExpiresAt = time.UnixMicro(code.Expiry)
	}
	if code.LastUsed != 0 {
		info.LastUsed = time.UnixMicro(code.LastUsed)
	}
	return info
}

type SiteAccessLogInfo struct {
	ID          string    `json:"id"`
	CodeID      string    `json:"codeId,omitempty"`
	Success     bool      `json:"success"`
	AccessTime  time.Time `json:"accessTime"`
	Host        string    `json:"host"`
	UserAgent   string    `json:"userAgent"`
	Country     string    `json:"country,omitempty"`
	CountryCode string    `json:"countryCode,omitempty"`
}

type SiteAdminResponse struct {
	Success bool                  `json:"success"`
	Codes   []*SiteAccessCodeInfo `json:"codes,omitempty"`
	Logs    []*SiteAccessLogInfo  `json:"logs,omitempty"`
	Code    *SiteAccessCodeInfo   `json:"code,omitempty"`
	Secret  string                `json:"secret,omitempty"`
	URI     string                `json:"uri,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (s *Server) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), "handleSessionLogin")
	defer span.End()

	request := &SessionLoginRequest{}
	err := decodeRequest(w, r, request)
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &SessionLoginResponse{Error: errorMessage(err)})
		return
	}
	grant, err := s.sessions.Login(traceCtx, request.Email, request.Password, server.ClientInfoFromRequest(r))
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &SessionLoginResponse{Error: errorMessage(err)})
		return
	}
	s.twoFactorGate.WriteSession(w, grant)
	s.twoFactorGate.ClearMarker(w)
	writeJSON(w, span, http.StatusOK, &SessionLoginResponse{
		Success:      true,
		SessionToken: grant.Token,
		ExpiresAt:    time.UnixMicro(grant.Session.Expiry),
	})
}

func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), "handleSessionLogout")
	defer span.End()

	err := s.sessions.Logout(traceCtx, s.twoFactorGate.SessionToken(r))
	s.twoFactorGate.Clear(w)
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &SuccessResponse{Error: errorMessage(err)})
		return
	}
	writeJSON(w, span, http.StatusOK, &SuccessResponse{Success: true})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), "handleSessionStatus")
	defer span.End()
	traceR := r.WithContext(traceCtx)

	evaluation, err := s.twoFactorGate.Evaluate(traceR)
	if err != nil {
		trace.RecordError(span, err)
		slog.Error("failed to evaluate 2FA state", slog.Any("err", err))
		writeJSON(w, span, http.StatusServiceUnavailable, &SessionStatusResponse{State: server.GateStateUnchecked})
		return
	}
	response := &SessionStatusResponse{State: evaluation.State}
	switch evaluation.State {
	case server.GateStateNoUser:
		writeJSON(w, span, http.StatusUnauthorized, response)
		return
	case server.GateStateNoTwoFA:
	case server.GateStateTwoFARequiredUnverified:
		response.Has2FA = true
	case server.GateStateTwoFAVerified:
		response.Has2FA = true
		response.VerifiedUntil = evaluation.Marker.ExpiryTime()
	case server.GateStateUnchecked:
		writeJSON(w, span, http.StatusServiceUnavailable, response)
		return
	default:
		writeJSON(w, span, http.StatusInternalServerError, response)
		return
	}
	logs, err := s.twoFactor.VerificationLogs(traceCtx, evaluation.Session.Subject)
	if err != nil {
		trace.RecordError(span, err)
		slog.Warn("failed to read user verification logs", slog.String("subject", evaluation.Session.Subject), slog.Any("err", err))
	}
	for _, log := range logs {
		lastUsed := time.UnixMicro(log.LastUsed)
		if lastUsed.After(response.LastVerification) {
			response.LastVerification = lastUsed
		}
	}
	writeJSON(w, span, http.StatusOK, response)
}

func (s *Server) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), "handleTwoFactor")
	defer span.End()
	traceR := r.WithContext(traceCtx)

	request := &TwoFactorRequest{}
	err := decodeRequest(w, r, request)
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &ValidResponse{Error: errorMessage(err)})
		return
	}
	session, err := s.twoFactorGate.Session(traceR)
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &ValidResponse{SignedOut: errors.Is(err, server.ErrCredential), Error: errorMessage(err)})
		return
	}
	client := server.ClientInfoFromRequest(r)
	switch request.Action {
	case TwoFactorActionGenerate:
		setup, err := s.twoFactor.Generate(traceCtx, session)
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &SuccessResponse{Error: errorMessage(err)})
			return
		}
		writeJSON(w, span, http.StatusOK, &TwoFactorSetupResponse{
			Secret:      setup.Secret,
			BackupCodes: setup.BackupCodes,
			URI:         setup.URL,
			QRCode:      setup.QRCode,
		})
	case TwoFactorActionVerify:
		result, err := s.twoFactor.Verify(traceCtx, session, request.Code, client)
		s.writeVerifyResult(w, span, result, err)
	case TwoFactorActionActivate:
		result, err := s.twoFactor.Activate(traceCtx, session, request.Code, client)
		s.writeVerifyResult(w, span, result, err)
	case TwoFactorActionDisable:
		err := s.twoFactor.Disable(traceCtx, session, request.Code, s.twoFactorGate.Marker(traceR))
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &SuccessResponse{Error: errorMessage(err)})
			return
		}
		s.twoFactorGate.ClearMarker(w)
		writeJSON(w, span, http.StatusOK, &SuccessResponse{Success: true})
	default:
		err = fmt.Errorf("%w (unknown 2FA action: '%s')", server.ErrInvalidRequest, request.Action)
		s.writeError(w, span, err, http.StatusUnauthorized, &ValidResponse{Error: errorMessage(err)})
	}
}

// writeVerifyResult writes the marker cookie before the body reports
// success. A signed out session also loses its cookies.
func (s *Server) writeVerifyResult(w http.ResponseWriter, span oteltrace.Span, result *server.VerifyResult, err error) {
	if result != nil && result.SignedOut {
		s.twoFactorGate.Clear(w)
	}
	if err != nil {
		response := &ValidResponse{Error: errorMessage(err)}
		if result != nil {
			response.SignedOut = result.SignedOut
		}
		s.writeError(w, span, err, http.StatusOK, response)
		return
	}
	err = s.twoFactorGate.WriteMarker(w, result.Marker)
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &ValidResponse{Error: errorMessage(err)})
		return
	}
	writeJSON(w, span, http.StatusOK, &ValidResponse{
		Valid:          result.Valid,
		BackupCodeUsed: result.BackupCodeUsed,
	})
}

func (s *Server) handleSiteAuth(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), "handleSiteAuth")
	defer span.End()

	request := &SiteAuthRequest{}
	err := decodeRequest(w, r, request)
	if err != nil {
		s.writeError(w, span, err, http.StatusBadRequest, &SiteAuthResponse{Error: errorMessage(err)})
		return
	}
	// The remote address is taken from the connection; the request's
	// ip_address is informational only.
	client := server.ClientInfoFromRequest(r)
	if request.UserAgent != "" {
		client.UserAgent = request.UserAgent
	}
	grant, err := s.siteAccess.VerifyCode(traceCtx, request.Code, client)
	if err != nil {
		s.writeError(w, span, err, http.StatusBadRequest, &SiteAuthResponse{Error: errorMessage(err)})
		return
	}
	s.siteAccessGate.WriteGrant(w, grant)
	writeJSON(w, span, http.StatusOK, &SiteAuthResponse{
		Valid:        true,
		SessionToken: grant.Token,
		ExpiresAt:    grant.ExpiresAt,
	})
}

func (s *Server) handleSiteSession(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), "handleSiteSession")
	defer span.End()
	traceR := r.WithContext(traceCtx)

	grant, err := s.siteAccessGate.Evaluate(traceR)
	if errors.Is(err, server.ErrCredential) {
		s.siteAccessGate.Clear(w)
		writeJSON(w, span, http.StatusOK, &SiteSessionResponse{})
		return
	} else if err != nil {
		trace.RecordError(span, err)
		slog.Error("failed to evaluate site access", slog.Any("err", err))
		writeJSON(w, span, http.StatusServiceUnavailable, &SiteSessionResponse{})
		return
	}
	writeJSON(w, span, http.StatusOK, &SiteSessionResponse{Valid: true, ExpiresAt: grant.ExpiresAt})
}

func (s *Server) handleAdminAuth(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), "handleAdminAuth")
	defer span.End()

	request := &AdminAuthRequest{}
	err := decodeRequest(w, r, request)
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &AdminAuthResponse{Error: errorMessage(err)})
		return
	}
	token := request.SessionToken
	if token == "" {
		token = server.BearerToken(r)
	}
	switch request.Action {
	case AdminAuthActionLogin:
		grant, err := s.admin.Login(traceCtx, request.Email, request.Password, server.ClientInfoFromRequest(r))
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &AdminAuthResponse{Error: errorMessage(err)})
			return
		}
		writeJSON(w, span, http.StatusOK, &AdminAuthResponse{
			Success:      true,
			SessionToken: grant.Token,
			ExpiresAt:    grant.ExpiresAt,
			AdminUser:    &AdminUserInfo{ID: grant.User.ID, Email: grant.User.Email},
		})
	case AdminAuthActionVerify:
		user, session, err := s.admin.Verify(traceCtx, token)
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &AdminAuthResponse{Error: errorMessage(err)})
			return
		}
		writeJSON(w, span, http.StatusOK, &AdminAuthResponse{
			Success:   true,
			ExpiresAt: time.UnixMicro(session.Expiry),
			AdminUser: &AdminUserInfo{ID: user.ID, Email: user.Email},
		})
	case AdminAuthActionLogout:
		err := s.admin.Logout(traceCtx, token)
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &AdminAuthResponse{Error: errorMessage(err)})
			return
		}
		writeJSON(w, span, http.StatusOK, &AdminAuthResponse{Success: true})
	default:
		err = fmt.Errorf("%w (unknown admin auth action: '%s')", server.ErrInvalidRequest, request.Action)
		s.writeError(w, span, err, http.StatusUnauthorized, &AdminAuthResponse{Error: errorMessage(err)})
	}
}

func (s *Server) handleSiteAdmin(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), "handleSiteAdmin")
	defer span.End()

	request := &SiteAdminRequest{}
	err := decodeRequest(w, r, request)
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &SiteAdminResponse{Error: errorMessage(err)})
		return
	}
	token := request.SessionToken
	if token == "" {
		token = server.BearerToken(r)
	}
	admin, _, err := s.admin.Verify(traceCtx, token)
	if err != nil {
		s.writeError(w, span, err, http.StatusUnauthorized, &SiteAdminResponse{Error: errorMessage(err)})
		return
	}
	switch request.Action {
	case SiteAdminActionOverview:
		overview, err := s.siteAccess.Overview(traceCtx)
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &SiteAdminResponse{Error: errorMessage(err)})
			return
		}
		response := &SiteAdminResponse{
			Success: true,
			Codes:   make([]*SiteAccessCodeInfo, 0, len(overview.Codes)),
			Logs:    make([]*SiteAccessLogInfo, 0, len(overview.Logs)),
		}
		for _, code := range overview.Codes {
			response.Codes = append(response.Codes, newSiteAccessCodeInfo(code))
		}
		for _, log := range overview.Logs {
			response.Logs = append(response.Logs, &SiteAccessLogInfo{
				ID:          log.ID,
				CodeID:      log.CodeID,
				Success:     log.Success,
				AccessTime:  time.UnixMicro(log.AccessTime),
				Host:        log.Host,
				UserAgent:   log.UserAgent,
				Country:     log.Country,
				CountryCode: log.CountryCode,
			})
		}
		writeJSON(w, span, http.StatusOK, response)
	case SiteAdminActionCreateCode:
		codeSecret, err := s.siteAccess.CreateCode(traceCtx, request.CodeName, request.ExpiresAt, admin.Email)
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &SiteAdminResponse{Error: errorMessage(err)})
			return
		}
		writeJSON(w, span, http.StatusCreated, &SiteAdminResponse{
			Success: true,
			Code:    newSiteAccessCodeInfo(codeSecret.Code),
			Secret:  codeSecret.Secret,
			URI:     codeSecret.URL,
		})
	case SiteAdminActionUpdateStatus:
		err := s.siteAccess.UpdateStatus(traceCtx, request.CodeID, request.IsActive)
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &SiteAdminResponse{Error: errorMessage(err)})
			return
		}
		writeJSON(w, span, http.StatusOK, &SiteAdminResponse{Success: true})
	case SiteAdminActionGetCodeSecret:
		codeSecret, err := s.siteAccess.CodeSecret(traceCtx, request.CodeID)
		if err != nil {
			s.writeError(w, span, err, http.StatusUnauthorized, &SiteAdminResponse{Error: errorMessage(err)})
			return
		}
		writeJSON(w, span, http.StatusOK, &SiteAdminResponse{
			Success: true,
			Code:    newSiteAccessCodeInfo(codeSecret.Code),
			Secret:  codeSecret.Secret,
			URI:     codeSecret.URL,
		})
	default:
		err = fmt.Errorf("%w (unknown site admin action: '%s')", server.ErrInvalidRequest, request.Action)
		s.writeError(w, span, err, http.StatusUnauthorized, &SiteAdminResponse{Error: errorMessage(err)})
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, request any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
	err := decoder.Decode(request)
	if err != nil {
		return fmt.Errorf("%w (cause: %w)", server.ErrInvalidRequest, err)
	}
	return nil
}

// errorStatus maps the error classes to HTTP status codes. Credential
// failures are reported with the endpoint specific status.
func errorStatus(err error, credentialStatus int) int {
	switch {
	case errors.Is(err, server.ErrCredential):
		return credentialStatus
	case errors.Is(err, server.ErrLockout):
		return http.StatusLocked
	case errors.Is(err, server.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, server.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, server.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, server.ErrCredential):
		return "invalid credentials"
	case errors.Is(err, server.ErrLockout):
		return "account locked"
	case errors.Is(err, server.ErrTooManyAttempts):
		return "too many attempts"
	case errors.Is(err, server.ErrConflict):
		return "conflicting state"
	case errors.Is(err, server.ErrInvalidRequest):
		return "invalid request"
	}
	return "internal error"
}

func (s *Server) writeError(w http.ResponseWriter, span oteltrace.Span, err error, credentialStatus int, response any) {
	status := errorStatus(err, credentialStatus)
	trace.RecordError(span, err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.Any("err", err))
	} else {
		slog.Debug("request rejected", slog.Int("status", status), slog.Any("err", err))
	}
	writeJSON(w, span, status, response)
}

func writeJSON(w http.ResponseWriter, span oteltrace.Span, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(response)
	if err != nil {
		trace.RecordError(span, err)
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}
