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

package gateclient_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/gateclient"
	"github.com/tdrn-org/go-log"
)

func TestVerificationSession(t *testing.T) {
	now := time.Now()
	session := gateclient.NewVerificationSession(now, 30*time.Minute)
	require.Equal(t, now, session.Timestamp)
	require.True(t, session.Valid(now))
	require.True(t, session.Valid(now.Add(29*time.Minute+59*time.Second)))
	require.False(t, session.Valid(now.Add(30*time.Minute)))
	require.False(t, session.Valid(now.Add(30*time.Minute+time.Second)))
	var noSession *gateclient.VerificationSession
	require.False(t, noSession.Valid(now))
}

func TestSiteAccessSession(t *testing.T) {
	now := time.Now()
	session := &gateclient.SiteAccessSession{Token: "token", ExpiresAt: now.Add(8 * time.Hour)}
	require.True(t, session.Valid(now))
	require.True(t, session.Valid(now.Add(8*time.Hour-time.Second)))
	require.False(t, session.Valid(now.Add(8*time.Hour)))
	require.False(t, (&gateclient.SiteAccessSession{ExpiresAt: now.Add(time.Hour)}).Valid(now))
	var noSession *gateclient.SiteAccessSession
	require.False(t, noSession.Valid(now))
}

func TestUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	client := newTestClient(t, server.URL)
	state, err := client.Refresh(t.Context())
	require.ErrorIs(t, err, gateclient.ErrUnavailable)
	require.Equal(t, gateclient.StateUnavailable, state)
	server.Close()
	state, err = client.Refresh(t.Context())
	require.ErrorIs(t, err, gateclient.ErrUnavailable)
	require.Equal(t, gateclient.StateUnavailable, state)
	require.Equal(t, gateclient.StateUnavailable, client.State(time.Now()))
	require.Nil(t, client.Verification())
}

func TestAttemptCap(t *testing.T) {
	var verifyRequests atomic.Int32
	var logoutRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionToken": "session-token", "expiresAt": time.Now().Add(time.Hour)})
	})
	mux.HandleFunc("GET /api/session/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer session-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"state": "no_user"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": "2fa_required", "has2FA": true})
	})
	mux.HandleFunc("POST /api/2fa", func(w http.ResponseWriter, r *http.Request) {
		verifyRequests.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": "invalid credentials"})
	})
	mux.HandleFunc("POST /api/session/logout", func(w http.ResponseWriter, r *http.Request) {
		logoutRequests.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server.URL)
	state, err := client.Login(t.Context(), "user@example.org", "secret")
	require.NoError(t, err)
	require.Equal(t, gateclient.StateTwoFARequiredUnverified, state)
	require.Equal(t, "session-token", client.SessionToken())
	for attempt := 1; attempt <= gateclient.MaxVerifyAttempts; attempt++ {
		_, err = client.Verify(t.Context(), "123456")
		require.ErrorIs(t, err, gateclient.ErrInvalidCode)
	}
	require.Equal(t, int32(gateclient.MaxVerifyAttempts), verifyRequests.Load())
	_, err = client.Verify(t.Context(), "123456")
	require.ErrorIs(t, err, gateclient.ErrTooManyAttempts)
	require.Equal(t, int32(gateclient.MaxVerifyAttempts), verifyRequests.Load())
	require.Equal(t, int32(1), logoutRequests.Load())
	require.Equal(t, gateclient.StateNoUser, client.State(time.Now()))
	require.Empty(t, client.SessionToken())
	require.Equal(t, 0, client.Attempts())
}

func TestAttemptCapLogoutFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionToken": "session-token"})
	})
	mux.HandleFunc("GET /api/session/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"state": "2fa_required", "has2FA": true})
	})
	mux.HandleFunc("POST /api/2fa", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
	})
	mux.HandleFunc("POST /api/session/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server.URL)
	_, err := client.Login(t.Context(), "user@example.org", "secret")
	require.NoError(t, err)
	for attempt := 1; attempt <= gateclient.MaxVerifyAttempts; attempt++ {
		_, err = client.Verify(t.Context(), "123456")
		require.ErrorIs(t, err, gateclient.ErrInvalidCode)
	}
	_, err = client.Verify(t.Context(), "123456")
	require.ErrorIs(t, err, gateclient.ErrTooManyAttempts)
	require.Equal(t, gateclient.StateNoUser, client.State(time.Now()))
	require.Empty(t, client.SessionToken())
}

func TestVerifySessionGone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionToken": "session-token"})
	})
	mux.HandleFunc("GET /api/session/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"state": "2fa_required", "has2FA": true})
	})
	mux.HandleFunc("POST /api/2fa", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false, "error": "not authenticated"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server.URL)
	_, err := client.Login(t.Context(), "user@example.org", "secret")
	require.NoError(t, err)
	_, err = client.Verify(t.Context(), "123456")
	require.ErrorIs(t, err, gateclient.ErrNotAuthenticated)
	require.Equal(t, gateclient.StateNoUser, client.State(time.Now()))
	require.Equal(t, 0, client.Attempts())
}

func TestLoginUnexpectedStatusKeepsState(t *testing.T) {
	var loginRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/login", func(w http.ResponseWriter, r *http.Request) {
		if loginRequests.Add(1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionToken": "session-token"})
	})
	mux.HandleFunc("GET /api/session/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"state": "2fa_required", "has2FA": true})
	})
	mux.HandleFunc("POST /api/2fa", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server.URL)
	_, err := client.Login(t.Context(), "user@example.org", "secret")
	require.NoError(t, err)

	// state is read concurrently with a running verification
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Verify(t.Context(), "123456")
	}()
	state, err := client.Login(t.Context(), "user@example.org", "secret")
	wg.Wait()
	require.ErrorIs(t, err, gateclient.ErrUnavailable)
	require.Equal(t, gateclient.StateTwoFARequiredUnverified, state)
	require.Equal(t, "session-token", client.SessionToken())
}

func TestServerSignOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionToken": "session-token"})
	})
	mux.HandleFunc("GET /api/session/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"state": "2fa_required", "has2FA": true})
	})
	mux.HandleFunc("POST /api/2fa", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"valid": false, "signedOut": true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server.URL)
	_, err := client.Login(t.Context(), "user@example.org", "secret")
	require.NoError(t, err)
	_, err = client.Verify(t.Context(), "123456")
	require.ErrorIs(t, err, gateclient.ErrTooManyAttempts)
	require.Equal(t, gateclient.StateNoUser, client.State(time.Now()))
}

func TestVerifiedExpiry(t *testing.T) {
	verifiedUntil := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionToken": "session-token"})
	})
	mux.HandleFunc("GET /api/session/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"state": "2fa_verified", "has2FA": true, "verifiedUntil": verifiedUntil})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := newTestClient(t, server.URL)
	state, err := client.Login(t.Context(), "user@example.org", "secret")
	require.NoError(t, err)
	require.Equal(t, gateclient.StateTwoFAVerified, state)
	verification := client.Verification()
	require.NotNil(t, verification)
	require.True(t, verification.Expiry.Equal(verifiedUntil))
	require.Equal(t, gateclient.StateTwoFAVerified, client.State(verifiedUntil.Add(-time.Second)))
	require.Equal(t, gateclient.StateTwoFARequiredUnverified, client.State(verifiedUntil))
}

func newTestClient(t *testing.T, baseURL string) *gateclient.Client {
	config := &gateclient.Config{BaseURL: baseURL}
	client, err := config.NewClient()
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func init() {
	log.Init(slog.LevelDebug, log.TargetStdout, log.ColorAuto)
}
