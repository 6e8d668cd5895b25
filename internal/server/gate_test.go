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

package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/server"
	"github.com/tdrn-org/gated/internal/trace"
)

type testGates struct {
	*testServices
	twoFactorGate  *server.TwoFactorGate
	siteAccessGate *server.SiteAccessGate
}

func newTestGates(t *testing.T) *testGates {
	services := newTestServices(t)
	sessionCookie := server.NewCookieHandler("gated_session", "/", true, http.SameSiteLaxMode, 0)
	markerCookie, err := server.NewSecureCookieHandler(server.NewCookieHandler("2fa_session", "/", true, http.SameSiteLaxMode, 1800), []byte(testServerKey))
	require.NoError(t, err)
	siteCookie := server.NewCookieHandler("site_access", "/", true, http.SameSiteLaxMode, 8*3600)
	return &testGates{
		testServices:   services,
		twoFactorGate:  server.NewTwoFactorGate(services.sessions, services.twoFactor, sessionCookie, markerCookie),
		siteAccessGate: server.NewSiteAccessGate(services.siteAccess, siteCookie),
	}
}

var protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newGateRequest(cookies []*http.Cookie) *http.Request {
	request := httptest.NewRequest(http.MethodGet, "/app/", nil)
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	return request
}

func serveGate(handler http.Handler, request *http.Request) *http.Response {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder.Result()
}

func TestTwoFactorGateStates(t *testing.T) {
	gates := newTestGates(t)
	ctx := t.Context()
	gated := gates.twoFactorGate.Handler(protectedHandler)

	t.Run("NoUser", func(t *testing.T) {
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(nil))
		require.NoError(t, err)
		require.Equal(t, server.GateStateNoUser, evaluation.State)
		response := serveGate(gated, newGateRequest(nil))
		require.Equal(t, http.StatusFound, response.StatusCode)
		require.Equal(t, server.AuthPath, response.Header.Get("Location"))
		require.Equal(t, "no-store", response.Header.Get("Cache-Control"))
	})

	grant := gates.login(t, testUserEmail, testUserPassword)
	recorder := httptest.NewRecorder()
	gates.twoFactorGate.WriteSession(recorder, grant)
	sessionCookies := recorder.Result().Cookies()
	require.Len(t, sessionCookies, 1)

	t.Run("NoTwoFA", func(t *testing.T) {
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(sessionCookies))
		require.NoError(t, err)
		require.Equal(t, server.GateStateNoTwoFA, evaluation.State)
		require.Equal(t, grant.Session.ID, evaluation.Session.ID)
		response := serveGate(gated, newGateRequest(sessionCookies))
		require.Equal(t, http.StatusFound, response.StatusCode)
		require.Equal(t, server.SetupTwoFAPath, response.Header.Get("Location"))
	})

	setup, err := gates.twoFactor.Generate(ctx, grant.Session)
	require.NoError(t, err)
	result, err := gates.twoFactor.Activate(ctx, grant.Session, currentCode(t, gates.totp, setup.Secret), gates.client)
	require.NoError(t, err)

	t.Run("TwoFARequired", func(t *testing.T) {
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(sessionCookies))
		require.NoError(t, err)
		require.Equal(t, server.GateStateTwoFARequiredUnverified, evaluation.State)
		response := serveGate(gated, newGateRequest(sessionCookies))
		require.Equal(t, http.StatusFound, response.StatusCode)
		require.Equal(t, server.VerifyTwoFAPath, response.Header.Get("Location"))
	})

	recorder = httptest.NewRecorder()
	err = gates.twoFactorGate.WriteMarker(recorder, result.Marker)
	require.NoError(t, err)
	markerCookies := recorder.Result().Cookies()
	require.Len(t, markerCookies, 1)
	verifiedCookies := append(append([]*http.Cookie{}, sessionCookies...), markerCookies...)

	t.Run("TwoFAVerified", func(t *testing.T) {
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(verifiedCookies))
		require.NoError(t, err)
		require.Equal(t, server.GateStateTwoFAVerified, evaluation.State)
		require.NotNil(t, evaluation.Marker)
		response := serveGate(gated, newGateRequest(verifiedCookies))
		require.Equal(t, http.StatusOK, response.StatusCode)
	})
	t.Run("BearerToken", func(t *testing.T) {
		request := newGateRequest(markerCookies)
		request.Header.Set("Authorization", "Bearer "+grant.Token)
		evaluation, err := gates.twoFactorGate.Evaluate(request)
		require.NoError(t, err)
		require.Equal(t, server.GateStateTwoFAVerified, evaluation.State)
	})
	t.Run("TamperedMarker", func(t *testing.T) {
		tampered := *markerCookies[0]
		tampered.Value = tampered.Value[:len(tampered.Value)-4] + "AAAA"
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(append(append([]*http.Cookie{}, sessionCookies...), &tampered)))
		require.NoError(t, err)
		require.Equal(t, server.GateStateTwoFARequiredUnverified, evaluation.State)
	})
	t.Run("ForeignMarker", func(t *testing.T) {
		other := gates.login(t, testUserEmail, testUserPassword)
		recorder := httptest.NewRecorder()
		gates.twoFactorGate.WriteSession(recorder, other)
		cookies := append(recorder.Result().Cookies(), markerCookies...)
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(cookies))
		require.NoError(t, err)
		require.Equal(t, server.GateStateTwoFARequiredUnverified, evaluation.State)
	})
	t.Run("ExpiredMarker", func(t *testing.T) {
		expired := server.NewVerificationMarker(grant.Session, time.Now().Add(-31*time.Minute))
		recorder := httptest.NewRecorder()
		err := gates.twoFactorGate.WriteMarker(recorder, expired)
		require.NoError(t, err)
		cookies := append(append([]*http.Cookie{}, sessionCookies...), recorder.Result().Cookies()...)
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(cookies))
		require.NoError(t, err)
		require.Equal(t, server.GateStateTwoFARequiredUnverified, evaluation.State)
	})
	t.Run("Disabled", func(t *testing.T) {
		err := gates.twoFactor.Disable(ctx, grant.Session, "", result.Marker)
		require.NoError(t, err)
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(verifiedCookies))
		require.NoError(t, err)
		require.Equal(t, server.GateStateNoTwoFA, evaluation.State)
	})
	t.Run("LoggedOut", func(t *testing.T) {
		err := gates.sessions.Logout(ctx, grant.Token)
		require.NoError(t, err)
		evaluation, err := gates.twoFactorGate.Evaluate(newGateRequest(verifiedCookies))
		require.NoError(t, err)
		require.Equal(t, server.GateStateNoUser, evaluation.State)
	})
}

func TestTwoFactorGateUnavailable(t *testing.T) {
	gates := newTestGates(t)
	grant := gates.login(t, testUserEmail, testUserPassword)
	recorder := httptest.NewRecorder()
	gates.twoFactorGate.WriteSession(recorder, grant)
	cookies := recorder.Result().Cookies()
	require.NoError(t, gates.database.Close())

	_, err := gates.twoFactorGate.Evaluate(newGateRequest(cookies))
	require.ErrorIs(t, err, server.ErrTransient)
	response := serveGate(gates.twoFactorGate.Handler(protectedHandler), newGateRequest(cookies))
	require.Equal(t, http.StatusServiceUnavailable, response.StatusCode)
}

func TestSiteAccessGate(t *testing.T) {
	gates := newTestGates(t)
	ctx := t.Context()
	gated := gates.siteAccessGate.Handler(protectedHandler)

	response := serveGate(gated, newGateRequest(nil))
	require.Equal(t, http.StatusFound, response.StatusCode)
	require.Equal(t, server.SiteAccessPath, response.Header.Get("Location"))

	codeSecret, err := gates.siteAccess.CreateCode(ctx, "Staff", time.Time{}, testAdminEmail)
	require.NoError(t, err)
	grant, err := gates.siteAccess.VerifyCode(ctx, currentCode(t, gates.totp, codeSecret.Secret), gates.client)
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	gates.siteAccessGate.WriteGrant(recorder, grant)
	cookies := recorder.Result().Cookies()
	require.Len(t, cookies, 1)

	response = serveGate(gated, newGateRequest(cookies))
	require.Equal(t, http.StatusOK, response.StatusCode)

	request := newGateRequest(nil)
	request.Header.Set(server.SiteAccessTokenHeader, grant.Token)
	response = serveGate(gated, request)
	require.Equal(t, http.StatusOK, response.StatusCode)

	err = gates.siteAccess.UpdateStatus(ctx, codeSecret.Code.ID, false)
	require.NoError(t, err)
	response = serveGate(gated, newGateRequest(cookies))
	require.Equal(t, http.StatusFound, response.StatusCode)
	require.Equal(t, server.SiteAccessPath, response.Header.Get("Location"))
	cleared := response.Cookies()
	require.Len(t, cleared, 1)
	require.Equal(t, -1, cleared[0].MaxAge)
}

func TestClientInfoFromRequest(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.RemoteAddr = "192.0.2.10:4711"
	request.Header.Set("User-Agent", "test-agent")
	request.Header.Set("X-Forwarded-For", "198.51.100.99")
	client := server.ClientInfoFromRequest(request)
	require.Equal(t, "192.0.2.10", client.Host)
	require.Equal(t, "test-agent", client.UserAgent)
	resolved := server.ClientInfoFromRequest(trace.WithRemoteIP(request, "198.51.100.1"))
	require.Equal(t, "198.51.100.1", resolved.Host)
}
