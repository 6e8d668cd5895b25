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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/server"
	"github.com/tdrn-org/gated/internal/server/crypto"
	"github.com/tdrn-org/gated/internal/server/database"
)

func TestSiteAccessMultipleCodes(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()

	broken := database.NewSiteAccessCode("broken", "garbage", "00", crypto.AlgorithmAES256GCMPBKDF2, "admin@example.org")
	err := services.database.InsertSiteAccessCode(ctx, broken)
	require.NoError(t, err)
	first, err := services.siteAccess.CreateCode(ctx, "Staff", time.Time{}, "admin@example.org")
	require.NoError(t, err)
	second, err := services.siteAccess.CreateCode(ctx, "Visitors", time.Now().Add(24*time.Hour), "admin@example.org")
	require.NoError(t, err)
	third, err := services.siteAccess.CreateCode(ctx, "Contractors", time.Time{}, "admin@example.org")
	require.NoError(t, err)

	t.Run("InvalidCode", func(t *testing.T) {
		code := invalidCode(t, services.totp, first.Secret, second.Secret, third.Secret)
		grant, err := services.siteAccess.VerifyCode(ctx, code, services.client)
		require.ErrorIs(t, err, server.ErrCredential)
		require.Nil(t, grant)
		overview, err := services.siteAccess.Overview(ctx)
		require.NoError(t, err)
		require.Len(t, overview.Logs, 1)
		require.False(t, overview.Logs[0].Success)
		require.Empty(t, overview.Logs[0].CodeID)
	})
	t.Run("MalformedCode", func(t *testing.T) {
		_, err := services.siteAccess.VerifyCode(ctx, "abc", services.client)
		require.ErrorIs(t, err, server.ErrCredential)
	})
	t.Run("SecondCode", func(t *testing.T) {
		code := currentCode(t, services.totp, second.Secret)
		grant, err := services.siteAccess.VerifyCode(ctx, " "+code+" ", services.client)
		require.NoError(t, err)
		require.Equal(t, second.Code.ID, grant.CodeID)
		require.NotEmpty(t, grant.Token)
		overview, err := services.siteAccess.Overview(ctx)
		require.NoError(t, err)
		require.Len(t, overview.Codes, 4)
		require.True(t, overview.Logs[0].Success)
		require.Equal(t, second.Code.ID, overview.Logs[0].CodeID)
		for _, record := range overview.Codes {
			if record.ID == second.Code.ID {
				require.NotZero(t, record.LastUsed)
			} else {
				require.Zero(t, record.LastUsed)
			}
		}
	})
}

func TestSiteAccessTokenLifetime(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()
	codeSecret, err := services.siteAccess.CreateCode(ctx, "Staff", time.Time{}, "admin@example.org")
	require.NoError(t, err)
	grant, err := services.siteAccess.VerifyCode(ctx, currentCode(t, services.totp, codeSecret.Secret), services.client)
	require.NoError(t, err)
	require.Equal(t, 8*time.Hour, grant.ExpiresAt.Sub(grant.IssuedAt))

	evaluated, err := services.siteAccess.Evaluate(ctx, grant.Token, grant.IssuedAt)
	require.NoError(t, err)
	require.Equal(t, grant.CodeID, evaluated.CodeID)
	require.True(t, grant.ExpiresAt.Equal(evaluated.ExpiresAt))
	_, err = services.siteAccess.Evaluate(ctx, grant.Token, grant.ExpiresAt.Add(-time.Second))
	require.NoError(t, err)
	_, err = services.siteAccess.Evaluate(ctx, grant.Token, grant.ExpiresAt)
	require.ErrorIs(t, err, server.ErrCredential)

	_, err = services.siteAccess.Evaluate(ctx, "", grant.IssuedAt)
	require.ErrorIs(t, err, server.ErrCredential)
	_, err = services.siteAccess.Evaluate(ctx, "not-a-token", grant.IssuedAt)
	require.ErrorIs(t, err, server.ErrCredential)
	parts := strings.Split(grant.Token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err = services.siteAccess.Evaluate(ctx, tampered, grant.IssuedAt)
	require.ErrorIs(t, err, server.ErrCredential)

	// tokens of a different server key are rejected
	otherService, err := server.NewSiteAccessService(services.database, services.secretStore, services.totp, []byte("other-server-key"), nil, nil)
	require.NoError(t, err)
	_, err = otherService.Evaluate(ctx, grant.Token, grant.IssuedAt)
	require.ErrorIs(t, err, server.ErrCredential)

	err = services.siteAccess.UpdateStatus(ctx, codeSecret.Code.ID, false)
	require.NoError(t, err)
	_, err = services.siteAccess.Evaluate(ctx, grant.Token, grant.IssuedAt)
	require.ErrorIs(t, err, server.ErrCredential)
	_, err = services.siteAccess.VerifyCode(ctx, currentCode(t, services.totp, codeSecret.Secret), services.client)
	require.ErrorIs(t, err, server.ErrCredential)

	err = services.siteAccess.UpdateStatus(ctx, codeSecret.Code.ID, true)
	require.NoError(t, err)
	_, err = services.siteAccess.Evaluate(ctx, grant.Token, grant.IssuedAt)
	require.NoError(t, err)
}

func TestSiteAccessAttemptLimit(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()
	codeSecret, err := services.siteAccess.CreateCode(ctx, "Staff", time.Time{}, "admin@example.org")
	require.NoError(t, err)
	wrongCode := invalidCode(t, services.totp, codeSecret.Secret)
	for attempt := 1; attempt <= 5; attempt++ {
		_, err = services.siteAccess.VerifyCode(ctx, wrongCode, services.client)
		require.ErrorIs(t, err, server.ErrCredential, "attempt %d", attempt)
	}
	_, err = services.siteAccess.VerifyCode(ctx, currentCode(t, services.totp, codeSecret.Secret), services.client)
	require.ErrorIs(t, err, server.ErrTooManyAttempts)

	// other clients are not affected
	otherClient := &server.ClientInfo{Host: "192.0.2.1", UserAgent: "test"}
	_, err = services.siteAccess.VerifyCode(ctx, currentCode(t, services.totp, codeSecret.Secret), otherClient)
	require.NoError(t, err)
}

func TestSiteAccessCodeAdministration(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()

	_, err := services.siteAccess.CreateCode(ctx, " ", time.Time{}, "admin@example.org")
	require.ErrorIs(t, err, server.ErrInvalidRequest)
	_, err = services.siteAccess.CreateCode(ctx, "Expired", time.Now().Add(-time.Minute), "admin@example.org")
	require.ErrorIs(t, err, server.ErrInvalidRequest)

	created, err := services.siteAccess.CreateCode(ctx, "Staff", time.Time{}, "admin@example.org")
	require.NoError(t, err)
	require.Contains(t, created.URL, "Site%20Access%20-%20Staff")
	_, err = services.siteAccess.CreateCode(ctx, "Staff", time.Time{}, "admin@example.org")
	require.ErrorIs(t, err, server.ErrConflict)

	codeSecret, err := services.siteAccess.CodeSecret(ctx, created.Code.ID)
	require.NoError(t, err)
	require.Equal(t, created.Secret, codeSecret.Secret)
	require.Contains(t, codeSecret.URL, "secret="+created.Secret)

	_, err = services.siteAccess.CodeSecret(ctx, "unknown")
	require.ErrorIs(t, err, server.ErrInvalidRequest)
	err = services.siteAccess.UpdateStatus(ctx, "unknown", false)
	require.ErrorIs(t, err, server.ErrInvalidRequest)
}
