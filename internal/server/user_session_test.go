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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/server"
)

func TestUserSessionLogin(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()

	grant := services.login(t, "USER@example.org", testUserPassword)
	require.NotEmpty(t, grant.Token)
	require.NotEqual(t, grant.Token, grant.Session.ID)
	require.Equal(t, "user", grant.Session.Subject)
	require.Equal(t, testUserEmail, grant.Session.Email)

	session, err := services.sessions.Lookup(ctx, grant.Token)
	require.NoError(t, err)
	require.Equal(t, grant.Session.ID, session.ID)

	_, err = services.sessions.Login(ctx, testUserEmail, "wrong", services.client)
	require.ErrorIs(t, err, server.ErrCredential)
	_, err = services.sessions.Login(ctx, "unknown@example.org", "wrong", services.client)
	require.ErrorIs(t, err, server.ErrCredential)

	err = services.sessions.Logout(ctx, grant.Token)
	require.NoError(t, err)
	_, err = services.sessions.Lookup(ctx, grant.Token)
	require.ErrorIs(t, err, server.ErrCredential)
	err = services.sessions.Logout(ctx, grant.Token)
	require.NoError(t, err)
	_, err = services.sessions.Lookup(ctx, "")
	require.ErrorIs(t, err, server.ErrCredential)
}
