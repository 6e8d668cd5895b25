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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	smtpmock "github.com/mocktools/go-smtp-mock/v2"
	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/server"
	"github.com/tdrn-org/gated/internal/server/mail"
)

const testAdminEmail = "admin@example.org"
const testAdminPassword = "admin-secret"

func TestAdminCreate(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()

	_, err := services.admin.CreateAdminUser(ctx, "admin", testAdminPassword)
	require.ErrorIs(t, err, server.ErrInvalidRequest)
	_, err = services.admin.CreateAdminUser(ctx, testAdminEmail, "short")
	require.ErrorIs(t, err, server.ErrInvalidRequest)
	user, err := services.admin.CreateAdminUser(ctx, " Admin@Example.org ", testAdminPassword)
	require.NoError(t, err)
	require.Equal(t, testAdminEmail, user.Email)
	require.NotEqual(t, testAdminPassword, user.PasswordHash)
	_, err = services.admin.CreateAdminUser(ctx, testAdminEmail, testAdminPassword)
	require.ErrorIs(t, err, server.ErrConflict)
}

func TestAdminSession(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()
	_, err := services.admin.CreateAdminUser(ctx, testAdminEmail, testAdminPassword)
	require.NoError(t, err)

	_, err = services.admin.Login(ctx, "unknown@example.org", testAdminPassword, services.client)
	require.ErrorIs(t, err, server.ErrCredential)
	_, err = services.admin.Login(ctx, "", "", services.client)
	require.ErrorIs(t, err, server.ErrCredential)

	grant, err := services.admin.Login(ctx, "ADMIN@example.org", testAdminPassword, services.client)
	require.NoError(t, err)
	require.NotEmpty(t, grant.Token)
	require.Equal(t, testAdminEmail, grant.User.Email)
	require.WithinDuration(t, time.Now().Add(8*time.Hour), grant.ExpiresAt, time.Minute)

	user, session, err := services.admin.Verify(ctx, grant.Token)
	require.NoError(t, err)
	require.Equal(t, grant.User.ID, user.ID)
	require.Equal(t, user.ID, session.AdminUserID)
	require.NotEqual(t, grant.Token, session.ID)

	_, _, err = services.admin.Verify(ctx, "unknown")
	require.ErrorIs(t, err, server.ErrCredential)

	err = services.admin.Logout(ctx, grant.Token)
	require.NoError(t, err)
	err = services.admin.Logout(ctx, grant.Token)
	require.NoError(t, err)
	_, _, err = services.admin.Verify(ctx, grant.Token)
	require.ErrorIs(t, err, server.ErrCredential)
}

func TestAdminLockout(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()
	_, err := services.admin.CreateAdminUser(ctx, testAdminEmail, testAdminPassword)
	require.NoError(t, err)

	for attempt := 1; attempt < 5; attempt++ {
		_, err = services.admin.Login(ctx, testAdminEmail, "wrong-password", services.client)
		require.ErrorIs(t, err, server.ErrCredential, "attempt %d", attempt)
	}
	_, err = services.admin.Login(ctx, testAdminEmail, "wrong-password", services.client)
	require.ErrorIs(t, err, server.ErrLockout)
	_, err = services.admin.Login(ctx, testAdminEmail, testAdminPassword, services.client)
	require.ErrorIs(t, err, server.ErrLockout)

	user, err := services.database.SelectAdminUserByEmail(ctx, testAdminEmail)
	require.NoError(t, err)
	require.True(t, user.Locked(time.Now()))
	require.False(t, user.Locked(time.Now().Add(15*time.Minute+time.Second)))
}

func TestAdminLockoutConcurrent(t *testing.T) {
	smtpMock := smtpmock.New(smtpmock.ConfigurationAttr{
		LogToStdout:       true,
		LogServerActivity: true,
	})
	err := smtpMock.Start()
	require.NoError(t, err)
	defer smtpMock.Stop()
	mailer, err := (&mail.MailConfig{
		Address:          fmt.Sprintf("localhost:%d", smtpMock.PortNumber()),
		FromAddress:      "gated@example.org",
		OpportunisticTLS: true,
	}).NewMailer()
	require.NoError(t, err)

	services := newSQLite3TestServices(t)
	ctx := t.Context()
	admin := server.NewAdminService(services.database, []byte(testServerKey), testIterations, mailer)
	_, err = admin.CreateAdminUser(ctx, testAdminEmail, testAdminPassword)
	require.NoError(t, err)

	const attempts = 12
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = admin.Login(ctx, testAdminEmail, "wrong-password", services.client)
		}()
	}
	wg.Wait()

	failed, locked := 0, 0
	for _, err := range errs {
		switch {
		case errors.Is(err, server.ErrCredential):
			failed++
		case errors.Is(err, server.ErrLockout):
			locked++
		default:
			t.Fatalf("unexpected login result: %v", err)
		}
	}
	require.Equal(t, 4, failed)
	require.Equal(t, attempts-4, locked)
	_, err = admin.Login(ctx, testAdminEmail, testAdminPassword, services.client)
	require.ErrorIs(t, err, server.ErrLockout)

	user, err := services.database.SelectAdminUserByEmail(ctx, testAdminEmail)
	require.NoError(t, err)
	require.True(t, user.Locked(time.Now()))
	require.GreaterOrEqual(t, user.FailedLoginAttempts, 5)

	// only the attempt triggering the lock notifies
	require.NoError(t, mailer.Close())
	require.Eventually(t, func() bool {
		return len(smtpMock.Messages()) == 1
	}, 5*time.Second, 100*time.Millisecond)
	require.Never(t, func() bool {
		return len(smtpMock.Messages()) > 1
	}, 500*time.Millisecond, 100*time.Millisecond)
}

func TestAdminSuccessResetsFailures(t *testing.T) {
	services := newTestServices(t)
	ctx := t.Context()
	_, err := services.admin.CreateAdminUser(ctx, testAdminEmail, testAdminPassword)
	require.NoError(t, err)

	for round := 0; round < 2; round++ {
		for attempt := 1; attempt < 5; attempt++ {
			_, err = services.admin.Login(ctx, testAdminEmail, "wrong-password", services.client)
			require.ErrorIs(t, err, server.ErrCredential)
		}
		_, err = services.admin.Login(ctx, testAdminEmail, testAdminPassword, services.client)
		require.NoError(t, err)
	}
	user, err := services.database.SelectAdminUserByEmail(ctx, testAdminEmail)
	require.NoError(t, err)
	require.Zero(t, user.FailedLoginAttempts)
	require.NotZero(t, user.LastLogin)
}

func TestAdminLockoutNotification(t *testing.T) {
	smtpMock := smtpmock.New(smtpmock.ConfigurationAttr{
		LogToStdout:       true,
		LogServerActivity: true,
	})
	err := smtpMock.Start()
	require.NoError(t, err)
	defer smtpMock.Stop()
	config := &mail.MailConfig{
		Address:          fmt.Sprintf("localhost:%d", smtpMock.PortNumber()),
		FromAddress:      "gated@example.org",
		FromName:         "gated",
		OpportunisticTLS: true,
	}
	mailer, err := config.NewMailer()
	require.NoError(t, err)

	services := newTestServices(t)
	ctx := t.Context()
	admin := server.NewAdminService(services.database, []byte(testServerKey), testIterations, mailer)
	_, err = admin.CreateAdminUser(ctx, testAdminEmail, testAdminPassword)
	require.NoError(t, err)
	for attempt := 1; attempt <= 5; attempt++ {
		_, err = admin.Login(ctx, testAdminEmail, "wrong-password", services.client)
		require.Error(t, err)
	}
	require.ErrorIs(t, err, server.ErrLockout)
	require.NoError(t, mailer.Close())
	require.Eventually(t, func() bool {
		return len(smtpMock.Messages()) == 1
	}, 5*time.Second, 100*time.Millisecond)
}
