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
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/server"
	"github.com/tdrn-org/gated/internal/server/crypto"
	"github.com/tdrn-org/gated/internal/server/database"
	"github.com/tdrn-org/gated/internal/server/geoip"
	"github.com/tdrn-org/gated/internal/server/ratelimit"
	"github.com/tdrn-org/gated/internal/server/totp"
	"github.com/tdrn-org/gated/internal/server/userstore"
	"github.com/tdrn-org/go-log"
)

const testIterations = 1000

const testServerKey = "test-server-key"

const testUserEmail = "user@example.org"
const testUserPassword = "user-secret"

type testServices struct {
	database    database.Driver
	secretStore *crypto.SecretStore
	totp        *totp.Provider
	sessions    *server.UserSessionService
	twoFactor   *server.TwoFactorService
	siteAccess  *server.SiteAccessService
	admin       *server.AdminService
	client      *server.ClientInfo
}

func newTestServices(t *testing.T) *testServices {
	driver, err := database.OpenMemoryDB(slog.Default())
	require.NoError(t, err)
	return newTestServicesWithDriver(t, driver)
}

// newSQLite3TestServices runs the services on a database file, so concurrent
// callers contend for the database like in production.
func newSQLite3TestServices(t *testing.T) *testServices {
	driver, err := database.OpenSQLite3DB(filepath.Join(t.TempDir(), "gated.db"), slog.Default())
	require.NoError(t, err)
	return newTestServicesWithDriver(t, driver)
}

func newTestServicesWithDriver(t *testing.T, driver database.Driver) *testServices {
	t.Cleanup(func() { driver.Close() })
	_, _, err := driver.UpdateSchema(t.Context())
	require.NoError(t, err)
	secretStore, err := crypto.NewSecretStore(testServerKey, testIterations)
	require.NoError(t, err)
	totpProvider := (&totp.Config{Issuer: "gated", Window: totp.DefaultWindow}).NewProvider()
	users := []userstore.StaticUser{
		{Subject: "user", Name: "User", Email: testUserEmail, Password: testUserPassword},
		{Subject: "other", Name: "Other", Email: "other@example.org", Password: "other-secret"},
	}
	userStore, err := userstore.NewStaticBackend(users, slog.Default())
	require.NoError(t, err)
	locations := geoip.NewLocationService(geoip.DummyProvider(), nil)
	limiterBackend := ratelimit.NewMemoryBackend()
	t.Cleanup(func() { limiterBackend.Close() })
	verifyLimiter := ratelimit.NewWindowLimiter(limiterBackend, "2fa", 5, time.Minute)
	siteLimiter := ratelimit.NewWindowLimiter(limiterBackend, "site", 5, time.Minute)
	siteAccess, err := server.NewSiteAccessService(driver, secretStore, totpProvider, []byte(testServerKey), siteLimiter, locations)
	require.NoError(t, err)
	return &testServices{
		database:    driver,
		secretStore: secretStore,
		totp:        totpProvider,
		sessions:    server.NewUserSessionService(driver, userStore),
		twoFactor:   server.NewTwoFactorService(driver, secretStore, totpProvider, verifyLimiter, locations),
		siteAccess:  siteAccess,
		admin:       server.NewAdminService(driver, []byte(testServerKey), testIterations, nil),
		client:      &server.ClientInfo{Host: "127.0.0.1", UserAgent: "test"},
	}
}

func (s *testServices) login(t *testing.T, email string, password string) *server.UserSessionGrant {
	grant, err := s.sessions.Login(t.Context(), email, password, s.client)
	require.NoError(t, err)
	return grant
}

func currentCode(t *testing.T, provider *totp.Provider, secret string) string {
	code, err := provider.GenerateAt(secret, time.Now())
	require.NoError(t, err)
	return code
}

// invalidCode returns a well formed code not accepted for any of the secrets.
func invalidCode(t *testing.T, provider *totp.Provider, secrets ...string) string {
	now := time.Now()
	for candidate := 0; candidate < 1000000; candidate++ {
		code := fmt.Sprintf("%06d", candidate)
		accepted := false
		for _, secret := range secrets {
			valid, err := provider.VerifyAt(code, secret, now, totp.DefaultWindow)
			require.NoError(t, err)
			accepted = accepted || valid
		}
		if !accepted {
			return code
		}
	}
	t.Fatal("no invalid code found")
	return ""
}

func init() {
	log.Init(slog.LevelDebug, log.TargetStdout, log.ColorAuto)
}
