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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	serverconf "github.com/tdrn-org/gated/internal/server/conf"
	"github.com/tdrn-org/gated/internal/server/crypto"
	"github.com/tdrn-org/gated/internal/server/database"
	"github.com/tdrn-org/gated/internal/server/mail"
	"github.com/tdrn-org/gated/internal/server/templates"
)

const MinAdminPasswordLength int = 8

type AdminGrant struct {
	Token     string
	ExpiresAt time.Time
	User      *database.AdminUser
}

// AdminService manages logins of administrative principals. Lockout state
// is kept in the database and evaluated atomically with the password check.
type AdminService struct {
	database   database.Driver
	serverKey  []byte
	iterations int
	mailer     *mail.Mailer
	logger     *slog.Logger
}

func NewAdminService(driver database.Driver, serverKey []byte, iterations int, mailer *mail.Mailer) *AdminService {
	return &AdminService{
		database:   driver,
		serverKey:  serverKey,
		iterations: iterations,
		mailer:     mailer,
		logger:     slog.With(slog.String("service", "admin")),
	}
}

func normalizeAdminEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AdminService) Login(ctx context.Context, email string, password string, client *ClientInfo) (*AdminGrant, error) {
	email = normalizeAdminEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w (incomplete admin login)", ErrCredential)
	}
	salt, err := s.lookupSalt(ctx, email)
	if err != nil {
		return nil, err
	}
	passwordHash := crypto.HashPassword(password, salt, s.iterations)
	token, err := crypto.GenerateToken(crypto.DefaultTokenSize)
	if err != nil {
		return nil, err
	}
	runtime := serverconf.LookupRuntime()
	policy := &database.LockoutPolicy{
		MaxAttempts: runtime.MaxLoginAttempts,
		Duration:    runtime.LockoutDuration,
	}
	session := database.NewAdminSession(crypto.HashToken(token), client.Host, client.UserAgent)
	user, err := s.database.AuthenticateAdminUser(ctx, email, passwordHash, session, policy)
	switch {
	case err == nil:
		s.logger.Info("admin logged in", slog.String("admin", user.ID), slog.String("host", client.Host))
		return &AdminGrant{
			Token:     token,
			ExpiresAt: time.UnixMicro(session.Expiry),
			User:      user,
		}, nil
	case errors.Is(err, database.ErrObjectNotFound), errors.Is(err, database.ErrIncorrectPassword):
		s.logger.Info("admin login failed", slog.String("host", client.Host), slog.Any("err", err))
		return nil, fmt.Errorf("%w (admin login)", ErrCredential)
	case errors.Is(err, database.ErrLockTriggered):
		s.logger.Warn("admin account locked", slog.String("host", client.Host), slog.Any("err", err))
		s.notifyLockout(ctx, email, client, time.Now().Add(policy.Duration))
		return nil, fmt.Errorf("%w (admin login)", ErrLockout)
	case errors.Is(err, database.ErrAccountLocked):
		s.logger.Info("admin login refused", slog.String("host", client.Host), slog.Any("err", err))
		return nil, fmt.Errorf("%w (admin login)", ErrLockout)
	}
	return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
}

// lookupSalt returns a salt derived from the server key for unknown
// accounts, so both paths hash the password the same way.
func (s *AdminService) lookupSalt(ctx context.Context, email string) (string, error) {
	user, err := s.database.SelectAdminUserByEmail(ctx, email)
	if err == nil {
		return user.Salt, nil
	} else if !errors.Is(err, database.ErrObjectNotFound) {
		return "", fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	pseudoSalt, err := crypto.DeriveKey(s.serverKey, "admin-salt:"+email, crypto.SaltSize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pseudoSalt), nil
}

func (s *AdminService) notifyLockout(ctx context.Context, email string, client *ClientInfo, lockedUntil time.Time) {
	if s.mailer == nil {
		return
	}
	data := &templates.LockoutNotificationData{
		Email:       email,
		Host:        client.Host,
		LockedUntil: lockedUntil.Format(time.RFC1123),
	}
	err := s.mailer.NewMessage().Subject("Administrator account locked").
		BodyFromHTMLTemplate(templates.FS, templates.LockoutNotificationHTMLTemplate, data).
		AlternativeFromTextTemplate(templates.FS, templates.LockoutNotificationTextTemplate, data).
		SendTo(ctx, email, "")
	if err != nil {
		s.logger.Error("failed to send lockout notification", slog.Any("err", err))
	}
}

// Verify resolves a session token. Expiry is checked on every call and
// expired sessions are deleted.
func (s *AdminService) Verify(ctx context.Context, token string) (*database.AdminUser, *database.AdminSession, error) {
	if token == "" {
		return nil, nil, fmt.Errorf("%w (missing admin session token)", ErrCredential)
	}
	id := crypto.HashToken(token)
	session, err := s.database.SelectAdminSession(ctx, id)
	if errors.Is(err, database.ErrObjectNotFound) {
		return nil, nil, fmt.Errorf("%w (unknown admin session)", ErrCredential)
	} else if err != nil {
		return nil, nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	if session.Expired(time.Now()) {
		err = s.database.DeleteAdminSession(ctx, id)
		if err != nil {
			s.logger.Warn("failed to delete expired admin session", slog.Any("err", err))
		}
		return nil, nil, fmt.Errorf("%w (admin session expired)", ErrCredential)
	}
	user, err := s.database.SelectAdminUser(ctx, session.AdminUserID)
	if errors.Is(err, database.ErrObjectNotFound) {
		return nil, nil, fmt.Errorf("%w (unknown admin user)", ErrCredential)
	} else if err != nil {
		return nil, nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	return user, session, nil
}

// Logout deletes the session. Unknown tokens are ignored.
func (s *AdminService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := s.database.DeleteAdminSession(ctx, crypto.HashToken(token))
	if err != nil {
		return fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	return nil
}

func (s *AdminService) CreateAdminUser(ctx context.Context, email string, password string) (*database.AdminUser, error) {
	email = normalizeAdminEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w (invalid admin email: '%s')", ErrInvalidRequest, email)
	}
	if len(password) < MinAdminPasswordLength {
		return nil, fmt.Errorf("%w (admin password too short)", ErrInvalidRequest)
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	user := database.NewAdminUser(email, crypto.HashPassword(password, salt, s.iterations), salt)
	err = s.database.InsertAdminUser(ctx, user)
	if errors.Is(err, database.ErrObjectExists) {
		return nil, fmt.Errorf("%w (admin user: %s)", ErrConflict, email)
	} else if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	s.logger.Info("admin user created", slog.String("admin", user.ID))
	return user, nil
}
