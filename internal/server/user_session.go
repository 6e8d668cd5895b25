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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdrn-org/gated/internal/server/crypto"
	"github.com/tdrn-org/gated/internal/server/database"
	"github.com/tdrn-org/gated/internal/server/userstore"
)

type UserSessionGrant struct {
	Token   string
	Session *database.UserSession
}

type UserSessionService struct {
	database  database.Driver
	userStore userstore.Backend
	logger    *slog.Logger
}

func NewUserSessionService(driver database.Driver, userStore userstore.Backend) *UserSessionService {
	return &UserSessionService{
		database:  driver,
		userStore: userStore,
		logger:    slog.With(slog.String("service", "user_session")),
	}
}

// Login authenticates the user against the user store and issues a new
// session. Only the hash of the returned token is stored.
func (s *UserSessionService) Login(ctx context.Context, email string, password string, client *ClientInfo) (*UserSessionGrant, error) {
	user, err := userstore.Authenticate(s.userStore, email, password)
	if errors.Is(err, userstore.ErrInvalidLogin) {
		s.logger.Info("user login failed", slog.String("host", client.Host), slog.Any("err", err))
		return nil, fmt.Errorf("%w (user login)", ErrCredential)
	} else if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	token, err := crypto.GenerateToken(crypto.DefaultTokenSize)
	if err != nil {
		return nil, err
	}
	session := database.NewUserSession(crypto.HashToken(token), user.Subject, client.Host, client.UserAgent)
	session.Name = user.Name
	session.Email = user.Email
	err = s.database.InsertUserSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	s.logger.Info("user logged in", slog.String("subject", user.Subject), slog.String("host", client.Host))
	return &UserSessionGrant{Token: token, Session: session}, nil
}

// Lookup resolves a session token. Expired sessions are deleted and
// reported as invalid credential.
func (s *UserSessionService) Lookup(ctx context.Context, token string) (*database.UserSession, error) {
	if token == "" {
		return nil, fmt.Errorf("%w (missing session token)", ErrCredential)
	}
	id := crypto.HashToken(token)
	session, err := s.database.SelectUserSession(ctx, id)
	if errors.Is(err, database.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w (unknown session)", ErrCredential)
	} else if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	if session.Expired(time.Now()) {
		err = s.database.DeleteUserSession(ctx, id)
		if err != nil {
			s.logger.Warn("failed to delete expired user session", slog.Any("err", err))
		}
		return nil, fmt.Errorf("%w (session expired)", ErrCredential)
	}
	return session, nil
}

// Logout deletes the session. Unknown tokens are ignored.
func (s *UserSessionService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := s.database.DeleteUserSession(ctx, crypto.HashToken(token))
	if err != nil {
		return fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	return nil
}
