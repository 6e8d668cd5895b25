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

package userstore

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
)

type StaticUser struct {
	Subject  string
	Name     string
	Email    string
	Password string
	Groups   []string
}

func (user *StaticUser) toUser() *User {
	converted := &User{
		Subject: user.Subject,
		Name:    user.Name,
		Email:   user.Email,
		Groups:  append([]string{}, user.Groups...),
	}
	return converted.normalize()
}

func NewStaticBackend(users []StaticUser, logger *slog.Logger) (Backend, error) {
	logger.Debug("creating static user store", slog.Int("users", len(users)))
	seen := make(map[string]bool)
	for _, user := range users {
		email := NormalizeEmail(user.Email)
		if email == "" {
			return nil, fmt.Errorf("static user without email address")
		}
		if seen[email] {
			return nil, fmt.Errorf("duplicate static user: %s", email)
		}
		seen[email] = true
	}
	backend := &staticBackend{
		users:  users,
		logger: logger,
	}
	return backend, nil
}

type staticBackend struct {
	users  []StaticUser
	logger *slog.Logger
}

func (backend *staticBackend) LookupUserByEmail(email string) (*User, error) {
	backend.logger.Debug("looking up user by email address", slog.String("email", email))
	user, err := backend.lookupUserByEmail(email)
	if err != nil {
		return nil, err
	}
	return user.toUser(), nil
}

func (backend *staticBackend) lookupUserByEmail(email string) (*StaticUser, error) {
	email = NormalizeEmail(email)
	for _, user := range backend.users {
		if NormalizeEmail(user.Email) == email {
			return &user, nil
		}
	}
	return nil, fmt.Errorf("%w (address: %s)", ErrUserNotFound, email)
}

func (backend *staticBackend) CheckPassword(email string, password string) error {
	backend.logger.Debug("checking user password", slog.String("email", email))
	user, err := backend.lookupUserByEmail(email)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return fmt.Errorf("%w (email: %s)", ErrIncorrectPassword, email)
	}
	return nil
}
