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
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidLogin = errors.New("invalid login")
var ErrUserNotFound = fmt.Errorf("%w (user not found)", ErrInvalidLogin)
var ErrIncorrectPassword = fmt.Errorf("%w (incorrect password)", ErrInvalidLogin)

// User is an end user of the protected application. The subject is the
// stable identifier 2FA credentials are bound to.
type User struct {
	Subject string
	Name    string
	Email   string
	Groups  []string
}

func (user *User) normalize() *User {
	user.Email = NormalizeEmail(user.Email)
	user.Subject = strings.TrimSpace(user.Subject)
	if user.Subject == "" {
		user.Subject = user.Email
	}
	user.Name = strings.TrimSpace(user.Name)
	if user.Groups == nil {
		user.Groups = []string{}
	}
	return user
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type Backend interface {
	LookupUserByEmail(email string) (*User, error)
	CheckPassword(email string, password string) error
}

// Authenticate checks the password and returns the matching user.
func Authenticate(backend Backend, email string, password string) (*User, error) {
	email = NormalizeEmail(email)
	err := backend.CheckPassword(email, password)
	if err != nil {
		return nil, err
	}
	return backend.LookupUserByEmail(email)
}
