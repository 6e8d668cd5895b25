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
	"fmt"
	"net/http"

	"github.com/gorilla/securecookie"
	"github.com/tdrn-org/gated/internal/server/crypto"
)

type CookieHandler struct {
	name     string
	path     string
	secure   bool
	sameSite http.SameSite
	maxAge   int
}

func NewCookieHandler(name string, path string, secure bool, sameSite http.SameSite, maxAge int) *CookieHandler {
	return &CookieHandler{
		name:     name,
		path:     path,
		secure:   secure,
		sameSite: sameSite,
		maxAge:   maxAge,
	}
}

func (h *CookieHandler) Name() string {
	return h.name
}

func (h *CookieHandler) set(w http.ResponseWriter, value string, maxAge int) {
	cookie := &http.Cookie{
		Name:     h.name,
		Value:    value,
		Path:     h.path,
		MaxAge:   maxAge,
		Secure:   h.secure,
		HttpOnly: true,
		SameSite: h.sameSite,
	}
	http.SetCookie(w, cookie)
}

func (h *CookieHandler) Set(w http.ResponseWriter, value string) {
	h.set(w, value, h.maxAge)
}

func (h *CookieHandler) Get(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(h.name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func (h *CookieHandler) Delete(w http.ResponseWriter) {
	h.set(w, "", -1)
}

// SecureCookieHandler stores values encrypted and authenticated with keys
// derived from the server secret.
type SecureCookieHandler struct {
	*CookieHandler
	codec *securecookie.SecureCookie
}

func NewSecureCookieHandler(cookie *CookieHandler, secret []byte) (*SecureCookieHandler, error) {
	hashKey, err := crypto.DeriveKey(secret, "cookie-hash:"+cookie.name, 64)
	if err != nil {
		return nil, err
	}
	blockKey, err := crypto.DeriveKey(secret, "cookie-block:"+cookie.name, 32)
	if err != nil {
		return nil, err
	}
	codec := securecookie.New(hashKey, blockKey).SetSerializer(securecookie.JSONEncoder{})
	if cookie.maxAge > 0 {
		codec.MaxAge(cookie.maxAge)
	}
	return &SecureCookieHandler{CookieHandler: cookie, codec: codec}, nil
}

func (h *SecureCookieHandler) SetValue(w http.ResponseWriter, value any) error {
	encoded, err := h.codec.Encode(h.name, value)
	if err != nil {
		return fmt.Errorf("failed to encode cookie '%s' (cause: %w)", h.name, err)
	}
	h.Set(w, encoded)
	return nil
}

// GetValue reports false if the cookie is missing or has been tampered with.
func (h *SecureCookieHandler) GetValue(r *http.Request, value any) bool {
	encoded, ok := h.Get(r)
	if !ok {
		return false
	}
	return h.codec.Decode(h.name, encoded, value) == nil
}
