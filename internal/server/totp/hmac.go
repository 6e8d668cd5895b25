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

package totp

import (
	"crypto/hmac"
	"crypto/sha1"
)

type HmacProvider interface {
	Sum(key []byte, message []byte) ([]byte, error)
}

// SHA1HmacProvider is the only HmacProvider implementation.
func SHA1HmacProvider() HmacProvider {
	return &sha1HmacProvider{}
}

type sha1HmacProvider struct{}

func (p *sha1HmacProvider) Sum(key []byte, message []byte) ([]byte, error) {
	mac := hmac.New(sha1.New, key)
	mac.Write(message)
	return mac.Sum(nil), nil
}
