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

package httpserver

import (
	"net/http"
)

type ApplyHeaderFunc func(w http.ResponseWriter, r *http.Request)

func (f ApplyHeaderFunc) Apply(w http.ResponseWriter, r *http.Request) {
	f(w, r)
}

type Header interface {
	Apply(w http.ResponseWriter, r *http.Request)
}

func HeaderHandler(handler http.Handler, header Header) http.Handler {
	if header == nil {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Apply(w, r)
		handler.ServeHTTP(w, r)
	})
}

// Headers applies a list of headers in order.
type Headers []Header

func (h Headers) Apply(w http.ResponseWriter, r *http.Request) {
	for _, header := range h {
		header.Apply(w, r)
	}
}

type StaticHeader struct {
	Key   string
	Value string
}

func (h *StaticHeader) Apply(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(h.Key, h.Value)
}

// SecurityHeaders returns the headers sent with every response. HSTS is
// only included when serving https.
func SecurityHeaders(https bool) Headers {
	headers := Headers{
		&StaticHeader{Key: "X-Content-Type-Options", Value: "nosniff"},
		&StaticHeader{Key: "X-Frame-Options", Value: "DENY"},
		&StaticHeader{Key: "Referrer-Policy", Value: "no-referrer"},
	}
	if https {
		headers = append(headers, &StaticHeader{Key: "Strict-Transport-Security", Value: "max-age=31536000"})
	}
	return headers
}

// NoStoreHeader disables caching of responses carrying gate state.
var NoStoreHeader Header = &StaticHeader{Key: "Cache-Control", Value: "no-store"}
