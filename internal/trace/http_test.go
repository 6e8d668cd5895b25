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


package trace_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var proxyNetwork = netip.MustParsePrefix("192.0.2.0/24")

func trustProxy(addr netip.Addr) bool {
	return proxyNetwork.Contains(addr)
}

func TestForwardedIP(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		value    string
		trusted  func(netip.Addr) bool
		expected string
	}{
		{"peer", "", "", trustProxy, "192.0.2.1"},
		{"untrusted peer", "X-Real-IP", "198.51.100.8", nil, "192.0.2.1"},
		{"true client ip", "True-Client-IP", "198.51.100.7", trustProxy, "198.51.100.7"},
		{"real ip", "X-Real-IP", "198.51.100.8", trustProxy, "198.51.100.8"},
		{"forwarded for", "X-Forwarded-For", "203.0.113.5, 198.51.100.9, 192.0.2.10", trustProxy, "198.51.100.9"},
		{"forwarded for garbage", "X-Forwarded-For", "garbage", trustProxy, "192.0.2.1"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if test.header != "" {
				r.Header.Set(test.header, test.value)
			}
			require.Equal(t, test.expected, trace.ForwardedIP(r, test.trusted))
		})
	}
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Equal(t, "192.0.2.1", trace.RemoteIP(r))
	r = trace.WithRemoteIP(r, "198.51.100.1")
	require.Equal(t, "198.51.100.1", trace.RemoteIP(r))
}

func TestRecordError(t *testing.T) {
	_, span := noop.NewTracerProvider().Tracer("test").Start(t.Context(), "test")
	defer span.End()
	trace.RecordError(span, nil)
	trace.RecordError(span, errors.New("failure"))
}
