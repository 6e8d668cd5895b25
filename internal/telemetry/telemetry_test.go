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

package telemetry_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/telemetry"
	"go.opentelemetry.io/otel"
)

func TestDisabled(t *testing.T) {
	config := &telemetry.Config{Enabled: false}
	shutdown, err := config.Apply()
	require.NoError(t, err)
	require.NoError(t, shutdown(t.Context()))
}

func TestUnknownProtocol(t *testing.T) {
	endpointURL, err := url.Parse("http://localhost:4318")
	require.NoError(t, err)
	config := &telemetry.Config{
		Enabled:     true,
		EndpointURL: endpointURL,
		Protocol:    "udp",
	}
	_, err = config.Apply()
	require.Error(t, err)
}

func TestHttpExporter(t *testing.T) {
	endpointURL, err := url.Parse("http://localhost:4318")
	require.NoError(t, err)
	config := &telemetry.Config{
		Enabled:       true,
		Domain:        "test",
		EndpointURL:   endpointURL,
		Protocol:      "http",
		BatchTimeout:  time.Second,
		ExportTimeout: time.Second,
	}
	shutdown, err := config.Apply()
	require.NoError(t, err)
	tracer := otel.Tracer("telemetry_test")
	require.NotNil(t, tracer)
	require.NoError(t, shutdown(t.Context()))
}
