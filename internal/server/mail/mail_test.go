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

package mail_test

import (
	"embed"
	"fmt"
	"testing"

	smtpmock "github.com/mocktools/go-smtp-mock/v2"
	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/server/mail"
)

//go:embed testdata/*.tmpl
var testTemplates embed.FS

type testData struct {
	Title   string
	Message string
}

func TestMailer(t *testing.T) {
	smtpMock := smtpmock.New(smtpmock.ConfigurationAttr{
		LogToStdout:       true,
		LogServerActivity: true,
	})
	err := smtpMock.Start()
	require.NoError(t, err)
	defer smtpMock.Stop()

	config := &mail.MailConfig{
		Address:          fmt.Sprintf("localhost:%d", smtpMock.PortNumber()),
		FromAddress:      "gated@example.org",
		FromName:         "gated",
		OpportunisticTLS: true,
	}
	mailer, err := config.NewMailer()
	require.NoError(t, err)
	defer mailer.Close()
	err = mailer.Ping(t.Context())
	require.NoError(t, err)

	data := &testData{
		Title:   "title",
		Message: "message",
	}
	err = mailer.NewMessage().Subject("Test email").
		BodyFromHTMLTemplate(testTemplates, "testdata/test.html.tmpl", data).
		AlternativeFromTextTemplate(testTemplates, "testdata/test.txt.tmpl", data).
		SendTo(t.Context(), "admin@example.org", "Admin")
	require.NoError(t, err)

	err = mailer.NewMessage().Subject("Broken").
		BodyFromHTMLTemplate(testTemplates, "testdata/missing.tmpl", data).
		SendTo(t.Context(), "admin@example.org", "Admin")
	require.Error(t, err)
}

func TestMissingFromAddress(t *testing.T) {
	config := &mail.MailConfig{Address: "localhost:25"}
	_, err := config.NewMailer()
	require.Error(t, err)
}
