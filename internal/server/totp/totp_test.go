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

package totp_test

import (
	"testing"
	"time"

	"github.com/pquerna/otp"
	pquernatotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/gated/internal/server/totp"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func TestGenerateVectors(t *testing.T) {
	engine := totp.NewEngine(totp.SHA1HmacProvider())
	vectors := []string{"282760", "996554", "602287", "143627", "960129"}
	for counter, expected := range vectors {
		code, err := engine.Generate(testSecret, uint64(counter))
		require.NoError(t, err)
		require.Equal(t, expected, code)
	}
}

func TestGenerateMatchesReference(t *testing.T) {
	engine := totp.NewEngine(totp.SHA1HmacProvider())
	now := time.Unix(1_700_000_000, 0)
	for step := range 5 {
		at := now.Add(time.Duration(step) * totp.Period)
		code, err := engine.GenerateAt(testSecret, at)
		require.NoError(t, err)
		reference, err := pquernatotp.GenerateCodeCustom(testSecret, at, pquernatotp.ValidateOpts{
			Period:    30,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		require.NoError(t, err)
		require.Equal(t, reference, code)
	}
}

func TestVerifyWindow(t *testing.T) {
	engine := totp.NewEngine(totp.SHA1HmacProvider())
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name  string
		steps int
		valid bool
	}{
		{"current", 0, true},
		{"previous", -1, true},
		{"next", 1, true},
		{"two back", -2, true},
		{"two ahead", 2, true},
		{"three back", -3, false},
		{"three ahead", 3, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code, err := engine.GenerateAt(testSecret, now.Add(time.Duration(test.steps)*totp.Period))
			require.NoError(t, err)
			valid, err := engine.VerifyAt(code, testSecret, now, totp.DefaultWindow)
			require.NoError(t, err)
			require.Equal(t, test.valid, valid)
		})
	}
}

func TestVerifyMalformedCode(t *testing.T) {
	engine := totp.NewEngine(totp.SHA1HmacProvider())
	for _, code := range []string{"", "12345", "1234567", "12a45b", " 28276"} {
		valid, err := engine.VerifyAt(code, testSecret, time.Unix(0, 0), totp.DefaultWindow)
		require.NoError(t, err)
		require.False(t, valid, code)
	}
}

func TestInvalidSecret(t *testing.T) {
	engine := totp.NewEngine(totp.SHA1HmacProvider())
	_, err := engine.Generate("not base32!", 0)
	require.ErrorIs(t, err, totp.ErrInvalidSecret)
	_, err = engine.VerifyAt("282760", "1", time.Unix(0, 0), totp.DefaultWindow)
	require.ErrorIs(t, err, totp.ErrInvalidSecret)
}

func TestMissingHmacProvider(t *testing.T) {
	engine := totp.NewEngine(nil)
	_, err := engine.Generate(testSecret, 0)
	require.ErrorIs(t, err, totp.ErrNoHmacProvider)
	_, err = engine.VerifyAt("282760", testSecret, time.Unix(0, 0), totp.DefaultWindow)
	require.ErrorIs(t, err, totp.ErrNoHmacProvider)
}

func TestProviderRegistration(t *testing.T) {
	config := &totp.Config{Issuer: "gated", Window: totp.DefaultWindow}
	provider := config.NewProvider()
	registration, err := provider.GenerateRegistration("user@example.org", 200, 200)
	require.NoError(t, err)
	require.Len(t, registration.Secret, 32)
	require.Contains(t, registration.URL, "otpauth://totp/")
	require.Contains(t, registration.QRCode, "data:image/png;base64,")
	code, err := provider.GenerateAt(registration.Secret, time.Now())
	require.NoError(t, err)
	valid, err := provider.VerifyCode(code, registration.Secret)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestProviderConfiguredWindow(t *testing.T) {
	previous, err := (&totp.Config{}).NewProvider().GenerateAt(testSecret, time.Now().Add(-totp.Period))
	require.NoError(t, err)
	strict := (&totp.Config{Issuer: "gated", Window: 0}).NewProvider()
	valid, err := strict.VerifyCode(previous, testSecret)
	require.NoError(t, err)
	require.False(t, valid)
	lenient := (&totp.Config{Issuer: "gated", Window: totp.DefaultWindow}).NewProvider()
	valid, err = lenient.VerifyCode(previous, testSecret)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestProvisioningURL(t *testing.T) {
	config := &totp.Config{Issuer: "gated", Window: totp.DefaultWindow}
	provider := config.NewProvider()
	uri := provider.ProvisioningURL("Site Access - Lobby", testSecret)
	key, err := otp.NewKeyFromURL(uri)
	require.NoError(t, err)
	require.Equal(t, testSecret, key.Secret())
	require.Equal(t, "gated", key.Issuer())
	require.Equal(t, "Site Access - Lobby", key.AccountName())
	require.Equal(t, uint64(30), key.Period())
}

func TestBackupCodes(t *testing.T) {
	codes, err := totp.GenerateBackupCodes()
	require.NoError(t, err)
	require.Len(t, codes, totp.BackupCodeCount)
	unique := make(map[string]bool)
	for _, code := range codes {
		require.True(t, totp.IsBackupCode(code), code)
		unique[code] = true
	}
	require.Len(t, unique, totp.BackupCodeCount)
	require.Equal(t, "AB12CD34", totp.NormalizeBackupCode(" ab12-cd34 "))
	require.False(t, totp.IsBackupCode("ab12cd34"))
}
