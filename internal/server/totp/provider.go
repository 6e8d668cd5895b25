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
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"image/png"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const secretSize uint = 20

type Config struct {
	Issuer string
	Window uint
}

func (c *Config) NewProvider() *Provider {
	logger := slog.With(slog.String("issuer", c.Issuer), slog.Uint64("window", uint64(c.Window)))
	logger.Info("initializing TOTP provider")
	return &Provider{
		Engine: NewEngine(SHA1HmacProvider()),
		issuer: c.Issuer,
		window: c.Window,
		logger: logger,
	}
}

// Provider issues new TOTP keys and verifies codes using the configured window.
type Provider struct {
	*Engine
	issuer string
	window uint
	logger *slog.Logger
}

type Registration struct {
	Secret string
	QRCode string
	URL    string
}

func (p *Provider) Issuer() string {
	return p.issuer
}

func (p *Provider) GenerateRegistration(accountName string, width int, height int) (*Registration, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
		Period:      uint(Period.Seconds()),
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        rand.Reader,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key (cause: %w)", err)
	}
	qrCodeImage, err := key.Image(width, height)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP QR code image (cause: %w)", err)
	}
	qrCode := &strings.Builder{}
	encoder := base64.NewEncoder(base64.StdEncoding, qrCode)
	err = png.Encode(encoder, qrCodeImage)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TOTP QR code image (cause: %w)", err)
	}
	err = encoder.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to encode TOTP QR code image (cause: %w)", err)
	}
	p.logger.Debug("TOTP key generated", slog.String("account", accountName))
	return &Registration{
		Secret: key.Secret(),
		QRCode: "data:image/png;base64," + qrCode.String(),
		URL:    key.URL(),
	}, nil
}

func (p *Provider) VerifyCode(code string, secret string) (bool, error) {
	return p.Verify(code, secret, p.window)
}

// ProvisioningURL renders the otpauth URI for an existing secret.
func (p *Provider) ProvisioningURL(accountName string, secret string) string {
	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", p.issuer)
	query.Set("period", strconv.Itoa(int(Period.Seconds())))
	query.Set("algorithm", "SHA1")
	query.Set("digits", strconv.Itoa(Digits))
	uri := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + p.issuer + ":" + accountName,
		RawQuery: query.Encode(),
	}
	return uri.String()
}
