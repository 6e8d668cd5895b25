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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	serverconf "github.com/tdrn-org/gated/internal/server/conf"
	"github.com/tdrn-org/gated/internal/server/crypto"
	"github.com/tdrn-org/gated/internal/server/database"
	"github.com/tdrn-org/gated/internal/server/geoip"
	"github.com/tdrn-org/gated/internal/server/ratelimit"
	"github.com/tdrn-org/gated/internal/server/totp"
)

const SiteAccessLogLimit int = 50

const siteAccessAccountPrefix = "Site Access - "

type SiteAccessGrant struct {
	Token     string
	CodeID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type siteAccessClaims struct {
	jwt.Claims
	CodeID string `json:"cid"`
}

type SiteAccessCodeSecret struct {
	Code   *database.SiteAccessCode
	Secret string
	URL    string
}

type SiteAccessOverview struct {
	Codes []*database.SiteAccessCode
	Logs  []*database.SiteAccessLog
}

// SiteAccessService verifies shared site codes against all usable code
// records and issues identity independent access grants.
type SiteAccessService struct {
	database    database.Driver
	secretStore *crypto.SecretStore
	totp        *totp.Provider
	tokenKey    []byte
	signer      jose.Signer
	limiter     ratelimit.Limiter
	locations   *geoip.LocationService
	logger      *slog.Logger
}

func NewSiteAccessService(driver database.Driver, secretStore *crypto.SecretStore, totpProvider *totp.Provider, serverKey []byte, limiter ratelimit.Limiter, locations *geoip.LocationService) (*SiteAccessService, error) {
	tokenKey, err := crypto.DeriveKey(serverKey, "site-access-token", 32)
	if err != nil {
		return nil, err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: tokenKey}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("failed to create site access token signer (cause: %w)", err)
	}
	return &SiteAccessService{
		database:    driver,
		secretStore: secretStore,
		totp:        totpProvider,
		tokenKey:    tokenKey,
		signer:      signer,
		limiter:     limiter,
		locations:   locations,
		logger:      slog.With(slog.String("service", "site_access")),
	}, nil
}

// VerifyCode checks the code against every usable code record. Records
// failing to decrypt are skipped. Every attempt is logged; failed attempts
// carry no code reference.
func (s *SiteAccessService) VerifyCode(ctx context.Context, code string, client *ClientInfo) (*SiteAccessGrant, error) {
	allowed, err := s.limiter.CheckAndIncrement(ctx, client.Host)
	if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	if !allowed {
		s.logger.Warn("site access attempt limit exceeded", slog.String("host", client.Host))
		return nil, fmt.Errorf("%w (site access)", ErrTooManyAttempts)
	}
	codeID := ""
	code = strings.TrimSpace(code)
	if totp.IsCode(code) {
		codeID, err = s.matchCode(ctx, code)
		if err != nil {
			return nil, err
		}
	}
	accessLog := database.NewSiteAccessLog(codeID, client.Host, client.UserAgent)
	location, err := s.locations.Lookup(client.Host)
	if err == nil {
		accessLog.Country = location.Country
		accessLog.CountryCode = location.CountryCode
	}
	err = s.database.RecordSiteAccess(ctx, accessLog)
	if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	if codeID == "" {
		s.logger.Info("site access denied", slog.String("host", client.Host))
		return nil, fmt.Errorf("%w (site access code)", ErrCredential)
	}
	err = s.limiter.Reset(ctx, client.Host)
	if err != nil {
		s.logger.Warn("failed to reset site access attempts", slog.Any("err", err))
	}
	s.logger.Info("site access granted", slog.String("host", client.Host), slog.String("code", codeID))
	return s.issue(codeID, time.Now())
}

func (s *SiteAccessService) matchCode(ctx context.Context, code string) (string, error) {
	records, err := s.database.SelectUsableSiteAccessCodes(ctx)
	if err != nil {
		return "", fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	for _, record := range records {
		secret, err := s.secretStore.Decrypt(&crypto.EncryptedSecret{
			Ciphertext: record.Secret,
			Salt:       record.Salt,
			Algorithm:  record.Algorithm,
		})
		if err != nil {
			s.logger.Warn("skipping undecryptable site access code", slog.String("code", record.ID), slog.Any("err", err))
			continue
		}
		valid, err := s.totp.VerifyCode(code, secret)
		if err != nil {
			s.logger.Warn("skipping invalid site access code", slog.String("code", record.ID), slog.Any("err", err))
			continue
		}
		if valid {
			return record.ID, nil
		}
	}
	return "", nil
}

func (s *SiteAccessService) issue(codeID string, now time.Time) (*SiteAccessGrant, error) {
	issuedAt := now.Truncate(time.Second)
	expiresAt := issuedAt.Add(serverconf.LookupRuntime().SiteAccessLifetime)
	claims := &siteAccessClaims{
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(issuedAt),
			Expiry:   jwt.NewNumericDate(expiresAt),
		},
		CodeID: codeID,
	}
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to sign site access token (cause: %w)", err)
	}
	return &SiteAccessGrant{
		Token:     token,
		CodeID:    codeID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Evaluate checks a grant token at the given time. Expiry is absolute and
// the referenced code must still be usable.
func (s *SiteAccessService) Evaluate(ctx context.Context, token string, now time.Time) (*SiteAccessGrant, error) {
	if token == "" {
		return nil, fmt.Errorf("%w (missing site access token)", ErrCredential)
	}
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w (malformed site access token)", ErrCredential)
	}
	claims := &siteAccessClaims{}
	err = parsed.Claims(s.tokenKey, claims)
	if err != nil {
		return nil, fmt.Errorf("%w (invalid site access token)", ErrCredential)
	}
	if claims.IssuedAt == nil || claims.Expiry == nil || claims.CodeID == "" {
		return nil, fmt.Errorf("%w (incomplete site access token)", ErrCredential)
	}
	expiresAt := claims.Expiry.Time()
	if !now.Before(expiresAt) {
		return nil, fmt.Errorf("%w (site access expired)", ErrCredential)
	}
	record, err := s.database.SelectSiteAccessCode(ctx, claims.CodeID)
	if errors.Is(err, database.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w (unknown site access code)", ErrCredential)
	} else if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	if !record.Usable(now) {
		return nil, fmt.Errorf("%w (site access code revoked)", ErrCredential)
	}
	return &SiteAccessGrant{
		Token:     token,
		CodeID:    claims.CodeID,
		IssuedAt:  claims.IssuedAt.Time(),
		ExpiresAt: expiresAt,
	}, nil
}

// CreateCode generates a new code record. The secret is returned in plain
// text together with its provisioning URL.
func (s *SiteAccessService) CreateCode(ctx context.Context, name string, expiresAt time.Time, createdBy string) (*SiteAccessCodeSecret, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w (missing code name)", ErrInvalidRequest)
	}
	if !expiresAt.IsZero() && !expiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w (expiry in the past)", ErrInvalidRequest)
	}
	registration, err := s.totp.GenerateRegistration(siteAccessAccountPrefix+name, qrCodeSize, qrCodeSize)
	if err != nil {
		return nil, err
	}
	encryptedSecret, err := s.secretStore.Encrypt(registration.Secret)
	if err != nil {
		return nil, err
	}
	record := database.NewSiteAccessCode(name, encryptedSecret.Ciphertext, encryptedSecret.Salt, encryptedSecret.Algorithm, createdBy)
	if !expiresAt.IsZero() {
		record.Expiry = expiresAt.UnixMicro()
	}
	err = s.database.InsertSiteAccessCode(ctx, record)
	if errors.Is(err, database.ErrObjectExists) {
		return nil, fmt.Errorf("%w (site access code name: %s)", ErrConflict, name)
	} else if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	s.logger.Info("site access code created", slog.String("code", record.ID), slog.String("name", name))
	return &SiteAccessCodeSecret{
		Code:   record,
		Secret: registration.Secret,
		URL:    registration.URL,
	}, nil
}

func (s *SiteAccessService) Overview(ctx context.Context) (*SiteAccessOverview, error) {
	codes, err := s.database.SelectSiteAccessCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	logs, err := s.database.SelectSiteAccessLogs(ctx, SiteAccessLogLimit)
	if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	return &SiteAccessOverview{Codes: codes, Logs: logs}, nil
}

func (s *SiteAccessService) UpdateStatus(ctx context.Context, id string, active bool) error {
	err := s.database.UpdateSiteAccessCodeStatus(ctx, id, active)
	if errors.Is(err, database.ErrObjectNotFound) {
		return fmt.Errorf("%w (unknown site access code: %s)", ErrInvalidRequest, id)
	} else if err != nil {
		return fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	s.logger.Info("site access code status updated", slog.String("code", id), slog.Bool("active", active))
	return nil
}

func (s *SiteAccessService) CodeSecret(ctx context.Context, id string) (*SiteAccessCodeSecret, error) {
	record, err := s.database.SelectSiteAccessCode(ctx, id)
	if errors.Is(err, database.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w (unknown site access code: %s)", ErrInvalidRequest, id)
	} else if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	secret, err := s.secretStore.Decrypt(&crypto.EncryptedSecret{
		Ciphertext: record.Secret,
		Salt:       record.Salt,
		Algorithm:  record.Algorithm,
	})
	if err != nil {
		return nil, err
	}
	return &SiteAccessCodeSecret{
		Code:   record,
		Secret: secret,
		URL:    s.totp.ProvisioningURL(siteAccessAccountPrefix+record.Name, secret),
	}, nil
}
