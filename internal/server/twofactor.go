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
	"time"

	serverconf "github.com/tdrn-org/gated/internal/server/conf"
	"github.com/tdrn-org/gated/internal/server/crypto"
	"github.com/tdrn-org/gated/internal/server/database"
	"github.com/tdrn-org/gated/internal/server/geoip"
	"github.com/tdrn-org/gated/internal/server/ratelimit"
	"github.com/tdrn-org/gated/internal/server/totp"
)

const (
	VerifyMethodTOTP   string = "totp"
	VerifyMethodBackup string = "backup"
)

const qrCodeSize int = 256

// ClientInfo carries the audit data of the requesting client.
type ClientInfo struct {
	Host      string
	UserAgent string
}

// VerificationMarker records a successful 2FA verification for one user session.
type VerificationMarker struct {
	Subject   string `json:"sub"`
	Session   string `json:"sid"`
	Timestamp int64  `json:"ts"`
	Expiry    int64  `json:"exp"`
}

func NewVerificationMarker(session *database.UserSession, now time.Time) *VerificationMarker {
	return &VerificationMarker{
		Subject:   session.Subject,
		Session:   session.ID,
		Timestamp: now.UnixMicro(),
		Expiry:    now.Add(serverconf.LookupRuntime().VerificationLifetime).UnixMicro(),
	}
}

func (m *VerificationMarker) ValidAt(now time.Time) bool {
	return now.UnixMicro() < m.Expiry
}

// ValidFor checks the marker belongs to the given session and has not expired.
func (m *VerificationMarker) ValidFor(session *database.UserSession, now time.Time) bool {
	if m == nil || session == nil {
		return false
	}
	return m.Subject == session.Subject && crypto.EqualConstantTime(m.Session, session.ID) && m.ValidAt(now)
}

func (m *VerificationMarker) ExpiryTime() time.Time {
	return time.UnixMicro(m.Expiry)
}

type TwoFactorSetup struct {
	Secret      string
	URL         string
	QRCode      string
	BackupCodes []string
}

type VerifyResult struct {
	Valid          bool
	BackupCodeUsed bool
	SignedOut      bool
	Marker         *VerificationMarker
}

type TwoFactorService struct {
	database    database.Driver
	secretStore *crypto.SecretStore
	totp        *totp.Provider
	limiter     ratelimit.Limiter
	locations   *geoip.LocationService
	logger      *slog.Logger
}

func NewTwoFactorService(driver database.Driver, secretStore *crypto.SecretStore, totpProvider *totp.Provider, limiter ratelimit.Limiter, locations *geoip.LocationService) *TwoFactorService {
	return &TwoFactorService{
		database:    driver,
		secretStore: secretStore,
		totp:        totpProvider,
		limiter:     limiter,
		locations:   locations,
		logger:      slog.With(slog.String("service", "2fa")),
	}
}

// Status reports whether the subject has an active 2FA credential. The
// database is consulted on every call.
func (s *TwoFactorService) Status(ctx context.Context, subject string) (bool, error) {
	twoFactor, err := s.database.SelectUserTwoFactor(ctx, subject)
	if errors.Is(err, database.ErrObjectNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	return twoFactor.Active, nil
}

// Generate creates a pending credential replacing any earlier pending one.
// The secret and the backup codes are returned only here.
func (s *TwoFactorService) Generate(ctx context.Context, session *database.UserSession) (*TwoFactorSetup, error) {
	accountName := session.Email
	if accountName == "" {
		accountName = session.Subject
	}
	registration, err := s.totp.GenerateRegistration(accountName, qrCodeSize, qrCodeSize)
	if err != nil {
		return nil, err
	}
	encryptedSecret, err := s.secretStore.Encrypt(registration.Secret)
	if err != nil {
		return nil, err
	}
	backupCodes, err := totp.GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	storedBackupCodes := make([]*database.UserBackupCode, 0, len(backupCodes))
	for _, backupCode := range backupCodes {
		encryptedBackupCode, err := s.secretStore.Encrypt(backupCode)
		if err != nil {
			return nil, err
		}
		storedBackupCodes = append(storedBackupCodes, database.NewUserBackupCode(session.Subject, encryptedBackupCode.Ciphertext, encryptedBackupCode.Salt, encryptedBackupCode.Algorithm))
	}
	twoFactor := database.NewUserTwoFactor(session.Subject, encryptedSecret.Ciphertext, encryptedSecret.Salt, encryptedSecret.Algorithm)
	err = s.database.ReplacePendingUserTwoFactor(ctx, twoFactor, storedBackupCodes)
	if errors.Is(err, database.ErrObjectExists) {
		return nil, fmt.Errorf("%w (2FA already active)", ErrConflict)
	} else if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	s.logger.Info("2FA setup generated", slog.String("subject", session.Subject))
	return &TwoFactorSetup{
		Secret:      registration.Secret,
		URL:         registration.URL,
		QRCode:      registration.QRCode,
		BackupCodes: backupCodes,
	}, nil
}

// Verify checks a TOTP or backup code against the active credential. The
// attempt beyond the configured cap terminates the user session.
func (s *TwoFactorService) Verify(ctx context.Context, session *database.UserSession, code string, client *ClientInfo) (*VerifyResult, error) {
	result, err := s.checkAttempt(ctx, session)
	if err != nil {
		return result, err
	}
	twoFactor, err := s.selectTwoFactor(ctx, session.Subject)
	if err != nil {
		return &VerifyResult{}, err
	}
	if !twoFactor.Active {
		return &VerifyResult{}, fmt.Errorf("%w (2FA not active)", ErrInvalidRequest)
	}
	method, err := s.checkCode(ctx, twoFactor, code, true)
	if err != nil {
		return &VerifyResult{}, err
	}
	return s.verified(ctx, session, method, client), nil
}

// Activate confirms a pending credential with a TOTP code.
func (s *TwoFactorService) Activate(ctx context.Context, session *database.UserSession, code string, client *ClientInfo) (*VerifyResult, error) {
	result, err := s.checkAttempt(ctx, session)
	if err != nil {
		return result, err
	}
	twoFactor, err := s.selectTwoFactor(ctx, session.Subject)
	if err != nil {
		return &VerifyResult{}, err
	}
	if twoFactor.Active {
		return &VerifyResult{}, fmt.Errorf("%w (2FA already active)", ErrConflict)
	}
	method, err := s.checkCode(ctx, twoFactor, code, false)
	if err != nil {
		return &VerifyResult{}, err
	}
	err = s.database.ActivateUserTwoFactor(ctx, session.Subject)
	if err != nil {
		return &VerifyResult{}, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	s.logger.Info("2FA activated", slog.String("subject", session.Subject))
	return s.verified(ctx, session, method, client), nil
}

// Disable removes the credential. Either a valid marker for the session or
// a valid code is required.
func (s *TwoFactorService) Disable(ctx context.Context, session *database.UserSession, code string, marker *VerificationMarker) error {
	twoFactor, err := s.selectTwoFactor(ctx, session.Subject)
	if err != nil {
		return err
	}
	if !marker.ValidFor(session, time.Now()) {
		if code == "" {
			return fmt.Errorf("%w (verification required)", ErrCredential)
		}
		_, err = s.checkAttempt(ctx, session)
		if err != nil {
			return err
		}
		_, err = s.checkCode(ctx, twoFactor, code, twoFactor.Active)
		if err != nil {
			return err
		}
	}
	err = s.database.DeleteUserTwoFactor(ctx, session.Subject)
	if err != nil {
		return fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	s.resetAttempts(ctx, session)
	s.logger.Info("2FA disabled", slog.String("subject", session.Subject))
	return nil
}

func (s *TwoFactorService) selectTwoFactor(ctx context.Context, subject string) (*database.UserTwoFactor, error) {
	twoFactor, err := s.database.SelectUserTwoFactor(ctx, subject)
	if errors.Is(err, database.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w (no 2FA setup)", ErrInvalidRequest)
	} else if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	return twoFactor, nil
}

func (s *TwoFactorService) checkAttempt(ctx context.Context, session *database.UserSession) (*VerifyResult, error) {
	allowed, err := s.limiter.CheckAndIncrement(ctx, session.ID)
	if err != nil {
		return &VerifyResult{}, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	if allowed {
		return nil, nil
	}
	s.logger.Warn("2FA attempt limit exceeded; terminating session", slog.String("subject", session.Subject))
	err = s.database.DeleteUserSession(ctx, session.ID)
	if err != nil {
		s.logger.Error("failed to terminate user session", slog.Any("err", err))
	}
	s.resetAttempts(ctx, session)
	return &VerifyResult{SignedOut: true}, fmt.Errorf("%w (2FA verification)", ErrTooManyAttempts)
}

func (s *TwoFactorService) resetAttempts(ctx context.Context, session *database.UserSession) {
	err := s.limiter.Reset(ctx, session.ID)
	if err != nil {
		s.logger.Warn("failed to reset 2FA attempts", slog.Any("err", err))
	}
}

func (s *TwoFactorService) checkCode(ctx context.Context, twoFactor *database.UserTwoFactor, code string, allowBackup bool) (string, error) {
	if totp.IsCode(code) {
		secret, err := s.secretStore.Decrypt(&crypto.EncryptedSecret{
			Ciphertext: twoFactor.Secret,
			Salt:       twoFactor.Salt,
			Algorithm:  twoFactor.Algorithm,
		})
		if err != nil {
			s.logger.Error("failed to decrypt 2FA secret", slog.String("subject", twoFactor.Subject), slog.Any("err", err))
			return "", fmt.Errorf("%w (unusable 2FA secret)", ErrCredential)
		}
		valid, err := s.totp.VerifyCode(code, secret)
		if err != nil {
			s.logger.Error("failed to verify TOTP code", slog.String("subject", twoFactor.Subject), slog.Any("err", err))
			return "", fmt.Errorf("%w (unusable 2FA secret)", ErrCredential)
		}
		if valid {
			return VerifyMethodTOTP, nil
		}
		return "", fmt.Errorf("%w (TOTP code)", ErrCredential)
	}
	backupCode := totp.NormalizeBackupCode(code)
	if allowBackup && totp.IsBackupCode(backupCode) {
		redeemed, err := s.redeemBackupCode(ctx, twoFactor.Subject, backupCode)
		if err != nil {
			return "", err
		}
		if redeemed {
			return VerifyMethodBackup, nil
		}
	}
	return "", fmt.Errorf("%w (code)", ErrCredential)
}

func (s *TwoFactorService) redeemBackupCode(ctx context.Context, subject string, backupCode string) (bool, error) {
	storedBackupCodes, err := s.database.SelectUnusedUserBackupCodes(ctx, subject)
	if err != nil {
		return false, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	for _, storedBackupCode := range storedBackupCodes {
		decrypted, err := s.secretStore.Decrypt(&crypto.EncryptedSecret{
			Ciphertext: storedBackupCode.Code,
			Salt:       storedBackupCode.Salt,
			Algorithm:  storedBackupCode.Algorithm,
		})
		if err != nil {
			s.logger.Warn("failed to decrypt backup code", slog.String("id", storedBackupCode.ID), slog.Any("err", err))
			continue
		}
		if !crypto.EqualConstantTime(decrypted, backupCode) {
			continue
		}
		marked, err := s.database.MarkUserBackupCodeUsed(ctx, storedBackupCode.ID)
		if err != nil {
			return false, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
		}
		return marked, nil
	}
	return false, nil
}

func (s *TwoFactorService) verified(ctx context.Context, session *database.UserSession, method string, client *ClientInfo) *VerifyResult {
	s.resetAttempts(ctx, session)
	s.logVerification(ctx, session.Subject, method, client)
	return &VerifyResult{
		Valid:          true,
		BackupCodeUsed: method == VerifyMethodBackup,
		Marker:         NewVerificationMarker(session, time.Now()),
	}
}

func (s *TwoFactorService) logVerification(ctx context.Context, subject string, method string, client *ClientInfo) {
	log := database.NewUserVerificationLog(subject, method, client.Host)
	location, err := s.locations.Lookup(client.Host)
	if err == nil {
		log.Country = location.Country
		log.CountryCode = location.CountryCode
		log.City = location.City
		log.Lat = location.Lat
		log.Lon = location.Lon
	} else if !errors.Is(err, geoip.ErrNotFound) {
		s.logger.Warn("failed to lookup location", slog.String("host", client.Host), slog.Any("err", err))
	}
	_, err = s.database.InsertOrUpdateUserVerificationLog(ctx, log)
	if err != nil {
		s.logger.Error("failed to update verification log", slog.String("subject", subject), slog.Any("err", err))
	}
}

// VerificationLogs returns the last verification per method.
func (s *TwoFactorService) VerificationLogs(ctx context.Context, subject string) ([]*database.UserVerificationLog, error) {
	logs, err := s.database.SelectUserVerificationLogs(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w (cause: %w)", ErrTransient, err)
	}
	return logs, nil
}
