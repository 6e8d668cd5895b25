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

package database

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	serverconf "github.com/tdrn-org/gated/internal/server/conf"
)

type Driver interface {
	Name() string
	UpdateSchema(ctx context.Context) (SchemaVersion, SchemaVersion, error)
	InsertUserSession(ctx context.Context, session *UserSession) error
	SelectUserSession(ctx context.Context, id string) (*UserSession, error)
	DeleteUserSession(ctx context.Context, id string) error
	DeleteExpiredUserSessions(ctx context.Context) error
	SelectUserTwoFactor(ctx context.Context, subject string) (*UserTwoFactor, error)
	ReplacePendingUserTwoFactor(ctx context.Context, twoFactor *UserTwoFactor, backupCodes []*UserBackupCode) error
	ActivateUserTwoFactor(ctx context.Context, subject string) error
	DeleteUserTwoFactor(ctx context.Context, subject string) error
	DeleteAbandonedUserTwoFactors(ctx context.Context) error
	SelectUnusedUserBackupCodes(ctx context.Context, subject string) ([]*UserBackupCode, error)
	MarkUserBackupCodeUsed(ctx context.Context, id string) (bool, error)
	InsertOrUpdateUserVerificationLog(ctx context.Context, log *UserVerificationLog) (*UserVerificationLog, error)
	SelectUserVerificationLogs(ctx context.Context, subject string) ([]*UserVerificationLog, error)
	InsertSiteAccessCode(ctx context.Context, code *SiteAccessCode) error
	SelectSiteAccessCode(ctx context.Context, id string) (*SiteAccessCode, error)
	SelectSiteAccessCodes(ctx context.Context) ([]*SiteAccessCode, error)
	SelectUsableSiteAccessCodes(ctx context.Context) ([]*SiteAccessCode, error)
	UpdateSiteAccessCodeStatus(ctx context.Context, id string, active bool) error
	RecordSiteAccess(ctx context.Context, log *SiteAccessLog) error
	SelectSiteAccessLogs(ctx context.Context, limit int) ([]*SiteAccessLog, error)
	DeleteExpiredSiteAccessLogs(ctx context.Context) error
	InsertAdminUser(ctx context.Context, user *AdminUser) error
	SelectAdminUser(ctx context.Context, id string) (*AdminUser, error)
	SelectAdminUserByEmail(ctx context.Context, email string) (*AdminUser, error)
	AuthenticateAdminUser(ctx context.Context, email string, passwordHash string, session *AdminSession, policy *LockoutPolicy) (*AdminUser, error)
	SelectAdminSession(ctx context.Context, id string) (*AdminSession, error)
	DeleteAdminSession(ctx context.Context, id string) error
	DeleteExpiredAdminSessions(ctx context.Context) error
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int, error)
	DeleteRateLimit(ctx context.Context, key string) error
	DeleteExpiredRateLimits(ctx context.Context) error
	Close() error
}

type SchemaVersion string

const (
	SchemaNone SchemaVersion = ""
	Schema1    SchemaVersion = "1"
)

func newDatabaseDriver(name string, db *sql.DB, logger *slog.Logger, scripts ...[]byte) *databaseDriver {
	return &databaseDriver{
		name:    name,
		db:      db,
		logger:  logger,
		scripts: scripts,
	}
}

var ErrObjectNotFound = errors.New("object not found")
var ErrObjectExists = errors.New("object already exists")
var ErrIncorrectPassword = errors.New("incorrect password")
var ErrAccountLocked = errors.New("account locked")

// ErrLockTriggered is returned by the failed login attempt which locked the account.
var ErrLockTriggered = fmt.Errorf("%w (too many failed login attempts)", ErrAccountLocked)

type databaseDriver struct {
	name    string
	db      *sql.DB
	logger  *slog.Logger
	scripts [][]byte
}

func (d *databaseDriver) Name() string {
	return d.name
}

func (d *databaseDriver) UpdateSchema(ctx context.Context) (SchemaVersion, SchemaVersion, error) {
	// Run schema version query inside separate TX, as some drivers will fail due the
	// errors encountered while detecting the version on an empty database.
	fromVersion, err := d.querySchemaVersion(ctx)
	if err != nil {
		return SchemaNone, SchemaNone, err
	}
	tx, err := d.beginTx(ctx)
	if err != nil {
		return SchemaNone, SchemaNone, err
	}
	switch fromVersion {
	case SchemaNone:
		d.logger.Debug("running schema1 update script")
		err = d.runScriptTx(tx, ctx, d.scripts[0])
	case Schema1:
		// Nothing to do
		d.logger.Debug("schema already up-to-date; no update required")
	default:
		err = fmt.Errorf("unrecognized database schema version: %s", fromVersion)
	}
	if err != nil {
		return SchemaNone, SchemaNone, d.rollbackTx(tx, err)
	}
	return fromVersion, Schema1, d.commitTx(tx)
}

func (d *databaseDriver) querySchemaVersion(ctx context.Context) (SchemaVersion, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return SchemaNone, err
	}
	row := d.queryRowTx(tx, ctx, "SELECT schema FROM version")
	var schema SchemaVersion
	err = row.Scan(&schema)
	if err != nil {
		return SchemaNone, d.rollbackTx(tx, nil)
	}
	return schema, d.commitTx(tx)
}

func (d *databaseDriver) InsertUserSession(ctx context.Context, session *UserSession) error {
	d.logger.Debug("inserting user session", slog.String("subject", session.Subject))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	args := []any{
		session.ID,
		session.Subject,
		session.Name,
		session.Email,
		session.CreateTime,
		session.Expiry,
		session.Host,
		session.UserAgent,
	}
	err = d.execTx(tx, ctx, "INSERT INTO user_session (id,subject,name,email,create_time,expiry,host,user_agent) VALUES($1,$2,$3,$4,$5,$6,$7,$8)", args...)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	return d.commitTx(tx)
}

func (d *databaseDriver) SelectUserSession(ctx context.Context, id string) (*UserSession, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	session := &UserSession{ID: id}
	row := d.queryRowTx(tx, ctx, "SELECT subject,name,email,create_time,expiry,host,user_agent FROM user_session WHERE id=$1", id)
	args := []any{
		&session.Subject,
		&session.Name,
		&session.Email,
		&session.CreateTime,
		&session.Expiry,
		&session.Host,
		&session.UserAgent,
	}
	err = row.Scan(args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.rollbackTx(tx, fmt.Errorf("%w (unknown user session)", ErrObjectNotFound))
	} else if err != nil {
		return nil, d.rollbackTx(tx, fmt.Errorf("select user session failure (cause: %w)", err))
	}
	return session, d.commitTx(tx)
}

func (d *databaseDriver) DeleteUserSession(ctx context.Context, id string) error {
	d.logger.Debug("deleting user session")
	return d.execSingleTx(ctx, "DELETE FROM user_session WHERE id=$1", id)
}

func (d *databaseDriver) DeleteExpiredUserSessions(ctx context.Context) error {
	d.logger.Debug("deleting expired user sessions")
	return d.execSingleTx(ctx, "DELETE FROM user_session WHERE expiry<=$1", time.Now().UnixMicro())
}

func (d *databaseDriver) SelectUserTwoFactor(ctx context.Context, subject string) (*UserTwoFactor, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	twoFactor, err := d.selectUserTwoFactor(tx, ctx, subject)
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	return twoFactor, d.commitTx(tx)
}

func (d *databaseDriver) selectUserTwoFactor(tx *sql.Tx, ctx context.Context, subject string) (*UserTwoFactor, error) {
	twoFactor := &UserTwoFactor{Subject: subject}
	row := d.queryRowTx(tx, ctx, "SELECT secret,salt,algorithm,active,create_time,activate_time FROM user_2fa WHERE subject=$1", subject)
	args := []any{
		&twoFactor.Secret,
		&twoFactor.Salt,
		&twoFactor.Algorithm,
		&twoFactor.Active,
		&twoFactor.CreateTime,
		&twoFactor.ActivateTime,
	}
	err := row.Scan(args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w (unknown 2FA subject: %s)", ErrObjectNotFound, subject)
	} else if err != nil {
		return nil, fmt.Errorf("select user 2FA failure (cause: %w)", err)
	}
	return twoFactor, nil
}

func (d *databaseDriver) ReplacePendingUserTwoFactor(ctx context.Context, twoFactor *UserTwoFactor, backupCodes []*UserBackupCode) error {
	d.logger.Debug("replacing pending user 2FA", slog.String("subject", twoFactor.Subject))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	existing, err := d.selectUserTwoFactor(tx, ctx, twoFactor.Subject)
	if err == nil && existing.Active {
		return d.rollbackTx(tx, fmt.Errorf("%w (active 2FA for subject: %s)", ErrObjectExists, twoFactor.Subject))
	} else if err != nil && !errors.Is(err, ErrObjectNotFound) {
		return d.rollbackTx(tx, err)
	}
	err = d.deleteUserTwoFactor(tx, ctx, twoFactor.Subject)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	args0 := []any{
		twoFactor.Subject,
		twoFactor.Secret,
		twoFactor.Salt,
		twoFactor.Algorithm,
		false,
		twoFactor.CreateTime,
		int64(0),
	}
	err = d.execTx(tx, ctx, "INSERT INTO user_2fa (subject,secret,salt,algorithm,active,create_time,activate_time) VALUES($1,$2,$3,$4,$5,$6,$7)", args0...)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	for _, backupCode := range backupCodes {
		args1 := []any{
			backupCode.ID,
			twoFactor.Subject,
			backupCode.Code,
			backupCode.Salt,
			backupCode.Algorithm,
			int64(0),
		}
		err = d.execTx(tx, ctx, "INSERT INTO user_2fa_backup_code (id,subject,code,salt,algorithm,used_time) VALUES($1,$2,$3,$4,$5,$6)", args1...)
		if err != nil {
			return d.rollbackTx(tx, err)
		}
	}
	return d.commitTx(tx)
}

func (d *databaseDriver) ActivateUserTwoFactor(ctx context.Context, subject string) error {
	d.logger.Debug("activating user 2FA", slog.String("subject", subject))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	rows, err := d.execRowsTx(tx, ctx, "UPDATE user_2fa SET active=$1,activate_time=$2 WHERE subject=$3", true, time.Now().UnixMicro(), subject)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	if rows != 1 {
		return d.rollbackTx(tx, fmt.Errorf("%w (unknown 2FA subject: %s)", ErrObjectNotFound, subject))
	}
	return d.commitTx(tx)
}

func (d *databaseDriver) DeleteUserTwoFactor(ctx context.Context, subject string) error {
	d.logger.Debug("deleting user 2FA", slog.String("subject", subject))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	err = d.deleteUserTwoFactor(tx, ctx, subject)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	return d.commitTx(tx)
}

func (d *databaseDriver) deleteUserTwoFactor(tx *sql.Tx, ctx context.Context, subject string) error {
	err := d.execTx(tx, ctx, "DELETE FROM user_2fa_backup_code WHERE subject=$1", subject)
	if err != nil {
		return err
	}
	return d.execTx(tx, ctx, "DELETE FROM user_2fa WHERE subject=$1", subject)
}

func (d *databaseDriver) DeleteAbandonedUserTwoFactors(ctx context.Context) error {
	d.logger.Debug("deleting abandoned user 2FA setups")
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-serverconf.LookupRuntime().PendingSetupLifetime).UnixMicro()
	err = d.execTx(tx, ctx, "DELETE FROM user_2fa_backup_code WHERE subject IN (SELECT subject FROM user_2fa WHERE active=$1 AND create_time<=$2)", false, cutoff)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	err = d.execTx(tx, ctx, "DELETE FROM user_2fa WHERE active=$1 AND create_time<=$2", false, cutoff)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	return d.commitTx(tx)
}

func (d *databaseDriver) SelectUnusedUserBackupCodes(ctx context.Context, subject string) ([]*UserBackupCode, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := d.queryTx(tx, ctx, "SELECT id,code,salt,algorithm,used_time FROM user_2fa_backup_code WHERE subject=$1 AND used_time=$2 ORDER BY id", subject, int64(0))
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	defer rows.Close()
	backupCodes := make([]*UserBackupCode, 0)
	for rows.Next() {
		backupCode := &UserBackupCode{Subject: subject}
		err = rows.Scan(&backupCode.ID, &backupCode.Code, &backupCode.Salt, &backupCode.Algorithm, &backupCode.UsedTime)
		if err != nil {
			return nil, d.rollbackTx(tx, fmt.Errorf("select user backup code failure (cause: %w)", err))
		}
		backupCodes = append(backupCodes, backupCode)
	}
	rows.Close()
	return backupCodes, d.commitTx(tx)
}

// MarkUserBackupCodeUsed reports false if the code has already been used.
func (d *databaseDriver) MarkUserBackupCodeUsed(ctx context.Context, id string) (bool, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return false, err
	}
	rows, err := d.execRowsTx(tx, ctx, "UPDATE user_2fa_backup_code SET used_time=$1 WHERE id=$2 AND used_time=$3", time.Now().UnixMicro(), id, int64(0))
	if err != nil {
		return false, d.rollbackTx(tx, err)
	}
	return rows == 1, d.commitTx(tx)
}

func (d *databaseDriver) InsertOrUpdateUserVerificationLog(ctx context.Context, log *UserVerificationLog) (*UserVerificationLog, error) {
	d.logger.Debug("updating user verification log", slog.String("subject", log.Subject), slog.String("method", log.Method))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	existing := &UserVerificationLog{Subject: log.Subject, Method: log.Method}
	row := d.queryRowTx(tx, ctx, "SELECT first_used,last_used,host,country,country_code,city,lat,lon FROM user_verification_log WHERE subject=$1 AND method=$2", log.Subject, log.Method)
	args0 := []any{
		&existing.FirstUsed,
		&existing.LastUsed,
		&existing.Host,
		&existing.Country,
		&existing.CountryCode,
		&existing.City,
		&existing.Lat,
		&existing.Lon,
	}
	err = row.Scan(args0...)
	if errors.Is(err, sql.ErrNoRows) {
		existing = log
		args1 := []any{
			existing.Subject,
			existing.Method,
			existing.FirstUsed,
			existing.LastUsed,
			existing.Host,
			existing.Country,
			existing.CountryCode,
			existing.City,
			existing.Lat,
			existing.Lon,
		}
		err = d.execTx(tx, ctx, "INSERT INTO user_verification_log (subject,method,first_used,last_used,host,country,country_code,city,lat,lon) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)", args1...)
	} else if err == nil {
		existing.Update(log)
		args2 := []any{
			existing.LastUsed,
			existing.Host,
			existing.Country,
			existing.CountryCode,
			existing.City,
			existing.Lat,
			existing.Lon,
			existing.Subject,
			existing.Method,
		}
		err = d.execTx(tx, ctx, "UPDATE user_verification_log SET last_used=$1,host=$2,country=$3,country_code=$4,city=$5,lat=$6,lon=$7 WHERE subject=$8 AND method=$9", args2...)
	} else {
		err = fmt.Errorf("select user verification log failure (cause: %w)", err)
	}
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	return existing, d.commitTx(tx)
}

func (d *databaseDriver) SelectUserVerificationLogs(ctx context.Context, subject string) ([]*UserVerificationLog, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := d.queryTx(tx, ctx, "SELECT method,first_used,last_used,host,country,country_code,city,lat,lon FROM user_verification_log WHERE subject=$1 ORDER BY last_used DESC", subject)
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	defer rows.Close()
	logs := make([]*UserVerificationLog, 0)
	for rows.Next() {
		log := &UserVerificationLog{Subject: subject}
		args := []any{
			&log.Method,
			&log.FirstUsed,
			&log.LastUsed,
			&log.Host,
			&log.Country,
			&log.CountryCode,
			&log.City,
			&log.Lat,
			&log.Lon,
		}
		err = rows.Scan(args...)
		if err != nil {
			return nil, d.rollbackTx(tx, fmt.Errorf("select user verification log failure (cause: %w)", err))
		}
		logs = append(logs, log)
	}
	rows.Close()
	return logs, d.commitTx(tx)
}

func (d *databaseDriver) InsertSiteAccessCode(ctx context.Context, code *SiteAccessCode) error {
	d.logger.Debug("inserting site access code", slog.String("id", code.ID), slog.String("name", code.Name))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	var count int
	err = d.queryRowTx(tx, ctx, "SELECT COUNT(*) FROM site_access_code WHERE code_name=$1", code.Name).Scan(&count)
	if err != nil {
		return d.rollbackTx(tx, fmt.Errorf("select site access code failure (cause: %w)", err))
	}
	if count > 0 {
		return d.rollbackTx(tx, fmt.Errorf("%w (site access code name: %s)", ErrObjectExists, code.Name))
	}
	args := []any{
		code.ID,
		code.Name,
		code.Secret,
		code.Salt,
		code.Algorithm,
		code.Active,
		code.CreateTime,
		code.Expiry,
		code.LastUsed,
		code.CreatedBy,
	}
	err = d.execTx(tx, ctx, "INSERT INTO site_access_code (id,code_name,secret,salt,algorithm,active,create_time,expiry,last_used,created_by) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)", args...)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	return d.commitTx(tx)
}

const selectSiteAccessCodeColumns = "id,code_name,secret,salt,algorithm,active,create_time,expiry,last_used,created_by"

func scanSiteAccessCode(scan func(...any) error) (*SiteAccessCode, error) {
	code := &SiteAccessCode{}
	args := []any{
		&code.ID,
		&code.Name,
		&code.Secret,
		&code.Salt,
		&code.Algorithm,
		&code.Active,
		&code.CreateTime,
		&code.Expiry,
		&code.LastUsed,
		&code.CreatedBy,
	}
	err := scan(args...)
	if err != nil {
		return nil, err
	}
	return code, nil
}

func (d *databaseDriver) SelectSiteAccessCode(ctx context.Context, id string) (*SiteAccessCode, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	row := d.queryRowTx(tx, ctx, "SELECT "+selectSiteAccessCodeColumns+" FROM site_access_code WHERE id=$1", id)
	code, err := scanSiteAccessCode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.rollbackTx(tx, fmt.Errorf("%w (unknown site access code: %s)", ErrObjectNotFound, id))
	} else if err != nil {
		return nil, d.rollbackTx(tx, fmt.Errorf("select site access code failure (cause: %w)", err))
	}
	return code, d.commitTx(tx)
}

func (d *databaseDriver) SelectSiteAccessCodes(ctx context.Context) ([]*SiteAccessCode, error) {
	return d.selectSiteAccessCodes(ctx, "SELECT "+selectSiteAccessCodeColumns+" FROM site_access_code ORDER BY create_time DESC, id")
}

// SelectUsableSiteAccessCodes returns the active and unexpired codes in creation order.
func (d *databaseDriver) SelectUsableSiteAccessCodes(ctx context.Context) ([]*SiteAccessCode, error) {
	now := time.Now().UnixMicro()
	return d.selectSiteAccessCodes(ctx, "SELECT "+selectSiteAccessCodeColumns+" FROM site_access_code WHERE active=$1 AND (expiry=$2 OR expiry>$3) ORDER BY create_time, id", true, int64(0), now)
}

func (d *databaseDriver) selectSiteAccessCodes(ctx context.Context, query string, args ...any) ([]*SiteAccessCode, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := d.queryTx(tx, ctx, query, args...)
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	defer rows.Close()
	codes := make([]*SiteAccessCode, 0)
	for rows.Next() {
		code, err := scanSiteAccessCode(rows.Scan)
		if err != nil {
			return nil, d.rollbackTx(tx, fmt.Errorf("select site access code failure (cause: %w)", err))
		}
		codes = append(codes, code)
	}
	rows.Close()
	return codes, d.commitTx(tx)
}

func (d *databaseDriver) UpdateSiteAccessCodeStatus(ctx context.Context, id string, active bool) error {
	d.logger.Debug("updating site access code status", slog.String("id", id), slog.Bool("active", active))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	rows, err := d.execRowsTx(tx, ctx, "UPDATE site_access_code SET active=$1 WHERE id=$2", active, id)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	if rows != 1 {
		return d.rollbackTx(tx, fmt.Errorf("%w (unknown site access code: %s)", ErrObjectNotFound, id))
	}
	return d.commitTx(tx)
}

// RecordSiteAccess appends the access log entry and, for successful attempts,
// stamps the matched code's last use within the same transaction.
func (d *databaseDriver) RecordSiteAccess(ctx context.Context, log *SiteAccessLog) error {
	d.logger.Debug("recording site access", slog.Bool("success", log.Success))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	if log.Success {
		err = d.execTx(tx, ctx, "UPDATE site_access_code SET last_used=$1 WHERE id=$2", log.AccessTime, log.CodeID)
		if err != nil {
			return d.rollbackTx(tx, err)
		}
	}
	args := []any{
		log.ID,
		log.CodeID,
		log.Success,
		log.AccessTime,
		log.Host,
		log.UserAgent,
		log.Country,
		log.CountryCode,
	}
	err = d.execTx(tx, ctx, "INSERT INTO site_access_log (id,code_id,success,access_time,host,user_agent,country,country_code) VALUES($1,$2,$3,$4,$5,$6,$7,$8)", args...)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	return d.commitTx(tx)
}

func (d *databaseDriver) SelectSiteAccessLogs(ctx context.Context, limit int) ([]*SiteAccessLog, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := d.queryTx(tx, ctx, "SELECT id,code_id,success,access_time,host,user_agent,country,country_code FROM site_access_log ORDER BY access_time DESC, id LIMIT $1", limit)
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	defer rows.Close()
	logs := make([]*SiteAccessLog, 0)
	for rows.Next() {
		log := &SiteAccessLog{}
		args := []any{
			&log.ID,
			&log.CodeID,
			&log.Success,
			&log.AccessTime,
			&log.Host,
			&log.UserAgent,
			&log.Country,
			&log.CountryCode,
		}
		err = rows.Scan(args...)
		if err != nil {
			return nil, d.rollbackTx(tx, fmt.Errorf("select site access log failure (cause: %w)", err))
		}
		logs = append(logs, log)
	}
	rows.Close()
	return logs, d.commitTx(tx)
}

func (d *databaseDriver) DeleteExpiredSiteAccessLogs(ctx context.Context) error {
	d.logger.Debug("deleting expired site access logs")
	cutoff := time.Now().Add(-serverconf.LookupRuntime().SiteLogRetention).UnixMicro()
	return d.execSingleTx(ctx, "DELETE FROM site_access_log WHERE access_time<=$1", cutoff)
}

func (d *databaseDriver) InsertAdminUser(ctx context.Context, user *AdminUser) error {
	d.logger.Debug("inserting admin user", slog.String("id", user.ID))
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	_, err = d.selectAdminUserByEmail(tx, ctx, user.Email)
	if err == nil {
		return d.rollbackTx(tx, fmt.Errorf("%w (admin user: %s)", ErrObjectExists, user.Email))
	} else if !errors.Is(err, ErrObjectNotFound) {
		return d.rollbackTx(tx, err)
	}
	args := []any{
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Salt,
		user.FailedLoginAttempts,
		user.LockedUntil,
		user.LastLogin,
		user.CreateTime,
	}
	err = d.execTx(tx, ctx, "INSERT INTO admin_user (id,email,password_hash,salt,failed_login_attempts,locked_until,last_login,create_time) VALUES($1,$2,$3,$4,$5,$6,$7,$8)", args...)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	return d.commitTx(tx)
}

const selectAdminUserColumns = "id,email,password_hash,salt,failed_login_attempts,locked_until,last_login,create_time"

func scanAdminUser(row *sql.Row) (*AdminUser, error) {
	user := &AdminUser{}
	args := []any{
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Salt,
		&user.FailedLoginAttempts,
		&user.LockedUntil,
		&user.LastLogin,
		&user.CreateTime,
	}
	err := row.Scan(args...)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *databaseDriver) SelectAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	user, err := scanAdminUser(d.queryRowTx(tx, ctx, "SELECT "+selectAdminUserColumns+" FROM admin_user WHERE id=$1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.rollbackTx(tx, fmt.Errorf("%w (unknown admin user: %s)", ErrObjectNotFound, id))
	} else if err != nil {
		return nil, d.rollbackTx(tx, fmt.Errorf("select admin user failure (cause: %w)", err))
	}
	return user, d.commitTx(tx)
}

func (d *databaseDriver) SelectAdminUserByEmail(ctx context.Context, email string) (*AdminUser, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	user, err := d.selectAdminUserByEmail(tx, ctx, email)
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	return user, d.commitTx(tx)
}

func (d *databaseDriver) selectAdminUserByEmail(tx *sql.Tx, ctx context.Context, email string) (*AdminUser, error) {
	user, err := scanAdminUser(d.queryRowTx(tx, ctx, "SELECT "+selectAdminUserColumns+" FROM admin_user WHERE email=$1", email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w (unknown admin user: %s)", ErrObjectNotFound, email)
	} else if err != nil {
		return nil, fmt.Errorf("select admin user failure (cause: %w)", err)
	}
	return user, nil
}

// AuthenticateAdminUser checks the password hash and lock state in one
// transaction. A mismatch increments the failure counter atomically and
// locks the account once the policy's attempt limit is reached; the counter
// update is committed even though an error is returned. The lock state is
// re-evaluated by the update statement itself, so of several concurrent
// failures exactly one reports ErrLockTriggered and an existing lock is
// never extended.
func (d *databaseDriver) AuthenticateAdminUser(ctx context.Context, email string, passwordHash string, session *AdminSession, policy *LockoutPolicy) (*AdminUser, error) {
	d.logger.Debug("authenticating admin user")
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	user, err := d.selectAdminUserByEmail(tx, ctx, email)
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	now := time.Now()
	if user.Locked(now) {
		return nil, d.rollbackTx(tx, fmt.Errorf("%w (admin user: %s)", ErrAccountLocked, user.ID))
	}
	if !constantTimeEqual(user.PasswordHash, passwordHash) {
		lockedUntil := now.Add(policy.Duration).UnixMicro()
		row := d.queryRowTx(tx, ctx, `UPDATE admin_user SET
failed_login_attempts=CASE WHEN locked_until>0 AND locked_until<=$1 THEN 1 ELSE failed_login_attempts+1 END,
locked_until=CASE
WHEN locked_until>$1 THEN locked_until
WHEN locked_until>0 THEN (CASE WHEN 1>=$2 THEN CAST($3 AS BIGINT) ELSE 0 END)
WHEN failed_login_attempts+1>=$2 THEN CAST($3 AS BIGINT)
ELSE locked_until END
WHERE id=$4 RETURNING failed_login_attempts,locked_until`, now.UnixMicro(), policy.MaxAttempts, lockedUntil, user.ID)
		err = row.Scan(&user.FailedLoginAttempts, &user.LockedUntil)
		if err != nil {
			return nil, d.rollbackTx(tx, fmt.Errorf("update admin user failure (cause: %w)", err))
		}
		err = d.commitTx(tx)
		if err != nil {
			return nil, err
		}
		if user.LockedUntil == lockedUntil {
			return nil, fmt.Errorf("%w (admin user: %s)", ErrLockTriggered, user.ID)
		} else if user.Locked(now) {
			// locked by a concurrent attempt
			return nil, fmt.Errorf("%w (admin user: %s)", ErrAccountLocked, user.ID)
		}
		return nil, fmt.Errorf("%w (admin user: %s attempts: %d)", ErrIncorrectPassword, user.ID, user.FailedLoginAttempts)
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = 0
	user.LastLogin = now.UnixMicro()
	err = d.execTx(tx, ctx, "UPDATE admin_user SET failed_login_attempts=$1,locked_until=$2,last_login=$3 WHERE id=$4", 0, int64(0), user.LastLogin, user.ID)
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	session.AdminUserID = user.ID
	args := []any{
		session.ID,
		session.AdminUserID,
		session.CreateTime,
		session.Expiry,
		session.Host,
		session.UserAgent,
	}
	err = d.execTx(tx, ctx, "INSERT INTO admin_session (id,admin_user_id,create_time,expiry,host,user_agent) VALUES($1,$2,$3,$4,$5,$6)", args...)
	if err != nil {
		return nil, d.rollbackTx(tx, err)
	}
	return user, d.commitTx(tx)
}

func (d *databaseDriver) SelectAdminSession(ctx context.Context, id string) (*AdminSession, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	session := &AdminSession{ID: id}
	row := d.queryRowTx(tx, ctx, "SELECT admin_user_id,create_time,expiry,host,user_agent FROM admin_session WHERE id=$1", id)
	err = row.Scan(&session.AdminUserID, &session.CreateTime, &session.Expiry, &session.Host, &session.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.rollbackTx(tx, fmt.Errorf("%w (unknown admin session)", ErrObjectNotFound))
	} else if err != nil {
		return nil, d.rollbackTx(tx, fmt.Errorf("select admin session failure (cause: %w)", err))
	}
	return session, d.commitTx(tx)
}

func (d *databaseDriver) DeleteAdminSession(ctx context.Context, id string) error {
	d.logger.Debug("deleting admin session")
	return d.execSingleTx(ctx, "DELETE FROM admin_session WHERE id=$1", id)
}

func (d *databaseDriver) DeleteExpiredAdminSessions(ctx context.Context) error {
	d.logger.Debug("deleting expired admin sessions")
	return d.execSingleTx(ctx, "DELETE FROM admin_session WHERE expiry<=$1", time.Now().UnixMicro())
}

// IncrementRateLimit counts an attempt for key and returns the number of
// attempts within the current window. An elapsed window restarts at one.
func (d *databaseDriver) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int, error) {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	row := d.queryRowTx(tx, ctx, `INSERT INTO rate_limit (limit_key,attempts,window_end) VALUES($1,1,$2)
ON CONFLICT (limit_key) DO UPDATE SET
attempts=CASE WHEN rate_limit.window_end<=$3 THEN 1 ELSE rate_limit.attempts+1 END,
window_end=CASE WHEN rate_limit.window_end<=$3 THEN excluded.window_end ELSE rate_limit.window_end END
RETURNING attempts`, key, now.Add(window).UnixMicro(), now.UnixMicro())
	var attempts int
	err = row.Scan(&attempts)
	if err != nil {
		return 0, d.rollbackTx(tx, fmt.Errorf("update rate limit failure (cause: %w)", err))
	}
	return attempts, d.commitTx(tx)
}

func (d *databaseDriver) DeleteRateLimit(ctx context.Context, key string) error {
	return d.execSingleTx(ctx, "DELETE FROM rate_limit WHERE limit_key=$1", key)
}

func (d *databaseDriver) DeleteExpiredRateLimits(ctx context.Context) error {
	d.logger.Debug("deleting expired rate limits")
	return d.execSingleTx(ctx, "DELETE FROM rate_limit WHERE window_end<=$1", time.Now().UnixMicro())
}

func (d *databaseDriver) Close() error {
	return d.db.Close()
}

func (d *databaseDriver) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction failure (cause: %w)", err)
	}
	return tx, nil
}

func (d *databaseDriver) rollbackTx(tx *sql.Tx, err error) error {
	rollbackErr := tx.Rollback()
	if rollbackErr != nil {
		d.logger.Warn("rollback failure", slog.Any("err", rollbackErr))
	}
	return errors.Join(err, rollbackErr)
}

func (d *databaseDriver) commitTx(tx *sql.Tx) error {
	err := tx.Commit()
	if err != nil {
		return fmt.Errorf("commit failure (cause: %w)", err)
	}
	return nil
}

func (d *databaseDriver) execSingleTx(ctx context.Context, query string, args ...any) error {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	err = d.execTx(tx, ctx, query, args...)
	if err != nil {
		return d.rollbackTx(tx, err)
	}
	return d.commitTx(tx)
}

func (d *databaseDriver) execTx(tx *sql.Tx, ctx context.Context, query string, args ...any) error {
	_, err := d.execRowsTx(tx, ctx, query, args...)
	return err
}

func (d *databaseDriver) execRowsTx(tx *sql.Tx, ctx context.Context, query string, args ...any) (int64, error) {
	d.logger.Debug("sql exec", slog.String("query", query))
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sql exec failure (cause: %w)", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sql exec result failure (cause: %w)", err)
	}
	d.logger.Debug("sql exec complete", slog.Int64("rows", rows))
	return rows, nil
}

func (d *databaseDriver) queryRowTx(tx *sql.Tx, ctx context.Context, query string, args ...any) *sql.Row {
	d.logger.Debug("sql query", slog.String("query", query))
	return tx.QueryRowContext(ctx, query, args...)
}

func (d *databaseDriver) queryTx(tx *sql.Tx, ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.logger.Debug("sql query", slog.String("query", query))
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sql query failure (cause: %w)", err)
	}
	return rows, nil
}

func (d *databaseDriver) runScriptTx(tx *sql.Tx, ctx context.Context, script []byte) error {
	reader := newSQLScriptReader(script)
	for {
		statement, err := reader.readStatement()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		d.logger.Debug("script exec", slog.String("statement", statement))
		result, err := tx.ExecContext(ctx, statement)
		if err != nil {
			return fmt.Errorf("script exec failure at %d (cause: %w)", reader.LineNo(), err)
		}
		rows, err := result.RowsAffected()
		if err == nil {
			d.logger.Debug("script exec complete", slog.Int64("rows", rows))
		}
	}
}

type sqlScriptReader struct {
	reader *bufio.Reader
	lineNo int
}

func newSQLScriptReader(script []byte) *sqlScriptReader {
	return &sqlScriptReader{
		reader: bufio.NewReader(bytes.NewReader(script)),
	}
}

func (r *sqlScriptReader) LineNo() int {
	return r.lineNo
}

func (r *sqlScriptReader) readStatement() (string, error) {
	statement := ""
	for {
		line, prefix, err := r.reader.ReadLine()
		if errors.Is(err, io.EOF) {
			if statement != "" {
				return statement, fmt.Errorf("unclosed statement at %d", r.lineNo)
			}
			return statement, err
		} else if err != nil {
			return statement, fmt.Errorf("failed to read script (cause: %w)", err)
		}
		r.lineNo++
		if prefix {
			return statement, fmt.Errorf("excessive line length at %d", r.lineNo)
		}
		lineString := strings.TrimSpace(string(line))
		if lineString == "" || strings.HasPrefix(lineString, "--") {
			continue
		}
		if statement != "" {
			statement = statement + " " + lineString
		} else {
			statement = lineString
		}
		if strings.HasSuffix(lineString, ";") {
			return statement, nil
		}
	}
}
