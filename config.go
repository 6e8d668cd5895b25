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

package gated

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-ldap/ldap/v3"
	"github.com/tdrn-org/gated/internal/server/conf"
	"github.com/tdrn-org/gated/internal/server/mail"
	"github.com/tdrn-org/gated/internal/server/totp"
	"github.com/tdrn-org/gated/internal/server/userstore"
	"github.com/tdrn-org/gated/internal/telemetry"
	"github.com/tdrn-org/go-log"
)

const DefaultConfig string = "/etc/gated/gated.toml"

const envPrefix string = "GATED_"

type Config struct {
	Logging struct {
		Level          string `toml:"level"`
		Target         string `toml:"target"`
		Color          int    `toml:"color"`
		FileName       string `toml:"file_name"`
		FileSizeLimit  int64  `toml:"file_size_limit"`
		SyslogNetwork  string `toml:"syslog_network"`
		SyslogAddress  string `toml:"syslog_address"`
		SyslogEncoding string `toml:"syslog_encoding"`
		SyslogFacility int    `toml:"syslog_facility"`
	} `toml:"logging"`
	Server struct {
		Address         string         `toml:"address"`
		Protocol        ServerProtocol `toml:"protocol"`
		AccessLog       bool           `toml:"access_log"`
		CertFile        string         `toml:"cert_file"`
		KeyFile         string         `toml:"key_file"`
		PublicURL       URLSpec        `toml:"public_url"`
		AllowedOrigins  []string       `toml:"allowed_origins"`
		AdminNetworks   []string       `toml:"admin_networks"`
		TrustedProxies  []string       `toml:"trusted_proxies"`
		SessionCookie   string         `toml:"session_cookie"`
		MarkerCookie    string         `toml:"marker_cookie"`
		SiteCookie      string         `toml:"site_cookie"`
		JobSchedule     DurationSpec   `toml:"job_schedule"`
		ShutdownTimeout DurationSpec   `toml:"shutdown_timeout"`
	} `toml:"server"`
	Secret struct {
		Key        string `toml:"key"`
		Iterations int    `toml:"iterations"`
	} `toml:"secret"`
	Runtime struct {
		UserSessionLifetime  DurationSpec `toml:"user_session_lifetime"`
		VerificationLifetime DurationSpec `toml:"verification_lifetime"`
		SiteAccessLifetime   DurationSpec `toml:"site_access_lifetime"`
		AdminSessionLifetime DurationSpec `toml:"admin_session_lifetime"`
		LockoutDuration      DurationSpec `toml:"lockout_duration"`
		MaxLoginAttempts     int          `toml:"max_login_attempts"`
		MaxVerifyAttempts    int          `toml:"max_verify_attempts"`
		PendingSetupLifetime DurationSpec `toml:"pending_setup_lifetime"`
		SiteLogRetention     DurationSpec `toml:"site_log_retention"`
	} `toml:"runtime"`
	Mail struct {
		Address          string `toml:"address"`
		User             string `toml:"user"`
		Password         string `toml:"password"`
		FromAddress      string `toml:"from_address"`
		FromName         string `toml:"from_name"`
		OpportunisticTLS bool   `toml:"opportunistic_tls"`
	} `toml:"mail"`
	TOTP struct {
		Issuer string `toml:"issuer"`
		Window uint   `toml:"window"`
	} `toml:"totp"`
	GeoIP struct {
		CityDB        string       `toml:"city_db"`
		CacheTTL      DurationSpec `toml:"cache_ttl"`
		CacheCapacity uint64       `toml:"cache_capacity"`
	} `toml:"geoip"`
	Database struct {
		Type   DatabaseType `toml:"type"`
		Memory struct {
			// No options here
		} `toml:"memory"`
		SQLite struct {
			File string `toml:"file"`
		} `toml:"sqlite"`
		Postgres struct {
			Address  string `toml:"address"`
			DB       string `toml:"db"`
			User     string `toml:"user"`
			Password string `toml:"password"`
		} `toml:"postgres"`
	} `toml:"database"`
	RateLimit struct {
		Backend      RateLimitBackend `toml:"backend"`
		SiteAttempts int              `toml:"site_attempts"`
		SiteWindow   DurationSpec     `toml:"site_window"`
		VerifyWindow DurationSpec     `toml:"verify_window"`
	} `toml:"ratelimit"`
	UserStore struct {
		Type UserStoreType `toml:"type"`
		LDAP struct {
			URL           URLSpec     `toml:"url"`
			BindDN        string      `toml:"bind_dn"`
			BindPassword  string      `toml:"bind_password"`
			UserBaseDN    string      `toml:"user_base_dn"`
			UserFilter    string      `toml:"user_filter"`
			GroupBaseDN   string      `toml:"group_base_dn"`
			GroupFilter   string      `toml:"group_filter"`
			Mapping       LDAPMapping `toml:"mapping"`
			CustomMapping struct {
				User struct {
					Subject string `toml:"subject"`
					Name    string `toml:"name"`
					Email   string `toml:"email"`
					Groups  string `toml:"groups"`
				} `toml:"user"`
				Group struct {
					Name    string `toml:"name"`
					Members string `toml:"members"`
				} `toml:"group"`
			} `toml:"custom_mapping"`
		} `toml:"ldap"`
		Static []struct {
			Subject  string   `toml:"subject"`
			Name     string   `toml:"name"`
			Email    string   `toml:"email"`
			Password string   `toml:"password"`
			Groups   []string `toml:"groups"`
		} `toml:"static"`
	} `toml:"userstore"`
	Telemetry struct {
		Enabled       bool         `toml:"enabled"`
		Domain        string       `toml:"domain"`
		EndpointURL   URLSpec      `toml:"endpoint_url"`
		Protocol      string       `toml:"protocol"`
		BatchTimeout  DurationSpec `toml:"batch_timeout"`
		ExportTimeout DurationSpec `toml:"export_timeout"`
	} `toml:"telemetry"`
}

// secretEnv lists the secrets which may be supplied through the environment
// instead of the configuration file.
type secretEnv struct {
	SecretKey        string `env:"SECRET_KEY"`
	DatabasePassword string `env:"DATABASE_PASSWORD"`
	MailPassword     string `env:"MAIL_PASSWORD"`
	LDAPBindPassword string `env:"LDAP_BIND_PASSWORD"`
}

//go:embed config_defaults.toml
var configDefaultsData string

func LoadConfig(path string, strict bool) (*Config, error) {
	slog.Info("loading config", slog.String("path", path))
	config, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config '%s' (cause: %w)", path, err)
	}
	strictViolation := false
	for _, key := range meta.Undecoded() {
		strictViolation = true
		slog.Warn("unexpected configuration key", slog.String("path", path), slog.Any("key", key))
	}
	if strict && strictViolation {
		return nil, fmt.Errorf("config contains unexpected keys")
	}
	err = config.applyEnv()
	if err != nil {
		return nil, err
	}
	return config, nil
}

func defaultConfig() (*Config, error) {
	config := &Config{}
	_, err := toml.Decode(configDefaultsData, config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config defaults (cause: %w)", err)
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	secrets := &secretEnv{}
	err := env.ParseWithOptions(secrets, env.Options{Prefix: envPrefix})
	if err != nil {
		return fmt.Errorf("failed to parse environment (cause: %w)", err)
	}
	if secrets.SecretKey != "" {
		c.Secret.Key = secrets.SecretKey
	}
	if secrets.DatabasePassword != "" {
		c.Database.Postgres.Password = secrets.DatabasePassword
	}
	if secrets.MailPassword != "" {
		c.Mail.Password = secrets.MailPassword
	}
	if secrets.LDAPBindPassword != "" {
		c.UserStore.LDAP.BindPassword = secrets.LDAPBindPassword
	}
	return nil
}

func (c *Config) toLogConfig() *log.Config {
	return &log.Config{
		Level:          c.Logging.Level,
		AddSource:      false,
		Target:         log.Target(c.Logging.Target),
		Color:          log.Color(c.Logging.Color),
		FileName:       c.Logging.FileName,
		FileSizeLimit:  c.Logging.FileSizeLimit,
		SyslogNetwork:  c.Logging.SyslogNetwork,
		SyslogAddress:  c.Logging.SyslogAddress,
		SyslogEncoding: c.Logging.SyslogEncoding,
		SyslogFacility: c.Logging.SyslogFacility,
	}
}

func (c *Config) toRuntime() *conf.Runtime {
	return &conf.Runtime{
		UserSessionLifetime:  c.Runtime.UserSessionLifetime.Duration,
		VerificationLifetime: c.Runtime.VerificationLifetime.Duration,
		SiteAccessLifetime:   c.Runtime.SiteAccessLifetime.Duration,
		AdminSessionLifetime: c.Runtime.AdminSessionLifetime.Duration,
		LockoutDuration:      c.Runtime.LockoutDuration.Duration,
		MaxLoginAttempts:     c.Runtime.MaxLoginAttempts,
		MaxVerifyAttempts:    c.Runtime.MaxVerifyAttempts,
		PendingSetupLifetime: c.Runtime.PendingSetupLifetime.Duration,
		SiteLogRetention:     c.Runtime.SiteLogRetention.Duration,
	}
}

func (c *Config) toMailConfig() *mail.MailConfig {
	return &mail.MailConfig{
		Address:          c.Mail.Address,
		User:             c.Mail.User,
		Password:         c.Mail.Password,
		FromAddress:      c.Mail.FromAddress,
		FromName:         c.Mail.FromName,
		OpportunisticTLS: c.Mail.OpportunisticTLS,
	}
}

func (c *Config) toTOTPConfig(defaultIssuer string) *totp.Config {
	issuer := c.TOTP.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &totp.Config{
		Issuer: issuer,
		Window: c.TOTP.Window,
	}
}

func (c *Config) toTelemetryConfig() *telemetry.Config {
	endpointURL := c.Telemetry.EndpointURL.URL
	return &telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		Domain:        c.Telemetry.Domain,
		EndpointURL:   &endpointURL,
		Protocol:      c.Telemetry.Protocol,
		BatchTimeout:  c.Telemetry.BatchTimeout.Duration,
		ExportTimeout: c.Telemetry.ExportTimeout.Duration,
	}
}

func (c *Config) toLDAPUserstoreConfig() (*userstore.LDAPConfig, error) {
	var mapping *userstore.LDAPAttributeMapping
	switch c.UserStore.LDAP.Mapping {
	case LDAPMappingActiveDirectory:
		mapping = userstore.LDAPActiveDirectoryMapping()
	case LDAPMappingOpenLDAP:
		mapping = userstore.LDAPOpenLDAPMapping()
	case LDAPMappingCustom:
		mapping = &userstore.LDAPAttributeMapping{}
		mapping.User.Subject = c.UserStore.LDAP.CustomMapping.User.Subject
		mapping.User.Name = c.UserStore.LDAP.CustomMapping.User.Name
		mapping.User.Email = c.UserStore.LDAP.CustomMapping.User.Email
		mapping.User.Groups = c.UserStore.LDAP.CustomMapping.User.Groups
		mapping.Group.Name = c.UserStore.LDAP.CustomMapping.Group.Name
		mapping.Group.Members = c.UserStore.LDAP.CustomMapping.Group.Members
	default:
		return nil, fmt.Errorf("unrecognized LDAP mapping: '%s'", c.UserStore.LDAP.Mapping)
	}
	err := mapping.Validate()
	if err != nil {
		return nil, err
	}
	ldapConfig := &userstore.LDAPConfig{
		URL:          c.UserStore.LDAP.URL.String(),
		BindDN:       c.UserStore.LDAP.BindDN,
		BindPassword: c.UserStore.LDAP.BindPassword,
		UserSearch: userstore.LDAPSearchConfig{
			BaseDN:       c.UserStore.LDAP.UserBaseDN,
			Scope:        ldap.ScopeWholeSubtree,
			DerefAliases: ldap.NeverDerefAliases,
			Filter:       c.UserStore.LDAP.UserFilter,
		},
		GroupSearch: userstore.LDAPSearchConfig{
			BaseDN:       c.UserStore.LDAP.GroupBaseDN,
			Scope:        ldap.ScopeWholeSubtree,
			DerefAliases: ldap.NeverDerefAliases,
			Filter:       c.UserStore.LDAP.GroupFilter,
		},
		Mapping: mapping,
	}
	return ldapConfig, nil
}

func (c *Config) toStaticUsers() []userstore.StaticUser {
	users := make([]userstore.StaticUser, 0, len(c.UserStore.Static))
	for _, static := range c.UserStore.Static {
		users = append(users, userstore.StaticUser{
			Subject:  static.Subject,
			Name:     static.Name,
			Email:    static.Email,
			Password: static.Password,
			Groups:   static.Groups,
		})
	}
	return users
}

func (c *Config) toPostgresURL() string {
	postgresURL := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.Postgres.User, c.Database.Postgres.Password),
		Host:   c.Database.Postgres.Address,
		Path:   "/" + c.Database.Postgres.DB,
	}
	return postgresURL.String()
}

func notAStringErr(value any) error {
	return fmt.Errorf("value %v is not a string type", value)
}

type ServerProtocol string

const (
	ServerProtocolHttp  ServerProtocol = "http"
	ServerProtocolHttps ServerProtocol = "https"
)

func (p *ServerProtocol) Value() string {
	return string(*p)
}

func (p *ServerProtocol) MarshalTOML() ([]byte, error) {
	return []byte(`"` + p.Value() + `"`), nil
}

func (p *ServerProtocol) UnmarshalTOML(value any) error {
	protocol, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	switch protocol {
	case string(ServerProtocolHttp):
		*p = ServerProtocolHttp
	case string(ServerProtocolHttps):
		*p = ServerProtocolHttps
	default:
		return fmt.Errorf("unknown server protocol: '%s'", protocol)
	}
	return nil
}

type DatabaseType string

const (
	DatabaseTypeMemory   DatabaseType = "memory"
	DatabaseTypeSqlite   DatabaseType = "sqlite"
	DatabaseTypePostgres DatabaseType = "postgres"
)

func (t *DatabaseType) Value() string {
	return string(*t)
}

func (t *DatabaseType) MarshalTOML() ([]byte, error) {
	return []byte(`"` + t.Value() + `"`), nil
}

func (t *DatabaseType) UnmarshalTOML(value any) error {
	databaseType, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	switch databaseType {
	case string(DatabaseTypeMemory):
		*t = DatabaseTypeMemory
	case string(DatabaseTypeSqlite):
		*t = DatabaseTypeSqlite
	case string(DatabaseTypePostgres):
		*t = DatabaseTypePostgres
	default:
		return fmt.Errorf("unknown database type: '%s'", databaseType)
	}
	return nil
}

type RateLimitBackend string

const (
	RateLimitBackendMemory   RateLimitBackend = "memory"
	RateLimitBackendDatabase RateLimitBackend = "database"
)

func (b *RateLimitBackend) Value() string {
	return string(*b)
}

func (b *RateLimitBackend) MarshalTOML() ([]byte, error) {
	return []byte(`"` + b.Value() + `"`), nil
}

func (b *RateLimitBackend) UnmarshalTOML(value any) error {
	backend, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	switch backend {
	case string(RateLimitBackendMemory):
		*b = RateLimitBackendMemory
	case string(RateLimitBackendDatabase):
		*b = RateLimitBackendDatabase
	default:
		return fmt.Errorf("unknown rate limit backend: '%s'", backend)
	}
	return nil
}

type UserStoreType string

const (
	UserStoreTypeLDAP   UserStoreType = "ldap"
	UserStoreTypeStatic UserStoreType = "static"
)

func (t *UserStoreType) Value() string {
	return string(*t)
}

func (t *UserStoreType) MarshalTOML() ([]byte, error) {
	return []byte(`"` + t.Value() + `"`), nil
}

func (t *UserStoreType) UnmarshalTOML(value any) error {
	userStoreType, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	switch userStoreType {
	case string(UserStoreTypeLDAP):
		*t = UserStoreTypeLDAP
	case string(UserStoreTypeStatic):
		*t = UserStoreTypeStatic
	default:
		return fmt.Errorf("unknown user store type: '%s'", userStoreType)
	}
	return nil
}

type LDAPMapping string

const (
	LDAPMappingActiveDirectory LDAPMapping = "active_directory"
	LDAPMappingOpenLDAP        LDAPMapping = "openldap"
	LDAPMappingCustom          LDAPMapping = "custom"
)

func (m *LDAPMapping) Value() string {
	return string(*m)
}

func (m *LDAPMapping) MarshalTOML() ([]byte, error) {
	return []byte(`"` + m.Value() + `"`), nil
}

func (m *LDAPMapping) UnmarshalTOML(value any) error {
	mapping, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	switch mapping {
	case string(LDAPMappingActiveDirectory):
		*m = LDAPMappingActiveDirectory
	case string(LDAPMappingOpenLDAP):
		*m = LDAPMappingOpenLDAP
	case string(LDAPMappingCustom):
		*m = LDAPMappingCustom
	default:
		return fmt.Errorf("unknown LDAP mapping: '%s'", mapping)
	}
	return nil
}

type DurationSpec struct {
	time.Duration
}

func (d *DurationSpec) Value() string {
	return d.String()
}

func (d *DurationSpec) MarshalTOML() ([]byte, error) {
	return []byte(`"` + d.Value() + `"`), nil
}

func (d *DurationSpec) UnmarshalTOML(value any) error {
	durationString, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	parsedDuration, err := time.ParseDuration(durationString)
	if err != nil {
		return fmt.Errorf("invalid duration: '%s' (cause: %w)", durationString, err)
	}
	d.Duration = parsedDuration
	return nil
}

type URLSpec struct {
	url.URL
}

func (url *URLSpec) Value() string {
	return url.String()
}

func (url *URLSpec) MarshalTOML() ([]byte, error) {
	return []byte(`"` + url.Value() + `"`), nil
}

func (url *URLSpec) UnmarshalTOML(value any) error {
	urlString, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	parsedURL, err := url.Parse(urlString)
	if err != nil {
		return fmt.Errorf("invalid URL: '%s' (cause: %w)", urlString, err)
	}
	url.URL = *parsedURL
	return nil
}
