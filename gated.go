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

// Package gated runs the TOTP verification and site access gate daemon.
package gated

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/tdrn-org/gated/httpserver"
	"github.com/tdrn-org/gated/internal/buildinfo"
	"github.com/tdrn-org/gated/internal/server"
	serverconf "github.com/tdrn-org/gated/internal/server/conf"
	"github.com/tdrn-org/gated/internal/server/crypto"
	"github.com/tdrn-org/gated/internal/server/database"
	"github.com/tdrn-org/gated/internal/server/geoip"
	"github.com/tdrn-org/gated/internal/server/mail"
	"github.com/tdrn-org/gated/internal/server/ratelimit"
	"github.com/tdrn-org/gated/internal/server/totp"
	"github.com/tdrn-org/gated/internal/server/userstore"
	"github.com/tdrn-org/gated/internal/server/web"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultShutdownTimeout time.Duration = 5 * time.Second

const defaultJobSchedule time.Duration = 5 * time.Minute

const cookiePath = "/"

func Run(ctx context.Context, args []string) error {
	cmdLine := &cmdLine{ctx: ctx}
	cmdParser, err := kong.New(cmdLine, cmdLineVars, kong.Name(buildinfo.Cmd()), kong.Description("TOTP verification and site access gate"))
	if err != nil {
		return err
	}
	cmd, err := cmdParser.Parse(args)
	if err != nil {
		return err
	}
	err = cmd.Run()
	if err != nil {
		return err
	}
	return nil
}

func Start(ctx context.Context, path string) (*Server, error) {
	config, err := LoadConfig(path, false)
	if err != nil {
		return nil, err
	}
	return startConfig(ctx, config)
}

func MustStart(ctx context.Context, path string) *Server {
	s, err := Start(ctx, path)
	if err != nil {
		panic(err)
	}
	return s
}

func startConfig(ctx context.Context, config *Config) (*Server, error) {
	runCtx, stop := context.WithCancel(ctx)
	s := &Server{stop: stop}
	err := s.initAndStart(config)
	if err != nil {
		stop()
		s.close()
		return nil, err
	}
	s.stoppedWG.Add(1)
	go func() {
		defer s.stoppedWG.Done()
		s.run(runCtx)
	}()
	return s, nil
}

type Server struct {
	httpServer        *httpserver.Instance
	tracer            trace.Tracer
	telemetryShutdown func(context.Context) error
	secretStore       *crypto.SecretStore
	serverKey         []byte
	iterations        int
	secureCookies     bool
	publicURL         *url.URL
	mailer            *mail.Mailer
	totpProvider      *totp.Provider
	locationService   *geoip.LocationService
	database          database.Driver
	limiterBackend    ratelimit.Backend
	userStore         userstore.Backend
	sessions          *server.UserSessionService
	twoFactor         *server.TwoFactorService
	siteAccess        *server.SiteAccessService
	admin             *server.AdminService
	twoFactorGate     *server.TwoFactorGate
	siteAccessGate    *server.SiteAccessGate
	adminPolicy       httpserver.AccessPolicy
	shutdownTimeout   time.Duration
	jobTicker         *time.Ticker
	jobTickerStopped  chan bool
	stop              context.CancelFunc
	shutdownOnce      sync.Once
	shutdownErr       error
	stoppedWG         sync.WaitGroup
}

// BaseURL is the URL the server is reachable at. It is the configured
// public URL if set and the listener URL otherwise.
func (s *Server) BaseURL() *url.URL {
	if s.publicURL != nil {
		return s.publicURL
	}
	return s.httpServer.BaseURL()
}

// ListenerURL is the URL of the local listener.
func (s *Server) ListenerURL() *url.URL {
	return s.httpServer.BaseURL()
}

func (s *Server) CreateAdminUser(ctx context.Context, email string, password string) error {
	_, err := s.admin.CreateAdminUser(ctx, email, password)
	return err
}

func (s *Server) Shutdown() {
	s.stop()
	s.WaitStopped()
	if s.shutdownErr != nil {
		slog.Warn("shutdown failed; exiting", slog.Any("err", s.shutdownErr))
	}
}

func (s *Server) WaitStopped() {
	s.stoppedWG.Wait()
}

func (s *Server) run(ctx context.Context) {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt)
	defer signal.Stop(sigint)
	slog.Info("startup complete; running")
	select {
	case <-sigint:
		slog.Info("signal SIGINT; stopping")
	case <-ctx.Done():
	}
	s.shutdown(context.WithoutCancel(ctx))
}

func (s *Server) shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		slog.Info("initiating shutdown")
		shutdownCtx, cancelShutdown := context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancelShutdown()
		// Stop background job processing
		if s.jobTicker != nil {
			s.jobTicker.Stop()
			s.jobTickerStopped <- true
		}
		err := errors.Join(s.httpServer.Shutdown(shutdownCtx), s.closeServices(shutdownCtx))
		if err != nil {
			s.shutdownErr = err
			return
		}
		slog.Info("shutdown complete; exiting")
	})
}

// close releases whatever a failed startup left behind.
func (s *Server) close() {
	s.stopJobTicker()
	errs := make([]error, 0, 2)
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Close())
	}
	errs = append(errs, s.closeServices(context.Background()))
	err := errors.Join(errs...)
	if err != nil {
		slog.Warn("failed to release resources", slog.Any("err", err))
	}
}

func (s *Server) closeServices(ctx context.Context) error {
	errs := make([]error, 0, 5)
	if s.limiterBackend != nil {
		errs = append(errs, s.limiterBackend.Close())
	}
	if s.database != nil {
		errs = append(errs, s.database.Close())
	}
	if s.locationService != nil {
		errs = append(errs, s.locationService.Close())
	}
	if s.mailer != nil {
		errs = append(errs, s.mailer.Close())
	}
	if s.telemetryShutdown != nil {
		errs = append(errs, s.telemetryShutdown(ctx))
	}
	return errors.Join(errs...)
}

func (s *Server) initAndStart(config *Config) error {
	inits := []func(*Config) error{
		s.initTelemetry,
		s.initServerConf,
		s.initSecretStore,
		s.initHttpServer,
		s.initMailer,
		s.initTOTP,
		s.initGeoIP,
		s.initDatabase,
		s.initRateLimit,
		s.initUserStore,
		s.initServices,
		s.startJobTicker,
		s.startServer,
	}
	for _, init := range inits {
		err := init(config)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) initTelemetry(config *Config) error {
	shutdown, err := config.toTelemetryConfig().Apply()
	if err != nil {
		return err
	}
	s.telemetryShutdown = shutdown
	s.tracer = otel.Tracer(reflect.TypeFor[Server]().PkgPath())
	return nil
}

func (s *Server) initServerConf(config *Config) error {
	config.toRuntime().Bind()
	s.shutdownTimeout = config.Server.ShutdownTimeout.Duration
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

func (s *Server) initSecretStore(config *Config) error {
	secretStore, err := crypto.NewSecretStore(config.Secret.Key, config.Secret.Iterations)
	if err != nil {
		return fmt.Errorf("%w (cause: %w)", server.ErrConfiguration, err)
	}
	s.secretStore = secretStore
	s.serverKey = []byte(config.Secret.Key)
	s.iterations = config.Secret.Iterations
	return nil
}

func (s *Server) initHttpServer(config *Config) error {
	httpServer := &httpserver.Instance{
		Addr:             config.Server.Address,
		AccessLog:        config.Server.AccessLog,
		AllowedOrigins:   config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
		Headers:          httpserver.SecurityHeaders(config.Server.Protocol == ServerProtocolHttps),
	}
	err := httpServer.Listen()
	if err != nil {
		return err
	}
	if config.Server.PublicURL.Host != "" {
		publicURL := config.Server.PublicURL.URL
		s.publicURL = &publicURL
	}
	s.secureCookies = config.Server.Protocol == ServerProtocolHttps || (s.publicURL != nil && s.publicURL.Scheme == "https")
	if !s.secureCookies {
		slog.Warn("unsecure server protocol; disabling secure cookies")
	}
	trustedProxies, err := httpserver.ParseNetworks(config.Server.TrustedProxies...)
	if err != nil {
		httpServer.Close()
		return err
	}
	httpServer.TrustedProxies = trustedProxies
	networks, err := httpserver.ParseNetworks(config.Server.AdminNetworks...)
	if err != nil {
		httpServer.Close()
		return err
	}
	s.adminPolicy = httpserver.AllowNetworks(networks)
	s.httpServer = httpServer
	return nil
}

func (s *Server) initMailer(config *Config) error {
	if config.Mail.Address == "" {
		slog.Info("no mail server configured; disabling lockout notifications")
		return nil
	}
	mailer, err := config.toMailConfig().NewMailer()
	if err != nil {
		return err
	}
	s.mailer = mailer
	return nil
}

func (s *Server) initTOTP(config *Config) error {
	defaultIssuer := buildinfo.Cmd()
	if s.publicURL != nil {
		defaultIssuer = s.publicURL.Hostname()
	}
	s.totpProvider = config.toTOTPConfig(defaultIssuer).NewProvider()
	return nil
}

func (s *Server) initGeoIP(config *Config) error {
	cache := geoip.NewMemoryCache(config.GeoIP.CacheTTL.Duration, config.GeoIP.CacheCapacity)
	_, err := os.Stat(config.GeoIP.CityDB)
	if err != nil {
		s.locationService = geoip.NewLocationService(geoip.DummyProvider(), cache)
		return nil
	}
	slog.Info("initializing GeoIP provider", slog.String("db", config.GeoIP.CityDB))
	provider, err := geoip.OpenMaxMindDB(config.GeoIP.CityDB)
	if err != nil {
		cache.Close()
		return err
	}
	s.locationService = geoip.NewLocationService(provider, cache)
	return nil
}

func (s *Server) initDatabase(config *Config) error {
	driver, err := openDatabase(config)
	if err != nil {
		return err
	}
	s.database = driver
	return nil
}

func openDatabase(config *Config) (database.Driver, error) {
	logger := slog.With(slog.String("driver", string(config.Database.Type)))
	logger.Info("initializing database")
	var driver database.Driver
	var err error
	switch config.Database.Type {
	case DatabaseTypeMemory:
		driver, err = database.OpenMemoryDB(logger)
	case DatabaseTypeSqlite:
		driver, err = database.OpenSQLite3DB(config.Database.SQLite.File, logger)
	case DatabaseTypePostgres:
		driver, err = database.OpenPostgresDB(config.toPostgresURL(), logger)
	default:
		err = fmt.Errorf("unrecognized database type: '%s'", config.Database.Type)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("updating database schema")
	fromSchema, toSchema, err := driver.UpdateSchema(context.Background())
	if err != nil {
		driver.Close()
		return nil, err
	}
	if fromSchema != toSchema {
		logger.Info("database schema updated", slog.String("from", string(fromSchema)), slog.String("to", string(toSchema)))
	} else {
		logger.Info("database schema already up-to-date")
	}
	return driver, nil
}

func (s *Server) initRateLimit(config *Config) error {
	switch config.RateLimit.Backend {
	case RateLimitBackendMemory:
		s.limiterBackend = ratelimit.NewMemoryBackend()
	case RateLimitBackendDatabase:
		s.limiterBackend = ratelimit.NewDatabaseBackend(s.database)
	default:
		return fmt.Errorf("unrecognized rate limit backend: '%s'", config.RateLimit.Backend)
	}
	slog.Info("rate limit backend initialized", slog.String("backend", s.limiterBackend.Name()))
	return nil
}

func (s *Server) initUserStore(config *Config) error {
	logger := slog.With(slog.String("store", string(config.UserStore.Type)))
	logger.Info("initializing user store")
	var backend userstore.Backend
	var err error
	switch config.UserStore.Type {
	case UserStoreTypeLDAP:
		var ldapConfig *userstore.LDAPConfig
		ldapConfig, err = config.toLDAPUserstoreConfig()
		if err == nil {
			backend, err = userstore.NewLDAPBackend(ldapConfig, logger)
		}
	case UserStoreTypeStatic:
		backend, err = userstore.NewStaticBackend(config.toStaticUsers(), logger)
	default:
		err = fmt.Errorf("unrecognized user store type: '%s'", config.UserStore.Type)
	}
	if err != nil {
		return err
	}
	s.userStore = backend
	return nil
}

func (s *Server) initServices(config *Config) error {
	runtime := serverconf.LookupRuntime()
	verifyLimiter := ratelimit.NewWindowLimiter(s.limiterBackend, "2fa", runtime.MaxVerifyAttempts, config.RateLimit.VerifyWindow.Duration)
	siteLimiter := ratelimit.NewWindowLimiter(s.limiterBackend, "site", config.RateLimit.SiteAttempts, config.RateLimit.SiteWindow.Duration)
	siteAccess, err := server.NewSiteAccessService(s.database, s.secretStore, s.totpProvider, s.serverKey, siteLimiter, s.locationService)
	if err != nil {
		return err
	}
	sessionCookie := server.NewCookieHandler(config.Server.SessionCookie, cookiePath, s.secureCookies, http.SameSiteLaxMode, 0)
	markerCookie, err := server.NewSecureCookieHandler(server.NewCookieHandler(config.Server.MarkerCookie, cookiePath, s.secureCookies, http.SameSiteLaxMode, int(runtime.VerificationLifetime.Seconds())), s.serverKey)
	if err != nil {
		return err
	}
	siteCookie := server.NewCookieHandler(config.Server.SiteCookie, cookiePath, s.secureCookies, http.SameSiteLaxMode, int(runtime.SiteAccessLifetime.Seconds()))
	s.sessions = server.NewUserSessionService(s.database, s.userStore)
	s.twoFactor = server.NewTwoFactorService(s.database, s.secretStore, s.totpProvider, verifyLimiter, s.locationService)
	s.siteAccess = siteAccess
	s.admin = server.NewAdminService(s.database, s.serverKey, s.iterations, s.mailer)
	s.twoFactorGate = server.NewTwoFactorGate(s.sessions, s.twoFactor, sessionCookie, markerCookie)
	s.siteAccessGate = server.NewSiteAccessGate(s.siteAccess, siteCookie)
	return nil
}

func (s *Server) startJobTicker(config *Config) error {
	schedule := config.Server.JobSchedule.Duration
	if schedule <= 0 {
		schedule = defaultJobSchedule
	}
	s.jobTicker = time.NewTicker(schedule)
	s.jobTickerStopped = make(chan bool)
	slog.Info("starting job ticker", slog.String("schedule", schedule.String()))
	s.stoppedWG.Add(1)
	go func() {
		defer s.stoppedWG.Done()
		for stopped := false; !stopped; {
			select {
			case <-s.jobTickerStopped:
				stopped = true
			case <-s.jobTicker.C:
				s.runJobs()
			}
		}
		slog.Info("job ticker stopped")
	}()
	return nil
}

func (s *Server) stopJobTicker() {
	if s.jobTicker == nil {
		return
	}
	s.jobTicker.Stop()
	s.jobTickerStopped <- true
	s.jobTicker = nil
}

func (s *Server) startServer(config *Config) error {
	err := web.Mount(s.httpServer, s.siteAccessGate, s.twoFactorGate)
	if err != nil {
		return err
	}
	noStore := httpserver.NoStoreHeader
	s.httpServer.Handle("POST /api/session/login", httpserver.HeaderHandler(http.HandlerFunc(s.handleSessionLogin), noStore))
	s.httpServer.Handle("POST /api/session/logout", httpserver.HeaderHandler(http.HandlerFunc(s.handleSessionLogout), noStore))
	s.httpServer.Handle("GET /api/session/status", httpserver.HeaderHandler(http.HandlerFunc(s.handleSessionStatus), noStore))
	s.httpServer.Handle("POST /api/2fa", httpserver.HeaderHandler(http.HandlerFunc(s.handleTwoFactor), noStore))
	s.httpServer.Handle("POST /api/site/auth", httpserver.HeaderHandler(http.HandlerFunc(s.handleSiteAuth), noStore))
	s.httpServer.Handle("GET /api/site/session", httpserver.HeaderHandler(http.HandlerFunc(s.handleSiteSession), noStore))
	s.httpServer.Handle("POST /api/admin/auth", httpserver.AccessPolicyHandler(httpserver.HeaderHandler(http.HandlerFunc(s.handleAdminAuth), noStore), s.adminPolicy))
	s.httpServer.Handle("POST /api/site/admin", httpserver.AccessPolicyHandler(httpserver.HeaderHandler(http.HandlerFunc(s.handleSiteAdmin), noStore), s.adminPolicy))
	switch config.Server.Protocol {
	case ServerProtocolHttp:
		return s.httpServer.Serve()
	case ServerProtocolHttps:
		return s.httpServer.ServeTLS(config.Server.CertFile, config.Server.KeyFile)
	default:
		return fmt.Errorf("unexpected server protocol: %s", config.Server.Protocol)
	}
}
