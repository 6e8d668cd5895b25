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

// Package httpserver provides the HTTP listener of the gate daemon together
// with CORS handling, access logging, response headers and access policies.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/tdrn-org/gated/internal/trace"
	"github.com/tdrn-org/go-tlsconf/tlsserver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Handler interface {
	Handle(pattern string, handler http.Handler)
	HandleFunc(pattern string, handler http.HandlerFunc)
}

const serverFailureMessage = "http server failure"

const readHeaderTimeout = 10 * time.Second

var defaultAllowedHeaders = []string{"Authorization", "Content-Type", "X-Site-Access-Token"}

// Instance is a single HTTP(S) listener. Configure the exported fields
// before calling Serve or ServeTLS.
type Instance struct {
	Addr             string
	AccessLog        bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	Headers          Headers
	// TrustedProxies lists the peers whose forwarding headers are honored.
	TrustedProxies Networks
	listener         net.Listener
	listenerAddr     string
	mux              *http.ServeMux
	baseURL          *url.URL
	logger           *slog.Logger
	tracer           oteltrace.Tracer
	httpServer       *http.Server
	stoppedWG        sync.WaitGroup
}

func (s *Instance) Listen() error {
	if s.listener != nil {
		return nil
	}
	serverHost, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("failed to decode server address %s (cause: %w)", s.Addr, err)
	}
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on address %s (cause: %w)", s.Addr, err)
	}
	listenerAddr := listener.Addr().String()
	_, listenerPort, err := net.SplitHostPort(listenerAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to decode listener address %s (cause: %w)", listenerAddr, err)
	}
	s.listener = listener
	s.listenerAddr = net.JoinHostPort(serverHost, listenerPort)
	return nil
}

func (s *Instance) MustListen() *Instance {
	err := s.Listen()
	if err != nil {
		slog.Error(serverFailureMessage, slog.String("server", s.Addr), slog.Any("err", err))
		panic(err)
	}
	return s
}

func (s *Instance) ListenerAddr() string {
	return s.listenerAddr
}

func (s *Instance) serveMux() *http.ServeMux {
	if s.mux == nil {
		s.mux = http.NewServeMux()
	}
	return s.mux
}

func (s *Instance) Handle(pattern string, handler http.Handler) {
	slog.Debug("http server pattern", slog.String("server", s.Addr), slog.String("pattern", pattern))
	s.serveMux().Handle(pattern, handler)
}

func (s *Instance) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.Handle(pattern, handler)
}

func (s *Instance) BaseURL() *url.URL {
	return s.baseURL
}

func (s *Instance) prepareServe(schema string) (*cors.Cors, error) {
	err := s.Listen()
	if err != nil {
		return nil, err
	}
	s.serveMux()
	baseURL, err := url.Parse(schema + "://" + s.listenerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL (cause: %w)", err)
	}
	s.baseURL = baseURL
	s.logger = slog.With(slog.Any("baseURL", s.baseURL))
	s.tracer = otel.Tracer(reflect.TypeFor[Instance]().PkgPath())
	allowedHeaders := s.AllowedHeaders
	if len(allowedHeaders) == 0 {
		allowedHeaders = defaultAllowedHeaders
	}
	corsOptions := cors.Options{
		AllowedOrigins:   s.AllowedOrigins,
		AllowedMethods:   s.AllowedMethods,
		AllowedHeaders:   allowedHeaders,
		AllowCredentials: s.AllowCredentials,
	}
	return cors.New(corsOptions), nil
}

func (s *Instance) newHttpServer(cors *cors.Cors, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              s.Addr,
		Handler:           cors.Handler(s),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (s *Instance) runServe(serve func() error) {
	s.stoppedWG.Add(1)
	go func() {
		defer s.stoppedWG.Done()
		s.logger.Info("http server started")
		err := serve()
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(serverFailureMessage, slog.Any("err", err))
		} else {
			s.logger.Info("http server stopped")
		}
	}()
}

func (s *Instance) Serve() error {
	cors, err := s.prepareServe("http")
	if err != nil {
		return err
	}
	s.httpServer = s.newHttpServer(cors, nil)
	s.runServe(func() error {
		return s.httpServer.Serve(s.listener)
	})
	return nil
}

// ServeTLS serves https. Without certificate and key files an ephemeral
// certificate for the listener address is generated.
func (s *Instance) ServeTLS(certFile string, keyFile string) error {
	cors, err := s.prepareServe("https")
	if err != nil {
		return err
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile == "" && keyFile == "" {
		s.logger.Info("using ephemeral certificate")
		certificate, err := tlsserver.GenerateEphemeralCertificate(s.listenerAddr, tlsserver.CertificateAlgorithmDefault)
		if err != nil {
			return err
		}
		tlsConfig.Certificates = append(tlsConfig.Certificates, *certificate)
	}
	s.httpServer = s.newHttpServer(cors, tlsConfig)
	s.runServe(func() error {
		return s.httpServer.ServeTLS(s.listener, certFile, keyFile)
	})
	return nil
}

func (s *Instance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), r.URL.Path, oteltrace.WithSpanKind(oteltrace.SpanKindServer))
	defer span.End()
	remoteIP := trace.ForwardedIP(r, s.TrustedProxies.Contains)
	traceR := trace.WithRemoteIP(r.WithContext(traceCtx), remoteIP)
	span.SetAttributes(attribute.String("http.request.method", r.Method), attribute.String("client.address", remoteIP))
	s.Headers.Apply(w, traceR)
	wrappedW := &wrappedResponseWriter{wrapped: w, statusCode: http.StatusOK}
	if !s.AccessLog {
		s.mux.ServeHTTP(wrappedW, traceR)
	} else {
		log := &logBuilder{}
		log.appendHost(remoteIP)
		log.appendTime()
		log.appendRequest(r.Method, r.URL.Path, r.Proto)
		s.mux.ServeHTTP(wrappedW, traceR)
		log.appendStatus(wrappedW.statusCode, wrappedW.written)
		log.appendUserAgent(r.UserAgent())
		s.logger.Info(log.String())
	}
	span.SetAttributes(attribute.Int("http.response.status_code", wrappedW.statusCode))
}

func (s *Instance) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Instance) Close() error {
	if s.httpServer == nil {
		if s.listener != nil {
			return s.listener.Close()
		}
		return nil
	}
	return s.httpServer.Close()
}

func (s *Instance) WaitStopped() {
	s.stoppedWG.Wait()
}

type wrappedResponseWriter struct {
	wrapped     http.ResponseWriter
	written     int
	statusCode  int
	wroteHeader bool
}

func (w *wrappedResponseWriter) Header() http.Header {
	return w.wrapped.Header()
}

func (w *wrappedResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	written, err := w.wrapped.Write(b)
	w.written += written
	return written, err
}

func (w *wrappedResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.wrapped.WriteHeader(statusCode)
}

func (w *wrappedResponseWriter) Unwrap() http.ResponseWriter {
	return w.wrapped
}

type logBuilder struct {
	strings.Builder
}

func (b *logBuilder) appendHost(remoteIP string) {
	if remoteIP != "" {
		b.WriteString(remoteIP)
	} else {
		b.WriteRune('-')
	}
	b.WriteString(" - -")
}

func (b *logBuilder) appendTime() {
	b.WriteString(time.Now().Format(" [02/Jan/2006:15:04:05 -0700]"))
}

func (b *logBuilder) appendRequest(method string, path string, proto string) {
	b.WriteString(" \"")
	b.WriteString(method)
	b.WriteRune(' ')
	b.WriteString(path)
	b.WriteRune(' ')
	b.WriteString(proto)
	b.WriteRune('"')
}

func (b *logBuilder) appendStatus(statusCode int, written int) {
	b.WriteRune(' ')
	b.WriteString(strconv.Itoa(statusCode))
	b.WriteRune(' ')
	b.WriteString(strconv.Itoa(written))
}

func (b *logBuilder) appendUserAgent(userAgent string) {
	b.WriteString(" \"-\" ")
	b.WriteString(strconv.Quote(userAgent))
}
