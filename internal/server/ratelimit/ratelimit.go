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

// Package ratelimit counts attempts per key within fixed windows. Counters
// live either in process memory or in the shared database.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Limiter interface {
	// CheckAndIncrement counts an attempt and reports whether it is still
	// within the limit.
	CheckAndIncrement(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

type Backend interface {
	Name() string
	Increment(ctx context.Context, key string, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

type WindowLimiter struct {
	backend Backend
	scope   string
	limit   int
	window  time.Duration
	logger  *slog.Logger
}

func NewWindowLimiter(backend Backend, scope string, limit int, window time.Duration) *WindowLimiter {
	logger := slog.With(slog.String("limiter", scope), slog.String("backend", backend.Name()))
	logger.Info("initializing rate limiter", slog.Int("limit", limit), slog.Duration("window", window))
	return &WindowLimiter{
		backend: backend,
		scope:   scope,
		limit:   limit,
		window:  window,
		logger:  logger,
	}
}

func (l *WindowLimiter) Limit() int {
	return l.limit
}

func (l *WindowLimiter) CheckAndIncrement(ctx context.Context, key string) (bool, error) {
	attempts, err := l.backend.Increment(ctx, l.scopedKey(key), l.window)
	if err != nil {
		return false, fmt.Errorf("failed to update rate limit (cause: %w)", err)
	}
	allowed := attempts <= l.limit
	if !allowed {
		l.logger.Warn("rate limit exceeded", slog.Int("attempts", attempts))
	}
	return allowed, nil
}

func (l *WindowLimiter) Reset(ctx context.Context, key string) error {
	err := l.backend.Reset(ctx, l.scopedKey(key))
	if err != nil {
		return fmt.Errorf("failed to reset rate limit (cause: %w)", err)
	}
	return nil
}

func (l *WindowLimiter) scopedKey(key string) string {
	return l.scope + ":" + key
}
