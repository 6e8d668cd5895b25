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

package ratelimit

import (
	"context"
	"time"
)

type Store interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int, error)
	DeleteRateLimit(ctx context.Context, key string) error
}

// DatabaseBackend shares counters between all instances using the same database.
type DatabaseBackend struct {
	store Store
}

func NewDatabaseBackend(store Store) *DatabaseBackend {
	return &DatabaseBackend{store: store}
}

func (b *DatabaseBackend) Name() string {
	return "database"
}

func (b *DatabaseBackend) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	return b.store.IncrementRateLimit(ctx, key, window)
}

func (b *DatabaseBackend) Reset(ctx context.Context, key string) error {
	return b.store.DeleteRateLimit(ctx, key)
}

func (b *DatabaseBackend) Close() error {
	return nil
}
