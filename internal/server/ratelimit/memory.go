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
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type MemoryBackend struct {
	counters *ttlcache.Cache[string, *atomic.Int64]
}

func NewMemoryBackend() *MemoryBackend {
	counters := ttlcache.New(ttlcache.WithDisableTouchOnHit[string, *atomic.Int64]())
	go counters.Start()
	return &MemoryBackend{counters: counters}
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) Increment(_ context.Context, key string, window time.Duration) (int, error) {
	item, _ := b.counters.GetOrSetFunc(key, func() *atomic.Int64 {
		return &atomic.Int64{}
	}, ttlcache.WithTTL[string, *atomic.Int64](window))
	return int(item.Value().Add(1)), nil
}

func (b *MemoryBackend) Reset(_ context.Context, key string) error {
	b.counters.Delete(key)
	return nil
}

func (b *MemoryBackend) Close() error {
	b.counters.Stop()
	return nil
}
