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

package geoip

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var ErrNotFound = errors.New("location not found")

type Location struct {
	Host        string
	Country     string
	CountryCode string
	City        string
	Lon         float64
	Lat         float64
}

type Provider interface {
	Name() string
	Lookup(host string, addr netip.Addr) (*Location, error)
	Close() error
}

type Cache interface {
	LookupCached(host string) (*Location, bool)
	UpdateCache(host string, location *Location)
	Close() error
}

// LocationService resolves remote hosts to locations for audit records.
// Unknown hosts yield ErrNotFound.
type LocationService struct {
	provider Provider
	cache    Cache
}

func NewLocationService(provider Provider, cache Cache) *LocationService {
	return &LocationService{
		provider: provider,
		cache:    cache,
	}
}

func (s *LocationService) Lookup(host string) (*Location, error) {
	if s.cache == nil {
		return s.lookup(host)
	}
	location, cached := s.cache.LookupCached(host)
	if cached {
		if location == nil {
			return nil, fmt.Errorf("%w (host: %s)", ErrNotFound, host)
		}
		return location, nil
	}
	location, err := s.lookup(host)
	if errors.Is(err, ErrNotFound) {
		s.cache.UpdateCache(host, nil)
		return nil, err
	} else if err != nil {
		return nil, err
	}
	s.cache.UpdateCache(host, location)
	return location, nil
}

func (s *LocationService) lookup(host string) (*Location, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("%w (invalid host address: %s)", ErrNotFound, host)
	}
	return s.provider.Lookup(host, addr.Unmap())
}

func (s *LocationService) Close() error {
	if s.cache == nil {
		return s.provider.Close()
	}
	return errors.Join(s.provider.Close(), s.cache.Close())
}

func DummyProvider() Provider {
	return &dummyProvider{}
}

type dummyProvider struct{}

func (p *dummyProvider) Name() string {
	return "Dummy"
}

func (p *dummyProvider) Lookup(host string, _ netip.Addr) (*Location, error) {
	return nil, fmt.Errorf("%w (host: %s)", ErrNotFound, host)
}

func (p *dummyProvider) Close() error {
	return nil
}

// MemoryCache remembers lookup results, including misses, for a fixed time.
type MemoryCache struct {
	locations *ttlcache.Cache[string, *Location]
}

func NewMemoryCache(ttl time.Duration, capacity uint64) *MemoryCache {
	locations := ttlcache.New(
		ttlcache.WithTTL[string, *Location](ttl),
		ttlcache.WithCapacity[string, *Location](capacity),
		ttlcache.WithDisableTouchOnHit[string, *Location](),
	)
	go locations.Start()
	return &MemoryCache{locations: locations}
}

func (c *MemoryCache) LookupCached(host string) (*Location, bool) {
	item := c.locations.Get(host)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *MemoryCache) UpdateCache(host string, location *Location) {
	c.locations.Set(host, location, ttlcache.DefaultTTL)
}

func (c *MemoryCache) Close() error {
	c.locations.Stop()
	return nil
}
