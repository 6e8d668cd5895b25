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


package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/tdrn-org/gated/internal/trace"
)

type AccessPolicy interface {
	Allow(remoteIP netip.Addr) bool
}

// AccessPolicyHandler answers 403 to clients not allowed by the policy. A
// nil policy allows everybody.
func AccessPolicyHandler(handler http.Handler, policy AccessPolicy) http.Handler {
	if policy == nil {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteIP := trace.RemoteIP(r)
		addr, err := netip.ParseAddr(remoteIP)
		if err != nil || !policy.Allow(addr.Unmap()) {
			slog.Warn("access denied by policy", slog.String("remote", remoteIP), slog.String("path", r.URL.Path))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// Networks is a list of address prefixes. Single addresses are accepted
// as host prefixes.
type Networks []netip.Prefix

func ParseNetworks(cidrs ...string) (Networks, error) {
	networks := make(Networks, 0, len(cidrs))
	for _, cidr := range cidrs {
		network, err := netip.ParsePrefix(cidr)
		if err != nil {
			addr, addrErr := netip.ParseAddr(cidr)
			if addrErr != nil {
				return nil, fmt.Errorf("failed to parse network: '%s' (cause: %w)", cidr, err)
			}
			network = netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen())
		}
		networks = append(networks, network.Masked())
	}
	return networks, nil
}

func (n Networks) Contains(addr netip.Addr) bool {
	for _, network := range n {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowNetworks restricts access to the given networks. An empty list
// yields the nil policy.
func AllowNetworks(networks Networks) AccessPolicy {
	if len(networks) == 0 {
		return nil
	}
	return networkAccessPolicy(networks)
}

type networkAccessPolicy Networks

func (p networkAccessPolicy) Allow(remoteIP netip.Addr) bool {
	return Networks(p).Contains(remoteIP)
}
