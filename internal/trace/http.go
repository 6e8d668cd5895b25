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


package trace

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type remoteIPKey struct{}

// WithRemoteIP attaches the resolved client address to the request.
func WithRemoteIP(r *http.Request, remoteIP string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), remoteIPKey{}, remoteIP))
}

// RemoteIP returns the client address resolved by the listener. Requests
// not passing the listener fall back to the peer address.
func RemoteIP(r *http.Request) string {
	remoteIP, ok := r.Context().Value(remoteIPKey{}).(string)
	if ok && remoteIP != "" {
		return remoteIP
	}
	return PeerIP(r)
}

func PeerIP(r *http.Request) string {
	peerIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return peerIP
}

// ForwardedIP resolves the client address of a request. Forwarding headers
// are only evaluated if the peer is trusted. For X-Forwarded-For the
// right-most untrusted hop wins.
func ForwardedIP(r *http.Request, trusted func(netip.Addr) bool) string {
	peerIP := PeerIP(r)
	if trusted == nil || !isTrusted(peerIP, trusted) {
		return peerIP
	}
	for _, header := range []string{"True-Client-IP", "X-Real-IP"} {
		remoteIP := strings.TrimSpace(r.Header.Get(header))
		if _, err := netip.ParseAddr(remoteIP); err == nil {
			return remoteIP
		}
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
	}
	return peerIP
}

func isTrusted(ip string, trusted func(netip.Addr) bool) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return trusted(addr.Unmap())
}
