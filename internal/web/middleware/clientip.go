package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/JonMunkholm/vehicleingest/internal/config"
)

// proxySet is the parsed form of SecurityConfig.TrustedProxies.
type proxySet []netip.Prefix

func parseProxies(entries []string) proxySet {
	var out proxySet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		slog.Warn("ignoring invalid trusted proxy", "entry", e)
	}
	return out
}

func (ps proxySet) trusts(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range ps {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// clientOf resolves the client address of a request that arrived from a
// trusted peer. X-Forwarded-For is read right to left and the first hop not
// owned by a trusted proxy wins; entries left of it were written by the
// client and are not believed. X-Real-IP is used when there is no usable
// X-Forwarded-For.
func (ps proxySet) clientOf(h http.Header) (netip.Addr, bool) {
	if xff := h.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		var last netip.Addr
		for i := len(hops) - 1; i >= 0; i-- {
			a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// A malformed hop ends the chain we can vouch for.
				break
			}
			last = a.Unmap()
			if !ps.trusts(last) {
				return last, true
			}
		}
		if last.IsValid() {
			return last, true
		}
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(h.Get("X-Real-IP"))); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

// ClientIP rewrites RemoteAddr to the client address reported by a trusted
// proxy. Requests from any other peer keep their connection address, so
// rate limiting and audit logs cannot be steered by forged headers.
func ClientIP(sec *config.SecurityConfig) func(http.Handler) http.Handler {
	proxies := parseProxies(sec.TrustedProxies)

	return func(next http.Handler) http.Handler {
		if len(proxies) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peer, err := netip.ParseAddrPort(r.RemoteAddr); err == nil && proxies.trusts(peer.Addr()) {
				if client, ok := proxies.clientOf(r.Header); ok {
					r.RemoteAddr = client.String()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
