package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// unknownClient is recorded when the peer address cannot be parsed at all.
const unknownClient = "0.0.0.0"

// ClientIPOptions controls how the caller's address is resolved.
type ClientIPOptions struct {
	// TrustedHops counts the reverse proxies in front of the public listener.
	// 0 ignores X-Forwarded-For, 1 takes its last entry (a single ALB),
	// 2 takes the one before that (CDN then ALB) and so on.
	TrustedHops int
}

// ClientIP resolves the caller address from the socket only.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved caller address in the request
// context. The allowlist, rate limiters and access log all key on it.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP trusts X-Forwarded-For only when the socket peer sits in
// private address space and hops are configured. Whenever the header is not
// used it is deleted along with X-Forwarded-Proto, so nothing further down
// can read a spoofed value.
func resolveClientIP(r *http.Request, hops int) string {
	if r.RemoteAddr == "" {
		return unknownClient
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return unknownClient
	}

	if hops <= 0 || !peer.Unmap().IsPrivate() {
		dropForwarded(r.Header)
		return host
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	entries := strings.Split(xff, ",")
	i := len(entries) - hops
	if i < 0 {
		// shorter chain than the proxies we expect
		dropForwarded(r.Header)
		return host
	}
	candidate := strings.TrimSpace(entries[i])
	if _, err := netip.ParseAddr(candidate); err != nil {
		return host
	}
	return candidate
}

func dropForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the address stored by ClientIPWithOptions.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// WithClientIP stores ip in ctx. An empty ip leaves ctx unchanged.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
