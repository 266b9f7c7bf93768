package httpmw

import (
	"net/http"
	"net/netip"

	"github.com/keithlinneman/paf-admin/internal/log"
)

// PrefixSource returns the current allowlist. Called on every request, so it
// must be cheap, typically an atomic load.
type PrefixSource func() []netip.Prefix

// Allowed reports whether ip falls inside any prefix. An empty list allows
// everything, an unparseable ip never matches a non-empty list.
func Allowed(prefixes []netip.Prefix, ip string) bool {
	if len(prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Allowlist rejects requests whose resolved client IP (see ClientIPWithOptions)
// is outside the current allowlist with 403. onDenied may be nil.
func Allowlist(src PrefixSource, onDenied func(ip string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIPFromContext(r.Context())
			if Allowed(src(), ip) {
				next.ServeHTTP(w, r)
				return
			}

			log.FromContext(r.Context()).Warn(r.Context(), "request outside ip allowlist", "client_ip", ip)
			if onDenied != nil {
				onDenied(ip)
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"forbidden"}`))
		})
	}
}
