package opshttp

import (
	"net/http"
	"net/netip"

	"github.com/keithlinneman/paf-admin/internal/log"
)

// requireNonPublicNetwork answers only loopback, private and link-local TCP
// peers. Security groups close the port too. Forwarded headers are ignored.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := internalPeer(r.RemoteAddr)
		if !ok {
			L.Warn(r.Context(), "ops request rejected", "remote_ip", peer, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// internalPeer reports whether remoteAddr is a non-public address. It also
// returns the parsed host for logging, empty when unparseable.
func internalPeer(remoteAddr string) (string, bool) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return "", false
	}
	ip := ap.Addr().Unmap()
	return ip.String(), ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
