package server

import (
	"net/http"
	"net/url"
	"strings"
)

// originAllowed implements the browser cross-origin policy for the
// WebSocket endpoint.
//
// Non-browser clients send no Origin header and are accepted; the
// header proves nothing a local process could not forge anyway. With an
// allow-list configured, entries match the origin exactly or as a
// prefix, and a single "*" disables the check. Without one, only
// loopback origins and the bound host are accepted. An unparseable
// Origin is rejected.
func originAllowed(r *http.Request, boundHost string, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, entry := range allowed {
		if entry == "*" {
			return true
		}
		if origin == entry || strings.HasPrefix(origin, entry) {
			return true
		}
	}
	if len(allowed) > 0 {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || host == boundHost
}
