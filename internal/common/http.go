package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller address from RemoteAddr without its port.
// Forwarding headers are resolved earlier by chi's RealIP middleware, so they
// are not consulted here.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
