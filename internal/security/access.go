package security

import (
	"crypto/subtle"
	"net"
	"net/http"
)

// TokenHeader carries the control API token
const TokenHeader = "X-Tachyon-Token"

// AccessPolicy decides whether a control API request may proceed
type AccessPolicy struct {
	// Token, when set, must match the TokenHeader value
	Token string
	// AllowRemote permits non-loopback clients
	AllowRemote bool
}

// Check returns the HTTP status to reject r with, or 0 if r is allowed
func (p AccessPolicy) Check(r *http.Request) (int, string) {
	if !p.AllowRemote && !IsLoopback(r.RemoteAddr) {
		return http.StatusForbidden, "non-local access denied"
	}
	if p.Token != "" {
		got := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(p.Token)) != 1 {
			return http.StatusUnauthorized, "invalid or missing token"
		}
	}
	return 0, ""
}

// IsLoopback reports whether remoteAddr (host:port) is a loopback address
func IsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
