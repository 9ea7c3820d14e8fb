package ratelimit

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ErrNoClientID is returned when a request carries no usable client address.
// Callers fail open on it.
var ErrNoClientID = errors.New("no usable client address")

// KeyStrategy extracts a client identifier from an HTTP request.
type KeyStrategy interface {
	Extract(req *http.Request) (string, error)
}

// ClientIPStrategy identifies clients by IP address.
type ClientIPStrategy struct {
	// TrustProxyHeaders enables X-Forwarded-For and X-Real-IP. Leave it off
	// when clients connect directly, since the headers are client-controlled.
	TrustProxyHeaders bool
}

// Extract returns the client IP, checking X-Forwarded-For (first entry),
// X-Real-IP, then RemoteAddr. Header values that are not IP addresses are
// skipped.
func (s *ClientIPStrategy) Extract(req *http.Request) (string, error) {
	if s.TrustProxyHeaders {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, ok := parseIP(first); ok {
				return ip, nil
			}
		}

		if ip, ok := parseIP(req.Header.Get("X-Real-IP")); ok {
			return ip, nil
		}
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if ip, ok := parseIP(host); ok {
		return ip, nil
	}
	return "", ErrNoClientID
}

// parseIP returns the canonical text form of an IP address literal.
func parseIP(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// NewKeyStrategy creates the client-IP strategy.
func NewKeyStrategy(trustProxyHeaders bool) KeyStrategy {
	return &ClientIPStrategy{TrustProxyHeaders: trustProxyHeaders}
}
