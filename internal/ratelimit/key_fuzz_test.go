package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// FuzzClientIPExtract feeds adversarial RemoteAddr and proxy header values
// through the client-IP extractor. A non-empty result must always be an IP.
func FuzzClientIPExtract(f *testing.F) {
	f.Add("192.168.1.1:8080", "", "")
	f.Add("10.0.0.1:1234", "1.2.3.4, 5.6.7.8", "9.10.11.12")
	f.Add("[::1]:80", "::ffff:192.168.0.1", "")
	f.Add("not-an-ip", "also-not-an-ip, ,,,,", "")
	f.Add("", "", "")
	f.Add("127.0.0.1:0", "127.0.0.1, 10.0.0.1, 192.168.1.1", "")

	f.Fuzz(func(t *testing.T, remoteAddr, xff, xRealIP string) {
		strategy := NewKeyStrategy(true)

		req := httptest.NewRequest(http.MethodGet, "/fuzz", nil)
		req.RemoteAddr = remoteAddr
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		if xRealIP != "" {
			req.Header.Set("X-Real-Ip", xRealIP)
		}

		id, err := strategy.Extract(req)
		if err != nil {
			if id != "" {
				t.Fatalf("error with non-empty id %q", id)
			}
			return
		}
		if _, ok := parseIP(id); !ok {
			t.Fatalf("extracted id %q is not an IP", id)
		}
	})
}
