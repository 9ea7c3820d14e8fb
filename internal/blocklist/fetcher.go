package blocklist

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/riskcheck/riskcheck/internal/config"
)

// FetchError reports a failed or unusable download. It never leaves the
// Refresher; the source just contributes no match until the next retry.
type FetchError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrEmptyBody is reported when a list downloads with no content.
var ErrEmptyBody = errors.New("empty body")

// ErrBodyTooLarge is reported when a list exceeds the configured size.
var ErrBodyTooLarge = errors.New("body too large")

// Response is the result of one download.
type Response struct {
	StatusCode int
	Body       []byte
}

// Fetcher downloads a list. Implementations apply their own timeout.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// HTTPFetcher downloads lists with a plain HTTP GET.
type HTTPFetcher struct {
	client    *http.Client
	maxBody   int64
	userAgent string
}

// NewHTTPFetcher builds a fetcher from the fetch config section.
func NewHTTPFetcher(cfg config.FetchConfig, logger *slog.Logger) *HTTPFetcher {
	timeout := config.MustParseDuration(cfg.Timeout, 30*time.Second)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify, //nolint:gosec // Opt-in for lists behind broken certificates.
		},
	}
	if cfg.TLSInsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled for blocklist downloads")
	}

	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout, Transport: transport},
		maxBody:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
	}
}

// Fetch performs the GET. Non-2xx responses are returned with their status
// and no error; the body of a 2xx response is read up to the size cap.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/plain, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &Response{StatusCode: resp.StatusCode}, nil
	}

	var body io.Reader = resp.Body
	if f.maxBody > 0 {
		body = io.LimitReader(resp.Body, f.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if f.maxBody > 0 && int64(len(data)) > f.maxBody {
		return nil, ErrBodyTooLarge
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() {
	f.client.CloseIdleConnections()
}
