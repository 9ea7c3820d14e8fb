package blocklist

import (
	"bufio"
	"errors"
	"io"
	"net/url"
	"strings"
	"unicode"
)

const (
	// MaxLineLength is the longest trimmed line considered as an entry.
	MaxLineLength = 255
	// MaxLines caps how many lines of one list are read. Later lines are
	// dropped without error.
	MaxLines = 100_000
)

// HostSet is a set of normalized hostnames.
type HostSet map[string]struct{}

// Contains reports whether host is in the set.
func (s HostSet) Contains(host string) bool {
	_, ok := s[host]
	return ok
}

// approxCost estimates the memory held by the set, for store accounting.
func (s HostSet) approxCost() int64 {
	var n int64 = 64
	for h := range s {
		n += int64(len(h)) + 48
	}
	return n
}

// ParseResult carries a parsed list and what the parser skipped.
type ParseResult struct {
	Hosts     HostSet
	Lines     int
	Truncated bool
}

// ParseHosts reads one host or http(s) URL per line. Lines are trimmed;
// blank lines, lines longer than MaxLineLength and entries that do not
// normalize to a dotted hostname are skipped. Only the first MaxLines lines
// are read.
func ParseHosts(r io.Reader) (ParseResult, error) {
	br := bufio.NewReaderSize(r, 4096)
	res := ParseResult{Hosts: make(HostSet)}

	for {
		line, isPrefix, err := br.ReadLine()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		if res.Lines == MaxLines {
			res.Truncated = true
			return res, nil
		}
		res.Lines++

		// A line that does not fit the buffer is far over MaxLineLength;
		// drain it and move on.
		if isPrefix {
			for isPrefix && err == nil {
				_, isPrefix, err = br.ReadLine()
			}
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			if err != nil {
				return res, err
			}
			continue
		}

		if host, ok := NormalizeEntry(string(line)); ok {
			res.Hosts[host] = struct{}{}
		}
	}
}

// NormalizeEntry turns one list line into a hostname. It accepts a bare
// host or an http(s) URL, lowercases it and strips a leading "www.".
func NormalizeEntry(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > MaxLineLength {
		return "", false
	}
	lowered := strings.ToLower(line)

	host := lowered
	if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") {
		u, err := url.Parse(lowered)
		if err != nil {
			return "", false
		}
		host = u.Hostname()
	}
	host = strings.TrimPrefix(host, "www.")

	if !strings.Contains(host, ".") || strings.IndexFunc(host, unicode.IsSpace) >= 0 {
		return "", false
	}
	return host, true
}
