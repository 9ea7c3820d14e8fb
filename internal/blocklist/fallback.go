package blocklist

import (
	"fmt"
	"os"

	"github.com/riskcheck/riskcheck/internal/config"
)

// FallbackSet is the static host list consulted before any remote source.
// It is immutable once built.
type FallbackSet struct {
	hosts HostSet
}

// NewFallbackSet builds the set from inline hosts and host files. Entries go
// through the same normalization as remote lists.
func NewFallbackSet(cfg config.FallbackConfig) (*FallbackSet, error) {
	hosts := make(HostSet, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if n, ok := NormalizeEntry(h); ok {
			hosts[n] = struct{}{}
		}
	}

	for _, path := range cfg.Files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening fallback file: %w", err)
		}
		res, err := ParseHosts(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading fallback file %s: %w", path, err)
		}
		for h := range res.Hosts {
			hosts[h] = struct{}{}
		}
	}

	return &FallbackSet{hosts: hosts}, nil
}

// Contains reports whether host is in the fallback list.
func (f *FallbackSet) Contains(host string) bool {
	if f == nil {
		return false
	}
	return f.hosts.Contains(host)
}

// Len returns the number of hosts in the set.
func (f *FallbackSet) Len() int {
	if f == nil {
		return 0
	}
	return len(f.hosts)
}
