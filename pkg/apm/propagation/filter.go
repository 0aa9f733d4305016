// Package propagation implements component G: HTTP and gRPC middleware
// that stamps inbound spans with conventional fields, injects outbound
// traceparent headers, and the ignore-URL filter.
package propagation

import (
	"regexp"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PathFilter matches request pathnames against a compiled, read-only
// regex. Matching is memoized by a hash of the pathname, since the same
// handful of paths (health checks, readiness probes) tend to recur on
// every request and a regex match is not free.
type PathFilter struct {
	re    *regexp.Regexp
	cache sync.Map // uint64 -> bool
}

// NewPathFilter compiles pattern once. A nil *PathFilter (from passing
// an empty pattern) matches nothing.
func NewPathFilter(pattern string) (*PathFilter, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &PathFilter{re: re}, nil
}

// Match reports whether pathname should be suppressed.
func (f *PathFilter) Match(pathname string) bool {
	if f == nil {
		return false
	}
	h := xxhash.Sum64String(pathname)
	if cached, ok := f.cache.Load(h); ok {
		return cached.(bool)
	}
	matched := f.re.MatchString(pathname)
	f.cache.Store(h, matched)
	return matched
}
