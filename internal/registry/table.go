// Package registry models the fixed set of upstream registries and the
// request rewriting rules of the Docker registry v2 protocol.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnknownHost is returned when an inbound host maps to no upstream.
var ErrUnknownHost = errors.New("no upstream registry for host")

// Entry describes one upstream registry reachable through the proxy.
type Entry struct {
	// Prefix is the hostname label clients use, e.g. "docker" in
	// docker.example.com.
	Prefix string
	// BaseURL is the upstream registry root, e.g. https://registry-1.docker.io.
	BaseURL *url.URL
	// TokenRealm is the upstream's token issuance URL when it is a fixed,
	// known property (Docker Hub). Empty means the realm is discovered from
	// the upstream's own WWW-Authenticate challenge.
	TokenRealm *url.URL
	// IsDockerHub marks the entries that need the library/ shortcut and the
	// canonical Bearer-challenge handling.
	IsDockerHub bool
}

// Resolved is the upstream chosen for one inbound request.
type Resolved struct {
	Entry Entry
	// Debug is true when the entry is the catch-all debug upstream rather
	// than a table match.
	Debug bool
}

// Table maps hostname prefixes to upstream registries. It is built once at
// startup and never mutated.
type Table struct {
	customDomain  string
	debugMode     bool
	debugUpstream *url.URL
	entries       map[string]Entry
	prefixes      []string
}

// entrySpec is the raw form of the built-in routing table.
type entrySpec struct {
	prefix     string
	baseURL    string
	tokenRealm string
	dockerHub  bool
}

var builtinEntries = []entrySpec{
	{prefix: "docker", baseURL: "https://registry-1.docker.io", tokenRealm: "https://auth.docker.io/token", dockerHub: true},
	{prefix: "docker-staging", baseURL: "https://registry-1.docker.io", tokenRealm: "https://auth.docker.io/token", dockerHub: true},
	{prefix: "quay", baseURL: "https://quay.io"},
	{prefix: "gcr", baseURL: "https://gcr.io"},
	{prefix: "k8s-gcr", baseURL: "https://k8s.gcr.io"},
	{prefix: "k8s", baseURL: "https://registry.k8s.io"},
	{prefix: "ghcr", baseURL: "https://ghcr.io"},
	{prefix: "cloudsmith", baseURL: "https://docker.cloudsmith.io"},
	{prefix: "ecr", baseURL: "https://public.ecr.aws"},
}

// NewTable builds the routing table for the given custom domain. When
// debugMode is true, hosts that match no entry resolve to debugUpstream
// instead of failing.
func NewTable(customDomain string, debugMode bool, debugUpstream string) (*Table, error) {
	t := &Table{
		customDomain: strings.ToLower(strings.TrimSuffix(customDomain, ".")),
		debugMode:    debugMode,
		entries:      make(map[string]Entry, len(builtinEntries)),
	}

	for _, spec := range builtinEntries {
		base, err := url.Parse(spec.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base URL for %q: %w", spec.prefix, err)
		}
		e := Entry{
			Prefix:      spec.prefix,
			BaseURL:     base,
			IsDockerHub: spec.dockerHub,
		}
		if spec.tokenRealm != "" {
			realm, err := url.Parse(spec.tokenRealm)
			if err != nil {
				return nil, fmt.Errorf("parse token realm for %q: %w", spec.prefix, err)
			}
			e.TokenRealm = realm
		}
		if _, dup := t.entries[spec.prefix]; dup {
			return nil, fmt.Errorf("duplicate routing prefix %q", spec.prefix)
		}
		t.entries[spec.prefix] = e
		t.prefixes = append(t.prefixes, spec.prefix)
	}

	if debugMode {
		u, err := url.Parse(debugUpstream)
		if err != nil {
			return nil, fmt.Errorf("parse debug upstream: %w", err)
		}
		t.debugUpstream = u
	}

	return t, nil
}

// NewTableForTest builds a table from explicit entries instead of the
// built-in set. This is intended only for tests that route to httptest
// servers.
func NewTableForTest(customDomain string, entries ...Entry) *Table {
	t := &Table{
		customDomain: strings.ToLower(customDomain),
		entries:      make(map[string]Entry, len(entries)),
	}
	for _, e := range entries {
		t.entries[e.Prefix] = e
		t.prefixes = append(t.prefixes, e.Prefix)
	}
	return t
}

// Resolve maps an inbound Host header to an upstream registry. The configured
// custom domain suffix is stripped and the remaining label looked up in the
// table; unmatched hosts fall back to the debug upstream in debug mode and
// fail with ErrUnknownHost otherwise. Resolution is pure: no I/O, no state.
func (t *Table) Resolve(host string) (Resolved, error) {
	h := strings.ToLower(host)
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}

	if prefix, ok := strings.CutSuffix(h, "."+t.customDomain); ok {
		if e, ok := t.entries[prefix]; ok {
			return Resolved{Entry: e}, nil
		}
	}

	if t.debugMode {
		return Resolved{
			Entry: Entry{Prefix: "debug", BaseURL: t.debugUpstream},
			Debug: true,
		}, nil
	}

	return Resolved{}, fmt.Errorf("%w: %q", ErrUnknownHost, host)
}

// Hosts returns the fully qualified hostnames the table routes, in table
// order. Used for the diagnostic body on unknown-host errors.
func (t *Table) Hosts() []string {
	hosts := make([]string, 0, len(t.prefixes))
	for _, p := range t.prefixes {
		hosts = append(hosts, p+"."+t.customDomain)
	}
	return hosts
}
