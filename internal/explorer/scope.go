// internal/explorer/scope.go
package explorer

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Scope bounds a traversal to the seed's own site. The seed host is always
// in scope; with subdomains enabled, anything under the seed's registrable
// domain (eTLD+1) qualifies too.
type Scope struct {
	host              string
	rootDomain        string
	includeSubdomains bool
}

// NewScope derives the boundary from the seed URL.
func NewScope(seedURL string, includeSubdomains bool) (*Scope, error) {
	u, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", seedURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("seed url %q has no hostname", seedURL)
	}

	// The Public Suffix List gives the organizational domain, so
	// "app.example.co.uk" scopes to "example.co.uk" rather than "co.uk".
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Bare hosts (localhost, raw IPs) have no eTLD+1; scope collapses
		// to the exact host.
		root = host
	}

	return &Scope{
		host:              host,
		rootDomain:        root,
		includeSubdomains: includeSubdomains,
	}, nil
}

// Allows reports whether the URL stays inside the boundary.
func (s *Scope) Allows(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == s.host {
		return true
	}
	if !s.includeSubdomains {
		return false
	}
	// Require the dot boundary so "notexample.com" never matches
	// "example.com".
	return host == s.rootDomain || strings.HasSuffix(host, "."+s.rootDomain)
}

// RootDomain returns the registrable domain the scope was derived from.
func (s *Scope) RootDomain() string {
	return s.rootDomain
}
