package openid

import (
	"fmt"
	"net/url"
	"strings"
)

// Realm is the pattern of URLs a relying party asks the user to trust.
// The host may start with "*." to cover every subdomain.
type Realm struct {
	raw      string
	scheme   string
	host     string
	port     string
	path     string
	wildcard bool
}

// ParseRealm validates a realm (OpenID 1.x trust root).
func ParseRealm(s string) (*Realm, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid realm %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("realm %q must use http or https", s)
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("realm %q must not contain a fragment", s)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("realm %q has no host", s)
	}
	r := &Realm{
		raw:    s,
		scheme: u.Scheme,
		port:   portOrDefault(u),
		path:   u.Path,
	}
	if strings.HasPrefix(host, "*.") {
		r.wildcard = true
		host = host[2:]
	}
	if strings.Contains(host, "*") || host == "" {
		return nil, fmt.Errorf("realm %q has a malformed wildcard", s)
	}
	r.host = host
	if r.path == "" {
		r.path = "/"
	}
	return r, nil
}

// MustParseRealm is ParseRealm for constants.
func MustParseRealm(s string) *Realm {
	r, err := ParseRealm(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Realm) String() string {
	return r.raw
}

// HasWildcard reports whether the realm covers subdomains.
func (r *Realm) HasWildcard() bool {
	return r.wildcard
}

// Contains reports whether returnTo falls inside the realm.
func (r *Realm) Contains(returnTo *url.URL) bool {
	if returnTo == nil || returnTo.Scheme != r.scheme || portOrDefault(returnTo) != r.port {
		return false
	}
	host := strings.ToLower(returnTo.Hostname())
	if r.wildcard {
		if host != r.host && !strings.HasSuffix(host, "."+r.host) {
			return false
		}
	} else if host != r.host {
		return false
	}
	path := returnTo.Path
	if path == "" {
		path = "/"
	}
	if path == r.path {
		return true
	}
	prefix := r.path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(path, prefix)
}

func portOrDefault(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}
