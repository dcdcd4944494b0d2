package openid

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/providentiaww/openauth/pkg/messaging"
)

// ServiceEndpoint is one provider advertised for an identifier.
type ServiceEndpoint struct {
	ProviderEndpoint  *url.URL
	ClaimedIdentifier string
	LocalIdentifier   string
	Version           messaging.Version
	// Priority orders endpoints; lower values are preferred.
	Priority int
}

// ProviderLocalIdentifier is the identifier the provider knows the user by.
func (e ServiceEndpoint) ProviderLocalIdentifier() string {
	if e.LocalIdentifier != "" {
		return e.LocalIdentifier
	}
	return e.ClaimedIdentifier
}

// IsProviderIdentifier reports an endpoint discovered from a provider
// identifier, which asks the provider to select the user's identity.
func (e ServiceEndpoint) IsProviderIdentifier() bool {
	return e.ClaimedIdentifier == IdentifierSelect
}

// Matches compares the (provider endpoint, claimed identifier, local
// identifier, major version) tuple of two endpoints.
func (e ServiceEndpoint) Matches(o ServiceEndpoint) bool {
	if e.ProviderEndpoint == nil || o.ProviderEndpoint == nil {
		return false
	}
	return e.ProviderEndpoint.String() == o.ProviderEndpoint.String() &&
		stripFragment(e.ClaimedIdentifier) == stripFragment(o.ClaimedIdentifier) &&
		e.ProviderLocalIdentifier() == o.ProviderLocalIdentifier() &&
		e.Version.Major == o.Version.Major
}

func (e ServiceEndpoint) String() string {
	return fmt.Sprintf("%s (claimed %s, local %s, OpenID %s)", e.ProviderEndpoint, e.ClaimedIdentifier, e.ProviderLocalIdentifier(), e.Version)
}

// Discoverer resolves an identifier to its advertised endpoints, preferred
// first. Results are used as returned and never modified.
type Discoverer interface {
	Discover(ctx context.Context, identifier string) ([]ServiceEndpoint, error)
}

// StaticDiscoverer serves fixed results keyed by normalized identifier.
type StaticDiscoverer map[string][]ServiceEndpoint

func (d StaticDiscoverer) Discover(_ context.Context, identifier string) ([]ServiceEndpoint, error) {
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	found := d[stripFragment(id)]
	out := make([]ServiceEndpoint, len(found))
	copy(out, found)
	SortEndpoints(out)
	return out, nil
}

// SortEndpoints orders endpoints by priority, then by newer protocol version.
func SortEndpoints(endpoints []ServiceEndpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Priority != endpoints[j].Priority {
			return endpoints[i].Priority < endpoints[j].Priority
		}
		return endpoints[i].Version.Major > endpoints[j].Version.Major
	})
}

// IsXRI reports whether s is an XRI i-name or i-number.
func IsXRI(s string) bool {
	if strings.HasPrefix(strings.ToLower(s), "xri://") {
		return true
	}
	return s != "" && strings.ContainsRune("=@+$!(", rune(s[0]))
}

// NormalizeIdentifier turns a user-supplied identifier into its canonical
// form: XRIs lose any xri:// prefix, URLs get a scheme, a lowercase host and
// at least a root path.
func NormalizeIdentifier(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("identifier is empty")
	}
	if IsXRI(s) {
		if strings.HasPrefix(strings.ToLower(s), "xri://") {
			s = s[len("xri://"):]
		}
		return s, nil
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("identifier %q has no host", s)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func stripFragment(id string) string {
	if i := strings.IndexByte(id, '#'); i >= 0 && !IsXRI(id) {
		return id[:i]
	}
	return id
}
