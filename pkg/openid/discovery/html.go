// Package discovery resolves URL identifiers to OpenID endpoints from the
// <link> elements of the identifier's HTML page.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
)

const defaultMaxBodyBytes = 512 << 10

// ErrXRIUnsupported is returned for XRI identifiers, which need XRDS resolution.
var ErrXRIUnsupported = errors.New("XRI identifiers are not supported by HTML discovery")

// HTMLDiscoverer fetches an identifier page and reads its OpenID link relations.
type HTMLDiscoverer struct {
	Client messaging.Doer
	// MaxBodyBytes bounds how much of the page is read. Zero uses 512 KiB.
	MaxBodyBytes int64
}

// NewHTMLDiscoverer uses client, or http.DefaultClient when nil.
func NewHTMLDiscoverer(client messaging.Doer) *HTMLDiscoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTMLDiscoverer{Client: client}
}

// Discover returns the 2.0 endpoint before the 1.x one when a page advertises both.
// The claimed identifier is the page URL after redirects.
func (d *HTMLDiscoverer) Discover(ctx context.Context, identifier string) ([]openid.ServiceEndpoint, error) {
	if openid.IsXRI(identifier) {
		return nil, fmt.Errorf("%w: %s", ErrXRIUnsupported, identifier)
	}
	normalized, err := openid.NormalizeIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html, application/xhtml+xml")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", normalized, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", normalized, resp.StatusCode)
	}

	claimed := normalized
	if resp.Request != nil && resp.Request.URL != nil {
		final := *resp.Request.URL
		final.Fragment = ""
		claimed = final.String()
	}

	limit := d.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	links := readLinks(io.LimitReader(resp.Body, limit))

	var endpoints []openid.ServiceEndpoint
	if ep, ok := endpointFrom(links, "openid2.provider", "openid2.local_id", claimed, openid.V20); ok {
		endpoints = append(endpoints, ep)
	}
	if ep, ok := endpointFrom(links, "openid.server", "openid.delegate", claimed, openid.V11); ok {
		endpoints = append(endpoints, ep)
	}
	openid.SortEndpoints(endpoints)
	return endpoints, nil
}

func endpointFrom(links map[string]string, providerRel, localRel, claimed string, v messaging.Version) (openid.ServiceEndpoint, bool) {
	raw, ok := links[providerRel]
	if !ok {
		return openid.ServiceEndpoint{}, false
	}
	provider, err := url.Parse(raw)
	if err != nil || !provider.IsAbs() {
		return openid.ServiceEndpoint{}, false
	}
	return openid.ServiceEndpoint{
		ProviderEndpoint:  provider,
		ClaimedIdentifier: claimed,
		LocalIdentifier:   links[localRel],
		Version:           v,
	}, true
}

// readLinks collects the first href of each rel value in the document head.
func readLinks(r io.Reader) map[string]string {
	links := make(map[string]string)
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.EndTagToken:
			if name, _ := z.TagName(); atom.Lookup(name) == atom.Head {
				return links
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch atom.Lookup(name) {
			case atom.Body:
				return links
			case atom.Link:
				if !hasAttr {
					continue
				}
				var rel, href string
				for more := true; more; {
					var key, val []byte
					key, val, more = z.TagAttr()
					switch string(key) {
					case "rel":
						rel = string(val)
					case "href":
						href = strings.TrimSpace(string(val))
					}
				}
				if href == "" {
					continue
				}
				for _, value := range strings.Fields(strings.ToLower(rel)) {
					if _, seen := links[value]; !seen {
						links[value] = href
					}
				}
			}
		}
	}
}
