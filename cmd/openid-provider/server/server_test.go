package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/openauth/internal/config"
	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
	"github.com/providentiaww/openauth/pkg/openid/discovery"
	"github.com/providentiaww/openauth/pkg/openid/extensions/ax"
	"github.com/providentiaww/openauth/pkg/openid/provider"
	"github.com/providentiaww/openauth/pkg/openid/relyingparty"
)

type grants struct {
	mu      sync.Mutex
	granted []string
	errors  int
}

func (g *grants) ReportError(context.Context, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errors++
}

func (g *grants) RecordGrant(_ context.Context, _, subject, _ string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted = append(g.granted, subject)
}

func (g *grants) subjects() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.granted...)
}

type fixture struct {
	srv    *httptest.Server
	server *Server
	grants *grants
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	dir := &config.Directory{Users: []config.User{
		{Username: "andrew", PasswordHash: string(hash), Email: "andrew@example.com", FullName: "Andrew Arnott"},
		{Username: "bob", PasswordHash: string(hash)},
	}}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base, _ := url.Parse(srv.URL)

	registry := openid.NewExtensionRegistry()
	ax.Register(registry)
	g := &grants{}
	endpoint, err := config.Settings{PublicURL: srv.URL}.Endpoint("/openid/provider")
	if err != nil {
		t.Fatal(err)
	}
	op, err := provider.New(provider.Options{
		Endpoint:   endpoint,
		Extensions: registry,
		Reporter:   g,
	})
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	s := New(op, dir, base, g)
	s.Routes(mux)
	return &fixture{srv: srv, server: s, grants: g}
}

func (f *fixture) relyingParty(t *testing.T) *relyingparty.RelyingParty {
	t.Helper()
	registry := openid.NewExtensionRegistry()
	ax.Register(registry)
	rp, err := relyingparty.New(relyingparty.Options{
		Discoverer:   discovery.NewCachingDiscoverer(discovery.NewHTMLDiscoverer(f.srv.Client()), time.Minute),
		Associations: openid.NewMemoryAssociationStore(openid.DefaultMinimumUsefulLife),
		Extensions:   registry,
		Client:       f.srv.Client(),
	})
	if err != nil {
		t.Fatalf("relyingparty.New: %v", err)
	}
	return rp
}

// visit sends the user agent to the provider, signed in as user when user
// is not empty, and returns the provider's answer.
func visit(t *testing.T, out *messaging.OutgoingResponse, user string) *http.Response {
	t.Helper()
	if out.Status != http.StatusFound {
		t.Fatalf("expected redirect, got %d", out.Status)
	}
	req, err := http.NewRequest(http.MethodGet, out.Location(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.SetBasicAuth(user, "secret")
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET provider: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestSignInWithAttributeExchange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rp := f.relyingParty(t)
	ctx := context.Background()
	identity := f.srv.URL + "/user/andrew"

	req, err := rp.CreateRequest(ctx, identity, "http://rp.example/", &url.URL{Scheme: "http", Host: "rp.example", Path: "/return"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	fetch := &ax.FetchRequest{}
	fetch.Add(AXEmail, true)
	fetch.Add(AXFullName, false)
	req.AddExtension(fetch)
	out, err := req.RedirectingResponse(ctx)
	if err != nil {
		t.Fatalf("RedirectingResponse: %v", err)
	}

	resp := visit(t, out, "andrew")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("provider answered %d", resp.StatusCode)
	}
	result, err := rp.GetResponse(ctx, httptest.NewRequest(http.MethodGet, resp.Header.Get("Location"), nil))
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if result.Status != relyingparty.Authenticated || result.ClaimedIdentifier != identity {
		t.Fatalf("status = %s, claimed = %q, err = %v", result.Status, result.ClaimedIdentifier, result.Err)
	}
	attrs, ok := result.GetExtension(ax.TypeURI).(*ax.FetchResponse)
	if !ok {
		t.Fatalf("no signed fetch response")
	}
	if v, _ := attrs.Value(AXEmail); v != "andrew@example.com" {
		t.Fatalf("email = %q", v)
	}
	if v, _ := attrs.Value(AXFullName); v != "Andrew Arnott" {
		t.Fatalf("full name = %q", v)
	}
	if got := f.grants.subjects(); len(got) != 1 || got[0] != identity {
		t.Fatalf("grants = %v", got)
	}
}

func TestSetupRequiresCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rp := f.relyingParty(t)
	ctx := context.Background()

	req, err := rp.CreateRequest(ctx, f.srv.URL+"/user/andrew", "http://rp.example/", &url.URL{Scheme: "http", Host: "rp.example", Path: "/return"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	out, err := req.RedirectingResponse(ctx)
	if err != nil {
		t.Fatalf("RedirectingResponse: %v", err)
	}
	resp := visit(t, out, "")
	if resp.StatusCode != http.StatusUnauthorized || !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic") {
		t.Fatalf("anonymous setup = %d %q", resp.StatusCode, resp.Header.Get("WWW-Authenticate"))
	}
}

func TestOtherUserCannotAssertIdentity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rp := f.relyingParty(t)
	ctx := context.Background()

	req, err := rp.CreateRequest(ctx, f.srv.URL+"/user/andrew", "http://rp.example/", &url.URL{Scheme: "http", Host: "rp.example", Path: "/return"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	out, err := req.RedirectingResponse(ctx)
	if err != nil {
		t.Fatalf("RedirectingResponse: %v", err)
	}
	resp := visit(t, out, "bob")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("provider answered %d", resp.StatusCode)
	}
	result, err := rp.GetResponse(ctx, httptest.NewRequest(http.MethodGet, resp.Header.Get("Location"), nil))
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if result.Status != relyingparty.Canceled {
		t.Fatalf("status = %s", result.Status)
	}
	if got := f.grants.subjects(); len(got) != 0 {
		t.Fatalf("grants = %v", got)
	}
}

func TestImmediateWithoutSessionNeedsSetup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rp := f.relyingParty(t)
	ctx := context.Background()

	req, err := rp.CreateRequest(ctx, f.srv.URL+"/user/andrew", "http://rp.example/", &url.URL{Scheme: "http", Host: "rp.example", Path: "/return"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	req.SetImmediate(true)
	out, err := req.RedirectingResponse(ctx)
	if err != nil {
		t.Fatalf("RedirectingResponse: %v", err)
	}
	resp := visit(t, out, "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("provider answered %d", resp.StatusCode)
	}
	result, err := rp.GetResponse(ctx, httptest.NewRequest(http.MethodGet, resp.Header.Get("Location"), nil))
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if result.Status != relyingparty.SetupRequired {
		t.Fatalf("status = %s", result.Status)
	}
}

func TestDirectedIdentitySelectsSignedInUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	endpoint := f.server.op.Endpoint()
	rp, err := relyingparty.New(relyingparty.Options{
		Discoverer: openid.StaticDiscoverer{
			f.srv.URL + "/": {{
				ProviderEndpoint:  endpoint,
				ClaimedIdentifier: openid.IdentifierSelect,
				LocalIdentifier:   openid.IdentifierSelect,
				Version:           openid.V20,
			}},
			f.srv.URL + "/user/bob": {{
				ProviderEndpoint:  endpoint,
				ClaimedIdentifier: f.srv.URL + "/user/bob",
				LocalIdentifier:   f.srv.URL + "/user/bob",
				Version:           openid.V20,
			}},
		},
		Client: f.srv.Client(),
	})
	if err != nil {
		t.Fatalf("relyingparty.New: %v", err)
	}
	req, err := rp.CreateRequest(ctx, f.srv.URL, "http://rp.example/", &url.URL{Scheme: "http", Host: "rp.example", Path: "/return"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	out, err := req.RedirectingResponse(ctx)
	if err != nil {
		t.Fatalf("RedirectingResponse: %v", err)
	}
	resp := visit(t, out, "bob")
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil || location.Query().Get("openid.claimed_id") != f.srv.URL+"/user/bob" {
		t.Fatalf("assertion = %v, %v", location, err)
	}
	result, err := rp.GetResponse(ctx, httptest.NewRequest(http.MethodGet, location.String(), nil))
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if result.Status != relyingparty.Authenticated || result.ClaimedIdentifier != f.srv.URL+"/user/bob" {
		t.Fatalf("status = %s, claimed = %q, err = %v", result.Status, result.ClaimedIdentifier, result.Err)
	}
}

func TestIdentityPage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/user/andrew")
	if err != nil {
		t.Fatalf("GET identity: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("identity page = %d", resp.StatusCode)
	}
	endpoints, err := discovery.NewHTMLDiscoverer(f.srv.Client()).Discover(context.Background(), f.srv.URL+"/user/andrew")
	if err != nil || len(endpoints) != 2 {
		t.Fatalf("Discover = %v, %v", endpoints, err)
	}
	if endpoints[0].Version != openid.V20 || endpoints[0].ProviderEndpoint.String() != f.srv.URL+"/openid/provider" {
		t.Fatalf("first endpoint = %v", endpoints[0])
	}

	resp, err = f.srv.Client().Get(f.srv.URL + "/user/nobody")
	if err != nil {
		t.Fatalf("GET missing identity: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing identity = %d", resp.StatusCode)
	}
}

func TestEndpointAnswersMalformedDirectRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	form := url.Values{"openid.ns": {openid.NamespaceV20}, "openid.mode": {"associate"}}
	resp, err := f.srv.Client().PostForm(f.srv.URL+"/openid/provider", form)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed associate = %d", resp.StatusCode)
	}
}

func TestRoutesRootsEndpointPath(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base, _ := url.Parse(srv.URL)

	endpoint := base.JoinPath("openid", "provider")
	if endpoint.Path != "openid/provider" {
		t.Fatalf("JoinPath on a bare host = %q", endpoint.Path)
	}
	op, err := provider.New(provider.Options{Endpoint: endpoint})
	if err != nil {
		t.Fatalf("provider.New: %v", err)
	}
	New(op, &config.Directory{}, base, nil).Routes(mux)

	form := url.Values{"openid.ns": {openid.NamespaceV20}, "openid.mode": {"associate"}}
	resp, err := srv.Client().PostForm(srv.URL+"/openid/provider", form)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("endpoint answered %d", resp.StatusCode)
	}
}
