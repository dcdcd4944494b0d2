package provider

import (
	"context"
	"net/url"
	"sync"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
)

// AuthenticationRequest is a checkid request waiting for the host to decide
// whether the user is who the relying party asked about.
type AuthenticationRequest struct {
	oneShot

	provider *Provider
	msg      *openid.CheckIDRequest
	realm    *openid.Realm
	returnTo *url.URL

	mu            sync.Mutex
	decided       bool
	authenticated bool
	claimedID     string
	localID       string
	extensions    []openid.Extension
}

func (p *Provider) newAuthenticationRequest(_ context.Context, m *openid.CheckIDRequest) (*AuthenticationRequest, error) {
	if m.ReturnTo == "" {
		return nil, messaging.FormatError(m, "openid.return_to", messaging.ErrMissingPart, "no return_to to answer at")
	}
	returnTo, err := url.Parse(m.ReturnTo)
	if err != nil {
		return nil, messaging.FormatError(m, "openid.return_to", messaging.ErrInvalidPart, "%v", err)
	}
	realm, err := openid.ParseRealm(m.RealmValue())
	if err != nil {
		return nil, messaging.FormatError(m, "openid.realm", messaging.ErrInvalidPart, "%v", err)
	}
	if !realm.Contains(returnTo) {
		return nil, messaging.FormatError(m, "openid.return_to", messaging.ErrInvalidPart, "return_to %s is outside realm %s", returnTo, realm)
	}
	claimed := m.ClaimedID
	if !openid.IsV2(m.Version) {
		claimed = m.Identity
	}
	return &AuthenticationRequest{
		provider:  p,
		msg:       m,
		realm:     realm,
		returnTo:  returnTo,
		claimedID: claimed,
		localID:   m.Identity,
	}, nil
}

func (r *AuthenticationRequest) Message() messaging.Message { return r.msg }

// Version is the protocol version the relying party spoke.
func (r *AuthenticationRequest) Version() messaging.Version { return r.msg.Version }

// Immediate reports whether the user must not be prompted.
func (r *AuthenticationRequest) Immediate() bool { return r.msg.Immediate() }

func (r *AuthenticationRequest) Realm() *openid.Realm { return r.realm }

func (r *AuthenticationRequest) ReturnTo() *url.URL {
	u := *r.returnTo
	return &u
}

// Extensions are the extension requests the relying party attached.
func (r *AuthenticationRequest) Extensions() []openid.Extension {
	return r.msg.Extensions()
}

// IsDirectedIdentity reports whether the provider is asked to pick the identifier.
func (r *AuthenticationRequest) IsDirectedIdentity() bool {
	return r.msg.Identity == openid.IdentifierSelect
}

// ClaimedIdentifier is the identifier the assertion will be about.
func (r *AuthenticationRequest) ClaimedIdentifier() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimedID
}

// LocalIdentifier is the identifier the provider knows the user by.
func (r *AuthenticationRequest) LocalIdentifier() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localID
}

// SetClaimedIdentifier picks the identifier for a directed identity request.
// The local identifier follows unless set separately.
func (r *AuthenticationRequest) SetClaimedIdentifier(id string) error {
	if !r.IsDirectedIdentity() {
		return messaging.UsageError(nil, "claimed identifier is fixed unless the request uses directed identity")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimedID = id
	if r.localID == openid.IdentifierSelect {
		r.localID = id
	}
	return nil
}

// SetLocalIdentifier picks the provider-local identifier for a directed identity request.
func (r *AuthenticationRequest) SetLocalIdentifier(id string) error {
	if !r.IsDirectedIdentity() {
		return messaging.UsageError(nil, "local identifier is fixed unless the request uses directed identity")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localID = id
	return nil
}

// SetAuthenticated records the host's decision.
func (r *AuthenticationRequest) SetAuthenticated(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decided = true
	r.authenticated = ok
}

// IsAuthenticated returns the decision and whether one was made.
func (r *AuthenticationRequest) IsAuthenticated() (authenticated, decided bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authenticated, r.decided
}

// AddResponseExtension attaches e to the eventual response.
func (r *AuthenticationRequest) AddResponseExtension(e openid.Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions = append(r.extensions, e)
}

// IsResponseReady is false until a decision is made, and for a positive
// decision on a directed identity request, until an identifier is chosen.
func (r *AuthenticationRequest) IsResponseReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.decided {
		return false
	}
	if r.authenticated {
		return r.claimedID != openid.IdentifierSelect && r.localID != openid.IdentifierSelect
	}
	return true
}

// SetupURL is where the user agent can retry an immediate request interactively.
func (r *AuthenticationRequest) SetupURL() *url.URL {
	fields := messaging.ToMap(r.msg)
	fields["openid.mode"] = openid.ModeCheckIDSetup
	return messaging.AppendQueryArgs(r.provider.Endpoint(), fields)
}

func (r *AuthenticationRequest) response() (messaging.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authenticated {
		var setup *url.URL
		if r.msg.Immediate() {
			setup = r.SetupURL()
		}
		neg, err := openid.NewNegativeAssertion(r.msg, setup)
		if err != nil {
			return nil, messaging.FormatError(r.msg, "openid.return_to", messaging.ErrInvalidPart, "%v", err)
		}
		return neg, nil
	}
	a, err := openid.NewPositiveAssertion(r.msg, r.provider.endpoint)
	if err != nil {
		return nil, messaging.FormatError(r.msg, "openid.return_to", messaging.ErrInvalidPart, "%v", err)
	}
	a.Identity = r.localID
	if openid.IsV2(r.msg.Version) {
		a.ClaimedID = r.claimedID
	}
	for _, e := range r.extensions {
		a.AddExtension(e)
	}
	return a, nil
}
