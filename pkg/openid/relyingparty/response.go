package relyingparty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
)

// ErrReturnToMismatch means an assertion was addressed to a different URL
// than the one that received it.
var ErrReturnToMismatch = errors.New("return_to does not match the receiving URL")

// Status is the outcome of an authentication attempt.
type Status int

const (
	Failed Status = iota
	Authenticated
	Canceled
	SetupRequired
)

func (s Status) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Canceled:
		return "canceled"
	case SetupRequired:
		return "setup-required"
	default:
		return "failed"
	}
}

// AuthenticationResponse is a provider's verified answer.
type AuthenticationResponse struct {
	Status Status
	// ClaimedIdentifier is set when Status is Authenticated.
	ClaimedIdentifier string
	// Endpoint is the discovered endpoint the assertion matched.
	Endpoint *openid.ServiceEndpoint
	// SetupURL is where to send the user after an immediate request failed.
	SetupURL *url.URL
	// Err explains a Failed status.
	Err error

	args      map[string]string
	assertion *openid.PositiveAssertion
}

// GetCallbackArgument returns a callback argument added to the request. It
// is only available when the RP's own signature over them checked out.
func (r *AuthenticationResponse) GetCallbackArgument(key string) (string, bool) {
	v, ok := r.args[key]
	return v, ok
}

// GetCallbackArguments returns every verified callback argument.
func (r *AuthenticationResponse) GetCallbackArguments() map[string]string {
	out := make(map[string]string, len(r.args))
	for k, v := range r.args {
		out[k] = v
	}
	return out
}

// GetExtension returns the first signed extension with typeURI.
func (r *AuthenticationResponse) GetExtension(typeURI string) openid.Extension {
	if r.assertion == nil {
		return nil
	}
	return findExtension(r.assertion.SignedExtensions(), typeURI)
}

// GetUntrustedExtension returns the first extension with typeURI, signed or not.
func (r *AuthenticationResponse) GetUntrustedExtension(typeURI string) openid.Extension {
	if r.assertion == nil {
		return nil
	}
	return findExtension(r.assertion.Extensions(), typeURI)
}

func findExtension(exts []openid.Extension, typeURI string) openid.Extension {
	for _, e := range exts {
		if e.TypeURI() == typeURI {
			return e
		}
	}
	return nil
}

// GetResponse reads the provider's answer from the request that hit
// return_to. It returns nil, nil when r carries no OpenID response. Protocol
// failures come back as a Failed response with Err set; they have already
// been passed to the channel's reporter. Other errors, such as a failing
// store, are returned.
func (rp *RelyingParty) GetResponse(ctx context.Context, r *http.Request) (*AuthenticationResponse, error) {
	msg, err := rp.channel.Receive(ctx, r)
	if err != nil {
		return failed(err)
	}
	if msg == nil {
		return nil, nil
	}
	switch m := msg.(type) {
	case *openid.PositiveAssertion:
		resp, err := rp.verifyAssertion(ctx, r, m)
		if err != nil {
			rp.channel.Report(ctx, m, err)
			return failed(err)
		}
		return resp, nil
	case *openid.NegativeAssertion:
		if !m.SetupNeeded() {
			return &AuthenticationResponse{Status: Canceled}, nil
		}
		resp := &AuthenticationResponse{Status: SetupRequired}
		if m.UserSetupURL != "" {
			setup, err := url.Parse(m.UserSetupURL)
			if err == nil {
				resp.SetupURL = setup
			}
		}
		return resp, nil
	case *openid.IndirectErrorResponse:
		return &AuthenticationResponse{
			Status: Failed,
			Err:    fmt.Errorf("provider reported an error: %s", m.Error),
		}, nil
	default:
		return nil, nil
	}
}

func failed(err error) (*AuthenticationResponse, error) {
	switch messaging.KindOf(err) {
	case messaging.KindFormat, messaging.KindTrust, messaging.KindTransport:
		return &AuthenticationResponse{Status: Failed, Err: err}, nil
	default:
		return nil, err
	}
}

func (rp *RelyingParty) verifyAssertion(ctx context.Context, r *http.Request, a *openid.PositiveAssertion) (*AuthenticationResponse, error) {
	if err := verifyReturnTo(a, messaging.RequestURL(r)); err != nil {
		return nil, err
	}

	args, token, err := callbackArgs(a.ReturnTo)
	if err != nil {
		return nil, messaging.FormatError(a, "openid.return_to", messaging.ErrInvalidPart, "%v", err)
	}
	resp := &AuthenticationResponse{assertion: a}
	if token != "" {
		claims, err := rp.verifyReturnTo(token, args)
		if err != nil {
			return nil, messaging.TrustError(a, messaging.ErrInvalidSignature, "return_to arguments: %v", err)
		}
		resp.args = args
		if !openid.IsV2(a.Version) {
			// 1.x providers give no response nonce; the token id stands in.
			ok, err := rp.nonces.IsNonceValid(ctx, a.ProviderEndpoint, claims.IssuedAt.Time, claims.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to check nonce: %w", err)
			}
			if !ok {
				return nil, messaging.TrustError(a, messaging.ErrReplayedMessage, "assertion was already used")
			}
		}
	} else if !openid.IsV2(a.Version) {
		return nil, messaging.TrustError(a, messaging.ErrReplayedMessage, "no replay protection for an OpenID 1.x assertion")
	}

	endpoint, err := rp.crossCheck(ctx, a)
	if err != nil {
		return nil, err
	}
	resp.Status = Authenticated
	resp.ClaimedIdentifier = a.ClaimedID
	resp.Endpoint = endpoint
	return resp, nil
}

// crossCheck rediscovers the claimed identifier and requires the asserted
// endpoint to be among the results.
func (rp *RelyingParty) crossCheck(ctx context.Context, a *openid.PositiveAssertion) (*openid.ServiceEndpoint, error) {
	providerURL, err := parseAbsolute(a.ProviderEndpoint)
	if err != nil {
		return nil, messaging.FormatError(a, "openid.op_endpoint", messaging.ErrInvalidPart, "%v", err)
	}
	asserted := openid.ServiceEndpoint{
		ProviderEndpoint:  providerURL,
		ClaimedIdentifier: a.ClaimedID,
		LocalIdentifier:   a.Identity,
		Version:           a.Version,
	}
	discovered, err := rp.discoverer.Discover(ctx, a.ClaimedID)
	if err != nil {
		return nil, messaging.TrustError(a, messaging.ErrDiscoveryMismatch, "rediscovering %s: %v", a.ClaimedID, err)
	}
	for _, ep := range discovered {
		if ep.Matches(asserted) {
			matched := asserted
			matched.Priority = ep.Priority
			return &matched, nil
		}
	}
	return nil, messaging.TrustError(a, messaging.ErrDiscoveryMismatch,
		"%s is not a discovered endpoint for %s", providerURL, a.ClaimedID)
}

// verifyReturnTo requires the receiving URL to have return_to's scheme, host
// and path, and to carry each of its query parameters unchanged.
func verifyReturnTo(a *openid.PositiveAssertion, received *url.URL) error {
	returnTo, err := parseAbsolute(a.ReturnTo)
	if err != nil {
		return messaging.FormatError(a, "openid.return_to", messaging.ErrInvalidPart, "%v", err)
	}
	if !strings.EqualFold(returnTo.Scheme, received.Scheme) ||
		!strings.EqualFold(returnTo.Host, received.Host) ||
		returnTo.EscapedPath() != received.EscapedPath() {
		return messaging.TrustError(a, ErrReturnToMismatch, "assertion is for %s", messaging.WithoutQuery(returnTo))
	}
	got := received.Query()
	for k, want := range returnTo.Query() {
		if got.Get(k) != want[0] {
			return messaging.TrustError(a, ErrReturnToMismatch, "parameter %q differs", k)
		}
	}
	return nil
}
