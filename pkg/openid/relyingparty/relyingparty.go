// Package relyingparty is the OpenID Relying Party: it discovers a user's
// provider, sends them there, and verifies the assertion they come back with.
package relyingparty

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/messaging/bindings"
	"github.com/providentiaww/openauth/pkg/openid"
)

// ErrNoEndpoints means discovery found no provider for an identifier.
var ErrNoEndpoints = errors.New("no OpenID endpoints discovered")

// Options configures a RelyingParty. Discoverer is required.
type Options struct {
	Discoverer openid.Discoverer
	// Associations caches shared secrets. Nil runs stateless, verifying every
	// assertion with a check_authentication request.
	Associations openid.AssociationStore
	Nonces       bindings.NonceStore
	Extensions   *openid.ExtensionRegistry
	// TokenKey signs callback arguments. A random key is used when empty,
	// which only works for a single process.
	TokenKey []byte

	MaxMessageAge        time.Duration
	DirectRequestTimeout time.Duration
	MaxIndirectURLLength int

	Client   messaging.Doer
	Reporter messaging.Reporter
	// AssumeSecureTransport credits plain HTTP with confidentiality. Tests only.
	AssumeSecureTransport bool
}

// RelyingParty is safe for concurrent use.
type RelyingParty struct {
	channel      *messaging.Channel
	discoverer   openid.Discoverer
	associations openid.AssociationStore
	nonces       bindings.NonceStore
	tokenKey     []byte
	assumeSecure bool
	now          func() time.Time
}

// New builds a relying party.
func New(opts Options) (*RelyingParty, error) {
	if opts.Discoverer == nil {
		return nil, messaging.ConfigurationError(nil, "discoverer is required")
	}
	maxAge := opts.MaxMessageAge
	if maxAge <= 0 {
		maxAge = openid.DefaultMaxMessageAge
	}
	nonces := opts.Nonces
	if nonces == nil {
		nonces = bindings.NewMemoryNonceStore(maxAge)
	}
	key := opts.TokenKey
	if len(key) == 0 {
		generated, err := messaging.RandomBytes(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate token key: %w", err)
		}
		key = generated
	}

	rp := &RelyingParty{
		discoverer:   opts.Discoverer,
		associations: opts.Associations,
		nonces:       nonces,
		tokenKey:     key,
		assumeSecure: opts.AssumeSecureTransport,
		now:          time.Now,
	}
	channel, err := openid.NewChannel(openid.ChannelOptions{
		Elements: []messaging.BindingElement{
			openid.NewExtensionsElement(opts.Extensions),
			openid.BackwardCompatibilityElement{},
			bindings.NewExpirationElement(maxAge),
			bindings.NewReplayElement(nonces).AllowZeroLengthNonce(true),
			openid.NewRelyingPartySigningElement(opts.Associations, rp.checkAuthentication),
		},
		Client:                opts.Client,
		Reporter:              opts.Reporter,
		DirectRequestTimeout:  opts.DirectRequestTimeout,
		MaxIndirectURLLength:  opts.MaxIndirectURLLength,
		AssumeSecureTransport: opts.AssumeSecureTransport,
	})
	if err != nil {
		return nil, err
	}
	rp.channel = channel
	return rp, nil
}

// Channel exposes the relying party's channel.
func (rp *RelyingParty) Channel() *messaging.Channel {
	return rp.channel
}

// CreateRequest discovers identifier and prepares a setup-mode request to
// its preferred endpoint. realm must contain returnTo.
func (rp *RelyingParty) CreateRequest(ctx context.Context, identifier, realm string, returnTo *url.URL) (*AuthenticationRequest, error) {
	if returnTo == nil || !returnTo.IsAbs() {
		return nil, messaging.UsageError(nil, "return_to must be an absolute URL")
	}
	parsed, err := openid.ParseRealm(realm)
	if err != nil {
		return nil, messaging.UsageError(err, "invalid realm")
	}
	if !parsed.Contains(returnTo) {
		return nil, messaging.UsageError(nil, "return_to %s is outside realm %s", returnTo, realm)
	}

	endpoints, err := rp.discoverer.Discover(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", identifier, err)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, identifier)
	}
	endpoint := endpoints[0]

	req := &AuthenticationRequest{
		rp:       rp,
		endpoint: endpoint,
		realm:    parsed,
		returnTo: returnTo,
		args:     make(map[string]string),
	}
	if rp.associations != nil {
		assoc, err := rp.association(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		if assoc != nil {
			req.assocHandle = assoc.Handle
		}
	}
	return req, nil
}

// association returns a cached association for the endpoint or negotiates
// one. A provider that refuses to associate leaves the request stateless.
func (rp *RelyingParty) association(ctx context.Context, endpoint openid.ServiceEndpoint) (*openid.Association, error) {
	assoc, err := rp.associations.GetAssociation(ctx, endpoint.ProviderEndpoint.String())
	if err != nil || assoc != nil {
		return assoc, err
	}
	assocType, sessionType := openid.HMACSHA256, openid.DHSHA256
	if !openid.IsV2(endpoint.Version) {
		assocType, sessionType = openid.HMACSHA1, openid.DHSHA1
	}
	assoc, retry, err := rp.associate(ctx, endpoint, assocType, sessionType)
	if err != nil || assoc != nil || retry == nil {
		return assoc, err
	}
	// One renegotiation with the provider's suggestion.
	assoc, _, err = rp.associate(ctx, endpoint, retry.assocType, retry.sessionType)
	return assoc, err
}

type suggestion struct {
	assocType   string
	sessionType string
}

func (rp *RelyingParty) associate(ctx context.Context, endpoint openid.ServiceEndpoint, assocType, sessionType string) (*openid.Association, *suggestion, error) {
	req := openid.NewAssociateRequest(endpoint.Version, endpoint.ProviderEndpoint, assocType, sessionType)
	var dh *openid.DHSession
	if sessionType == openid.NoEncryption {
		if !openid.IsV2(endpoint.Version) {
			req.SessionType = ""
		}
	} else {
		session, err := openid.NewDHSession(nil, nil)
		if err != nil {
			return nil, nil, err
		}
		dh = session
		req.DHConsumerPublic = openid.EncodeBtwoc(dh.Public)
	}

	resp, err := rp.channel.Request(ctx, req)
	if err != nil {
		switch messaging.KindOf(err) {
		case messaging.KindFormat, messaging.KindTrust:
			return nil, nil, nil
		default:
			return nil, nil, err
		}
	}

	switch r := resp.(type) {
	case *openid.AssociateSuccessResponse:
		secret, err := associationSecret(r, dh, sessionType)
		if err != nil {
			return nil, nil, nil
		}
		assoc, err := openid.NewAssociation(r.AssocType, r.AssocHandle, secret, rp.now(), r.Lifetime())
		if err != nil {
			return nil, nil, nil
		}
		if err := rp.associations.StoreAssociation(ctx, endpoint.ProviderEndpoint.String(), assoc); err != nil {
			return nil, nil, fmt.Errorf("failed to store association: %w", err)
		}
		return assoc, nil, nil
	case *openid.AssociateUnsuccessfulResponse:
		if r.AssocType == "" || r.SessionType == "" || (r.AssocType == assocType && r.SessionType == sessionType) {
			return nil, nil, nil
		}
		if !openid.SessionSupports(r.SessionType, r.AssocType) {
			return nil, nil, nil
		}
		if r.SessionType == openid.NoEncryption && endpoint.ProviderEndpoint.Scheme != "https" && !rp.assumeSecure {
			return nil, nil, nil
		}
		return nil, &suggestion{assocType: r.AssocType, sessionType: r.SessionType}, nil
	default:
		return nil, nil, nil
	}
}

func associationSecret(r *openid.AssociateSuccessResponse, dh *openid.DHSession, sessionType string) ([]byte, error) {
	if dh == nil {
		if r.MacKey == "" {
			return nil, fmt.Errorf("no mac_key in response")
		}
		return base64.StdEncoding.DecodeString(r.MacKey)
	}
	if r.DHServerPublic == "" || r.EncMacKey == "" {
		return nil, fmt.Errorf("no encrypted mac key in response")
	}
	server, err := openid.DecodeBtwoc(r.DHServerPublic)
	if err != nil {
		return nil, err
	}
	masked, err := base64.StdEncoding.DecodeString(r.EncMacKey)
	if err != nil {
		return nil, err
	}
	return dh.XORSecret(server, sessionType, masked)
}

// checkAuthentication asks the asserting provider to verify a signature
// the relying party holds no secret for.
func (rp *RelyingParty) checkAuthentication(ctx context.Context, a *openid.PositiveAssertion) (*openid.CheckAuthenticationResponse, error) {
	endpoint, err := parseAbsolute(openid.ProviderEndpointOf(a))
	if err != nil {
		return nil, messaging.FormatError(a, "openid.op_endpoint", messaging.ErrInvalidPart, "%v", err)
	}
	resp, err := rp.channel.Request(ctx, openid.NewCheckAuthenticationRequest(a, endpoint))
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case *openid.CheckAuthenticationResponse:
		return r, nil
	case *openid.DirectErrorResponse:
		return nil, messaging.TrustError(a, messaging.ErrInvalidSignature, "provider refused check_authentication: %s", r.Error)
	default:
		return nil, messaging.FormatError(a, "", messaging.ErrUnrecognizedMessage, "unexpected %s", messaging.TypeName(resp))
	}
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("%q is not an absolute URL", raw)
	}
	return u, nil
}
