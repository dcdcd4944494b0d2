// Package provider is the OpenID Provider side of the protocol: it answers
// associate and check_authentication requests on its own and hands
// authentication requests to the host for a decision.
package provider

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/messaging/bindings"
	"github.com/providentiaww/openauth/pkg/openid"
)

// Options configures a Provider. Only Endpoint is required.
type Options struct {
	// Endpoint is the absolute URL the provider receives requests on.
	Endpoint *url.URL

	Associations openid.AssociationStore
	Nonces       bindings.NonceStore
	Extensions   *openid.ExtensionRegistry
	Signing      openid.SigningSettings

	MaxMessageAge        time.Duration
	AssociationLifetime  time.Duration
	MaxIndirectURLLength int

	Client   messaging.Doer
	Reporter messaging.Reporter
	// AssumeSecureTransport permits no-encryption associations over plain HTTP.
	AssumeSecureTransport bool
}

// Provider is an OpenID Provider. It holds no per-request state and is safe
// for concurrent use.
type Provider struct {
	endpoint      *url.URL
	channel       *messaging.Channel
	signer        *openid.ProviderSigningElement
	associations  openid.AssociationStore
	nonces        bindings.NonceStore
	assocLifetime time.Duration
	assumeSecure  bool
	now           func() time.Time
}

// New builds a provider, defaulting to in-memory stores.
func New(opts Options) (*Provider, error) {
	if opts.Endpoint == nil || !opts.Endpoint.IsAbs() {
		return nil, messaging.ConfigurationError(nil, "provider endpoint must be an absolute URL")
	}
	maxAge := opts.MaxMessageAge
	if maxAge <= 0 {
		maxAge = openid.DefaultMaxMessageAge
	}
	lifetime := opts.AssociationLifetime
	if lifetime <= 0 {
		lifetime = openid.DefaultAssociationLifetime
	}
	assocs := opts.Associations
	if assocs == nil {
		minLife := opts.Signing.MinimumUsefulLife
		if minLife <= 0 {
			minLife = openid.DefaultMinimumUsefulLife
		}
		assocs = openid.NewMemoryAssociationStore(minLife)
	}
	nonces := opts.Nonces
	if nonces == nil {
		nonces = bindings.NewMemoryNonceStore(maxAge)
	}

	signer := openid.NewProviderSigningElement(assocs, opts.Signing)
	channel, err := openid.NewChannel(openid.ChannelOptions{
		Elements: []messaging.BindingElement{
			openid.NewExtensionsElement(opts.Extensions),
			bindings.NewExpirationElement(maxAge),
			bindings.NewReplayElement(nonces).AllowZeroLengthNonce(true),
			signer,
		},
		Client:                opts.Client,
		Reporter:              opts.Reporter,
		MaxIndirectURLLength:  opts.MaxIndirectURLLength,
		AssumeSecureTransport: opts.AssumeSecureTransport,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{
		endpoint:      opts.Endpoint,
		channel:       channel,
		signer:        signer,
		associations:  assocs,
		nonces:        nonces,
		assocLifetime: lifetime,
		assumeSecure:  opts.AssumeSecureTransport,
		now:           time.Now,
	}, nil
}

// Endpoint is the provider's endpoint URL.
func (p *Provider) Endpoint() *url.URL {
	u := *p.endpoint
	return &u
}

// Channel exposes the provider's channel.
func (p *Provider) Channel() *messaging.Channel {
	return p.channel
}

// Request is an inbound request awaiting its one response.
type Request interface {
	// IsResponseReady reports whether PrepareResponse can run.
	IsResponseReady() bool
	// Message is the decoded protocol message.
	Message() messaging.Message

	consume() error
}

// GetRequest decodes an inbound OpenID request. It returns nil, nil when r
// carries no OpenID request. On a protocol error the caller can answer with
// PrepareErrorResponse.
func (p *Provider) GetRequest(ctx context.Context, r *http.Request) (Request, error) {
	msg, err := p.channel.Receive(ctx, r)
	if err != nil || msg == nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *openid.CheckIDRequest:
		return p.newAuthenticationRequest(ctx, m)
	case *openid.AssociateRequest:
		return &AssociateRequest{msg: m}, nil
	case *openid.CheckAuthenticationRequest:
		return &CheckAuthenticationRequest{msg: m}, nil
	default:
		return nil, nil
	}
}

// PrepareResponse builds the response to req. Each request can be answered
// once; a second call fails with a usage error.
func (p *Provider) PrepareResponse(ctx context.Context, req Request) (*messaging.OutgoingResponse, error) {
	if !req.IsResponseReady() {
		return nil, messaging.UsageError(nil, "response to %s is not ready", messaging.TypeName(req.Message()))
	}
	if err := req.consume(); err != nil {
		return nil, err
	}
	var (
		msg messaging.Message
		err error
	)
	switch r := req.(type) {
	case *AuthenticationRequest:
		msg, err = r.response()
	case *AssociateRequest:
		msg, err = p.associate(ctx, r.msg)
	case *CheckAuthenticationRequest:
		msg, err = p.checkAuthentication(ctx, r.msg)
	default:
		return nil, messaging.UsageError(nil, "unknown request type %T", req)
	}
	if err != nil {
		return nil, err
	}
	return p.channel.PrepareResponse(ctx, msg)
}

// Respond is PrepareResponse followed by writing to w.
func (p *Provider) Respond(ctx context.Context, w http.ResponseWriter, req Request) error {
	resp, err := p.PrepareResponse(ctx, req)
	if err != nil {
		return err
	}
	return resp.Respond(w)
}

// PrepareErrorResponse reports cause to the relying party that sent r: by
// redirect to its return_to for checkid requests, otherwise as a 400
// key-value form body.
func (p *Provider) PrepareErrorResponse(ctx context.Context, r *http.Request, cause error) (*messaging.OutgoingResponse, error) {
	fields, _ := openid.WireFormat{}.ReadRequest(r)
	v := openid.V11
	if fields["openid.ns"] == openid.NamespaceV20 {
		v = openid.V20
	}
	mode := fields["openid.mode"]
	if mode == openid.ModeCheckIDSetup || mode == openid.ModeCheckIDImmediate {
		if returnTo, err := url.Parse(fields["openid.return_to"]); err == nil && returnTo.IsAbs() {
			return p.channel.PrepareResponse(ctx, openid.NewIndirectErrorResponse(v, returnTo, cause.Error()))
		}
	}
	return p.channel.PrepareResponse(ctx, openid.NewDirectErrorResponse(v, cause.Error()))
}

type oneShot struct {
	sent atomic.Bool
}

func (o *oneShot) consume() error {
	if !o.sent.CompareAndSwap(false, true) {
		return messaging.UsageError(messaging.ErrResponseAlreadySent, "request already answered")
	}
	return nil
}

// Answered reports whether a response has been prepared.
func (o *oneShot) Answered() bool {
	return o.sent.Load()
}
