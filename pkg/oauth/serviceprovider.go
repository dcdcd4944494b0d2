package oauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/messaging/bindings"
)

// ErrTokenNotAuthorized is returned when a consumer exchanges a request token
// the user has not approved.
var ErrTokenNotAuthorized = errors.New("request token not authorized")

// ServiceProviderOptions configures NewServiceProvider.
type ServiceProviderOptions struct {
	Description ServiceProviderDescription
	Tokens      ServiceProviderTokenManager
	// Signers defaults to HMAC-SHA1, PLAINTEXT and, when Tokens holds
	// consumer public keys, RSA-SHA1.
	Signers       []Signer
	Nonces        bindings.NonceStore
	MaxMessageAge time.Duration
	// Generator defaults to GenerateToken.
	Generator TokenGenerator
	Reporter  messaging.Reporter
	// AssumeSecureTransport treats plain HTTP as confidential. Tests only.
	AssumeSecureTransport bool
}

// ServiceProvider issues request and access tokens and authenticates
// consumer calls to protected resources.
type ServiceProvider struct {
	desc     ServiceProviderDescription
	tokens   ServiceProviderTokenManager
	generate TokenGenerator
	channel  *messaging.Channel
}

func NewServiceProvider(opts ServiceProviderOptions) (*ServiceProvider, error) {
	if opts.Tokens == nil {
		return nil, messaging.ConfigurationError(nil, "service provider needs a token manager")
	}
	signers := opts.Signers
	if len(signers) == 0 {
		signers = []Signer{HMACSigner{}, PlaintextSigner{}}
		if keys, ok := opts.Tokens.(ConsumerPublicKeyProvider); ok {
			signers = append(signers, RSASigner{PublicKeys: keys})
		}
	}
	ch, err := NewChannel(ChannelOptions{
		Description:           opts.Description,
		Secrets:               opts.Tokens,
		Signers:               signers,
		Nonces:                opts.Nonces,
		MaxMessageAge:         opts.MaxMessageAge,
		Reporter:              opts.Reporter,
		AssumeSecureTransport: opts.AssumeSecureTransport,
	})
	if err != nil {
		return nil, err
	}
	generate := opts.Generator
	if generate == nil {
		generate = GenerateToken
	}
	return &ServiceProvider{desc: opts.Description, tokens: opts.Tokens, generate: generate, channel: ch}, nil
}

// Channel is the channel the service provider sends and receives on.
func (sp *ServiceProvider) Channel() *messaging.Channel {
	return sp.channel
}

// Description is the endpoint set the service provider was built with.
func (sp *ServiceProvider) Description() ServiceProviderDescription {
	return sp.desc
}

// ReadTokenRequest reads a signed request-token request. It returns nil, nil
// when r carries no OAuth message.
func (sp *ServiceProvider) ReadTokenRequest(ctx context.Context, r *http.Request) (*UnauthorizedTokenRequest, error) {
	msg, err := sp.receive(ctx, r)
	if err != nil || msg == nil {
		return nil, err
	}
	req, ok := msg.(*UnauthorizedTokenRequest)
	if !ok {
		return nil, unexpected(msg, "a request token request")
	}
	return req, nil
}

// PrepareUnauthorizedTokenMessage mints and records a request token for req.
func (sp *ServiceProvider) PrepareUnauthorizedTokenMessage(ctx context.Context, req *UnauthorizedTokenRequest) (*UnauthorizedTokenResponse, error) {
	token, secret, err := sp.generate(ctx, RequestToken, req.ConsumerKey)
	if err != nil {
		return nil, err
	}
	resp := &UnauthorizedTokenResponse{
		MessageBase: newBase(messaging.DirectResponse, req.Recipient),
		Token:       token,
		TokenSecret: secret,
	}
	resp.Secure = req.Secure
	if err := sp.tokens.StoreNewRequestToken(ctx, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReadAuthorizationRequest reads the user's arrival at the authorization
// endpoint. The token must be an outstanding request token.
func (sp *ServiceProvider) ReadAuthorizationRequest(ctx context.Context, r *http.Request) (*UserAuthorizationRequest, error) {
	msg, err := sp.receive(ctx, r)
	if err != nil || msg == nil {
		return nil, err
	}
	req, ok := msg.(*UserAuthorizationRequest)
	if !ok {
		return nil, unexpected(msg, "a user authorization request")
	}
	if _, err := req.CallbackURL(); err != nil {
		return nil, err
	}
	if err := sp.requireType(ctx, req, req.Token, RequestToken); err != nil {
		return nil, err
	}
	return req, nil
}

// AuthorizeRequest records that user approved req's request token.
func (sp *ServiceProvider) AuthorizeRequest(ctx context.Context, req *UserAuthorizationRequest, user string) error {
	if err := sp.tokens.AuthorizeRequestToken(ctx, req.Token, user); err != nil {
		if errors.Is(err, ErrUnknownToken) {
			return messaging.TrustError(req, err, "request token %q is not outstanding", req.Token)
		}
		return err
	}
	return nil
}

// PrepareAuthorizationResponse returns the message redirecting the user to
// the consumer's callback, or nil when the consumer gave no callback and the
// user must return by hand.
func (sp *ServiceProvider) PrepareAuthorizationResponse(req *UserAuthorizationRequest) (*UserAuthorizationResponse, error) {
	callback, err := req.CallbackURL()
	if err != nil || callback == nil {
		return nil, err
	}
	return &UserAuthorizationResponse{
		MessageBase: newBase(messaging.Indirect, callback),
		Token:       req.Token,
	}, nil
}

// ReadAccessTokenRequest reads a signed exchange of a request token.
func (sp *ServiceProvider) ReadAccessTokenRequest(ctx context.Context, r *http.Request) (*AuthorizedTokenRequest, error) {
	msg, err := sp.receive(ctx, r)
	if err != nil || msg == nil {
		return nil, err
	}
	req, ok := msg.(*AuthorizedTokenRequest)
	if !ok {
		return nil, unexpected(msg, "an access token request")
	}
	return req, nil
}

// PrepareAccessTokenMessage retires req's request token and issues an access
// token. The request token must be approved and issued to the same consumer.
func (sp *ServiceProvider) PrepareAccessTokenMessage(ctx context.Context, req *AuthorizedTokenRequest) (*AuthorizedTokenResponse, error) {
	if err := sp.requireType(ctx, req, req.Token, RequestToken); err != nil {
		return nil, err
	}
	authorized, err := sp.tokens.IsRequestTokenAuthorized(ctx, req.Token)
	if err != nil && !errors.Is(err, ErrUnknownToken) {
		return nil, err
	}
	if !authorized {
		return nil, messaging.TrustError(req, ErrTokenNotAuthorized, "request token %q", req.Token)
	}
	token, secret, err := sp.generate(ctx, AccessToken, req.ConsumerKey)
	if err != nil {
		return nil, err
	}
	if err := sp.tokens.ExchangeForAccessToken(ctx, req.ConsumerKey, req.Token, token, secret); err != nil {
		if errors.Is(err, ErrUnknownToken) {
			return nil, messaging.TrustError(req, err, "request token %q cannot be exchanged by %q", req.Token, req.ConsumerKey)
		}
		return nil, err
	}
	resp := &AuthorizedTokenResponse{
		MessageBase: newBase(messaging.DirectResponse, req.Recipient),
		Token:       token,
		TokenSecret: secret,
	}
	resp.Secure = req.Secure
	return resp, nil
}

// ReadProtectedResourceAuthorization authenticates a consumer call signed
// with an access token. It returns nil, nil for requests with no OAuth
// credentials.
func (sp *ServiceProvider) ReadProtectedResourceAuthorization(ctx context.Context, r *http.Request) (*AccessProtectedResourceRequest, error) {
	msg, err := sp.receive(ctx, r)
	if err != nil || msg == nil {
		return nil, err
	}
	req, ok := msg.(*AccessProtectedResourceRequest)
	if !ok {
		return nil, unexpected(msg, "a protected resource request")
	}
	if err := sp.requireType(ctx, req, req.Token, AccessToken); err != nil {
		return nil, err
	}
	return req, nil
}

// TokenUser is the user who approved token.
func (sp *ServiceProvider) TokenUser(ctx context.Context, token string) (string, error) {
	return sp.tokens.TokenUser(ctx, token)
}

// Respond encodes msg and writes it to w.
func (sp *ServiceProvider) Respond(ctx context.Context, w http.ResponseWriter, msg messaging.Message) error {
	return sp.channel.Send(ctx, w, msg)
}

func (sp *ServiceProvider) receive(ctx context.Context, r *http.Request) (messaging.Message, error) {
	return sp.channel.Receive(ctx, r)
}

func (sp *ServiceProvider) requireType(ctx context.Context, msg messaging.Message, token string, want TokenType) error {
	got, err := sp.tokens.ClassifyToken(ctx, token)
	if err != nil {
		return err
	}
	if got != want {
		err := messaging.TrustError(msg, ErrUnknownToken, "token %q is %s, want %s", token, got, want)
		sp.channel.Report(ctx, msg, err)
		return err
	}
	return nil
}

func unexpected(msg messaging.Message, want string) error {
	return messaging.FormatError(msg, "", messaging.ErrUnrecognizedMessage, "expected %s", want)
}

// WriteError answers a failed OAuth request: 400 for malformed messages,
// 401 for failed protections and 500 otherwise.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch messaging.KindOf(err) {
	case messaging.KindFormat:
		status = http.StatusBadRequest
	case messaging.KindTrust:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", authorizationScheme+` realm=""`)
	}
	http.Error(w, err.Error(), status)
}
