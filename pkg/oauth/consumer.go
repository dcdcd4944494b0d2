package oauth

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/messaging/bindings"
)

// ConsumerOptions configures NewConsumer.
type ConsumerOptions struct {
	Description ServiceProviderDescription
	ConsumerKey string
	// Tokens must know the consumer's own secret.
	Tokens TokenManager
	// Signers defaults to HMAC-SHA1. The first one signs outgoing requests.
	Signers              []Signer
	Nonces               bindings.NonceStore
	Client               messaging.Doer
	Reporter             messaging.Reporter
	DirectRequestTimeout time.Duration
}

// Consumer drives the three-legged flow against one service provider.
type Consumer struct {
	desc    ServiceProviderDescription
	key     string
	tokens  TokenManager
	channel *messaging.Channel
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.ConsumerKey == "" {
		return nil, messaging.ConfigurationError(nil, "consumer key is required")
	}
	if opts.Tokens == nil {
		return nil, messaging.ConfigurationError(nil, "consumer needs a token manager")
	}
	ch, err := NewChannel(ChannelOptions{
		Description:          opts.Description,
		Secrets:              opts.Tokens,
		Signers:              opts.Signers,
		Nonces:               opts.Nonces,
		Client:               opts.Client,
		Reporter:             opts.Reporter,
		DirectRequestTimeout: opts.DirectRequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Consumer{desc: opts.Description, key: opts.ConsumerKey, tokens: opts.Tokens, channel: ch}, nil
}

// Channel is the channel the consumer sends and receives on.
func (c *Consumer) Channel() *messaging.Channel {
	return c.channel
}

// PrepareRequestUserAuthorization obtains a request token and returns the
// message that sends the user to approve it. requestParams travel with the
// token request. authParams travel with the user to the authorization page.
func (c *Consumer) PrepareRequestUserAuthorization(ctx context.Context, callback *url.URL, requestParams, authParams map[string]string) (*UserAuthorizationRequest, error) {
	req := &UnauthorizedTokenRequest{MessageBase: newBase(messaging.Direct, c.desc.RequestTokenEndpoint)}
	req.ConsumerKey = c.key
	for k, v := range requestParams {
		req.ExtraData()[k] = v
	}
	msg, err := c.channel.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*UnauthorizedTokenResponse)
	if !ok {
		return nil, unexpected(msg, "a request token")
	}
	if err := c.tokens.StoreNewRequestToken(ctx, req, resp); err != nil {
		return nil, err
	}

	auth := &UserAuthorizationRequest{
		MessageBase: newBase(messaging.Indirect, c.desc.UserAuthorizationEndpoint),
		Token:       resp.Token,
	}
	if callback != nil {
		auth.Callback = callback.String()
	}
	for k, v := range authParams {
		auth.ExtraData()[k] = v
	}
	return auth, nil
}

// ProcessUserAuthorization reads the user's return to the callback and
// exchanges the approved request token. It returns nil, nil when r is not
// an authorization callback.
func (c *Consumer) ProcessUserAuthorization(ctx context.Context, r *http.Request) (*AuthorizedTokenResponse, error) {
	msg, err := c.channel.Receive(ctx, r)
	if err != nil || msg == nil {
		return nil, err
	}
	resp, ok := msg.(*UserAuthorizationResponse)
	if !ok {
		return nil, unexpected(msg, "a user authorization response")
	}
	return c.ExchangeRequestToken(ctx, resp.Token)
}

// ExchangeRequestToken trades an approved request token for an access token
// and records it in the token manager.
func (c *Consumer) ExchangeRequestToken(ctx context.Context, requestToken string) (*AuthorizedTokenResponse, error) {
	req := &AuthorizedTokenRequest{
		MessageBase: newBase(messaging.Direct, c.desc.AccessTokenEndpoint),
		Token:       requestToken,
	}
	req.ConsumerKey = c.key
	msg, err := c.channel.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*AuthorizedTokenResponse)
	if !ok {
		return nil, unexpected(msg, "an access token")
	}
	if err := c.tokens.ExchangeForAccessToken(ctx, c.key, requestToken, resp.Token, resp.TokenSecret); err != nil {
		return nil, err
	}
	return resp, nil
}

// PrepareAuthorizedRequest signs a call to a protected resource with
// accessToken. params are sent in the query for GET and the form body
// otherwise.
func (c *Consumer) PrepareAuthorizedRequest(ctx context.Context, method string, endpoint *url.URL, accessToken string, params map[string]string) (*http.Request, error) {
	req := &AccessProtectedResourceRequest{
		MessageBase: newBase(messaging.Direct, endpoint),
		Token:       accessToken,
	}
	req.Method = method
	req.ConsumerKey = c.key
	for k, v := range params {
		req.ExtraData()[k] = v
	}
	return c.channel.PrepareRequest(ctx, req)
}
