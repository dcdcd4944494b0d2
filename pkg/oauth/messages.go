// Package oauth implements both ends of OAuth 1.0: a consumer that obtains
// and uses access tokens, and a service provider that issues and checks them.
package oauth

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
)

// V10 is the only protocol revision.
var V10 = messaging.Version{Major: 1, Minor: 0}

// ProtocolVersion is the value of oauth_version.
const ProtocolVersion = "1.0"

// ServiceProviderDescription lists a service provider's three endpoints.
type ServiceProviderDescription struct {
	RequestTokenEndpoint      *url.URL
	UserAuthorizationEndpoint *url.URL
	AccessTokenEndpoint       *url.URL
}

// Validate reports a description missing an endpoint.
func (d ServiceProviderDescription) Validate() error {
	if d.RequestTokenEndpoint == nil || d.UserAuthorizationEndpoint == nil || d.AccessTokenEndpoint == nil {
		return messaging.ConfigurationError(nil, "service provider description needs all three endpoints")
	}
	return nil
}

// SignedParts are the oauth_* parameters every signed consumer request carries.
type SignedParts struct {
	ConsumerKey     string `part:"oauth_consumer_key,required,signed"`
	SignatureMethod string `part:"oauth_signature_method,required,signed"`
	Signature       string `part:"oauth_signature,required"`
	OAuthTimestamp  string `part:"oauth_timestamp,required,signed"`
	OAuthNonce      string `part:"oauth_nonce,required,signed"`
	OAuthVersion    string `part:"oauth_version,signed"`
}

func (p *SignedParts) signed() *SignedParts { return p }

func (p *SignedParts) IsTimestamped() bool { return true }

func (p *SignedParts) CreatedAt() (time.Time, error) {
	secs, err := strconv.ParseInt(p.OAuthTimestamp, 10, 64)
	if err != nil || secs < 0 {
		return time.Time{}, fmt.Errorf("oauth_timestamp %q is not a count of seconds", p.OAuthTimestamp)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (p *SignedParts) SetCreatedAt(t time.Time) {
	p.OAuthTimestamp = strconv.FormatInt(t.Unix(), 10)
}

// NonceContext scopes nonces to the consumer that issued them.
func (p *SignedParts) NonceContext() string { return p.ConsumerKey }

func (p *SignedParts) Nonce() string { return p.OAuthNonce }

func (p *SignedParts) SetNonce(nonce string) { p.OAuthNonce = nonce }

// SignedRequest is a consumer request covered by the signing element.
type SignedRequest interface {
	messaging.Message
	IsTimestamped() bool
	CreatedAt() (time.Time, error)
	SetCreatedAt(t time.Time)
	NonceContext() string
	Nonce() string
	SetNonce(nonce string)
	signed() *SignedParts
}

// UnauthorizedTokenRequest asks the service provider for a request token.
type UnauthorizedTokenRequest struct {
	messaging.MessageBase
	SignedParts
}

// UnauthorizedTokenResponse issues a request token.
type UnauthorizedTokenResponse struct {
	messaging.MessageBase
	Token       string `part:"oauth_token,required"`
	TokenSecret string `part:"oauth_token_secret,required"`
}

// UserAuthorizationRequest sends the user to the service provider to approve
// a request token.
type UserAuthorizationRequest struct {
	messaging.MessageBase
	Token    string `part:"oauth_token,required"`
	Callback string `part:"oauth_callback"`
}

// CallbackURL parses oauth_callback. It returns nil when the consumer gave none.
func (m *UserAuthorizationRequest) CallbackURL() (*url.URL, error) {
	if m.Callback == "" {
		return nil, nil
	}
	u, err := url.Parse(m.Callback)
	if err != nil || !u.IsAbs() {
		return nil, messaging.FormatError(m, "oauth_callback", messaging.ErrInvalidPart, "callback %q is not an absolute URL", m.Callback)
	}
	return u, nil
}

// UserAuthorizationResponse returns the user to the consumer's callback once
// the request token is approved.
type UserAuthorizationResponse struct {
	messaging.MessageBase
	Token string `part:"oauth_token,required"`
}

// AuthorizedTokenRequest exchanges an approved request token for an access token.
type AuthorizedTokenRequest struct {
	messaging.MessageBase
	SignedParts
	Token string `part:"oauth_token,required,signed"`
}

// AuthorizedTokenResponse issues an access token.
type AuthorizedTokenResponse struct {
	messaging.MessageBase
	Token       string `part:"oauth_token,required"`
	TokenSecret string `part:"oauth_token_secret,required"`
}

// AccessProtectedResourceRequest is a consumer call to a protected resource.
type AccessProtectedResourceRequest struct {
	messaging.MessageBase
	SignedParts
	Token string `part:"oauth_token,required,signed"`
}

func newBase(t messaging.Transport, recipient *url.URL) messaging.MessageBase {
	return messaging.MessageBase{Version: V10, Transport: t, Recipient: recipient}
}

func tokenOf(msg messaging.Message) string {
	v, _ := messaging.GetPart(msg, "oauth_token")
	return v
}
