package oauth

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/messaging/bindings"
)

// DefaultMaxMessageAge bounds how old a signed request may be on receipt.
const DefaultMaxMessageAge = 5 * time.Minute

const (
	maxDirectResponseBytes = 1 << 20
	authorizationScheme    = "OAuth"
	formContentType        = "application/x-www-form-urlencoded"
)

// ChannelOptions configures NewChannel.
type ChannelOptions struct {
	Description ServiceProviderDescription
	Secrets     SecretSource
	// Signers defaults to HMAC-SHA1 alone.
	Signers []Signer
	// Nonces defaults to an in-memory store scoped to MaxMessageAge.
	Nonces        bindings.NonceStore
	MaxMessageAge time.Duration

	Client               messaging.Doer
	Reporter             messaging.Reporter
	DirectRequestTimeout time.Duration
	MaxIndirectURLLength int
	// AssumeSecureTransport treats plain HTTP as confidential. Tests only.
	AssumeSecureTransport bool
}

// NewChannel builds a channel with the signing, replay and expiration
// elements over an Authorization-header wire format.
func NewChannel(opts ChannelOptions) (*messaging.Channel, error) {
	if err := opts.Description.Validate(); err != nil {
		return nil, err
	}
	if opts.Secrets == nil {
		return nil, messaging.ConfigurationError(nil, "oauth channel needs a secret source")
	}
	maxAge := opts.MaxMessageAge
	if maxAge <= 0 {
		maxAge = DefaultMaxMessageAge
	}
	nonces := opts.Nonces
	if nonces == nil {
		nonces = bindings.NewMemoryNonceStore(maxAge)
	}
	return messaging.NewChannel(messaging.ChannelOptions{
		Elements: []messaging.BindingElement{
			NewSigningElement(opts.Secrets, opts.Signers...),
			bindings.NewReplayElement(nonces),
			bindings.NewExpirationElement(maxAge),
		},
		Factory:               MessageFactory{Description: opts.Description},
		Wire:                  WireFormat{},
		Client:                opts.Client,
		Reporter:              opts.Reporter,
		DirectRequestTimeout:  opts.DirectRequestTimeout,
		MaxIndirectURLLength:  opts.MaxIndirectURLLength,
		AssumeSecureTransport: opts.AssumeSecureTransport,
	})
}

// MessageFactory tells OAuth requests apart by the endpoint they arrive at
// and the oauth_* parameters they carry.
type MessageFactory struct {
	Description ServiceProviderDescription
}

func (f MessageFactory) NewRequestMessage(recipient *url.URL, fields map[string]string) messaging.Message {
	_, hasConsumer := fields["oauth_consumer_key"]
	_, hasToken := fields["oauth_token"]
	switch {
	case hasConsumer && samePath(recipient, f.Description.RequestTokenEndpoint):
		return &UnauthorizedTokenRequest{MessageBase: newBase(messaging.Direct, nil)}
	case hasConsumer && samePath(recipient, f.Description.AccessTokenEndpoint):
		return &AuthorizedTokenRequest{MessageBase: newBase(messaging.Direct, nil)}
	case hasToken && !hasConsumer && samePath(recipient, f.Description.UserAuthorizationEndpoint):
		return &UserAuthorizationRequest{MessageBase: newBase(messaging.Indirect, nil)}
	case hasConsumer && hasToken:
		return &AccessProtectedResourceRequest{MessageBase: newBase(messaging.Direct, nil)}
	case hasToken:
		return &UserAuthorizationResponse{MessageBase: newBase(messaging.Indirect, nil)}
	default:
		return nil
	}
}

func (f MessageFactory) NewResponseMessage(request messaging.Message, fields map[string]string) messaging.Message {
	if fields["oauth_token"] == "" {
		return nil
	}
	switch request.(type) {
	case *UnauthorizedTokenRequest:
		return &UnauthorizedTokenResponse{MessageBase: newBase(messaging.DirectResponse, nil)}
	case *AuthorizedTokenRequest:
		return &AuthorizedTokenResponse{MessageBase: newBase(messaging.DirectResponse, nil)}
	default:
		return nil
	}
}

func samePath(u, endpoint *url.URL) bool {
	if u == nil || endpoint == nil {
		return false
	}
	return path.Join("/", u.Path) == path.Join("/", endpoint.Path)
}

// WireFormat sends oauth_* parameters in the Authorization header and the
// rest in the form body, or the query for GET.
type WireFormat struct{}

func (WireFormat) NewDirectRequest(ctx context.Context, msg messaging.Message, fields map[string]string) (*http.Request, error) {
	base := msg.Base()
	if base.Recipient == nil {
		return nil, messaging.ConfigurationError(nil, "%s has no recipient", messaging.TypeName(msg))
	}
	method := strings.ToUpper(base.Method)
	if method == "" {
		method = http.MethodPost
	}
	protocol := make(map[string]string)
	params := make(map[string]string)
	for k, v := range fields {
		if strings.HasPrefix(k, "oauth_") {
			protocol[k] = v
		} else {
			params[k] = v
		}
	}

	target := base.Recipient
	var body io.Reader
	hasBody := method == http.MethodPost || method == http.MethodPut
	if hasBody {
		body = strings.NewReader(messaging.CreateQueryString(params))
	} else {
		target = messaging.AppendQueryArgs(target, params)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if hasBody {
		req.Header.Set("Content-Type", formContentType)
	}
	req.Header.Set("Authorization", AuthorizationHeader("", protocol))
	return req, nil
}

func (WireFormat) ReadDirectResponse(resp *http.Response) (map[string]string, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("service provider answered %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing form response: %w", err)
	}
	return messaging.ToDictionary(values), nil
}

func (WireFormat) WriteDirectResponse(msg messaging.Message, fields map[string]string) (*messaging.OutgoingResponse, error) {
	status := msg.Base().Status
	if status == 0 {
		status = http.StatusOK
	}
	h := make(http.Header)
	h.Set("Content-Type", formContentType)
	h.Set("Cache-Control", "no-store")
	return &messaging.OutgoingResponse{
		Status:  status,
		Header:  h,
		Body:    []byte(messaging.CreateQueryString(fields)),
		Message: msg,
	}, nil
}

// ReadRequest merges the query, a urlencoded form body and the OAuth
// Authorization header, later sources overriding earlier ones. The realm
// header parameter is dropped.
func (WireFormat) ReadRequest(r *http.Request) (map[string]string, error) {
	fields := messaging.ToDictionary(r.URL.Query())
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == formContentType {
			if err := r.ParseForm(); err != nil {
				return nil, fmt.Errorf("parsing form: %w", err)
			}
			for k, v := range messaging.ToDictionary(r.PostForm) {
				fields[k] = v
			}
		}
	}
	header, err := ParseAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		fields[k] = v
	}
	return fields, nil
}

// AuthorizationHeader formats params as an OAuth Authorization header value.
func AuthorizationHeader(realm string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := []string{`realm="` + Encode(realm) + `"`}
	for _, k := range names {
		parts = append(parts, Encode(k)+`="`+Encode(params[k])+`"`)
	}
	return authorizationScheme + " " + strings.Join(parts, ", ")
}

// ParseAuthorizationHeader reads the parameters of an OAuth Authorization
// header. Headers of other schemes yield nil.
func ParseAuthorizationHeader(value string) (map[string]string, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(value), " ")
	if !strings.EqualFold(scheme, authorizationScheme) {
		return nil, nil
	}
	pairs, err := splitHeaderParams(rest)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string)
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed Authorization parameter %q", pair)
		}
		k, err := url.PathUnescape(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("malformed Authorization parameter %q: %w", pair, err)
		}
		v, err = url.PathUnescape(unquote(strings.TrimSpace(v)))
		if err != nil {
			return nil, fmt.Errorf("malformed Authorization parameter %q: %w", pair, err)
		}
		if k == "realm" {
			continue
		}
		params[k] = v
	}
	return params, nil
}

// splitHeaderParams splits on commas outside quoted strings.
func splitHeaderParams(s string) ([]string, error) {
	var pairs []string
	start, quoted, escaped := 0, false, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case escaped:
			escaped = false
		case quoted && c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			pairs = append(pairs, s[start:i])
			start = i + 1
		}
	}
	if quoted {
		return nil, fmt.Errorf("malformed Authorization header: unterminated quoted string")
	}
	return append(pairs, s[start:]), nil
}

// unquote strips the quotes of a quoted-string and resolves its escapes.
func unquote(v string) string {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}
	v = v[1 : len(v)-1]
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
		}
		b.WriteByte(v[i])
	}
	return b.String()
}
