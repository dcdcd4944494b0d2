package oauth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/providentiaww/openauth/pkg/messaging"
)

// Signature method names.
const (
	HMACSHA1  = "HMAC-SHA1"
	RSASHA1   = "RSA-SHA1"
	PLAINTEXT = "PLAINTEXT"
)

var (
	// ErrUnknownConsumer is returned by token managers for unregistered consumer keys.
	ErrUnknownConsumer = errors.New("unknown consumer key")
	// ErrUnknownToken is returned by token managers for tokens they never issued or already retired.
	ErrUnknownToken = errors.New("unknown token")
)

// SecretSource supplies the shared secrets that key HMAC-SHA1 and PLAINTEXT.
type SecretSource interface {
	GetConsumerSecret(ctx context.Context, consumerKey string) (string, error)
	GetTokenSecret(ctx context.Context, token string) (string, error)
}

// ConsumerPublicKeyProvider is implemented by token managers that hold
// consumer RSA keys.
type ConsumerPublicKeyProvider interface {
	GetConsumerPublicKey(ctx context.Context, consumerKey string) (*rsa.PublicKey, error)
}

// Secrets are the two halves of a shared signing key.
type Secrets struct {
	Consumer string
	Token    string
}

func (s Secrets) key() string {
	return Encode(s.Consumer) + "&" + Encode(s.Token)
}

// Signer is one oauth_signature_method.
type Signer interface {
	Name() string
	Sign(ctx context.Context, msg SignedRequest, base string, s Secrets) (string, error)
	Verify(ctx context.Context, msg SignedRequest, base, signature string, s Secrets) (bool, error)
}

// HMACSigner signs with HMAC-SHA1 over the signature base string.
type HMACSigner struct{}

func (HMACSigner) Name() string { return HMACSHA1 }

func (HMACSigner) Sign(_ context.Context, _ SignedRequest, base string, s Secrets) (string, error) {
	mac := hmac.New(sha1.New, []byte(s.key()))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (h HMACSigner) Verify(ctx context.Context, msg SignedRequest, base, signature string, s Secrets) (bool, error) {
	want, _ := h.Sign(ctx, msg, base, s)
	return messaging.EqualConstantTime(want, signature), nil
}

// PlaintextSigner sends the key itself. It only signs and accepts messages
// carried over TLS unless AllowInsecure is set.
type PlaintextSigner struct {
	AllowInsecure bool
}

func (PlaintextSigner) Name() string { return PLAINTEXT }

func (p PlaintextSigner) Sign(_ context.Context, msg SignedRequest, _ string, s Secrets) (string, error) {
	if r := msg.Base().Recipient; !p.AllowInsecure && (r == nil || r.Scheme != "https") {
		return "", messaging.ConfigurationError(nil, "PLAINTEXT signatures require an https recipient")
	}
	return s.key(), nil
}

func (p PlaintextSigner) Verify(_ context.Context, msg SignedRequest, _ string, signature string, s Secrets) (bool, error) {
	if !p.AllowInsecure && !msg.Base().Secure {
		return false, nil
	}
	return messaging.EqualConstantTime(s.key(), signature), nil
}

// RSASigner signs with the consumer's private key and verifies with keys
// from PublicKeys. Either side may be nil on a signer used in one direction.
type RSASigner struct {
	PrivateKey *rsa.PrivateKey
	PublicKeys ConsumerPublicKeyProvider
}

func (RSASigner) Name() string { return RSASHA1 }

func (r RSASigner) Sign(_ context.Context, _ SignedRequest, base string, _ Secrets) (string, error) {
	if r.PrivateKey == nil {
		return "", messaging.ConfigurationError(nil, "RSA-SHA1 signer has no private key")
	}
	sum := sha1.Sum([]byte(base))
	sig, err := rsa.SignPKCS1v15(rand.Reader, r.PrivateKey, crypto.SHA1, sum[:])
	if err != nil {
		return "", fmt.Errorf("RSA-SHA1 sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (r RSASigner) Verify(ctx context.Context, msg SignedRequest, base, signature string, _ Secrets) (bool, error) {
	if r.PublicKeys == nil {
		return false, messaging.ConfigurationError(nil, "RSA-SHA1 signer has no public key source")
	}
	pub, err := r.PublicKeys.GetConsumerPublicKey(ctx, msg.signed().ConsumerKey)
	if errors.Is(err, ErrUnknownConsumer) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	sum := sha1.Sum([]byte(base))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, sum[:], raw) == nil, nil
}

// SigningElement provides tamper protection for every SignedRequest.
type SigningElement struct {
	secrets SecretSource
	signers []Signer
}

// NewSigningElement signs outgoing messages with the first signer that the
// message does not override, and accepts any of signers on receipt.
// With no signers it uses HMAC-SHA1.
func NewSigningElement(secrets SecretSource, signers ...Signer) *SigningElement {
	if len(signers) == 0 {
		signers = []Signer{HMACSigner{}}
	}
	return &SigningElement{secrets: secrets, signers: signers}
}

func (e *SigningElement) Protection() messaging.Protections {
	return messaging.TamperProtection
}

func (e *SigningElement) signer(name string) Signer {
	for _, s := range e.signers {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func (e *SigningElement) ProcessOutgoing(ctx context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	m, ok := msg.(SignedRequest)
	if !ok {
		return messaging.None, false, nil
	}
	parts := m.signed()
	signer := e.signers[0]
	if parts.SignatureMethod != "" {
		if signer = e.signer(parts.SignatureMethod); signer == nil {
			return messaging.None, true, messaging.ConfigurationError(nil, "no signer for %s", parts.SignatureMethod)
		}
	}
	parts.SignatureMethod = signer.Name()
	if parts.OAuthVersion == "" {
		parts.OAuthVersion = ProtocolVersion
	}
	secrets, err := e.lookup(ctx, m)
	if err != nil {
		return messaging.None, true, err
	}
	parts.Signature, err = signer.Sign(ctx, m, SignatureBaseString(m), secrets)
	if err != nil {
		return messaging.None, true, err
	}
	return messaging.TamperProtection, true, nil
}

func (e *SigningElement) ProcessIncoming(ctx context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	m, ok := msg.(SignedRequest)
	if !ok {
		return messaging.None, false, nil
	}
	parts := m.signed()
	signer := e.signer(parts.SignatureMethod)
	if signer == nil {
		return messaging.None, true, messaging.TrustError(msg, messaging.ErrInvalidSignature, "unsupported signature method %q", parts.SignatureMethod)
	}
	secrets, err := e.lookup(ctx, m)
	if errors.Is(err, ErrUnknownConsumer) || errors.Is(err, ErrUnknownToken) {
		return messaging.None, true, messaging.TrustError(msg, messaging.ErrInvalidSignature, "%v", err)
	}
	if err != nil {
		return messaging.None, true, err
	}
	valid, err := signer.Verify(ctx, m, SignatureBaseString(m), parts.Signature, secrets)
	if err != nil {
		return messaging.None, true, err
	}
	if !valid {
		return messaging.None, true, messaging.TrustError(msg, messaging.ErrInvalidSignature, "%s signature mismatch", signer.Name())
	}
	return messaging.TamperProtection, true, nil
}

func (e *SigningElement) lookup(ctx context.Context, m SignedRequest) (Secrets, error) {
	var s Secrets
	var err error
	if s.Consumer, err = e.secrets.GetConsumerSecret(ctx, m.signed().ConsumerKey); err != nil {
		return s, fmt.Errorf("consumer %q: %w", m.signed().ConsumerKey, err)
	}
	if token := tokenOf(m); token != "" {
		if s.Token, err = e.secrets.GetTokenSecret(ctx, token); err != nil {
			return s, fmt.Errorf("token %q: %w", token, err)
		}
	}
	return s, nil
}

// SignatureBaseString joins the HTTP method, the normalized request URL and
// the sorted, encoded parameters of msg.
func SignatureBaseString(msg messaging.Message) string {
	base := msg.Base()
	method := strings.ToUpper(base.Method)
	if method == "" {
		method = "POST"
	}
	params := messaging.ToMap(msg)
	var endpoint string
	if base.Recipient != nil {
		for k, vs := range base.Recipient.Query() {
			if _, set := params[k]; !set && len(vs) > 0 {
				params[k] = vs[0]
			}
		}
		endpoint = NormalizeURL(base.Recipient)
	}
	delete(params, "oauth_signature")
	delete(params, "realm")
	return method + "&" + Encode(endpoint) + "&" + Encode(NormalizeParameters(params))
}

// NormalizeURL lowercases the scheme and host, drops default ports and
// strips the query and fragment.
func NormalizeURL(u *url.URL) string {
	out := messaging.WithoutQuery(u)
	out.Scheme = strings.ToLower(out.Scheme)
	host := strings.ToLower(out.Hostname())
	if port := out.Port(); port != "" && !(out.Scheme == "http" && port == "80") && !(out.Scheme == "https" && port == "443") {
		host += ":" + port
	}
	out.Host = host
	out.User = nil
	if out.Path == "" {
		out.Path = "/"
	}
	return out.String()
}

// NormalizeParameters encodes params as name=value pairs sorted by name.
func NormalizeParameters(params map[string]string) string {
	encoded := make(map[string]string, len(params))
	names := make([]string, 0, len(params))
	for k, v := range params {
		name := Encode(k)
		encoded[name] = Encode(v)
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + encoded[name]
	}
	return strings.Join(pairs, "&")
}

// Encode percent-encodes s leaving only RFC 3986 unreserved characters.
func Encode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') || c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}
