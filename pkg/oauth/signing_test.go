package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/providentiaww/openauth/pkg/messaging"
)

func mustParse(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func photosRequest() *AccessProtectedResourceRequest {
	req := &AccessProtectedResourceRequest{
		MessageBase: newBase(messaging.Direct, mustParse("http://photos.example.net/photos?file=vacation.jpg&size=original")),
		Token:       "nnch734d00sl2jdk",
	}
	req.Method = "GET"
	req.ConsumerKey = "dpf43f3p2l4k3l03"
	req.SignatureMethod = HMACSHA1
	req.OAuthTimestamp = "1191242096"
	req.OAuthNonce = "kllo9940pd9333jh"
	req.OAuthVersion = "1.0"
	return req
}

func TestSignatureBaseStringReference(t *testing.T) {
	t.Parallel()
	req := photosRequest()
	want := "GET&http%3A%2F%2Fphotos.example.net%2Fphotos&file%3Dvacation.jpg%26oauth_consumer_key%3Ddpf43f3p2l4k3l03" +
		"%26oauth_nonce%3Dkllo9940pd9333jh%26oauth_signature_method%3DHMAC-SHA1%26oauth_timestamp%3D1191242096" +
		"%26oauth_token%3Dnnch734d00sl2jdk%26oauth_version%3D1.0%26size%3Doriginal"
	base := SignatureBaseString(req)
	if base != want {
		t.Fatalf("base string =\n%s\nwant\n%s", base, want)
	}

	secrets := Secrets{Consumer: "kd94hf93k423kf44", Token: "pfkkdhi9sl3r4s00"}
	sig, err := HMACSigner{}.Sign(context.Background(), req, base, secrets)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig != "tR3+Ty81lMeYAr/Fid0kMTYa/WM=" {
		t.Fatalf("signature = %q", sig)
	}

	req.Signature = sig
	if got := SignatureBaseString(req); got != want {
		t.Fatalf("oauth_signature leaked into the base string")
	}
}

func TestPlaintextSigner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	secrets := Secrets{Consumer: "kd94hf93k423kf44", Token: "pfkkdhi9sl3r4s00"}

	req := photosRequest()
	if _, err := (PlaintextSigner{}).Sign(ctx, req, "", secrets); messaging.KindOf(err) != messaging.KindConfiguration {
		t.Fatalf("PLAINTEXT over http = %v", err)
	}
	req.Recipient = mustParse("https://photos.example.net/photos")
	sig, err := PlaintextSigner{}.Sign(ctx, req, "", secrets)
	if err != nil || sig != "kd94hf93k423kf44&pfkkdhi9sl3r4s00" {
		t.Fatalf("Sign = %q, %v", sig, err)
	}

	if ok, _ := (PlaintextSigner{}).Verify(ctx, req, "", sig, secrets); ok {
		t.Fatalf("PLAINTEXT accepted on an insecure message")
	}
	req.Secure = true
	if ok, _ := (PlaintextSigner{}).Verify(ctx, req, "", sig, secrets); !ok {
		t.Fatalf("PLAINTEXT rejected over TLS")
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"abcABC123": "abcABC123",
		"-._~":      "-._~",
		"%":         "%25",
		"+":         "%2B",
		"&=*":       "%26%3D%2A",
		"\n":        "%0A",
		" ":         "%20",
		"\u0080":    "%C2%80",
		"/":         "%2F",
	}
	for in, want := range tests {
		if got := Encode(in); got != want {
			t.Fatalf("Encode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"HTTP://Example.COM:80/r%20v/X?id=123": "http://example.com/r%20v/X",
		"https://www.example.net:8080/?q=1":    "https://www.example.net:8080/",
		"https://example.com:443":              "https://example.com/",
		"http://example.com:443/a#frag":        "http://example.com:443/a",
	}
	for in, want := range tests {
		if got := NormalizeURL(mustParse(in)); got != want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeParametersSortsByName(t *testing.T) {
	t.Parallel()
	got := NormalizeParameters(map[string]string{"a-b": "2", "a": "1", "c": "x y"})
	if got != "a=1&a-b=2&c=x%20y" {
		t.Fatalf("NormalizeParameters = %q", got)
	}
}

func TestAuthorizationHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	params := map[string]string{
		"oauth_consumer_key": "0685bd9184jfhq22",
		"oauth_signature":    "wOJIO9A2W5mFwDgiDvZbTSMK/PY=",
	}
	header := AuthorizationHeader("http://sp.example.com/", params)
	if !strings.HasPrefix(header, `OAuth realm="http%3A%2F%2Fsp.example.com%2F", `) ||
		!strings.Contains(header, `oauth_signature="wOJIO9A2W5mFwDgiDvZbTSMK%2FPY%3D"`) {
		t.Fatalf("header = %s", header)
	}
	parsed, err := ParseAuthorizationHeader(header)
	if err != nil {
		t.Fatalf("ParseAuthorizationHeader: %v", err)
	}
	if len(parsed) != 2 || parsed["oauth_signature"] != params["oauth_signature"] {
		t.Fatalf("parsed = %v", parsed)
	}
	if parsed, err := ParseAuthorizationHeader("Basic dXNlcjpwYXNz"); parsed != nil || err != nil {
		t.Fatalf("Basic header = %v, %v", parsed, err)
	}
	if _, err := ParseAuthorizationHeader(`OAuth oauth_token`); err == nil {
		t.Fatalf("malformed header accepted")
	}
}

func TestParseAuthorizationHeaderQuotedCommas(t *testing.T) {
	t.Parallel()
	parsed, err := ParseAuthorizationHeader(`OAuth realm="a, b", oauth_consumer_key="ck", oauth_callback="http://c.example/?x=1,2" ,oauth_nonce="say \"hi\", bye"`)
	if err != nil {
		t.Fatalf("ParseAuthorizationHeader: %v", err)
	}
	want := map[string]string{
		"oauth_consumer_key": "ck",
		"oauth_callback":     "http://c.example/?x=1,2",
		"oauth_nonce":        `say "hi", bye`,
	}
	if !reflect.DeepEqual(parsed, want) {
		t.Fatalf("parsed = %q", parsed)
	}
	if _, err := ParseAuthorizationHeader(`OAuth oauth_token="open, oauth_nonce="n"`); err == nil {
		t.Fatalf("unterminated quote accepted")
	}
}

func signedFixture(t *testing.T, signers ...Signer) (*SigningElement, *AccessProtectedResourceRequest) {
	t.Helper()
	ctx := context.Background()
	tokens := NewMemoryTokenManager()
	tokens.AddConsumer("ck", "cks", nil)
	issueAccessToken(t, tokens, "ck", "at", "ats")

	el := NewSigningElement(tokens, signers...)
	req := &AccessProtectedResourceRequest{
		MessageBase: newBase(messaging.Direct, mustParse("http://sp.example/api?x=1")),
		Token:       "at",
	}
	req.ConsumerKey = "ck"
	req.OAuthTimestamp = "1700000000"
	req.OAuthNonce = "n"
	req.ExtraData()["q"] = "search"
	if _, applied, err := el.ProcessOutgoing(ctx, req); err != nil || !applied {
		t.Fatalf("ProcessOutgoing = %v, %v", applied, err)
	}
	return el, req
}

func issueAccessToken(t *testing.T, tokens *MemoryTokenManager, consumer, token, secret string) {
	t.Helper()
	ctx := context.Background()
	req := &UnauthorizedTokenRequest{}
	req.ConsumerKey = consumer
	if err := tokens.StoreNewRequestToken(ctx, req, &UnauthorizedTokenResponse{Token: "rt-" + token, TokenSecret: "rts"}); err != nil {
		t.Fatal(err)
	}
	if err := tokens.ExchangeForAccessToken(ctx, consumer, "rt-"+token, token, secret); err != nil {
		t.Fatal(err)
	}
}

func TestSigningElementRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	el, req := signedFixture(t)
	if req.SignatureMethod != HMACSHA1 || req.OAuthVersion != "1.0" || req.Signature == "" {
		t.Fatalf("outgoing parts = %+v", req.SignedParts)
	}
	if _, _, err := el.ProcessIncoming(ctx, req); err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}

	req.ExtraData()["q"] = "tampered"
	_, _, err := el.ProcessIncoming(ctx, req)
	if !messaging.IsTrustError(err) || !errors.Is(err, messaging.ErrInvalidSignature) {
		t.Fatalf("tampered = %v", err)
	}
}

func TestSigningElementRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	el, req := signedFixture(t)
	req.SignatureMethod = "HMAC-MD5"
	if _, _, err := el.ProcessIncoming(ctx, req); !messaging.IsTrustError(err) {
		t.Fatalf("unsupported method = %v", err)
	}

	el, req = signedFixture(t)
	req.ConsumerKey = "stranger"
	if _, _, err := el.ProcessIncoming(ctx, req); !messaging.IsTrustError(err) {
		t.Fatalf("unknown consumer = %v", err)
	}

	el, req = signedFixture(t)
	req.Token = "forged"
	if _, _, err := el.ProcessIncoming(ctx, req); !messaging.IsTrustError(err) {
		t.Fatalf("unknown token = %v", err)
	}

	if _, applied, _ := el.ProcessIncoming(ctx, &UserAuthorizationResponse{}); applied {
		t.Fatalf("unsigned message was checked")
	}
}

func TestRSASigner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tokens := NewMemoryTokenManager()
	tokens.AddConsumer("ck", "", &key.PublicKey)
	issueAccessToken(t, tokens, "ck", "at", "ats")

	consumer := NewSigningElement(tokens, RSASigner{PrivateKey: key})
	provider := NewSigningElement(tokens, HMACSigner{}, RSASigner{PublicKeys: tokens})

	req := &AccessProtectedResourceRequest{
		MessageBase: newBase(messaging.Direct, mustParse("https://sp.example/api")),
		Token:       "at",
	}
	req.ConsumerKey = "ck"
	req.OAuthTimestamp = "1700000000"
	req.OAuthNonce = "n"
	if _, _, err := consumer.ProcessOutgoing(ctx, req); err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	if req.SignatureMethod != RSASHA1 {
		t.Fatalf("method = %q", req.SignatureMethod)
	}
	if _, _, err := provider.ProcessIncoming(ctx, req); err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	req.OAuthNonce = "other"
	if _, _, err := provider.ProcessIncoming(ctx, req); !messaging.IsTrustError(err) {
		t.Fatalf("tampered RSA request = %v", err)
	}
}

func TestParseKeys(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	der, _ := x509.MarshalPKCS8PrivateKey(key)
	pkcs8 := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	for name, value := range map[string]string{
		"pkcs1":   pkcs1,
		"pkcs8":   pkcs8,
		"escaped": strings.ReplaceAll(pkcs8, "\n", `\n`),
	} {
		parsed, err := ParsePrivateKey(value)
		if err != nil || !parsed.Equal(key) {
			t.Fatalf("%s: ParsePrivateKey = %v", name, err)
		}
	}
	if _, err := ParsePrivateKey("not a key"); err == nil {
		t.Fatalf("garbage accepted")
	}

	pkix, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	pub, err := ParsePublicKey(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix})))
	if err != nil || !pub.Equal(&key.PublicKey) {
		t.Fatalf("ParsePublicKey = %v", err)
	}
	pub, err = ParsePublicKey(string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})))
	if err != nil || !pub.Equal(&key.PublicKey) {
		t.Fatalf("ParsePublicKey PKCS1 = %v", err)
	}

	kid, err := KeyID(&key.PublicKey)
	if err != nil || len(kid) != 43 {
		t.Fatalf("KeyID = %q, %v", kid, err)
	}
	again, _ := KeyID(pub)
	if again != kid {
		t.Fatalf("KeyID not stable")
	}
}
