package oauth

import (
	"context"
	"crypto/rsa"
	"sync"

	"github.com/google/uuid"

	"github.com/providentiaww/openauth/pkg/messaging"
)

// TokenType classifies a token string.
type TokenType int

const (
	InvalidToken TokenType = iota
	RequestToken
	AccessToken
)

func (t TokenType) String() string {
	switch t {
	case RequestToken:
		return "request"
	case AccessToken:
		return "access"
	default:
		return "invalid"
	}
}

// TokenManager stores consumer secrets and the tokens issued to them. Both
// roles use it: a consumer stores the tokens it receives, a service provider
// the tokens it issues.
type TokenManager interface {
	SecretSource
	StoreNewRequestToken(ctx context.Context, req *UnauthorizedTokenRequest, resp *UnauthorizedTokenResponse) error
	IsRequestTokenAuthorized(ctx context.Context, requestToken string) (bool, error)
	// ExchangeForAccessToken retires requestToken and records the access
	// token in one step. It fails with ErrUnknownToken when requestToken
	// was already exchanged or was issued to another consumer.
	ExchangeForAccessToken(ctx context.Context, consumerKey, requestToken, accessToken, accessTokenSecret string) error
	ClassifyToken(ctx context.Context, token string) (TokenType, error)
}

// ServiceProviderTokenManager adds the user approval a service provider records.
type ServiceProviderTokenManager interface {
	TokenManager
	AuthorizeRequestToken(ctx context.Context, requestToken, user string) error
	// TokenUser is the user who approved the token, or who approved the
	// request token an access token was exchanged for.
	TokenUser(ctx context.Context, token string) (string, error)
}

// TokenGenerator mints a token and secret of the given type for consumerKey.
type TokenGenerator func(ctx context.Context, kind TokenType, consumerKey string) (token, secret string, err error)

// GenerateToken is the default TokenGenerator: a random UUID token and a
// 24-byte random secret.
func GenerateToken(_ context.Context, _ TokenType, _ string) (string, string, error) {
	secret, err := messaging.RandomString(24)
	if err != nil {
		return "", "", err
	}
	return uuid.NewString(), secret, nil
}

type tokenRecord struct {
	consumerKey string
	secret      string
	kind        TokenType
	authorized  bool
	user        string
}

// MemoryTokenManager keeps consumers and tokens in process memory.
type MemoryTokenManager struct {
	mu         sync.Mutex
	consumers  map[string]string
	publicKeys map[string]*rsa.PublicKey
	tokens     map[string]*tokenRecord
}

func NewMemoryTokenManager() *MemoryTokenManager {
	return &MemoryTokenManager{
		consumers:  make(map[string]string),
		publicKeys: make(map[string]*rsa.PublicKey),
		tokens:     make(map[string]*tokenRecord),
	}
}

// AddConsumer registers a consumer key and its secret. pub is optional and
// enables RSA-SHA1 for the consumer.
func (m *MemoryTokenManager) AddConsumer(key, secret string, pub *rsa.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[key] = secret
	if pub != nil {
		m.publicKeys[key] = pub
	}
}

func (m *MemoryTokenManager) GetConsumerSecret(_ context.Context, consumerKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.consumers[consumerKey]
	if !ok {
		return "", ErrUnknownConsumer
	}
	return secret, nil
}

func (m *MemoryTokenManager) GetConsumerPublicKey(_ context.Context, consumerKey string) (*rsa.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.publicKeys[consumerKey]
	if !ok {
		return nil, ErrUnknownConsumer
	}
	return pub, nil
}

func (m *MemoryTokenManager) GetTokenSecret(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[token]
	if !ok {
		return "", ErrUnknownToken
	}
	return rec.secret, nil
}

func (m *MemoryTokenManager) StoreNewRequestToken(_ context.Context, req *UnauthorizedTokenRequest, resp *UnauthorizedTokenResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[resp.Token] = &tokenRecord{consumerKey: req.ConsumerKey, secret: resp.TokenSecret, kind: RequestToken}
	return nil
}

func (m *MemoryTokenManager) AuthorizeRequestToken(_ context.Context, requestToken, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[requestToken]
	if !ok || rec.kind != RequestToken {
		return ErrUnknownToken
	}
	rec.authorized = true
	rec.user = user
	return nil
}

func (m *MemoryTokenManager) IsRequestTokenAuthorized(_ context.Context, requestToken string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[requestToken]
	if !ok || rec.kind != RequestToken {
		return false, ErrUnknownToken
	}
	return rec.authorized, nil
}

func (m *MemoryTokenManager) ExchangeForAccessToken(_ context.Context, consumerKey, requestToken, accessToken, accessTokenSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[requestToken]
	if !ok || rec.kind != RequestToken || rec.consumerKey != consumerKey {
		return ErrUnknownToken
	}
	delete(m.tokens, requestToken)
	m.tokens[accessToken] = &tokenRecord{
		consumerKey: consumerKey,
		secret:      accessTokenSecret,
		kind:        AccessToken,
		authorized:  true,
		user:        rec.user,
	}
	return nil
}

func (m *MemoryTokenManager) ClassifyToken(_ context.Context, token string) (TokenType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.tokens[token]; ok {
		return rec.kind, nil
	}
	return InvalidToken, nil
}

func (m *MemoryTokenManager) TokenUser(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[token]
	if !ok {
		return "", ErrUnknownToken
	}
	return rec.user, nil
}
