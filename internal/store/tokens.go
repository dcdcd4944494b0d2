package store

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/providentiaww/openauth/pkg/oauth"
)

// SQLTokenManager persists OAuth consumers and tokens. Token strings are
// stored only as their SHA-256 hash; token secrets are kept as issued since
// signature verification needs them.
type SQLTokenManager struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

var (
	_ oauth.ServiceProviderTokenManager = (*SQLTokenManager)(nil)
	_ oauth.ConsumerPublicKeyProvider   = (*SQLTokenManager)(nil)
)

// NewSQLTokenManager creates the schema if needed.
func NewSQLTokenManager(ctx context.Context, db *sql.DB, driver string) (*SQLTokenManager, error) {
	m := &SQLTokenManager{db: db, driver: driver, now: time.Now}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
	}
	return m, nil
}

// HashToken returns a hex-encoded SHA-256 hash.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (m *SQLTokenManager) q(query string) string { return rebind(m.driver, query) }

// AddConsumer registers or replaces a consumer. publicKeyPEM may be empty.
func (m *SQLTokenManager) AddConsumer(ctx context.Context, key, secret, publicKeyPEM string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, m.q(`DELETE FROM oauth_consumers WHERE consumer_key = ?`), key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.q(`INSERT INTO oauth_consumers (consumer_key, consumer_secret, public_key_pem) VALUES (?, ?, ?)`),
		key, nullableString(secret), nullableString(publicKeyPEM)); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *SQLTokenManager) consumer(ctx context.Context, key string) (secret, pem sql.NullString, err error) {
	err = m.db.QueryRowContext(ctx, m.q(`SELECT consumer_secret, public_key_pem FROM oauth_consumers WHERE consumer_key = ?`), key).
		Scan(&secret, &pem)
	if errors.Is(err, sql.ErrNoRows) {
		err = oauth.ErrUnknownConsumer
	}
	return secret, pem, err
}

func (m *SQLTokenManager) GetConsumerSecret(ctx context.Context, consumerKey string) (string, error) {
	secret, _, err := m.consumer(ctx, consumerKey)
	if err != nil {
		return "", err
	}
	return secret.String, nil
}

func (m *SQLTokenManager) GetConsumerPublicKey(ctx context.Context, consumerKey string) (*rsa.PublicKey, error) {
	_, pem, err := m.consumer(ctx, consumerKey)
	if err != nil {
		return nil, err
	}
	if !pem.Valid {
		return nil, oauth.ErrUnknownConsumer
	}
	return oauth.ParsePublicKey(pem.String)
}

type tokenRow struct {
	consumerKey string
	secret      string
	kind        oauth.TokenType
	authorized  bool
	user        string
}

// lookup returns nil when the token is unknown.
func (m *SQLTokenManager) lookup(ctx context.Context, token string) (*tokenRow, error) {
	var (
		row        tokenRow
		kind       int
		authorized int
		user       sql.NullString
	)
	err := m.db.QueryRowContext(ctx, m.q(`
		SELECT consumer_key, token_secret, token_type, authorized, username
		FROM oauth_tokens
		WHERE token_hash = ?
	`), HashToken(token)).Scan(&row.consumerKey, &row.secret, &kind, &authorized, &user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.kind = oauth.TokenType(kind)
	row.authorized = authorized != 0
	row.user = user.String
	return &row, nil
}

func (m *SQLTokenManager) GetTokenSecret(ctx context.Context, token string) (string, error) {
	row, err := m.lookup(ctx, token)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", oauth.ErrUnknownToken
	}
	return row.secret, nil
}

func (m *SQLTokenManager) StoreNewRequestToken(ctx context.Context, req *oauth.UnauthorizedTokenRequest, resp *oauth.UnauthorizedTokenResponse) error {
	_, err := m.db.ExecContext(ctx, m.q(`
		INSERT INTO oauth_tokens (token_hash, consumer_key, token_secret, token_type, authorized, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`), HashToken(resp.Token), req.ConsumerKey, resp.TokenSecret, int(oauth.RequestToken), m.now().Unix())
	return err
}

func (m *SQLTokenManager) AuthorizeRequestToken(ctx context.Context, requestToken, user string) error {
	res, err := m.db.ExecContext(ctx, m.q(`
		UPDATE oauth_tokens SET authorized = 1, username = ?
		WHERE token_hash = ? AND token_type = ?
	`), user, HashToken(requestToken), int(oauth.RequestToken))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (m *SQLTokenManager) IsRequestTokenAuthorized(ctx context.Context, requestToken string) (bool, error) {
	row, err := m.lookup(ctx, requestToken)
	if err != nil {
		return false, err
	}
	if row == nil || row.kind != oauth.RequestToken {
		return false, oauth.ErrUnknownToken
	}
	return row.authorized, nil
}

// ExchangeForAccessToken rewrites the request token row in place, so that of
// two concurrent exchanges only one matches the WHERE clause.
func (m *SQLTokenManager) ExchangeForAccessToken(ctx context.Context, consumerKey, requestToken, accessToken, accessTokenSecret string) error {
	res, err := m.db.ExecContext(ctx, m.q(`
		UPDATE oauth_tokens
		SET token_hash = ?, token_secret = ?, token_type = ?, created_at = ?
		WHERE token_hash = ? AND token_type = ? AND consumer_key = ?
	`), HashToken(accessToken), accessTokenSecret, int(oauth.AccessToken), m.now().Unix(),
		HashToken(requestToken), int(oauth.RequestToken), consumerKey)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (m *SQLTokenManager) ClassifyToken(ctx context.Context, token string) (oauth.TokenType, error) {
	row, err := m.lookup(ctx, token)
	if err != nil || row == nil {
		return oauth.InvalidToken, err
	}
	return row.kind, nil
}

func (m *SQLTokenManager) TokenUser(ctx context.Context, token string) (string, error) {
	row, err := m.lookup(ctx, token)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", oauth.ErrUnknownToken
	}
	return row.user, nil
}

// PurgeRequestTokens deletes request tokens issued more than olderThan ago
// that were never exchanged.
func (m *SQLTokenManager) PurgeRequestTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := m.db.ExecContext(ctx, m.q(`DELETE FROM oauth_tokens WHERE token_type = ? AND created_at < ?`),
		int(oauth.RequestToken), m.now().Add(-olderThan).Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return oauth.ErrUnknownToken
	}
	return nil
}
