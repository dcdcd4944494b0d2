package bindings

import (
	"context"
	"fmt"

	"github.com/providentiaww/openauth/pkg/messaging"
)

const defaultNonceBytes = 8

// ReplayProtected is implemented by messages that carry a nonce alongside
// their timestamp.
type ReplayProtected interface {
	Expiring
	// NonceContext scopes nonce uniqueness, typically the issuer's endpoint or key.
	NonceContext() string
	Nonce() string
	SetNonce(nonce string)
}

// ReplayElement stamps fresh nonces and consults a NonceStore on receipt.
type ReplayElement struct {
	store      NonceStore
	allowEmpty bool
	nonceBytes int
}

// NewReplayElement builds a replay element over store.
func NewReplayElement(store NonceStore) *ReplayElement {
	return &ReplayElement{store: store, nonceBytes: defaultNonceBytes}
}

// AllowZeroLengthNonce accepts incoming messages whose nonce is explicitly empty.
// The timestamp is still recorded.
func (e *ReplayElement) AllowZeroLengthNonce(allow bool) *ReplayElement {
	e.allowEmpty = allow
	return e
}

func (e *ReplayElement) Protection() messaging.Protections {
	return messaging.ReplayProtection
}

func (e *ReplayElement) ProcessOutgoing(_ context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	m, ok := msg.(ReplayProtected)
	if !ok || !m.IsTimestamped() {
		return messaging.None, false, nil
	}
	nonce, err := messaging.RandomString(e.nonceBytes)
	if err != nil {
		return messaging.None, true, fmt.Errorf("generating nonce: %w", err)
	}
	m.SetNonce(nonce)
	return messaging.ReplayProtection, true, nil
}

func (e *ReplayElement) ProcessIncoming(ctx context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	m, ok := msg.(ReplayProtected)
	if !ok || !m.IsTimestamped() {
		return messaging.None, false, nil
	}
	nonce := m.Nonce()
	if nonce == "" && !e.allowEmpty {
		return messaging.None, true, messaging.FormatError(msg, "nonce", messaging.ErrMissingPart, "zero-length nonce not allowed")
	}
	created, err := m.CreatedAt()
	if err != nil {
		return messaging.None, true, messaging.FormatError(msg, "timestamp", messaging.ErrInvalidPart, "%v", err)
	}
	valid, err := e.store.IsNonceValid(ctx, m.NonceContext(), created, nonce)
	if err != nil {
		return messaging.None, true, fmt.Errorf("nonce store: %w", err)
	}
	if !valid {
		return messaging.None, true, messaging.TrustError(msg, messaging.ErrReplayedMessage, "nonce %q already used or outside the accepted window", nonce)
	}
	return messaging.ReplayProtection, true, nil
}

// Store is the ledger backing the element.
func (e *ReplayElement) Store() NonceStore {
	return e.store
}
