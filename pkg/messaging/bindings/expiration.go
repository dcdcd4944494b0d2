package bindings

import (
	"context"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
)

// DefaultMaxClockSkew is how far in the future an incoming timestamp may be.
const DefaultMaxClockSkew = 10 * time.Minute

// Expiring is implemented by messages that carry a creation timestamp.
type Expiring interface {
	messaging.Message
	// IsTimestamped reports whether this message's version carries a timestamp.
	IsTimestamped() bool
	CreatedAt() (time.Time, error)
	SetCreatedAt(t time.Time)
}

// ExpirationElement stamps outgoing messages and rejects stale incoming ones.
type ExpirationElement struct {
	maxAge  time.Duration
	maxSkew time.Duration
	now     func() time.Time
}

// NewExpirationElement rejects incoming messages older than maxAge.
func NewExpirationElement(maxAge time.Duration) *ExpirationElement {
	return &ExpirationElement{maxAge: maxAge, maxSkew: DefaultMaxClockSkew, now: time.Now}
}

// WithClock replaces the element's time source.
func (e *ExpirationElement) WithClock(now func() time.Time) *ExpirationElement {
	e.now = now
	return e
}

func (e *ExpirationElement) Protection() messaging.Protections {
	return messaging.ExpirationProtection
}

func (e *ExpirationElement) ProcessOutgoing(_ context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	m, ok := msg.(Expiring)
	if !ok || !m.IsTimestamped() {
		return messaging.None, false, nil
	}
	m.SetCreatedAt(e.now().UTC().Truncate(time.Second))
	return messaging.ExpirationProtection, true, nil
}

func (e *ExpirationElement) ProcessIncoming(_ context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	m, ok := msg.(Expiring)
	if !ok || !m.IsTimestamped() {
		return messaging.None, false, nil
	}
	created, err := m.CreatedAt()
	if err != nil {
		return messaging.None, true, messaging.FormatError(msg, "timestamp", messaging.ErrInvalidPart, "%v", err)
	}
	now := e.now()
	if age := now.Sub(created); age > e.maxAge {
		return messaging.None, true, messaging.TrustError(msg, messaging.ErrExpiredMessage,
			"created %s ago, maximum age is %s", age.Truncate(time.Second), e.maxAge)
	}
	if ahead := created.Sub(now); ahead > e.maxSkew {
		return messaging.None, true, messaging.TrustError(msg, messaging.ErrExpiredMessage,
			"timestamp is %s in the future", ahead.Truncate(time.Second))
	}
	return messaging.ExpirationProtection, true, nil
}
