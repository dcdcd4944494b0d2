package openid

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/google/uuid"

	"github.com/providentiaww/openauth/pkg/messaging"
)

var ErrUnsupportedAssociationType = errors.New("unsupported association type")

// Association is a shared secret used to sign assertions.
type Association struct {
	Handle   string        `json:"handle"`
	Type     string        `json:"type"`
	Secret   []byte        `json:"secret"`
	Issued   time.Time     `json:"issued"`
	Lifetime time.Duration `json:"lifetime"`
}

// SecretSize is the secret length in bytes the association type requires.
func SecretSize(assocType string) (int, bool) {
	switch assocType {
	case HMACSHA1:
		return sha1.Size, true
	case HMACSHA256:
		return sha256.Size, true
	default:
		return 0, false
	}
}

func hashFor(assocType string) (func() hash.Hash, bool) {
	switch assocType {
	case HMACSHA1:
		return sha1.New, true
	case HMACSHA256:
		return sha256.New, true
	default:
		return nil, false
	}
}

// NewAssociation validates the secret size for the association type.
func NewAssociation(assocType, handle string, secret []byte, issued time.Time, lifetime time.Duration) (*Association, error) {
	size, ok := SecretSize(assocType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAssociationType, assocType)
	}
	if len(secret) != size {
		return nil, fmt.Errorf("%s secret must be %d bytes, got %d", assocType, size, len(secret))
	}
	if handle == "" {
		return nil, fmt.Errorf("association handle is required")
	}
	return &Association{
		Handle:   handle,
		Type:     assocType,
		Secret:   secret,
		Issued:   issued.UTC(),
		Lifetime: lifetime,
	}, nil
}

// GenerateAssociation mints a random association issued at now.
func GenerateAssociation(assocType string, lifetime time.Duration, now time.Time) (*Association, error) {
	size, ok := SecretSize(assocType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAssociationType, assocType)
	}
	secret, err := messaging.RandomBytes(size)
	if err != nil {
		return nil, err
	}
	handle := fmt.Sprintf("{%s}{%d}", uuid.NewString(), now.Unix())
	return NewAssociation(assocType, handle, secret, now, lifetime)
}

// Expires is the hard expiry time.
func (a *Association) Expires() time.Time {
	return a.Issued.Add(a.Lifetime)
}

// IsExpired reports whether now is past the hard expiry.
func (a *Association) IsExpired(now time.Time) bool {
	return !now.Before(a.Expires())
}

// HasUsefulLife reports whether at least minimum remains before expiry.
func (a *Association) HasUsefulLife(now time.Time, minimum time.Duration) bool {
	return a.Expires().Sub(now) >= minimum
}

// SecondsTillExpiration is the expires_in value sent to relying parties.
func (a *Association) SecondsTillExpiration(now time.Time) int64 {
	secs := int64(a.Expires().Sub(now) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// Sign computes the base64 signature over the named fields. fields holds
// wire keys with the "openid." prefix; signed lists names without it.
func (a *Association) Sign(fields map[string]string, signed []string) (string, error) {
	mac, err := a.mac(fields, signed)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac), nil
}

// Verify recomputes the signature and compares it in constant time.
func (a *Association) Verify(fields map[string]string, signed []string, signature string) (bool, error) {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	want, err := a.mac(fields, signed)
	if err != nil {
		return false, err
	}
	return hmac.Equal(got, want), nil
}

func (a *Association) mac(fields map[string]string, signed []string) ([]byte, error) {
	newHash, ok := hashFor(a.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAssociationType, a.Type)
	}
	unprefixed := make(map[string]string, len(signed))
	for _, name := range signed {
		value, ok := fields[ProtocolArgPrefix+name]
		if !ok {
			return nil, fmt.Errorf("signed field %q is missing", name)
		}
		unprefixed[name] = value
	}
	data, err := messaging.EncodeKeyValueForm(unprefixed, signed)
	if err != nil {
		return nil, err
	}
	h := hmac.New(newHash, a.Secret)
	h.Write(data)
	return h.Sum(nil), nil
}
