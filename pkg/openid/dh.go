package openid

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"math/big"
)

// DefaultModulus is the Diffie-Hellman prime used when a request names none.
var DefaultModulus, _ = new(big.Int).SetString(
	"DCF93A0B883972EC0E19989AC5A2CE310E1D37717E8D9571BB7623731866E61E"+
		"F75A2E27898B057F9891C2E27A639C3F29B60814581CD3B2CA3986D2683705577"+
		"D45C2E7E52DC81C7A171876E5CEA74B1448BFDFAF18828EFD2519F14E45E38266"+
		"34AF1949E5B535CC829A483B8A76223E5D490A257F05BDFF16F2FB22C583AB", 16)

// DefaultGenerator is the Diffie-Hellman generator used when a request names none.
var DefaultGenerator = big.NewInt(2)

// DHSession is one side of a Diffie-Hellman key agreement.
type DHSession struct {
	Modulus   *big.Int
	Generator *big.Int
	Public    *big.Int

	private *big.Int
}

// NewDHSession picks a random private key for the given group.
func NewDHSession(modulus, generator *big.Int) (*DHSession, error) {
	if modulus == nil {
		modulus = DefaultModulus
	}
	if generator == nil {
		generator = DefaultGenerator
	}
	if modulus.Cmp(big.NewInt(2)) <= 0 {
		return nil, fmt.Errorf("diffie-hellman modulus too small")
	}
	limit := new(big.Int).Sub(modulus, big.NewInt(2))
	x, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, err
	}
	x.Add(x, big.NewInt(1))
	return &DHSession{
		Modulus:   modulus,
		Generator: generator,
		Public:    new(big.Int).Exp(generator, x, modulus),
		private:   x,
	}, nil
}

// Shared computes the agreed value from the other side's public key.
func (s *DHSession) Shared(otherPublic *big.Int) *big.Int {
	return new(big.Int).Exp(otherPublic, s.private, s.Modulus)
}

// XORSecret masks or unmasks an association secret with H(btwoc(shared)).
func (s *DHSession) XORSecret(otherPublic *big.Int, sessionType string, secret []byte) ([]byte, error) {
	newHash, ok := sessionHash(sessionType)
	if !ok {
		return nil, fmt.Errorf("%w: session %q", ErrUnsupportedAssociationType, sessionType)
	}
	h := newHash()
	h.Write(btwoc(s.Shared(otherPublic)))
	digest := h.Sum(nil)
	if len(digest) != len(secret) {
		return nil, fmt.Errorf("session %s cannot carry a %d byte secret", sessionType, len(secret))
	}
	out := make([]byte, len(secret))
	for i := range secret {
		out[i] = secret[i] ^ digest[i]
	}
	return out, nil
}

func sessionHash(sessionType string) (func() hash.Hash, bool) {
	switch sessionType {
	case DHSHA1:
		return sha1.New, true
	case DHSHA256:
		return sha256.New, true
	default:
		return nil, false
	}
}

// SessionSupports reports whether a session type can negotiate an association type.
func SessionSupports(sessionType, assocType string) bool {
	switch sessionType {
	case NoEncryption:
		_, ok := SecretSize(assocType)
		return ok
	case DHSHA1:
		return assocType == HMACSHA1
	case DHSHA256:
		return assocType == HMACSHA256
	default:
		return false
	}
}

// btwoc is the big-endian two's complement encoding of a non-negative integer.
func btwoc(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}

// EncodeBtwoc base64-encodes btwoc(n).
func EncodeBtwoc(n *big.Int) string {
	return base64.StdEncoding.EncodeToString(btwoc(n))
}

// DecodeBtwoc parses a base64 btwoc value.
func DecodeBtwoc(s string) (*big.Int, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty integer")
	}
	return new(big.Int).SetBytes(b), nil
}
