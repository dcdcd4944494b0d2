package relyingparty

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
)

// tokenArg carries the relying party's own signature over its callback
// arguments inside return_to.
const tokenArg = openid.RelyingPartyArgPrefix + "rp_token"

// returnToClaims binds a set of callback arguments to one outgoing request.
type returnToClaims struct {
	jwt.RegisteredClaims
	Args string `json:"args"`
}

func (rp *RelyingParty) signReturnTo(args map[string]string) (string, error) {
	now := rp.now().UTC().Truncate(time.Second)
	claims := returnToClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
		Args: argsDigest(args),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(rp.tokenKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign return_to: %w", err)
	}
	return token, nil
}

func (rp *RelyingParty) verifyReturnTo(tokenString string, args map[string]string) (*returnToClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &returnToClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return rp.tokenKey, nil
	}, jwt.WithTimeFunc(rp.now), jwt.WithIssuedAt())
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	claims, ok := token.Claims.(*returnToClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if !messaging.EqualConstantTime(claims.Args, argsDigest(args)) {
		return nil, fmt.Errorf("callback arguments were altered")
	}
	if claims.ID == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("token has no id")
	}
	return claims, nil
}

func argsDigest(args map[string]string) string {
	sum := sha256.Sum256([]byte(messaging.CreateQueryString(args)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// isReservedArg reports query keys that carry protocol data rather than
// the host's own callback arguments.
func isReservedArg(key string) bool {
	return strings.HasPrefix(key, openid.ProtocolArgPrefix) ||
		strings.HasPrefix(key, openid.CompatibilityArgPrefix) ||
		strings.HasPrefix(key, openid.RelyingPartyArgPrefix)
}

// callbackArgs collects the host's arguments from a return_to URL.
func callbackArgs(returnTo string) (map[string]string, string, error) {
	u, err := parseAbsolute(returnTo)
	if err != nil {
		return nil, "", err
	}
	args := make(map[string]string)
	for k, v := range messaging.ToDictionary(u.Query()) {
		if !isReservedArg(k) {
			args[k] = v
		}
	}
	return args, u.Query().Get(tokenArg), nil
}
