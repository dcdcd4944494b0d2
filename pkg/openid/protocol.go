// Package openid implements the OpenID 1.x and 2.0 message set, associations,
// the signing and backward-compatibility binding elements and the channel
// that carries them.
package openid

import (
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
)

var (
	V10 = messaging.Version{Major: 1, Minor: 0}
	V11 = messaging.Version{Major: 1, Minor: 1}
	V20 = messaging.Version{Major: 2, Minor: 0}
)

const (
	NamespaceV20 = "http://specs.openid.net/auth/2.0"

	// IdentifierSelect asks the provider to choose the identifier (directed identity).
	IdentifierSelect = "http://specs.openid.net/auth/2.0/identifier_select"

	TypeServerV20 = "http://specs.openid.net/auth/2.0/server"
	TypeSignonV20 = "http://specs.openid.net/auth/2.0/signon"
	TypeSignonV11 = "http://openid.net/signon/1.1"
	TypeSignonV10 = "http://openid.net/signon/1.0"
)

const (
	ModeAssociate           = "associate"
	ModeCheckIDSetup        = "checkid_setup"
	ModeCheckIDImmediate    = "checkid_immediate"
	ModeCheckAuthentication = "check_authentication"
	ModeIDRes               = "id_res"
	ModeCancel              = "cancel"
	ModeSetupNeeded         = "setup_needed"
	ModeError               = "error"
)

const (
	HMACSHA1   = "HMAC-SHA1"
	HMACSHA256 = "HMAC-SHA256"

	NoEncryption = "no-encryption"
	DHSHA1       = "DH-SHA1"
	DHSHA256     = "DH-SHA256"
)

const (
	// DefaultMaxMessageAge bounds how old a positive assertion may be on arrival.
	DefaultMaxMessageAge = 13 * time.Minute
	// DefaultAssociationLifetime is the lifetime of shared associations.
	DefaultAssociationLifetime = 14 * 24 * time.Hour
	// DefaultPrivateAssociationLifetime is the lifetime of provider-only associations.
	DefaultPrivateAssociationLifetime = 15 * time.Minute
	// DefaultMinimumUsefulLife is how long an association must still be valid
	// to be chosen for signing a new exchange.
	DefaultMinimumUsefulLife = 5 * time.Minute
)

// Key prefixes that never count as callback arguments.
const (
	ProtocolArgPrefix      = "openid."
	CompatibilityArgPrefix = "dnoi."
	RelyingPartyArgPrefix  = "dnoa."
)

// versionOf reads the protocol version from a namespace field value.
func versionOf(ns string) messaging.Version {
	if ns == NamespaceV20 {
		return V20
	}
	return V11
}

func namespaceFor(v messaging.Version) string {
	if v.Major >= 2 {
		return NamespaceV20
	}
	return ""
}

// IsV2 reports whether v is OpenID 2.0 or later.
func IsV2(v messaging.Version) bool {
	return v.Major >= 2
}
