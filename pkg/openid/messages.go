package openid

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
)

const nonceTimeLayout = "2006-01-02T15:04:05Z"

func base(v messaging.Version, t messaging.Transport, recipient *url.URL) messaging.MessageBase {
	return messaging.MessageBase{Version: v, Transport: t, Recipient: recipient}
}

// AssociateRequest asks a provider to mint a shared association.
type AssociateRequest struct {
	messaging.MessageBase
	NS               string `part:"openid.ns,required,v2"`
	Mode             string `part:"openid.mode,required"`
	AssocType        string `part:"openid.assoc_type,required"`
	SessionType      string `part:"openid.session_type"`
	DHModulus        string `part:"openid.dh_modulus"`
	DHGen            string `part:"openid.dh_gen"`
	DHConsumerPublic string `part:"openid.dh_consumer_public"`
}

// NewAssociateRequest addresses an associate request to a provider endpoint.
func NewAssociateRequest(v messaging.Version, endpoint *url.URL, assocType, sessionType string) *AssociateRequest {
	return &AssociateRequest{
		MessageBase: base(v, messaging.Direct, endpoint),
		NS:          namespaceFor(v),
		Mode:        ModeAssociate,
		AssocType:   assocType,
		SessionType: sessionType,
	}
}

// Session is the effective session type. OpenID 1.x uses an empty value for no-encryption.
func (m *AssociateRequest) Session() string {
	if m.SessionType == "" && !IsV2(m.Version) {
		return NoEncryption
	}
	return m.SessionType
}

func (m *AssociateRequest) Validate() error {
	if IsV2(m.Version) && m.SessionType == "" {
		return messaging.FormatError(m, "openid.session_type", messaging.ErrMissingPart, "required in OpenID 2.0")
	}
	if m.Session() != NoEncryption && m.DHConsumerPublic == "" {
		return messaging.FormatError(m, "openid.dh_consumer_public", messaging.ErrMissingPart, "required for %s sessions", m.Session())
	}
	return nil
}

// AssociateSuccessResponse carries a new association, its secret either in
// clear or masked with a Diffie-Hellman agreement.
type AssociateSuccessResponse struct {
	messaging.MessageBase
	NS             string `part:"ns,required,v2"`
	AssocHandle    string `part:"assoc_handle,required"`
	AssocType      string `part:"assoc_type,required"`
	SessionType    string `part:"session_type"`
	ExpiresIn      string `part:"expires_in,required"`
	MacKey         string `part:"mac_key,confidential"`
	DHServerPublic string `part:"dh_server_public"`
	EncMacKey      string `part:"enc_mac_key"`
}

func (m *AssociateSuccessResponse) Validate() error {
	if m.MacKey == "" && (m.DHServerPublic == "" || m.EncMacKey == "") {
		return messaging.FormatError(m, "mac_key", messaging.ErrMissingPart, "response carries no secret")
	}
	if _, err := strconv.ParseInt(m.ExpiresIn, 10, 64); err != nil {
		return messaging.FormatError(m, "expires_in", messaging.ErrInvalidPart, "%q is not an integer", m.ExpiresIn)
	}
	return nil
}

// Lifetime is the expires_in value as a duration.
func (m *AssociateSuccessResponse) Lifetime() time.Duration {
	secs, _ := strconv.ParseInt(m.ExpiresIn, 10, 64)
	return time.Duration(secs) * time.Second
}

// AssociateUnsuccessfulResponse refuses an association and may suggest an
// alternative type pair.
type AssociateUnsuccessfulResponse struct {
	messaging.MessageBase
	NS          string `part:"ns,required,v2"`
	Error       string `part:"error,required"`
	ErrorCode   string `part:"error_code,required"`
	SessionType string `part:"session_type"`
	AssocType   string `part:"assoc_type"`
}

// UnsupportedType is the only error_code an unsuccessful associate response carries.
const UnsupportedType = "unsupported-type"

// CheckIDRequest is an authentication request relayed through the user agent.
type CheckIDRequest struct {
	messaging.MessageBase
	ExtensionHolder
	NS          string `part:"openid.ns,required,v2"`
	Mode        string `part:"openid.mode,required"`
	ClaimedID   string `part:"openid.claimed_id,v2"`
	Identity    string `part:"openid.identity,required"`
	AssocHandle string `part:"openid.assoc_handle"`
	ReturnTo    string `part:"openid.return_to"`
	Realm       string `part:"openid.realm,v2"`
	TrustRoot   string `part:"openid.trust_root,v1"`
}

// NewCheckIDRequest addresses an authentication request to a provider endpoint.
func NewCheckIDRequest(v messaging.Version, endpoint *url.URL, immediate bool) *CheckIDRequest {
	mode := ModeCheckIDSetup
	if immediate {
		mode = ModeCheckIDImmediate
	}
	return &CheckIDRequest{
		MessageBase: base(v, messaging.Indirect, endpoint),
		NS:          namespaceFor(v),
		Mode:        mode,
	}
}

// Immediate reports whether the user agent must not be prompted.
func (m *CheckIDRequest) Immediate() bool {
	return m.Mode == ModeCheckIDImmediate
}

// RealmValue is the realm or trust root, defaulting to return_to.
func (m *CheckIDRequest) RealmValue() string {
	r := m.TrustRoot
	if IsV2(m.Version) {
		r = m.Realm
	}
	if r == "" {
		r = m.ReturnTo
	}
	return r
}

// SetRealm writes the realm under the name the message version uses.
func (m *CheckIDRequest) SetRealm(realm string) {
	if IsV2(m.Version) {
		m.Realm = realm
		return
	}
	m.TrustRoot = realm
}

func (m *CheckIDRequest) Validate() error {
	if m.Mode != ModeCheckIDSetup && m.Mode != ModeCheckIDImmediate {
		return messaging.FormatError(m, "openid.mode", messaging.ErrInvalidPart, "unexpected mode %q", m.Mode)
	}
	if IsV2(m.Version) {
		if m.ClaimedID == "" {
			return messaging.FormatError(m, "openid.claimed_id", messaging.ErrMissingPart, "claimed_id and identity must appear together")
		}
		if m.ReturnTo == "" && m.Realm == "" {
			return messaging.FormatError(m, "openid.realm", messaging.ErrMissingPart, "realm is required without return_to")
		}
	} else if m.ReturnTo == "" {
		return messaging.FormatError(m, "openid.return_to", messaging.ErrMissingPart, "required in OpenID 1.x")
	}
	if m.ReturnTo != "" {
		if u, err := url.Parse(m.ReturnTo); err != nil || !u.IsAbs() {
			return messaging.FormatError(m, "openid.return_to", messaging.ErrInvalidPart, "%q is not an absolute URL", m.ReturnTo)
		}
	}
	return nil
}

// PositiveAssertion is a signed id_res response.
type PositiveAssertion struct {
	messaging.MessageBase
	ExtensionHolder
	NS               string `part:"openid.ns,required,v2"`
	Mode             string `part:"openid.mode,required,signed"`
	ProviderEndpoint string `part:"openid.op_endpoint,required,signed,v2"`
	ClaimedID        string `part:"openid.claimed_id,signed,v2"`
	Identity         string `part:"openid.identity,required,signed"`
	ReturnTo         string `part:"openid.return_to,required,signed"`
	ResponseNonce    string `part:"openid.response_nonce,required,signed,v2"`
	InvalidateHandle string `part:"openid.invalidate_handle"`
	AssocHandle      string `part:"openid.assoc_handle,required,signed"`
	Signed           string `part:"openid.signed,required"`
	Sig              string `part:"openid.sig,required"`
}

// NewPositiveAssertion answers request with an unsigned assertion ready for the pipeline.
func NewPositiveAssertion(request *CheckIDRequest, endpoint *url.URL) (*PositiveAssertion, error) {
	returnTo, err := url.Parse(request.ReturnTo)
	if err != nil {
		return nil, err
	}
	return &PositiveAssertion{
		MessageBase:      base(request.Version, messaging.Indirect, returnTo),
		NS:               namespaceFor(request.Version),
		Mode:             ModeIDRes,
		ProviderEndpoint: endpoint.String(),
		ReturnTo:         request.ReturnTo,
		AssocHandle:      request.AssocHandle,
	}, nil
}

func (m *PositiveAssertion) Validate() error {
	if m.Mode != ModeIDRes {
		return messaging.FormatError(m, "openid.mode", messaging.ErrInvalidPart, "unexpected mode %q", m.Mode)
	}
	if IsV2(m.Version) && m.ClaimedID == "" {
		return messaging.FormatError(m, "openid.claimed_id", messaging.ErrMissingPart, "claimed_id and identity must appear together")
	}
	return nil
}

// SignedFields is the parsed openid.signed list.
func (m *PositiveAssertion) SignedFields() []string {
	return splitSigned(m.Signed)
}

func (m *PositiveAssertion) IsTimestamped() bool {
	return IsV2(m.Version)
}

func (m *PositiveAssertion) CreatedAt() (time.Time, error) {
	if len(m.ResponseNonce) < len(nonceTimeLayout) {
		return time.Time{}, fmt.Errorf("response nonce %q has no timestamp", m.ResponseNonce)
	}
	return time.Parse(nonceTimeLayout, m.ResponseNonce[:len(nonceTimeLayout)])
}

func (m *PositiveAssertion) SetCreatedAt(t time.Time) {
	m.ResponseNonce = t.UTC().Format(nonceTimeLayout) + m.Nonce()
}

func (m *PositiveAssertion) NonceContext() string {
	return m.ProviderEndpoint
}

func (m *PositiveAssertion) Nonce() string {
	if len(m.ResponseNonce) < len(nonceTimeLayout) {
		return ""
	}
	return m.ResponseNonce[len(nonceTimeLayout):]
}

func (m *PositiveAssertion) SetNonce(nonce string) {
	stamp := time.Now().UTC().Format(nonceTimeLayout)
	if len(m.ResponseNonce) >= len(nonceTimeLayout) {
		stamp = m.ResponseNonce[:len(nonceTimeLayout)]
	}
	m.ResponseNonce = stamp + nonce
}

// NegativeAssertion reports that the provider did not authenticate the user.
type NegativeAssertion struct {
	messaging.MessageBase
	ExtensionHolder
	NS           string `part:"openid.ns,required,v2"`
	Mode         string `part:"openid.mode,required"`
	UserSetupURL string `part:"openid.user_setup_url"`
}

// NewNegativeAssertion picks the mode each protocol version uses for a refusal.
func NewNegativeAssertion(request *CheckIDRequest, setupURL *url.URL) (*NegativeAssertion, error) {
	returnTo, err := url.Parse(request.ReturnTo)
	if err != nil {
		return nil, err
	}
	m := &NegativeAssertion{
		MessageBase: base(request.Version, messaging.Indirect, returnTo),
		NS:          namespaceFor(request.Version),
		Mode:        ModeCancel,
	}
	if request.Immediate() {
		if IsV2(request.Version) {
			m.Mode = ModeSetupNeeded
		} else {
			m.Mode = ModeIDRes
		}
		if setupURL != nil {
			m.UserSetupURL = setupURL.String()
		}
	}
	return m, nil
}

func (m *NegativeAssertion) Validate() error {
	switch m.Mode {
	case ModeCancel, ModeSetupNeeded:
		return nil
	case ModeIDRes:
		if m.UserSetupURL == "" {
			return messaging.FormatError(m, "openid.user_setup_url", messaging.ErrMissingPart, "required on an OpenID 1.x immediate failure")
		}
		return nil
	default:
		return messaging.FormatError(m, "openid.mode", messaging.ErrInvalidPart, "unexpected mode %q", m.Mode)
	}
}

// SetupNeeded reports an immediate-mode failure.
func (m *NegativeAssertion) SetupNeeded() bool {
	return m.Mode != ModeCancel
}

// IndirectErrorResponse reports a protocol failure back through the user agent.
type IndirectErrorResponse struct {
	messaging.MessageBase
	NS        string `part:"openid.ns,required,v2"`
	Mode      string `part:"openid.mode,required"`
	Error     string `part:"openid.error,required"`
	Contact   string `part:"openid.contact"`
	Reference string `part:"openid.reference"`
}

// NewIndirectErrorResponse addresses an error to a relying party's return_to.
func NewIndirectErrorResponse(v messaging.Version, returnTo *url.URL, reason string) *IndirectErrorResponse {
	return &IndirectErrorResponse{
		MessageBase: base(v, messaging.Indirect, returnTo),
		NS:          namespaceFor(v),
		Mode:        ModeError,
		Error:       reason,
	}
}

// DirectErrorResponse answers a malformed direct request with HTTP 400.
type DirectErrorResponse struct {
	messaging.MessageBase
	NS        string `part:"ns,required,v2"`
	Error     string `part:"error,required"`
	ErrorCode string `part:"error_code"`
	Contact   string `part:"contact"`
	Reference string `part:"reference"`
}

// NewDirectErrorResponse builds a 400 response for a failed direct request.
func NewDirectErrorResponse(v messaging.Version, reason string) *DirectErrorResponse {
	m := &DirectErrorResponse{
		MessageBase: base(v, messaging.DirectResponse, nil),
		NS:          namespaceFor(v),
		Error:       reason,
	}
	m.Status = 400
	return m
}

// CheckAuthenticationRequest asks the provider to verify an assertion it
// signed with a private association. The assertion's fields travel as
// extra data, with the mode replaced.
type CheckAuthenticationRequest struct {
	messaging.MessageBase
	NS   string `part:"openid.ns,required,v2"`
	Mode string `part:"openid.mode,required"`
}

// NewCheckAuthenticationRequest copies an assertion for re-verification at endpoint.
func NewCheckAuthenticationRequest(assertion *PositiveAssertion, endpoint *url.URL) *CheckAuthenticationRequest {
	m := &CheckAuthenticationRequest{
		MessageBase: base(assertion.Version, messaging.Direct, endpoint),
		NS:          namespaceFor(assertion.Version),
		Mode:        ModeCheckAuthentication,
	}
	m.Secure = endpoint.Scheme == "https"
	extra := m.ExtraData()
	for k, v := range messaging.ToMap(assertion) {
		if k == "openid.mode" || k == "openid.ns" {
			continue
		}
		extra[k] = v
	}
	return m
}

// AssertionFields is the copied assertion with its original mode restored,
// as it was signed.
func (m *CheckAuthenticationRequest) AssertionFields() map[string]string {
	fields := messaging.ToMap(m)
	fields["openid.mode"] = ModeIDRes
	return fields
}

// CheckAuthenticationResponse reports the provider's verdict.
type CheckAuthenticationResponse struct {
	messaging.MessageBase
	NS               string `part:"ns,required,v2"`
	IsValid          string `part:"is_valid,required"`
	InvalidateHandle string `part:"invalidate_handle"`
}

// Valid reports whether the provider vouched for the signature.
func (m *CheckAuthenticationResponse) Valid() bool {
	return m.IsValid == "true"
}

func splitSigned(list string) []string {
	if list == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
