package openid

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
)

// SigningSettings tunes how a provider picks and mints associations.
type SigningSettings struct {
	PrivateAssociationType     string
	PrivateAssociationLifetime time.Duration
	MinimumUsefulLife          time.Duration
}

func (s SigningSettings) withDefaults() SigningSettings {
	if s.PrivateAssociationType == "" {
		s.PrivateAssociationType = HMACSHA256
	}
	if s.PrivateAssociationLifetime <= 0 {
		s.PrivateAssociationLifetime = DefaultPrivateAssociationLifetime
	}
	if s.MinimumUsefulLife <= 0 {
		s.MinimumUsefulLife = DefaultMinimumUsefulLife
	}
	return s
}

// ProviderSigningElement signs outgoing positive assertions. It uses the
// relying party's shared association when the handle is known and still
// useful, and otherwise a fresh private association with the stale handle
// echoed in invalidate_handle.
type ProviderSigningElement struct {
	store    AssociationStore
	settings SigningSettings
	now      func() time.Time
}

// NewProviderSigningElement signs with associations from store.
func NewProviderSigningElement(store AssociationStore, settings SigningSettings) *ProviderSigningElement {
	return &ProviderSigningElement{store: store, settings: settings.withDefaults(), now: time.Now}
}

func (e *ProviderSigningElement) Protection() messaging.Protections {
	return messaging.TamperProtection
}

func (e *ProviderSigningElement) ProcessOutgoing(ctx context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	a, ok := msg.(*PositiveAssertion)
	if !ok {
		return messaging.None, false, nil
	}
	assoc, err := e.associationFor(ctx, a)
	if err != nil {
		return messaging.None, true, err
	}
	a.AssocHandle = assoc.Handle
	signed := signedNames(a)
	a.Signed = strings.Join(signed, ",")
	sig, err := assoc.Sign(messaging.ToMap(a), signed)
	if err != nil {
		return messaging.None, true, messaging.FormatError(a, "openid.sig", err, "cannot sign assertion")
	}
	a.Sig = sig
	return messaging.TamperProtection, true, nil
}

// ProcessIncoming does nothing: providers verify signatures only through
// check_authentication.
func (e *ProviderSigningElement) ProcessIncoming(context.Context, messaging.Message) (messaging.Protections, bool, error) {
	return messaging.None, false, nil
}

func (e *ProviderSigningElement) associationFor(ctx context.Context, a *PositiveAssertion) (*Association, error) {
	now := e.now()
	if a.AssocHandle != "" {
		shared, err := e.store.GetAssociationByHandle(ctx, SharedAssociations, a.AssocHandle)
		if err != nil {
			return nil, fmt.Errorf("looking up association: %w", err)
		}
		if shared != nil && shared.HasUsefulLife(now, e.settings.MinimumUsefulLife) {
			return shared, nil
		}
		a.InvalidateHandle = a.AssocHandle
	}
	private, err := GenerateAssociation(e.settings.PrivateAssociationType, e.settings.PrivateAssociationLifetime, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.StoreAssociation(ctx, PrivateAssociations, private); err != nil {
		return nil, fmt.Errorf("storing private association: %w", err)
	}
	return private, nil
}

// VerifyPrivate checks an assertion's signature against the provider's
// private associations, as check_authentication requires.
func (e *ProviderSigningElement) VerifyPrivate(ctx context.Context, fields map[string]string) (bool, error) {
	assoc, err := e.store.GetAssociationByHandle(ctx, PrivateAssociations, fields["openid.assoc_handle"])
	if err != nil {
		return false, err
	}
	if assoc == nil {
		return false, nil
	}
	signed := splitSigned(fields["openid.signed"])
	if len(signed) == 0 {
		return false, nil
	}
	return assoc.Verify(fields, signed, fields["openid.sig"])
}

// IsSharedHandleValid reports whether handle names a shared association still in force.
func (e *ProviderSigningElement) IsSharedHandleValid(ctx context.Context, handle string) (bool, error) {
	assoc, err := e.store.GetAssociationByHandle(ctx, SharedAssociations, handle)
	if err != nil {
		return false, err
	}
	return assoc != nil, nil
}

// signedNames lists, without prefix, every present part that demands
// signing followed by every extension field.
func signedNames(a *PositiveAssertion) []string {
	v := a.Version
	var names []string
	for _, p := range messaging.DescriptionOf(a).Parts {
		if !p.Protection.Has(messaging.TamperProtection) || !p.AppliesTo(v) {
			continue
		}
		if value, _ := messaging.GetPart(a, p.Name); value != "" {
			names = append(names, strings.TrimPrefix(p.Name, ProtocolArgPrefix))
		}
	}
	var ext []string
	for k := range a.ExtraData() {
		if strings.HasPrefix(k, ProtocolArgPrefix) {
			ext = append(ext, strings.TrimPrefix(k, ProtocolArgPrefix))
		}
	}
	sort.Strings(ext)
	return append(names, ext...)
}

// CheckAuthenticationFunc asks the provider to vouch for an assertion.
type CheckAuthenticationFunc func(ctx context.Context, a *PositiveAssertion) (*CheckAuthenticationResponse, error)

// RelyingPartySigningElement verifies incoming positive assertions, with a
// cached association when one matches and otherwise by a direct
// check_authentication request to the provider.
type RelyingPartySigningElement struct {
	store  AssociationStore
	verify CheckAuthenticationFunc
}

// NewRelyingPartySigningElement verifies with store and falls back to verify.
// A nil store is stateless mode.
func NewRelyingPartySigningElement(store AssociationStore, verify CheckAuthenticationFunc) *RelyingPartySigningElement {
	return &RelyingPartySigningElement{store: store, verify: verify}
}

func (e *RelyingPartySigningElement) Protection() messaging.Protections {
	return messaging.TamperProtection
}

func (e *RelyingPartySigningElement) ProcessOutgoing(context.Context, messaging.Message) (messaging.Protections, bool, error) {
	return messaging.None, false, nil
}

func (e *RelyingPartySigningElement) ProcessIncoming(ctx context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	a, ok := msg.(*PositiveAssertion)
	if !ok {
		return messaging.None, false, nil
	}
	if missing := unsignedRequiredField(a); missing != "" {
		return messaging.None, true, messaging.TrustError(a, messaging.ErrInvalidSignature, "required field %q is not signed", missing)
	}

	// Locating the association only needs the endpoint; trust in a value
	// recovered from return_to comes later from discovery.
	endpoint := ProviderEndpointOf(a)
	var assoc *Association
	if e.store != nil && endpoint != "" {
		found, err := e.store.GetAssociationByHandle(ctx, endpoint, a.AssocHandle)
		if err != nil {
			return messaging.None, true, fmt.Errorf("looking up association: %w", err)
		}
		assoc = found
	}
	if assoc != nil {
		valid, err := assoc.Verify(messaging.ToMap(a), a.SignedFields(), a.Sig)
		if err != nil {
			return messaging.None, true, messaging.FormatError(a, "openid.signed", err, "cannot recompute signature")
		}
		if !valid {
			return messaging.None, true, messaging.TrustError(a, messaging.ErrInvalidSignature, "signature does not match association %s", a.AssocHandle)
		}
		return messaging.TamperProtection, true, nil
	}

	if e.verify == nil {
		return messaging.None, true, messaging.ConfigurationError(messaging.ErrUnsatisfiedProtection, "no association for %q and no check_authentication path", a.AssocHandle)
	}
	resp, err := e.verify(ctx, a)
	if err != nil {
		return messaging.None, true, err
	}
	if !resp.Valid() {
		return messaging.None, true, messaging.TrustError(a, messaging.ErrInvalidSignature, "provider did not vouch for the signature")
	}
	if resp.InvalidateHandle != "" && e.store != nil && endpoint != "" {
		if _, err := e.store.RemoveAssociation(ctx, endpoint, resp.InvalidateHandle); err != nil {
			return messaging.None, true, fmt.Errorf("removing invalidated association: %w", err)
		}
	}
	return messaging.TamperProtection, true, nil
}

// unsignedRequiredField returns the first field the version requires to be
// signed that the signature does not cover.
func unsignedRequiredField(a *PositiveAssertion) string {
	signed := make(map[string]bool)
	for _, name := range a.SignedFields() {
		signed[name] = true
	}
	required := []string{"identity", "return_to"}
	if IsV2(a.Version) {
		required = []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle"}
		if a.ClaimedID != "" {
			required = append(required, "claimed_id")
		}
		if a.Identity != "" {
			required = append(required, "identity")
		}
	}
	for _, name := range required {
		if !signed[name] {
			return name
		}
	}
	return ""
}
