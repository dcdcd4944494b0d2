package openid

import (
	"context"
	"net/url"

	"github.com/providentiaww/openauth/pkg/messaging"
)

const (
	opEndpointArg = CompatibilityArgPrefix + "op_endpoint"
	claimedIDArg  = CompatibilityArgPrefix + "claimed_id"
)

// BackwardCompatibilityElement lets a 2.0 relying party talk to 1.x
// providers. 1.x providers echo neither the provider endpoint nor the
// claimed identifier, so both ride in return_to on the way out and are
// restored from it on the way back.
//
// The restored values are not covered by a 1.x signature unless the
// provider happened to sign return_to. They are accepted as is and the
// discovery cross-check is what binds them to the identifier.
type BackwardCompatibilityElement struct{}

func (BackwardCompatibilityElement) Protection() messaging.Protections {
	return messaging.None
}

func (BackwardCompatibilityElement) ProcessOutgoing(_ context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	req, ok := msg.(*CheckIDRequest)
	if !ok || IsV2(req.Version) {
		return messaging.None, false, nil
	}
	returnTo, err := url.Parse(req.ReturnTo)
	if err != nil {
		return messaging.None, true, messaging.FormatError(req, "openid.return_to", messaging.ErrInvalidPart, "%v", err)
	}
	args := map[string]string{opEndpointArg: req.Recipient.String()}
	if req.ClaimedID != "" {
		args[claimedIDArg] = req.ClaimedID
	}
	req.ReturnTo = messaging.AppendQueryArgs(returnTo, args).String()
	return messaging.None, true, nil
}

func (BackwardCompatibilityElement) ProcessIncoming(_ context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	a, ok := msg.(*PositiveAssertion)
	if !ok || IsV2(a.Version) {
		return messaging.None, false, nil
	}
	returnTo, err := url.Parse(a.ReturnTo)
	if err != nil {
		return messaging.None, true, messaging.FormatError(a, "openid.return_to", messaging.ErrInvalidPart, "%v", err)
	}
	q := returnTo.Query()
	if a.ProviderEndpoint == "" {
		endpoint := q.Get(opEndpointArg)
		if endpoint == "" {
			return messaging.None, true, messaging.FormatError(a, "openid.op_endpoint", messaging.ErrMissingPart, "provider endpoint not recoverable from return_to")
		}
		a.ProviderEndpoint = endpoint
	}
	if a.ClaimedID == "" {
		claimed := q.Get(claimedIDArg)
		if claimed == "" {
			return messaging.None, true, messaging.FormatError(a, "openid.claimed_id", messaging.ErrMissingPart, "claimed identifier not recoverable from return_to")
		}
		a.ClaimedID = claimed
	}
	return messaging.None, true, nil
}

// ProviderEndpointOf finds the endpoint an assertion claims to come from,
// reading the smuggled return_to argument for 1.x responses.
func ProviderEndpointOf(a *PositiveAssertion) string {
	if a.ProviderEndpoint != "" || IsV2(a.Version) {
		return a.ProviderEndpoint
	}
	returnTo, err := url.Parse(a.ReturnTo)
	if err != nil {
		return ""
	}
	return returnTo.Query().Get(opEndpointArg)
}
