package relyingparty

import (
	"context"
	"net/url"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
)

// AuthenticationRequest is an outgoing checkid request being assembled.
type AuthenticationRequest struct {
	rp          *RelyingParty
	endpoint    openid.ServiceEndpoint
	realm       *openid.Realm
	returnTo    *url.URL
	assocHandle string
	immediate   bool
	args        map[string]string
	extensions  []openid.Extension
}

// Endpoint is the discovered endpoint the request goes to.
func (r *AuthenticationRequest) Endpoint() openid.ServiceEndpoint { return r.endpoint }

// AssociationHandle is the shared association the provider is asked to sign
// with, or empty in stateless mode.
func (r *AuthenticationRequest) AssociationHandle() string { return r.assocHandle }

// SetImmediate asks the provider to answer without user interaction.
func (r *AuthenticationRequest) SetImmediate(immediate bool) { r.immediate = immediate }

// AddCallbackArgument adds a parameter to return_to that comes back
// tamper-checked in the response.
func (r *AuthenticationRequest) AddCallbackArgument(key, value string) error {
	if key == "" || isReservedArg(key) {
		return messaging.UsageError(nil, "callback argument %q uses a reserved name", key)
	}
	if _, ok := r.args[key]; ok {
		return messaging.UsageError(nil, "callback argument %q already added", key)
	}
	if _, ok := r.returnTo.Query()[key]; ok {
		return messaging.UsageError(nil, "callback argument %q already in return_to", key)
	}
	r.args[key] = value
	return nil
}

// AddExtension attaches an extension request. OpenID 1.x providers never see it.
func (r *AuthenticationRequest) AddExtension(e openid.Extension) {
	r.extensions = append(r.extensions, e)
}

// Message builds the checkid request.
func (r *AuthenticationRequest) Message() (*openid.CheckIDRequest, error) {
	ep := r.endpoint
	msg := openid.NewCheckIDRequest(ep.Version, ep.ProviderEndpoint, r.immediate)
	if ep.IsProviderIdentifier() {
		msg.ClaimedID = openid.IdentifierSelect
		msg.Identity = openid.IdentifierSelect
	} else {
		msg.ClaimedID = ep.ClaimedIdentifier
		msg.Identity = ep.ProviderLocalIdentifier()
	}
	msg.AssocHandle = r.assocHandle
	msg.SetRealm(r.realm.String())

	args := make(map[string]string, len(r.args))
	for k, v := range messaging.ToDictionary(r.returnTo.Query()) {
		if !isReservedArg(k) {
			args[k] = v
		}
	}
	for k, v := range r.args {
		args[k] = v
	}
	token, err := r.rp.signReturnTo(args)
	if err != nil {
		return nil, err
	}
	withArgs := messaging.AppendQueryArgs(r.returnTo, r.args)
	msg.ReturnTo = messaging.AppendQueryArgs(withArgs, map[string]string{tokenArg: token}).String()

	for _, e := range r.extensions {
		msg.AddExtension(e)
	}
	return msg, nil
}

// RedirectingResponse is the redirect (or auto-post form) that sends the
// user agent to the provider.
func (r *AuthenticationRequest) RedirectingResponse(ctx context.Context) (*messaging.OutgoingResponse, error) {
	msg, err := r.Message()
	if err != nil {
		return nil, err
	}
	return r.rp.channel.PrepareResponse(ctx, msg)
}
