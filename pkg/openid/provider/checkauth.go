package provider

import (
	"context"
	"fmt"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
)

// CheckAuthenticationRequest is a stateless relying party asking whether an
// assertion really came from this provider.
type CheckAuthenticationRequest struct {
	oneShot
	msg *openid.CheckAuthenticationRequest
}

func (r *CheckAuthenticationRequest) Message() messaging.Message { return r.msg }

func (r *CheckAuthenticationRequest) IsResponseReady() bool { return true }

func (p *Provider) checkAuthentication(ctx context.Context, m *openid.CheckAuthenticationRequest) (messaging.Message, error) {
	fields := m.AssertionFields()
	valid, err := p.signer.VerifyPrivate(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to verify assertion: %w", err)
	}
	if valid && openid.IsV2(m.Version) {
		if valid, err = p.freshNonce(ctx, m.Version, fields); err != nil {
			return nil, err
		}
	}

	resp := &openid.CheckAuthenticationResponse{
		MessageBase: messaging.MessageBase{Version: m.Version, Transport: messaging.DirectResponse},
		IsValid:     "false",
	}
	if openid.IsV2(m.Version) {
		resp.NS = openid.NamespaceV20
	}
	if valid {
		resp.IsValid = "true"
	}
	if h := fields["openid.invalidate_handle"]; h != "" {
		ok, err := p.signer.IsSharedHandleValid(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("failed to look up association: %w", err)
		}
		if !ok {
			resp.InvalidateHandle = h
		}
	}
	return resp, nil
}

// freshNonce consumes the assertion's response_nonce, so each assertion
// can be vouched for once.
func (p *Provider) freshNonce(ctx context.Context, v messaging.Version, fields map[string]string) (bool, error) {
	a := &openid.PositiveAssertion{MessageBase: messaging.MessageBase{Version: v}}
	messaging.Decode(a, fields)
	created, err := a.CreatedAt()
	if err != nil || a.Nonce() == "" {
		return false, nil
	}
	ok, err := p.nonces.IsNonceValid(ctx, p.endpoint.String(), created, a.Nonce())
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return ok, nil
}
