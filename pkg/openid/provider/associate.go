package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
)

// AssociateRequest is a relying party asking for a shared association. The
// provider answers it without the host's involvement.
type AssociateRequest struct {
	oneShot
	msg *openid.AssociateRequest
}

func (r *AssociateRequest) Message() messaging.Message { return r.msg }

func (r *AssociateRequest) IsResponseReady() bool { return true }

func (p *Provider) associate(ctx context.Context, m *openid.AssociateRequest) (messaging.Message, error) {
	session := m.Session()
	if _, ok := openid.SecretSize(m.AssocType); !ok || !openid.SessionSupports(session, m.AssocType) {
		return p.refuseAssociation(m, fmt.Sprintf("association %s over session %s is not supported", m.AssocType, session)), nil
	}
	if session == openid.NoEncryption && !m.Secure && !p.assumeSecure {
		return p.refuseAssociation(m, "no-encryption sessions require a secure transport"), nil
	}

	assoc, err := openid.GenerateAssociation(m.AssocType, p.assocLifetime, p.now())
	if err != nil {
		return nil, err
	}
	resp := &openid.AssociateSuccessResponse{
		MessageBase: messaging.MessageBase{Version: m.Version, Transport: messaging.DirectResponse, Secure: m.Secure},
		AssocHandle: assoc.Handle,
		AssocType:   assoc.Type,
		SessionType: m.SessionType,
		ExpiresIn:   strconv.FormatInt(assoc.SecondsTillExpiration(p.now()), 10),
	}
	if openid.IsV2(m.Version) {
		resp.NS = openid.NamespaceV20
	}

	if session == openid.NoEncryption {
		resp.MacKey = base64.StdEncoding.EncodeToString(assoc.Secret)
	} else {
		if err := p.maskSecret(m, session, assoc.Secret, resp); err != nil {
			return openid.NewDirectErrorResponse(m.Version, err.Error()), nil
		}
	}

	if err := p.associations.StoreAssociation(ctx, openid.SharedAssociations, assoc); err != nil {
		return nil, fmt.Errorf("failed to store association: %w", err)
	}
	return resp, nil
}

func (p *Provider) maskSecret(m *openid.AssociateRequest, session string, secret []byte, resp *openid.AssociateSuccessResponse) error {
	var modulus, generator *big.Int
	if m.DHModulus != "" {
		v, err := openid.DecodeBtwoc(m.DHModulus)
		if err != nil {
			return fmt.Errorf("invalid dh_modulus: %w", err)
		}
		modulus = v
	}
	if m.DHGen != "" {
		v, err := openid.DecodeBtwoc(m.DHGen)
		if err != nil {
			return fmt.Errorf("invalid dh_gen: %w", err)
		}
		generator = v
	}
	consumer, err := openid.DecodeBtwoc(m.DHConsumerPublic)
	if err != nil {
		return fmt.Errorf("invalid dh_consumer_public: %w", err)
	}
	dh, err := openid.NewDHSession(modulus, generator)
	if err != nil {
		return err
	}
	masked, err := dh.XORSecret(consumer, session, secret)
	if err != nil {
		return err
	}
	resp.DHServerPublic = openid.EncodeBtwoc(dh.Public)
	resp.EncMacKey = base64.StdEncoding.EncodeToString(masked)
	return nil
}

// refuseAssociation suggests the strongest pair the provider would accept.
// OpenID 1.x has no unsuccessful response, only a plain error.
func (p *Provider) refuseAssociation(m *openid.AssociateRequest, reason string) messaging.Message {
	if !openid.IsV2(m.Version) {
		return openid.NewDirectErrorResponse(m.Version, reason)
	}
	resp := &openid.AssociateUnsuccessfulResponse{
		MessageBase: messaging.MessageBase{Version: m.Version, Transport: messaging.DirectResponse},
		NS:          openid.NamespaceV20,
		Error:       reason,
		ErrorCode:   openid.UnsupportedType,
		AssocType:   openid.HMACSHA256,
		SessionType: openid.DHSHA256,
	}
	resp.Status = http.StatusBadRequest
	if m.Secure || p.assumeSecure {
		resp.SessionType = openid.NoEncryption
	}
	return resp
}
