package openid

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/providentiaww/openauth/pkg/messaging"
)

const maxDirectResponseBytes = 1 << 20

// ChannelOptions configures NewChannel.
type ChannelOptions struct {
	Elements             []messaging.BindingElement
	Client               messaging.Doer
	Reporter             messaging.Reporter
	DirectRequestTimeout time.Duration
	MaxIndirectURLLength int
	// AssumeSecureTransport treats plain HTTP as confidential. Tests only.
	AssumeSecureTransport bool
}

// NewChannel builds a channel speaking OpenID: form-encoded direct requests,
// key-value form direct responses and query-string indirect messages.
func NewChannel(opts ChannelOptions) (*messaging.Channel, error) {
	return messaging.NewChannel(messaging.ChannelOptions{
		Elements:              opts.Elements,
		Factory:               MessageFactory{},
		Wire:                  WireFormat{},
		Client:                opts.Client,
		Reporter:              opts.Reporter,
		DirectRequestTimeout:  opts.DirectRequestTimeout,
		MaxIndirectURLLength:  opts.MaxIndirectURLLength,
		AssumeSecureTransport: opts.AssumeSecureTransport,
	})
}

// MessageFactory recognizes every OpenID message by mode. Inbound request
// modes for providers and relying parties do not overlap, so one factory
// serves both roles.
type MessageFactory struct{}

func (MessageFactory) NewRequestMessage(recipient *url.URL, fields map[string]string) messaging.Message {
	v := versionOf(fields["openid.ns"])
	switch fields["openid.mode"] {
	case ModeAssociate:
		return &AssociateRequest{MessageBase: base(v, messaging.Direct, nil)}
	case ModeCheckIDSetup, ModeCheckIDImmediate:
		return &CheckIDRequest{MessageBase: base(v, messaging.Indirect, nil)}
	case ModeCheckAuthentication:
		return &CheckAuthenticationRequest{MessageBase: base(v, messaging.Direct, nil)}
	case ModeIDRes:
		if fields["openid.user_setup_url"] != "" && !IsV2(v) {
			return &NegativeAssertion{MessageBase: base(v, messaging.Indirect, nil)}
		}
		return &PositiveAssertion{MessageBase: base(v, messaging.Indirect, nil)}
	case ModeCancel, ModeSetupNeeded:
		return &NegativeAssertion{MessageBase: base(v, messaging.Indirect, nil)}
	case ModeError:
		return &IndirectErrorResponse{MessageBase: base(v, messaging.Indirect, nil)}
	default:
		return nil
	}
}

func (MessageFactory) NewResponseMessage(request messaging.Message, fields map[string]string) messaging.Message {
	v := request.Base().Version
	if ns, ok := fields["ns"]; ok {
		v = versionOf(ns)
	}
	resp := base(v, messaging.DirectResponse, nil)
	switch request.(type) {
	case *AssociateRequest:
		switch {
		case fields["error_code"] == UnsupportedType:
			return &AssociateUnsuccessfulResponse{MessageBase: resp}
		case fields["error"] != "":
			return &DirectErrorResponse{MessageBase: resp}
		case fields["assoc_handle"] != "":
			return &AssociateSuccessResponse{MessageBase: resp}
		}
	case *CheckAuthenticationRequest:
		switch {
		case fields["error"] != "":
			return &DirectErrorResponse{MessageBase: resp}
		case fields["is_valid"] != "":
			return &CheckAuthenticationResponse{MessageBase: resp}
		}
	}
	return nil
}

// WireFormat is the OpenID HTTP encoding.
type WireFormat struct{}

func (WireFormat) NewDirectRequest(ctx context.Context, msg messaging.Message, fields map[string]string) (*http.Request, error) {
	recipient := msg.Base().Recipient
	if recipient == nil {
		return nil, messaging.ConfigurationError(nil, "%s has no recipient", messaging.TypeName(msg))
	}
	body := messaging.CreateQueryString(fields)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient.String(), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (WireFormat) ReadDirectResponse(resp *http.Response) (map[string]string, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectResponseBytes))
	if err != nil {
		return nil, err
	}
	return messaging.DecodeKeyValueForm(data)
}

func (WireFormat) WriteDirectResponse(msg messaging.Message, fields map[string]string) (*messaging.OutgoingResponse, error) {
	body, err := messaging.EncodeKeyValueFormSorted(fields)
	if err != nil {
		return nil, messaging.FormatError(msg, "", err, "cannot encode direct response")
	}
	status := msg.Base().Status
	if status == 0 {
		status = http.StatusOK
	}
	h := make(http.Header)
	h.Set("Content-Type", messaging.KeyValueFormContentType)
	return &messaging.OutgoingResponse{Status: status, Header: h, Body: body, Message: msg}, nil
}

// ReadRequest collects the openid.* fields of a GET query or POST form.
func (WireFormat) ReadRequest(r *http.Request) (map[string]string, error) {
	var values url.Values
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		values = r.URL.Query()
	case http.MethodPost:
		ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if ct != "application/x-www-form-urlencoded" {
			return nil, nil
		}
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parsing form: %w", err)
		}
		values = r.PostForm
	default:
		return nil, nil
	}
	fields := make(map[string]string)
	for k, v := range values {
		if strings.HasPrefix(k, ProtocolArgPrefix) && len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields, nil
}
