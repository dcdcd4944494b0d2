package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultMaxIndirectURLLength is the longest redirect URL sent before the
// channel falls back to an auto-submitting form.
const DefaultMaxIndirectURLLength = 2048

// MessageFactory maps wire dictionaries onto concrete message types. Both
// methods return nil for dictionaries they do not recognize. The returned
// message must have its Version and Transport set.
type MessageFactory interface {
	NewRequestMessage(recipient *url.URL, fields map[string]string) Message
	NewResponseMessage(request Message, fields map[string]string) Message
}

// WireFormat is the protocol-specific HTTP encoding of messages.
type WireFormat interface {
	NewDirectRequest(ctx context.Context, msg Message, fields map[string]string) (*http.Request, error)
	ReadDirectResponse(resp *http.Response) (map[string]string, error)
	WriteDirectResponse(msg Message, fields map[string]string) (*OutgoingResponse, error)
	ReadRequest(r *http.Request) (map[string]string, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Reporter receives every protocol failure a channel rejects a message for.
type Reporter interface {
	ReportError(ctx context.Context, messageType string, err error)
}

// ChannelOptions configures NewChannel.
type ChannelOptions struct {
	Elements []BindingElement
	Factory  MessageFactory
	Wire     WireFormat
	Client   Doer
	Reporter Reporter

	// DirectRequestTimeout bounds each direct exchange on top of the caller's context.
	DirectRequestTimeout time.Duration
	MaxIndirectURLLength int
	// AssumeSecureTransport credits confidentiality to every exchange.
	AssumeSecureTransport bool
}

// Channel sends and receives protocol messages through its binding elements.
type Channel struct {
	outgoing     []BindingElement
	factory      MessageFactory
	wire         WireFormat
	client       Doer
	reporter     Reporter
	timeout      time.Duration
	maxURLLength int
	assumeSecure bool
}

// NewChannel validates the element set and builds a channel.
func NewChannel(opts ChannelOptions) (*Channel, error) {
	if opts.Factory == nil {
		return nil, ConfigurationError(nil, "message factory is required")
	}
	if opts.Wire == nil {
		return nil, ConfigurationError(nil, "wire format is required")
	}
	ordered, err := orderElements(opts.Elements)
	if err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	maxURL := opts.MaxIndirectURLLength
	if maxURL <= 0 {
		maxURL = DefaultMaxIndirectURLLength
	}
	return &Channel{
		outgoing:     ordered,
		factory:      opts.Factory,
		wire:         opts.Wire,
		client:       client,
		reporter:     opts.Reporter,
		timeout:      opts.DirectRequestTimeout,
		maxURLLength: maxURL,
		assumeSecure: opts.AssumeSecureTransport,
	}, nil
}

// Elements returns the binding elements in outgoing order.
func (c *Channel) Elements() []BindingElement {
	out := make([]BindingElement, len(c.outgoing))
	copy(out, c.outgoing)
	return out
}

// Request sends a direct message and returns the verified response.
func (c *Channel) Request(ctx context.Context, msg Message) (Message, error) {
	if msg.Base().Transport != Direct {
		return nil, UsageError(nil, "%s is not a direct request", TypeName(msg))
	}
	if err := c.prepare(ctx, msg); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := c.wire.NewDirectRequest(ctx, msg, ToMap(msg))
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(msg, err)
	}
	defer resp.Body.Close()

	fields, err := c.wire.ReadDirectResponse(resp)
	if err != nil {
		if resp.StatusCode >= 500 {
			return nil, transportError(msg, fmt.Errorf("HTTP %d: %w", resp.StatusCode, err))
		}
		return nil, FormatError(msg, "", err, "unreadable direct response (HTTP %d)", resp.StatusCode)
	}
	reply := c.factory.NewResponseMessage(msg, fields)
	if reply == nil {
		if resp.StatusCode >= 500 {
			return nil, transportError(msg, fmt.Errorf("HTTP %d", resp.StatusCode))
		}
		return nil, FormatError(msg, "", ErrUnrecognizedMessage, "unrecognized direct response (HTTP %d)", resp.StatusCode)
	}
	base := reply.Base()
	base.Transport = DirectResponse
	base.Status = resp.StatusCode
	base.Recipient = msg.Base().Recipient
	base.Secure = resp.Request != nil && resp.Request.URL.Scheme == "https"
	Decode(reply, fields)
	if err := c.verify(ctx, reply); err != nil {
		c.report(ctx, reply, err)
		return nil, err
	}
	return reply, nil
}

// PrepareRequest runs the outgoing pipeline on a direct message and encodes
// it as an HTTP request without sending it. It serves calls whose response is
// not a protocol message, such as signed requests for protected resources.
func (c *Channel) PrepareRequest(ctx context.Context, msg Message) (*http.Request, error) {
	if msg.Base().Transport != Direct {
		return nil, UsageError(nil, "%s is not a direct request", TypeName(msg))
	}
	if err := c.prepare(ctx, msg); err != nil {
		return nil, err
	}
	return c.wire.NewDirectRequest(ctx, msg, ToMap(msg))
}

// Receive reads a message from an inbound request. It returns nil, nil when
// the request carries no recognized message, and nil plus the failure when
// a recognized message does not pass validation.
func (c *Channel) Receive(ctx context.Context, r *http.Request) (Message, error) {
	fields, err := c.wire.ReadRequest(r)
	if err != nil {
		pe := &ProtocolError{Kind: KindFormat, Reason: "unreadable request", Err: err}
		c.report(ctx, nil, pe)
		return nil, pe
	}
	if len(fields) == 0 {
		return nil, nil
	}
	recipient := RequestURL(r)
	msg := c.factory.NewRequestMessage(recipient, fields)
	if msg == nil {
		return nil, nil
	}
	base := msg.Base()
	base.Recipient = recipient
	base.Method = r.Method
	base.Secure = recipient.Scheme == "https"
	Decode(msg, fields)
	if err := c.verify(ctx, msg); err != nil {
		c.report(ctx, msg, err)
		return nil, err
	}
	return msg, nil
}

// PrepareResponse runs the outgoing pipeline on an indirect message or a
// direct response and encodes it for the HTTP response.
func (c *Channel) PrepareResponse(ctx context.Context, msg Message) (*OutgoingResponse, error) {
	if err := c.prepare(ctx, msg); err != nil {
		return nil, err
	}
	fields := ToMap(msg)
	switch msg.Base().Transport {
	case Indirect:
		return c.indirect(msg, fields)
	case DirectResponse:
		return c.wire.WriteDirectResponse(msg, fields)
	default:
		return nil, UsageError(nil, "%s is a direct request; use Request", TypeName(msg))
	}
}

// Send is PrepareResponse followed by writing the result to w.
func (c *Channel) Send(ctx context.Context, w http.ResponseWriter, msg Message) error {
	resp, err := c.PrepareResponse(ctx, msg)
	if err != nil {
		return err
	}
	return resp.Respond(w)
}

func (c *Channel) prepare(ctx context.Context, msg Message) error {
	applied, err := c.processOutgoing(ctx, msg)
	if err != nil {
		return err
	}
	if c.secureOutgoing(msg) {
		applied |= Confidentiality
	}
	if err := EnsureValid(msg); err != nil {
		return err
	}
	if missing := RequiredProtections(msg) &^ applied; missing != None {
		return ConfigurationError(ErrUnsatisfiedProtection, "%s requires %s protection", TypeName(msg), missing)
	}
	return nil
}

func (c *Channel) verify(ctx context.Context, msg Message) error {
	if err := EnsureValid(msg); err != nil {
		return err
	}
	applied, err := c.processIncoming(ctx, msg)
	if err != nil {
		return err
	}
	if c.assumeSecure || msg.Base().Secure {
		applied |= Confidentiality
	}
	missing := RequiredProtections(msg) &^ applied
	if missing == None {
		return nil
	}
	if missing == Confidentiality || c.capable().Has(missing&^Confidentiality) {
		return TrustError(msg, ErrUnsatisfiedProtection, "message arrived without %s protection", missing)
	}
	return ConfigurationError(ErrUnsatisfiedProtection, "no binding element provides %s for %s", missing, TypeName(msg))
}

func (c *Channel) secureOutgoing(msg Message) bool {
	if c.assumeSecure {
		return true
	}
	base := msg.Base()
	if base.Transport == DirectResponse {
		return base.Secure
	}
	return base.Recipient != nil && base.Recipient.Scheme == "https"
}

func (c *Channel) indirect(msg Message, fields map[string]string) (*OutgoingResponse, error) {
	recipient := msg.Base().Recipient
	if recipient == nil {
		return nil, ConfigurationError(nil, "indirect %s has no recipient", TypeName(msg))
	}
	target := AppendQueryArgs(recipient, fields)
	if len(target.String()) <= c.maxURLLength {
		h := make(http.Header)
		h.Set("Location", target.String())
		h.Set("Cache-Control", "no-cache, no-store")
		return &OutgoingResponse{Status: http.StatusFound, Header: h, Message: msg}, nil
	}
	body, err := renderAutoPost(recipient, fields)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-store")
	return &OutgoingResponse{Status: http.StatusOK, Header: h, Body: body, Message: msg}, nil
}

func (c *Channel) report(ctx context.Context, msg Message, err error) {
	if c.reporter == nil || err == nil {
		return
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return
	}
	name := pe.MessageType
	if name == "" {
		name = TypeName(msg)
	}
	c.reporter.ReportError(ctx, name, err)
}

// Report hands err to the channel's reporter. State machines use it for
// failures they detect after the pipeline has run.
func (c *Channel) Report(ctx context.Context, msg Message, err error) {
	c.report(ctx, msg, err)
}

// OutgoingResponse is an encoded message ready to be written to a client.
type OutgoingResponse struct {
	Status  int
	Header  http.Header
	Body    []byte
	Message Message
}

// Location is the redirect target of an indirect response, if any.
func (r *OutgoingResponse) Location() string {
	return r.Header.Get("Location")
}

// Respond writes the response.
func (r *OutgoingResponse) Respond(w http.ResponseWriter) error {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.Status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}
