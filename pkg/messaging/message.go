// Package messaging carries protocol messages over HTTP through an ordered
// pipeline of binding elements.
package messaging

import (
	"fmt"
	"net/url"
	"reflect"
)

// Version identifies the protocol revision a message is bound to.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Transport selects how a message travels.
type Transport int

const (
	// Direct requests are sent server-to-server and answered synchronously.
	Direct Transport = iota
	// DirectResponse messages answer a direct request in the HTTP response body.
	DirectResponse
	// Indirect messages are relayed through the user agent.
	Indirect
)

// Message is implemented by every protocol message. Concrete messages embed
// MessageBase and declare their parts with `part` struct tags.
type Message interface {
	Base() *MessageBase
}

// MessageBase holds the envelope every message carries.
type MessageBase struct {
	Version   Version
	Transport Transport
	// Recipient is where the message is sent, or the URL it was received on.
	Recipient *url.URL
	// Method is the HTTP method for direct requests. Empty means POST.
	Method string
	// Status is the HTTP status for direct responses. Zero means 200.
	Status int
	// Secure is set when the message was received over, or answers a request
	// received over, a TLS connection.
	Secure bool

	extra map[string]string
}

// Base returns the envelope.
func (b *MessageBase) Base() *MessageBase { return b }

// ExtraData holds fields the message type does not declare.
func (b *MessageBase) ExtraData() map[string]string {
	if b.extra == nil {
		b.extra = make(map[string]string)
	}
	return b.extra
}

// Validator is implemented by messages with rules beyond required parts.
type Validator interface {
	Validate() error
}

// TypeName is the Go type name of msg, used in error reports.
func TypeName(msg Message) string {
	if msg == nil {
		return ""
	}
	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
