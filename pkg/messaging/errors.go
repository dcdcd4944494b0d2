package messaging

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol failures.
type ErrorKind int

const (
	// KindFormat marks a message with missing or malformed parts.
	KindFormat ErrorKind = iota + 1
	// KindTrust marks a signature, nonce, expiration or discovery failure.
	KindTrust
	// KindConfiguration marks a deployment bug such as an unsatisfiable protection.
	KindConfiguration
	// KindTransport marks a failed outbound HTTP exchange.
	KindTransport
	// KindUsage marks a caller driving a state machine out of order.
	KindUsage
)

func (k ErrorKind) String() string {
	switch k {
	case KindFormat:
		return "protocol-format"
	case KindTrust:
		return "protocol-trust"
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

var (
	ErrMissingPart           = errors.New("required message part missing")
	ErrInvalidPart           = errors.New("message part invalid")
	ErrUnrecognizedMessage   = errors.New("unrecognized message")
	ErrInvalidSignature      = errors.New("message signature invalid")
	ErrReplayedMessage       = errors.New("message replayed")
	ErrExpiredMessage        = errors.New("message expired")
	ErrDiscoveryMismatch     = errors.New("assertion fails identifier discovery")
	ErrUnsatisfiedProtection = errors.New("required protection not provided")
	ErrResponseAlreadySent   = errors.New("response already prepared for this request")
	ErrTransport             = errors.New("direct message transport failed")
)

// ProtocolError is a failure attributable to one message.
type ProtocolError struct {
	Kind        ErrorKind
	MessageType string
	Part        string
	Reason      string
	Err         error
}

func (e *ProtocolError) Error() string {
	msg := e.Kind.String() + " error"
	if e.MessageType != "" {
		msg += " in " + e.MessageType
	}
	if e.Part != "" {
		msg += " (" + e.Part + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FormatError reports a missing or malformed part.
func FormatError(msg Message, part string, cause error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Kind:        KindFormat,
		MessageType: TypeName(msg),
		Part:        part,
		Reason:      fmt.Sprintf(format, args...),
		Err:         cause,
	}
}

// TrustError reports a message that failed a protection check.
func TrustError(msg Message, cause error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Kind:        KindTrust,
		MessageType: TypeName(msg),
		Reason:      fmt.Sprintf(format, args...),
		Err:         cause,
	}
}

// ConfigurationError reports a channel or engine that cannot work as configured.
func ConfigurationError(cause error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Kind:   KindConfiguration,
		Reason: fmt.Sprintf(format, args...),
		Err:    cause,
	}
}

// UsageError reports a state machine driven out of order.
func UsageError(cause error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Kind:   KindUsage,
		Reason: fmt.Sprintf(format, args...),
		Err:    cause,
	}
}

func transportError(msg Message, err error) *ProtocolError {
	return &ProtocolError{
		Kind:        KindTransport,
		MessageType: TypeName(msg),
		Err:         fmt.Errorf("%w: %w", ErrTransport, err),
	}
}

// KindOf returns the kind of the first ProtocolError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// IsTrustError reports whether err is a protocol-trust failure.
func IsTrustError(err error) bool {
	return KindOf(err) == KindTrust
}
