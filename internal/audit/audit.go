// Package audit records protocol failures and successful grants, either to
// the log or as JSON events on an AMQP topic exchange.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/providentiaww/openauth/internal/logger"
	"github.com/providentiaww/openauth/pkg/messaging"
)

// Kinds of audit event. They double as the routing key prefix.
const (
	KindProtocolError = "protocol.error"
	KindGrant         = "grant"
)

// Event is what gets published for each failure or grant.
type Event struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Service     string    `json:"service"`
	Kind        string    `json:"kind"`
	MessageType string    `json:"message_type,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	// Subject is the user or identifier a grant was made for.
	Subject string `json:"subject,omitempty"`
	// Party is the relying party realm or OAuth consumer key.
	Party string `json:"party,omitempty"`
}

// Recorder is a messaging.Reporter that also hears about grants.
type Recorder interface {
	messaging.Reporter
	RecordGrant(ctx context.Context, kind, subject, party string)
}

// LogReporter writes events through the logger.
type LogReporter struct{}

func (LogReporter) ReportError(_ context.Context, messageType string, err error) {
	logger.Warn("rejected %s (%s): %v", orUnknown(messageType), messaging.KindOf(err), err)
}

func (LogReporter) RecordGrant(_ context.Context, kind, subject, party string) {
	logger.Info("%s granted to %s for %s", kind, party, subject)
}

// publisher is the part of *amqp.Channel the AMQP reporter uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPReporter publishes events to a topic exchange with routing keys of the
// form "<kind>.<service>". Publishing failures are logged, never returned to
// the protocol code.
type AMQPReporter struct {
	pub      publisher
	exchange string
	service  string
	now      func() time.Time
	conn     *amqp.Connection
}

// DialAMQP connects to url, declares the topic exchange and returns a reporter
// publishing to it.
func DialAMQP(url, exchange, service string) (*AMQPReporter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	r := NewAMQPReporter(ch, exchange, service)
	r.conn = conn
	return r, nil
}

func NewAMQPReporter(pub publisher, exchange, service string) *AMQPReporter {
	return &AMQPReporter{pub: pub, exchange: exchange, service: service, now: time.Now}
}

// Close closes the connection DialAMQP opened.
func (r *AMQPReporter) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *AMQPReporter) ReportError(ctx context.Context, messageType string, err error) {
	ev := r.event(KindProtocolError)
	ev.MessageType = messageType
	if err != nil {
		ev.Error = err.Error()
		ev.ErrorKind = messaging.KindOf(err).String()
	}
	r.publish(ctx, ev)
}

func (r *AMQPReporter) RecordGrant(ctx context.Context, kind, subject, party string) {
	ev := r.event(KindGrant)
	ev.MessageType = kind
	ev.Subject = subject
	ev.Party = party
	r.publish(ctx, ev)
}

func (r *AMQPReporter) event(kind string) Event {
	return Event{ID: uuid.NewString(), Time: r.now().UTC(), Service: r.service, Kind: kind}
}

func (r *AMQPReporter) publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		logger.LogErr(err)
		return
	}
	err = r.pub.PublishWithContext(ctx, r.exchange, ev.Kind+"."+r.service, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Time,
		Type:         ev.Kind,
		Body:         body,
	})
	if err != nil {
		logger.Warn("publishing audit event %s: %v", ev.ID, err)
	}
}

// Multi fans each event out to every recorder.
type Multi []Recorder

func (m Multi) ReportError(ctx context.Context, messageType string, err error) {
	for _, r := range m {
		r.ReportError(ctx, messageType, err)
	}
}

func (m Multi) RecordGrant(ctx context.Context, kind, subject, party string) {
	for _, r := range m {
		r.RecordGrant(ctx, kind, subject, party)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unrecognized message"
	}
	return s
}
