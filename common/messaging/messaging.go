// Package messaging is the broker-neutral surface of the detection engine's
// event bus: execution jobs come in, alert and status events go out.
package messaging

import (
	"context"
	"time"
)

// HeaderExecutionID names the header that carries the id of the rule run
// a message belongs to.
const HeaderExecutionID = "Telhawk-Execution-Id"

// Message is one delivery. Reply is set for request/reply exchanges.
type Message struct {
	Subject  string
	Data     []byte
	Reply    string
	Metadata map[string]string
	// Timestamp is the local receive time.
	Timestamp time.Time
}

// ExecutionID returns the run id carried in the message headers, or "".
func (m *Message) ExecutionID() string {
	return m.Metadata[HeaderExecutionID]
}

// MessageHandler processes a delivery. The context carries the execution
// id of the sending run, when there is one.
type MessageHandler func(ctx context.Context, msg *Message) error

type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher sends events. Implementations stamp the execution id found on
// ctx into the message headers.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishJSON(ctx context.Context, subject string, v any) error
	Close() error
}

// Subscriber receives events. QueueSubscribe spreads deliveries over the
// members of a queue group so each job runs on one worker.
type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)
	Close() error
}

// Client is a connected broker session.
type Client interface {
	Publisher
	Subscriber
	// Drain lets in-flight handlers finish before closing.
	Drain() error
	IsConnected() bool
}
