// Package messagebus defines the transport contract used to fan flush
// envelopes out to every node of a cluster.
package messagebus

import (
	"context"
	"net/http"
)

// PublishInput is one message to publish.
type PublishInput struct {
	Topic   string
	Message string
	// Signature is the Sign value of Message; empty when unsigned.
	Signature string
}

// PublishOutput is the transport's acknowledgement.
type PublishOutput struct {
	// StatusCode follows HTTP semantics; any 2xx means accepted.
	StatusCode int
	MessageID  string
}

// OK reports whether the transport accepted the message.
func (o *PublishOutput) OK() bool {
	return o != nil && o.StatusCode >= http.StatusOK && o.StatusCode < http.StatusMultipleChoices
}

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, in PublishInput) (*PublishOutput, error)
}

// Delivery is a message received from a topic.
type Delivery struct {
	ID        string
	Topic     string
	Message   string
	Signature string
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery) error

// Subscriber delivers messages from a topic to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
}
