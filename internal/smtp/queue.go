package smtp

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isayme/go-amqp-reconnect/rabbitmq"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

// QueuedRecipient tags each accepted recipient with its domain
// classification; the delivery queue routes on it.
type QueuedRecipient struct {
	Address string
	Domain  string
}

// Envelope is the unit handed off to the delivery queue at end
// of DATA. Everything past this point, retries included, is the
// queue's business.
type Envelope struct {
	ID         uuid.UUID
	From       string
	Recipients []QueuedRecipient
	Message    []byte
	Received   time.Time
}

type QueueEnvelopeHandler func(context.Context, *Envelope) error

// MakeQueueEnvelopeHandler publishes envelopes as JSON on the
// named queue. The queue is declared by whoever created the
// channel.
func MakeQueueEnvelopeHandler(publisher *rabbitmq.Channel, queue string) (QueueEnvelopeHandler, error) {
	bufferPool := sync.Pool{
		New: func() interface{} {
			return new(bytes.Buffer)
		},
	}

	return func(ctx context.Context, env *Envelope) error {
		b := bufferPool.Get().(*bytes.Buffer)
		defer bufferPool.Put(b)
		b.Reset()

		if err := json.NewEncoder(b).Encode(env); err != nil {
			return errors.WithMessage(err, "Encode")
		}

		msg := amqp.Publishing{
			Timestamp:   time.Now(),
			ContentType: "application/json",
			Body:        b.Bytes(),
		}

		err := publisher.Publish(
			"",
			queue,
			false, // mandatory
			false, // immediate
			msg,
		)
		if err != nil {
			return errors.WithMessage(err, "Publish")
		}

		return nil
	}, nil
}
