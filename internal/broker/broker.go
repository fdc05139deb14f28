// Package broker is an at-least-once message queue with visibility timeouts,
// bounded redelivery and a dead-letter set.
//
// A dequeued message stays invisible to other consumers until it is acked,
// nacked, or its visibility timeout lapses. Each dequeue counts as one
// delivery; once a message has been delivered MaxDeliveries times without an
// ack, the broker moves it to the dead-letter set instead of redelivering it.
package broker

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEmpty is returned by Dequeue when no message is ready.
	ErrEmpty = errors.New("broker: no message ready")
	// ErrStaleReceipt is returned when a receipt no longer identifies the
	// current delivery of its message, e.g. after a visibility timeout lapsed.
	ErrStaleReceipt = errors.New("broker: stale receipt")
	// ErrNotDeadLettered is returned for an id that is not in the dead-letter set.
	ErrNotDeadLettered = errors.New("broker: message is not dead-lettered")
)

// Delivery is one hand-out of a message to a consumer.
type Delivery struct {
	ID      string
	Body    []byte
	Receipt string
	// Attempt is the 1-based delivery number.
	Attempt int
}

// DeadLetter is a message the broker gave up on.
type DeadLetter struct {
	ID         string    `json:"id"`
	Body       []byte    `json:"body"`
	Deliveries int       `json:"deliveries"`
	Reason     string    `json:"reason"`
	DeadAt     time.Time `json:"dead_at"`
}

// DeadLetterFunc observes each message exactly once, when it is dead-lettered.
type DeadLetterFunc func(ctx context.Context, dl DeadLetter)

// Broker is the queue interface used by the gateway and the worker pool.
type Broker interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
	// Dequeue returns ErrEmpty when nothing is ready.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, receipt string) error
	// Nack makes the message visible again, or dead-letters it when its
	// delivery budget is spent.
	Nack(ctx context.Context, receipt string) error
	// Extend pushes the visibility deadline of a delivery to now+d.
	Extend(ctx context.Context, receipt string, d time.Duration) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	DeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	// Replay moves a dead letter back to the ready queue with a fresh delivery count.
	Replay(ctx context.Context, id string) error
	// Discard drops a dead letter for good.
	Discard(ctx context.Context, id string) error
	OnDeadLetter(fn DeadLetterFunc)
	Ping(ctx context.Context) error
}

// Options configures a broker.
type Options struct {
	VisibilityTimeout   time.Duration
	MaxDeliveries       int
	DeadLetterRetention time.Duration
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 3
	}
	return o
}

// Dead-letter reasons.
const (
	ReasonVisibilityExpired = "visibility timeout expired"
	ReasonNacked            = "nacked"
)

func makeReceipt(id string, delivery int) string {
	return id + ":" + strconv.Itoa(delivery)
}

// parseReceipt splits a receipt into message id and delivery number.
func parseReceipt(receipt string) (string, int, bool) {
	i := strings.LastIndexByte(receipt, ':')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(receipt[i+1:])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return receipt[:i], n, true
}
