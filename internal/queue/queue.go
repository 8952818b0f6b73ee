package queue

import (
	"context"
	"strings"

	"github.com/notifyops/notify-core/internal/domain"
)

// Publisher publishes dispatch messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg DispatchMessage) error
	Close() error
}

// MessageHandler handles a consumed dispatch message.
type MessageHandler func(ctx context.Context, msg DispatchMessage) error

// EventHandler handles an inbound event envelope from the ingest queue.
type EventHandler func(ctx context.Context, envelope domain.EventEnvelope) error

// Consumer consumes dispatch messages from a work queue and event envelopes
// from the ingest queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	ConsumeEvents(ctx context.Context, handler EventHandler) error
	Close() error
}

// EventsQueueName is the ingest queue other services publish envelopes to.
const EventsQueueName = "events.ingest"

const (
	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 3
)

// QueueName returns the channel work queue name, e.g. sms.
func QueueName(channel domain.Channel) string {
	return strings.ToLower(channel.String())
}

// WorkQueueNames returns the work queue for every supported channel.
func WorkQueueNames() []string {
	channels := domain.AllChannels()
	queues := make([]string, 0, len(channels))
	for _, channel := range channels {
		queues = append(queues, QueueName(channel))
	}
	return queues
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityHigh:
		return 3
	case domain.PriorityNormal:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}
