package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChannelStatus is the terminal (or in-flight) result of one channel send
// within an attempt.
type ChannelStatus string

const (
	ChannelDelivered   ChannelStatus = "DELIVERED"
	ChannelFailed      ChannelStatus = "FAILED"
	ChannelUnavailable ChannelStatus = "UNAVAILABLE"
	ChannelTimeout     ChannelStatus = "TIMEOUT"
	ChannelPending     ChannelStatus = "PENDING"
)

// ChannelOutcome records what happened on a single channel during an attempt.
type ChannelOutcome struct {
	Channel           Channel       `json:"channel"`
	Status            ChannelStatus `json:"status"`
	Provider          string        `json:"provider,omitempty"`
	ProviderMessageID string        `json:"providerMessageId,omitempty"`
	ErrorCode         string        `json:"errorCode,omitempty"`
	ErrorDetail       string        `json:"errorDetail,omitempty"`
	DurationMillis    int64         `json:"durationMillis,omitempty"`
}

// AttemptOutcome aggregates the per-channel results of one dispatch attempt.
// Status is DELIVERED only if every requested channel succeeded, PARTIAL if
// some did, FAILED if none did.
type AttemptOutcome struct {
	NotificationID string
	AttemptNumber  int
	Status         Status
	Channels       map[Channel]ChannelOutcome
	Retryable      bool
	CompletedAt    time.Time
}

// AggregateStatus folds per-channel outcomes into an overall attempt status.
func AggregateStatus(outcomes map[Channel]ChannelOutcome) Status {
	delivered := 0
	for _, o := range outcomes {
		if o.Status == ChannelDelivered {
			delivered++
		}
	}
	switch {
	case len(outcomes) == 0:
		return StatusFailed
	case delivered == len(outcomes):
		return StatusDelivered
	case delivered > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// AdmissionResult is the caller-facing result of Admit.
type AdmissionResult struct {
	NotificationID   string                     `json:"notificationId"`
	Status           Status                     `json:"status"`
	Replay           bool                       `json:"replay,omitempty"`
	Channels         map[Channel]ChannelOutcome `json:"channels,omitempty"`
	ProcessingMillis int64                      `json:"processingMillis,omitempty"`
}

// DeliveryAttempt is the persisted audit row for a single dispatch attempt.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	AttemptNumber  int
	Status         Status
	ErrorKind      string
	ErrorDetail    string
	CreatedAt      time.Time
}

// EventEnvelope is the inbound bus message mapped onto a NotificationRequest
// via the router's messageType table.
type EventEnvelope struct {
	EventID        string         `json:"eventId"`
	OccurredAt     time.Time      `json:"occurredAt"`
	MessageType    string         `json:"messageType"`
	ServiceOrigin  string         `json:"serviceOrigin"`
	UserID         string         `json:"userId"`
	Tenant         string         `json:"tenant"`
	CorrelationID  string         `json:"correlationId"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Priority       string         `json:"priority"`
	Channels       []string       `json:"channels"`
	TemplateKey    string         `json:"templateKey"`
	Data           map[string]any `json:"data"`
	Metadata       EventMetadata  `json:"metadata"`
}

// EventMetadata carries locale/timezone hints from the producing service.
type EventMetadata struct {
	Locale   string `json:"locale"`
	Timezone string `json:"timezone"`
}

func (e *EventEnvelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: envelope is required", ErrValidation)
	}
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: eventId is required", ErrValidation)
	}
	if strings.TrimSpace(e.MessageType) == "" && strings.TrimSpace(e.TemplateKey) == "" {
		return fmt.Errorf("%w: messageType or templateKey is required", ErrValidation)
	}
	if strings.TrimSpace(e.ServiceOrigin) == "" {
		return fmt.Errorf("%w: serviceOrigin is required", ErrValidation)
	}
	if strings.TrimSpace(e.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrValidation)
	}
	return nil
}
