package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a queued notification.
type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusQueued    Status = "QUEUED"
	StatusLeased    Status = "LEASED"
	StatusSending   Status = "SENDING"
	StatusDelivered Status = "DELIVERED"
	StatusPartial   Status = "PARTIAL"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusAccepted, StatusQueued, StatusLeased, StatusSending,
		StatusDelivered, StatusPartial, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusPartial, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelPush     Channel = "PUSH"
	ChannelSMS      Channel = "SMS"
	ChannelEmail    Channel = "EMAIL"
	ChannelRealtime Channel = "REALTIME"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelEmail, ChannelRealtime:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// AllChannels lists every supported channel, in queue declaration order.
func AllChannels() []Channel {
	return []Channel{ChannelPush, ChannelSMS, ChannelEmail, ChannelRealtime}
}

// Priority represents the message priority level.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// NotificationRequest is the immutable envelope accepted at admission.
// UserID is empty for broadcast requests. Destinations maps a channel to the
// provider-specific contact field; the core treats the value as opaque.
type NotificationRequest struct {
	Tenant         string
	ServiceOrigin  string
	UserID         string
	Channels       []Channel
	TemplateKey    string
	Priority       Priority
	Synchronous    bool
	CorrelationID  string
	IdempotencyKey string
	Locale         string
	Payload        map[string]any
	Destinations   map[Channel]string
	ScheduledAt    *time.Time
}

func (r *NotificationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is required", ErrValidation)
	}
	if strings.TrimSpace(r.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrValidation)
	}
	if strings.TrimSpace(r.ServiceOrigin) == "" {
		return fmt.Errorf("%w: serviceOrigin is required", ErrValidation)
	}
	if strings.TrimSpace(r.TemplateKey) == "" {
		return fmt.Errorf("%w: templateKey is required", ErrValidation)
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotencyKey is required", ErrValidation)
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}
	seen := make(map[Channel]struct{}, len(r.Channels))
	for _, ch := range r.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, ch)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("%w: duplicate channel %q", ErrValidation, ch)
		}
		seen[ch] = struct{}{}
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, r.Priority)
	}
	if r.Synchronous && !r.SyncEligible() {
		return fmt.Errorf("%w: synchronous delivery is limited to high-priority push/realtime requests", ErrValidation)
	}
	return nil
}

// SyncEligible reports whether the request qualifies for the synchronous
// path: high priority and channels restricted to push/realtime.
func (r *NotificationRequest) SyncEligible() bool {
	if r.Priority != PriorityHigh || len(r.Channels) == 0 {
		return false
	}
	for _, ch := range r.Channels {
		if ch != ChannelPush && ch != ChannelRealtime {
			return false
		}
	}
	return true
}

// QueuedNotification is the dispatchable unit created on admission. Only the
// dispatcher and the retry scheduler mutate it after creation.
type QueuedNotification struct {
	ID              string
	Tenant          string
	ServiceOrigin   string
	UserID          string
	Channels        []Channel
	TemplateKey     string
	Priority        Priority
	CorrelationID   string
	IdempotencyKey  string
	Locale          string
	Payload         map[string]any
	Destinations    map[Channel]string
	Status          Status
	Attempts        int
	MaxAttempts     int
	ScheduledAt     *time.Time
	NextAttemptAt   *time.Time
	LeaseExpiresAt  *time.Time
	LastErrorKind   string
	LastErrorDetail string
	ChannelOutcomes map[Channel]ChannelOutcome
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Destination returns the contact field for a channel, falling back to the
// user id when the caller supplied none.
func (q *QueuedNotification) Destination(ch Channel) string {
	if q == nil {
		return ""
	}
	if dest, ok := q.Destinations[ch]; ok && strings.TrimSpace(dest) != "" {
		return dest
	}
	return q.UserID
}
