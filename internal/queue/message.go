package queue

import (
	"fmt"
	"strings"

	"github.com/notifyops/notify-core/internal/domain"
)

// DispatchMessage is the broker payload that triggers a dispatch attempt.
// The worker loads the full record by NotificationID; the message itself
// stays small and replayable.
type DispatchMessage struct {
	NotificationID string          `json:"notificationId"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Channel        domain.Channel  `json:"channel"`
	Priority       domain.Priority `json:"priority"`
	AttemptNumber  int             `json:"attemptNumber"`
}

func (m DispatchMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	if m.AttemptNumber < 0 {
		return fmt.Errorf("attemptNumber must not be negative")
	}
	return nil
}
