package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/routing"
)

// EventIngestor feeds bus envelopes through the same admission path as the
// HTTP surface. Domain denials are dropped with a log line; only
// infrastructure failures are redelivered.
type EventIngestor struct {
	consumer queue.Consumer
	router   *routing.Router
	service  *Service
	logger   *zap.Logger
}

func NewEventIngestor(consumer queue.Consumer, router *routing.Router, service *Service, logger *zap.Logger) (*EventIngestor, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if service == nil {
		return nil, fmt.Errorf("admission service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EventIngestor{
		consumer: consumer,
		router:   router,
		service:  service,
		logger:   logger,
	}, nil
}

func (i *EventIngestor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return i.consumer.ConsumeEvents(ctx, i.handleEvent)
}

func (i *EventIngestor) handleEvent(ctx context.Context, envelope domain.EventEnvelope) error {
	req, err := i.router.RequestFromEvent(&envelope)
	if err != nil {
		i.logger.Warn("dropping unmappable event",
			zap.String("eventId", envelope.EventID),
			zap.String("messageType", envelope.MessageType),
			zap.Error(err),
		)
		return nil
	}

	// Bus ingestion never carries an override capability.
	result, err := i.service.Admit(ctx, req, nil)
	if err != nil {
		if isAdmissionDenial(err) {
			i.logger.Warn("event denied at admission",
				zap.String("eventId", envelope.EventID),
				zap.String("tenant", req.Tenant),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("event admission failed: %w", err)
	}

	i.logger.Debug("event admitted",
		zap.String("eventId", envelope.EventID),
		zap.String("notificationId", result.NotificationID),
		zap.String("status", result.Status.String()),
	)
	return nil
}

// isAdmissionDenial separates policy denials, which redelivery cannot fix,
// from infrastructure failures.
func isAdmissionDenial(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrBudgetExceeded)
}
