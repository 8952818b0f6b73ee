package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/observability"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
)

const minWorkerConcurrency = 1

// Worker consumes dispatch messages, runs attempts through the dispatcher
// and applies the retry-or-terminal decision.
type Worker struct {
	notifications repository.NotificationRepository
	consumer      queue.Consumer
	dispatcher    *Dispatcher
	applier       *Applier
	logger        *zap.Logger
	metrics       *observability.Metrics
	concurrency   int
}

func NewWorker(
	notifications repository.NotificationRepository,
	consumer queue.Consumer,
	dispatcher *Dispatcher,
	applier *Applier,
	concurrency int,
	logger *zap.Logger,
) (*Worker, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		notifications: notifications,
		consumer:      consumer,
		dispatcher:    dispatcher,
		applier:       applier,
		logger:        logger,
		concurrency:   concurrency,
	}, nil
}

func (w *Worker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start consumes the channel work queues until context cancellation.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := w.consumer.Consume(groupCtx, queueName, w.processMessage)
			if err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

func (w *Worker) processMessage(ctx context.Context, msg queue.DispatchMessage) error {
	notification, err := w.notifications.LockForSending(ctx, msg.NotificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.logger.Warn("notification not found during lock, skipping",
				zap.String("notificationId", msg.NotificationID),
			)
			return nil
		}
		return fmt.Errorf("failed to lock notification for sending: %w", err)
	}

	// Nil means terminal/sending state; ack and skip.
	if notification == nil {
		return nil
	}

	channelName := strings.ToLower(msg.Channel.String())
	if w.metrics != nil {
		w.metrics.IncWorkerInFlight(channelName)
		defer w.metrics.DecWorkerInFlight(channelName)
	}

	outcome := w.dispatcher.Attempt(ctx, notification)

	return w.applier.Apply(ctx, notification, outcome)
}
