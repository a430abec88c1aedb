package events

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Fanout publishes to every backend and joins their failures.
type Fanout []Publisher

// Publish delivers to each backend even when an earlier one fails.
func (f Fanout) Publish(ctx context.Context, topic string, event Event) error {
	var errs []error
	for _, publisher := range f {
		if err := publisher.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes each backend.
func (f Fanout) Close() error {
	var errs []error
	for _, publisher := range f {
		if err := publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FailureRecorder counts publish failures.
type FailureRecorder interface {
	PublishFailed()
}

// Notifier publishes room events fail-open: errors are logged and counted, never returned.
type Notifier struct {
	publisher Publisher
	failures  FailureRecorder
	logger    *zap.Logger
}

// NewNotifier wraps publisher. failures and logger may be nil.
func NewNotifier(publisher Publisher, failures FailureRecorder, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{publisher: publisher, failures: failures, logger: logger}
}

// Notify publishes event to topic.
func (n *Notifier) Notify(ctx context.Context, topic string, event Event) {
	if n == nil || n.publisher == nil || topic == "" {
		return
	}
	if err := n.publisher.Publish(ctx, topic, event); err != nil {
		if n.failures != nil {
			n.failures.PublishFailed()
		}
		n.logger.Warn("room event publish failed",
			zap.String("room_id", topic),
			zap.String("action", event[KeyAction]),
			zap.Error(err))
	}
}
