package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	cqrs "github.com/eventfold/cqrs"
)

// WithEventLogging wraps an EventHandler with logging functionality. The
// envelope fields are pulled from the context the event bus enriched before
// delivery.
func WithEventLogging(logger *logrus.Entry, next cqrs.EventHandler) cqrs.EventHandler {
	return cqrs.NewEventHandlerFunc(func(ctx context.Context, event cqrs.Event) error {
		l := logger.WithFields(logrus.Fields{
			"stream-id":      cqrs.StreamIDFromContext(ctx),
			"event-type":     event.EventType(),
			"causation":      cqrs.CausationIDFromContext(ctx),
			"version":        cqrs.VersionFromContext(ctx),
			"global-version": cqrs.GlobalVersionFromContext(ctx),
		})

		l.Debug("event processing started")

		err := next.Handle(ctx, event)
		if err != nil {
			l.WithError(err).Error("error processing event")
		} else {
			l.Debug("event processed successfully")
		}

		return err
	})
}
