package alerting

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"stock-alert-engine/internal/storage"
)

// Sender delivers one notification to a single channel.
type Sender interface {
	Send(ctx context.Context, n storage.Notification) error
}

// Dispatcher fans a notification out to every configured channel. The
// database channel is implicit: the notification row is already
// persisted before dispatch happens.
type Dispatcher struct {
	senders map[string]Sender
	logger  zerolog.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		senders: make(map[string]Sender),
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register attaches a channel sender under a name.
func (d *Dispatcher) Register(name string, sender Sender) {
	d.senders[name] = sender
}

// Send delivers to all channels, accumulating per-channel failures.
func (d *Dispatcher) Send(ctx context.Context, n storage.Notification) error {
	var errs []error
	for name, sender := range d.senders {
		if err := sender.Send(ctx, n); err != nil {
			d.logger.Warn().Err(err).Str("channel", name).Msg("channel dispatch failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
