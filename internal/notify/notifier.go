// Package notify delivers operational alerts (entries, stop-losses, failures)
// to external channels. Senders are fan-out targets behind a single Notifier
// that filters by event type, so the trading code never cares where alerts go.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Event types emitted by the trading cycles.
const (
	EventEntry    = "entry"
	EventStopLoss = "stop_loss"
	EventExpiry   = "expiry"
	EventError    = "error"
)

// Sender is one notification channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier dispatches notifications to its senders, filtered by event type.
// An empty event list allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *logrus.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only events
// listed in events pass the filter; an empty list allows all.
func NewNotifier(senders []Sender, events []string, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.New()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{senders: senders, events: allowed, logger: logger}
}

// Notify delivers to all senders if the event type passes the filter. Sender
// failures are logged and combined; one failing channel never blocks another.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.WithField("event", event).Debug("notification filtered out")
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WithError(err).WithField("sender", s.Name()).Error("notification failed")
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}
