package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowpbx/calltrack/internal/notify"
)

// Notifier publishes engine notifications as JSON under a topic prefix.
type Notifier struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNotifier creates a new Notifier. A trailing slash on prefix is ignored.
func NewNotifier(pub Publisher, prefix string, logger *slog.Logger) *Notifier {
	return &Notifier{
		pub:    pub,
		prefix: strings.TrimRight(prefix, "/"),
		logger: logger.With("subsystem", "publisher"),
	}
}

// Notify implements notify.Sink. Notifications without a topic are dropped.
func (n *Notifier) Notify(ctx context.Context, note notify.Notification) error {
	topic := n.Topic(note)
	if topic == "" {
		n.logger.Debug("notification has no topic", "kind", note.Kind)
		return nil
	}
	data, err := notify.Marshal(note)
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", note.Kind, err)
	}
	if err := n.pub.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	n.logger.Debug("notification published", "topic", topic)
	return nil
}

// Topic returns the topic for note, or "" if the notification lacks the
// entity its kind refers to.
func (n *Notifier) Topic(note notify.Notification) string {
	switch note.Kind {
	case notify.SessionEnded:
		if note.Session != nil {
			return n.join("sessions", note.Session.LinkedID, "ended")
		}
	case notify.MissedCallCreated:
		if note.MissedCall != nil {
			return n.join("missed", note.MissedCall.ID)
		}
	case notify.CallbackCreated, notify.CallbackDue, notify.CallbackUpdated:
		if note.Callback != nil {
			event := strings.TrimPrefix(string(note.Kind), "callback.")
			return n.join("callbacks", note.Callback.ID, event)
		}
	case notify.RecordingCreated:
		if note.Recording != nil {
			return n.join("recordings", note.Recording.ID)
		}
	case notify.ReviewCreated:
		if note.Review != nil {
			return n.join("reviews", note.Review.ID)
		}
	}
	return ""
}

func (n *Notifier) join(parts ...string) string {
	if n.prefix == "" {
		return strings.Join(parts, "/")
	}
	return n.prefix + "/" + strings.Join(parts, "/")
}
