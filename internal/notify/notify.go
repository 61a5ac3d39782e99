// Package notify carries engine notifications from the ingestion
// transaction to external sinks once the transaction has committed.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// Kind identifies a notification.
type Kind string

const (
	SessionEnded      Kind = "session.ended"
	MissedCallCreated Kind = "missed_call.created"
	CallbackCreated   Kind = "callback.created"
	CallbackDue       Kind = "callback.due"
	CallbackUpdated   Kind = "callback.updated"
	RecordingCreated  Kind = "recording.created"
	ReviewCreated     Kind = "review.created"
)

// Notification is a single engine occurrence. Only the pointer matching the
// kind is set, along with Session where one is known.
type Notification struct {
	Kind       Kind
	At         time.Time
	Session    *models.CallSession
	MissedCall *models.MissedCall
	Callback   *models.CallbackRequest
	Recording  *models.Recording
	Review     *models.QualityReview
}

// Sink receives notifications. Implementations must not block for long;
// delivery is best effort.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Fanout delivers every notification to each sink in order.
type Fanout []Sink

// Notify implements Sink. All sinks are attempted; their errors are joined.
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(context.Context, Notification) error { return nil }

// Outbox buffers notifications produced inside a transaction. It is not
// safe for concurrent use.
type Outbox struct {
	items []Notification
}

// Add queues a notification, stamping At if unset. Adding to a nil outbox
// drops the notification.
func (o *Outbox) Add(n Notification) {
	if o == nil {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	o.items = append(o.items, n)
}

// Len returns the number of queued notifications.
func (o *Outbox) Len() int {
	return len(o.items)
}

// Items returns the queued notifications.
func (o *Outbox) Items() []Notification {
	return o.items
}

// Flush delivers queued notifications to sink and empties the outbox. The
// first delivery error does not stop the remaining ones.
func (o *Outbox) Flush(ctx context.Context, sink Sink) error {
	items := o.items
	o.items = nil
	if sink == nil {
		return nil
	}
	var errs []error
	for _, n := range items {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
