package email

import (
	"context"
	"time"

	"github.com/flowpbx/calltrack/internal/notify"
)

// Notifier is a notify.Sink that emails a fixed recipient list whenever a
// callback becomes due. Other notification kinds are ignored.
type Notifier struct {
	sender *Sender
	cfg    SMTPConfig
	to     string
	now    func() time.Time
}

// NewNotifier returns a Notifier sending through s with cfg to the
// comma-separated recipients in to.
func NewNotifier(s *Sender, cfg SMTPConfig, to string) *Notifier {
	return &Notifier{sender: s, cfg: cfg, to: to, now: time.Now}
}

// Notify implements notify.Sink.
func (n *Notifier) Notify(ctx context.Context, note notify.Notification) error {
	if note.Kind != notify.CallbackDue || note.Callback == nil {
		return nil
	}
	cb := note.Callback
	msg := CallbackNotification{
		To:           n.to,
		CallbackID:   cb.ID,
		CallerNumber: cb.CallerNumber,
		QueueID:      cb.QueueID,
		Reason:       string(cb.Reason),
		MissedAt:     cb.CreatedAt,
		ScheduledAt:  cb.ScheduledAt,
		Attempts:     cb.AttemptsCount,
	}
	if cb.ScheduledAt != nil {
		if d := n.now().Sub(*cb.ScheduledAt); d > 0 {
			msg.OverdueSecs = int(d / time.Second)
		}
	}
	return n.sender.SendCallbackNotification(ctx, n.cfg, msg)
}
