package callback

import (
	"context"
	"time"

	"github.com/flowpbx/calltrack/internal/notify"
)

// dueBatchSize bounds the callbacks announced per tick.
const dueBatchSize = 100

// StartDueNotifier runs a background goroutine that announces scheduled
// callbacks whose time has come. Each callback is announced once; its status
// is left unchanged because no outbound call is placed. The goroutine stops
// when the provided context is cancelled.
func (s *Scheduler) StartDueNotifier(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.NotifyDue(ctx)
				if err != nil {
					s.logger.Error("callback due check failed", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("callbacks due", "count", n)
				}
			}
		}
	}()
}

// NotifyDue announces every due, not yet announced callback and returns how
// many were announced. A callback whose notification fails is retried on the
// next call.
func (s *Scheduler) NotifyDue(ctx context.Context) (int, error) {
	now := s.now()
	st := s.db.Store()

	due, err := st.Callbacks.ListDue(ctx, now, dueBatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range due {
		cb := &due[i]
		if err := s.sink.Notify(ctx, notify.Notification{Kind: notify.CallbackDue, At: now, Callback: cb}); err != nil {
			s.logger.Warn("callback due notification failed", "callback_id", cb.ID, "error", err)
			continue
		}
		if err := st.Callbacks.MarkNotified(ctx, cb.ID, now); err != nil {
			return sent, err
		}
		cb.NotifiedAt = &now
		sent++
	}
	return sent, nil
}
