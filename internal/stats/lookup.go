package stats

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/calltrack/internal/crm"
	"github.com/flowpbx/calltrack/internal/database/models"
)

// DefaultPhoneDigits is the number of trailing digits compared when
// matching phone numbers, which drops country and trunk prefixes.
const DefaultPhoneDigits = 9

// recentCallsLimit is the number of recent sessions returned by a lookup.
const recentCallsLimit = 5

// ErrInvalidPhone is returned when a phone number has no digits.
var ErrInvalidPhone = errors.New("phone number has no digits")

// NormalizePhone strips everything but digits and keeps the last digits
// characters.
func NormalizePhone(phone string, digits int) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if digits > 0 && len(s) > digits {
		s = s[len(s)-digits:]
	}
	return s
}

// CallSummary is a short view of a past session.
type CallSummary struct {
	ID             string             `json:"id"`
	LinkedID       string             `json:"linked_id"`
	Direction      models.Direction   `json:"direction"`
	CallerNumber   string             `json:"caller_number"`
	StartAt        time.Time          `json:"start_at"`
	EndAt          *time.Time         `json:"end_at"`
	Disposition    models.Disposition `json:"disposition,omitempty"`
	QueueID        string             `json:"queue_id,omitempty"`
	AssignedUserID string             `json:"assigned_user_id,omitempty"`
}

// LookupResult holds whatever matched the phone number. Absent categories
// are nil or empty.
type LookupResult struct {
	Phone       string          `json:"phone"`
	Client      *crm.Client     `json:"client"`
	Lead        *crm.Lead       `json:"lead"`
	WorkOrders  []crm.WorkOrder `json:"work_orders"`
	RecentCalls []CallSummary   `json:"recent_calls"`
}

// LookupPhone finds the CRM records and recent calls of a phone number. The
// lookups are independent: a failing one is logged and left empty.
func (a *Aggregator) LookupPhone(ctx context.Context, phone string) (*LookupResult, error) {
	digits := NormalizePhone(phone, a.phoneDigits)
	if digits == "" {
		return nil, ErrInvalidPhone
	}

	res := &LookupResult{
		Phone:       digits,
		WorkOrders:  []crm.WorkOrder{},
		RecentCalls: []CallSummary{},
	}

	var g errgroup.Group

	g.Go(func() error {
		sessions, err := a.db.Store().Sessions.RecentByCaller(ctx, digits, recentCallsLimit)
		if err != nil {
			a.logger.Warn("recent calls lookup failed", "phone", digits, "error", err)
			return nil
		}
		for _, s := range sessions {
			res.RecentCalls = append(res.RecentCalls, CallSummary{
				ID:             s.ID,
				LinkedID:       s.LinkedID,
				Direction:      s.Direction,
				CallerNumber:   s.CallerNumber,
				StartAt:        s.StartAt,
				EndAt:          s.EndAt,
				Disposition:    s.Disposition,
				QueueID:        s.QueueID,
				AssignedUserID: s.AssignedUserID,
			})
		}
		return nil
	})

	if a.crm != nil {
		g.Go(func() error {
			client, err := a.crm.ClientByPhone(ctx, digits)
			if err != nil {
				a.logger.Warn("crm client lookup failed", "phone", digits, "error", err)
				return nil
			}
			res.Client = client
			if client == nil {
				return nil
			}
			orders, err := a.crm.OpenWorkOrders(ctx, client.ID)
			if err != nil {
				a.logger.Warn("crm work order lookup failed", "client_id", client.ID, "error", err)
				return nil
			}
			if orders != nil {
				res.WorkOrders = orders
			}
			return nil
		})

		g.Go(func() error {
			lead, err := a.crm.ActiveLeadByPhone(ctx, digits)
			if err != nil {
				a.logger.Warn("crm lead lookup failed", "phone", digits, "error", err)
				return nil
			}
			res.Lead = lead
			return nil
		})
	}

	// Every lookup logs its own failure and returns nil.
	_ = g.Wait()
	return res, nil
}
