// Package stats computes contact-centre KPIs from stored sessions and their
// metrics. All means and ratios are pointers: nil means there was no data to
// average, which is different from zero.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/calltrack/internal/crm"
	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/database/models"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRange is returned when a time range is missing or inverted.
var ErrInvalidRange = errors.New("invalid time range")

// Range selects sessions started in [From, To], optionally narrowed to one
// queue or one agent.
type Range struct {
	From    time.Time
	To      time.Time
	QueueID string
	UserID  string
}

func (r Range) validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidRange)
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("%w: to is before from", ErrInvalidRange)
	}
	return nil
}

func (r Range) filter() database.SessionRangeFilter {
	return database.SessionRangeFilter{From: r.From, To: r.To, QueueID: r.QueueID, UserID: r.UserID}
}

// OverviewQuery is a range plus an optional comparison window. The
// comparison is computed only when both bounds are set.
type OverviewQuery struct {
	Range
	CompareFrom *time.Time
	CompareTo   *time.Time
}

// Volume counts calls and callbacks.
type Volume struct {
	Total              int `json:"total"`
	Answered           int `json:"answered"`
	Missed             int `json:"missed"`
	Abandoned          int `json:"abandoned"`
	CallbacksCreated   int `json:"callbacks_created"`
	CallbacksCompleted int `json:"callbacks_completed"`
}

// Speed describes how quickly calls were answered or given up.
type Speed struct {
	AvgWaitSec        *float64 `json:"avg_wait_sec"`
	MedianWaitSec     *float64 `json:"median_wait_sec"`
	P90WaitSec        *float64 `json:"p90_wait_sec"`
	AvgAbandonWaitSec *float64 `json:"avg_abandon_wait_sec"`
}

// Quality describes handling of answered calls.
type Quality struct {
	AvgTalkSec   *float64 `json:"avg_talk_sec"`
	AvgHoldSec   *float64 `json:"avg_hold_sec"`
	AvgWrapupSec *float64 `json:"avg_wrapup_sec"`
	TransferRate *float64 `json:"transfer_rate"`
}

// ServiceLevel describes SLA attainment and load.
type ServiceLevel struct {
	SLAPercent     *float64 `json:"sla_percent"`
	LongestWaitSec *int     `json:"longest_wait_sec"`
	HourlyCalls    [24]int  `json:"hourly_calls"`
}

// Overview is the headline KPI set for a range.
type Overview struct {
	From         time.Time    `json:"from"`
	To           time.Time    `json:"to"`
	Volume       Volume       `json:"volume"`
	Speed        Speed        `json:"speed"`
	Quality      Quality      `json:"quality"`
	ServiceLevel ServiceLevel `json:"service_level"`
	Comparison   *Comparison  `json:"comparison,omitempty"`
}

// Comparison holds the previous window and the percentage change of each
// headline metric. A delta is nil when the previous value is zero or nil.
type Comparison struct {
	From     time.Time           `json:"from"`
	To       time.Time           `json:"to"`
	Previous *Overview           `json:"previous"`
	Deltas   map[string]*float64 `json:"deltas"`
}

// CRMLookup finds CRM records for a normalised phone number. Any method may
// return nil without error when there is no match.
type CRMLookup interface {
	ClientByPhone(ctx context.Context, digits string) (*crm.Client, error)
	ActiveLeadByPhone(ctx context.Context, digits string) (*crm.Lead, error)
	OpenWorkOrders(ctx context.Context, clientID string) ([]crm.WorkOrder, error)
}

// Aggregator computes statistics on demand. It only reads.
type Aggregator struct {
	db          *database.DB
	crm         CRMLookup
	phoneDigits int
	location    *time.Location
	logger      *slog.Logger
}

// NewAggregator creates a new Aggregator. crmLookup may be nil. loc is used for
// the hour-of-day histogram.
func NewAggregator(db *database.DB, crmLookup CRMLookup, phoneDigits int, loc *time.Location, logger *slog.Logger) *Aggregator {
	if phoneDigits <= 0 {
		phoneDigits = DefaultPhoneDigits
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		db:          db,
		crm:         crmLookup,
		phoneDigits: phoneDigits,
		location:    loc,
		logger:      logger.With("subsystem", "stats"),
	}
}

// Overview computes the KPI set for q.Range and, if requested, for the
// comparison window with the same queue and agent filters.
func (a *Aggregator) Overview(ctx context.Context, q OverviewQuery) (*Overview, error) {
	if err := q.Range.validate(); err != nil {
		return nil, err
	}

	var prevRange *Range
	if q.CompareFrom != nil && q.CompareTo != nil {
		prevRange = &Range{From: *q.CompareFrom, To: *q.CompareTo, QueueID: q.QueueID, UserID: q.UserID}
		if err := prevRange.validate(); err != nil {
			return nil, err
		}
	}

	var cur, prev *Overview
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		cur, err = a.overview(gctx, q.Range)
		return err
	})
	if prevRange != nil {
		g.Go(func() (err error) {
			prev, err = a.overview(gctx, *prevRange)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if prevRange == nil {
		return cur, nil
	}
	cur.Comparison = &Comparison{
		From:     prevRange.From,
		To:       prevRange.To,
		Previous: prev,
		Deltas:   deltas(cur, prev),
	}
	return cur, nil
}

func (a *Aggregator) overview(ctx context.Context, r Range) (*Overview, error) {
	st := a.db.Store()
	rows, err := st.Sessions.ListWithMetrics(ctx, r.filter())
	if err != nil {
		return nil, err
	}

	o := computeOverview(rows, a.location)
	o.From, o.To = r.From, r.To

	if o.Volume.CallbacksCreated, err = st.Callbacks.CountCreated(ctx, r.From, r.To, r.QueueID); err != nil {
		return nil, err
	}
	if o.Volume.CallbacksCompleted, err = st.Callbacks.CountCompleted(ctx, r.From, r.To, r.QueueID); err != nil {
		return nil, err
	}
	return o, nil
}

// computeOverview derives every session-based figure of an overview.
// Callback counts are filled in by the caller.
func computeOverview(rows []models.SessionWithMetrics, loc *time.Location) *Overview {
	o := &Overview{}

	var (
		waits        []float64
		abandonWaits []float64
		talk, hold   []float64
		wrapup       []float64
		transfers    int
		slaMet, slaN int
		longest      *int
	)
	observeWait := func(w int) {
		if longest == nil || w > *longest {
			v := w
			longest = &v
		}
	}

	for i := range rows {
		s := &rows[i].Session
		m := rows[i].Metrics

		o.Volume.Total++
		o.ServiceLevel.HourlyCalls[s.StartAt.In(loc).Hour()]++

		switch {
		case s.Disposition == models.DispositionAnswered:
			o.Volume.Answered++
		case s.Terminal():
			o.Volume.Missed++
			if s.Disposition == models.DispositionAbandoned {
				o.Volume.Abandoned++
			}
		}

		if m == nil {
			continue
		}
		if m.IsSLAMet != nil {
			slaN++
			if *m.IsSLAMet {
				slaMet++
			}
		}
		if s.Disposition == models.DispositionAnswered {
			waits = append(waits, float64(m.WaitSeconds))
			talk = append(talk, float64(m.TalkSeconds))
			hold = append(hold, float64(m.HoldSeconds))
			wrapup = append(wrapup, float64(m.WrapupSeconds))
			transfers += m.TransfersCount
			observeWait(m.WaitSeconds)
		}
		if s.Disposition == models.DispositionAbandoned && m.AbandonsAfterSeconds != nil {
			abandonWaits = append(abandonWaits, float64(*m.AbandonsAfterSeconds))
			observeWait(*m.AbandonsAfterSeconds)
		}
	}

	o.Speed = Speed{
		AvgWaitSec:        mean(waits),
		MedianWaitSec:     median(waits),
		P90WaitSec:        percentile(waits, 90),
		AvgAbandonWaitSec: mean(abandonWaits),
	}
	o.Quality = Quality{
		AvgTalkSec:   mean(talk),
		AvgHoldSec:   mean(hold),
		AvgWrapupSec: mean(wrapup),
		TransferRate: ratio(float64(transfers), o.Volume.Answered),
	}
	o.ServiceLevel.SLAPercent = percent(slaMet, slaN)
	o.ServiceLevel.LongestWaitSec = longest
	return o
}

// deltas returns the percentage change of each headline metric.
func deltas(cur, prev *Overview) map[string]*float64 {
	count := func(v int) *float64 {
		f := float64(v)
		return &f
	}
	pairs := []struct {
		name      string
		cur, prev *float64
	}{
		{"total", count(cur.Volume.Total), count(prev.Volume.Total)},
		{"answered", count(cur.Volume.Answered), count(prev.Volume.Answered)},
		{"missed", count(cur.Volume.Missed), count(prev.Volume.Missed)},
		{"abandoned", count(cur.Volume.Abandoned), count(prev.Volume.Abandoned)},
		{"callbacks_created", count(cur.Volume.CallbacksCreated), count(prev.Volume.CallbacksCreated)},
		{"avg_wait_sec", cur.Speed.AvgWaitSec, prev.Speed.AvgWaitSec},
		{"avg_abandon_wait_sec", cur.Speed.AvgAbandonWaitSec, prev.Speed.AvgAbandonWaitSec},
		{"avg_talk_sec", cur.Quality.AvgTalkSec, prev.Quality.AvgTalkSec},
		{"transfer_rate", cur.Quality.TransferRate, prev.Quality.TransferRate},
		{"sla_percent", cur.ServiceLevel.SLAPercent, prev.ServiceLevel.SLAPercent},
	}
	out := make(map[string]*float64, len(pairs))
	for _, p := range pairs {
		out[p.name] = delta(p.cur, p.prev)
	}
	return out
}
