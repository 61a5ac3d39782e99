package stats

import (
	"context"
	"sort"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// GroupStats are the per agent or per queue figures. Time means are taken
// over answered calls only and are nil when the group answered nothing.
type GroupStats struct {
	Total        int      `json:"total"`
	Answered     int      `json:"answered"`
	Missed       int      `json:"missed"`
	AnswerRate   *float64 `json:"answer_rate"`
	MissRate     *float64 `json:"miss_rate"`
	AvgHandleSec *float64 `json:"avg_handle_sec"`
	AvgTalkSec   *float64 `json:"avg_talk_sec"`
	AvgHoldSec   *float64 `json:"avg_hold_sec"`
	AvgWrapupSec *float64 `json:"avg_wrapup_sec"`
}

// AgentStats are the figures of one agent.
type AgentStats struct {
	UserID string `json:"user_id"`
	GroupStats
}

// QueueStats are the figures of one queue.
type QueueStats struct {
	QueueID        string   `json:"queue_id"`
	DistinctAgents int      `json:"distinct_agents"`
	SLAPercent     *float64 `json:"sla_percent"`
	GroupStats
}

// AgentStats groups the sessions in r by assigned agent.
func (a *Aggregator) AgentStats(ctx context.Context, r Range) ([]AgentStats, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	rows, err := a.db.Store().Sessions.ListWithMetrics(ctx, r.filter())
	if err != nil {
		return nil, err
	}
	return groupAgents(rows), nil
}

// QueueStats groups the sessions in r by queue.
func (a *Aggregator) QueueStats(ctx context.Context, r Range) ([]QueueStats, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	rows, err := a.db.Store().Sessions.ListWithMetrics(ctx, r.filter())
	if err != nil {
		return nil, err
	}
	return groupQueues(rows), nil
}

// accumulator collects the sums of one group.
type accumulator struct {
	total, answered, missed int
	talk, hold, wrapup      float64
	slaMet, slaN            int
	agents                  map[string]bool
}

func (acc *accumulator) add(row *models.SessionWithMetrics) {
	s := &row.Session
	acc.total++
	switch {
	case s.Disposition == models.DispositionAnswered:
		acc.answered++
		if m := row.Metrics; m != nil {
			acc.talk += float64(m.TalkSeconds)
			acc.hold += float64(m.HoldSeconds)
			acc.wrapup += float64(m.WrapupSeconds)
		}
	case s.Terminal():
		acc.missed++
	}
	if m := row.Metrics; m != nil && m.IsSLAMet != nil {
		acc.slaN++
		if *m.IsSLAMet {
			acc.slaMet++
		}
	}
	if s.AssignedUserID != "" {
		if acc.agents == nil {
			acc.agents = make(map[string]bool)
		}
		acc.agents[s.AssignedUserID] = true
	}
}

func (acc *accumulator) stats() GroupStats {
	return GroupStats{
		Total:        acc.total,
		Answered:     acc.answered,
		Missed:       acc.missed,
		AnswerRate:   percent(acc.answered, acc.total),
		MissRate:     percent(acc.missed, acc.total),
		AvgHandleSec: ratio(acc.talk+acc.hold+acc.wrapup, acc.answered),
		AvgTalkSec:   ratio(acc.talk, acc.answered),
		AvgHoldSec:   ratio(acc.hold, acc.answered),
		AvgWrapupSec: ratio(acc.wrapup, acc.answered),
	}
}

// group buckets rows by key, skipping rows with an empty key. The result is
// sorted by total calls descending, then by key.
func group(rows []models.SessionWithMetrics, key func(*models.CallSession) string) ([]string, map[string]*accumulator) {
	accs := make(map[string]*accumulator)
	for i := range rows {
		k := key(&rows[i].Session)
		if k == "" {
			continue
		}
		acc, ok := accs[k]
		if !ok {
			acc = &accumulator{}
			accs[k] = acc
		}
		acc.add(&rows[i])
	}

	keys := make([]string, 0, len(accs))
	for k := range accs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := accs[keys[i]].total, accs[keys[j]].total
		if ti != tj {
			return ti > tj
		}
		return keys[i] < keys[j]
	})
	return keys, accs
}

func groupAgents(rows []models.SessionWithMetrics) []AgentStats {
	keys, accs := group(rows, func(s *models.CallSession) string { return s.AssignedUserID })
	out := make([]AgentStats, 0, len(keys))
	for _, k := range keys {
		out = append(out, AgentStats{UserID: k, GroupStats: accs[k].stats()})
	}
	return out
}

func groupQueues(rows []models.SessionWithMetrics) []QueueStats {
	keys, accs := group(rows, func(s *models.CallSession) string { return s.QueueID })
	out := make([]QueueStats, 0, len(keys))
	for _, k := range keys {
		acc := accs[k]
		out = append(out, QueueStats{
			QueueID:        k,
			DistinctAgents: len(acc.agents),
			SLAPercent:     percent(acc.slaMet, acc.slaN),
			GroupStats:     acc.stats(),
		})
	}
	return out
}
