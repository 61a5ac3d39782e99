// Package callmetrics derives per-session timing and service-level metrics.
package callmetrics

import (
	"math"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// DefaultSLAThreshold is the answer time in seconds under which a call
// counts towards the 80/20 service level.
const DefaultSLAThreshold = 20

// Compute derives the end-of-call metrics of a session from its timeline.
// Hold, wrapup and transfer accumulators are left zero; the caller persists
// the result with an upsert that keeps them.
func Compute(sess *models.CallSession, legs []models.CallLeg, threshold int) models.CallMetrics {
	if threshold <= 0 {
		threshold = DefaultSLAThreshold
	}
	m := models.CallMetrics{
		SessionID:           sess.ID,
		SLAThresholdSeconds: threshold,
	}

	if sess.AnswerAt != nil {
		m.WaitSeconds = Seconds(sess.AnswerAt.Sub(sess.StartAt))
		if sess.EndAt != nil {
			m.TalkSeconds = Seconds(sess.EndAt.Sub(*sess.AnswerAt))
		}
	}
	m.RingSeconds = m.WaitSeconds

	if first := firstAgentLeg(legs); first != nil {
		v := Seconds(first.StartAt.Sub(sess.StartAt))
		m.FirstResponseSeconds = &v
	}

	if sess.Disposition == models.DispositionAbandoned && sess.EndAt != nil {
		v := Seconds(sess.EndAt.Sub(sess.StartAt))
		m.AbandonsAfterSeconds = &v
	}

	met := sess.AnswerAt != nil && m.WaitSeconds <= threshold
	m.IsSLAMet = &met

	now := time.Now()
	m.ComputedAt = &now
	return m
}

// firstAgentLeg returns the earliest AGENT leg, or nil.
func firstAgentLeg(legs []models.CallLeg) *models.CallLeg {
	var first *models.CallLeg
	for i := range legs {
		l := &legs[i]
		if l.Type != models.LegAgent {
			continue
		}
		if first == nil || l.StartAt.Before(first.StartAt) {
			first = l
		}
	}
	return first
}

// Seconds rounds d to whole seconds. Negative spans from clock skew between
// PBX nodes are clamped to zero.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds()))
}
