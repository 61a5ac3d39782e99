package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EventType identifies the kind of telephony event delivered by the PBX.
type EventType string

const (
	EventCallStart      EventType = "call_start"
	EventCallAnswer     EventType = "call_answer"
	EventCallEnd        EventType = "call_end"
	EventQueueEnter     EventType = "queue_enter"
	EventQueueLeave     EventType = "queue_leave"
	EventAgentConnect   EventType = "agent_connect"
	EventTransfer       EventType = "transfer"
	EventHoldStart      EventType = "hold_start"
	EventHoldEnd        EventType = "hold_end"
	EventRecordingReady EventType = "recording_ready"
	EventWrapupStart    EventType = "wrapup_start"
	EventWrapupEnd      EventType = "wrapup_end"
)

// EventTypes lists every accepted event type.
var EventTypes = []EventType{
	EventCallStart, EventCallAnswer, EventCallEnd,
	EventQueueEnter, EventQueueLeave, EventAgentConnect,
	EventTransfer, EventHoldStart, EventHoldEnd,
	EventRecordingReady, EventWrapupStart, EventWrapupEnd,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	for _, et := range EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Payload is the opaque structured body of a call event.
type Payload map[string]any

// String returns the first non-empty value among keys, formatted as a
// string. Numbers are formatted without exponent.
func (p Payload) String(keys ...string) string {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		case json.Number:
			s = x.String()
		case bool:
			s = strconv.FormatBool(x)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Float returns the first value among keys that is a number or a numeric
// string.
func (p Payload) Float(keys ...string) (float64, bool) {
	for _, k := range keys {
		switch x := p[k].(type) {
		case float64:
			return x, true
		case int:
			return float64(x), true
		case int64:
			return float64(x), true
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// CallEvent is an immutable telephony event as received from the PBX.
type CallEvent struct {
	ID             string
	EventType      EventType
	Timestamp      time.Time
	IdempotencyKey string
	Payload        Payload
	LinkedID       string
	UniqueID       string
	SessionID      string // empty until resolved
	CreatedAt      time.Time
	Seq            int64 // ingestion order, set when read back
}

// After reports whether e sorts after o on (timestamp, created_at, seq),
// the order events of one session are replayed in.
func (e *CallEvent) After(o *CallEvent) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.After(o.Timestamp)
	}
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.After(o.CreatedAt)
	}
	return e.Seq > o.Seq
}

// Direction of a call relative to the organisation.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Disposition is the final outcome of a call or leg.
type Disposition string

const (
	DispositionAnswered    Disposition = "ANSWERED"
	DispositionNoAnswer    Disposition = "NOANSWER"
	DispositionBusy        Disposition = "BUSY"
	DispositionAbandoned   Disposition = "ABANDONED"
	DispositionFailed      Disposition = "FAILED"
	DispositionMissed      Disposition = "MISSED"
	DispositionTransferred Disposition = "TRANSFERRED" // legs only
)

// Recording availability of a session.
const (
	RecordingNone      = "NONE"
	RecordingAvailable = "AVAILABLE"
)

// CallSession is one telephony call, keyed by the PBX linked id.
// Empty strings stand for unset optional fields.
type CallSession struct {
	ID                string
	LinkedID          string
	UniqueID          string
	Direction         Direction
	CallerNumber      string
	CalleeNumber      string
	DID               string
	Context           string
	StartAt           time.Time
	AnswerAt          *time.Time
	EndAt             *time.Time
	Disposition       Disposition
	HangupCause       string
	QueueID           string
	AssignedUserID    string
	AssignedExtension string
	RecordingStatus   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether the session has ended with a disposition.
func (s *CallSession) Terminal() bool {
	return s.EndAt != nil && s.Disposition != ""
}

// LegType identifies the party a leg belongs to.
type LegType string

const (
	LegCustomer LegType = "CUSTOMER"
	LegAgent    LegType = "AGENT"
	LegTransfer LegType = "TRANSFER"
)

// CallLeg is a segment of a session's timeline attached to one party.
type CallLeg struct {
	ID          string
	SessionID   string
	Type        LegType
	UserID      string
	Extension   string
	StartAt     time.Time
	AnswerAt    *time.Time
	EndAt       *time.Time
	Disposition Disposition
}

// Open reports whether the leg has not ended yet.
func (l *CallLeg) Open() bool {
	return l.EndAt == nil
}

// CallMetrics holds the derived timings of a session. Hold, wrapup and
// transfer fields are accumulated by separate events; the rest is derived
// when the session ends.
type CallMetrics struct {
	SessionID            string
	WaitSeconds          int
	RingSeconds          int
	TalkSeconds          int
	HoldSeconds          int
	WrapupSeconds        int
	TransfersCount       int
	FirstResponseSeconds *int
	AbandonsAfterSeconds *int
	IsSLAMet             *bool // nil until the session has ended
	SLAThresholdSeconds  int
	ComputedAt           *time.Time
}

// MissedReason classifies why a call was missed.
type MissedReason string

const (
	MissedAbandoned  MissedReason = "ABANDONED"
	MissedOutOfHours MissedReason = "OUT_OF_HOURS"
	MissedNoAnswer   MissedReason = "NO_ANSWER"
)

// Missed call statuses.
const (
	MissedStatusOpen    = "OPEN"
	MissedStatusHandled = "HANDLED"
)

// MissedCall records a session that ended without being answered.
type MissedCall struct {
	ID           string
	SessionID    string
	Reason       MissedReason
	Status       string
	QueueID      string
	UserID       string
	CallerNumber string
	CreatedAt    time.Time
	HandledAt    *time.Time
}

// CallbackStatus is the lifecycle state of a callback request.
type CallbackStatus string

const (
	CallbackPending    CallbackStatus = "PENDING"
	CallbackScheduled  CallbackStatus = "SCHEDULED"
	CallbackAttempting CallbackStatus = "ATTEMPTING"
	CallbackDone       CallbackStatus = "DONE"
)

// Valid reports whether s is a known callback status.
func (s CallbackStatus) Valid() bool {
	switch s {
	case CallbackPending, CallbackScheduled, CallbackAttempting, CallbackDone:
		return true
	}
	return false
}

// CallbackRequest is a pending or completed call back to a missed caller.
// SessionID, CallerNumber, QueueID and Reason are read from the linked
// missed call and are not written by Create or Update.
type CallbackRequest struct {
	ID            string
	MissedCallID  string
	Status        CallbackStatus
	ScheduledAt   *time.Time
	AttemptsCount int
	LastAttemptAt *time.Time
	Outcome       string
	NotifiedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	SessionID    string
	CallerNumber string
	QueueID      string
	Reason       MissedReason
}

// Recording is a call recording reported by the PBX.
type Recording struct {
	ID              string
	SessionID       string
	URL             string
	DurationSeconds int
	CreatedAt       time.Time
}

// QualityReview is a placeholder for a supervisor review of an answered,
// recorded call.
type QualityReview struct {
	ID          string
	SessionID   string
	RecordingID string
	Status      string
	CreatedAt   time.Time
}

// SessionWithMetrics pairs a session with its metrics row, if any.
type SessionWithMetrics struct {
	Session CallSession
	Metrics *CallMetrics
}
