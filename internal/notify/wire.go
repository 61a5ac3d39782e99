package notify

import (
	"encoding/json"
	"time"
)

// Message is the JSON form of a notification sent to external consumers.
type Message struct {
	Kind       Kind            `json:"kind"`
	At         time.Time       `json:"at"`
	Session    *SessionView    `json:"session,omitempty"`
	MissedCall *MissedCallView `json:"missed_call,omitempty"`
	Callback   *CallbackView   `json:"callback,omitempty"`
	Recording  *RecordingView  `json:"recording,omitempty"`
	Review     *ReviewView     `json:"review,omitempty"`
}

type SessionView struct {
	ID             string     `json:"id"`
	LinkedID       string     `json:"linked_id"`
	Direction      string     `json:"direction"`
	CallerNumber   string     `json:"caller_number"`
	CalleeNumber   string     `json:"callee_number"`
	StartAt        time.Time  `json:"start_at"`
	AnswerAt       *time.Time `json:"answer_at"`
	EndAt          *time.Time `json:"end_at"`
	Disposition    string     `json:"disposition,omitempty"`
	QueueID        string     `json:"queue_id,omitempty"`
	AssignedUserID string     `json:"assigned_user_id,omitempty"`
}

type MissedCallView struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Reason       string    `json:"reason"`
	Status       string    `json:"status"`
	QueueID      string    `json:"queue_id,omitempty"`
	CallerNumber string    `json:"caller_number"`
	CreatedAt    time.Time `json:"created_at"`
}

type CallbackView struct {
	ID            string     `json:"id"`
	MissedCallID  string     `json:"missed_call_id"`
	Status        string     `json:"status"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
	AttemptsCount int        `json:"attempts_count"`
	Outcome       string     `json:"outcome,omitempty"`
	CallerNumber  string     `json:"caller_number,omitempty"`
}

type RecordingView struct {
	ID              string `json:"id"`
	SessionID       string `json:"session_id"`
	URL             string `json:"url"`
	DurationSeconds int    `json:"duration_seconds"`
}

type ReviewView struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	RecordingID string `json:"recording_id"`
	Status      string `json:"status"`
}

// ToMessage converts n to its JSON form.
func ToMessage(n Notification) Message {
	m := Message{Kind: n.Kind, At: n.At.UTC()}
	if s := n.Session; s != nil {
		m.Session = &SessionView{
			ID:             s.ID,
			LinkedID:       s.LinkedID,
			Direction:      string(s.Direction),
			CallerNumber:   s.CallerNumber,
			CalleeNumber:   s.CalleeNumber,
			StartAt:        s.StartAt,
			AnswerAt:       s.AnswerAt,
			EndAt:          s.EndAt,
			Disposition:    string(s.Disposition),
			QueueID:        s.QueueID,
			AssignedUserID: s.AssignedUserID,
		}
	}
	if mc := n.MissedCall; mc != nil {
		m.MissedCall = &MissedCallView{
			ID:           mc.ID,
			SessionID:    mc.SessionID,
			Reason:       string(mc.Reason),
			Status:       mc.Status,
			QueueID:      mc.QueueID,
			CallerNumber: mc.CallerNumber,
			CreatedAt:    mc.CreatedAt,
		}
	}
	if cb := n.Callback; cb != nil {
		m.Callback = &CallbackView{
			ID:            cb.ID,
			MissedCallID:  cb.MissedCallID,
			Status:        string(cb.Status),
			ScheduledAt:   cb.ScheduledAt,
			AttemptsCount: cb.AttemptsCount,
			Outcome:       cb.Outcome,
			CallerNumber:  cb.CallerNumber,
		}
	}
	if r := n.Recording; r != nil {
		m.Recording = &RecordingView{
			ID:              r.ID,
			SessionID:       r.SessionID,
			URL:             r.URL,
			DurationSeconds: r.DurationSeconds,
		}
	}
	if r := n.Review; r != nil {
		m.Review = &ReviewView{
			ID:          r.ID,
			SessionID:   r.SessionID,
			RecordingID: r.RecordingID,
			Status:      r.Status,
		}
	}
	return m
}

// Marshal encodes n as JSON.
func Marshal(n Notification) ([]byte, error) {
	return json.Marshal(ToMessage(n))
}
