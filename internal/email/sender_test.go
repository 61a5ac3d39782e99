package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/notify"
)

// mockSMTPClient implements smtpClient for testing.
type mockSMTPClient struct {
	helloCalled  bool
	tlsCalled    bool
	authCalled   bool
	mailFrom     string
	rcptTo       []string
	dataWritten  []byte
	quitCalled   bool
	closeCalled  bool
	authErr      error
	mailErr      error
	rcptErr      error
	dataErr      error
	dataWriteErr error
}

func (m *mockSMTPClient) Hello(_ string) error { m.helloCalled = true; return nil }
func (m *mockSMTPClient) Extension(ext string) (bool, string) {
	if ext == "STARTTLS" {
		return true, ""
	}
	return false, ""
}
func (m *mockSMTPClient) StartTLS(_ *tls.Config) error { m.tlsCalled = true; return nil }
func (m *mockSMTPClient) Auth(_ smtp.Auth) error {
	m.authCalled = true
	return m.authErr
}
func (m *mockSMTPClient) Mail(from string) error {
	m.mailFrom = from
	return m.mailErr
}
func (m *mockSMTPClient) Rcpt(to string) error {
	m.rcptTo = append(m.rcptTo, to)
	return m.rcptErr
}
func (m *mockSMTPClient) Data() (io.WriteCloser, error) {
	if m.dataErr != nil {
		return nil, m.dataErr
	}
	return &mockWriteCloser{mock: m}, nil
}
func (m *mockSMTPClient) Quit() error  { m.quitCalled = true; return nil }
func (m *mockSMTPClient) Close() error { m.closeCalled = true; return nil }

type mockWriteCloser struct {
	mock *mockSMTPClient
}

func (w *mockWriteCloser) Write(p []byte) (int, error) {
	if w.mock.dataWriteErr != nil {
		return 0, w.mock.dataWriteErr
	}
	w.mock.dataWritten = append(w.mock.dataWritten, p...)
	return len(p), nil
}

func (w *mockWriteCloser) Close() error { return nil }

func newTestSender(mock *mockSMTPClient) *Sender {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSender(logger)
	s.dialFunc = func(_ string, _ *tls.Config, _ string) (smtpClient, error) {
		return mock, nil
	}
	return s
}

var testSMTP = SMTPConfig{
	Host: "mail.example.com",
	Port: "587",
	From: "calltrack@example.com",
	TLS:  "none",
}

func TestSendCallbackNotification(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(mock)

	cfg := testSMTP
	cfg.Username = "user"
	cfg.Password = "pass"
	cfg.TLS = "starttls"

	scheduled := time.Date(2024, 3, 4, 10, 15, 0, 0, time.UTC)
	notif := CallbackNotification{
		To:           "team@example.com",
		CallbackID:   "cb-1",
		CallerNumber: "+48600100200",
		QueueID:      "sales",
		Reason:       "ABANDONED",
		MissedAt:     time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		ScheduledAt:  &scheduled,
		Attempts:     1,
		OverdueSecs:  125,
	}

	if err := sender.SendCallbackNotification(context.Background(), cfg, notif); err != nil {
		t.Fatalf("SendCallbackNotification() error: %v", err)
	}

	if !mock.helloCalled {
		t.Error("expected Hello to be called")
	}
	if !mock.tlsCalled {
		t.Error("expected StartTLS to be called")
	}
	if !mock.authCalled {
		t.Error("expected Auth to be called")
	}
	if mock.mailFrom != "calltrack@example.com" {
		t.Errorf("mail from = %q, want %q", mock.mailFrom, "calltrack@example.com")
	}
	if len(mock.rcptTo) != 1 || mock.rcptTo[0] != "team@example.com" {
		t.Errorf("rcpt to = %v, want [team@example.com]", mock.rcptTo)
	}
	if !mock.quitCalled || !mock.closeCalled {
		t.Error("expected Quit and Close to be called")
	}

	body := string(mock.dataWritten)
	for _, want := range []string{
		"Subject: Callback due: +48600100200",
		"Queue: sales",
		"Reason: ABANDONED",
		"Overdue by: 2m 5s",
		"Attempts so far: 1",
		"Callback ID: cb-1",
		"Content-Type: text/plain; charset=utf-8",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("email body missing %q, got:\n%s", want, body)
		}
	}
}

func TestSendCallbackNotificationMultipleRecipients(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(mock)

	notif := CallbackNotification{To: "a@example.com, b@example.com,", CallbackID: "cb-1"}
	if err := sender.SendCallbackNotification(context.Background(), testSMTP, notif); err != nil {
		t.Fatalf("SendCallbackNotification() error: %v", err)
	}
	if len(mock.rcptTo) != 2 || mock.rcptTo[0] != "a@example.com" || mock.rcptTo[1] != "b@example.com" {
		t.Errorf("rcpt to = %v, want [a@example.com b@example.com]", mock.rcptTo)
	}
	if mock.authCalled {
		t.Error("expected no Auth call when credentials are empty")
	}
	if mock.tlsCalled {
		t.Error("expected no StartTLS call with tls none")
	}
}

func TestSendCallbackNotificationErrors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   SMTPConfig
		to    string
		mock  *mockSMTPClient
		wantS string
	}{
		{"no smtp config", SMTPConfig{}, "a@example.com", &mockSMTPClient{}, "smtp not configured"},
		{"no recipient", testSMTP, "", &mockSMTPClient{}, "no recipient"},
		{
			"auth error",
			SMTPConfig{Host: "mail.example.com", Port: "587", From: "x@example.com", Username: "u", Password: "wrong"},
			"a@example.com",
			&mockSMTPClient{authErr: fmt.Errorf("invalid credentials")},
			"smtp auth",
		},
		{"mail error", testSMTP, "a@example.com", &mockSMTPClient{mailErr: fmt.Errorf("rejected")}, "smtp mail from"},
		{"rcpt error", testSMTP, "a@example.com", &mockSMTPClient{rcptErr: fmt.Errorf("no such user")}, "smtp rcpt to"},
		{"data error", testSMTP, "a@example.com", &mockSMTPClient{dataErr: fmt.Errorf("busy")}, "smtp data"},
		{"write error", testSMTP, "a@example.com", &mockSMTPClient{dataWriteErr: fmt.Errorf("reset")}, "smtp write"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newTestSender(tt.mock)
			err := sender.SendCallbackNotification(context.Background(), tt.cfg, CallbackNotification{To: tt.to})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantS) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantS)
			}
		})
	}
}

func TestSendCallbackNotificationCanceledContext(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sender.SendCallbackNotification(ctx, testSMTP, CallbackNotification{To: "a@example.com"}); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if mock.helloCalled {
		t.Error("expected no SMTP session for canceled context")
	}
}

func TestNotifierSendsOnlyDueCallbacks(t *testing.T) {
	mock := &mockSMTPClient{}
	n := NewNotifier(newTestSender(mock), testSMTP, "team@example.com")
	scheduled := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return scheduled.Add(90 * time.Second) }

	cb := &models.CallbackRequest{
		ID:            "cb-7",
		CallerNumber:  "600999888",
		QueueID:       "support",
		Reason:        models.MissedAbandoned,
		ScheduledAt:   &scheduled,
		AttemptsCount: 2,
	}

	for _, kind := range []notify.Kind{notify.CallbackCreated, notify.CallbackUpdated, notify.SessionEnded} {
		if err := n.Notify(context.Background(), notify.Notification{Kind: kind, Callback: cb}); err != nil {
			t.Fatalf("Notify(%s) error: %v", kind, err)
		}
	}
	if mock.helloCalled {
		t.Fatal("expected no email for non-due notifications")
	}

	if err := n.Notify(context.Background(), notify.Notification{Kind: notify.CallbackDue}); err != nil {
		t.Fatalf("Notify() without callback error: %v", err)
	}
	if mock.helloCalled {
		t.Fatal("expected no email for due notification without callback")
	}

	if err := n.Notify(context.Background(), notify.Notification{Kind: notify.CallbackDue, Callback: cb}); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	body := string(mock.dataWritten)
	for _, want := range []string{"Callback due: 600999888", "Queue: support", "Overdue by: 1m 30s", "Attempts so far: 2", "Callback ID: cb-7"} {
		if !strings.Contains(body, want) {
			t.Errorf("email body missing %q, got:\n%s", want, body)
		}
	}
}

func TestNotifierPropagatesSendErrors(t *testing.T) {
	mock := &mockSMTPClient{rcptErr: fmt.Errorf("mailbox full")}
	n := NewNotifier(newTestSender(mock), testSMTP, "team@example.com")

	err := n.Notify(context.Background(), notify.Notification{
		Kind:     notify.CallbackDue,
		Callback: &models.CallbackRequest{ID: "cb-1", CallerNumber: "600999888"},
	})
	if err == nil {
		t.Fatal("expected error from failing SMTP server")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		secs     int
		expected string
	}{
		{0, "0s"},
		{5, "5s"},
		{59, "59s"},
		{60, "1m"},
		{61, "1m 1s"},
		{125, "2m 5s"},
		{3600, "60m"},
	}

	for _, tc := range tests {
		result := formatDuration(tc.secs)
		if result != tc.expected {
			t.Errorf("formatDuration(%d) = %q, want %q", tc.secs, result, tc.expected)
		}
	}
}

func TestSMTPConfigValid(t *testing.T) {
	tests := []struct {
		name  string
		cfg   SMTPConfig
		valid bool
	}{
		{"full config", SMTPConfig{Host: "mail.example.com", Port: "587", From: "test@example.com"}, true},
		{"missing host", SMTPConfig{Port: "587", From: "test@example.com"}, false},
		{"missing port", SMTPConfig{Host: "mail.example.com", From: "test@example.com"}, false},
		{"missing from", SMTPConfig{Host: "mail.example.com", Port: "587"}, false},
		{"empty", SMTPConfig{}, false},
	}

	for _, tc := range tests {
		if tc.cfg.Valid() != tc.valid {
			t.Errorf("%s: expected Valid() = %v", tc.name, tc.valid)
		}
	}
}
