package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const (
	dialTimeout = 10 * time.Second
	timeLayout  = "Mon, 02 Jan 2006 3:04 PM"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
	TLS      string // none, starttls or tls
}

// Valid reports whether host, port and sender address are all set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

func (c SMTPConfig) implicitTLS() bool { return strings.EqualFold(c.TLS, "tls") }
func (c SMTPConfig) startTLS() bool    { return strings.EqualFold(c.TLS, "starttls") }

// CallbackNotification is the content of a "callback due" email.
type CallbackNotification struct {
	To           string // comma-separated recipients
	CallbackID   string
	CallerNumber string
	QueueID      string
	Reason       string
	MissedAt     time.Time
	ScheduledAt  *time.Time
	Attempts     int
	OverdueSecs  int
}

// smtpClient is the part of *smtp.Client the sender drives.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type dialer func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)

// Sender delivers callback emails over SMTP.
type Sender struct {
	logger   *slog.Logger
	dialFunc dialer
}

// NewSender returns a Sender that dials real SMTP servers.
func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		logger:   logger.With("subsystem", "email"),
		dialFunc: defaultDial,
	}
}

// SendCallbackNotification emails notif to its recipients using cfg.
func (s *Sender) SendCallbackNotification(ctx context.Context, cfg SMTPConfig, notif CallbackNotification) error {
	if !cfg.Valid() {
		return errors.New("smtp not configured")
	}
	rcpts := splitRecipients(notif.To)
	if len(rcpts) == 0 {
		return errors.New("no recipient email address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.deliver(cfg, rcpts, buildMessage(cfg, notif, time.Now())); err != nil {
		return err
	}
	s.logger.Info("callback notification email sent",
		"to", notif.To,
		"callback_id", notif.CallbackID,
		"caller", notif.CallerNumber,
	)
	return nil
}

// deliver runs one SMTP session handing msg to every recipient.
func (s *Sender) deliver(cfg SMTPConfig, rcpts []string, msg []byte) error {
	tlsConfig := &tls.Config{ServerName: cfg.Host}
	c, err := s.dialFunc(net.JoinHostPort(cfg.Host, cfg.Port), tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if cfg.startTLS() {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", r, err)
		}
	}
	if err := writeData(c, msg); err != nil {
		return err
	}

	if err := c.Quit(); err != nil {
		s.logger.Warn("smtp quit failed", "error", err)
	}
	return nil
}

func writeData(c smtpClient, msg []byte) error {
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return nil
}

func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(d, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return smtp.NewClient(conn, tlsConfig.ServerName)
}

func splitRecipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// buildMessage renders the headers and plain-text body of notif.
func buildMessage(cfg SMTPConfig, notif CallbackNotification, sentAt time.Time) []byte {
	var b strings.Builder

	headers := [][2]string{
		{"From", cfg.From},
		{"To", notif.To},
		{"Subject", "Callback due: " + notif.CallerNumber},
		{"Date", sentAt.Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=utf-8"},
	}
	for _, h := range headers {
		b.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	b.WriteString("\r\n")

	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	b.WriteString("A callback is due for a missed call.\n\n")
	line("Caller", notif.CallerNumber)
	line("Queue", notif.QueueID)
	line("Reason", notif.Reason)
	if !notif.MissedAt.IsZero() {
		line("Missed", notif.MissedAt.Format(timeLayout))
	}
	if notif.ScheduledAt != nil {
		line("Scheduled", notif.ScheduledAt.Format(timeLayout))
	}
	if notif.OverdueSecs > 0 {
		line("Overdue by", formatDuration(notif.OverdueSecs))
	}
	fmt.Fprintf(&b, "Attempts so far: %d\n", notif.Attempts)
	line("Callback ID", notif.CallbackID)

	return []byte(b.String())
}

// formatDuration renders seconds as "45s", "3m" or "2m 15s".
func formatDuration(secs int) string {
	m, s := secs/60, secs%60
	switch {
	case m == 0:
		return fmt.Sprintf("%ds", s)
	case s == 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%dm %ds", m, s)
	}
}
