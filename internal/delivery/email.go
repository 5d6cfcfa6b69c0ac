package delivery

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// EmailSender abstracts the outgoing mail transport.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPSender sends plain-text digests over SMTP with optional auth.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	logger   *log.Logger
}

func NewSMTPSender(host string, port int, username, password, from string, logger *log.Logger) *SMTPSender {
	if logger == nil {
		logger = log.New(log.Writer(), "[EMAIL] ", log.LstdFlags)
	}
	return &SMTPSender{Host: host, Port: port, Username: username, Password: password, From: from, logger: logger}
}

func (s *SMTPSender) Send(ctx context.Context, to []string, subject, body string) error {
	if s.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, auth, s.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %v: %w", to, err)
	}
	s.logger.Printf("sent %q to %v", subject, to)
	return nil
}

// LogSender writes mail to the log instead of a wire. Used in dev and
// in tests.
type LogSender struct {
	Logger *log.Logger
}

func (l *LogSender) Send(ctx context.Context, to []string, subject, body string) error {
	logger := l.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[EMAIL] ", log.LstdFlags)
	}
	logger.Printf("(dry) to=%v subject=%q bytes=%d", to, subject, len(body))
	return nil
}
