package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"pkt.systems/pslog"
)

// SMTPConfig holds mail delivery settings. Incomplete config disables
// sending; the mailer then logs and skips.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) complete() bool {
	return c.Host != "" && c.Port != 0 && c.Username != "" && c.Password != "" && c.From != ""
}

// SMTPMailer sends notifications over SMTP on a background goroutine.
// Failures are logged and swallowed.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger pslog.Logger

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer. From defaults to Username.
func NewSMTPMailer(cfg SMTPConfig, logger pslog.Logger) *SMTPMailer {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPMailer{cfg: cfg, logger: logger, send: smtp.SendMail}
}

// Notify sends a message without blocking or failing the caller.
func (m *SMTPMailer) Notify(to, subject, body string) {
	if to == "" || !m.cfg.complete() {
		m.logger.Debug("notify.mail.skipped", "to", to, "host", m.cfg.Host)
		return
	}
	go m.deliver(to, subject, body)
}

func (m *SMTPMailer) deliver(to, subject, body string) {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	if err := m.send(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		m.logger.Warn("notify.mail.failed", "to", to, "subject", subject, "error", err)
		return
	}
	m.logger.Info("notify.mail.sent", "to", to, "subject", subject)
}
