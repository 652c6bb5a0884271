package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
)

// EmailSender delivers alert mail over SMTP.
type EmailSender struct {
	cfg    config.SMTPConfig
	logger *logger.Logger
}

// NewEmailSender returns an SMTP alert sender.
func NewEmailSender(cfg config.SMTPConfig, log *logger.Logger) *EmailSender {
	return &EmailSender{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "email")),
	}
}

// Enabled reports whether alert mail is configured.
func (e *EmailSender) Enabled() bool {
	return e.cfg.Enabled && e.cfg.Host != "" && e.cfg.AlertEmail != ""
}

// Send delivers one alert mail to the configured address.
func (e *EmailSender) Send(subject, body string) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	from := e.cfg.User
	if from == "" {
		from = "ticketd@" + e.cfg.Host
	}

	msg := strings.Join([]string{
		"From: " + from,
		"To: " + e.cfg.AlertEmail,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if e.cfg.User != "" {
		auth = smtp.PlainAuth("", e.cfg.User, e.cfg.Password, e.cfg.Host)
	}

	if e.cfg.TLS {
		return e.sendTLS(addr, from, auth, []byte(msg))
	}
	return smtp.SendMail(addr, auth, from, []string{e.cfg.AlertEmail}, []byte(msg))
}

// sendTLS speaks SMTP with STARTTLS.
func (e *EmailSender) sendTLS(addr, from string, auth smtp.Auth, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}
	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth failed: %w", err)
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(e.cfg.AlertEmail); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
