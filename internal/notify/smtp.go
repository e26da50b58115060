package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// ImplicitTLS dials TLS directly instead of upgrading with STARTTLS.
	ImplicitTLS bool
	Timeout     time.Duration
}

// SMTPMailer sends emails to an SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer returns an SMTP mailer. A host is required.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Port == 465 {
		cfg.ImplicitTLS = true
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPMailer{cfg: cfg}, nil
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, email Email) (string, error) {
	from, err := mail.ParseAddress(email.From)
	if err != nil {
		return "", fmt.Errorf("invalid from address: %w", err)
	}
	to, err := mail.ParseAddress(email.To)
	if err != nil {
		return "", fmt.Errorf("invalid to address: %w", err)
	}

	msg, id, err := buildMessage(from, to, email.Subject, email.HTML)
	if err != nil {
		return "", err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}

	var conn net.Conn
	if m.cfg.ImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: m.cfg.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return "", fmt.Errorf("smtp dial failed: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return "", fmt.Errorf("smtp client failed: %w", err)
	}
	defer func() { _ = c.Quit() }()

	if !m.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
				return "", fmt.Errorf("smtp starttls failed: %w", err)
			}
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return "", fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := c.Mail(from.Address); err != nil {
		return "", fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	if err := c.Rcpt(to.Address); err != nil {
		return "", fmt.Errorf("smtp RCPT TO failed: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return "", fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp close failed: %w", err)
	}
	return id, nil
}

// buildMessage composes a single part HTML message and returns it with its
// Message-ID.
func buildMessage(from, to *mail.Address, subject, html string) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("could not generate message id: %w", err)
	}
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("could not create message writer: %w", err)
	}
	if _, err := io.WriteString(w, html); err != nil {
		return nil, "", fmt.Errorf("could not write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("could not close message: %w", err)
	}

	id, _ := h.MessageID()
	return buf.Bytes(), id, nil
}
