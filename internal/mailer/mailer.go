// Package mailer delivers report and alert email over authenticated SMTP.
package mailer

import (
	"bytes"
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

	"github.com/emersion/go-message/mail"

	"storereport/internal/config"
)

// Mailer sends markdown bodies as framed HTML email, optionally with the
// full report attached.
type Mailer struct {
	cfg        config.EmailConfig
	senderName string
	logger     *slog.Logger

	// Transport seam, replaced in tests.
	sendRaw func(ctx context.Context, from string, recipients []string, msg []byte) error
}

func New(cfg config.EmailConfig, senderName string, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mailer{cfg: cfg, senderName: strings.TrimSpace(senderName), logger: logger}
	m.sendRaw = m.smtpSend
	return m
}

// WithSenderName returns a copy of the mailer with a different display name,
// used by the error notifier.
func (m *Mailer) WithSenderName(name string) *Mailer {
	if m == nil {
		return nil
	}
	clone := *m
	clone.senderName = strings.TrimSpace(name)
	clone.sendRaw = m.sendRaw
	return &clone
}

// Send renders the markdown body into the email frame and delivers it to
// every recipient. When attachmentHTML is non-empty it is attached as an
// HTML file named after the subject date.
func (m *Mailer) Send(ctx context.Context, recipients []string, subject, markdownBody string, attachmentHTML string) error {
	if m == nil {
		return errors.New("mailer is nil")
	}
	from := strings.TrimSpace(m.cfg.EmailAddress)
	if from == "" {
		return errors.New("email_address is required")
	}
	rcpts := cleanRecipients(recipients)
	if len(rcpts) == 0 {
		return errors.New("no recipients configured")
	}
	subject = m.applySubjectPrefix(subject)

	htmlBody, err := renderEmailHTML(subject, markdownBody)
	if err != nil {
		return fmt.Errorf("render email body: %w", err)
	}
	msg, err := m.buildMessage(from, rcpts, subject, htmlBody, attachmentHTML)
	if err != nil {
		return fmt.Errorf("build email: %w", err)
	}
	if err := m.sendRaw(ctx, from, rcpts, msg); err != nil {
		return err
	}
	m.logger.Info("email sent", "recipients", len(rcpts), "subject", subject, "attached", attachmentHTML != "")
	return nil
}

func (m *Mailer) applySubjectPrefix(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "(no subject)"
	}
	prefix := strings.TrimSpace(m.cfg.SubjectPrefix)
	if prefix == "" || strings.HasPrefix(subject, prefix) {
		return subject
	}
	return prefix + " " + subject
}

func (m *Mailer) buildMessage(from string, recipients []string, subject, htmlBody, attachmentHTML string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: m.senderName, Address: from}})
	to := make([]*mail.Address, len(recipients))
	for i, r := range recipients {
		to[i] = &mail.Address{Address: r}
	}
	h.SetAddressList("To", to)
	h.SetSubject(subject)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var ih mail.InlineHeader
	ih.Set("Content-Type", "text/html; charset=utf-8")
	iw, err := mw.CreateSingleInline(ih)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(iw, htmlBody); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(attachmentHTML) != "" {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", "text/html; charset=utf-8")
		ah.SetFilename("daily_report.html")
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(aw, attachmentHTML); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Mailer) smtpSend(ctx context.Context, from string, recipients []string, msg []byte) error {
	server := strings.TrimSpace(m.cfg.SMTP.Server)
	if server == "" {
		return errors.New("smtp server is required")
	}
	addr := fmt.Sprintf("%s:%d", server, m.cfg.SMTP.Port)
	dialer := &net.Dialer{Timeout: 15 * time.Second}

	var conn net.Conn
	var err error
	if m.cfg.SMTP.UseSSL {
		tlsCfg := &tls.Config{ServerName: server}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, server)
	if err != nil {
		return fmt.Errorf("smtp client failed: %w", err)
	}
	defer func() { _ = c.Quit() }()

	auth := smtp.PlainAuth("", from, strings.TrimSpace(m.cfg.AuthorizationCode), server)
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth failed: %w", err)
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s failed: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close failed: %w", err)
	}
	return nil
}

func cleanRecipients(recipients []string) []string {
	out := make([]string, 0, len(recipients))
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
