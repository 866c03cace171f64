package mailer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"storereport/internal/config"
)

func testMailer(t *testing.T) (*Mailer, *capturedSend) {
	t.Helper()
	cap := &capturedSend{}
	m := New(config.EmailConfig{
		EmailAddress:  "reports@example.com",
		SubjectPrefix: "[Store Report]",
		SMTP:          config.SMTPConfig{Server: "smtp.example.com", Port: 465, UseSSL: true},
	}, "Report Bot", slog.New(slog.NewTextHandler(new(strings.Builder), nil)))
	m.sendRaw = cap.send
	return m, cap
}

type capturedSend struct {
	from  string
	rcpts []string
	msg   []byte
	err   error
	calls int
}

func (c *capturedSend) send(ctx context.Context, from string, recipients []string, msg []byte) error {
	c.calls++
	c.from = from
	c.rcpts = recipients
	c.msg = msg
	return c.err
}

func TestSendBuildsFramedMessage(t *testing.T) {
	m, cap := testMailer(t)

	err := m.Send(context.Background(), []string{"ops@example.com", " ops@example.com ", "boss@example.com"},
		"Daily Report 2026-08-22", "Visitors **up 5%** overall.", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if cap.calls != 1 {
		t.Fatalf("sendRaw called %d times", cap.calls)
	}
	if cap.from != "reports@example.com" {
		t.Fatalf("from = %q", cap.from)
	}
	if len(cap.rcpts) != 2 {
		t.Fatalf("recipients not deduplicated: %v", cap.rcpts)
	}

	msg := string(cap.msg)
	for _, want := range []string{
		"From:", "Report Bot",
		"To:", "ops@example.com",
		"Subject:",
		"text/html",
		"up 5%",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q", want)
		}
	}
	if strings.Contains(msg, "Content-Disposition: attachment") {
		t.Fatal("unexpected attachment part")
	}
}

func TestSendAttachesFullReport(t *testing.T) {
	m, cap := testMailer(t)

	err := m.Send(context.Background(), []string{"ops@example.com"},
		"Daily Report", "summary", "<html><body>full report</body></html>")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := string(cap.msg)
	if !strings.Contains(msg, "attachment") || !strings.Contains(msg, "daily_report.html") {
		t.Fatal("report attachment missing")
	}
}

func TestSendRequiresRecipients(t *testing.T) {
	m, cap := testMailer(t)
	if err := m.Send(context.Background(), []string{" ", ""}, "s", "b", ""); err == nil {
		t.Fatal("expected error for empty recipient list")
	}
	if cap.calls != 0 {
		t.Fatal("transport must not be invoked without recipients")
	}
}

func TestSendPropagatesTransportError(t *testing.T) {
	m, cap := testMailer(t)
	cap.err = errors.New("smtp dial failed")
	err := m.Send(context.Background(), []string{"ops@example.com"}, "s", "b", "")
	if err == nil || !strings.Contains(err.Error(), "smtp dial failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestApplySubjectPrefix(t *testing.T) {
	m, _ := testMailer(t)
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "prefixed", in: "Daily Report", want: "[Store Report] Daily Report"},
		{name: "already_prefixed", in: "[Store Report] Daily Report", want: "[Store Report] Daily Report"},
		{name: "empty", in: "  ", want: "[Store Report] (no subject)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.applySubjectPrefix(tc.in); got != tc.want {
				t.Fatalf("applySubjectPrefix(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRenderEmailHTMLFrame(t *testing.T) {
	out, err := renderEmailHTML("Daily Report", "line one\n\nline **two**")
	if err != nil {
		t.Fatalf("renderEmailHTML: %v", err)
	}
	for _, want := range []string{"Daily Report", "<strong>two</strong>", "line one"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered email missing %q", want)
		}
	}
}
