package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Notifier mails a short alert when a pipeline run fails. It is strictly
// best effort: a notification failure is logged and swallowed so it can
// never mask the original pipeline result.
type Notifier struct {
	Mailer     Sender
	Recipients []string
	Timeout    time.Duration
	Logger     *slog.Logger

	now func() time.Time
}

func NewNotifier(sender Sender, recipients []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		Mailer:     sender,
		Recipients: recipients,
		Timeout:    30 * time.Second,
		Logger:     logger,
		now:        time.Now,
	}
}

func (n *Notifier) NotifyFailure(ctx context.Context, stage, message string) {
	defer func() {
		if r := recover(); r != nil {
			n.Logger.Error("error notification panicked", "panic", r)
		}
	}()
	if n == nil || n.Mailer == nil {
		return
	}
	if len(n.Recipients) == 0 {
		n.Logger.Warn("pipeline failure not mailed: no alert recipients configured", "stage", stage)
		return
	}

	subject := fmt.Sprintf("Report pipeline failure: %s", stage)
	body := n.buildBody(stage, message)

	sendCtx := ctx
	if sendCtx == nil || sendCtx.Err() != nil {
		// The run context may already be cancelled; the alert still goes out.
		sendCtx = context.Background()
	}
	sendCtx, cancel := context.WithTimeout(sendCtx, n.Timeout)
	defer cancel()

	if err := n.Mailer.Send(sendCtx, n.Recipients, subject, body, ""); err != nil {
		n.Logger.Error("failed to send error notification", "stage", stage, "err", err)
		return
	}
	n.Logger.Info("error notification sent", "stage", stage, "recipients", len(n.Recipients))
}

func (n *Notifier) buildBody(stage, message string) string {
	var b strings.Builder
	b.WriteString("The daily report pipeline failed.\n\n")
	fmt.Fprintf(&b, "**Failed stage:** %s\n\n", stage)
	if strings.TrimSpace(message) != "" {
		fmt.Fprintf(&b, "**Error:** %s\n\n", strings.TrimSpace(message))
	}
	fmt.Fprintf(&b, "**Time:** %s\n", n.now().UTC().Format(time.RFC3339))
	return b.String()
}
