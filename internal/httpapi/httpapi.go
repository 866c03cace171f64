// Package httpapi exposes the manual control surface: scheduler status,
// manual trigger, and a redacted configuration view.
package httpapi

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v3"

	"storereport/internal/config"
	"storereport/internal/scheduler"
)

// SchedulerControl is the slice of the scheduler the HTTP layer needs.
type SchedulerControl interface {
	Status() scheduler.Status
	TriggerNow(ctx context.Context, jobID, date string) (scheduler.ExecutionRecord, bool, error)
}

type SemanticResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func respond(c fiber.Ctx, status int, message string, data any) error {
	return c.Status(status).JSON(SemanticResponse{Status: status, Message: message, Data: data})
}

// Server wires the control endpoints onto a fiber app.
type Server struct {
	ctrl   SchedulerControl
	cfg    config.Config
	jobID  string
	logger *slog.Logger
	app    *fiber.App
}

func NewServer(ctrl SchedulerControl, cfg config.Config, jobID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{ctrl: ctrl, cfg: cfg, jobID: jobID, logger: logger}
	s.app = fiber.New(fiber.Config{AppName: "storereport"})
	s.registerRoutes()
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	grp := s.app.Group("/scheduler")
	grp.Get("/status", s.getStatus)
	grp.Post("/trigger", s.postTrigger)
	grp.Get("/config", s.getConfig)
}

func (s *Server) getStatus(c fiber.Ctx) error {
	return respond(c, fiber.StatusOK, "ok", s.ctrl.Status())
}

type triggerRequest struct {
	Date string `json:"date"`
}

// postTrigger runs the report out of band. The supplied date is passed to
// the pipeline as-is; an empty date means yesterday.
func (s *Server) postTrigger(c fiber.Ctx) error {
	var req triggerRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&req); err != nil {
			return respond(c, fiber.StatusBadRequest, "invalid request body", nil)
		}
	}
	date := strings.TrimSpace(req.Date)
	s.logger.Info("manual trigger requested", "date", date)

	rec, skipped, err := s.ctrl.TriggerNow(c.Context(), s.jobID, date)
	if err != nil {
		return respond(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	if skipped {
		return respond(c, fiber.StatusConflict, "job is already running", nil)
	}

	msg := "pipeline finished"
	status := fiber.StatusOK
	if !rec.Outcome.Success {
		msg = "pipeline failed"
	}
	return respond(c, status, msg, triggerResult(rec))
}

type TriggerResult struct {
	RunID         string `json:"run_id"`
	ReportDate    string `json:"report_date"`
	Success       bool   `json:"success"`
	FailedStage   string `json:"failed_stage,omitempty"`
	Err           string `json:"error,omitempty"`
	TenantCount   int    `json:"tenant_count"`
	FallbackCount int    `json:"fallback_count"`
	SummaryLength int    `json:"summary_length"`
	ElapsedMS     int64  `json:"elapsed_ms"`
}

func triggerResult(rec scheduler.ExecutionRecord) TriggerResult {
	return TriggerResult{
		RunID:         rec.RunID,
		ReportDate:    rec.Outcome.ReportDate,
		Success:       rec.Outcome.Success,
		FailedStage:   rec.Outcome.FailedStage,
		Err:           rec.Outcome.Err,
		TenantCount:   rec.Outcome.TenantCount,
		FallbackCount: rec.Outcome.FallbackCount,
		SummaryLength: rec.Outcome.SummaryLength,
		ElapsedMS:     rec.Outcome.Elapsed.Milliseconds(),
	}
}

// ConfigView is the externally visible configuration. Credentials are
// redacted, never echoed.
type ConfigView struct {
	Enabled    bool   `json:"enabled"`
	Timezone   string `json:"timezone"`
	DailyTime  string `json:"daily_time"`
	Stores     string `json:"stores"`
	DataType   string `json:"data_type"`
	PeriodDays int    `json:"period_days"`
	MaxTokens  int    `json:"max_tokens"`
	Recipients int    `json:"recipient_count"`
	SMTPServer string `json:"smtp_server"`
	Summarizer string `json:"summarizer_model"`
}

func (s *Server) getConfig(c fiber.Ctx) error {
	view := ConfigView{
		Enabled:    s.cfg.Scheduler.Enabled,
		Timezone:   s.cfg.Scheduler.Timezone,
		DailyTime:  s.cfg.Scheduler.DailyTime,
		Stores:     s.cfg.Report.Stores,
		DataType:   s.cfg.Report.Domain,
		PeriodDays: s.cfg.Report.PeriodDays,
		MaxTokens:  s.cfg.Report.MaxTokens,
		Recipients: len(s.cfg.Email.RecipientList()),
		SMTPServer: s.cfg.Email.SMTP.Server,
		Summarizer: s.cfg.Summarizer.Model,
	}
	return respond(c, fiber.StatusOK, "ok", view)
}
