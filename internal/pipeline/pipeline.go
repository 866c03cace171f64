// Package pipeline runs one report cycle: generate, summarize, deliver.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"storereport/internal/extract"
)

// Stage names used for failure attribution. They are stable identifiers,
// logged and mailed out verbatim.
const (
	StageGenerate   = "report_generation"
	StageSummarize  = "summarization"
	StageDeliver    = "email_sending"
	StageUnexpected = "unexpected_error"
)

// Outcome is the result of one pipeline run. FailedStage is set exactly when
// Success is false. Failures are data at this boundary, never panics.
type Outcome struct {
	ReportDate     string
	Success        bool
	FailedStage    string
	Err            string
	SummaryLength  int
	ArtifactLength int
	TokensUsed     int
	Recipients     []string
	TenantCount    int
	FallbackCount  int
	Elapsed        time.Duration
}

// TenantLister resolves the full tenant set when the run is configured for
// "all" stores.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

type DatasetSource interface {
	Extract(ctx context.Context, tenants []string, endDate string, periodDays int) extract.Dataset
}

type Renderer interface {
	Render(ds extract.Dataset) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, artifact string, maxTokens int) (string, int, error)
}

type Sender interface {
	Send(ctx context.Context, recipients []string, subject, body string, attachmentHTML string) error
}

// RunConfig is the per-run policy, fixed at construction.
type RunConfig struct {
	// Stores is nil for "all"; the lister supplies the tenant set.
	Stores      []string
	PeriodDays  int
	MaxTokens   int
	Recipients  []string
	IncludeHTML bool
	SubjectBase string
}

type Timeouts struct {
	Summarize time.Duration
	Deliver   time.Duration
	Pipeline  time.Duration
}

func (t *Timeouts) applyDefaults() {
	if t.Summarize <= 0 {
		t.Summarize = 60 * time.Second
	}
	if t.Deliver <= 0 {
		t.Deliver = 30 * time.Second
	}
	if t.Pipeline <= 0 {
		t.Pipeline = 5 * time.Minute
	}
}

// Executor drives the three stages in strict sequence. A stage failure stops
// the run; later stages never start after an earlier one failed.
type Executor struct {
	Lister     TenantLister
	Source     DatasetSource
	Renderer   Renderer
	Summarizer Summarizer
	Mailer     Sender
	Notifier   *Notifier
	Cfg        RunConfig
	Timeouts   Timeouts
	Logger     *slog.Logger

	now func() time.Time
}

func NewExecutor(lister TenantLister, source DatasetSource, renderer Renderer, summarizer Summarizer, sender Sender, notifier *Notifier, cfg RunConfig, timeouts Timeouts, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	timeouts.applyDefaults()
	return &Executor{
		Lister:     lister,
		Source:     source,
		Renderer:   renderer,
		Summarizer: summarizer,
		Mailer:     sender,
		Notifier:   notifier,
		Cfg:        cfg,
		Timeouts:   timeouts,
		Logger:     logger,
		now:        time.Now,
	}
}

// Run executes one pipeline cycle for the given report date. An empty date
// means "yesterday"; a caller-supplied date is passed through as given.
func (e *Executor) Run(ctx context.Context, date string) Outcome {
	start := e.now()

	date = strings.TrimSpace(date)
	if date == "" {
		date = e.now().AddDate(0, 0, -1).Format("2006-01-02")
	}

	runCtx, cancel := context.WithTimeout(ctx, e.Timeouts.Pipeline)
	defer cancel()

	out := e.runStages(runCtx, ctx, date)
	out.ReportDate = date
	out.Recipients = append([]string(nil), e.Cfg.Recipients...)
	out.Elapsed = e.now().Sub(start)

	if out.Success {
		e.Logger.Info("pipeline finished",
			"report_date", out.ReportDate,
			"tenants", out.TenantCount,
			"fallbacks", out.FallbackCount,
			"summary_len", out.SummaryLength,
			"elapsed", out.Elapsed)
	} else {
		e.Logger.Error("pipeline failed",
			"report_date", out.ReportDate,
			"failed_stage", out.FailedStage,
			"err", out.Err,
			"elapsed", out.Elapsed)
		if e.Notifier != nil {
			e.Notifier.NotifyFailure(ctx, out.FailedStage, out.Err)
		}
	}
	return out
}

func (e *Executor) runStages(runCtx, parent context.Context, date string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Error("pipeline panicked", "panic", r)
			out = failed(StageUnexpected, fmt.Errorf("pipeline panicked: %v", r))
		}
	}()

	// GENERATE
	tenants := e.Cfg.Stores
	if len(tenants) == 0 {
		if e.Lister == nil {
			return failed(StageGenerate, errors.New("no stores configured and no tenant lister available"))
		}
		all, err := e.Lister.ListTenants(runCtx)
		if err != nil {
			return e.classify(runCtx, parent, StageGenerate, fmt.Errorf("resolve tenant list: %w", err))
		}
		tenants = all
	}
	if len(tenants) == 0 {
		return failed(StageGenerate, errors.New("tenant list is empty"))
	}

	ds := e.Source.Extract(runCtx, tenants, date, e.Cfg.PeriodDays)
	out.TenantCount = len(ds.Results)
	out.FallbackCount = ds.FailedCount()
	if err := runCtx.Err(); err != nil {
		return e.classify(runCtx, parent, StageGenerate, err)
	}

	artifact, err := e.Renderer.Render(ds)
	if err != nil {
		return e.classify(runCtx, parent, StageGenerate, err)
	}
	out.ArtifactLength = len(artifact)

	// SUMMARIZE
	sumCtx, cancel := context.WithTimeout(runCtx, e.Timeouts.Summarize)
	summary, tokens, err := e.Summarizer.Summarize(sumCtx, artifact, e.Cfg.MaxTokens)
	cancel()
	if err != nil {
		o := e.classify(runCtx, parent, StageSummarize, err)
		o.TenantCount, o.FallbackCount, o.ArtifactLength = out.TenantCount, out.FallbackCount, out.ArtifactLength
		return o
	}
	out.SummaryLength = len(summary)
	out.TokensUsed = tokens

	// DELIVER
	attachment := ""
	if e.Cfg.IncludeHTML {
		attachment = artifact
	}
	subject := fmt.Sprintf("%s %s", strings.TrimSpace(e.Cfg.SubjectBase), ds.EndDate)
	sendCtx, cancel := context.WithTimeout(runCtx, e.Timeouts.Deliver)
	err = e.Mailer.Send(sendCtx, e.Cfg.Recipients, subject, summary, attachment)
	cancel()
	if err != nil {
		o := e.classify(runCtx, parent, StageDeliver, err)
		o.TenantCount, o.FallbackCount, o.ArtifactLength, o.SummaryLength, o.TokensUsed =
			out.TenantCount, out.FallbackCount, out.ArtifactLength, out.SummaryLength, out.TokensUsed
		return o
	}

	out.Success = true
	return out
}

// classify downgrades a stage error to unexpected_error when the pipeline
// watchdog (not the caller) cancelled the run.
func (e *Executor) classify(runCtx, parent context.Context, stage string, err error) Outcome {
	if runCtx.Err() != nil && parent.Err() == nil {
		return failed(StageUnexpected, fmt.Errorf("pipeline watchdog expired during %s: %w", stage, err))
	}
	return failed(stage, err)
}

func failed(stage string, err error) Outcome {
	o := Outcome{FailedStage: stage}
	if err != nil {
		o.Err = err.Error()
	}
	return o
}
