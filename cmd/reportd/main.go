// Command reportd runs the scheduled daily store report pipeline and its
// manual control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"storereport/internal/config"
	"storereport/internal/connect"
	"storereport/internal/extract"
	"storereport/internal/httpapi"
	"storereport/internal/llm"
	"storereport/internal/mailer"
	"storereport/internal/pipeline"
	"storereport/internal/report"
	"storereport/internal/schedule"
	"storereport/internal/scheduler"
	"storereport/internal/scheduler/history"
	"storereport/internal/summarize"
)

const dailyJobID = "daily_report"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Configuration problems disarm the daily job only. The process and the
	// manual HTTP API stay up so the deployment can be inspected and fixed.
	cfgErr := cfg.Validate()
	if cfgErr != nil {
		logger.Error("configuration invalid, daily job will not be armed", "err", cfgErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connection layer: tenant databases and the central config store share
	// credentials and the tunnel-or-direct policy.
	creds := connect.Credentials{
		DBUser:      cfg.ConfigStore.User,
		DBPassword:  cfg.ConfigStore.Password,
		SSHUser:     cfg.SSH.Username,
		SSHPassword: cfg.SSH.Password,
	}
	opener := connect.NewResolver(nil, creds, 10*time.Second, logger)
	store := connect.NewConfigStore(cfg.ConfigStore, opener)
	resolver := connect.NewResolver(store, creds, 10*time.Second, logger)

	// Extraction: registry keyed by data domain.
	registry := extract.NewRegistry()
	registry.Register(extract.VisitorExtractor{})
	extractor, err := registry.Lookup(cfg.Report.Domain)
	if err != nil {
		return err
	}
	aggregator := extract.NewAggregator(resolver, extractor, 30*time.Second, logger)

	// Collaborators: renderer, summarizer, mailer.
	renderer := report.NewRenderer("Daily Store Report")
	client, err := llm.NewClient(cfg.Summarizer.ModelType, cfg.Summarizer.BaseURL,
		cfg.Summarizer.APIKey, cfg.Summarizer.Model, cfg.Summarizer.MaxTokens)
	if err != nil {
		// Manual runs will fail at the summarization stage until the
		// credentials are fixed; the daily job is not armed in this state.
		logger.Error("summarizer client unavailable", "err", err)
		client = nil
	}
	summarizer := summarize.New(client, cfg.Report.MaxTokens)
	reportMailer := mailer.New(cfg.Email, cfg.Report.SenderName, logger)
	alertMailer := reportMailer.WithSenderName(cfg.Email.ErrorSenderName)
	notifier := pipeline.NewNotifier(alertMailer, cfg.Email.RecipientList(), logger)

	executor := pipeline.NewExecutor(store, aggregator, renderer, summarizer, reportMailer, notifier,
		pipeline.RunConfig{
			Stores:      cfg.Report.StoreList(),
			PeriodDays:  cfg.Report.PeriodDays,
			MaxTokens:   cfg.Report.MaxTokens,
			Recipients:  cfg.Email.RecipientList(),
			IncludeHTML: cfg.Email.IncludeHTML,
			SubjectBase: "Daily Store Report",
		},
		pipeline.Timeouts{}, logger)

	// Optional redis-backed run history.
	var hist scheduler.HistoryStore
	if strings.TrimSpace(cfg.History.RedisURL) != "" {
		histStore, err := history.NewStore(cfg.History.RedisURL, cfg.History.Keep)
		if err != nil {
			logger.Warn("run history disabled", "err", err)
		} else {
			defer histStore.Close()
			hist = histStore
		}
	}

	sched := scheduler.New(executor, hist, cfg.Scheduler.Timezone, logger)
	armDailyJob(sched, cfg.Scheduler, cfgErr, logger)
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
		defer sched.Stop()
	} else {
		logger.Info("scheduler disabled, manual triggers only")
	}

	srv := httpapi.NewServer(sched, cfg, dailyJobID, logger)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strings.TrimSpace(cfg.HTTP.Port)
		logger.Info("http listening", "addr", addr)
		errCh <- srv.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	return nil
}

// armDailyJob registers the daily report job. A configuration or trigger
// problem leaves the job unarmed; the process and the manual trigger API
// keep running regardless.
func armDailyJob(sched *scheduler.Scheduler, cfg config.SchedulerConfig, cfgErr error, logger *slog.Logger) {
	if cfgErr != nil {
		logger.Error("daily job not armed", "err", cfgErr)
		return
	}
	trigger, err := schedule.Daily(cfg.DailyTime, cfg.Timezone, cfg.MisfireGraceDuration())
	if err != nil {
		logger.Error("daily job not armed", "err", err)
		return
	}
	if err := sched.Register(dailyJobID, trigger); err != nil {
		logger.Error("daily job not armed", "err", err)
	}
}
