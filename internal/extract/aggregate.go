package extract

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"storereport/internal/connect"
)

// HandleSource opens a database handle for one tenant. Implemented by
// connect.Resolver in production.
type HandleSource interface {
	Resolve(ctx context.Context, tenant string) (*connect.Handle, error)
}

// Aggregator fans an extraction out across tenants with a bounded worker
// pool and merges the results back into request order. One tenant failing
// or stalling never affects the others: every failure degrades to a
// fallback record in that tenant's slot.
type Aggregator struct {
	Source           HandleSource
	Extractor        Extractor
	PerTenantTimeout time.Duration
	Logger           *slog.Logger

	now func() time.Time
}

func NewAggregator(source HandleSource, extractor Extractor, perTenantTimeout time.Duration, logger *slog.Logger) *Aggregator {
	if perTenantTimeout <= 0 {
		perTenantTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		Source:           source,
		Extractor:        extractor,
		PerTenantTimeout: perTenantTimeout,
		Logger:           logger,
		now:              time.Now,
	}
}

// Extract runs the extractor across every tenant and returns one result per
// tenant in request order. An end date on or after today is clamped to
// yesterday so reports never cover a partial day.
func (a *Aggregator) Extract(ctx context.Context, tenants []string, endDate string, periodDays int) Dataset {
	endDate = a.clampEndDate(endDate)
	if periodDays <= 0 {
		periodDays = 7
	}
	ds := Dataset{
		EndDate:    endDate,
		PeriodDays: periodDays,
		Tenants:    append([]string(nil), tenants...),
		Results:    make([]Result, len(tenants)),
	}
	if len(tenants) == 0 {
		return ds
	}

	workers := len(tenants)
	if max := runtime.GOMAXPROCS(0); workers > max {
		workers = max
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for i, tenant := range tenants {
		wg.Add(1)
		go func(slot int, tenant string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			// Each worker owns exactly one slot, so no locking is needed
			// around the results array.
			ds.Results[slot] = a.extractOne(ctx, tenant, endDate, periodDays)
		}(i, tenant)
	}
	wg.Wait()
	return ds
}

func (a *Aggregator) extractOne(ctx context.Context, tenant, endDate string, periodDays int) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.Logger.Error("extraction panicked", "tenant", tenant, "panic", r)
			res = fallbackResult(tenant, fmt.Errorf("extraction panicked: %v", r))
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, a.PerTenantTimeout)
	defer cancel()

	h, err := a.Source.Resolve(taskCtx, tenant)
	if err != nil {
		a.Logger.Warn("tenant unreachable", "tenant", tenant, "err", err)
		return fallbackResult(tenant, err)
	}
	defer h.Close(taskCtx)

	metrics, err := a.Extractor.Extract(taskCtx, h, tenant, endDate, periodDays)
	if err != nil {
		a.Logger.Warn("extraction failed", "tenant", tenant, "err", err)
		return fallbackResult(tenant, err)
	}
	return Result{Tenant: tenant, Metrics: metrics, Success: true}
}

func (a *Aggregator) clampEndDate(endDate string) string {
	today := a.now().Format(dateLayout)
	yesterday := a.now().AddDate(0, 0, -1).Format(dateLayout)

	s := strings.TrimSpace(endDate)
	if s == "" {
		return yesterday
	}
	if _, err := time.Parse(dateLayout, s); err != nil {
		a.Logger.Warn("unparseable end date, using yesterday", "end_date", endDate)
		return yesterday
	}
	// ISO dates compare correctly as strings.
	if s >= today {
		return yesterday
	}
	return s
}
