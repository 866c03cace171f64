package extract

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"storereport/internal/connect"
)

const dateLayout = "2006-01-02"

// Extractor pulls one data domain's metrics out of a tenant database.
type Extractor interface {
	Domain() string
	Extract(ctx context.Context, h *connect.Handle, tenant, endDate string, periodDays int) (Metrics, error)
}

// Registry maps domain names to extractor implementations.
type Registry struct {
	mu       sync.RWMutex
	byDomain map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byDomain: make(map[string]Extractor)}
}

func (r *Registry) Register(e Extractor) {
	if r == nil || e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDomain[strings.ToLower(strings.TrimSpace(e.Domain()))] = e
}

func (r *Registry) Lookup(domain string) (Extractor, error) {
	if r == nil {
		return nil, fmt.Errorf("extractor registry is empty")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byDomain[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for domain %q", domain)
	}
	return e, nil
}

var _ Extractor = (*VisitorExtractor)(nil)

// VisitorExtractor counts store entrances per day and compares the report
// window against the window immediately before it.
type VisitorExtractor struct{}

func (VisitorExtractor) Domain() string { return "visitor" }

func (VisitorExtractor) Extract(ctx context.Context, h *connect.Handle, tenant, endDate string, periodDays int) (Metrics, error) {
	end, err := time.Parse(dateLayout, strings.TrimSpace(endDate))
	if err != nil {
		return Metrics{}, fmt.Errorf("bad end date %q: %w", endDate, err)
	}
	if periodDays <= 0 {
		periodDays = 7
	}
	currStart := end.AddDate(0, 0, -(periodDays - 1))
	prevStart := end.AddDate(0, 0, -(2*periodDays - 1))

	// The previous window ends the day before currStart, so one query over
	// prevStart..end covers both windows contiguously.
	rows, err := h.Query(ctx, `
		SELECT visit_date, COUNT(*) AS visitors
		FROM visit_events
		WHERE direction = 'IN'
		  AND is_staff = FALSE
		  AND visit_date BETWEEN $1 AND $2
		GROUP BY visit_date
		ORDER BY visit_date`,
		prevStart.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return Metrics{}, fmt.Errorf("visitor query for %q: %w", tenant, err)
	}
	defer rows.Close()

	byDate := make(map[string]int64)
	for rows.Next() {
		var day time.Time
		var visitors int64
		if err := rows.Scan(&day, &visitors); err != nil {
			return Metrics{}, fmt.Errorf("scan visitor row for %q: %w", tenant, err)
		}
		byDate[day.Format(dateLayout)] = visitors
	}
	if err := rows.Err(); err != nil {
		return Metrics{}, fmt.Errorf("visitor rows for %q: %w", tenant, err)
	}

	curr := dailySeries(byDate, currStart, periodDays)
	prev := dailySeries(byDate, prevStart, periodDays)
	return buildMetrics(curr, prev, currStart, prevStart), nil
}

func dailySeries(byDate map[string]int64, start time.Time, days int) []int64 {
	out := make([]int64, days)
	for i := 0; i < days; i++ {
		out[i] = byDate[start.AddDate(0, 0, i).Format(dateLayout)]
	}
	return out
}

func buildMetrics(curr, prev []int64, currStart, prevStart time.Time) Metrics {
	var currTotal, prevTotal int64
	var currWeekday, currWeekend, prevWeekday, prevWeekend int64
	for i, v := range curr {
		currTotal += v
		if isWeekend(currStart.AddDate(0, 0, i)) {
			currWeekend += v
		} else {
			currWeekday += v
		}
	}
	for i, v := range prev {
		prevTotal += v
		if isWeekend(prevStart.AddDate(0, 0, i)) {
			prevWeekend += v
		} else {
			prevWeekday += v
		}
	}
	return Metrics{
		CurrTotal:       &currTotal,
		PrevTotal:       &prevTotal,
		WeekdayDeltaPct: deltaPct(currWeekday, prevWeekday),
		WeekendDeltaPct: deltaPct(currWeekend, prevWeekend),
		TotalDeltaPct:   deltaPct(currTotal, prevTotal),
		DailyCurrent:    curr,
		DailyPrevious:   prev,
	}
}

func isWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// deltaPct returns nil when the previous period has no data, so a store that
// just came online is not reported as infinite growth. The value is rounded
// to one decimal place.
func deltaPct(curr, prev int64) *float64 {
	if prev == 0 {
		return nil
	}
	pct := math.Round((float64(curr)-float64(prev))/float64(prev)*1000) / 10
	return &pct
}

// Domains returns the registered domain names sorted for stable status output.
func (r *Registry) Domains() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byDomain))
	for d := range r.byDomain {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
