package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"storereport/internal/connect"
)

type fakeSource struct {
	failTenants map[string]error
}

func (f *fakeSource) Resolve(ctx context.Context, tenant string) (*connect.Handle, error) {
	if err, ok := f.failTenants[tenant]; ok {
		return nil, err
	}
	return &connect.Handle{}, nil
}

type fakeExtractor struct {
	failTenants map[string]error
	maxLatency  time.Duration
	panicTenant string
}

func (fakeExtractor) Domain() string { return "visitor" }

func (f *fakeExtractor) Extract(ctx context.Context, h *connect.Handle, tenant, endDate string, periodDays int) (Metrics, error) {
	if f.maxLatency > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(f.maxLatency))))
	}
	if tenant == f.panicTenant {
		panic("extractor blew up")
	}
	if err, ok := f.failTenants[tenant]; ok {
		return Metrics{}, err
	}
	total := int64(len(tenant) * 10)
	return Metrics{CurrTotal: &total}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(strings.Builder), nil))
}

func testAggregator(src HandleSource, ext Extractor) *Aggregator {
	a := NewAggregator(src, ext, 5*time.Second, quietLogger())
	a.now = func() time.Time { return time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC) }
	return a
}

func TestExtractCompleteness(t *testing.T) {
	tenants := []string{"alpha", "beta", "gamma", "delta"}
	a := testAggregator(
		&fakeSource{failTenants: map[string]error{"beta": errors.New("unreachable")}},
		&fakeExtractor{failTenants: map[string]error{"gamma": errors.New("query timeout")}},
	)

	ds := a.Extract(context.Background(), tenants, "2026-08-20", 7)
	if len(ds.Results) != len(tenants) {
		t.Fatalf("got %d results for %d tenants", len(ds.Results), len(tenants))
	}
	if ds.FailedCount() != 2 {
		t.Fatalf("FailedCount = %d, want 2", ds.FailedCount())
	}
	for i, r := range ds.Results {
		if r.Tenant != tenants[i] {
			t.Fatalf("slot %d holds %q, want %q", i, r.Tenant, tenants[i])
		}
	}
}

func TestExtractIsolation(t *testing.T) {
	tenants := []string{"a", "b", "c"}
	a := testAggregator(&fakeSource{}, &fakeExtractor{
		failTenants: map[string]error{"b": errors.New("forced fault")},
	})

	ds := a.Extract(context.Background(), tenants, "2026-08-20", 7)
	for _, r := range ds.Results {
		switch r.Tenant {
		case "b":
			if r.Success {
				t.Fatal("faulted tenant reported success")
			}
			if r.Err == "" || r.Metrics.CurrTotal != nil {
				t.Fatalf("faulted tenant must carry a fallback record, got %+v", r)
			}
		default:
			if !r.Success {
				t.Fatalf("tenant %q failed although only b was faulted: %s", r.Tenant, r.Err)
			}
		}
	}
}

func TestExtractOrderingIsDeterministic(t *testing.T) {
	tenants := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	var runs [][]string
	for i := 0; i < 2; i++ {
		a := testAggregator(&fakeSource{}, &fakeExtractor{maxLatency: 20 * time.Millisecond})
		ds := a.Extract(context.Background(), tenants, "2026-08-20", 7)
		order := make([]string, len(ds.Results))
		for j, r := range ds.Results {
			order[j] = r.Tenant
		}
		runs = append(runs, order)
	}
	if !reflect.DeepEqual(runs[0], tenants) || !reflect.DeepEqual(runs[0], runs[1]) {
		t.Fatalf("result order varies across runs: %v vs %v", runs[0], runs[1])
	}
}

func TestExtractRecoversPanics(t *testing.T) {
	a := testAggregator(&fakeSource{}, &fakeExtractor{panicTenant: "boom"})
	ds := a.Extract(context.Background(), []string{"ok", "boom"}, "2026-08-20", 7)
	if len(ds.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(ds.Results))
	}
	r := ds.Results[1]
	if r.Success || !strings.Contains(r.Err, "panicked") {
		t.Fatalf("panicking tenant not degraded to fallback: %+v", r)
	}
	if !ds.Results[0].Success {
		t.Fatal("healthy tenant affected by a panicking neighbor")
	}
}

func TestClampEndDate(t *testing.T) {
	a := testAggregator(&fakeSource{}, &fakeExtractor{})
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "past_date_kept", in: "2026-08-20", want: "2026-08-20"},
		{name: "today_clamped", in: "2026-08-23", want: "2026-08-22"},
		{name: "future_clamped", in: "2027-01-01", want: "2026-08-22"},
		{name: "empty_is_yesterday", in: "", want: "2026-08-22"},
		{name: "garbage_is_yesterday", in: "not-a-date", want: "2026-08-22"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.clampEndDate(tc.in); got != tc.want {
				t.Fatalf("clampEndDate(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestBuildMetrics(t *testing.T) {
	// 2026-08-10 is a Monday; a 7-day window covers 5 weekdays + Sat/Sun.
	currStart := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	prevStart := currStart.AddDate(0, 0, -7)
	curr := []int64{10, 10, 10, 10, 10, 20, 20}
	prev := []int64{10, 10, 10, 10, 10, 10, 10}

	m := buildMetrics(curr, prev, currStart, prevStart)
	if m.CurrTotal == nil || *m.CurrTotal != 90 {
		t.Fatalf("CurrTotal = %v, want 90", m.CurrTotal)
	}
	if m.PrevTotal == nil || *m.PrevTotal != 70 {
		t.Fatalf("PrevTotal = %v, want 70", m.PrevTotal)
	}
	if m.WeekdayDeltaPct == nil || *m.WeekdayDeltaPct != 0 {
		t.Fatalf("WeekdayDeltaPct = %v, want 0", fmtPct(m.WeekdayDeltaPct))
	}
	if m.WeekendDeltaPct == nil || *m.WeekendDeltaPct != 100 {
		t.Fatalf("WeekendDeltaPct = %v, want 100", fmtPct(m.WeekendDeltaPct))
	}
	if m.TotalDeltaPct == nil || *m.TotalDeltaPct != 28.6 {
		t.Fatalf("TotalDeltaPct = %v, want 28.6", fmtPct(m.TotalDeltaPct))
	}
}

func TestDeltaPctNilOnEmptyPrevious(t *testing.T) {
	if got := deltaPct(42, 0); got != nil {
		t.Fatalf("deltaPct(42, 0) = %v, want nil", *got)
	}
}

func TestVisitorExtractorRejectsBadDate(t *testing.T) {
	var ext VisitorExtractor
	if _, err := ext.Extract(context.Background(), &connect.Handle{}, "storeA", "not-a-date", 7); err == nil {
		t.Fatal("expected error for an unparseable end date")
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(VisitorExtractor{})

	if _, err := reg.Lookup("Visitor"); err != nil {
		t.Fatalf("Lookup is not case-insensitive: %v", err)
	}
	if _, err := reg.Lookup("sales"); err == nil {
		t.Fatal("expected error for unregistered domain")
	}
	if got := reg.Domains(); !reflect.DeepEqual(got, []string{"visitor"}) {
		t.Fatalf("Domains = %v", got)
	}
}

func fmtPct(p *float64) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%.1f", *p)
}
