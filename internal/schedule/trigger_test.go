package schedule

import (
	"testing"
	"time"
)

func TestDailyBuildsCronExpression(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		wantExpr string
		wantErr  bool
	}{
		{name: "morning", in: "08:00", wantExpr: "0 8 * * *"},
		{name: "midnight", in: "00:00", wantExpr: "0 0 * * *"},
		{name: "evening", in: "23:45", wantExpr: "45 23 * * *"},
		{name: "bad_hour", in: "24:00", wantErr: true},
		{name: "bad_minute", in: "08:61", wantErr: true},
		{name: "not_a_time", in: "daily", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trg, err := Daily(tc.in, "UTC", 5*time.Minute)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Daily(%q): %v", tc.in, err)
			}
			if trg.Expr != tc.wantExpr {
				t.Fatalf("expr = %q, want %q", trg.Expr, tc.wantExpr)
			}
		})
	}
}

func TestNextRespectsTimezone(t *testing.T) {
	trg, err := Daily("08:00", "Asia/Seoul", 5*time.Minute)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	// 2026-03-02 22:00 UTC is 2026-03-03 07:00 KST, so the next 08:00 KST
	// fire is one hour later: 2026-03-02 23:00 UTC.
	after := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	next, err := trg.Next(after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestEvaluateMisfirePolicy(t *testing.T) {
	grace := 5 * time.Minute
	trg := Trigger{Expr: "0 8 * * *", Timezone: "UTC", MisfireGrace: grace}
	scheduled := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		now  time.Time
		want Decision
	}{
		{name: "before_fire_time", now: scheduled.Add(-time.Second), want: Wait},
		{name: "exactly_on_time", now: scheduled, want: Fire},
		{name: "late_within_grace", now: scheduled.Add(grace), want: Fire},
		{name: "late_past_grace", now: scheduled.Add(grace + time.Second), want: DropMisfire},
		{name: "very_late", now: scheduled.Add(12 * time.Hour), want: DropMisfire},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := trg.Evaluate(scheduled, tc.now); got != tc.want {
				t.Fatalf("Evaluate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValidateRejectsBadExpression(t *testing.T) {
	trg := Trigger{Expr: "not a cron", Timezone: "UTC"}
	if err := trg.Validate(); err == nil {
		t.Fatal("expected parse error")
	}
}
