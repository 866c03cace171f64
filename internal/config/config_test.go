package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseDailyTime(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "morning", in: "08:00"},
		{name: "midnight", in: "00:00"},
		{name: "last_minute", in: "23:59"},
		{name: "padded", in: " 08:30 "},
		{name: "no_colon", in: "0800", wantErr: true},
		{name: "hour_out_of_range", in: "24:00", wantErr: true},
		{name: "minute_out_of_range", in: "08:60", wantErr: true},
		{name: "garbage", in: "morning", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDailyTime(tc.in)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %q", tc.in)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.in, err)
			}
		})
	}
}

func TestStoreList(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{name: "all_keyword", in: "all", want: nil},
		{name: "all_mixed_case", in: " ALL ", want: nil},
		{name: "empty", in: "", want: nil},
		{name: "explicit", in: "gangnam,hongdae", want: []string{"gangnam", "hongdae"}},
		{name: "spaces_and_dupes", in: " gangnam , hongdae ,gangnam,", want: []string{"gangnam", "hongdae"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ReportConfig{Stores: tc.in}.StoreList()
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("StoreList(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
scheduler:
  enabled: true
  timezone: UTC
  daily_time: "07:00"
report:
  stores: gangnam
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("DAILY_REPORT_TIME", "09:15")
	t.Setenv("DAILY_REPORT_STORES", "hongdae,sinchon")
	t.Setenv("DAILY_REPORT_MAX_TOKENS", "800")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.DailyTime != "09:15" {
		t.Fatalf("daily_time = %q, want env override", cfg.Scheduler.DailyTime)
	}
	if got := cfg.Report.StoreList(); !reflect.DeepEqual(got, []string{"hongdae", "sinchon"}) {
		t.Fatalf("stores = %v", got)
	}
	if cfg.Report.MaxTokens != 800 {
		t.Fatalf("max_tokens = %d", cfg.Report.MaxTokens)
	}
	if cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("timezone = %q, want value from file", cfg.Scheduler.Timezone)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.DailyTime != "08:00" {
		t.Fatalf("daily_time default = %q", cfg.Scheduler.DailyTime)
	}
	if cfg.Report.Domain != "visitor" {
		t.Fatalf("domain default = %q", cfg.Report.Domain)
	}
	if cfg.Scheduler.MisfireGraceDuration().Minutes() != 5 {
		t.Fatalf("misfire grace default = %v", cfg.Scheduler.MisfireGraceDuration())
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	cfg.Scheduler.DailyTime = "25:00"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"daily_time", "api_key", "recipient"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("validation error missing %q: %v", want, err)
		}
	}
}
