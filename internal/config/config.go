package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. It is loaded once at startup
// from an optional YAML file and then overridden by environment variables,
// which mirror the knobs the deployment environment already sets.
type Config struct {
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Report      ReportConfig     `yaml:"report"`
	Email       EmailConfig      `yaml:"email"`
	Summarizer  SummarizerConfig `yaml:"summarizer"`
	ConfigStore StoreConfig      `yaml:"config_store"`
	SSH         SSHConfig        `yaml:"ssh"`
	HTTP        HTTPConfig       `yaml:"http"`
	History     HistoryConfig    `yaml:"history"`
}

type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Timezone     string `yaml:"timezone"`
	DailyTime    string `yaml:"daily_time"` // HH:MM
	MisfireGrace string `yaml:"misfire_grace"`
}

type ReportConfig struct {
	// Stores is "all" or a comma-separated list of tenant names.
	Stores     string `yaml:"stores"`
	Domain     string `yaml:"domain"`
	PeriodDays int    `yaml:"period_days"`
	MaxTokens  int    `yaml:"max_tokens"`
	SenderName string `yaml:"sender_name"`
}

type EmailConfig struct {
	SMTP              SMTPConfig `yaml:"smtp"`
	EmailAddress      string     `yaml:"email_address"`
	AuthorizationCode string     `yaml:"authorization_code"`
	Recipients        string     `yaml:"recipients"`
	SubjectPrefix     string     `yaml:"subject_prefix"`
	IncludeHTML       bool       `yaml:"include_html"`
	ErrorSenderName   string     `yaml:"error_sender_name"`
}

type SMTPConfig struct {
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
	UseSSL bool   `yaml:"use_ssl"`
}

type SummarizerConfig struct {
	ModelType string `yaml:"model_type"` // openai|anthropics
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// StoreConfig points at the central configuration database that holds the
// per-tenant connection table. The store itself may sit behind a tunnel.
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSHHost  string `yaml:"ssh_host"`
	SSHPort  int    `yaml:"ssh_port"`
}

// SSHConfig carries the credentials used for every tunnel, both to the
// config store and to tenant databases.
type SSHConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

type HistoryConfig struct {
	RedisURL string `yaml:"redis_url"`
	Keep     int    `yaml:"keep"`
}

func Load(path string) (Config, error) {
	var cfg Config
	p := strings.TrimSpace(path)
	if p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", p, err)
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if c == nil {
		return
	}
	if v, ok := boolFromEnv("SCHEDULER_ENABLED"); ok {
		c.Scheduler.Enabled = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDULER_TIMEZONE")); v != "" {
		c.Scheduler.Timezone = v
	}
	if v := strings.TrimSpace(os.Getenv("DAILY_REPORT_TIME")); v != "" {
		c.Scheduler.DailyTime = v
	}
	if v := strings.TrimSpace(os.Getenv("DAILY_REPORT_STORES")); v != "" {
		c.Report.Stores = v
	}
	if v := strings.TrimSpace(os.Getenv("DAILY_REPORT_DATA_TYPE")); v != "" {
		c.Report.Domain = v
	}
	if v, ok := intFromEnv("DAILY_REPORT_MAX_TOKENS"); ok {
		c.Report.MaxTokens = v
	}
	if v := strings.TrimSpace(os.Getenv("DAILY_REPORT_SENDER_NAME")); v != "" {
		c.Report.SenderName = v
	}
	if v := strings.TrimSpace(os.Getenv("EMAIL_RECIPIENTS")); v != "" {
		c.Email.Recipients = v
	}
	if v := strings.TrimSpace(os.Getenv("EMAIL_SUBJECT_PREFIX")); v != "" {
		c.Email.SubjectPrefix = v
	}
	if v, ok := boolFromEnv("EMAIL_INCLUDE_HTML"); ok {
		c.Email.IncludeHTML = v
	}
	if v := strings.TrimSpace(os.Getenv("SMTP_SERVER")); v != "" {
		c.Email.SMTP.Server = v
	}
	if v, ok := intFromEnv("SMTP_PORT"); ok {
		c.Email.SMTP.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("SMTP_ADDRESS")); v != "" {
		c.Email.EmailAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SMTP_AUTHORIZATION_CODE")); v != "" {
		c.Email.AuthorizationCode = v
	}
	if v := strings.TrimSpace(os.Getenv("SUMMARIZER_API_KEY")); v != "" {
		c.Summarizer.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("SUMMARIZER_BASE_URL")); v != "" {
		c.Summarizer.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SUMMARIZER_MODEL")); v != "" {
		c.Summarizer.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("CONFIG_DB_HOST")); v != "" {
		c.ConfigStore.Host = v
	}
	if v, ok := intFromEnv("CONFIG_DB_PORT"); ok {
		c.ConfigStore.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("CONFIG_DB_NAME")); v != "" {
		c.ConfigStore.Database = v
	}
	if v := strings.TrimSpace(os.Getenv("CONFIG_DB_USER")); v != "" {
		c.ConfigStore.User = v
	}
	if v := strings.TrimSpace(os.Getenv("CONFIG_DB_PASSWORD")); v != "" {
		c.ConfigStore.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("SSH_HOST")); v != "" {
		c.ConfigStore.SSHHost = v
	}
	if v, ok := intFromEnv("SSH_PORT"); ok {
		c.ConfigStore.SSHPort = v
	}
	if v := strings.TrimSpace(os.Getenv("SSH_USERNAME")); v != "" {
		c.SSH.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("SSH_PASSWORD")); v != "" {
		c.SSH.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("HTTP_PORT")); v != "" {
		c.HTTP.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("HISTORY_REDIS_URL")); v != "" {
		c.History.RedisURL = v
	}
}

func (c *Config) applyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.Scheduler.Timezone) == "" {
		c.Scheduler.Timezone = "Asia/Seoul"
	}
	if strings.TrimSpace(c.Scheduler.DailyTime) == "" {
		c.Scheduler.DailyTime = "08:00"
	}
	if strings.TrimSpace(c.Scheduler.MisfireGrace) == "" {
		c.Scheduler.MisfireGrace = "5m"
	}
	if strings.TrimSpace(c.Report.Stores) == "" {
		c.Report.Stores = "all"
	}
	if strings.TrimSpace(c.Report.Domain) == "" {
		c.Report.Domain = "visitor"
	}
	if c.Report.PeriodDays <= 0 {
		c.Report.PeriodDays = 1
	}
	if c.Report.MaxTokens <= 0 {
		c.Report.MaxTokens = 500
	}
	if strings.TrimSpace(c.Report.SenderName) == "" {
		c.Report.SenderName = "Daily Report Bot"
	}
	if strings.TrimSpace(c.Email.SubjectPrefix) == "" {
		c.Email.SubjectPrefix = "[Daily Report]"
	}
	if strings.TrimSpace(c.Email.ErrorSenderName) == "" {
		c.Email.ErrorSenderName = "System Error Bot"
	}
	if c.Email.SMTP.Port <= 0 {
		c.Email.SMTP.Port = 465
		c.Email.SMTP.UseSSL = true
	}
	if strings.TrimSpace(c.Summarizer.ModelType) == "" {
		c.Summarizer.ModelType = "openai"
	}
	if c.Summarizer.MaxTokens <= 0 {
		c.Summarizer.MaxTokens = 500
	}
	if strings.TrimSpace(c.ConfigStore.Host) == "" {
		c.ConfigStore.Host = "localhost"
	}
	if c.ConfigStore.Port <= 0 {
		c.ConfigStore.Port = 5432
	}
	if strings.TrimSpace(c.ConfigStore.Database) == "" {
		c.ConfigStore.Database = "storebase"
	}
	if c.ConfigStore.SSHPort <= 0 {
		c.ConfigStore.SSHPort = 22
	}
	if strings.TrimSpace(c.HTTP.Port) == "" {
		c.HTTP.Port = "8002"
	}
	if c.History.Keep <= 0 {
		c.History.Keep = 100
	}
}

// Validate collects every problem instead of stopping at the first one, so
// a misconfigured deployment reports the full picture in a single log line.
func (c Config) Validate() error {
	var problems []string

	if _, err := ParseDailyTime(c.Scheduler.DailyTime); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := time.LoadLocation(strings.TrimSpace(c.Scheduler.Timezone)); err != nil {
		problems = append(problems, fmt.Sprintf("invalid timezone %q", c.Scheduler.Timezone))
	}
	if _, err := time.ParseDuration(strings.TrimSpace(c.Scheduler.MisfireGrace)); err != nil {
		problems = append(problems, fmt.Sprintf("invalid misfire_grace %q", c.Scheduler.MisfireGrace))
	}
	if strings.TrimSpace(c.Summarizer.APIKey) == "" {
		problems = append(problems, "summarizer api_key is required")
	}
	if strings.TrimSpace(c.Email.EmailAddress) == "" {
		problems = append(problems, "email_address is required")
	}
	if strings.TrimSpace(c.Email.AuthorizationCode) == "" {
		problems = append(problems, "email authorization_code is required")
	}
	if strings.TrimSpace(c.Email.SMTP.Server) == "" {
		problems = append(problems, "smtp.server is required")
	}
	if len(c.RecipientList()) == 0 {
		problems = append(problems, "at least one email recipient is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseDailyTime parses an HH:MM wall-clock time into hour and minute.
func ParseDailyTime(raw string) (time.Duration, error) {
	text := strings.TrimSpace(raw)
	parts := strings.Split(text, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid daily_time %q: expected HH:MM", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid daily_time %q: expected HH:MM", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid daily_time %q: expected HH:MM", raw)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// StoreList returns the explicit tenant list, or nil when every tenant known
// to the config store should be included.
func (c ReportConfig) StoreList() []string {
	text := strings.TrimSpace(c.Stores)
	if text == "" || strings.EqualFold(text, "all") {
		return nil
	}
	parts := strings.Split(text, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (c EmailConfig) RecipientList() []string {
	return splitAddressList(c.Recipients)
}

func (c Config) RecipientList() []string {
	return c.Email.RecipientList()
}

func (c SchedulerConfig) MisfireGraceDuration() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.MisfireGrace))
	if err != nil || d < 0 {
		return 5 * time.Minute
	}
	return d
}

func splitAddressList(raw string) []string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	parts := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\t', ' ':
			return true
		default:
			return false
		}
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		addr := strings.ToLower(strings.TrimSpace(p))
		if strings.HasPrefix(addr, "<") && strings.HasSuffix(addr, ">") {
			addr = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")))
		}
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func boolFromEnv(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}

func intFromEnv(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
