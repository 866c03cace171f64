// Package history persists job execution records to redis for audit. The
// scheduler works without it; every operation here is best effort.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const recordKey = "storereport:runs"

// Record is the serialized form of one job execution.
type Record struct {
	RunID       string    `json:"run_id"`
	JobID       string    `json:"job_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	ReportDate  string    `json:"report_date"`
	Success     bool      `json:"success"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Err         string    `json:"error,omitempty"`
	Manual      bool      `json:"manual,omitempty"`
}

type Store struct {
	client *redis.Client
	keep   int
}

func NewStore(redisURL string, keep int) (*Store, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if keep <= 0 {
		keep = 100
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Store{client: client, keep: keep}, nil
}

// Append pushes a record onto the run list and trims it to the configured
// length.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, recordKey, data)
	pipe.LTrim(ctx, recordKey, 0, int64(s.keep-1))
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	if limit <= 0 || limit > s.keep {
		limit = s.keep
	}
	raw, err := s.client.LRange(ctx, recordKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
