package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// Trigger describes when a job fires: a five-field cron expression evaluated
// in a named timezone, with a misfire grace window. A fire time that has
// already passed by more than the grace window is dropped, never queued.
type Trigger struct {
	Expr         string
	Timezone     string
	MisfireGrace time.Duration
}

// Daily builds a trigger that fires once a day at the given HH:MM wall-clock
// time in tz.
func Daily(hhmm string, tz string, grace time.Duration) (Trigger, error) {
	text := strings.TrimSpace(hhmm)
	parts := strings.Split(text, ":")
	if len(parts) != 2 {
		return Trigger{}, fmt.Errorf("invalid daily time %q: expected HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return Trigger{}, fmt.Errorf("invalid daily time %q: expected HH:MM", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return Trigger{}, fmt.Errorf("invalid daily time %q: expected HH:MM", hhmm)
	}
	t := Trigger{
		Expr:         fmt.Sprintf("%d %d * * *", minute, hour),
		Timezone:     strings.TrimSpace(tz),
		MisfireGrace: grace,
	}
	if _, err := t.parse(); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

func (t Trigger) Validate() error {
	_, err := t.parse()
	return err
}

func (t Trigger) parse() (robcron.Schedule, error) {
	expr := strings.TrimSpace(t.Expr)
	if expr == "" {
		return nil, errors.New("trigger expression is required")
	}
	parser := robcron.NewParser(robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse trigger expression: %w", err)
	}
	return schedule, nil
}

// Next returns the first fire time strictly after the given instant,
// evaluated in the trigger's timezone and reported in UTC.
func (t Trigger) Next(after time.Time) (time.Time, error) {
	schedule, err := t.parse()
	if err != nil {
		return time.Time{}, err
	}
	loc, err := loadLocation(t.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	if after.IsZero() {
		after = time.Now().UTC()
	}
	return schedule.Next(after.In(loc)).UTC(), nil
}

// Decision is the outcome of the misfire policy for one elapsed fire time.
type Decision int

const (
	// Fire means the trigger is due (or late within the grace window) and
	// should execute now.
	Fire Decision = iota
	// DropMisfire means the fire time was missed by more than the grace
	// window and must be skipped, not queued.
	DropMisfire
	// Wait means the fire time is still in the future.
	Wait
)

// Evaluate applies the misfire policy to a scheduled fire time.
func (t Trigger) Evaluate(scheduled, now time.Time) Decision {
	if scheduled.IsZero() || now.Before(scheduled) {
		return Wait
	}
	late := now.Sub(scheduled)
	if t.MisfireGrace > 0 && late > t.MisfireGrace {
		return DropMisfire
	}
	return Fire
}

func loadLocation(raw string) (*time.Location, error) {
	name := strings.TrimSpace(raw)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}
