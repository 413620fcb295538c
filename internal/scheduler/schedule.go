// Package scheduler fires persisted tasks when they come due and keeps
// their schedules advancing without drift.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pocketbrain/pocketbrain/internal/store"
)

// ValidateSpec checks a schedule kind/value pair without touching the
// store. Used at every boundary where tasks are born (IPC watcher,
// CLI) so invalid specifications never reach a row.
func ValidateSpec(kind, value string, now time.Time) error {
	switch kind {
	case store.ScheduleCron:
		if !gronx.New().IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
	case store.ScheduleInterval:
		if _, err := parseInterval(value); err != nil {
			return err
		}
	case store.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("invalid once timestamp %q: %w", value, err)
		}
		if !t.After(now) {
			return fmt.Errorf("once timestamp %s is not in the future", value)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
	return nil
}

// parseInterval reads an interval value: positive integer
// milliseconds.
func parseInterval(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid interval %q: want positive integer milliseconds", value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// FirstRun computes the initial next_run for a newly created or
// resumed task, anchored at now. For once schedules the stored
// timestamp is the run time.
func FirstRun(kind, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch kind {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(value, now.In(loc), false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", value, err)
		}
		n := next.UTC()
		return &n, nil
	case store.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return nil, err
		}
		n := now.Add(d).UTC()
		return &n, nil
	case store.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("once %q: %w", value, err)
		}
		n := t.UTC()
		return &n, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// Advance computes the schedule state after a firing. Interval
// schedules anchor on the previous next_run rather than on wall-clock
// now, so late ticks do not accumulate drift; if the process slept
// past several occurrences the next run still lands on the original
// grid, skipping missed slots. Returns done=true for once schedules,
// which never fire again.
func Advance(t *store.ScheduledTask, now time.Time, loc *time.Location) (next *time.Time, done bool, err error) {
	switch t.ScheduleKind {
	case store.ScheduleOnce:
		return nil, true, nil
	case store.ScheduleCron:
		n, err := gronx.NextTickAfter(t.ScheduleVal, now.In(loc), false)
		if err != nil {
			return nil, false, fmt.Errorf("cron %q: %w", t.ScheduleVal, err)
		}
		u := n.UTC()
		return &u, false, nil
	case store.ScheduleInterval:
		d, err := parseInterval(t.ScheduleVal)
		if err != nil {
			return nil, false, err
		}
		if t.NextRun == nil {
			return nil, false, errors.New("interval task has no anchor")
		}
		n := t.NextRun.Add(d)
		for !n.After(now) {
			n = n.Add(d)
		}
		u := n.UTC()
		return &u, false, nil
	default:
		return nil, false, fmt.Errorf("unknown schedule kind %q", t.ScheduleKind)
	}
}
