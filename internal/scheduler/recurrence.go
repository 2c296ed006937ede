package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field, 6-field (leading seconds) and descriptor expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Recurrence computes the next occurrence of a recurring task.
type Recurrence interface {
	Next(after time.Time) (time.Time, error)
	String() string
}

// FixedInterval recurs every Every after the previous completion.
type FixedInterval struct {
	Every time.Duration
}

func (f FixedInterval) Next(after time.Time) (time.Time, error) {
	if f.Every <= 0 {
		return time.Time{}, fmt.Errorf("interval must be positive, got %s", f.Every)
	}
	return after.Add(f.Every), nil
}

func (f FixedInterval) String() string { return "@every " + f.Every.String() }

// CronExpression recurs on a cron schedule, evaluated in UTC.
type CronExpression struct {
	Expr  string
	sched cron.Schedule
}

func NewCronExpression(expr string) (CronExpression, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return CronExpression{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return CronExpression{Expr: expr, sched: sched}, nil
}

func (c CronExpression) Next(after time.Time) (time.Time, error) {
	if c.sched == nil {
		return time.Time{}, fmt.Errorf("cron expression %q not parsed", c.Expr)
	}
	next := c.sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no occurrence after %s", c.Expr, after.Format(time.RFC3339))
	}
	return next, nil
}

func (c CronExpression) String() string { return c.Expr }

// ParseRecurrence reads a schedule descriptor: a Go duration ("15m"),
// "@every <duration>", or a cron expression.
func ParseRecurrence(s string) (Recurrence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive, got %s", d)
		}
		return FixedInterval{Every: d}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive, got %s", d)
		}
		return FixedInterval{Every: d}, nil
	}
	return NewCronExpression(s)
}

// NextOccurrences lists the next n occurrences of schedule after from.
func NextOccurrences(schedule string, from time.Time, n int) ([]time.Time, error) {
	rec, err := ParseRecurrence(schedule)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	at := from
	for i := 0; i < n; i++ {
		next, err := rec.Next(at)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		at = next
	}
	return out, nil
}
