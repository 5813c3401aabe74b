package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// INTERVAL SCHEDULE
// ══════════════════════════════════════════════════════════════════════════════

// IntervalSchedule schedules a job to run at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule creates a new IntervalSchedule.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval.String())
}

// ══════════════════════════════════════════════════════════════════════════════
// CRON SCHEDULE
// ══════════════════════════════════════════════════════════════════════════════

// CronSchedule implements Schedule from a parsed cron expression.
// Supports standard 5-field format: minute hour day-of-month month day-of-week
// Examples:
//   - "*/5 * * * *"  - every 5 minutes
//   - "0 */1 * * *"  - every hour
//   - "5 0 * * *"    - every day at 00:05
//   - "0 0 * * 1"    - every Monday at midnight
type CronSchedule struct {
	raw      string
	minutes  []int // 0-59
	hours    []int // 0-23
	days     []int // 1-31
	months   []int // 1-12
	weekdays []int // 0-6 (0 = Sunday)
}

// ParseCron parses a cron expression string.
// Format: minute hour day-of-month month day-of-week
// Supports: *, */n, n, n-m, n,m,o
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(fields))
	}

	cs := &CronSchedule{raw: expr}
	var err error

	cs.minutes, err = parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	cs.hours, err = parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	cs.days, err = parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day field: %w", err)
	}

	cs.months, err = parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	cs.weekdays, err = parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid weekday field: %w", err)
	}

	return cs, nil
}

// MustParseCron parses a cron expression or panics.
// Use only for compile-time constants.
func MustParseCron(expr string) *CronSchedule {
	cs, err := ParseCron(expr)
	if err != nil {
		panic(fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return cs
}

// parseCronField parses a single cron field.
func parseCronField(field string, min, max int) ([]int, error) {
	var result []int

	if field == "*" {
		for i := min; i <= max; i++ {
			result = append(result, i)
		}
		return result, nil
	}

	// Step values (*/n or n-m/s)
	if strings.Contains(field, "/") {
		parts := strings.Split(field, "/")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid step format: %s", field)
		}

		step, err := strconv.Atoi(parts[1])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value: %s", parts[1])
		}

		var start, end int
		if parts[0] == "*" {
			start, end = min, max
		} else if strings.Contains(parts[0], "-") {
			rangeParts := strings.Split(parts[0], "-")
			start, _ = strconv.Atoi(rangeParts[0])
			end, _ = strconv.Atoi(rangeParts[1])
		} else {
			start, _ = strconv.Atoi(parts[0])
			end = max
		}

		for i := start; i <= end; i += step {
			if i >= min && i <= max {
				result = append(result, i)
			}
		}
		return result, nil
	}

	// Ranges (n-m)
	if strings.Contains(field, "-") {
		parts := strings.Split(field, "-")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid range format: %s", field)
		}

		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", parts[0])
		}

		end, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", parts[1])
		}

		for i := start; i <= end; i++ {
			if i >= min && i <= max {
				result = append(result, i)
			}
		}
		return result, nil
	}

	// Lists (n,m,o)
	if strings.Contains(field, ",") {
		for _, p := range strings.Split(field, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("invalid list value: %s", p)
			}
			if v >= min && v <= max {
				result = append(result, v)
			}
		}
		sort.Ints(result)
		return result, nil
	}

	// Single value
	v, err := strconv.Atoi(field)
	if err != nil {
		return nil, fmt.Errorf("invalid value: %s", field)
	}
	if v < min || v > max {
		return nil, fmt.Errorf("value out of range [%d-%d]: %d", min, max, v)
	}
	return []int{v}, nil
}

// String returns the original cron expression.
func (cs *CronSchedule) String() string {
	return cs.raw
}

// Next calculates the next time the cron expression matches after the given time.
func (cs *CronSchedule) Next(after time.Time) time.Time {
	// Start from the next minute
	t := after.Add(time.Minute).Truncate(time.Minute)

	// One year in minutes, guards against expressions that never match
	const maxIterations = 366 * 24 * 60

	for i := 0; i < maxIterations; i++ {
		if cs.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}

	return time.Time{}
}

// matches checks if the given time matches the cron expression.
func (cs *CronSchedule) matches(t time.Time) bool {
	return containsInt(cs.minutes, t.Minute()) &&
		containsInt(cs.hours, t.Hour()) &&
		containsInt(cs.days, t.Day()) &&
		containsInt(cs.months, int(t.Month())) &&
		containsInt(cs.weekdays, int(t.Weekday()))
}

func containsInt(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// Common cron expression presets.
const (
	EveryMinute    = "* * * * *"
	Every5Minutes  = "*/5 * * * *"
	Every15Minutes = "*/15 * * * *"
	EveryHour      = "0 * * * *"
	EveryMidnight  = "0 0 * * *"
	EveryMonday    = "0 0 * * 1"
	FirstOfMonth   = "0 0 1 * *"
)
