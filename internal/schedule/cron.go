package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
//
// Each field accepts "*", a number, a comma list ("0,30"), or a step
// ("*/15"). Day-of-week uses 0-6 with 0 = Sunday.
type CronExpr struct {
	raw    string
	fields [5]cronField
}

type cronField struct {
	any    bool
	step   int
	values map[int]struct{}
}

var cronBounds = [5]struct{ min, max int }{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

// ParseCron parses and validates a five-field cron expression.
func ParseCron(expr string) (CronExpr, error) {
	raw := strings.TrimSpace(expr)
	parts := strings.Fields(raw)
	if len(parts) != 5 {
		return CronExpr{}, fmt.Errorf("cron %q: want 5 fields, got %d", raw, len(parts))
	}

	out := CronExpr{raw: raw}
	for i, part := range parts {
		field, err := parseCronField(part, cronBounds[i].min, cronBounds[i].max)
		if err != nil {
			return CronExpr{}, fmt.Errorf("cron %q field %d: %w", raw, i+1, err)
		}
		out.fields[i] = field
	}
	return out, nil
}

// ValidateCron reports whether expr is a well-formed cron expression.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

func parseCronField(part string, min, max int) (cronField, error) {
	part = strings.TrimSpace(part)
	if part == "*" {
		return cronField{any: true}, nil
	}
	if rest, ok := strings.CutPrefix(part, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil || step <= 0 {
			return cronField{}, fmt.Errorf("invalid step %q", part)
		}
		return cronField{step: step}, nil
	}

	values := make(map[int]struct{})
	for _, item := range strings.Split(part, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil {
			return cronField{}, fmt.Errorf("invalid value %q", item)
		}
		if n < min || n > max {
			return cronField{}, fmt.Errorf("value %d out of range %d-%d", n, min, max)
		}
		values[n] = struct{}{}
	}
	if len(values) == 0 {
		return cronField{}, fmt.Errorf("empty field")
	}
	return cronField{values: values}, nil
}

func (f cronField) matches(n, min int) bool {
	if f.any {
		return true
	}
	if f.step > 0 {
		return (n-min)%f.step == 0
	}
	_, ok := f.values[n]
	return ok
}

// Matches reports whether t falls on the expression, at minute granularity.
func (c CronExpr) Matches(t time.Time) bool {
	vals := [5]int{
		t.Minute(),
		t.Hour(),
		t.Day(),
		int(t.Month()),
		int(t.Weekday()),
	}
	for i, v := range vals {
		if !c.fields[i].matches(v, cronBounds[i].min) {
			return false
		}
	}
	return true
}

func (c CronExpr) String() string {
	return c.raw
}
