package schedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) CronExpr {
	t.Helper()
	c, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("ParseCron(%q): %v", expr, err)
	}
	return c
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestCronMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		time string
		want bool
	}{
		{"* * * * *", "2026-08-28 09:30", true},
		{"30 9 * * *", "2026-08-28 09:30", true},
		{"30 9 * * *", "2026-08-28 09:31", false},
		{"0 * * * *", "2026-08-28 10:00", true},
		{"0 * * * *", "2026-08-28 10:01", false},
		{"0,30 * * * *", "2026-08-28 10:30", true},
		{"0,30 * * * *", "2026-08-28 10:15", false},
		{"*/15 * * * *", "2026-08-28 10:45", true},
		{"*/15 * * * *", "2026-08-28 10:50", false},
		// 2026-08-28 is a Friday (weekday 5).
		{"0 9 * * 5", "2026-08-28 09:00", true},
		{"0 9 * * 0", "2026-08-28 09:00", false},
		{"0 9 28 * *", "2026-08-28 09:00", true},
		{"0 9 29 * *", "2026-08-28 09:00", false},
		{"0 9 * 8 *", "2026-08-28 09:00", true},
		{"0 9 * 12 *", "2026-08-28 09:00", false},
		{"0 9 * * 1,3,5", "2026-08-28 09:00", true},
	}
	for _, tc := range tests {
		t.Run(tc.expr+" @ "+tc.time, func(t *testing.T) {
			t.Parallel()
			got := mustParse(t, tc.expr).Matches(at(t, tc.time))
			if got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseCron_Rejects(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"*/0 * * * *",
		"*/x * * * *",
		", * * * *",
	}
	for _, expr := range bad {
		if err := ValidateCron(expr); err == nil {
			t.Fatalf("ValidateCron(%q) should fail", expr)
		}
	}
	if err := ValidateCron("  30 7 * * 1  "); err != nil {
		t.Fatalf("surrounding space should be accepted: %v", err)
	}
}
