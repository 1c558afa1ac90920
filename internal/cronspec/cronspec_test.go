package cronspec

import (
	"errors"
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
		zone string
	}{
		{name: "five field", expr: "0 7 * * *", zone: "UTC"},
		{name: "six field", expr: "0 0 7 * * *", zone: "Asia/Shanghai"},
		{name: "every second", expr: "* * * * * *", zone: "UTC"},
		{name: "descriptor", expr: "@daily", zone: "Europe/Berlin"},
		{name: "empty zone defaults to utc", expr: "*/5 * * * *", zone: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.expr, tt.zone); err != nil {
				t.Fatalf("Parse(%q, %q) error: %v", tt.expr, tt.zone, err)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
		zone string
	}{
		{name: "garbage", expr: "not-a-cron", zone: "UTC"},
		{name: "too many fields", expr: "0 0 0 * * * *", zone: "UTC"},
		{name: "empty", expr: "", zone: "UTC"},
		{name: "bad zone", expr: "0 0 * * *", zone: "Mars/Olympus"},
		{name: "minute out of range", expr: "61 * * * *", zone: "UTC"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr, tt.zone)
			if err == nil {
				t.Fatalf("Parse(%q, %q) expected error", tt.expr, tt.zone)
			}
			if !errors.Is(err, ErrInvalidExpression) {
				t.Fatalf("error %v is not ErrInvalidExpression", err)
			}
		})
	}
}

func TestNextMidnightUTC(t *testing.T) {
	t.Parallel()
	s, err := Parse("0 0 0 * * *", "UTC")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	got := s.Next(from)
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextMonotonic(t *testing.T) {
	t.Parallel()
	exprs := []struct {
		expr string
		zone string
	}{
		{"0 0 7 * * *", "Asia/Shanghai"},
		{"*/15 * * * * *", "UTC"},
		{"30 3 * * 1", "America/New_York"},
		{"@hourly", "Europe/Berlin"},
	}
	for _, e := range exprs {
		s, err := Parse(e.expr, e.zone)
		if err != nil {
			t.Fatalf("Parse(%q): %v", e.expr, err)
		}
		from := time.Date(2024, 2, 28, 11, 59, 59, 0, time.UTC)
		for i := 0; i < 200; i++ {
			n := s.Next(from)
			if !n.After(from) {
				t.Fatalf("%q: Next(%v) = %v is not strictly after", e.expr, from, n)
			}
			from = n
		}
	}
}

func TestNextSpringForwardGapSkips(t *testing.T) {
	t.Parallel()
	// 02:30 does not exist on 2024-03-10 in New York; the schedule must skip
	// to the next real 02:30.
	s, err := Parse("0 30 2 * * *", "America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	loc := s.Location()
	from := time.Date(2024, 3, 10, 1, 0, 0, 0, loc)
	got := s.Next(from)
	want := time.Date(2024, 3, 11, 2, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got.In(loc), want)
	}
}

func TestNextFallBackFiresOnce(t *testing.T) {
	t.Parallel()
	// 01:30 occurs twice on 2024-11-03 in New York (EDT then EST). The first
	// occurrence fires; advancing from it must land on the next day, not on
	// the repeated hour.
	s, err := Parse("0 30 1 * * *", "America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	loc := s.Location()

	from := time.Date(2024, 11, 3, 0, 0, 0, 0, loc)
	first := s.Next(from)
	wantFirst := time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC) // 01:30 EDT
	if !first.Equal(wantFirst) {
		t.Fatalf("first = %v, want %v", first.UTC(), wantFirst)
	}

	second := s.Next(first)
	wantSecond := time.Date(2024, 11, 4, 1, 30, 0, 0, loc)
	if !second.Equal(wantSecond) {
		t.Fatalf("second = %v, want %v", second.In(loc), wantSecond)
	}
}

func TestNextHourlyStillFiresInFold(t *testing.T) {
	t.Parallel()
	// A wildcard-hour schedule fires in every absolute hour, including the
	// repeated one.
	s, err := Parse("0 30 * * * *", "America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC) // 01:30 EDT
	got := s.Next(from)
	want := time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC) // 01:30 EST
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got.UTC(), want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate("0 0 7 * * *", "Asia/Shanghai"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Validate("bogus", "UTC"); err == nil {
		t.Fatal("expected error")
	}
}
