package period_test

import (
	"testing"
	"time"

	"github.com/xraph/tally/period"
)

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 30, 15, 0, time.UTC)
}

func TestCurrent(t *testing.T) {
	tests := []struct {
		name      string
		cadence   period.Cadence
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "daily",
			cadence:   period.Daily,
			now:       date(2025, time.March, 14, 17),
			wantStart: time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly mid-week",
			cadence:   period.Weekly,
			now:       date(2025, time.March, 13, 9), // Thursday
			wantStart: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly on monday",
			cadence:   period.Weekly,
			now:       date(2025, time.March, 10, 0),
			wantStart: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly on sunday",
			cadence:   period.Weekly,
			now:       date(2025, time.March, 16, 23),
			wantStart: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly",
			cadence:   period.Monthly,
			now:       date(2025, time.February, 28, 12),
			wantStart: time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly december rollover",
			cadence:   period.Monthly,
			now:       date(2024, time.December, 31, 23),
			wantStart: time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "yearly",
			cadence:   period.Yearly,
			now:       date(2024, time.July, 4, 8),
			wantStart: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "unknown falls back to monthly",
			cadence:   period.Cadence("fortnightly"),
			now:       date(2025, time.May, 20, 6),
			wantStart: time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "empty falls back to monthly",
			cadence:   "",
			now:       date(2025, time.May, 20, 6),
			wantStart: time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := period.Current(tt.cadence, tt.now)
			if !start.Equal(tt.wantStart) {
				t.Errorf("start = %v, want %v", start, tt.wantStart)
			}
			if !end.Equal(tt.wantEnd) {
				t.Errorf("end = %v, want %v", end, tt.wantEnd)
			}
		})
	}
}

func TestCurrentKeepsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	now := time.Date(2025, time.January, 1, 3, 0, 0, 0, loc)

	start, _ := period.Current(period.Daily, now)
	want := time.Date(2025, time.January, 1, 0, 0, 0, 0, loc)
	if !start.Equal(want) {
		t.Fatalf("start = %v, want %v", start, want)
	}
	if start.Location() != loc {
		t.Fatalf("expected location %v, got %v", loc, start.Location())
	}
}

func TestCurrentProperties(t *testing.T) {
	cadences := []period.Cadence{period.Daily, period.Weekly, period.Monthly, period.Yearly}
	origin := time.Date(2023, time.November, 27, 13, 0, 0, 0, time.UTC)

	for _, c := range cadences {
		t.Run(string(c), func(t *testing.T) {
			var prev period.Window
			for i := 0; i < 24*500; i += 7 {
				now := origin.Add(time.Duration(i) * time.Hour)

				w := period.WindowAt(c, now)
				again := period.WindowAt(c, now)
				if w != again {
					t.Fatalf("not deterministic at %v: %v vs %v", now, w, again)
				}
				if !w.Contains(now) {
					t.Fatalf("window %v does not contain %v", w, now)
				}
				if i > 0 {
					if w.Start.Before(prev.Start) {
						t.Fatalf("start went backwards at %v: %v < %v", now, w.Start, prev.Start)
					}
					if w.Start != prev.Start && w.Start.Before(prev.End) {
						t.Fatalf("windows overlap at %v: %v and %v", now, prev, w)
					}
				}
				prev = w
			}
		})
	}
}

func TestNextIsAdjacent(t *testing.T) {
	for _, c := range []period.Cadence{period.Daily, period.Weekly, period.Monthly, period.Yearly} {
		w := period.WindowAt(c, date(2024, time.December, 30, 10))
		n := period.Next(c, w)
		if !n.Start.Equal(w.End) {
			t.Errorf("%s: next start %v, want %v", c, n.Start, w.End)
		}
	}
}

func TestCadenceValid(t *testing.T) {
	if !period.Weekly.Valid() {
		t.Error("weekly should be valid")
	}
	if period.Cadence("hourly").Valid() {
		t.Error("hourly should not be valid")
	}
	if got := period.Cadence("hourly").Normalize(); got != period.Monthly {
		t.Errorf("Normalize() = %q, want monthly", got)
	}
}

func TestRoll(t *testing.T) {
	end := date(2025, time.March, 25, 0)
	tests := []struct {
		name    string
		cadence period.Cadence
		now     time.Time
		want    time.Time
	}{
		{"future unchanged", period.Monthly, date(2025, time.March, 20, 0), end},
		{"equal rolls once", period.Monthly, end, date(2025, time.April, 25, 0)},
		{"monthly", period.Monthly, date(2025, time.March, 30, 0), date(2025, time.April, 25, 0)},
		{"weekly twice", period.Weekly, date(2025, time.April, 2, 0), date(2025, time.April, 8, 0)},
		{"daily", period.Daily, date(2025, time.March, 26, 0), date(2025, time.March, 27, 0)},
		{"yearly", period.Yearly, date(2025, time.May, 1, 0), date(2026, time.March, 25, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := period.Roll(tt.cadence, end, tt.now); !got.Equal(tt.want) {
				t.Errorf("Roll() = %v, want %v", got, tt.want)
			}
		})
	}
}
