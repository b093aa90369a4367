package usage_test

import (
	"testing"
	"time"

	"github.com/xraph/tally/usage"
)

func TestKeyStringIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	k := usage.Key{
		UserID:      "u_1",
		FeatureCode: "resume_generation",
		PeriodStart: time.Date(2025, time.March, 1, 0, 0, 0, 0, loc),
	}
	want := "u_1:resume_generation:2025-03-01T05:00:00Z"
	if got := k.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
