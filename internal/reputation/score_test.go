package reputation

import "testing"

func TestComputeScore(t *testing.T) {
	cases := []struct {
		name      string
		counts    WindowCounts
		wantValue int
		wantLevel Level
	}{
		{
			name:      "no history is optimistic",
			counts:    WindowCounts{},
			wantValue: 100,
			wantLevel: LevelExcellent,
		},
		{
			name:      "perfect delivery",
			counts:    WindowCounts{Delivered: 100},
			wantValue: 100,
			wantLevel: LevelExcellent,
		},
		{
			name:      "half delivered collapses below the floor",
			counts:    WindowCounts{Delivered: 50, Failed: 50},
			wantValue: 0,
			wantLevel: LevelCritical,
		},
		{
			name:      "heavy filtering loses the filter credit",
			counts:    WindowCounts{Delivered: 94, Filtered: 6},
			wantValue: 72, // delivery 57.6 truncated + 0 filter + 15 invalid
			wantLevel: LevelWarning,
		},
		{
			name:      "invalid recipients past the ceiling",
			counts:    WindowCounts{Delivered: 89, Invalid: 11},
			wantValue: 70, // delivery 45.6 truncated + 25 filter + 0 invalid
			wantLevel: LevelWarning,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.counts)
			if got.Value != tc.wantValue {
				t.Fatalf("score = %d, want %d", got.Value, tc.wantValue)
			}
			if got.Level != tc.wantLevel {
				t.Fatalf("level = %s, want %s", got.Level, tc.wantLevel)
			}
		})
	}
}

func TestLevelCeilings(t *testing.T) {
	if c := Compute(WindowCounts{}).PerMinuteCeiling; c != 30 {
		t.Fatalf("excellent ceiling = %d, want 30", c)
	}
	if c := Compute(WindowCounts{Delivered: 50, Failed: 50}).PerMinuteCeiling; c != 2 {
		t.Fatalf("critical ceiling = %d, want 2", c)
	}
}

func TestEmailTiers(t *testing.T) {
	cases := []struct {
		counts EmailCounts
		want   EmailTier
	}{
		{EmailCounts{}, EmailTierNormal},
		{EmailCounts{Sent: 1000, Bounced: 10}, EmailTierNormal},
		{EmailCounts{Sent: 1000, Bounced: 30}, EmailTierReduced},
		{EmailCounts{Sent: 1000, Bounced: 60}, EmailTierCritical},
		{EmailCounts{Sent: 10000, Complained: 15}, EmailTierPaused},
	}

	for _, tc := range cases {
		if got := tierFor(tc.counts); got != tc.want {
			t.Fatalf("tierFor(%+v) = %s, want %s", tc.counts, got, tc.want)
		}
	}

	if EmailTierPaused.Multiplier() != 0 {
		t.Fatal("paused tier must be a full stop")
	}
	if EmailTierNormal.Multiplier() != 1.0 {
		t.Fatal("normal tier must not scale capacity")
	}
}
