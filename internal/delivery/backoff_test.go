package delivery

import (
	"testing"
	"time"
)

func TestComputeDelayWithoutJitter(t *testing.T) {
	schedule := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"first attempt uses first entry", 1, time.Second},
		{"second attempt uses second entry", 2, 4 * time.Second},
		{"third attempt uses third entry", 3, 16 * time.Second},
		{"attempt past schedule reuses last entry", 7, 16 * time.Second},
		{"zero attempt clamps to first entry", 0, time.Second},
		{"negative attempt clamps to first entry", -3, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeDelay(tt.attempt, schedule, 0)
			if got != tt.expected {
				t.Errorf("computeDelay(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestComputeDelayJitterBounds(t *testing.T) {
	schedule := []time.Duration{10 * time.Second}
	const jitter = 0.25

	lo := time.Duration(float64(10*time.Second) * (1 - jitter))
	hi := time.Duration(float64(10*time.Second) * (1 + jitter))

	for i := 0; i < 200; i++ {
		got := computeDelay(1, schedule, jitter)
		if got < lo || got > hi {
			t.Fatalf("computeDelay() = %v, want within [%v, %v]", got, lo, hi)
		}
	}
}
