package accounts

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiter(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(rate.Every(10*time.Second), 3)

	for i := 0; i < 3; i++ {
		if !rl.AllowAt("1.2.3.4", start) {
			t.Fatalf("attempt %d should be allowed within burst", i+1)
		}
	}
	if rl.AllowAt("1.2.3.4", start) {
		t.Error("fourth attempt should be denied")
	}
	if !rl.AllowAt("5.6.7.8", start) {
		t.Error("keys must not share a bucket")
	}
	if !rl.AllowAt("1.2.3.4", start.Add(10*time.Second)) {
		t.Error("one token should refill after the interval")
	}
	if rl.Len() != 2 {
		t.Errorf("Len() = %d, expected 2", rl.Len())
	}
}

func TestRateLimiter_CleanupAt(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(rate.Every(time.Second), 1)

	rl.AllowAt("old", start)
	rl.AllowAt("fresh", start.Add(9*time.Minute))

	if dropped := rl.CleanupAt(5*time.Minute, start.Add(10*time.Minute)); dropped != 1 {
		t.Errorf("CleanupAt() dropped %d keys, expected 1", dropped)
	}
	if rl.Len() != 1 {
		t.Errorf("Len() = %d, expected 1", rl.Len())
	}
}

func TestNewRateLimiter_MinimumBurst(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 0)
	now := time.Now()
	if !rl.AllowAt("k", now) {
		t.Error("a zero burst should still allow one event")
	}
	if rl.AllowAt("k", now) {
		t.Error("second event should be denied")
	}
}
