package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(defaultRate int) (*Keyed, func(d time.Duration)) {
	limiter := NewKeyed(defaultRate, time.Minute)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return limiter, advance
}

func TestAllowStopsAtLimit(t *testing.T) {
	limiter, _ := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("ai_claude_1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow("ai_claude_1") {
		t.Fatal("fourth request should be denied")
	}
	if got := limiter.Remaining("ai_claude_1"); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
}

func TestWindowSlides(t *testing.T) {
	limiter, advance := newTestLimiter(2)

	if !limiter.Allow("key") || !limiter.Allow("key") {
		t.Fatal("first two requests should be allowed")
	}
	if limiter.Allow("key") {
		t.Fatal("third request inside the window should be denied")
	}

	advance(61 * time.Second)
	if !limiter.Allow("key") {
		t.Fatal("request after the window passed should be allowed")
	}
}

func TestDeniedRequestsAreNotRecorded(t *testing.T) {
	limiter, advance := newTestLimiter(1)

	if !limiter.Allow("key") {
		t.Fatal("first request should be allowed")
	}
	// Hammering while denied must not extend the lockout.
	for i := 0; i < 10; i++ {
		advance(time.Second)
		limiter.Allow("key")
	}

	advance(51 * time.Second)
	if !limiter.Allow("key") {
		t.Fatal("request should be allowed once the original stamp aged out")
	}
}

func TestPerKeyOverride(t *testing.T) {
	limiter, _ := newTestLimiter(10)

	limiter.SetLimit("slow", 1)
	if got := limiter.Limit("slow"); got != 1 {
		t.Fatalf("Limit(slow) = %d, want 1", got)
	}
	if got := limiter.Limit("other"); got != 10 {
		t.Fatalf("Limit(other) = %d, want 10", got)
	}

	if !limiter.Allow("slow") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("slow") {
		t.Fatal("second request should hit the override")
	}
	if !limiter.Allow("other") {
		t.Fatal("other keys keep the default allowance")
	}

	limiter.SetLimit("slow", 0)
	if got := limiter.Limit("slow"); got != 10 {
		t.Fatalf("Limit(slow) after reset = %d, want 10", got)
	}
}

func TestForgetDropsState(t *testing.T) {
	limiter, _ := newTestLimiter(1)

	limiter.SetLimit("key", 1)
	if !limiter.Allow("key") {
		t.Fatal("first request should be allowed")
	}
	limiter.Forget("key")
	if !limiter.Allow("key") {
		t.Fatal("request after Forget should be allowed")
	}
}
