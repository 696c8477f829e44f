package clock

import (
	"testing"
	"time"
)

func TestWindowLimiterResetsOnBoundary(t *testing.T) {
	fc := NewFake(time.Unix(1000, 0))
	wl := NewWindowLimiter(fc, 2)

	if !wl.Allow() || !wl.Allow() {
		t.Fatal("expected first two calls to be allowed")
	}
	if wl.Allow() {
		t.Fatal("expected third call in same window to be denied")
	}

	fc.Advance(time.Second)
	if !wl.Allow() {
		t.Fatal("expected a call to be allowed after the window ticked")
	}
}

func TestKeyedWindowLimiterIsolatesKeys(t *testing.T) {
	fc := NewFake(time.Unix(1000, 0))
	kl := NewKeyedWindowLimiter(fc, 1)

	if !kl.Allow("a") {
		t.Fatal("expected first call for key a to be allowed")
	}
	if kl.Allow("a") {
		t.Fatal("expected second call for key a in same window to be denied")
	}
	if !kl.Allow("b") {
		t.Fatal("expected key b to have its own independent window")
	}
}
