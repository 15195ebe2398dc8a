package itaudio_test

import (
	"testing"
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/itaudio"
)

func TestRecoveryControllerGrantsFirstRequest(t *testing.T) {
	var restarted int
	c := itaudio.NewIsochTxRecoveryController(func() { restarted++ })
	now := time.Now()
	if !c.Request(now, true) {
		t.Fatalf("expected first request to be granted")
	}
	if restarted != 1 {
		t.Fatalf("restart invoked %d times, want 1", restarted)
	}
}

func TestRecoveryControllerSuppressesWithinFatalCooldown(t *testing.T) {
	c := itaudio.NewIsochTxRecoveryController(nil)
	now := time.Now()
	if !c.Request(now, true) {
		t.Fatalf("expected first request granted")
	}
	if c.Request(now.Add(10*time.Millisecond), true) {
		t.Fatalf("expected request within fatal cooldown to be suppressed")
	}
	if !c.Request(now.Add(60*time.Millisecond), true) {
		t.Fatalf("expected request after fatal cooldown elapsed to be granted")
	}
}

func TestRecoveryControllerNonFatalUsesLongerCooldown(t *testing.T) {
	c := itaudio.NewIsochTxRecoveryController(nil)
	now := time.Now()
	if !c.Request(now, false) {
		t.Fatalf("expected first request granted")
	}
	if c.Request(now.Add(100*time.Millisecond), false) {
		t.Fatalf("expected request within non-fatal cooldown to be suppressed")
	}
	if !c.Request(now.Add(210*time.Millisecond), false) {
		t.Fatalf("expected request after non-fatal cooldown elapsed to be granted")
	}
}

func TestRecoveryControllerCountsSuppressed(t *testing.T) {
	c := itaudio.NewIsochTxRecoveryController(nil)
	now := time.Now()
	c.Request(now, true)
	c.Request(now, true)
	c.Request(now, true)
	if c.Suppressed() != 2 {
		t.Fatalf("Suppressed() = %d, want 2", c.Suppressed())
	}
	if c.Granted() != 1 {
		t.Fatalf("Granted() = %d, want 1", c.Granted())
	}
}
