package turn

import (
	"testing"
	"time"
)

func TestController_NoCommitOnEmptyBuffer(t *testing.T) {
	c := New(DefaultConfig(), nil)
	now := time.Now()
	d := c.Tick(now)
	if d.Commit {
		t.Errorf("expected no commit on empty buffer")
	}
}

func TestController_SilenceFallbackCommitsAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)
	now := time.Now()
	c.AddFragment(now, "hello there")

	d := c.Tick(now.Add(cfg.SilenceFallback + time.Millisecond))
	if !d.Commit {
		t.Fatalf("expected commit after silence fallback elapsed")
	}
	if d.Reason != ReasonSilenceFallback {
		t.Errorf("expected ReasonSilenceFallback, got %v", d.Reason)
	}
	if d.Text != "hello there" {
		t.Errorf("expected committed text 'hello there', got %q", d.Text)
	}
	if c.HasBuffer() {
		t.Errorf("expected buffer cleared after commit")
	}
}

func TestController_MaxAgeCommitsEvenWithFreshFragments(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)
	start := time.Now()
	c.AddFragment(start, "one")

	// keep feeding fragments just under the silence fallback window so that
	// only the max-buffer-age rule can fire
	step := cfg.SilenceFallback / 2
	for ts := start.Add(step); ts.Before(start.Add(cfg.MaxBufferAge)); ts = ts.Add(step) {
		c.AddFragment(ts, "more")
	}

	d := c.Tick(start.Add(cfg.MaxBufferAge + time.Millisecond))
	if !d.Commit {
		t.Fatalf("expected max-age commit")
	}
	if d.Reason != ReasonMaxAge {
		t.Errorf("expected ReasonMaxAge, got %v", d.Reason)
	}
}

func TestController_InterruptReplacesRatherThanMerges(t *testing.T) {
	c := New(DefaultConfig(), nil)
	now := time.Now()
	c.AddFragment(now, "first thing")
	c.Interrupt(now.Add(time.Second))
	if c.HasBuffer() {
		t.Fatalf("expected buffer cleared on interrupt")
	}
	c.AddFragment(now.Add(time.Second), "second thing")
	if got := c.bufferText(); got != "second thing" {
		t.Errorf("expected buffer to contain only post-interrupt text, got %q", got)
	}
}

func TestController_WatchdogArmsAfterAgentTurnWhenNotSpeaking(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)
	now := time.Now()
	c.RecordAgentTurn("anything else I can help with?")
	c.ArmWatchdogAfterAgentTurn(now)

	if c.WatchdogExpired(now.Add(cfg.NoInputTimeout - time.Millisecond)) {
		t.Errorf("watchdog should not have expired yet")
	}
	if !c.WatchdogExpired(now.Add(cfg.NoInputTimeout + time.Millisecond)) {
		t.Errorf("expected watchdog to expire after timeout")
	}
}

func TestController_WatchdogFiresOnlyOnce(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)
	now := time.Now()
	c.RecordAgentTurn("hello?")
	c.ArmWatchdogAfterAgentTurn(now)

	deadline := now.Add(cfg.NoInputTimeout + time.Millisecond)
	if !c.WatchdogExpired(deadline) {
		t.Fatalf("expected first check to report expired")
	}
	if c.WatchdogExpired(deadline.Add(time.Second)) {
		t.Errorf("expected watchdog to fire only once per arm cycle")
	}
}

func TestController_WatchdogDoesNotArmWhileSpeaking(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)
	now := time.Now()
	c.SetSpeaking(now, true)
	c.RecordAgentTurn("go ahead")
	c.ArmWatchdogAfterAgentTurn(now)

	if c.WatchdogExpired(now.Add(cfg.NoInputTimeout + time.Second)) {
		t.Errorf("watchdog should not arm while agent playback is in progress")
	}
}

func TestController_AddFragmentDisarmsWatchdog(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)
	now := time.Now()
	c.RecordAgentTurn("anything else?")
	c.ArmWatchdogAfterAgentTurn(now)
	c.AddFragment(now.Add(time.Second), "yes one more thing")

	if c.WatchdogExpired(now.Add(cfg.NoInputTimeout + time.Second)) {
		t.Errorf("expected watchdog disarmed once caller responds")
	}
}
