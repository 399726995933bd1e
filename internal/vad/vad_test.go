package vad

import "testing"

func loudFrame(n int, amplitude int16) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return samples
}

func quietFrame(n int) []int16 {
	return make([]int16, n)
}

func TestDetector_StaysSilentBelowThreshold(t *testing.T) {
	d := New(DefaultConfig())

	for i := 0; i < 10; i++ {
		ev := d.ProcessFrame(quietFrame(160))
		if ev != EventNone {
			t.Fatalf("expected no event on silence, got %v", ev)
		}
	}

	if d.State() != StateSilence {
		t.Errorf("expected state silence, got %v", d.State())
	}
}

func TestDetector_SpeechStartAfterStartFrames(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)

	var last Event
	for i := 0; i < cfg.StartFrames; i++ {
		last = d.ProcessFrame(loudFrame(160, 3000))
	}

	if last != EventSpeechStarted {
		t.Fatalf("expected EventSpeechStarted after %d above-threshold frames, got %v", cfg.StartFrames, last)
	}
	if d.State() != StateSpeaking {
		t.Errorf("expected state speaking, got %v", d.State())
	}
}

func TestDetector_SingleLoudFrameDoesNotConfirmSpeech(t *testing.T) {
	d := New(DefaultConfig())

	ev := d.ProcessFrame(loudFrame(160, 3000))
	if ev != EventNone {
		t.Fatalf("single frame should not confirm speech start, got %v", ev)
	}
	if d.State() != StateStarting {
		t.Errorf("expected transitional state starting, got %v", d.State())
	}
}

func TestDetector_SpeechStopAfterStopFrames(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)

	for i := 0; i < cfg.StartFrames; i++ {
		d.ProcessFrame(loudFrame(160, 3000))
	}
	if d.State() != StateSpeaking {
		t.Fatalf("setup failed: expected speaking, got %v", d.State())
	}

	var last Event
	for i := 0; i < cfg.StopFrames; i++ {
		last = d.ProcessFrame(quietFrame(160))
	}

	if last != EventSpeechStopped {
		t.Fatalf("expected EventSpeechStopped after %d silent frames, got %v", cfg.StopFrames, last)
	}
	if d.State() != StateSilence {
		t.Errorf("expected state silence, got %v", d.State())
	}
}

func TestDetector_BriefDropoutDuringSpeechDoesNotImmediatelyStop(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)

	for i := 0; i < cfg.StartFrames; i++ {
		d.ProcessFrame(loudFrame(160, 3000))
	}

	// one silent frame, fewer than StopFrames
	ev := d.ProcessFrame(quietFrame(160))
	if ev != EventNone {
		t.Fatalf("expected no event on single dropout frame, got %v", ev)
	}
	if d.State() != StateStopping {
		t.Errorf("expected transitional state stopping, got %v", d.State())
	}

	// speech resumes before StopFrames is reached
	ev = d.ProcessFrame(loudFrame(160, 3000))
	if ev != EventNone {
		t.Fatalf("expected no event when speech resumes, got %v", ev)
	}
	if d.State() != StateSpeaking {
		t.Errorf("expected state to return to speaking, got %v", d.State())
	}
}

func TestDetector_AdaptiveThresholdUsesDefaultBeforeHistory(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)

	if got := d.Threshold(); got != cfg.DefaultThreshold {
		t.Errorf("expected default threshold %v before history accumulates, got %v", cfg.DefaultThreshold, got)
	}
}

func TestDetector_AdaptiveThresholdClampedToRange(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)

	for i := 0; i < cfg.MinHistoryFrames+10; i++ {
		d.ProcessFrame(loudFrame(160, 20000))
	}

	got := d.Threshold()
	if got > cfg.MaxThreshold {
		t.Errorf("expected threshold clamped to max %v, got %v", cfg.MaxThreshold, got)
	}
	if got < cfg.MinThreshold {
		t.Errorf("expected threshold at least min %v, got %v", cfg.MinThreshold, got)
	}
}

func TestDetector_Reset(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)

	for i := 0; i < cfg.StartFrames; i++ {
		d.ProcessFrame(loudFrame(160, 3000))
	}
	if d.State() != StateSpeaking {
		t.Fatalf("setup failed: expected speaking state")
	}

	d.Reset()

	if d.State() != StateSilence {
		t.Errorf("expected state silence after reset, got %v", d.State())
	}
	if d.Threshold() != cfg.DefaultThreshold {
		t.Errorf("expected default threshold after reset, got %v", d.Threshold())
	}
}

func TestDetector_IsSpeakingDuringStopping(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)

	for i := 0; i < cfg.StartFrames; i++ {
		d.ProcessFrame(loudFrame(160, 3000))
	}
	d.ProcessFrame(quietFrame(160))

	if d.State() != StateStopping {
		t.Fatalf("expected stopping state, got %v", d.State())
	}
	if !d.IsSpeaking() {
		t.Errorf("expected IsSpeaking true during stopping grace period")
	}
}
