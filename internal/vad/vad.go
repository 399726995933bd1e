// Package vad implements the barge-in detector: a four-state voice activity
// state machine driven by an adaptive RMS energy threshold, used to detect
// when a caller starts or stops talking over the agent's TTS playback.
package vad

import (
	"sort"
	"sync"

	"github.com/northbay-labs/callpilot/internal/audio"
)

// State is one of the four barge-in detector states.
type State int

const (
	StateSilence State = iota
	StateStarting
	StateSpeaking
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateStarting:
		return "starting"
	case StateSpeaking:
		return "speaking"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Event reports a state transition worth acting on.
type Event int

const (
	EventNone Event = iota
	EventSpeechStarted
	EventSpeechStopped
)

// Config tunes the adaptive-threshold barge-in detector.
type Config struct {
	DefaultThreshold   float64 // used until MinHistoryFrames of history accumulate
	MinThreshold       float64
	MaxThreshold       float64
	ThresholdMultiplier float64
	Percentile         float64 // e.g. 85.0
	WindowSamples      int     // ring buffer capacity, e.g. 1500 (~30s at 20ms frames)
	StartFrames        int     // consecutive above-threshold frames to confirm speech start
	StopFrames         int     // consecutive below-threshold frames to confirm speech end
	MinHistoryFrames    int    // frames required before the adaptive threshold kicks in (~1s)
}

// DefaultConfig returns the detector defaults used in production.
func DefaultConfig() Config {
	return Config{
		DefaultThreshold:    500.0,
		MinThreshold:        300.0,
		MaxThreshold:        2000.0,
		ThresholdMultiplier: 1.5,
		Percentile:          85.0,
		WindowSamples:       1500,
		StartFrames:         10, // 10 * 20ms = 200ms before speech-started fires
		StopFrames:          5,
		MinHistoryFrames:    50, // 50 * 20ms = 1s
	}
}

// Detector is the barge-in state machine. Every method takes an internal
// mutex, so it is safe for concurrent use; a Session owns exactly one
// Detector and drives it from its audio-ingest goroutine.
type Detector struct {
	cfg Config

	mu     sync.Mutex
	state  State
	window []float64 // ring buffer of RMS levels
	head   int
	filled int

	aboveRun int
	belowRun int
}

// New creates a Detector with the given configuration.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:    cfg,
		state:  StateSilence,
		window: make([]float64, cfg.WindowSamples),
	}
}

// State returns the detector's current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Threshold returns the current adaptive energy threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold()
}

// threshold must be called with d.mu held.
func (d *Detector) threshold() float64 {
	if d.filled < d.cfg.MinHistoryFrames {
		return d.cfg.DefaultThreshold
	}

	levels := make([]float64, d.filled)
	copy(levels, d.window[:d.filled])
	sort.Float64s(levels)

	idx := int(float64(len(levels)-1) * d.cfg.Percentile / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(levels) {
		idx = len(levels) - 1
	}

	t := levels[idx] * d.cfg.ThresholdMultiplier
	if t < d.cfg.MinThreshold {
		t = d.cfg.MinThreshold
	}
	if t > d.cfg.MaxThreshold {
		t = d.cfg.MaxThreshold
	}
	return t
}

// ProcessFrame feeds one frame of PCM16 samples into the detector and
// returns any state-transition event that frame produced.
func (d *Detector) ProcessFrame(samples []int16) Event {
	rms := audio.CalculateRMS(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pushLevel(rms)
	t := d.threshold()
	aboveThreshold := rms > t

	if aboveThreshold {
		d.aboveRun++
		d.belowRun = 0
	} else {
		d.belowRun++
		d.aboveRun = 0
	}

	switch d.state {
	case StateSilence:
		if aboveThreshold {
			d.state = StateStarting
		}
		return EventNone

	case StateStarting:
		if aboveThreshold {
			if d.aboveRun >= d.cfg.StartFrames {
				d.state = StateSpeaking
				return EventSpeechStarted
			}
			return EventNone
		}
		d.state = StateSilence
		return EventNone

	case StateSpeaking:
		if !aboveThreshold {
			d.state = StateStopping
		}
		return EventNone

	case StateStopping:
		if aboveThreshold {
			d.state = StateSpeaking
			return EventNone
		}
		if d.belowRun >= d.cfg.StopFrames {
			d.state = StateSilence
			return EventSpeechStopped
		}
		return EventNone
	}

	return EventNone
}

// pushLevel must be called with d.mu held.
func (d *Detector) pushLevel(rms float64) {
	d.window[d.head] = rms
	d.head = (d.head + 1) % len(d.window)
	if d.filled < len(d.window) {
		d.filled++
	}
}

// IsSpeaking reports whether the detector currently believes the caller is
// speaking (SPEAKING or STOPPING — STOPPING is still "speaking" until the
// stop-frame run confirms silence, matching the barge-in's conservative bias
// toward not cutting off a caller mid-word).
func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateSpeaking || d.state == StateStopping
}

// Reset returns the detector to its initial silent state, discarding the
// adaptive-threshold history.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateSilence
	d.head = 0
	d.filled = 0
	d.aboveRun = 0
	d.belowRun = 0
}
