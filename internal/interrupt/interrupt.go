// Package interrupt implements the Interrupt Coordinator: the ordered,
// idempotent barge-in sequence that clears TTS, drains outbound audio, and
// tells the telephony provider to flush its playback buffer.
package interrupt

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// TTSClearer is the subset of tts.Engine the coordinator needs.
type TTSClearer interface {
	Stop() error
}

// Drainer drains a session's outbound PCM queue, returning the number of
// chunks dropped.
type Drainer interface {
	DrainOutbound() int
}

// ClearSender sends the provider's clear control event for this stream.
type ClearSender interface {
	SendClear() error
}

// SpeakingSetter flips the session's speaking flag.
type SpeakingSetter interface {
	SetSpeaking(bool)
}

// Coordinator runs the four-step barge-in sequence from spec §4.7. It is
// safe to call Fire from multiple goroutines (VAD and, in principle, other
// signals); exactly one sequence runs even under concurrent calls, and a
// later Fire after the sequence has completed re-runs the steps, which are
// each individually idempotent.
type Coordinator struct {
	tts      TTSClearer
	drainer  Drainer
	sender   ClearSender
	speaking SpeakingSetter
	logger   zerolog.Logger

	mu      sync.Mutex
	inFlight int32
}

// New builds a Coordinator wired to one session's TTS engine, audio
// transport, and speaking-flag owner.
func New(tts TTSClearer, drainer Drainer, sender ClearSender, speaking SpeakingSetter, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		tts:      tts,
		drainer:  drainer,
		sender:   sender,
		speaking: speaking,
		logger:   logger.With().Str("component", "interrupt").Logger(),
	}
}

// Fire runs the barge-in sequence: clear TTS's pending text queue, drain
// the outbound PCM queue, send a provider clear event, then mark the
// session as no longer speaking.
func (c *Coordinator) Fire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	atomic.AddInt32(&c.inFlight, 1)
	defer atomic.AddInt32(&c.inFlight, -1)

	if err := c.tts.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("error stopping tts during interrupt")
	}

	dropped := c.drainer.DrainOutbound()
	if dropped > 0 {
		c.logger.Info().Int("dropped_chunks", dropped).Msg("drained outbound audio queue on interrupt")
	}

	if err := c.sender.SendClear(); err != nil {
		c.logger.Warn().Err(err).Msg("error sending clear event to provider")
	}

	c.speaking.SetSpeaking(false)
}

// InFlight reports whether a Fire call is currently executing, useful for
// tests asserting no audio is emitted mid-sequence.
func (c *Coordinator) InFlight() bool {
	return atomic.LoadInt32(&c.inFlight) > 0
}
