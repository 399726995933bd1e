// Package turn implements the Turn Controller: it accumulates STT
// fragments into a turn buffer and decides when the caller's turn should be
// committed to the Agent Invoker, and it arms the no-input watchdog between
// the agent's turn ending and the caller responding.
package turn

import (
	"strings"
	"time"

	"github.com/northbay-labs/callpilot/internal/eot"
)

// Reason identifies why a turn was committed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonEOT
	ReasonSilenceFallback
	ReasonMaxAge
)

func (r Reason) String() string {
	switch r {
	case ReasonEOT:
		return "eot"
	case ReasonSilenceFallback:
		return "silence_fallback"
	case ReasonMaxAge:
		return "max_age"
	default:
		return "none"
	}
}

// Config tunes the Turn Controller's commit rules.
type Config struct {
	EOTThreshold           float64
	EOTShortInputThreshold float64
	EOTShortInputWords     int
	HistoryTurns           int
	SilenceFallback        time.Duration
	MaxBufferAge           time.Duration
	NoInputTimeout         time.Duration
}

// DefaultConfig returns the production commit-rule tuning.
func DefaultConfig() Config {
	return Config{
		EOTThreshold:           0.30,
		EOTShortInputThreshold: 0.15,
		EOTShortInputWords:     4,
		HistoryTurns:           4,
		SilenceFallback:        1200 * time.Millisecond,
		MaxBufferAge:           2500 * time.Millisecond,
		NoInputTimeout:         5 * time.Second,
	}
}

// Controller owns the turn buffer and the no-input watchdog for a single
// session. It is driven by its caller's event loop; it performs no I/O and
// schedules no timers of its own, so it is fully deterministic and testable
// without real time.
type Controller struct {
	cfg       Config
	predictor eot.Predictor

	history []eot.Turn

	fragments      []string
	bufferStart    time.Time
	lastFragmentAt time.Time

	speaking      bool
	lastCommitter string // "user" or "agent"

	watchdogArmed   bool
	watchdogDeadline time.Time
	watchdogFired   bool
}

// New creates a Controller. predictor may be nil, in which case Tick skips
// the EOT rule and commits only on the silence and max-age fallbacks.
func New(cfg Config, predictor eot.Predictor) *Controller {
	return &Controller{
		cfg:       cfg,
		predictor: predictor,
	}
}

// AddFragment appends a transcribed fragment to the open turn buffer.
func (c *Controller) AddFragment(now time.Time, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if len(c.fragments) == 0 {
		c.bufferStart = now
	}
	c.fragments = append(c.fragments, text)
	c.lastFragmentAt = now
	c.disarmWatchdog()
}

// bufferText joins the open fragments into the candidate turn text.
func (c *Controller) bufferText() string {
	return strings.TrimSpace(strings.Join(c.fragments, " "))
}

// HasBuffer reports whether any fragment is currently pending commit.
func (c *Controller) HasBuffer() bool {
	return len(c.fragments) > 0
}

// Interrupt discards the open turn buffer and starts a fresh one — per the
// barge-in contract, an interrupted buffer is replaced, never merged into
// the next one.
func (c *Controller) Interrupt(now time.Time) {
	c.fragments = nil
	c.bufferStart = now
	c.lastFragmentAt = now
	c.disarmWatchdog()
}

// SetSpeaking updates the controller's view of whether agent playback is in
// progress (the session's speaking flag). Transitioning to not-speaking
// while the agent was the last party to commit a turn arms the no-input
// watchdog; a call that does not change the flag leaves the watchdog as is.
func (c *Controller) SetSpeaking(now time.Time, speaking bool) {
	wasSpeaking := c.speaking
	c.speaking = speaking
	if !wasSpeaking || speaking {
		return
	}
	if c.lastCommitter == "agent" && !c.watchdogFired {
		c.armWatchdog(now)
	}
}

// ArmWatchdogAfterAgentTurn arms the no-input watchdog explicitly once the
// agent has finished playing its TTS response back to the caller. Call
// sites prefer this over SetSpeaking because it fires exactly once at the
// known end of agent playback instead of waiting for the next tick to
// observe the speaking flag change.
func (c *Controller) ArmWatchdogAfterAgentTurn(now time.Time) {
	c.lastCommitter = "agent"
	if !c.speaking {
		c.armWatchdog(now)
	}
}

func (c *Controller) armWatchdog(now time.Time) {
	c.watchdogArmed = true
	c.watchdogDeadline = now.Add(c.cfg.NoInputTimeout)
}

func (c *Controller) disarmWatchdog() {
	c.watchdogArmed = false
	c.watchdogFired = false
}

// WatchdogExpired reports whether the no-input watchdog has reached its
// deadline. It fires at most once per arm cycle; callers that act on a true
// result should immediately disarm or re-arm as appropriate.
func (c *Controller) WatchdogExpired(now time.Time) bool {
	if !c.watchdogArmed || c.watchdogFired {
		return false
	}
	if now.Before(c.watchdogDeadline) {
		return false
	}
	c.watchdogFired = true
	return true
}

// Decision reports the outcome of a Tick.
type Decision struct {
	Commit bool
	Reason Reason
	Text   string
}

// Tick evaluates the commit rules against the current buffer state and
// returns a Decision. Call on a fixed interval (300ms in production).
func (c *Controller) Tick(now time.Time) Decision {
	if len(c.fragments) == 0 {
		return Decision{}
	}

	text := c.bufferText()
	wordCount := len(strings.Fields(text))

	threshold := c.cfg.EOTThreshold
	if wordCount <= c.cfg.EOTShortInputWords {
		threshold = c.cfg.EOTShortInputThreshold
	}

	if c.predictor != nil {
		hist := eot.RecentHistory(c.history, c.cfg.HistoryTurns)
		prob := c.predictor.Predict(hist, text)
		if prob >= threshold {
			return c.commit(now, ReasonEOT, text)
		}
	}

	if now.Sub(c.lastFragmentAt) >= c.cfg.SilenceFallback {
		return c.commit(now, ReasonSilenceFallback, text)
	}

	if now.Sub(c.bufferStart) >= c.cfg.MaxBufferAge {
		return c.commit(now, ReasonMaxAge, text)
	}

	return Decision{}
}

func (c *Controller) commit(now time.Time, reason Reason, text string) Decision {
	c.fragments = nil
	c.history = append(c.history, eot.Turn{Speaker: "user", Text: text})
	c.lastCommitter = "user"
	c.disarmWatchdog()
	return Decision{Commit: true, Reason: reason, Text: text}
}

// RecordAgentTurn appends the agent's response to the rolling history used
// by the EOT predictor, and marks the agent as the last committer for
// watchdog-arming purposes.
func (c *Controller) RecordAgentTurn(text string) {
	c.history = append(c.history, eot.Turn{Speaker: "agent", Text: text})
	c.lastCommitter = "agent"
}

// History returns a snapshot of the rolling turn history.
func (c *Controller) History() []eot.Turn {
	out := make([]eot.Turn, len(c.history))
	copy(out, c.history)
	return out
}
