// Package session implements the per-call Session: the orchestrator that
// joins Media Transport, VAD, STT, Turn Controller, Agent Invoker, TTS, and
// the Interrupt Coordinator into one coherent, interruptible phone call.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/northbay-labs/callpilot/internal/agent"
	"github.com/northbay-labs/callpilot/internal/callcontrol"
	"github.com/northbay-labs/callpilot/internal/callctx"
	"github.com/northbay-labs/callpilot/internal/config"
	"github.com/northbay-labs/callpilot/internal/eot"
	"github.com/northbay-labs/callpilot/internal/interrupt"
	"github.com/northbay-labs/callpilot/internal/observability"
	"github.com/northbay-labs/callpilot/internal/recovery"
	"github.com/northbay-labs/callpilot/internal/stt"
	"github.com/northbay-labs/callpilot/internal/telephony"
	"github.com/northbay-labs/callpilot/internal/threadbind"
	"github.com/northbay-labs/callpilot/internal/tts"
	"github.com/northbay-labs/callpilot/internal/turn"
	"github.com/northbay-labs/callpilot/internal/vad"
	"github.com/rs/zerolog"
)

const (
	tickerPeriod   = 300 * time.Millisecond
	fragmentBuffer = 64
	ttsTextBuffer  = 16
	frameOutBuffer = 256
	commitBuffer   = 4
)

// Deps bundles the process-wide, read-only services a Session is
// constructed from. STT/TTS/agent backends and the thread binder/recovery
// stores are singletons injected here rather than held in globals.
type Deps struct {
	Config        *config.Config
	Logger        zerolog.Logger
	STTFactory    func() stt.Engine
	TTSEngine     tts.Engine
	Invoker       *agent.Invoker
	ThreadStore   threadbind.Store
	RecoveryStore *recovery.Store    // nil when DATABASE_URL is unset; recovery snapshots are skipped
	CallControl   *callcontrol.Client // nil when CALL_CONTROL_BASE_URL is unset; hangup falls back to closing the media socket
}

// Session owns one phone call end to end.
type Session struct {
	deps      Deps
	transport *telephony.Transport
	logger    zerolog.Logger
	metrics   *observability.Metrics

	sttEngine      stt.Engine
	vadDetector    *vad.Detector
	turnController *turn.Controller
	interruptCoord *interrupt.Coordinator

	// ttsGeneration is bumped on every barge-in. synthesizeAndQueue captures
	// it when a response starts and stops emitting chunks/frames as soon as
	// it no longer matches, so an interrupted response cannot keep speaking
	// once a later chunk was already in flight.
	ttsGeneration atomic.Int64

	mu                    sync.RWMutex
	speaking              bool
	callSID               string
	streamSID             string
	threadID              string
	callerID              string
	calleeID              string
	startedAt             time.Time
	greetingCooldownUntil time.Time
	shouldHangup          bool

	callCtx *callctx.Context

	fragmentCh chan string
	commitCh   chan turn.Decision
	ttsTextCh  chan string
	frameOutCh chan []byte
	interruptCh chan time.Time
	armWatchdogCh chan time.Time
	agentTurnCh chan string
	startedC   chan struct{}
	startOnce  sync.Once
}

// New constructs a Session bound to one accepted WebSocket connection.
func New(conn *telephony.Transport, deps Deps) *Session {
	logger := deps.Logger.With().Str("component", "session").Logger()

	s := &Session{
		deps:       deps,
		transport:  conn,
		logger:     logger,
		metrics:    observability.NewCallMetrics(fmt.Sprintf("call-%d", time.Now().UnixNano())),
		sttEngine:  deps.STTFactory(),
		fragmentCh: make(chan string, fragmentBuffer),
		commitCh:   make(chan turn.Decision, commitBuffer),
		ttsTextCh:  make(chan string, ttsTextBuffer),
		frameOutCh: make(chan []byte, frameOutBuffer),
		interruptCh: make(chan time.Time, 4),
		armWatchdogCh: make(chan time.Time, 4),
		agentTurnCh: make(chan string, ttsTextBuffer),
		startedC:   make(chan struct{}),
	}

	vadCfg := vad.Config{
		DefaultThreshold:    deps.Config.VADDefaultThreshold,
		MinThreshold:        deps.Config.VADMinThreshold,
		MaxThreshold:        deps.Config.VADMaxThreshold,
		ThresholdMultiplier: deps.Config.VADThresholdMultiplier,
		Percentile:          deps.Config.VADPercentile,
		WindowSamples:       deps.Config.VADWindowSamples,
		StartFrames:         deps.Config.VADStartFrames,
		StopFrames:          deps.Config.VADStopFrames,
		MinHistoryFrames:    50,
	}
	s.vadDetector = vad.New(vadCfg)

	turnCfg := turn.Config{
		EOTThreshold:           deps.Config.EOTThreshold,
		EOTShortInputThreshold: deps.Config.EOTShortInputThreshold,
		EOTShortInputWords:     deps.Config.EOTShortInputWords,
		HistoryTurns:           deps.Config.EOTHistoryTurns,
		SilenceFallback:        time.Duration(deps.Config.SilenceFallbackS * float64(time.Second)),
		MaxBufferAge:           time.Duration(deps.Config.MaxBufferAgeS * float64(time.Second)),
		NoInputTimeout:         time.Duration(deps.Config.NoInputTimeoutS * float64(time.Second)),
	}
	s.turnController = turn.New(turnCfg, eot.NewClassifier(deps.Config.EOTHistoryTurns))

	s.interruptCoord = interrupt.New(deps.TTSEngine, s, s, s, logger)

	return s
}

// --- small interfaces Session implements for interrupt.Coordinator ---

// DrainOutbound drains the pending outbound frame queue, reporting how
// many frames were dropped.
func (s *Session) DrainOutbound() int {
	dropped := 0
	for {
		select {
		case <-s.frameOutCh:
			dropped++
		default:
			return dropped
		}
	}
}

// SendClear implements interrupt.ClearSender.
func (s *Session) SendClear() error {
	return s.transport.SendClear()
}

// SetSpeaking implements interrupt.SpeakingSetter and is also called
// directly by the TTS worker when agent playback starts/ends.
func (s *Session) SetSpeaking(speaking bool) {
	s.mu.Lock()
	s.speaking = speaking
	s.mu.Unlock()
}

func (s *Session) isSpeaking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speaking
}

// Run drives the session to completion: it blocks until the WebSocket
// closes, the context is cancelled, or an unrecoverable error occurs.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.receiveLoop(ctx) })
	g.Go(func() error { return s.transcriptLoop(ctx) })
	g.Go(func() error { return s.brainLoop(ctx) })
	g.Go(func() error { return s.agentLoop(ctx) })
	g.Go(func() error { return s.ttsLoop(ctx) })
	g.Go(func() error { return s.senderLoop(ctx) })

	err := g.Wait()

	s.mu.RLock()
	duration := time.Since(s.startedAt)
	s.mu.RUnlock()

	s.metrics.RecordCallEnd()
	s.saveRecoverySnapshot(duration, err)

	return err
}

func (s *Session) markStarted() {
	s.startOnce.Do(func() { close(s.startedC) })
}

// receiveLoop reads provider frames and fans inbound media out to VAD/STT.
func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		evt, err := s.transport.ReadEvent()
		if err != nil {
			if telephony.IsUnexpectedClose(err) {
				s.logger.Warn().Err(err).Msg("unexpected websocket close")
			}
			return err
		}
		if evt.Event == "" {
			continue // malformed frame, already logged
		}

		switch evt.Event {
		case "connected":
			s.logger.Info().Msg("provider stream connected")

		case "start":
			if err := s.handleStart(ctx, evt.Start); err != nil {
				return err
			}

		case "media":
			if evt.Media != nil {
				s.handleMedia(evt.Media)
			}

		case "stop":
			if evt.Stop != nil {
				s.logger.Info().Str("call_sid", evt.Stop.CallSID).Msg("provider stream stopped")
			}
			_ = s.sttEngine.Stop()
			return nil

		default:
			s.logger.Debug().Str("event", evt.Event).Msg("unhandled provider event")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// handleStart processes the provider's start event. It returns an error when
// call setup cannot proceed safely, in which case the caller must abort the
// session: without a stable thread id the agent cannot retain context, so a
// thread binder failure is fatal rather than logged-and-ignored.
func (s *Session) handleStart(ctx context.Context, start *telephony.StartPayload) error {
	if start == nil {
		return nil
	}

	s.mu.Lock()
	s.callSID = start.CallSID
	s.streamSID = start.StreamSID
	s.startedAt = time.Now()

	if v, ok := start.CustomParameters["caller_id"].(string); ok {
		s.callerID = v
	}
	if v, ok := start.CustomParameters["callee_id"].(string); ok {
		s.calleeID = v
	}
	mode := s.deps.Config.AgentMode
	if v, ok := start.CustomParameters["agent_mode"].(string); ok && v != "" {
		mode = v
	}
	callerID, calleeID := s.callerID, s.calleeID
	s.mu.Unlock()

	seed := map[string]any{}
	for k, v := range start.CustomParameters {
		seed[k] = v
	}
	s.callCtx = callctx.New(callerID, calleeID, mode, seed)

	if s.deps.ThreadStore != nil && callerID != "" {
		mapping, err := s.deps.ThreadStore.GetOrCreateThread(ctx, callerID, "phone", false)
		observability.RecordThreadBinderOp("get_or_create", err)
		if err != nil {
			s.logger.Error().Err(err).Msg("thread binder lookup failed, aborting call setup")
			_ = s.transport.SendError("thread lookup failed")
			_ = s.transport.Close()
			return fmt.Errorf("thread binder lookup failed: %w", err)
		}
		s.mu.Lock()
		s.threadID = mapping.ThreadID
		s.mu.Unlock()
		updateErr := s.deps.ThreadStore.UpdateCallSID(ctx, mapping.ThreadID, start.CallSID)
		observability.RecordThreadBinderOp("update_call_sid", updateErr)
		if updateErr != nil {
			s.logger.Error().Err(updateErr).Msg("thread binder call sid update failed")
		}
	}

	if err := s.sttEngine.Start(); err != nil {
		s.logger.Error().Err(err).Msg("failed to start stt engine")
	}

	s.metrics.RecordCallStart()
	s.markStarted()

	if greeting, ok := start.CustomParameters["greeting"].(string); ok && greeting != "" {
		s.dispatchGreeting(greeting)
	}
	return nil
}

func (s *Session) dispatchGreeting(text string) {
	cooldown := time.Duration(s.deps.Config.GreetingEchoCooldownS * float64(time.Second))
	s.mu.Lock()
	s.greetingCooldownUntil = time.Now().Add(cooldown)
	s.mu.Unlock()

	select {
	case s.agentTurnCh <- text:
	default:
	}
	select {
	case s.ttsTextCh <- text:
	default:
		s.logger.Warn().Msg("tts text queue full, dropping greeting")
	}
}

func (s *Session) withinGreetingCooldown(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Before(s.greetingCooldownUntil)
}

func (s *Session) handleMedia(media *telephony.MediaPayload) {
	samples, err := s.transport.DecodeInboundMedia(media)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to decode inbound media")
		return
	}

	s.metrics.RecordAudioBytes("in", int64(len(samples)*2))

	if s.withinGreetingCooldown(time.Now()) {
		return // presumed echo of our own greeting
	}

	evt := s.vadDetector.ProcessFrame(samples)
	if evt == vad.EventSpeechStarted && s.isSpeaking() {
		s.ttsGeneration.Add(1)
		s.interruptCoord.Fire()
		s.metrics.RecordVADInterrupt()
		select {
		case s.interruptCh <- time.Now():
		default:
		}
	}

	pcmBytes := int16SamplesToBytes(samples)
	if err := s.sttEngine.SendAudio(pcmBytes); err != nil {
		s.logger.Error().Err(err).Msg("failed to send audio to stt engine")
		s.metrics.RecordError("stt_send_error", "stt")
	}
}

func int16SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// transcriptLoop reads finalized transcripts from the STT engine and feeds
// them to the brain loop as fragments.
func (s *Session) transcriptLoop(ctx context.Context) error {
	select {
	case <-s.startedC:
	case <-ctx.Done():
		return ctx.Err()
	}

	transcripts := s.sttEngine.GetTranscription()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-transcripts:
			if !ok {
				return nil
			}
			if result == nil || !result.IsFinal || result.Text == "" || stt.IsSilenceMarker(result.Text) {
				continue
			}
			if s.withinGreetingCooldown(time.Now()) {
				continue
			}
			select {
			case s.fragmentCh <- result.Text:
			default:
				s.logger.Warn().Str("text", result.Text).Msg("fragment queue full, dropping")
			}
		}
	}
}

// brainLoop is the single owner of the Turn Controller and VAD-driven
// speaking state transitions; serializing all mutation here avoids locking
// turn.Controller, which is explicitly not concurrency-safe.
func (s *Session) brainLoop(ctx context.Context) error {
	select {
	case <-s.startedC:
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(tickerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case text := <-s.fragmentCh:
			s.turnController.AddFragment(time.Now(), text)

		case text := <-s.agentTurnCh:
			s.turnController.RecordAgentTurn(text)

		case now := <-s.interruptCh:
			s.turnController.Interrupt(now)

		case now := <-s.armWatchdogCh:
			s.turnController.ArmWatchdogAfterAgentTurn(now)

		case now := <-ticker.C:
			s.turnController.SetSpeaking(now, s.isSpeaking())

			if decision := s.turnController.Tick(now); decision.Commit {
				s.logger.Info().Str("reason", decision.Reason.String()).Str("text", decision.Text).Msg("turn committed")
				s.metrics.RecordTurnCommit(decision.Reason.String())
				select {
				case s.commitCh <- decision:
				default:
					s.logger.Warn().Msg("agent commit queue full, dropping turn")
				}
			}

			if s.turnController.WatchdogExpired(now) {
				s.logger.Info().Msg("no-input watchdog fired")
				s.metrics.RecordWatchdogFire()
				s.turnController.RecordAgentTurn("Hey, are you still there?")
				select {
				case s.ttsTextCh <- "Hey, are you still there?":
				default:
				}
			}
		}
	}
}

// agentLoop invokes the agent runtime for each committed turn, in order —
// turn N+1 never begins invocation until turn N's Invoke call returns.
func (s *Session) agentLoop(ctx context.Context) error {
	select {
	case <-s.startedC:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case decision := <-s.commitCh:
			s.handleCommit(ctx, decision)
		}
	}
}

func (s *Session) handleCommit(ctx context.Context, decision turn.Decision) {
	s.mu.RLock()
	threadID := s.threadID
	s.mu.RUnlock()

	s.metrics.RecordOrchestratorStart()
	outcome := s.deps.Invoker.Invoke(ctx, threadID, decision.Text, s.callCtx.ToMap())
	s.metrics.RecordOrchestratorEnd(!outcome.TimedOut)

	select {
	case s.agentTurnCh <- outcome.Text:
	default:
	}

	for _, tc := range outcome.ToolCalls {
		s.applyToolCall(tc)
	}

	if outcome.ShouldHangup {
		s.mu.Lock()
		s.shouldHangup = true
		s.mu.Unlock()
		if s.callCtx.Outcome() == "" {
			s.callCtx.SetOutcome("completed")
		}
	}

	select {
	case s.ttsTextCh <- outcome.Text:
	default:
		s.logger.Warn().Msg("tts text queue full, dropping agent response")
	}

	if outcome.ShouldHangup {
		go s.scheduleHangup(outcome.Text)
	}
}

func (s *Session) applyToolCall(tc agent.ToolCall) {
	s.logger.Info().Str("tool", tc.Name).Msg("agent tool call observed")
	switch tc.Name {
	case "end_call":
		s.callCtx.SetOutcome("completed")
	case "book_appointment":
		s.callCtx.AddNote("book_appointment: " + tc.ArgsJSON)
	}
}

// scheduleHangup waits for the agent's final TTS to finish playing (per
// spec 4.5: max(3s, word_count/2.5) + 1s) plus the Invoker's grace period,
// then ends the call through the call-control API and closes the media
// transport. Closing the transport alone only drops the audio socket; the
// provider's call-control API is what actually hangs up the PSTN leg.
func (s *Session) scheduleHangup(text string) {
	words := len(strings.Fields(text))
	playback := time.Duration(float64(words) / 2.5 * float64(time.Second))
	minPlayback := 3 * time.Second
	if playback < minPlayback {
		playback = minPlayback
	}
	wait := playback + time.Second + agent.HangupDelay()

	<-time.After(wait)
	s.logger.Info().Msg("hangup timer fired, ending call")

	s.mu.RLock()
	callSID := s.callSID
	s.mu.RUnlock()

	if s.deps.CallControl != nil {
		if err := s.deps.CallControl.EndCall(context.Background(), callSID); err != nil {
			s.logger.Error().Err(err).Msg("call-control hangup failed, falling back to transport close")
		}
	}
	_ = s.transport.Close()
}

// ttsLoop synthesizes committed agent text sentence-by-sentence and queues
// the resulting audio frames for the sender loop.
func (s *Session) ttsLoop(ctx context.Context) error {
	select {
	case <-s.startedC:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-s.ttsTextCh:
			s.synthesizeAndQueue(text)
		}
	}
}

func (s *Session) synthesizeAndQueue(text string) {
	chunks := tts.Utterance(text, s.deps.Config.TTSMinChunkLength, s.deps.Config.TTSMaxChunkLength)
	if len(chunks) == 0 {
		return
	}

	generation := s.ttsGeneration.Load()

	s.SetSpeaking(true)
	s.metrics.RecordTTSStart()

	interrupted := false
	for _, chunk := range chunks {
		if s.ttsGeneration.Load() != generation {
			interrupted = true
			break
		}

		audioCh, err := s.deps.TTSEngine.Synthesize(chunk)
		if err != nil {
			s.logger.Error().Err(err).Msg("tts synthesis failed")
			s.metrics.RecordTTSEnd(false)
			continue
		}
		for audioChunk := range audioCh {
			if s.ttsGeneration.Load() != generation {
				interrupted = true
				break
			}

			frames, err := telephony.EncodeOutboundFrames(audioChunk.Data)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to encode outbound tts audio")
				continue
			}
			for _, frame := range frames {
				if s.ttsGeneration.Load() != generation {
					interrupted = true
					break
				}
				select {
				case s.frameOutCh <- frame:
				default:
					s.logger.Warn().Msg("outbound frame queue full, dropping tts frame")
				}
			}
			if interrupted {
				break
			}
		}
		if interrupted {
			break
		}
	}

	s.metrics.RecordTTSEnd(!interrupted)
	if !interrupted {
		s.SetSpeaking(false)
		select {
		case s.armWatchdogCh <- time.Now():
		default:
		}
	}
}

// senderLoop paces outbound frames to the provider at 20ms intervals so the
// provider's jitter buffer never bursts.
func (s *Session) senderLoop(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case frame := <-s.frameOutCh:
				if err := s.transport.SendMediaFrame(frame); err != nil {
					s.logger.Error().Err(err).Msg("failed to send media frame")
					s.metrics.RecordError("transport_send_error", "telephony")
				}
			default:
			}
		}
	}
}

func (s *Session) saveRecoverySnapshot(duration time.Duration, runErr error) {
	if s.deps.RecoveryStore == nil || s.callCtx == nil {
		return
	}

	cause := recovery.CauseNormalEnd
	if runErr != nil {
		cause = recovery.ClassifyWebSocketError(telephony.IsUnexpectedClose(runErr), false, false)
	}

	snap := s.callCtx.Snapshot(time.Now())
	history := s.turnController.History()
	transcript := make([]string, 0, len(history))
	var lastAssistant string
	for _, h := range history {
		transcript = append(transcript, h.Speaker+": "+h.Text)
		if h.Speaker == "agent" {
			lastAssistant = h.Text
		}
	}

	s.mu.RLock()
	callSID, threadID := s.callSID, s.threadID
	s.mu.RUnlock()

	st := recovery.Decide(recovery.DefaultPolicy(), cause, duration, 0, snap, time.Now())
	st.CallSID = callSID
	st.ThreadID = threadID
	st.Transcript = transcript
	st.LastAssistant = lastAssistant

	observability.RecordRecoveryEvent(string(cause), st.ShouldRetry)

	if err := s.deps.RecoveryStore.Save(context.Background(), st); err != nil {
		s.logger.Error().Err(err).Msg("failed to save recovery snapshot")
	}
}
