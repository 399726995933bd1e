package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/northbay-labs/callpilot/internal/agent"
	"github.com/northbay-labs/callpilot/internal/config"
	"github.com/northbay-labs/callpilot/internal/stt"
	"github.com/northbay-labs/callpilot/internal/telephony"
	"github.com/northbay-labs/callpilot/internal/tts"
)

// fakeSTTEngine lets a test push transcripts directly onto the channel the
// session's transcriptLoop reads from, bypassing any real recognizer.
type fakeSTTEngine struct {
	transcript chan *stt.TranscriptionResult
}

func newFakeSTTEngine() *fakeSTTEngine {
	return &fakeSTTEngine{transcript: make(chan *stt.TranscriptionResult, 16)}
}

func (f *fakeSTTEngine) Start() error { return nil }
func (f *fakeSTTEngine) SendAudio(audioData []byte) error { return nil }
func (f *fakeSTTEngine) GetTranscription() <-chan *stt.TranscriptionResult { return f.transcript }
func (f *fakeSTTEngine) Stop() error  { return nil }
func (f *fakeSTTEngine) Close() error { return nil }

func (f *fakeSTTEngine) pushFinal(text string) {
	f.transcript <- &stt.TranscriptionResult{Text: text, IsFinal: true}
}

// fakeTTSEngine records every chunk it's asked to synthesize and hands back
// one small silent PCM24k chunk per call.
type fakeTTSEngine struct {
	mu         sync.Mutex
	synthesized []string
}

func (f *fakeTTSEngine) Synthesize(text string) (<-chan *tts.AudioChunk, error) {
	f.mu.Lock()
	f.synthesized = append(f.synthesized, text)
	f.mu.Unlock()

	out := make(chan *tts.AudioChunk, 1)
	out <- &tts.AudioChunk{Data: make([]byte, 960), SampleRate: 24000, Channels: 1}
	close(out)
	return out, nil
}
func (f *fakeTTSEngine) Stop() error   { return nil }
func (f *fakeTTSEngine) Close() error  { return nil }
func (f *fakeTTSEngine) IsActive() bool { return false }

func (f *fakeTTSEngine) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.synthesized))
	copy(out, f.synthesized)
	return out
}

// recordingRuntime implements agent.Runtime and reports every committed
// turn it was asked to process over invoked, so a test can observe the
// Agent Invoker actually ran without reaching into session internals.
type recordingRuntime struct {
	invoked  chan string
	response string
	delay    time.Duration
}

func (r *recordingRuntime) Run(ctx context.Context, threadID, text string, callContext map[string]any) (<-chan agent.Response, error) {
	select {
	case r.invoked <- text:
	default:
	}
	out := make(chan agent.Response, 2)
	go func() {
		defer close(out)
		if r.delay > 0 {
			select {
			case <-time.After(r.delay):
			case <-ctx.Done():
				return
			}
		}
		out <- agent.Response{TextChunk: r.response, IsDone: true}
	}()
	return out, nil
}

func (r *recordingRuntime) Close() error { return nil }

// testConfig returns a Config tuned for fast, deterministic turn commits
// and watchdog firing, without reading the environment.
func testConfig() *config.Config {
	return &config.Config{
		TTSMinChunkLength:     1,
		TTSMaxChunkLength:     200,
		VADDefaultThreshold:   500,
		VADMinThreshold:       300,
		VADMaxThreshold:       2000,
		VADThresholdMultiplier: 1.5,
		VADPercentile:         85,
		VADWindowSamples:      1500,
		VADStartFrames:        10,
		VADStopFrames:         5,
		GreetingEchoCooldownS: 0.1,
		EOTThreshold:          0.30,
		EOTShortInputThreshold: 0.15,
		EOTShortInputWords:    4,
		EOTHistoryTurns:       4,
		SilenceFallbackS:      0.02,
		MaxBufferAgeS:         0.05,
		NoInputTimeoutS:       0.1,
		AgentMode:             "sales",
		AgentTimeoutS:         5,
	}
}

// testHarness wires a real Session behind an httptest WebSocket server, the
// way a telephony provider would connect to it, and hands back a client
// conn plus the fakes so the test can drive and observe the call.
type testHarness struct {
	clientConn *websocket.Conn
	sttEngine  *fakeSTTEngine
	ttsEngine  *fakeTTSEngine
	runtime    *recordingRuntime
	runErr     chan error
}

func newTestHarness(t *testing.T, cfgOverride func(*config.Config)) *testHarness {
	t.Helper()

	cfg := testConfig()
	if cfgOverride != nil {
		cfgOverride(cfg)
	}

	sttEngine := newFakeSTTEngine()
	ttsEngine := &fakeTTSEngine{}
	runtime := &recordingRuntime{invoked: make(chan string, 8), response: "okay, got it."}
	invoker := agent.NewInvoker(runtime, time.Duration(cfg.AgentTimeoutS)*time.Second, zerolog.Nop())

	deps := Deps{
		Config:     cfg,
		Logger:     zerolog.Nop(),
		STTFactory: func() stt.Engine { return sttEngine },
		TTSEngine:  ttsEngine,
		Invoker:    invoker,
	}

	runErr := make(chan error, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := telephony.Upgrade(w, r)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		transport := telephony.New(conn, zerolog.Nop())
		sess := New(transport, deps)
		runErr <- sess.Run(context.Background())
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	return &testHarness{clientConn: clientConn, sttEngine: sttEngine, ttsEngine: ttsEngine, runtime: runtime, runErr: runErr}
}

func (h *testHarness) sendStart(t *testing.T, customParams map[string]any) {
	t.Helper()
	msg := map[string]any{
		"event": "start",
		"start": map[string]any{
			"accountSid":       "AC1",
			"callSid":          "CA1",
			"streamSid":        "MZ1",
			"tracks":           []string{"inbound"},
			"customParameters": customParams,
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal start event: %v", err)
	}
	if err := h.clientConn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write start event: %v", err)
	}
}

// TestSession_GreetingCooldownSuppressesEcho exercises S1: a greeting is
// dispatched to TTS immediately on start, and any transcript arriving
// within the echo cooldown window is dropped rather than fed to the turn
// controller as caller speech.
func TestSession_GreetingCooldownSuppressesEcho(t *testing.T) {
	h := newTestHarness(t, func(c *config.Config) {
		c.GreetingEchoCooldownS = 5.0 // long enough that the echo always lands inside it
	})
	h.sendStart(t, map[string]any{"greeting": "Hi, thanks for calling."})

	select {
	case <-h.runtime.invoked:
		t.Fatalf("greeting dispatch must not itself invoke the agent runtime")
	case <-time.After(100 * time.Millisecond):
	}

	h.sttEngine.pushFinal("Hi, thanks for calling.")

	select {
	case text := <-h.runtime.invoked:
		t.Fatalf("expected echoed greeting to be suppressed by cooldown, but agent was invoked with %q", text)
	case <-time.After(500 * time.Millisecond):
	}
}

// TestSession_CommitsTurnAndInvokesAgent is the control case for the
// cooldown test above: once the cooldown has elapsed, a final transcript
// reaches the turn controller, commits, and reaches the agent runtime.
func TestSession_CommitsTurnAndInvokesAgent(t *testing.T) {
	h := newTestHarness(t, nil)
	h.sendStart(t, nil)

	time.Sleep(150 * time.Millisecond) // clear the (short) greeting-less cooldown window
	h.sttEngine.pushFinal("what are your hours")

	select {
	case text := <-h.runtime.invoked:
		if text != "what are your hours" {
			t.Errorf("expected committed turn text, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for turn commit to reach the agent runtime")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, tx := range h.ttsEngine.texts() {
			if strings.Contains(tx, "okay, got it") {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected agent response to reach tts, got %v", h.ttsEngine.texts())
}

// TestSession_WatchdogFiresApologyOnNoInput exercises S5: once the agent
// has finished speaking (here, the greeting) and the caller says nothing,
// the no-input watchdog fires and queues an apology prompt to tts.
func TestSession_WatchdogFiresApologyOnNoInput(t *testing.T) {
	h := newTestHarness(t, func(c *config.Config) {
		c.NoInputTimeoutS = 0.05
		c.GreetingEchoCooldownS = 0.01
	})
	h.sendStart(t, map[string]any{"greeting": "Hello there."})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, tx := range h.ttsEngine.texts() {
			if strings.Contains(tx, "still there") {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected watchdog apology to be queued to tts, got %v", h.ttsEngine.texts())
}

// TestSession_AgentTimeoutReachesCaller exercises S6: when the agent
// runtime does not respond within the configured timeout, the Invoker's
// canned apology is still forwarded to tts so the caller never hears dead
// air.
func TestSession_AgentTimeoutReachesCaller(t *testing.T) {
	h := newTestHarness(t, func(c *config.Config) {
		c.AgentTimeoutS = 0 // envconfig never produces this in prod; here it forces an immediate timeout
	})
	h.runtime.delay = 200 * time.Millisecond
	h.sendStart(t, nil)

	time.Sleep(150 * time.Millisecond)
	h.sttEngine.pushFinal("is the clinic open on sundays")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, tx := range h.ttsEngine.texts() {
			if strings.Contains(strings.ToLower(tx), "sorry") {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected canned apology to reach tts after agent timeout, got %v", h.ttsEngine.texts())
}
