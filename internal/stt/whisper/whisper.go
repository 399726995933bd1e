// Package whisper implements an stt.Engine backed by a whisper.cpp HTTP
// server (its /inference endpoint), rather than linking whisper.cpp's cgo
// bindings directly — the server is a single long-lived process the voice
// agent calls out to, matching this repo's other adapters (Deepgram,
// Cartesia) being thin HTTP/WebSocket clients around an external engine.
//
// Unlike Deepgram's streaming recognizer, whisper.cpp only recognizes whole
// utterances. This adapter buffers inbound PCM16 frames, uses RMS-threshold
// silence detection to find utterance boundaries, and fires one batch
// recognize call per utterance.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/northbay-labs/callpilot/internal/audio"
	"github.com/northbay-labs/callpilot/internal/stt"
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithRMSThreshold sets the energy threshold below which audio counts as
// silence (default 300.0, matching the reference adapter).
func WithRMSThreshold(t float64) Option {
	return func(e *Engine) { e.rmsThreshold = t }
}

// WithSilenceDuration sets how long the buffer must stay below the RMS
// threshold before the accumulated audio is flushed as an utterance.
func WithSilenceDuration(d time.Duration) Option {
	return func(e *Engine) { e.silenceDuration = d }
}

// WithMaxBufferDuration bounds how much audio accumulates before a forced
// flush even without detected silence (protects against a caller who never
// pauses).
func WithMaxBufferDuration(d time.Duration) Option {
	return func(e *Engine) { e.maxBufferDuration = d }
}

// WithMinUtteranceDuration discards buffered audio shorter than this once
// flushed — too little signal to be worth a recognize call.
func WithMinUtteranceDuration(d time.Duration) Option {
	return func(e *Engine) { e.minUtteranceDuration = d }
}

// WithHTTPClient overrides the HTTP client used to call the whisper server.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// Engine is an stt.Engine implementation backed by a whisper.cpp HTTP server.
type Engine struct {
	serverURL string
	logger    zerolog.Logger

	rmsThreshold         float64
	silenceDuration      time.Duration
	maxBufferDuration    time.Duration
	minUtteranceDuration time.Duration

	httpClient *http.Client

	mu              sync.Mutex
	isActive        bool
	pcmBuffer       []byte
	bufferStartedAt time.Time
	lastVoiceAt     time.Time

	transcript chan *stt.TranscriptionResult
	ctx        context.Context
	cancel     context.CancelFunc
}

const sampleRateHz = 16000 // whisper.cpp's server expects 16kHz mono PCM16

// New creates a whisper.cpp-backed Engine.
func New(serverURL string, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		serverURL:            serverURL,
		logger:               logger.With().Str("component", "stt").Str("provider", "whisper").Logger(),
		rmsThreshold:         300.0,
		silenceDuration:      500 * time.Millisecond,
		maxBufferDuration:    10 * time.Second,
		minUtteranceDuration: 300 * time.Millisecond,
		httpClient:           &http.Client{Timeout: 15 * time.Second},
		transcript:           make(chan *stt.TranscriptionResult, 100),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins a new buffering session.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isActive {
		return fmt.Errorf("whisper engine is already active")
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.pcmBuffer = e.pcmBuffer[:0]
	e.isActive = true
	e.logger.Debug().Msg("whisper engine started")
	return nil
}

// SendAudio appends a PCM16@16kHz chunk to the buffer, flushing an
// utterance to the recognizer when enough trailing silence has accumulated
// or the max buffer duration is reached.
func (e *Engine) SendAudio(pcm []byte) error {
	e.mu.Lock()
	if !e.isActive {
		e.mu.Unlock()
		return fmt.Errorf("whisper engine is not active")
	}

	now := time.Now()
	if len(e.pcmBuffer) == 0 {
		e.bufferStartedAt = now
		e.lastVoiceAt = now
	}

	samples := bytesToInt16(pcm)
	rms := audio.CalculateRMS(samples)
	if rms >= e.rmsThreshold {
		e.lastVoiceAt = now
	}

	e.pcmBuffer = append(e.pcmBuffer, pcm...)

	silentFor := now.Sub(e.lastVoiceAt)
	bufferedFor := now.Sub(e.bufferStartedAt)

	shouldFlush := (silentFor >= e.silenceDuration && bufferedFor > e.silenceDuration) ||
		bufferedFor >= e.maxBufferDuration

	var toFlush []byte
	if shouldFlush && len(e.pcmBuffer) > 0 {
		toFlush = make([]byte, len(e.pcmBuffer))
		copy(toFlush, e.pcmBuffer)
		e.pcmBuffer = e.pcmBuffer[:0]
	}
	ctx := e.ctx
	e.mu.Unlock()

	if toFlush != nil {
		durationMs := (len(toFlush) / 2) * 1000 / sampleRateHz
		if time.Duration(durationMs)*time.Millisecond < e.minUtteranceDuration {
			e.logger.Debug().Int("duration_ms", durationMs).Msg("discarding sub-minimum utterance")
			return nil
		}
		go e.recognize(ctx, toFlush)
	}

	return nil
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

type inferenceResponse struct {
	Text string `json:"text"`
}

func (e *Engine) recognize(ctx context.Context, pcm []byte) {
	wav := encodeWAV(pcm, sampleRateHz)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		e.logger.Error().Err(err).Msg("building whisper request")
		return
	}
	if _, err := part.Write(wav); err != nil {
		e.logger.Error().Err(err).Msg("writing whisper request body")
		return
	}
	_ = writer.WriteField("response_format", "json")
	if err := writer.Close(); err != nil {
		e.logger.Error().Err(err).Msg("closing whisper multipart writer")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		e.logger.Error().Err(err).Msg("creating whisper request")
		return
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Error().Err(err).Msg("calling whisper server")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.logger.Error().Int("status", resp.StatusCode).Msg("whisper server returned non-200")
		return
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		e.logger.Error().Err(err).Msg("decoding whisper response")
		return
	}

	if parsed.Text == "" || stt.IsSilenceMarker(parsed.Text) {
		return
	}

	result := &stt.TranscriptionResult{
		Text:      parsed.Text,
		IsFinal:   true,
		Duration:  time.Since(start).Seconds(),
		StartTime: 0,
	}

	select {
	case e.transcript <- result:
	default:
		e.logger.Warn().Msg("transcript channel full, dropping whisper result")
	}
}

// GetTranscription returns the channel of transcription results.
func (e *Engine) GetTranscription() <-chan *stt.TranscriptionResult {
	return e.transcript
}

// Stop ends the buffering session without flushing a partial utterance.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isActive {
		return nil
	}
	e.isActive = false
	e.pcmBuffer = e.pcmBuffer[:0]
	return nil
}

// Close stops the engine and releases its transcript channel.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.Stop(); err != nil {
		return err
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(e.transcript)
	}()
	return nil
}

// encodeWAV wraps raw PCM16 mono samples in a minimal WAV container, since
// the whisper.cpp server's /inference endpoint expects a file upload.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	dataLen := uint32(len(pcm))
	byteRate := uint32(sampleRate * 2)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)

	return buf.Bytes()
}

var _ stt.Engine = (*Engine)(nil)
