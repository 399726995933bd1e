// Package telephony implements the Media Transport: parsing the provider's
// JSON-framed WebSocket events, codec transcoding between the 8kHz µ-law
// telephony leg and 16/24kHz PCM16 used internally, and pacing outbound
// frames at 20ms so the provider's jitter buffer never bursts.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/northbay-labs/callpilot/internal/audio"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Validate against the telephony provider's published IP ranges in production.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Upgrade promotes an inbound HTTP request to a WebSocket connection for
// the telephony provider's Media Streams protocol.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// InboundEvent is a parsed event from the provider.
type InboundEvent struct {
	Event      string
	StreamSID  string
	AccountSID string
	CallSID    string
	Media      *MediaPayload
	Start      *StartPayload
	Stop       *StopPayload
}

// MediaPayload is the base64 µ-law payload carried by a "media" event.
type MediaPayload struct {
	Track     string
	Chunk     string
	Timestamp string
	Payload   string
}

// StartPayload carries the call/stream identity and custom parameters sent
// with the "start" event.
type StartPayload struct {
	AccountSID       string
	CallSID          string
	StreamSID        string
	Tracks           []string
	CustomParameters map[string]any
}

// StopPayload carries the call/stream identity sent with the "stop" event.
type StopPayload struct {
	AccountSID string
	CallSID    string
	StreamSID  string
}

type wireMessage struct {
	Event      string `json:"event"`
	StreamSid  string `json:"streamSid,omitempty"`
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
	Tracks     []string `json:"tracks,omitempty"`
	Media      *wireMedia `json:"media,omitempty"`
	Start      *wireStart `json:"start,omitempty"`
	Stop       *wireStop  `json:"stop,omitempty"`
	Mark       *wireMark  `json:"mark,omitempty"`
	Dtmf       *wireDTMF  `json:"dtmf,omitempty"`
	Error      *wireError `json:"error,omitempty"`
}

type wireMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

type wireStart struct {
	AccountSid       string                 `json:"accountSid"`
	CallSid          string                 `json:"callSid"`
	Tracks           []string               `json:"tracks"`
	StreamSid        string                 `json:"streamSid"`
	CustomParameters map[string]interface{} `json:"customParameters,omitempty"`
}

type wireStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
	StreamSid  string `json:"streamSid"`
}

type wireMark struct {
	Name string `json:"name"`
}

type wireDTMF struct {
	Digits string `json:"digits"`
}

type wireError struct {
	Reason string `json:"reason"`
}

const (
	inboundFrameSamples  = 160   // 20ms @ 8kHz
	outboundFrameBytes   = 160   // 20ms @ 8kHz µ-law
	outboundFramePeriod  = 20 * time.Millisecond
)

// Transport owns the raw WebSocket connection for one call and translates
// between the provider's wire protocol and internal PCM16 frames.
type Transport struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	mu        sync.Mutex
	streamSID string

	// resample state fields; nothing reads or writes them. upsampleLinear2x
	// works on one frame at a time and repeats a frame's last sample rather
	// than interpolating toward the next frame.
	upsampleState   float64
	downsampleState float64
}

// New wraps an upgraded WebSocket connection.
func New(conn *websocket.Conn, logger zerolog.Logger) *Transport {
	return &Transport{conn: conn, logger: logger.With().Str("component", "telephony").Logger()}
}

// ReadEvent blocks for the next provider event. It returns (nil, err) on a
// WebSocket-level failure (including disconnect), or a parsed event with
// Event == "" skipped silently by the caller on a malformed-but-not-fatal frame.
func (t *Transport) ReadEvent() (*InboundEvent, error) {
	_, raw, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.logger.Error().Err(err).Msg("failed to parse provider frame")
		return &InboundEvent{}, nil
	}

	evt := &InboundEvent{Event: msg.Event, StreamSID: msg.StreamSid, AccountSID: msg.AccountSid, CallSID: msg.CallSid}
	if msg.Media != nil {
		evt.Media = &MediaPayload{Track: msg.Media.Track, Chunk: msg.Media.Chunk, Timestamp: msg.Media.Timestamp, Payload: msg.Media.Payload}
	}
	if msg.Start != nil {
		evt.Start = &StartPayload{
			AccountSID: msg.Start.AccountSid, CallSID: msg.Start.CallSid,
			StreamSID: msg.Start.StreamSid, Tracks: msg.Start.Tracks,
			CustomParameters: msg.Start.CustomParameters,
		}
		t.mu.Lock()
		t.streamSID = msg.Start.StreamSid
		t.mu.Unlock()
	}
	if msg.Stop != nil {
		evt.Stop = &StopPayload{AccountSID: msg.Stop.AccountSid, CallSID: msg.Stop.CallSid, StreamSID: msg.Stop.StreamSid}
	}
	return evt, nil
}

// DecodeInboundMedia decodes a media event's base64 µ-law payload, converts
// it to PCM16@8k, and upsamples to PCM16@16k for STT and VAD.
func (t *Transport) DecodeInboundMedia(media *MediaPayload) ([]int16, error) {
	b64 := media.Chunk
	if b64 == "" {
		b64 = media.Payload
	}
	if b64 == "" {
		return nil, fmt.Errorf("media event missing chunk/payload")
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64 media payload: %w", err)
	}

	pcm8k, err := audio.ConvertPCMUToPCM(raw)
	if err != nil {
		return nil, fmt.Errorf("mulaw to pcm: %w", err)
	}

	samples8k := make([]int16, len(pcm8k)/2)
	for i := range samples8k {
		samples8k[i] = int16(pcm8k[i*2]) | int16(pcm8k[i*2+1])<<8
	}

	return upsampleLinear2x(samples8k), nil
}

// upsampleLinear2x doubles the sample rate via linear interpolation (8kHz -> 16kHz).
func upsampleLinear2x(samples []int16) []int16 {
	if len(samples) == 0 {
		return samples
	}
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		if i+1 < len(samples) {
			out[i*2+1] = int16((int32(s) + int32(samples[i+1])) / 2)
		} else {
			out[i*2+1] = s
		}
	}
	return out
}

// EncodeOutboundFrames takes PCM16@24kHz TTS audio, downsamples to 8kHz,
// encodes to µ-law, and splits into 20ms (160-byte) frames ready to send.
func EncodeOutboundFrames(pcm24k []byte) ([][]byte, error) {
	pcmu8k, err := audio.ConvertPCMToPCMU(pcm24k, 24000, 8000)
	if err != nil {
		return nil, fmt.Errorf("pcm24k to pcmu8k: %w", err)
	}

	var frames [][]byte
	for i := 0; i < len(pcmu8k); i += outboundFrameBytes {
		end := i + outboundFrameBytes
		if end > len(pcmu8k) {
			end = len(pcmu8k)
		}
		frames = append(frames, pcmu8k[i:end])
	}
	return frames, nil
}

// SendMediaFrame sends one 20ms µ-law frame to the provider.
func (t *Transport) SendMediaFrame(frame []byte) error {
	t.mu.Lock()
	streamSID := t.streamSID
	t.mu.Unlock()

	msg := wireMessage{
		Event:     "media",
		StreamSid: streamSID,
		Media:     &wireMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	}
	return t.conn.WriteJSON(msg)
}

// SendFramesPaced sends a sequence of outbound frames at 20ms intervals,
// returning early if ctx-like cancellation is signalled via stop. Returning
// the number of frames actually sent lets the caller account for a
// mid-playback interrupt.
func (t *Transport) SendFramesPaced(frames [][]byte, stop <-chan struct{}) (int, error) {
	ticker := time.NewTicker(outboundFramePeriod)
	defer ticker.Stop()

	sent := 0
	for _, frame := range frames {
		select {
		case <-stop:
			return sent, nil
		case <-ticker.C:
			if err := t.SendMediaFrame(frame); err != nil {
				return sent, err
			}
			sent++
		}
	}
	return sent, nil
}

// SendClear sends the provider's buffered-playback-flush control event.
func (t *Transport) SendClear() error {
	t.mu.Lock()
	streamSID := t.streamSID
	t.mu.Unlock()

	return t.conn.WriteJSON(wireMessage{Event: "clear", StreamSid: streamSID})
}

// SendMark sends a playback checkpoint the provider will echo back later.
func (t *Transport) SendMark(name string) error {
	t.mu.Lock()
	streamSID := t.streamSID
	t.mu.Unlock()

	return t.conn.WriteJSON(wireMessage{Event: "mark", StreamSid: streamSID, Mark: &wireMark{Name: name}})
}

// SendDTMF sends in-band touch tones on the active call, the way the
// original implementation's DTMFSender pushes digits over the same media
// stream used for TTS playback.
func (t *Transport) SendDTMF(digits string) error {
	t.mu.Lock()
	streamSID := t.streamSID
	t.mu.Unlock()

	return t.conn.WriteJSON(wireMessage{Event: "dtmf", StreamSid: streamSID, Dtmf: &wireDTMF{Digits: digits}})
}

// SendError notifies the provider that the session is aborting before the
// connection closes, so it is visible in the provider's own call logs
// rather than surfacing only as an unexplained disconnect.
func (t *Transport) SendError(reason string) error {
	t.mu.Lock()
	streamSID := t.streamSID
	t.mu.Unlock()

	return t.conn.WriteJSON(wireMessage{Event: "error", StreamSid: streamSID, Error: &wireError{Reason: reason}})
}

// Close closes the underlying WebSocket connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// IsUnexpectedClose reports whether err represents an abnormal close (as
// opposed to the provider's normal going-away close).
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}
