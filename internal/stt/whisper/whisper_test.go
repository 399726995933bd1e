package whisper

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func silentPCM(samples int) []byte {
	return make([]byte, samples*2)
}

func loudPCM(samples int, amplitude int16) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestEncodeWAV_HasRIFFHeader(t *testing.T) {
	wav := encodeWAV(silentPCM(100), 16000)
	if string(wav[0:4]) != "RIFF" {
		t.Errorf("expected RIFF header, got %q", wav[0:4])
	}
	if string(wav[8:12]) != "WAVE" {
		t.Errorf("expected WAVE format tag, got %q", wav[8:12])
	}
}

func TestEngine_FlushesAfterSilence(t *testing.T) {
	var gotRequest bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequest = true
		json.NewEncoder(w).Encode(inferenceResponse{Text: "hello world"})
	}))
	defer server.Close()

	e := New(server.URL, zerolog.Nop(),
		WithSilenceDuration(10*time.Millisecond),
		WithMinUtteranceDuration(0),
	)
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Close()

	if err := e.SendAudio(loudPCM(1600, 10000)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := e.SendAudio(silentPCM(1600)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	select {
	case result := <-e.GetTranscription():
		if result.Text != "hello world" {
			t.Errorf("expected transcription 'hello world', got %q", result.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcription result")
	}

	if !gotRequest {
		t.Errorf("expected whisper server to receive a request")
	}
}

func TestEngine_StartTwiceFails(t *testing.T) {
	e := New("http://localhost:9", zerolog.Nop())
	if err := e.Start(); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer e.Close()
	if err := e.Start(); err == nil {
		t.Errorf("expected error starting an already-active engine")
	}
}

func TestEngine_SendAudioBeforeStartFails(t *testing.T) {
	e := New("http://localhost:9", zerolog.Nop())
	if err := e.SendAudio(silentPCM(10)); err == nil {
		t.Errorf("expected error sending audio before Start")
	}
}
