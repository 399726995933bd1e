package stt

import "strings"

// silenceMarkers are transcripts a recognizer emits for audio it judged to
// contain no speech, rather than leaving the text empty. whisper.cpp and
// compatible servers return these verbatim instead of "".
var silenceMarkers = map[string]bool{
	"[blank_audio]": true,
	"[silence]":     true,
	"...":           true,
	"(silence)":     true,
}

// IsSilenceMarker reports whether text is a known silence placeholder rather
// than real transcribed speech, so callers can suppress it the same way they
// would suppress an empty final.
func IsSilenceMarker(text string) bool {
	return silenceMarkers[strings.ToLower(strings.TrimSpace(text))]
}

// TranscriptionResult represents a transcription result from an STT engine.
type TranscriptionResult struct {
	// Text is the transcribed text.
	Text string

	// IsFinal indicates if this is a final transcription (true) or interim (false).
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available.
	Confidence float64

	// StartTime is the start time of the utterance in seconds.
	StartTime float64

	// Duration is the duration of the utterance in seconds.
	Duration float64
}

// Engine is the interface satisfied by a speech-to-text adapter, whether a
// streaming third-party API (Deepgram) or a local buffered recognizer
// (whisper.cpp over HTTP).
type Engine interface {
	// Start begins a new transcription session.
	Start() error

	// SendAudio sends an audio chunk to the STT service.
	SendAudio(audioData []byte) error

	// GetTranscription returns the channel of transcription results.
	GetTranscription() <-chan *TranscriptionResult

	// Stop stops the transcription session.
	Stop() error

	// Close closes the client and cleans up resources.
	Close() error
}
