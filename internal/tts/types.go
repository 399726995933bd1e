package tts

// AudioChunk represents a chunk of audio data ready for streaming.
type AudioChunk struct {
	Data       []byte // Raw audio data (PCMU format for the telephony leg)
	SampleRate int    // Sample rate in Hz (8000 for the telephony leg)
	Channels   int    // Number of channels (1 for mono)
}

// Engine is the interface a TTS backend must satisfy. A session synthesizes
// one sentence-level chunk at a time (see SplitForTTS) so the first audio
// chunk reaches the caller as early as possible.
type Engine interface {
	// Synthesize converts text to audio and streams it back in chunks.
	Synthesize(text string) (<-chan *AudioChunk, error)

	// Stop stops any ongoing synthesis.
	Stop() error

	// Close closes the client and cleans up resources.
	Close() error

	// IsActive returns whether the client is currently synthesizing.
	IsActive() bool
}
