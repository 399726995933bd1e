package tts

// ChunkFrames splits already-encoded PCMU audio into fixed-size frames
// (160 bytes = 20ms at 8kHz) suitable for the telephony sender's paced
// outbound delivery, mirroring the reference implementation's 20ms framing.
func ChunkFrames(data []byte, frameSize int) [][]byte {
	if frameSize <= 0 {
		frameSize = 160
	}
	if len(data) == 0 {
		return nil
	}

	frames := make([][]byte, 0, (len(data)+frameSize-1)/frameSize)
	for start := 0; start < len(data); start += frameSize {
		end := start + frameSize
		if end > len(data) {
			end = len(data)
		}
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)
	}
	return frames
}

// Utterance splits response text into sentence-level chunks ready to be
// synthesized one at a time, so the caller hears the first words as soon as
// possible instead of waiting for the whole response to render.
func Utterance(text string, minChunkLength, maxChunkLength int) []string {
	return SplitForTTS(text, minChunkLength, maxChunkLength)
}
