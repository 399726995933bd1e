package telephony

import "testing"

func TestUpsampleLinear2x_DoublesLength(t *testing.T) {
	in := []int16{100, 200, 300, 400}
	out := upsampleLinear2x(in)
	if len(out) != len(in)*2 {
		t.Fatalf("expected length %d, got %d", len(in)*2, len(out))
	}
	if out[0] != 100 || out[2] != 200 {
		t.Errorf("expected original samples preserved at even indices, got %v", out)
	}
}

func TestUpsampleLinear2x_EmptyInput(t *testing.T) {
	if out := upsampleLinear2x(nil); len(out) != 0 {
		t.Errorf("expected empty output for empty input, got %v", out)
	}
}

func TestEncodeOutboundFrames_SplitsInto160ByteFrames(t *testing.T) {
	// 24kHz PCM16, 1 second of silence: 24000 samples * 2 bytes.
	pcm := make([]byte, 24000*2)
	frames, err := EncodeOutboundFrames(pcm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, f := range frames[:len(frames)-1] {
		if len(f) != outboundFrameBytes {
			t.Errorf("frame %d: expected %d bytes, got %d", i, outboundFrameBytes, len(f))
		}
	}
}

func TestEncodeOutboundFrames_EmptyInputErrors(t *testing.T) {
	if _, err := EncodeOutboundFrames(nil); err == nil {
		t.Errorf("expected error for empty PCM input")
	}
}
