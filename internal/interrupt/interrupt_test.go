package interrupt

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type fakeTTS struct{ stopped int }

func (f *fakeTTS) Stop() error { f.stopped++; return nil }

type fakeDrainer struct{ drained int }

func (f *fakeDrainer) DrainOutbound() int { f.drained++; return 3 }

type fakeSender struct {
	sent int
	err  error
}

func (f *fakeSender) SendClear() error { f.sent++; return f.err }

type fakeSpeaking struct{ value bool }

func (f *fakeSpeaking) SetSpeaking(v bool) { f.value = v }

func TestCoordinator_FireRunsAllStepsInOrder(t *testing.T) {
	tts := &fakeTTS{}
	drainer := &fakeDrainer{}
	sender := &fakeSender{}
	speaking := &fakeSpeaking{value: true}

	c := New(tts, drainer, sender, speaking, zerolog.Nop())
	c.Fire()

	if tts.stopped != 1 {
		t.Errorf("expected tts stopped once, got %d", tts.stopped)
	}
	if drainer.drained != 1 {
		t.Errorf("expected drain called once, got %d", drainer.drained)
	}
	if sender.sent != 1 {
		t.Errorf("expected clear sent once, got %d", sender.sent)
	}
	if speaking.value {
		t.Errorf("expected speaking flag cleared")
	}
}

func TestCoordinator_FireIsIdempotentAcrossRepeatedCalls(t *testing.T) {
	tts := &fakeTTS{}
	drainer := &fakeDrainer{}
	sender := &fakeSender{}
	speaking := &fakeSpeaking{value: true}

	c := New(tts, drainer, sender, speaking, zerolog.Nop())
	c.Fire()
	c.Fire()

	if speaking.value {
		t.Errorf("expected speaking flag to remain false after repeated fires")
	}
	if tts.stopped != 2 || sender.sent != 2 {
		t.Errorf("expected each step to re-run safely on repeated fire")
	}
}

func TestCoordinator_ClearSendErrorDoesNotBlockSpeakingReset(t *testing.T) {
	tts := &fakeTTS{}
	drainer := &fakeDrainer{}
	sender := &fakeSender{err: errors.New("ws closed")}
	speaking := &fakeSpeaking{value: true}

	c := New(tts, drainer, sender, speaking, zerolog.Nop())
	c.Fire()

	if speaking.value {
		t.Errorf("expected speaking flag cleared even when clear send fails")
	}
}

func TestCoordinator_InFlightFalseAfterCompletion(t *testing.T) {
	c := New(&fakeTTS{}, &fakeDrainer{}, &fakeSender{}, &fakeSpeaking{}, zerolog.Nop())
	c.Fire()
	if c.InFlight() {
		t.Errorf("expected InFlight false once Fire returns")
	}
}
