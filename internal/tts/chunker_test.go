package tts

import "testing"

func TestSplitSentences_BasicSplit(t *testing.T) {
	got := SplitSentences("Hello there. How are you today? I am doing well.", 5)
	want := []string{"Hello there.", "How are you today?", "I am doing well."}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSplitSentences_ProtectsAbbreviations(t *testing.T) {
	got := SplitSentences("Please see Dr. Smith at 3pm. He is expecting you.", 5)
	if len(got) != 2 {
		t.Fatalf("expected abbreviation to not cause a split, got %d sentences: %v", len(got), got)
	}
	if got[0] != "Please see Dr. Smith at 3pm." {
		t.Errorf("unexpected first sentence: %q", got[0])
	}
}

func TestSplitSentences_ProtectsDecimals(t *testing.T) {
	got := SplitSentences("That will be 19.99 dollars. Thanks for calling.", 5)
	if len(got) != 2 {
		t.Fatalf("expected decimal to not cause a split, got %d sentences: %v", len(got), got)
	}
	if got[0] != "That will be 19.99 dollars." {
		t.Errorf("unexpected first sentence: %q", got[0])
	}
}

func TestSplitSentences_ProtectsEllipsis(t *testing.T) {
	got := SplitSentences("Well... I suppose that could work. Let me check.", 5)
	if len(got) != 2 {
		t.Fatalf("expected ellipsis to not cause a split, got %d sentences: %v", len(got), got)
	}
}

func TestSplitSentences_MergesShortSentences(t *testing.T) {
	got := SplitSentences("Yes. No. That sounds like a reasonable plan to me.", 15)
	if len(got) != 1 {
		t.Fatalf("expected short sentences merged into one, got %d: %v", len(got), got)
	}
}

func TestSplitForTTS_SplitsLongSentenceOnClauses(t *testing.T) {
	long := "We can schedule your appointment for Tuesday morning, or if that does not work we could do Wednesday afternoon instead, whichever is more convenient for you."
	got := SplitForTTS(long, 15, 60)
	if len(got) < 2 {
		t.Fatalf("expected long sentence split into multiple chunks, got %d: %v", len(got), got)
	}
	for _, c := range got {
		if len(c) > 90 {
			t.Errorf("chunk exceeds reasonable bound: %q (%d chars)", c, len(c))
		}
	}
}

func TestSplitForTTS_ShortSentenceUnchanged(t *testing.T) {
	got := SplitForTTS("Sure, I can help with that.", 5, 200)
	if len(got) != 1 || got[0] != "Sure, I can help with that." {
		t.Errorf("expected single unchanged chunk, got %v", got)
	}
}

func TestSplitSentences_NoSplitBeforeLowercaseContinuation(t *testing.T) {
	got := SplitSentences("okay. so the appointment is on tuesday. does that work for you?", 5)
	if len(got) != 1 {
		t.Fatalf("expected lowercase-continuation punctuation to not cause a split, got %d sentences: %v", len(got), got)
	}
	want := "okay. so the appointment is on tuesday. does that work for you?"
	if got[0] != want {
		t.Errorf("unexpected sentence: %q", got[0])
	}
}

func TestSplitSentences_EmptyInput(t *testing.T) {
	if got := SplitSentences("", 15); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}
