// Package eot provides end-of-turn prediction: given the recent
// conversation history and a candidate fragment of caller speech, it scores
// the probability that the caller has finished their turn.
//
// The reference implementation this service is modeled on used a small
// fine-tuned transformer classifier served through ONNX Runtime. No Go
// binding for that runtime appears anywhere in this codebase's dependency
// set, so Classifier is a heuristic stand-in: it scores turn-completeness
// from surface features (trailing punctuation, dangling conjunctions,
// short-fragment detection, question form) instead of a learned model. The
// Predictor interface is what the rest of the pipeline depends on, so a
// model-backed implementation can be swapped in later without touching the
// turn controller.
package eot

import (
	"strings"
)

// Turn is one entry in the short rolling history fed to the predictor.
type Turn struct {
	Speaker string // "user" or "agent"
	Text    string
}

// Predictor scores the probability that text completes the caller's turn.
type Predictor interface {
	// Predict returns a probability in [0, 1] that the given candidate text
	// is a complete end-of-turn utterance, given the recent history.
	Predict(history []Turn, candidate string) float64
}

// Classifier is the heuristic Predictor used when no model-backed
// implementation is configured.
type Classifier struct {
	historyTurns int
}

// NewClassifier creates a heuristic Predictor. historyTurns (default 4, as
// in the reference model) is stored on the Classifier but not read by
// Predict, which looks only at the most recent turn of the history it gets.
func NewClassifier(historyTurns int) *Classifier {
	if historyTurns <= 0 {
		historyTurns = 4
	}
	return &Classifier{historyTurns: historyTurns}
}

var danglingWords = map[string]bool{
	"and": true, "but": true, "or": true, "so": true, "because": true,
	"if": true, "when": true, "which": true, "that": true, "the": true,
	"a": true, "an": true, "to": true, "of": true, "for": true, "with": true,
	"um": true, "uh": true, "like": true, "i": true, "my": true, "is": true,
	"are": true, "was": true, "were": true,
}

var questionStarters = map[string]bool{
	"what": true, "when": true, "where": true, "who": true, "why": true,
	"how": true, "can": true, "could": true, "would": true, "will": true,
	"do": true, "does": true, "did": true, "is": true, "are": true,
}

// normalize lowercases and strips punctuation other than apostrophes and
// hyphens, matching the normalization the reference model's tokenizer
// performed before scoring.
func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'', r == '-', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Predict implements Predictor.
func (c *Classifier) Predict(history []Turn, candidate string) float64 {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return 0.0
	}

	norm := normalize(trimmed)
	words := strings.Fields(norm)
	if len(words) == 0 {
		return 0.0
	}

	score := 0.5

	lastChar := trimmed[len(trimmed)-1]
	switch lastChar {
	case '.', '!', '?':
		score += 0.3
	case ',', ';', ':', '-':
		score -= 0.35
	}

	if danglingWords[words[len(words)-1]] {
		score -= 0.3
	}

	if questionStarters[words[0]] && lastChar == '?' {
		score += 0.1
	}

	// very short fragments read as incomplete unless strongly punctuated
	if len(words) <= 2 && lastChar != '.' && lastChar != '!' && lastChar != '?' {
		score -= 0.2
	}

	// a caller picking back up mid-thought right after their own last turn
	// (no intervening agent turn) reads as less likely to be done
	if n := len(history); n > 0 && history[n-1].Speaker == "user" {
		score -= 0.1
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// RecentHistory trims history to the last n turns, matching the reference
// model's fixed context window.
func RecentHistory(history []Turn, n int) []Turn {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
