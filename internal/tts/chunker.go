package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// abbreviations are protected from sentence-boundary splitting: a period
// following one of these (case-insensitive) is not treated as a sentence end.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true,
	"jr": true, "vs": true, "etc": true, "inc": true, "ltd": true, "co": true,
	"corp": true, "st": true, "ave": true, "blvd": true, "rd": true, "apt": true,
	"dept": true, "est": true, "vol": true, "rev": true, "gen": true, "col": true,
	"lt": true, "sgt": true, "capt": true, "cmdr": true, "adm": true, "gov": true,
	"pres": true, "sen": true, "rep": true, "hon": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true, "jul": true,
	"aug": true, "sep": true, "sept": true, "oct": true, "nov": true, "dec": true,
	"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
	"i.e": true, "e.g": true, "cf": true, "al": true, "approx": true, "govt": true, "univ": true, "assn": true,
}

const placeholderPeriod = " PD "

var (
	abbrevPattern  = regexp.MustCompile(`(?i)\b([a-z]+)\.`)
	decimalPattern = regexp.MustCompile(`(\d)\.(\d)`)
	ellipsisPattern = regexp.MustCompile(`\.\.\.`)

	// sentenceBoundaryPattern finds candidate split points: terminal
	// punctuation followed by whitespace. Go's RE2 engine supports neither
	// lookahead nor lookbehind, so the "next sentence starts with a capital
	// letter" requirement is checked separately in splitOnSentenceBoundaries
	// rather than folded into the pattern.
	sentenceBoundaryPattern = regexp.MustCompile(`[.!?]\s+`)
	clauseSplitPattern      = regexp.MustCompile(`(?:[,;])\s+|\s+(?:and|but|or|so|because|however|therefore)\s+`)
)

// splitOnSentenceBoundaries splits protected text at [.!?] followed by
// whitespace, but only where the next sentence begins with an uppercase
// letter (or nothing follows at all). A lowercase continuation after
// terminal punctuation is presumed to be the same sentence run on, matching
// how the original sentence splitter treats it: this avoids over-splitting
// lowercase STT output and filler punctuation mid-thought.
func splitOnSentenceBoundaries(text string) []string {
	matches := sentenceBoundaryPattern.FindAllStringIndex(text, -1)
	if matches == nil {
		return []string{text}
	}

	var sentences []string
	start := 0
	for _, m := range matches {
		punctEnd, wsEnd := m[0]+1, m[1]
		if wsEnd >= len(text) {
			continue // trailing punctuation with no following sentence; keep as one piece
		}
		r, _ := utf8.DecodeRuneInString(text[wsEnd:])
		if !unicode.IsUpper(r) {
			continue
		}
		sentences = append(sentences, text[start:punctEnd])
		start = wsEnd
	}
	sentences = append(sentences, text[start:])
	return sentences
}

// protectPeriods replaces periods that should NOT be treated as sentence
// boundaries (abbreviations, decimals, ellipses) with a placeholder so the
// sentence splitter's regex can safely split on the remainder.
func protectPeriods(text string) string {
	text = ellipsisPattern.ReplaceAllString(text, placeholderPeriod+placeholderPeriod+placeholderPeriod)

	text = decimalPattern.ReplaceAllString(text, "$1"+placeholderPeriod+"$2")

	text = abbrevPattern.ReplaceAllStringFunc(text, func(m string) string {
		word := strings.ToLower(strings.TrimSuffix(m, "."))
		if abbreviations[word] {
			return m[:len(m)-1] + placeholderPeriod
		}
		return m
	})

	return text
}

func restorePeriods(text string) string {
	return strings.ReplaceAll(text, placeholderPeriod, ".")
}

// SplitSentences splits text into sentences, protecting abbreviations,
// decimals, and ellipses from false splits, then merges any sentence
// shorter than minChunkLength into its neighbor so downstream TTS requests
// aren't fired for trivially short fragments ("Yes." "No." "Okay.").
func SplitSentences(text string, minChunkLength int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	protected := protectPeriods(text)
	raw := splitOnSentenceBoundaries(protected)

	sentences := make([]string, 0, len(raw))
	for _, s := range raw {
		s = restorePeriods(strings.TrimSpace(s))
		if s != "" {
			sentences = append(sentences, s)
		}
	}

	return mergeShortSentences(sentences, minChunkLength)
}

func mergeShortSentences(sentences []string, minChunkLength int) []string {
	if len(sentences) == 0 {
		return sentences
	}

	merged := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if len(merged) > 0 && len(merged[len(merged)-1]) < minChunkLength {
			merged[len(merged)-1] = merged[len(merged)-1] + " " + s
			continue
		}
		merged = append(merged, s)
	}

	return merged
}

// SplitForTTS produces the chunks actually sent to the TTS engine: it splits
// text into sentences, then further splits any sentence longer than
// maxChunkLength on clause boundaries (commas, semicolons, and coordinating
// conjunctions) so no single TTS request is long enough to add noticeable
// time-to-first-audio latency.
func SplitForTTS(text string, minChunkLength, maxChunkLength int) []string {
	sentences := SplitSentences(text, minChunkLength)

	out := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if len(s) <= maxChunkLength {
			out = append(out, s)
			continue
		}
		out = append(out, splitLongSentence(s, maxChunkLength)...)
	}
	return out
}

func splitLongSentence(sentence string, maxChunkLength int) []string {
	parts := clauseSplitPattern.Split(sentence, -1)
	if len(parts) <= 1 {
		return []string{sentence}
	}

	var out []string
	var current strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() == 0 {
			current.WriteString(p)
			continue
		}
		if current.Len()+1+len(p) <= maxChunkLength {
			current.WriteString(" ")
			current.WriteString(p)
		} else {
			out = append(out, current.String())
			current.Reset()
			current.WriteString(p)
		}
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
