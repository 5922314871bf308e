// Package pause implements the Pause Manager: it decides where natural
// pauses belong in upcoming speech and synthesizes the silence (with a
// touch of adaptive jitter, so repeated pauses don't sound mechanical).
package pause

import "math"

// Kind is the punctuation-driven pause category this package distinguishes,
// each with its own base duration.
type Kind int

const (
	KindComma Kind = iota
	KindSentence
	KindParagraph
	KindEllipsis
)

// baseDurationMs are the nominal pause lengths at a 1.0 speech rate.
var baseDurationMs = map[Kind]float64{
	KindComma:     150,
	KindSentence:  350,
	KindParagraph: 600,
	KindEllipsis:  450,
}

// Marker is one point in a text where a pause should be inserted, with the
// rune (not byte) offset into the text it follows.
type Marker struct {
	Offset int
	Kind   Kind
}

// Analyze scans text for punctuation that implies a natural pause and
// returns the ordered set of markers found. Offsets point at the
// punctuation rune itself.
func Analyze(text string) []Marker {
	var markers []Marker
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case ',':
			markers = append(markers, Marker{Offset: i, Kind: KindComma})
		case '.':
			runEnd := i
			for runEnd+1 < len(runes) && runes[runEnd+1] == '.' {
				runEnd++
			}
			if runEnd-i+1 >= 3 {
				markers = append(markers, Marker{Offset: runEnd, Kind: KindEllipsis})
			} else {
				markers = append(markers, Marker{Offset: runEnd, Kind: KindSentence})
			}
			i = runEnd
		case '!', '?':
			markers = append(markers, Marker{Offset: i, Kind: KindSentence})
		case '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				markers = append(markers, Marker{Offset: i, Kind: KindParagraph})
			}
		}
	}
	return markers
}

// Segment is one piece of the original text interleaved with the pause
// that follows it (DurationMs == 0 only for a trailing segment of text
// after the last marker, which has no pause after it).
type Segment struct {
	Text       string
	DurationMs float64
}

// Config tunes how pause durations scale with delivery speed and vary
// call to call.
type Config struct {
	SpeechRate  float64 // 1.0 = nominal; >1 speeds up speech, shortening pauses
	JitterRatio float64 // fractional +/- randomization applied to each pause
}

// DefaultConfig matches nominal conversational delivery.
func DefaultConfig() Config {
	return Config{SpeechRate: 1.0, JitterRatio: 0.15}
}

// InsertPauses splits text at its analyzed pause markers into segments,
// each carrying the duration of the pause that follows it, scaled by the
// configured speech rate and jittered deterministically from the given
// seed so repeated calls with the same seed reproduce the same timing.
func InsertPauses(text string, cfg Config, seed uint64) []Segment {
	markers := Analyze(text)
	if len(markers) == 0 {
		return []Segment{{Text: text}}
	}

	runes := []rune(text)
	rng := newLCG(seed)

	segments := make([]Segment, 0, len(markers)+1)
	start := 0
	for _, m := range markers {
		end := m.Offset + 1
		segments = append(segments, Segment{
			Text:       string(runes[start:end]),
			DurationMs: GeneratePause(m.Kind, cfg, rng),
		})
		start = end
	}
	if start < len(runes) {
		segments = append(segments, Segment{Text: string(runes[start:])})
	}
	return segments
}

// GeneratePause computes one pause duration for the given kind: the base
// duration scaled inversely by speech rate, then jittered by +/-
// JitterRatio using the supplied deterministic source.
func GeneratePause(kind Kind, cfg Config, rng *lcg) float64 {
	base := baseDurationMs[kind]
	rate := cfg.SpeechRate
	if rate <= 0 {
		rate = 1.0
	}
	scaled := base / rate

	jitter := 1.0
	if cfg.JitterRatio > 0 {
		jitter = 1.0 + (rng.nextFloat() * cfg.JitterRatio)
	}
	result := scaled * jitter
	if result < 0 {
		result = 0
	}
	return result
}

// lcg is a small deterministic linear congruential generator, used instead
// of math/rand so pause timing is reproducible call to call given the
// same seed.
type lcg struct{ state uint64 }

func newLCG(seed uint64) *lcg { return &lcg{state: seed} }

// NewRNG exposes the package's deterministic RNG to callers of
// GeneratePause outside this package.
func NewRNG(seed uint64) *lcg { return newLCG(seed) }

func (g *lcg) nextFloat() float64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	top := uint32(g.state >> 32)
	return (float64(top)/float64(math.MaxUint32))*2 - 1
}
