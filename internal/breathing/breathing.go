// Package breathing synthesizes short natural-breath audio segments and
// decides when to insert them between speech.
package breathing

import "math"

// Kind distinguishes the four breath shapes this package generates.
type Kind int

const (
	// KindNormal is the default breath taken at an ordinary sentence
	// boundary.
	KindNormal Kind = iota
	// KindDeep is the larger breath ShouldInsert picks after a finished
	// sentence of more than 25 words.
	KindDeep
	// KindQuick is a short, unobtrusive breath for brief pauses.
	KindQuick
	// KindSigh is the longest, most relaxed breath, used at a long pause.
	KindSigh
)

const sampleRateHz = 16000

// formantHz is each kind's characteristic tonal frequency.
var formantHz = map[Kind]float64{
	KindNormal: 100,
	KindDeep:   50,
	KindQuick:  150,
	KindSigh:   80,
}

// intensityMultiplier scales Config.BaseIntensity per kind.
var intensityMultiplier = map[Kind]float64{
	KindNormal: 1.0,
	KindDeep:   1.5,
	KindQuick:  0.7,
	KindSigh:   1.2,
}

// Config bounds generated breath duration and loudness.
type Config struct {
	MinDurationMs float64 // quick breath duration
	MaxDurationMs float64 // deep breath duration ceiling
	BaseIntensity float64 // 0..1, normal-breath loudness before PeakAmplitude scaling
	PeakAmplitude int16   // positive int16 ceiling at BaseIntensity == 1.0
}

// DefaultConfig matches a reasonable range and base intensity for a
// natural, unobtrusive breath.
func DefaultConfig() Config {
	return Config{MinDurationMs: 100, MaxDurationMs: 300, BaseIntensity: 0.3, PeakAmplitude: 6000}
}

// defaultDurationMs returns the kind's nominal duration absent an explicit
// override: normal breathes at the midpoint of the configured range, deep
// at the configured ceiling, quick at the configured floor, and sigh at
// 1.5x the ceiling (deliberately outside [Min,Max]).
func (cfg Config) defaultDurationMs(kind Kind) float64 {
	switch kind {
	case KindDeep:
		return cfg.MaxDurationMs
	case KindQuick:
		return cfg.MinDurationMs
	case KindSigh:
		return 1.5 * cfg.MaxDurationMs
	default:
		return (cfg.MinDurationMs + cfg.MaxDurationMs) / 2
	}
}

// Generator synthesizes breath waveforms: a trapezoidal amplitude envelope
// (attack/sustain/release) applied to band-limited noise with a faint
// tonal component at the kind's characteristic formant frequency, so the
// result reads as breath rather than hiss.
type Generator struct {
	cfg   Config
	noise *lcg
}

// New creates a Generator with a fixed-seed noise source so output is
// reproducible for the same call parameters (deterministic tests, stable
// behavior across repeated inserts in one call).
func New(cfg Config) *Generator {
	return &Generator{cfg: cfg, noise: newLCG(0x9E3779B9)}
}

// Generate synthesizes durationMs of 16-bit linear PCM samples at 16kHz
// for the given breath kind. If durationMs is zero or negative, the
// kind's default duration is used.
func (g *Generator) Generate(kind Kind, durationMs float64) []int16 {
	if durationMs <= 0 {
		durationMs = g.cfg.defaultDurationMs(kind)
	}

	n := int(durationMs * sampleRateHz / 1000.0)
	out := make([]int16, n)

	attack := n / 5
	release := n / 5
	if attack < 1 {
		attack = 1
	}
	if release < 1 {
		release = 1
	}

	peak := float64(g.cfg.PeakAmplitude) * g.cfg.BaseIntensity * intensityMultiplier[kind]
	toneHz := formantHz[kind]

	for i := 0; i < n; i++ {
		envelope := envelopeAt(i, n, attack, release)
		noiseSample := g.noise.nextFloat() // [-1, 1)
		tone := math.Sin(2 * math.Pi * toneHz * float64(i) / sampleRateHz)
		value := envelope * peak * (0.85*noiseSample + 0.15*tone)
		out[i] = clampInt16(value)
	}
	return out
}

// envelopeAt returns a trapezoidal gain in [0,1] at sample i of n: a
// linear ramp up over the first 20% (attack), a flat sustain over the
// middle 60%, a linear ramp down over the last 20% (release).
func envelopeAt(i, n, attack, release int) float64 {
	if i < attack {
		return float64(i) / float64(attack)
	}
	if i >= n-release {
		remaining := n - i
		return float64(remaining) / float64(release)
	}
	return 1.0
}

// ShouldInsert applies the breath-insertion policy and decides, when it
// fires, which breath type to use:
//
//   - at a sentence end, with the just-finished sentence over 25 words ->
//     (true, KindDeep). The length of the upcoming sentence is not an
//     input and plays no part in the decision.
//   - at a sentence end, with the just-finished sentence over 15 words ->
//     (true, KindNormal).
//   - entering a pause longer than the sentence-pause threshold ->
//     (true, KindNormal).
//   - otherwise -> (false, KindNormal).
func ShouldInsert(sentenceWordCount int, atSentenceEnd, atLongPause bool) (bool, Kind) {
	switch {
	case atSentenceEnd && sentenceWordCount > 25:
		return true, KindDeep
	case atSentenceEnd && sentenceWordCount > 15:
		return true, KindNormal
	case atLongPause:
		return true, KindNormal
	default:
		return false, KindNormal
	}
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// lcg is a small deterministic linear congruential generator used instead
// of math/rand so breath synthesis carries no global-state dependency and
// produces the exact same output for the same seed across calls.
type lcg struct{ state uint64 }

func newLCG(seed uint64) *lcg { return &lcg{state: seed} }

func (g *lcg) nextFloat() float64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	// Top 32 bits are higher quality than the low bits for an LCG.
	top := uint32(g.state >> 32)
	return (float64(top)/float64(math.MaxUint32))*2 - 1
}
