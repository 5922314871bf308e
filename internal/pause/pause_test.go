package pause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAnalyze_FindsCommaAndSentenceMarkers(t *testing.T) {
	markers := Analyze("Hello, world. Goodbye!")
	require.Len(t, markers, 3)
	assert.Equal(t, KindComma, markers[0].Kind)
	assert.Equal(t, KindSentence, markers[1].Kind)
	assert.Equal(t, KindSentence, markers[2].Kind)
}

func TestAnalyze_DetectsEllipsisNotThreeSentences(t *testing.T) {
	markers := Analyze("Wait...")
	require.Len(t, markers, 1)
	assert.Equal(t, KindEllipsis, markers[0].Kind)
}

func TestAnalyze_DetectsParagraphBreak(t *testing.T) {
	markers := Analyze("First.\n\nSecond.")
	require.Len(t, markers, 3)
	assert.Equal(t, KindSentence, markers[0].Kind)
	assert.Equal(t, KindParagraph, markers[1].Kind)
	assert.Equal(t, KindSentence, markers[2].Kind)
}

func TestAnalyze_NoMarkersInPlainText(t *testing.T) {
	assert.Empty(t, Analyze("no punctuation here"))
}

func TestInsertPauses_NoMarkersReturnsSingleSegment(t *testing.T) {
	segs := InsertPauses("no punctuation here", DefaultConfig(), 1)
	require.Len(t, segs, 1)
	assert.Equal(t, "no punctuation here", segs[0].Text)
	assert.Zero(t, segs[0].DurationMs)
}

func TestInsertPauses_SplitsAtEachMarker(t *testing.T) {
	segs := InsertPauses("Hi, there.", DefaultConfig(), 42)
	require.Len(t, segs, 2)
	assert.Equal(t, "Hi,", segs[0].Text)
	assert.Positive(t, segs[0].DurationMs)
	assert.Equal(t, " there.", segs[1].Text)
	assert.Positive(t, segs[1].DurationMs)
}

func TestInsertPauses_IsDeterministicForSameSeed(t *testing.T) {
	a := InsertPauses("One, two, three.", DefaultConfig(), 7)
	b := InsertPauses("One, two, three.", DefaultConfig(), 7)
	assert.Equal(t, a, b)
}

func TestGeneratePause_FasterSpeechRateShortensBase(t *testing.T) {
	cfg := Config{SpeechRate: 2.0, JitterRatio: 0}
	rng := newLCG(1)
	d := GeneratePause(KindSentence, cfg, rng)
	assert.InDelta(t, baseDurationMs[KindSentence]/2, d, 0.001)
}

func TestGeneratePause_ZeroJitterIsExact(t *testing.T) {
	cfg := Config{SpeechRate: 1.0, JitterRatio: 0}
	rng := newLCG(99)
	d := GeneratePause(KindComma, cfg, rng)
	assert.Equal(t, baseDurationMs[KindComma], d)
}

// TestProperty_PauseDurationNeverNegative checks the jitter floor holds
// for any seed or speech rate combination.
func TestProperty_PauseDurationNeverNegative(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.Uint64().Draw(rt, "seed")
		rate := rapid.Float64Range(0.1, 5).Draw(rt, "rate")
		jitterRatio := rapid.Float64Range(0, 1).Draw(rt, "jitter_ratio")
		cfg := Config{SpeechRate: rate, JitterRatio: jitterRatio}
		rng := newLCG(seed)

		for k := KindComma; k <= KindEllipsis; k++ {
			d := GeneratePause(k, cfg, rng)
			if d < 0 {
				rt.Fatalf("negative pause duration %f for kind %v", d, k)
			}
		}
	})
}
