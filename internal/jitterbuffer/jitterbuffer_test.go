package jitterbuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/voicebridge/pipeline/internal/audio"
	"github.com/voicebridge/pipeline/internal/sequencer"
)

func frame(seq uint64, durationMs float64) sequencer.SequencedFrame {
	return sequencer.SequencedFrame{
		Frame:      audio.Frame{Payload: []byte{0xFF}, Format: audio.FormatCompandedNarrow8kHz},
		Sequence:   seq,
		DurationMs: durationMs,
	}
}

func TestNew_StartsAtMinTarget(t *testing.T) {
	cfg := DefaultConfig()
	b := New(cfg)
	assert.Equal(t, cfg.MinTargetMs, b.Stats().TargetDepthMs)
}

func TestEnqueueDequeue_PreservesSequenceOrderRegardlessOfArrivalOrder(t *testing.T) {
	b := New(DefaultConfig())
	b.Enqueue(frame(2, 20))
	b.Enqueue(frame(0, 20))
	b.Enqueue(frame(1, 20))

	f0, ok := b.Dequeue()
	require.True(t, ok)
	f1, ok := b.Dequeue()
	require.True(t, ok)
	f2, ok := b.Dequeue()
	require.True(t, ok)

	assert.Equal(t, uint64(0), f0.Sequence)
	assert.Equal(t, uint64(1), f1.Sequence)
	assert.Equal(t, uint64(2), f2.Sequence)
}

func TestDequeue_EmptyReturnsFalse(t *testing.T) {
	b := New(DefaultConfig())
	_, ok := b.Dequeue()
	assert.False(t, ok)
}

func TestEnqueue_OverflowEvictsOldestFramesUntilWithinMax(t *testing.T) {
	cfg := Config{MinTargetMs: 20, MaxTargetMs: 100}
	b := New(cfg)

	// 20ms frames, 10 of them = 200ms, well over the 100ms max.
	for i := uint64(0); i < 10; i++ {
		b.Enqueue(frame(i, 20))
	}

	stats := b.Stats()
	assert.LessOrEqual(t, stats.BufferedMs, cfg.MaxTargetMs)
	assert.Greater(t, stats.DroppedOverflow, uint64(0))

	// The surviving frames must be the highest-sequence ones (oldest evicted).
	last, ok := b.Dequeue()
	require.True(t, ok)
	assert.Greater(t, last.Sequence, uint64(0))
}

func TestReady_FalseBelowTargetDepth(t *testing.T) {
	cfg := Config{MinTargetMs: 100, MaxTargetMs: 300}
	b := New(cfg)
	b.Enqueue(frame(0, 20))
	assert.False(t, b.Ready())
}

func TestReady_TrueAtOrAboveTargetDepth(t *testing.T) {
	cfg := Config{MinTargetMs: 40, MaxTargetMs: 300}
	b := New(cfg)
	b.Enqueue(frame(0, 20))
	b.Enqueue(frame(1, 20))
	assert.True(t, b.Ready())
}

func TestDequeueReady_RecordsUnderrunWhenBelowTarget(t *testing.T) {
	cfg := Config{MinTargetMs: 100, MaxTargetMs: 300}
	b := New(cfg)
	b.Enqueue(frame(0, 20))

	_, ok := b.DequeueReady()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), b.Stats().Underruns)
}

func TestDequeueReady_SucceedsAtTargetDepth(t *testing.T) {
	cfg := Config{MinTargetMs: 40, MaxTargetMs: 300}
	b := New(cfg)
	b.Enqueue(frame(0, 20))
	b.Enqueue(frame(1, 20))

	f, ok := b.DequeueReady()
	assert.True(t, ok)
	assert.Equal(t, uint64(0), f.Sequence)
	assert.Equal(t, uint64(0), b.Stats().Underruns)
}

// TestRecompute_IncreasedJitterRaisesTarget exercises the adaptive depth
// formula: clamp(min, min + 2*jitter, max). Spacing arrivals unevenly
// should push the target above the floor.
func TestRecompute_IncreasedJitterRaisesTarget(t *testing.T) {
	cfg := Config{MinTargetMs: 20, MaxTargetMs: 500}
	b := New(cfg)

	base := time.Now()
	clock := base
	b.now = func() time.Time { return clock }

	seq := uint64(0)
	gaps := []time.Duration{20 * time.Millisecond, 120 * time.Millisecond, 10 * time.Millisecond, 140 * time.Millisecond}
	for _, g := range gaps {
		clock = clock.Add(g + recomputeInterval) // force recompute each time
		b.Enqueue(frame(seq, 20))
		seq++
	}

	stats := b.Stats()
	assert.Greater(t, stats.TargetDepthMs, cfg.MinTargetMs)
	assert.LessOrEqual(t, stats.TargetDepthMs, cfg.MaxTargetMs)
}

func TestFrameDurationMs_FallsBackToDefaultWhenUnset(t *testing.T) {
	f := sequencer.SequencedFrame{Frame: audio.Frame{}, Sequence: 0}
	assert.Equal(t, DefaultFrameDurationMs, frameDurationMs(f))
}

func TestFrameDurationMs_PrefersExplicitDuration(t *testing.T) {
	f := sequencer.SequencedFrame{Frame: audio.Frame{}, Sequence: 0, DurationMs: 33}
	assert.Equal(t, 33.0, frameDurationMs(f))
}

// TestProperty_TargetDepthAlwaysWithinBounds checks that no sequence of
// arrival gaps can push the adaptive target outside [min, max].
func TestProperty_TargetDepthAlwaysWithinBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := Config{MinTargetMs: 30, MaxTargetMs: 250}
		b := New(cfg)

		clock := time.Now()
		b.now = func() time.Time { return clock }

		count := rapid.IntRange(1, 100).Draw(rt, "count")
		for i := 0; i < count; i++ {
			gapMs := rapid.IntRange(1, 500).Draw(rt, "gap_ms")
			clock = clock.Add(time.Duration(gapMs)*time.Millisecond + recomputeInterval)
			b.Enqueue(frame(uint64(i), 20))
		}

		target := b.Stats().TargetDepthMs
		if target < cfg.MinTargetMs || target > cfg.MaxTargetMs {
			rt.Fatalf("target depth %f outside [%f, %f]", target, cfg.MinTargetMs, cfg.MaxTargetMs)
		}
	})
}
