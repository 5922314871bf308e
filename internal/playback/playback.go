// Package playback implements the Playback Controller: buffer-watermark
// driven rate adaptation, causal crossfade concealment, and silence/noise
// concealment for gaps.
package playback

import "github.com/voicebridge/pipeline/internal/audio"

// Config bounds the controller's playback rate and watermark thresholds.
// LowWatermark and HighWatermark are fractions of the jitter buffer's
// target depth in [0, 1], not absolute milliseconds: update_buffer_level
// is called with the buffer's current fill fraction, not its ms depth.
type Config struct {
	MinRate       float64 // e.g. 0.95
	MaxRate       float64 // e.g. 1.05
	BaseRate      float64 // nominal rate, 1.0
	LowWatermark  float64 // fill fraction below which rate is slowed and state -> buffering
	HighWatermark float64 // fill fraction above which rate is sped up
	RateStep      float64 // rate nudge applied at either watermark
	CrossfadeMs   float64
}

// DefaultConfig matches a reasonable +/-5% rate band and 0.2/0.8 watermark
// fractions.
func DefaultConfig() Config {
	return Config{
		MinRate:       0.95,
		MaxRate:       1.05,
		BaseRate:      1.0,
		LowWatermark:  0.2,
		HighWatermark: 0.8,
		RateStep:      0.02,
		CrossfadeMs:   10,
	}
}

// Status is the controller's lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusPlaying
	StatusPaused
	// StatusBuffering is entered from UpdateBufferLevel when the buffer
	// fill fraction drops below LowWatermark while playing; it clears on
	// the next UpdateBufferLevel call that is no longer below watermark.
	StatusBuffering
)

// Controller paces emission of frames toward the carrier, adapting its
// rate to the upstream jitter buffer's fill level and smoothing the join
// after a gap concealment with a crossfade tail: Conceal stages the end of
// its output, and the next Emit overlap-adds it onto the head of the
// following frame before returning it. Rate changes do not stage a tail,
// and no frame is held back.
type Controller struct {
	cfg    Config
	status Status
	rate   float64

	pendingTail []int16 // last CrossfadeMs worth of wide PCM samples, held back for overlap-and-add
}

// New creates a Controller at rate 1.0, stopped.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg,
		status: StatusStopped,
		rate:   1.0,
	}
}

func (c *Controller) Start()  { c.status = StatusPlaying }
func (c *Controller) Pause()  { c.status = StatusPaused }
func (c *Controller) Resume() { c.status = StatusPlaying }
func (c *Controller) Stop() {
	c.status = StatusStopped
	c.pendingTail = nil
}

func (c *Controller) Status() Status { return c.status }
func (c *Controller) Rate() float64  { return c.rate }

// UpdateBufferLevel adjusts the playback rate within [MinRate, MaxRate]
// from the jitter buffer's current fill fraction in [0, 1]: below
// LowWatermark the rate is nudged down by RateStep and the controller
// enters StatusBuffering (if it was playing); above HighWatermark the
// rate is nudged up by RateStep to drain the backlog; otherwise the rate
// returns to BaseRate and buffering (if active) clears.
func (c *Controller) UpdateBufferLevel(level float64) {
	switch {
	case level < c.cfg.LowWatermark:
		c.rate = clampRate(c.cfg.BaseRate-c.cfg.RateStep, c.cfg)
		if c.status == StatusPlaying {
			c.status = StatusBuffering
		}
	case level > c.cfg.HighWatermark:
		c.rate = clampRate(c.cfg.BaseRate+c.cfg.RateStep, c.cfg)
	default:
		c.rate = clampRate(c.cfg.BaseRate, c.cfg)
		if c.status == StatusBuffering {
			c.status = StatusPlaying
		}
	}
}

func clampRate(rate float64, cfg Config) float64 {
	if rate < cfg.MinRate {
		return cfg.MinRate
	}
	if rate > cfg.MaxRate {
		return cfg.MaxRate
	}
	return rate
}

// crossfadeSampleCount derives how many 16kHz samples the configured
// crossfade duration covers.
func (c *Controller) crossfadeSampleCount() int {
	n := int(c.cfg.CrossfadeMs * float64(audio.FormatLinearWide16kHz.SampleRate()) / 1000.0)
	if n < 1 {
		n = 1
	}
	return n
}

// Emit accepts the next wide-PCM frame to play and returns the samples
// that should actually be written to the carrier now. If a preceding
// Conceal has left a pending crossfade tail, that tail is overlap-added
// onto the head of this frame before any of it is returned. The frame is
// returned in the same call; nothing is held back between calls.
func (c *Controller) Emit(wideSamples []int16) []int16 {
	if len(c.pendingTail) == 0 {
		return wideSamples
	}

	n := len(c.pendingTail)
	if n > len(wideSamples) {
		n = len(wideSamples)
	}

	out := make([]int16, len(wideSamples))
	copy(out, wideSamples)
	for i := 0; i < n; i++ {
		weight := float64(i+1) / float64(n+1)
		blended := float64(c.pendingTail[i])*(1-weight) + float64(wideSamples[i])*weight
		out[i] = clampInt16(blended)
	}
	c.pendingTail = nil
	return out
}

// Conceal is called when the jitter buffer has no frame ready for an
// expected slot. It returns durationSamples of replacement audio to play
// immediately: the last CrossfadeMs of the last known-good frame, repeated
// under a linear fade to silence (all zeros if there is no known-good
// frame). The final CrossfadeMs of that output is staged as the pending
// crossfade tail for the next Emit call.
func (c *Controller) Conceal(lastGoodWide []int16, durationSamples int) []int16 {
	conceal := make([]int16, durationSamples)
	if len(lastGoodWide) == 0 {
		return conceal
	}

	// Decaying repetition of the tail of the last good frame, which is a
	// cheaper and less artifact-prone concealment than pure silence.
	tailLen := c.crossfadeSampleCount()
	if tailLen > len(lastGoodWide) {
		tailLen = len(lastGoodWide)
	}
	tail := lastGoodWide[len(lastGoodWide)-tailLen:]

	for i := range conceal {
		decay := 1.0 - float64(i)/float64(len(conceal))
		if decay < 0 {
			decay = 0
		}
		src := tail[i%len(tail)]
		conceal[i] = clampInt16(float64(src) * decay)
	}

	c.setPendingTailFrom(conceal)
	return conceal
}

// setPendingTailFrom stages the final CrossfadeMs of samples as the
// overlap-and-add source for the next Emit call.
func (c *Controller) setPendingTailFrom(samples []int16) {
	n := c.crossfadeSampleCount()
	if n > len(samples) {
		n = len(samples)
	}
	c.pendingTail = append([]int16(nil), samples[len(samples)-n:]...)
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
