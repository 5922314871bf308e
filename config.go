package pipeline

import (
	"github.com/go-playground/validator/v10"

	"github.com/voicebridge/pipeline/internal/breathing"
	"github.com/voicebridge/pipeline/internal/chunker"
	"github.com/voicebridge/pipeline/internal/jitterbuffer"
	"github.com/voicebridge/pipeline/internal/pause"
	"github.com/voicebridge/pipeline/internal/playback"
	"github.com/voicebridge/pipeline/internal/upstream"
	"github.com/voicebridge/pipeline/pkg/commons"
)

var validate = validator.New()

// PipelineConfig is the closed, validated configuration for one call's
// Pipeline. NewPipelineConfig is the constructor that applies defaults and
// validation; a PipelineConfig written as a struct literal skips both and
// has an empty session ID, since sessionID is unexported.
type PipelineConfig struct {
	sessionID   string `validate:"-"`
	UpstreamURL string `validate:"required,url"`

	JitterBuffer jitterbuffer.Config `validate:"-"`
	Playback     playback.Config     `validate:"-"`
	Chunker      chunker.Config      `validate:"-"`
	Breathing    breathing.Config    `validate:"-"`
	Pause        pause.Config        `validate:"-"`

	StreamTokenSigningKey []byte `validate:"required"`

	Logger commons.Logger `validate:"-"`
}

// Option configures a PipelineConfig at construction.
type Option func(*PipelineConfig)

// WithUpstreamURL sets the upstream websocket endpoint. Required.
func WithUpstreamURL(url string) Option {
	return func(c *PipelineConfig) { c.UpstreamURL = url }
}

// WithStreamTokenSigningKey sets the key used to sign and verify stream
// authentication tokens. Required.
func WithStreamTokenSigningKey(key []byte) Option {
	return func(c *PipelineConfig) { c.StreamTokenSigningKey = key }
}

// WithJitterBufferConfig overrides the jitter buffer's depth bounds.
func WithJitterBufferConfig(cfg jitterbuffer.Config) Option {
	return func(c *PipelineConfig) { c.JitterBuffer = cfg }
}

// WithPlaybackConfig overrides the playback controller's rate and
// watermark bounds.
func WithPlaybackConfig(cfg playback.Config) Option {
	return func(c *PipelineConfig) { c.Playback = cfg }
}

// WithChunkerConfig overrides the chunk manager's size bounds.
func WithChunkerConfig(cfg chunker.Config) Option {
	return func(c *PipelineConfig) { c.Chunker = cfg }
}

// WithBreathingConfig overrides the breathing generator's duration and
// amplitude bounds.
func WithBreathingConfig(cfg breathing.Config) Option {
	return func(c *PipelineConfig) { c.Breathing = cfg }
}

// WithPauseConfig overrides the pause manager's speech-rate and jitter
// settings.
func WithPauseConfig(cfg pause.Config) Option {
	return func(c *PipelineConfig) { c.Pause = cfg }
}

// WithLogger overrides the logger every component of the Pipeline uses.
// Defaults to a no-op logger if not set.
func WithLogger(log commons.Logger) Option {
	return func(c *PipelineConfig) { c.Logger = log }
}

// NewPipelineConfig builds a PipelineConfig from the given sessionID and
// options, applying defaults for anything not explicitly set, then
// validates it. It returns an INVALID_CONFIG error if required fields are
// missing or any cross-field invariant is violated.
func NewPipelineConfig(sessionID string, opts ...Option) (*PipelineConfig, error) {
	cfg := &PipelineConfig{
		sessionID:    sessionID,
		JitterBuffer: jitterbuffer.DefaultConfig(),
		Playback:     playback.DefaultConfig(),
		Chunker:      chunker.DefaultConfig(),
		Breathing:    breathing.DefaultConfig(),
		Pause:        pause.DefaultConfig(),
		Logger:       commons.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if sessionID == "" {
		return nil, commons.NewError(commons.ErrInvalidConfig, "sessionID must not be empty", nil)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, commons.NewError(commons.ErrInvalidConfig, "PipelineConfig failed validation", err)
	}

	if err := cfg.checkCrossFieldInvariants(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// checkCrossFieldInvariants validates compound constraints go-playground's
// struct tags cannot express on their own (min <= target <= max style
// relationships across several sub-configs).
func (c *PipelineConfig) checkCrossFieldInvariants() error {
	jb := c.JitterBuffer
	if jb.MinTargetMs <= 0 || jb.MaxTargetMs <= 0 || jb.MinTargetMs > jb.MaxTargetMs {
		return invalidConfig("jitter buffer MinTargetMs must be positive and <= MaxTargetMs")
	}

	pb := c.Playback
	if pb.MinRate <= 0 || pb.MaxRate <= 0 || pb.MinRate > pb.MaxRate {
		return invalidConfig("playback MinRate must be positive and <= MaxRate")
	}
	if pb.LowWatermark > pb.HighWatermark {
		return invalidConfig("playback LowWatermark must be <= HighWatermark")
	}

	ch := c.Chunker
	if ch.MinChunkMs <= 0 || ch.MaxChunkMs <= 0 || ch.MinChunkMs > ch.MaxChunkMs {
		return invalidConfig("chunker MinChunkMs must be positive and <= MaxChunkMs")
	}
	if ch.DefaultChunkMs < ch.MinChunkMs || ch.DefaultChunkMs > ch.MaxChunkMs {
		return invalidConfig("chunker DefaultChunkMs must be within [MinChunkMs, MaxChunkMs]")
	}

	br := c.Breathing
	if br.MinDurationMs <= 0 || br.MaxDurationMs <= 0 || br.MinDurationMs > br.MaxDurationMs {
		return invalidConfig("breathing MinDurationMs must be positive and <= MaxDurationMs")
	}

	if c.Pause.SpeechRate < 0 {
		return invalidConfig("pause SpeechRate must not be negative")
	}

	return nil
}

func invalidConfig(msg string) error {
	return commons.NewError(commons.ErrInvalidConfig, msg, nil)
}

// SessionID returns the call session ID this config was built for.
func (c *PipelineConfig) SessionID() string { return c.sessionID }

// upstreamClientConfig builds the internal/upstream.Config this
// PipelineConfig implies.
func (c *PipelineConfig) upstreamClientConfig() upstream.Config {
	return upstream.Config{URL: c.UpstreamURL}
}
