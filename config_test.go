package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/pipeline/internal/jitterbuffer"
	"github.com/voicebridge/pipeline/pkg/commons"
)

func TestNewPipelineConfig_RequiresSessionID(t *testing.T) {
	_, err := NewPipelineConfig("",
		WithUpstreamURL("wss://example.test/stream"),
		WithStreamTokenSigningKey([]byte("key")),
	)
	require.Error(t, err)
	assert.Equal(t, commons.ErrInvalidConfig, commons.ErrorKindOf(err))
}

func TestNewPipelineConfig_RequiresUpstreamURL(t *testing.T) {
	_, err := NewPipelineConfig("sess-1", WithStreamTokenSigningKey([]byte("key")))
	require.Error(t, err)
	assert.Equal(t, commons.ErrInvalidConfig, commons.ErrorKindOf(err))
}

func TestNewPipelineConfig_RejectsMalformedURL(t *testing.T) {
	_, err := NewPipelineConfig("sess-1",
		WithUpstreamURL("not a url"),
		WithStreamTokenSigningKey([]byte("key")),
	)
	assert.Error(t, err)
}

func TestNewPipelineConfig_RequiresSigningKey(t *testing.T) {
	_, err := NewPipelineConfig("sess-1", WithUpstreamURL("wss://example.test/stream"))
	assert.Error(t, err)
}

func TestNewPipelineConfig_SucceedsWithDefaults(t *testing.T) {
	cfg, err := NewPipelineConfig("sess-1",
		WithUpstreamURL("wss://example.test/stream"),
		WithStreamTokenSigningKey([]byte("key")),
	)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", cfg.SessionID())
	assert.Positive(t, cfg.JitterBuffer.MaxTargetMs)
}

func TestNewPipelineConfig_RejectsInvertedJitterBufferBounds(t *testing.T) {
	_, err := NewPipelineConfig("sess-1",
		WithUpstreamURL("wss://example.test/stream"),
		WithStreamTokenSigningKey([]byte("key")),
		WithJitterBufferConfig(jitterbuffer.Config{MinTargetMs: 200, MaxTargetMs: 50}),
	)
	require.Error(t, err)
	assert.Equal(t, commons.ErrInvalidConfig, commons.ErrorKindOf(err))
}

func TestNewPipelineConfig_OptionsOverrideDefaults(t *testing.T) {
	cfg, err := NewPipelineConfig("sess-1",
		WithUpstreamURL("wss://example.test/stream"),
		WithStreamTokenSigningKey([]byte("key")),
		WithJitterBufferConfig(jitterbuffer.Config{MinTargetMs: 10, MaxTargetMs: 20}),
	)
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.JitterBuffer.MinTargetMs)
	assert.Equal(t, 20.0, cfg.JitterBuffer.MaxTargetMs)
}
