package pipeline

import (
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/voicebridge/pipeline/pkg/commons"
)

// SessionStatus is a CallSession's lifecycle state.
type SessionStatus int

const (
	SessionStatusInitializing SessionStatus = iota
	SessionStatusActive
	SessionStatusTerminating
	SessionStatusTerminated
)

// SessionMetadata is the closed, typed record a CallSession's metadata map
// is decoded into at construction. Any key in the source map that does not
// correspond to one of these fields is an error, not silently ignored —
// see DESIGN.md's note on unknown keys.
type SessionMetadata struct {
	CarrierCallID string `mapstructure:"carrier_call_id"`
	FromNumber    string `mapstructure:"from_number"`
	ToNumber      string `mapstructure:"to_number"`
	DirectionIn   bool   `mapstructure:"direction_in"`
}

// CallSession tracks one telephony call's identity and lifecycle across
// the Pipeline's lifetime.
type CallSession struct {
	mu sync.RWMutex

	id       string
	metadata SessionMetadata
	status   SessionStatus
}

// NewCallSession decodes raw into a SessionMetadata, rejecting unrecognized
// keys with ErrInvalidConfig, and returns a CallSession in the
// Initializing status.
func NewCallSession(id string, raw map[string]any) (*CallSession, error) {
	var meta SessionMetadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &meta,
	})
	if err != nil {
		return nil, commons.NewError(commons.ErrInvalidConfig, "failed to build metadata decoder", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, commons.NewError(commons.ErrInvalidConfig, "call session metadata has unrecognized keys or wrong types", err)
	}

	return &CallSession{
		id:       id,
		metadata: meta,
		status:   SessionStatusInitializing,
	}, nil
}

func (s *CallSession) ID() string { return s.id }

func (s *CallSession) Metadata() SessionMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

func (s *CallSession) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// transition moves the session to status, returning SESSION_GONE if it is
// already Terminated — a terminated session never re-enters an earlier
// status.
func (s *CallSession) transition(status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == SessionStatusTerminated {
		return commons.Sentinel(commons.ErrSessionGone)
	}
	s.status = status
	return nil
}
