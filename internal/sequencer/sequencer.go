// Package sequencer assigns monotonic sequence numbers and timestamps to
// egress frames and classifies incoming stamped frames for duplicates,
// gaps, and out-of-order arrival.
package sequencer

import (
	"sync"
	"time"

	"github.com/voicebridge/pipeline/internal/audio"
)

// Flags describe a SequencedFrame's position in its stream. They are
// mutually consistent: First is set at most once per stream, Last at most
// once, and Continuation implies neither.
type Flags struct {
	First        bool
	Last         bool
	Continuation bool
	Retransmit   bool
}

// SequencedFrame is an egress-side audio.Frame with pipeline metadata.
type SequencedFrame struct {
	Frame      audio.Frame
	Sequence   uint64
	TimestampUs int64
	DurationMs float64
	Flags      Flags
}

// Classification is the result of feeding an incoming stamped frame through
// Process.
type Classification struct {
	Frame            SequencedFrame
	OutOfOrder       bool
	Duplicate        bool
	Gap              bool
	MissingSequences []uint64
}

const seenSetCapacity = 1000

// Sequencer stamps outgoing frames with a monotonic counter and classifies
// incoming frames against an expected-sequence cursor. It is owned
// exclusively by one call's pipeline; it is not safe to share across calls.
type Sequencer struct {
	mu sync.Mutex

	nextOut uint64

	expected uint64
	seen     map[uint64]struct{}
	started  bool

	totalCount      uint64
	outOfOrderCount uint64
	duplicateCount  uint64
	lostCount       uint64

	clock func() time.Time
}

// Option configures a Sequencer at construction.
type Option func(*Sequencer)

// WithClock overrides the time source used for timestamping, for
// deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Sequencer) { s.clock = clock }
}

// New creates a Sequencer whose outgoing counter starts at zero and whose
// incoming cursor is established by the first frame it processes.
func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		seen:  make(map[uint64]struct{}, seenSetCapacity),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stamps the next outgoing sequence number and a fresh monotonic
// timestamp onto a frame.
func (s *Sequencer) Create(frame audio.Frame, durationMs float64, flags Flags) SequencedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextOut
	s.nextOut++

	return SequencedFrame{
		Frame:       frame,
		Sequence:    seq,
		TimestampUs: s.clock().UnixMicro(),
		DurationMs:  durationMs,
		Flags:       flags,
	}
}

// Process classifies an incoming stamped frame: the duplicate check runs
// strictly before the gap check, so a frame is always classified as
// exactly one of {duplicate, out-of-order, gap, normal}.
func (s *Sequencer) Process(frame SequencedFrame) Classification {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalCount++

	if !s.started {
		s.started = true
		s.expected = frame.Sequence
	}

	if _, dup := s.seen[frame.Sequence]; dup {
		s.duplicateCount++
		return Classification{Frame: frame, Duplicate: true}
	}
	if frame.Sequence < s.expected {
		s.outOfOrderCount++
		s.remember(frame.Sequence)
		return Classification{Frame: frame, OutOfOrder: true}
	}

	s.remember(frame.Sequence)

	if frame.Sequence > s.expected {
		missing := make([]uint64, 0, frame.Sequence-s.expected)
		for seq := s.expected; seq < frame.Sequence; seq++ {
			missing = append(missing, seq)
		}
		s.lostCount += uint64(len(missing))
		s.expected = frame.Sequence + 1
		return Classification{Frame: frame, Gap: true, MissingSequences: missing}
	}

	// Normal: sequence == expected.
	s.expected = frame.Sequence + 1
	return Classification{Frame: frame}
}

// remember adds a sequence to the seen-set and evicts entries that have
// fallen more than seenSetCapacity behind the current expected cursor, so
// the set never grows unbounded across a long call.
func (s *Sequencer) remember(seq uint64) {
	s.seen[seq] = struct{}{}
	if len(s.seen) <= seenSetCapacity {
		return
	}
	floor := int64(s.expected) - seenSetCapacity
	for k := range s.seen {
		if floor > 0 && int64(k) < floor {
			delete(s.seen, k)
		}
	}
}

// Stats is a snapshot of the sequencer's running, strictly monotonic
// counters for one call.
type Stats struct {
	Total      uint64
	OutOfOrder uint64
	Duplicate  uint64
	Lost       uint64
}

// Stats returns the current counter snapshot.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Total:      s.totalCount,
		OutOfOrder: s.outOfOrderCount,
		Duplicate:  s.duplicateCount,
		Lost:       s.lostCount,
	}
}

// NextSequence exposes the next outgoing sequence number without
// consuming it, for diagnostics only.
func (s *Sequencer) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOut
}
