// Package chunker implements the Chunk Manager: it decides how many
// milliseconds of audio to batch into one outbound unit, adapting to
// recently observed latency and jitter. The Pipeline uses it to size the
// egress chunks it writes to the carrier adapter.
package chunker

// Config bounds the chunk size the manager will choose.
type Config struct {
	MinChunkMs     float64
	MaxChunkMs     float64
	DefaultChunkMs float64
}

// DefaultConfig matches a reasonable range for conversational latency
// budgets.
func DefaultConfig() Config {
	return Config{MinChunkMs: 20, MaxChunkMs: 200, DefaultChunkMs: 100}
}

const historySize = 20

// Manager tracks the last historySize round-trip latency and jitter
// observations and derives an optimal chunk duration from them.
type Manager struct {
	cfg            Config
	latencyHistory []float64 // observed round-trip latencies in ms, oldest first
	jitterHistory  []float64 // observed jitter samples in ms, oldest first
}

// New creates a Manager at its configured default chunk size.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Observe records one round-trip latency sample and one jitter sample,
// retaining at most the last historySize observations of each.
func (m *Manager) Observe(roundTripMs, jitterMs float64) {
	m.latencyHistory = append(m.latencyHistory, roundTripMs)
	if len(m.latencyHistory) > historySize {
		m.latencyHistory = m.latencyHistory[len(m.latencyHistory)-historySize:]
	}
	m.jitterHistory = append(m.jitterHistory, jitterMs)
	if len(m.jitterHistory) > historySize {
		m.jitterHistory = m.jitterHistory[len(m.jitterHistory)-historySize:]
	}
}

// CalculateOptimalChunkMs derives the chunk duration to use for the next
// send from the rolling mean of observed latency and jitter, applying the
// threshold/interpolation policy below.
func (m *Manager) CalculateOptimalChunkMs() float64 {
	return m.CalculateOptimalChunkMsFor(mean(m.latencyHistory), mean(m.jitterHistory))
}

// CalculateOptimalChunkMsFor applies the policy directly to an explicit
// (latency_ms, jitter_ms) pair rather than the rolling history, for
// callers that already have a fresh round-trip measurement in hand:
//
//   - latency > 200ms or jitter > 100ms -> MinChunkMs (favor responsiveness)
//   - latency < 50ms and jitter < 20ms  -> MaxChunkMs (favor efficiency)
//   - otherwise linearly interpolate between Min and Max using
//     quality score 1 - min(1, latency/200 + jitter/100)
//
// The result is always clamped to [MinChunkMs, MaxChunkMs].
func (m *Manager) CalculateOptimalChunkMsFor(latencyMs, jitterMs float64) float64 {
	if latencyMs == 0 && jitterMs == 0 {
		return m.cfg.DefaultChunkMs
	}

	switch {
	case latencyMs > 200 || jitterMs > 100:
		return m.cfg.MinChunkMs
	case latencyMs < 50 && jitterMs < 20:
		return m.cfg.MaxChunkMs
	}

	score := 1 - min(1, latencyMs/200+jitterMs/100)
	if score < 0 {
		score = 0
	}
	target := m.cfg.MinChunkMs + score*(m.cfg.MaxChunkMs-m.cfg.MinChunkMs)
	return clamp(target, m.cfg.MinChunkMs, m.cfg.MaxChunkMs)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Split divides a wide-PCM byte payload into consecutive chunks of
// chunkMs each (except possibly a shorter final chunk), given the
// format's byte rate in bytes per millisecond.
func Split(payload []byte, chunkMs float64, bytesPerMs float64) [][]byte {
	if len(payload) == 0 || chunkMs <= 0 || bytesPerMs <= 0 {
		return nil
	}

	chunkBytes := int(chunkMs * bytesPerMs)
	if chunkBytes < 1 {
		chunkBytes = 1
	}

	var chunks [][]byte
	for start := 0; start < len(payload); start += chunkBytes {
		end := start + chunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}
