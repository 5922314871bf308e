// Package pipeline is the per-call streaming engine that sits between a
// telephony carrier's bidirectional media stream and an upstream
// conversational speech service. See doc.go for the full package overview.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/pipeline/carrier"
	"github.com/voicebridge/pipeline/internal/audio"
	"github.com/voicebridge/pipeline/internal/breathing"
	"github.com/voicebridge/pipeline/internal/chunker"
	"github.com/voicebridge/pipeline/internal/jitterbuffer"
	"github.com/voicebridge/pipeline/internal/pause"
	"github.com/voicebridge/pipeline/internal/playback"
	"github.com/voicebridge/pipeline/internal/sequencer"
	"github.com/voicebridge/pipeline/internal/upstream"
	"github.com/voicebridge/pipeline/pkg/commons"
)

const (
	channelCapacity = 256

	// playbackTickMs is the playback task's nominal period; the actual
	// ticker interval is this divided by the playback controller's current
	// rate, so a slowed-down call ticks less often and a sped-up one more.
	playbackTickMs = 20.0

	// longPauseThresholdMs is the trailing-pause duration above which a
	// turn boundary counts as "entering a long pause" for the breathing
	// insertion policy, rather than an ordinary sentence break.
	longPauseThresholdMs = 500.0

	// backoffExhaustedRetryDelay is how long the receive task waits before
	// giving the upstream connection another attempt cycle after its own
	// backoff ladder has been exhausted. BACKOFF_EXHAUSTED is surfaced as
	// an error event, not a terminal one: the call stays up and keeps
	// trying.
	backoffExhaustedRetryDelay = 30 * time.Second
)

// Pipeline owns the per-call streaming engine: an unbuffered ingress path
// (carrier -> upstream, rate-authoritative on the carrier) and a
// sequenced/jitter-buffered/paced egress path (upstream -> carrier) driven
// by its own playback tick, plus the breathing/pause stack and the
// upstream connection. One Pipeline serves exactly one CallSession.
//
// It owns its own context (derived from context.Background, not the
// caller's), so a caller's context cancellation cannot tear the Pipeline
// down mid-operation without going through the same graceful Stop path
// every other termination cause uses. A background goroutine watches the
// caller's context and calls Stop when it cancels.
type Pipeline struct {
	cfg     *PipelineConfig
	session *CallSession
	adapter carrier.Adapter
	log     commons.Logger

	codec    *audio.Codec
	seq      *sequencer.Sequencer
	jbuf     *jitterbuffer.Buffer
	pbCtl    *playback.Controller
	chunkMgr *chunker.Manager
	breather *breathing.Generator
	pauser   *pause.Config
	upClient *upstream.Client
	tokens   *upstream.TokenIssuer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	ingressCh chan []byte // raw narrow-band frames from the carrier
	events    chan Event

	// ingressSeq is a wire-framing counter for carrier->upstream binary
	// audio frames. It is owned exclusively by runIngressTask and carries
	// no ordering semantics on our side: ingress is unbuffered and never
	// runs through the Sequencer, since the carrier is authoritative on
	// rate and this path never reorders or retries a frame.
	ingressSeq uint64

	transcriptBuf   strings.Builder
	lastBreathAt    time.Time
	breathRNGCursor uint64
}

// Stats is a snapshot of running counters a caller can poll via
// Pipeline.Stats().
type Stats struct {
	Sequencer sequencer.Stats
	Jitter    jitterbuffer.Stats
}

// New builds a Pipeline for session, wired to adapter for carrier I/O. Apart
// from the goroutine that watches ctx (see watchCallerContext), the Pipeline
// does not start any goroutines or network connections until Start is
// called.
func New(ctx context.Context, cfg *PipelineConfig, session *CallSession, adapter carrier.Adapter) *Pipeline {
	pipelineCtx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		cfg:       cfg,
		session:   session,
		adapter:   adapter,
		log:       cfg.Logger,
		codec:     audio.NewCodec(),
		seq:       sequencer.New(),
		jbuf:      jitterbuffer.New(cfg.JitterBuffer),
		pbCtl:     playback.New(cfg.Playback),
		chunkMgr:  chunker.New(cfg.Chunker),
		breather:  breathing.New(cfg.Breathing),
		pauser:    &cfg.Pause,
		upClient:  upstream.New(cfg.upstreamClientConfig(), cfg.Logger),
		tokens:    upstream.NewTokenIssuer(cfg.StreamTokenSigningKey),
		ctx:       pipelineCtx,
		cancel:    cancel,
		ingressCh: make(chan []byte, channelCapacity),
		events:    make(chan Event, channelCapacity),
	}

	go p.watchCallerContext(ctx)
	return p
}

// Config returns the validated PipelineConfig this Pipeline was built
// from.
func (p *Pipeline) Config() *PipelineConfig { return p.cfg }

// Session returns the CallSession this Pipeline is driving.
func (p *Pipeline) Session() *CallSession { return p.session }

// Events returns the channel the caller should drain for every
// caller-visible occurrence: connected/disconnected/transcript/llm_token/
// llm_done/audio/error.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Start connects to the upstream service and begins the call's streaming
// tasks. Connecting to upstream and any adapter-supplied setup work run
// concurrently via an errgroup.
func (p *Pipeline) Start(setup func(context.Context) error) error {
	if err := p.session.transition(SessionStatusActive); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(p.ctx)
	g.Go(func() error { return p.upClient.Connect(gCtx) })
	if setup != nil {
		g.Go(func() error { return setup(gCtx) })
	}
	if err := g.Wait(); err != nil {
		p.emit(Event{Kind: EventError, Err: err})
		return err
	}

	p.emit(Event{Kind: EventConnected})

	go p.runIngressTask()
	go p.runUpstreamReceiveTask()
	go p.runPlaybackTask()

	return nil
}

// PushIngress accepts one raw narrow-band companded frame received from
// the carrier for this call. It is non-blocking: if the ingress channel is
// full, the frame is dropped and logged, so a slow consumer never
// backpressures the carrier's own receive loop.
func (p *Pipeline) PushIngress(frameBytes []byte) {
	select {
	case p.ingressCh <- frameBytes:
	default:
		p.log.Warnw("ingress channel full, dropping frame", "session", p.session.ID())
	}
}

// runIngressTask drains carrier audio to the upstream connection. Ingress
// is intentionally unbuffered: the carrier is authoritative on rate, so
// this task never holds a frame back and never retries a failed send — it
// logs the failure via an error event and moves straight on to the next
// frame, exactly as the carrier delivered it.
func (p *Pipeline) runIngressTask() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case raw, ok := <-p.ingressCh:
			if !ok {
				return
			}
			p.handleIngressFrame(raw)
		}
	}
}

func (p *Pipeline) handleIngressFrame(raw []byte) {
	wide, err := p.codec.DecodeNarrowToWide(raw)
	if err != nil {
		p.emit(Event{Kind: EventError, Err: err})
		return
	}

	p.ingressSeq++
	if err := p.upClient.SendAudio(p.ingressSeq, wide); err != nil {
		p.emit(Event{Kind: EventError, Err: err})
	}
}

// runUpstreamReceiveTask reads upstream messages, sequences audio frames
// onto the egress jitter buffer for the playback task to drain, and
// republishes everything else as Pipeline events. On a transport failure
// it drives the upstream connection's reconnect ladder rather than ending
// the call, so a mid-call disconnect resumes once the connection comes
// back.
func (p *Pipeline) runUpstreamReceiveTask() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		msg, err := p.upClient.Receive()
		if err != nil {
			if !p.reconnectUpstream(err) {
				return
			}
			continue
		}

		if msg.Audio != nil {
			p.handleUpstreamAudio(msg.AudioSequence, msg.Audio)
			continue
		}
		p.handleUpstreamEnvelope(msg.Envelope)
	}
}

// reconnectUpstream handles a Receive failure by driving the upstream
// client's own exponential-backoff Connect loop until it succeeds, the
// pipeline is torn down, or (after BACKOFF_EXHAUSTED) by waiting and
// trying another attempt cycle. A transport error moves the connection to
// reconnect-pending rather than failing the call outright, and exhausting
// the backoff ladder is reported as an error event, not a terminal one —
// the call stays up and this loop keeps trying. It returns false only
// when the pipeline itself has been (or is being) torn down, telling the
// caller to stop reading.
func (p *Pipeline) reconnectUpstream(cause error) bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}

	if commons.ErrorKindOf(cause) != commons.ErrNotConnected {
		p.emit(Event{Kind: EventError, Err: cause})
	}

	for {
		if p.ctx.Err() != nil {
			return false
		}

		err := p.upClient.Connect(p.ctx)
		if err == nil {
			p.emit(Event{Kind: EventConnected})
			return true
		}

		if commons.ErrorKindOf(err) == commons.ErrBackoffExhausted {
			p.emit(Event{Kind: EventError, Err: err})
			select {
			case <-p.ctx.Done():
				return false
			case <-time.After(backoffExhaustedRetryDelay):
			}
			continue
		}

		return false
	}
}

// handleUpstreamAudio classifies an upstream-assigned audio sequence
// number against the egress stream's expected cursor, drops exact
// duplicates, and otherwise re-stamps the frame with the pipeline's own
// monotonic egress sequence and hands it to the jitter buffer. The
// upstream-assigned sequence drives real duplicate/out-of-order/gap
// classification; the pipeline's own stamp drives jitter-buffer ordering,
// so a locally synthesized frame (breathing) and an upstream-delivered
// one interleave correctly regardless of what numbering the upstream side
// used.
func (p *Pipeline) handleUpstreamAudio(upstreamSeq uint64, wide []byte) {
	frame := audio.Frame{Payload: wide, Format: audio.FormatLinearWide16kHz}

	class := p.seq.Process(sequencer.SequencedFrame{
		Frame:      frame,
		Sequence:   upstreamSeq,
		DurationMs: frame.DurationMs(),
	})
	if class.Duplicate {
		return
	}

	p.injectSynthesizedAudio(decodeWideBytesToInt16(wide))
}

// injectSynthesizedAudio stamps wideSamples with the pipeline's own
// monotonic egress sequence and enqueues it on the jitter buffer for the
// playback task, the same path real upstream audio takes after
// classification. Locally synthesized audio (breathing) has no
// upstream-assigned sequence of its own, so it only ever goes through
// Create, never Process.
func (p *Pipeline) injectSynthesizedAudio(wideSamples []int16) {
	payload := encodeInt16SamplesAsWideBytes(wideSamples)
	frame := audio.Frame{Payload: payload, Format: audio.FormatLinearWide16kHz}
	sf := p.seq.Create(frame, frame.DurationMs(), sequencer.Flags{})
	p.jbuf.Enqueue(sf)
}

// runPlaybackTask is the playback task: a timer loop at the controller-
// determined period (nominally playbackTickMs, adjusted by the current
// rate) that drains the egress jitter buffer, conceals underruns, paces
// emission through the Playback Controller, and batches the result into
// the Chunk Manager's current optimal chunk size before handing it to the
// carrier adapter.
func (p *Pipeline) runPlaybackTask() {
	p.pbCtl.Start()

	ticker := time.NewTicker(time.Duration(playbackTickMs * float64(time.Millisecond)))
	defer ticker.Stop()

	var lastGoodWide []int16
	var narrowAccum []byte

	narrowBytesPerMs := float64(audio.FormatCompandedNarrow8kHz.SampleRate()) / 1000.0 * float64(audio.FormatCompandedNarrow8kHz.BytesPerSample())
	concealSamplesPerTick := int(playbackTickMs * float64(audio.FormatLinearWide16kHz.SampleRate()) / 1000.0)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		jStats := p.jbuf.Stats()
		fillFraction := 0.0
		if jStats.TargetDepthMs > 0 {
			fillFraction = jStats.BufferedMs / jStats.TargetDepthMs
		}
		p.pbCtl.UpdateBufferLevel(fillFraction)
		ticker.Reset(time.Duration(playbackTickMs / p.pbCtl.Rate() * float64(time.Millisecond)))

		switch p.pbCtl.Status() {
		case playback.StatusStopped, playback.StatusPaused:
			continue
		}

		// Concealment output is played as is; the crossfade tail Conceal
		// stages is consumed by the Emit of the next dequeued frame.
		var emitted []int16
		if sf, ok := p.jbuf.DequeueReady(); ok {
			wideSamples := decodeWideBytesToInt16(sf.Frame.Payload)
			lastGoodWide = wideSamples
			emitted = p.pbCtl.Emit(wideSamples)
		} else {
			emitted = p.pbCtl.Conceal(lastGoodWide, concealSamplesPerTick)
		}


		narrow, err := p.codec.EncodeWideToNarrow(encodeInt16SamplesAsWideBytes(emitted))
		if err != nil {
			p.emit(Event{Kind: EventError, Err: err})
			continue
		}
		narrowAccum = append(narrowAccum, narrow...)

		p.chunkMgr.Observe(jStats.MeanDeltaMs, jStats.JitterMs)
		chunkBytes := int(p.chunkMgr.CalculateOptimalChunkMs() * narrowBytesPerMs)
		if chunkBytes < 1 {
			chunkBytes = 1
		}

		for len(narrowAccum) >= chunkBytes {
			chunk := narrowAccum[:chunkBytes]
			narrowAccum = narrowAccum[chunkBytes:]
			if err := p.adapter.EgressSink(p.ctx, p.session.ID(), chunk); err != nil {
				p.emit(Event{Kind: EventError, Err: err})
				continue
			}
			p.emit(Event{Kind: EventAudio, Audio: chunk})
		}
	}
}

func (p *Pipeline) handleUpstreamEnvelope(env upstream.Envelope) {
	switch env.Type {
	case upstream.MessageTypeText:
		token := envelopeText(env)
		p.transcriptBuf.WriteString(token)
		p.emit(Event{Kind: EventLLMToken, Token: token})
	case upstream.MessageTypeEvent:
		p.onTurnDone()
		p.emit(Event{Kind: EventLLMDone})
	case upstream.MessageTypeError:
		p.emit(Event{Kind: EventError, Err: commons.NewError(commons.ErrUpstreamProtocol, "upstream reported an error", nil)})
	}
}

// onTurnDone runs the Pause Manager over the turn's accumulated transcript
// and, if the trailing boundary satisfies the Breathing Generator's
// insertion policy, synthesizes and injects the chosen breath type so the
// carrier hears a natural breath before the next turn rather than dead
// air.
func (p *Pipeline) onTurnDone() {
	text := p.transcriptBuf.String()
	p.transcriptBuf.Reset()
	if text == "" {
		return
	}

	markers := pause.Analyze(text)
	if len(markers) == 0 {
		return
	}

	last := markers[len(markers)-1]
	p.breathRNGCursor++
	trailingPauseMs := pause.GeneratePause(last.Kind, *p.pauser, pause.NewRNG(p.breathRNGCursor))

	sentenceStart := 0
	if len(markers) >= 2 {
		sentenceStart = markers[len(markers)-2].Offset + 1
	}
	runes := []rune(text)
	if sentenceStart > len(runes) {
		sentenceStart = len(runes)
	}
	sentenceWordCount := len(strings.Fields(string(runes[sentenceStart:])))

	atSentenceEnd := last.Kind == pause.KindSentence || last.Kind == pause.KindEllipsis
	atLongPause := trailingPauseMs > longPauseThresholdMs

	insert, kind := breathing.ShouldInsert(sentenceWordCount, atSentenceEnd, atLongPause)
	if !insert {
		return
	}

	p.lastBreathAt = time.Now()
	p.injectSynthesizedAudio(p.breather.Generate(kind, 0))
}

func envelopeText(env upstream.Envelope) string {
	if s, ok := env.Data.(string); ok {
		return s
	}
	return ""
}

// IssueStreamToken mints a one-time, short-lived token the carrier adapter
// can hand to a client so it can authenticate a media stream attach for
// this call without re-running the full call setup handshake.
func (p *Pipeline) IssueStreamToken() (string, error) {
	return p.tokens.Issue(p.session.ID())
}

// RedeemStreamToken validates and consumes a stream-authentication token
// previously issued by IssueStreamToken, returning the session ID it was
// scoped to. A token can be redeemed exactly once.
func (p *Pipeline) RedeemStreamToken(token string) (string, error) {
	return p.tokens.Redeem(token)
}

// Interrupt signals the upstream service and the playback path to abandon
// whatever it is currently synthesizing/playing — a user barge-in. Every
// frame queued in the egress jitter buffer and any pending crossfade tail
// are dropped; audio the playback task has already accumulated toward its
// current chunk, or already handed to the carrier, is not recalled.
func (p *Pipeline) Interrupt() error {
	for {
		if _, ok := p.jbuf.Dequeue(); !ok {
			break
		}
	}
	p.pbCtl.Stop()
	p.pbCtl.Start()
	return p.upClient.Send(upstream.Envelope{Type: upstream.MessageTypeEvent, Data: "interrupt"})
}

// Stats returns a snapshot of the Pipeline's running counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sequencer: p.seq.Stats(),
		Jitter:    p.jbuf.Stats(),
	}
}

// watchCallerContext monitors the caller's context and triggers a graceful
// Stop when it is cancelled, so caller cancellation and every other
// termination cause converge on the same cleanup path.
func (p *Pipeline) watchCallerContext(callerCtx context.Context) {
	select {
	case <-callerCtx.Done():
		p.Stop("caller context cancelled")
	case <-p.ctx.Done():
		// Pipeline already stopped on its own; nothing to do.
	}
}

// Stop tears the call down: it notifies the carrier adapter, closes the
// upstream connection, and cancels the Pipeline's own context so every
// task exits. It is idempotent — the first call wins, every later call
// (concurrent or sequential) is a no-op, guarded by the closed flag.
func (p *Pipeline) Stop(reason string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.session.transition(SessionStatusTerminating)

	if err := p.upClient.Close(); err != nil {
		p.log.Warnw("error closing upstream connection", "error", err)
	}

	if p.adapter != nil {
		if err := p.adapter.OnTeardown(context.Background(), p.session.ID(), reason); err != nil {
			p.log.Warnw("adapter OnTeardown returned an error", "error", err)
		}
	}

	p.emit(Event{Kind: EventDisconnected, Reason: reason})

	_ = p.session.transition(SessionStatusTerminated)

	p.cancel()
	return nil
}

// emit is a non-blocking send to the events channel, following the same
// drop-and-log-on-full policy as every other internal channel. Once Stop
// has marked the Pipeline closed, every event other than Stop's own
// EventDisconnected is dropped, so EventDisconnected is the last event.
func (p *Pipeline) emit(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && ev.Kind != EventDisconnected {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warnw("event channel full, dropping event", "kind", ev.Kind.String())
	}
}

// encodeInt16SamplesAsWideBytes packs 16-bit linear samples into the
// little-endian byte layout internal/audio expects for wide-PCM frames.
func encodeInt16SamplesAsWideBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// decodeWideBytesToInt16 is the inverse of encodeInt16SamplesAsWideBytes:
// it unpacks a little-endian wide-PCM payload into 16-bit linear samples.
func decodeWideBytesToInt16(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}
