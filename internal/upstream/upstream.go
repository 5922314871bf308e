// Package upstream implements the Upstream Client: a duplex websocket
// connection to the conversational speech service, its reconnect state
// machine, and its one-time stream-authentication token issuance.
package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/pipeline/pkg/commons"
)

// State is the Upstream Client's connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnectPending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnectPending:
		return "reconnect-pending"
	default:
		return "unknown"
	}
}

const (
	backoffBase    = 1 * time.Second
	backoffCap     = 30 * time.Second
	maxAttempts    = 5
	handshakeTimeout = 30 * time.Second
)

// MessageType distinguishes the upstream's JSON envelope kinds.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeAudio MessageType = "audio"
	MessageTypeError MessageType = "error"
	MessageTypeEvent MessageType = "event"
)

// Envelope is the JSON structure exchanged over the upstream websocket's
// text frames. Binary frames carry an 8-byte sequence header followed by
// raw audio and are demuxed by frame opcode rather than this envelope.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// Message is what Receive hands back to the caller: either a decoded JSON
// envelope (Envelope set, Audio nil) or a binary audio frame (Audio and
// AudioSequence set, Envelope zero).
type Message struct {
	Envelope      Envelope
	Audio         []byte
	AudioSequence uint64
}

// audioSeqHeaderLen is the size, in bytes, of the big-endian sequence
// number every binary audio frame is prefixed with on the wire. It is the
// only source of ordering information the Sequencer has for frames it did
// not originate itself, analogous to an RTP sequence field: without it, a
// duplicate or reordered delivery from the upstream service would be
// indistinguishable from a fresh frame.
const audioSeqHeaderLen = 8

// Config configures an upstream connection target.
type Config struct {
	URL     string
	Headers http.Header
}

// Client is a single call's duplex connection to the upstream speech
// service. It owns its reconnect policy and exposes Send/Receive as the
// call's streaming task's only interaction points.
type Client struct {
	cfg Config
	log commons.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	attempts int
}

// New creates a Client in the disconnected state. It does not dial until
// Connect is called.
func New(cfg Config, log commons.Logger) *Client {
	if log == nil {
		log = commons.NewNopLogger()
	}
	return &Client{cfg: cfg, log: log, state: StateDisconnected}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the upstream websocket, retrying with exponential backoff
// (1s * 2^(attempt-1), capped at 30s) up to maxAttempts times before
// returning a BACKOFF_EXHAUSTED error. It is safe to call again after a
// BACKOFF_EXHAUSTED failure to restart the attempt counter.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.attempts = 0

	for {
		c.attempts++
		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.state = StateOpen
			c.mu.Unlock()
			return nil
		}

		c.log.Warnw("upstream dial failed", "attempt", c.attempts, "error", err)

		if c.attempts >= maxAttempts {
			c.setState(StateDisconnected)
			return commons.NewError(commons.ErrBackoffExhausted,
				fmt.Sprintf("upstream connect failed after %d attempts", c.attempts), err)
		}

		c.setState(StateReconnectPending)
		delay := backoffDelay(c.attempts)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay implements 1s * 2^(attempt-1), capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempt-1))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, commons.NewError(commons.ErrUpstreamTransport, "invalid upstream URL", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), c.cfg.Headers)
	if err != nil {
		return nil, commons.NewError(commons.ErrUpstreamTransport, "websocket dial failed", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)
	return conn, nil
}

// Send writes a JSON envelope to the upstream connection. It returns
// NOT_CONNECTED if the connection is not currently open.
func (c *Client) Send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		return commons.Sentinel(commons.ErrNotConnected)
	}

	data, err := sonic.Marshal(env)
	if err != nil {
		return commons.NewError(commons.ErrUpstreamProtocol, "failed to marshal envelope", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return commons.NewError(commons.ErrUpstreamTransport, "write failed", err)
	}
	return nil
}

// SendAudio writes a binary audio frame to the upstream connection,
// prefixed with seq as an 8-byte big-endian sequence number so the peer
// (and, on the receive side, our own Sequencer) can detect reordering,
// duplication, and gaps in the stream.
func (c *Client) SendAudio(seq uint64, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		return commons.Sentinel(commons.ErrNotConnected)
	}

	wire := make([]byte, audioSeqHeaderLen+len(payload))
	binary.BigEndian.PutUint64(wire, seq)
	copy(wire[audioSeqHeaderLen:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, wire); err != nil {
		return commons.NewError(commons.ErrUpstreamTransport, "write failed", err)
	}
	return nil
}

// Receive reads the next frame from the upstream connection and demuxes
// it: text frames are JSON-decoded into an Envelope, binary frames have
// their leading sequence header stripped and are returned as AudioSequence
// plus raw audio.
func (c *Client) Receive() (Message, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		return Message{}, commons.Sentinel(commons.ErrNotConnected)
	}

	kind, data, err := conn.ReadMessage()
	if err != nil {
		return Message{}, commons.NewError(commons.ErrUpstreamTransport, "read failed", err)
	}

	if kind == websocket.BinaryMessage {
		if len(data) < audioSeqHeaderLen {
			return Message{}, commons.NewError(commons.ErrUpstreamProtocol, "binary audio frame missing sequence header", nil)
		}
		seq := binary.BigEndian.Uint64(data[:audioSeqHeaderLen])
		return Message{AudioSequence: seq, Audio: data[audioSeqHeaderLen:]}, nil
	}

	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Message{}, commons.NewError(commons.ErrUpstreamProtocol, "invalid JSON text frame", err)
	}
	return Message{Envelope: env}, nil
}

// Close tears down the connection and marks the client disconnected. It is
// safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.state = StateDisconnected
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.state = StateDisconnected
	return err
}

// RunHandshake dials the connection and performs any concurrent setup
// work the caller supplies (e.g. fetching call metadata) in parallel with
// the dial, via an errgroup.
func (c *Client) RunHandshake(ctx context.Context, setup func(context.Context) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Connect(gCtx) })
	if setup != nil {
		g.Go(func() error { return setup(gCtx) })
	}
	return g.Wait()
}

// streamTokenTTL is the one-time stream-authentication token's fixed
// validity window.
const streamTokenTTL = 5 * time.Minute

// TokenIssuer mints and redeems one-time, short-lived tokens carrier-side
// handshakes present to authenticate a media stream attach.
type TokenIssuer struct {
	signingKey []byte

	mu      sync.Mutex
	consumed map[string]time.Time // jti -> expiry, for GC
}

// NewTokenIssuer creates an issuer keyed by signingKey, which must be kept
// secret and stable for the lifetime of issued tokens.
func NewTokenIssuer(signingKey []byte) *TokenIssuer {
	return &TokenIssuer{signingKey: signingKey, consumed: make(map[string]time.Time)}
}

type streamClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
}

// Issue mints a token scoped to sessionID, valid for streamTokenTTL and
// usable exactly once.
func (ti *TokenIssuer) Issue(sessionID string) (string, error) {
	jti := uuid.NewString()
	now := time.Now()
	claims := streamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(now.Add(streamTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.signingKey)
	if err != nil {
		return "", commons.NewError(commons.ErrInvalidConfig, "failed to sign stream token", err)
	}
	return signed, nil
}

// Redeem validates tokenString and consumes it: a second redemption of the
// same token (replay) fails even if it has not yet expired.
func (ti *TokenIssuer) Redeem(tokenString string) (sessionID string, err error) {
	var claims streamClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return ti.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", commons.NewError(commons.ErrUpstreamProtocol, "invalid or expired stream token", err)
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.gcLocked()
	if _, used := ti.consumed[claims.ID]; used {
		return "", commons.NewError(commons.ErrUpstreamProtocol, "stream token already redeemed", nil)
	}
	ti.consumed[claims.ID] = claims.ExpiresAt.Time
	return claims.SessionID, nil
}

// gcLocked drops consumed-jti entries past their own token expiry, so the
// set does not grow unbounded across a long-lived issuer.
func (ti *TokenIssuer) gcLocked() {
	now := time.Now()
	for jti, exp := range ti.consumed {
		if now.After(exp) {
			delete(ti.consumed, jti)
		}
	}
}
