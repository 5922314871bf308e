// # Carrier-to-Upstream Voice Streaming Core
//
// This package provides the per-call streaming engine that sits between a
// telephony carrier's bidirectional media stream and an upstream
// conversational speech service expecting a different audio encoding. It
// owns the audio transcode chain, the adaptive jitter buffer, sequencing and
// gap concealment, playback pacing, breathing/pause insertion, and the
// upstream connection's reconnect policy. Carrier signaling, account
// management, and persistence are out of scope and are consumed only
// through the narrow interfaces in package carrier.
package pipeline
