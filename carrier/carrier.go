// Package carrier defines the narrow interface a telephony carrier
// integration implements to plug into a Pipeline.
// This package contains no implementation of any specific carrier (Twilio,
// Vonage, SIP, ...) — only the contract the streaming core depends on.
package carrier

import "context"

// Adapter is implemented by carrier-specific code (outside this module)
// that bridges a real telephony call's media stream to a Pipeline.
type Adapter interface {
	// OnIngress delivers one frame of narrow-band companded audio received
	// from the carrier for sessionID. Called from the carrier's own
	// receive loop; the Pipeline takes ownership of frameBytes for the
	// duration of the call and does not retain it past Stop.
	OnIngress(ctx context.Context, sessionID string, frameBytes []byte) error

	// EgressSink is invoked by the Pipeline to deliver one frame of
	// narrow-band companded audio that should be written back to the
	// carrier's media stream for sessionID.
	EgressSink(ctx context.Context, sessionID string, frameBytes []byte) error

	// OnTeardown notifies the adapter that sessionID's call has ended.
	// reason is empty for a normal hangup and non-empty for every other
	// termination cause (upstream disconnect, protocol error, ...).
	OnTeardown(ctx context.Context, sessionID string, reason string) error
}
