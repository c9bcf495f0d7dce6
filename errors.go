package rtcore

import "errors"

// Error taxonomy for session-level failures. Lower layers (internal/ice,
// internal/srtp, internal/sctp, ...) define their own sentinels for
// wire-level detail; these are the categories a caller driving a Session
// actually needs to branch on.
var (
	// ErrInvalidFormat covers malformed SDP, STUN/DTLS/RTP/SCTP wire data,
	// or any other input that fails to parse.
	ErrInvalidFormat = errors.New("rtcore: invalid format")

	// ErrAuthenticationFailure covers SRTP/SRTCP tag mismatches and DTLS
	// fingerprint mismatches.
	ErrAuthenticationFailure = errors.New("rtcore: authentication failure")

	// ErrTimeout covers ICE connectivity check timeouts, DTLS handshake
	// timeouts, and SCTP RTO exhaustion.
	ErrTimeout = errors.New("rtcore: timeout")

	// ErrResourceExhausted covers buffer/queue limits: jitter buffer
	// overrun, SCTP send-window exhaustion, too many data channels.
	ErrResourceExhausted = errors.New("rtcore: resource exhausted")

	// ErrPeerClosed covers a clean remote shutdown: SCTP SHUTDOWN, DCEP
	// channel close, or a signaled Hangup.
	ErrPeerClosed = errors.New("rtcore: peer closed")

	// ErrTransportLost covers ICE disconnection and DTLS/SCTP failures that
	// leave no path to retry without renegotiating.
	ErrTransportLost = errors.New("rtcore: transport lost")
)
