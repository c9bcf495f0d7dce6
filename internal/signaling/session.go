package signaling

import (
	"context"

	"github.com/lanikai/rtcore/internal/ice"
)

// SessionHandler is invoked in its own goroutine for every incoming call,
// however it was signaled (local websocket, MQTT, ...), and negotiates and
// runs a peer connection against the Session it is handed.
type SessionHandler func(*Session)

// A Session is one call's worth of signaling exchange: the SDP offer/answer
// and trickled ICE candidates needed to establish a peer connection,
// independent of which transport carried them.
type Session struct {
	// Context is cancelled when the underlying signaling transport for this
	// call closes.
	Context context.Context

	// Offer delivers the remote peer's SDP offer. Exactly one value is sent.
	Offer <-chan string

	// RemoteCandidates delivers trickled remote ICE candidates. Closed when
	// the remote peer signals end-of-candidates.
	RemoteCandidates <-chan ice.Candidate

	// SendAnswer delivers our local SDP answer back to the remote peer.
	SendAnswer func(sdp string) error

	// SendLocalCandidate trickles a local ICE candidate to the remote peer.
	SendLocalCandidate func(c ice.Candidate) error
}
