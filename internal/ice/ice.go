package ice

import (
	"os"
	"strings"

	"github.com/lanikai/rtcore/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ice")

const defaultStunServer = "stun2.l.google.com:19302"

// Config holds per-Agent gathering options, set by the owning Session
// rather than process-wide flags, since an rtcore process may host multiple
// concurrent sessions with independent NAT traversal servers.
type Config struct {
	// Whether to gather IPv6 host/server-reflexive candidates.
	EnableIPv6 bool

	// STUN server used to discover a server-reflexive candidate.
	StunServer string

	// TURN server used to allocate a relayed candidate. Optional; relay
	// gathering is skipped if empty.
	TurnServer string

	// HostCandidatePrivacy replaces the host candidate's literal IP address
	// with an ephemeral mDNS hostname, per the rtcweb-mdns-ice-candidates
	// draft, so that a browser-facing SDP answer does not leak the local
	// network topology. Off by default since it adds a multicast listener.
	HostCandidatePrivacy bool
}

func defaultConfig() Config {
	return Config{StunServer: defaultStunServer}
}

var traceEnabled = strings.Contains(","+os.Getenv("TRACE")+",", ",ice,")
