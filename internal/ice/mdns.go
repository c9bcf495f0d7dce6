package ice

// Host-candidate privacy per the rtcweb-mdns-ice-candidates draft: instead of
// advertising a host candidate's literal LAN IP in SDP, announce an ephemeral
// UUID-based ".local" hostname over multicast DNS and put that in the
// candidate line instead. See internal/ice/mdns for the RFC 6762 client.

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanikai/rtcore/internal/ice/mdns"
)

// mdnsOnce guards the single process-wide mDNS client: every obfuscated base
// shares one pair of multicast sockets, per [RFC6762].
var mdnsOnce sync.Once
var mdnsStartErr error

// mdnsTTL is how long an announced ephemeral hostname stays valid. A session
// lasts far less than this in practice; it just needs to outlive ICE
// gathering and the handful of reconnect attempts during a call.
const mdnsTTL = 10 * time.Minute

// obfuscateHostCandidate swaps a host candidate's literal IP address for a
// freshly generated UUID-based ".local" hostname, announced over mDNS so a
// peer on the same LAN can resolve it without the IP ever appearing in SDP.
func obfuscateHostCandidate(ctx context.Context, hc Candidate) (Candidate, error) {
	mdnsOnce.Do(func() { mdnsStartErr = mdns.Start() })
	if mdnsStartErr != nil {
		return hc, mdnsStartErr
	}

	name := uuid.New().String() + ".local"
	ip := net.ParseIP(hc.address.ip)
	if ip == nil {
		return hc, fmt.Errorf("mdns: host candidate has no literal IP: %s", hc.address.ip)
	}
	if err := mdns.Announce(ctx, name, ip, mdnsTTL); err != nil {
		return hc, err
	}

	hc.address.ip = name
	return hc, nil
}

// resolveMdnsCandidate resolves a peer's ephemeral mDNS host candidate to its
// real IP address, for connectivity checks against a remote candidate that
// arrived with a ".local" hostname instead of a literal address.
func resolveMdnsCandidate(ctx context.Context, host string) (net.IP, error) {
	return mdns.Resolve(ctx, host)
}
