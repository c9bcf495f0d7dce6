package mux

// MatchFunc inspects the first bytes of a packet (without consuming it) and
// reports whether it belongs to the associated Endpoint.
type MatchFunc func([]byte) bool

// MatchRange builds a MatchFunc that matches packets whose first byte falls
// in [lo, hi], inclusive.
func MatchRange(lo, hi byte) MatchFunc {
	return func(buf []byte) bool {
		return len(buf) > 0 && buf[0] >= lo && buf[0] <= hi
	}
}

// Demultiplexing a single UDP 5-tuple among STUN, DTLS, and RTP/RTCP follows
// the first-byte classification in [RFC7983 §7]:
//
//	0-3          = STUN
//	20-63        = DTLS
//	128-191      = RTP or RTCP
//
// RTP and RTCP share the 128-191 band; they are distinguished by the second
// byte, the payload type / packet type field: RTCP packet types are defined
// in [192, 223] (SR=200, RR=201, SDES=202, BYE=203, APP=204, plus the
// RFC5760-extended range), so any second byte in that range is RTCP.
const (
	rtcpPacketTypeLow  = 192
	rtcpPacketTypeHigh = 223
)

// MatchSTUN reports whether buf looks like a STUN/TURN message.
func MatchSTUN(buf []byte) bool {
	return len(buf) > 0 && buf[0] <= 3
}

// MatchDTLS reports whether buf looks like a DTLS record.
func MatchDTLS(buf []byte) bool {
	return len(buf) > 0 && buf[0] >= 20 && buf[0] <= 63
}

// MatchSRTP reports whether buf looks like an SRTP (not SRTCP) packet.
func MatchSRTP(buf []byte) bool {
	if len(buf) < 2 || buf[0] < 128 || buf[0] > 191 {
		return false
	}
	return buf[1] < rtcpPacketTypeLow || buf[1] > rtcpPacketTypeHigh
}

// MatchSRTCP reports whether buf looks like an SRTCP packet.
func MatchSRTCP(buf []byte) bool {
	if len(buf) < 2 || buf[0] < 128 || buf[0] > 191 {
		return false
	}
	return buf[1] >= rtcpPacketTypeLow && buf[1] <= rtcpPacketTypeHigh
}
