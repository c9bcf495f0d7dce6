package sctp

import (
	"encoding/binary"
	"hash/crc32"
)

// Common header, RFC 4960 §3.1: 12 bytes, followed by one or more chunks.
const headerLength = 12

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type header struct {
	sourcePort      uint16
	destPort        uint16
	verificationTag uint32
	checksum        uint32
}

func (h *header) marshal() []byte {
	b := make([]byte, headerLength)
	binary.BigEndian.PutUint16(b[0:2], h.sourcePort)
	binary.BigEndian.PutUint16(b[2:4], h.destPort)
	binary.BigEndian.PutUint32(b[4:8], h.verificationTag)
	binary.BigEndian.PutUint32(b[8:12], h.checksum)
	return b
}

func parseHeader(b []byte) (header, error) {
	if len(b) < headerLength {
		return header{}, errPacketTooShort
	}
	return header{
		sourcePort:      binary.BigEndian.Uint16(b[0:2]),
		destPort:        binary.BigEndian.Uint16(b[2:4]),
		verificationTag: binary.BigEndian.Uint32(b[4:8]),
		checksum:        binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// checksum computes the CRC-32c (Castagnoli) checksum of a serialized SCTP
// packet with the checksum field itself treated as zero, per RFC 4960 §6.8
// and Appendix B.
func checksum(packet []byte) uint32 {
	var buf [headerLength]byte
	copy(buf[:], packet[:headerLength])
	binary.BigEndian.PutUint32(buf[8:12], 0)

	crc := crc32.Update(0, crc32cTable, buf[:])
	crc = crc32.Update(crc, crc32cTable, packet[headerLength:])
	return crc
}

// packPacket serializes the common header (with a correct checksum) followed
// by the marshaled chunks.
func packPacket(h header, chunks []chunk) []byte {
	body := make([]byte, 0, 256)
	for _, c := range chunks {
		body = append(body, c.marshal()...)
		if pad := len(body) % 4; pad != 0 {
			body = append(body, make([]byte, 4-pad)...)
		}
	}

	h.checksum = 0
	packet := append(h.marshal(), body...)
	binary.BigEndian.PutUint32(packet[8:12], checksum(packet))
	return packet
}
