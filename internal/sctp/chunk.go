package sctp

import (
	"encoding/binary"
)

// Chunk type values, RFC 4960 §3.2.
type chunkKind byte

const (
	ctData             chunkKind = 0
	ctInit             chunkKind = 1
	ctInitAck          chunkKind = 2
	ctSack             chunkKind = 3
	ctHeartbeat        chunkKind = 4
	ctHeartbeatAck     chunkKind = 5
	ctAbort            chunkKind = 6
	ctShutdown         chunkKind = 7
	ctShutdownAck      chunkKind = 8
	ctError            chunkKind = 9
	ctCookieEcho       chunkKind = 10
	ctCookieAck        chunkKind = 11
	ctShutdownComplete chunkKind = 14
)

const chunkHeaderLength = 4

type chunk interface {
	kind() chunkKind
	marshal() []byte
}

// chunkTLVHeader writes the 4-byte type/flags/length prefix that every
// chunk begins with; length covers the header itself plus body, excluding
// any padding.
func chunkTLVHeader(kind chunkKind, flags byte, bodyLen int) []byte {
	b := make([]byte, chunkHeaderLength)
	b[0] = byte(kind)
	b[1] = flags
	binary.BigEndian.PutUint16(b[2:4], uint16(chunkHeaderLength+bodyLen))
	return b
}

// parseChunk reads one chunk (including its padding to a 4-byte boundary)
// from the front of b, returning the chunk and the number of bytes consumed.
func parseChunk(b []byte) (chunk, int, error) {
	if len(b) < chunkHeaderLength {
		return nil, 0, errChunkTooShort
	}
	kind := chunkKind(b[0])
	flags := b[1]
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < chunkHeaderLength || length > len(b) {
		return nil, 0, errChunkTooShort
	}
	body := b[chunkHeaderLength:length]
	padded := length
	if pad := padded % 4; pad != 0 {
		padded += 4 - pad
	}
	if padded > len(b) {
		padded = len(b)
	}

	var c chunk
	var err error
	switch kind {
	case ctData:
		c, err = parseDataChunk(flags, body)
	case ctInit:
		c, err = parseInitChunk(body, false)
	case ctInitAck:
		c, err = parseInitChunk(body, true)
	case ctSack:
		c, err = parseSackChunk(body)
	case ctHeartbeat:
		c = &heartbeatChunk{ack: false, info: append([]byte(nil), body...)}
	case ctHeartbeatAck:
		c = &heartbeatChunk{ack: true, info: append([]byte(nil), body...)}
	case ctAbort:
		c = &abortChunk{reason: string(body)}
	case ctShutdown:
		if len(body) < 4 {
			return nil, 0, errChunkTooShort
		}
		c = &shutdownChunk{cumulativeTSNAck: binary.BigEndian.Uint32(body[0:4])}
	case ctShutdownAck:
		c = &shutdownAckChunk{}
	case ctCookieEcho:
		c = &cookieEchoChunk{cookie: append([]byte(nil), body...)}
	case ctCookieAck:
		c = &cookieAckChunk{}
	case ctShutdownComplete:
		c = &shutdownCompleteChunk{tagReflected: flags&1 != 0}
	default:
		c = &unknownChunk{k: kind, body: append([]byte(nil), body...)}
	}
	if err != nil {
		return nil, 0, err
	}
	return c, padded, nil
}

type unknownChunk struct {
	k    chunkKind
	body []byte
}

func (c *unknownChunk) kind() chunkKind { return c.k }
func (c *unknownChunk) marshal() []byte {
	return append(chunkTLVHeader(c.k, 0, len(c.body)), c.body...)
}

// dataChunk carries one fragment of a user message. B/E mark the first and
// last fragment of a fragmented SDU; U marks an unordered message.
type dataChunk struct {
	unordered bool
	begin     bool
	end       bool
	tsn       uint32
	streamID  uint16
	ssn       uint16
	ppid      uint32
	payload   []byte
}

const (
	dataFlagEnd       = 1 << 0
	dataFlagBegin     = 1 << 1
	dataFlagUnordered = 1 << 2
)

func (c *dataChunk) kind() chunkKind { return ctData }

func (c *dataChunk) marshal() []byte {
	var flags byte
	if c.end {
		flags |= dataFlagEnd
	}
	if c.begin {
		flags |= dataFlagBegin
	}
	if c.unordered {
		flags |= dataFlagUnordered
	}

	body := make([]byte, 12, 12+len(c.payload))
	binary.BigEndian.PutUint32(body[0:4], c.tsn)
	binary.BigEndian.PutUint16(body[4:6], c.streamID)
	binary.BigEndian.PutUint16(body[6:8], c.ssn)
	binary.BigEndian.PutUint32(body[8:12], c.ppid)
	body = append(body, c.payload...)

	return append(chunkTLVHeader(ctData, flags, len(body)), body...)
}

func parseDataChunk(flags byte, body []byte) (*dataChunk, error) {
	if len(body) < 12 {
		return nil, errChunkTooShort
	}
	return &dataChunk{
		unordered: flags&dataFlagUnordered != 0,
		begin:     flags&dataFlagBegin != 0,
		end:       flags&dataFlagEnd != 0,
		tsn:       binary.BigEndian.Uint32(body[0:4]),
		streamID:  binary.BigEndian.Uint16(body[4:6]),
		ssn:       binary.BigEndian.Uint16(body[6:8]),
		ppid:      binary.BigEndian.Uint32(body[8:12]),
		payload:   append([]byte(nil), body[12:]...),
	}, nil
}

// initChunk represents both INIT and INIT-ACK; the only structural
// difference is that INIT-ACK's parameter list carries a mandatory
// STATE-COOKIE parameter.
type initChunk struct {
	isAck           bool
	initiateTag     uint32
	aRwnd           uint32
	outboundStreams uint16
	inboundStreams  uint16
	initialTSN      uint32
	cookie          []byte // only set/used for INIT-ACK
}

func (c *initChunk) kind() chunkKind {
	if c.isAck {
		return ctInitAck
	}
	return ctInit
}

const (
	paramTypeStateCookie = 7
)

func (c *initChunk) marshal() []byte {
	body := make([]byte, 16)
	binary.BigEndian.PutUint32(body[0:4], c.initiateTag)
	binary.BigEndian.PutUint32(body[4:8], c.aRwnd)
	binary.BigEndian.PutUint16(body[8:10], c.outboundStreams)
	binary.BigEndian.PutUint16(body[10:12], c.inboundStreams)
	binary.BigEndian.PutUint32(body[12:16], c.initialTSN)

	if c.isAck && len(c.cookie) > 0 {
		param := make([]byte, 4+len(c.cookie))
		binary.BigEndian.PutUint16(param[0:2], paramTypeStateCookie)
		binary.BigEndian.PutUint16(param[2:4], uint16(4+len(c.cookie)))
		copy(param[4:], c.cookie)
		if pad := len(param) % 4; pad != 0 {
			param = append(param, make([]byte, 4-pad)...)
		}
		body = append(body, param...)
	}

	return append(chunkTLVHeader(c.kind(), 0, len(body)), body...)
}

func parseInitChunk(body []byte, isAck bool) (*initChunk, error) {
	if len(body) < 16 {
		return nil, errChunkTooShort
	}
	c := &initChunk{
		isAck:           isAck,
		initiateTag:     binary.BigEndian.Uint32(body[0:4]),
		aRwnd:           binary.BigEndian.Uint32(body[4:8]),
		outboundStreams: binary.BigEndian.Uint16(body[8:10]),
		inboundStreams:  binary.BigEndian.Uint16(body[10:12]),
		initialTSN:      binary.BigEndian.Uint32(body[12:16]),
	}

	params := body[16:]
	for len(params) >= 4 {
		ptype := binary.BigEndian.Uint16(params[0:2])
		plen := int(binary.BigEndian.Uint16(params[2:4]))
		if plen < 4 || plen > len(params) {
			break
		}
		if ptype == paramTypeStateCookie {
			c.cookie = append([]byte(nil), params[4:plen]...)
		}
		padded := plen
		if pad := padded % 4; pad != 0 {
			padded += 4 - pad
		}
		if padded > len(params) {
			break
		}
		params = params[padded:]
	}
	return c, nil
}

// gapAckBlock is one (start, end) run of received TSNs above the cumulative
// ack point, relative to it, per RFC 4960 §3.3.4.
type gapAckBlock struct {
	start, end uint16
}

type sackChunk struct {
	cumulativeTSNAck uint32
	aRwnd            uint32
	gaps             []gapAckBlock
	duplicateTSNs    []uint32
}

func (c *sackChunk) kind() chunkKind { return ctSack }

func (c *sackChunk) marshal() []byte {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], c.cumulativeTSNAck)
	binary.BigEndian.PutUint32(body[4:8], c.aRwnd)
	binary.BigEndian.PutUint16(body[8:10], uint16(len(c.gaps)))
	binary.BigEndian.PutUint16(body[10:12], uint16(len(c.duplicateTSNs)))

	for _, g := range c.gaps {
		var gb [4]byte
		binary.BigEndian.PutUint16(gb[0:2], g.start)
		binary.BigEndian.PutUint16(gb[2:4], g.end)
		body = append(body, gb[:]...)
	}
	for _, d := range c.duplicateTSNs {
		var db [4]byte
		binary.BigEndian.PutUint32(db[:], d)
		body = append(body, db[:]...)
	}

	return append(chunkTLVHeader(ctSack, 0, len(body)), body...)
}

func parseSackChunk(body []byte) (*sackChunk, error) {
	if len(body) < 12 {
		return nil, errChunkTooShort
	}
	c := &sackChunk{
		cumulativeTSNAck: binary.BigEndian.Uint32(body[0:4]),
		aRwnd:            binary.BigEndian.Uint32(body[4:8]),
	}
	numGaps := int(binary.BigEndian.Uint16(body[8:10]))
	numDups := int(binary.BigEndian.Uint16(body[10:12]))

	off := 12
	for i := 0; i < numGaps && off+4 <= len(body); i++ {
		c.gaps = append(c.gaps, gapAckBlock{
			start: binary.BigEndian.Uint16(body[off : off+2]),
			end:   binary.BigEndian.Uint16(body[off+2 : off+4]),
		})
		off += 4
	}
	for i := 0; i < numDups && off+4 <= len(body); i++ {
		c.duplicateTSNs = append(c.duplicateTSNs, binary.BigEndian.Uint32(body[off:off+4]))
		off += 4
	}
	return c, nil
}

type heartbeatChunk struct {
	ack  bool
	info []byte
}

func (c *heartbeatChunk) kind() chunkKind {
	if c.ack {
		return ctHeartbeatAck
	}
	return ctHeartbeat
}

func (c *heartbeatChunk) marshal() []byte {
	return append(chunkTLVHeader(c.kind(), 0, len(c.info)), c.info...)
}

type abortChunk struct {
	reason string
}

func (c *abortChunk) kind() chunkKind { return ctAbort }
func (c *abortChunk) marshal() []byte {
	return append(chunkTLVHeader(ctAbort, 0, len(c.reason)), []byte(c.reason)...)
}

type shutdownChunk struct {
	cumulativeTSNAck uint32
}

func (c *shutdownChunk) kind() chunkKind { return ctShutdown }
func (c *shutdownChunk) marshal() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, c.cumulativeTSNAck)
	return append(chunkTLVHeader(ctShutdown, 0, len(body)), body...)
}

type shutdownAckChunk struct{}

func (c *shutdownAckChunk) kind() chunkKind { return ctShutdownAck }
func (c *shutdownAckChunk) marshal() []byte { return chunkTLVHeader(ctShutdownAck, 0, 0) }

type shutdownCompleteChunk struct {
	tagReflected bool
}

func (c *shutdownCompleteChunk) kind() chunkKind { return ctShutdownComplete }
func (c *shutdownCompleteChunk) marshal() []byte {
	var flags byte
	if c.tagReflected {
		flags = 1
	}
	return chunkTLVHeader(ctShutdownComplete, flags, 0)
}

type cookieEchoChunk struct {
	cookie []byte
}

func (c *cookieEchoChunk) kind() chunkKind { return ctCookieEcho }
func (c *cookieEchoChunk) marshal() []byte {
	return append(chunkTLVHeader(ctCookieEcho, 0, len(c.cookie)), c.cookie...)
}

type cookieAckChunk struct{}

func (c *cookieAckChunk) kind() chunkKind { return ctCookieAck }
func (c *cookieAckChunk) marshal() []byte { return chunkTLVHeader(ctCookieAck, 0, 0) }

// parsePacket splits a datagram into its header and chunk list.
func parsePacket(buf []byte) (header, []chunk, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return header{}, nil, err
	}
	if checksum(buf) != h.checksum {
		return header{}, nil, errChecksumInvalid
	}

	var chunks []chunk
	body := buf[headerLength:]
	for len(body) > 0 {
		c, n, err := parseChunk(body)
		if err != nil {
			break
		}
		chunks = append(chunks, c)
		body = body[n:]
	}
	return h, chunks, nil
}
