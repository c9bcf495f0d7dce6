// Package stun implements the STUN (Session Traversal Utilities for NAT)
// message codec from RFC 5389, including the subset of attributes needed by
// the ICE agent: XOR-MAPPED-ADDRESS, USERNAME, MESSAGE-INTEGRITY,
// FINGERPRINT, PRIORITY, USE-CANDIDATE, and the ICE role-conflict pair.
package stun

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
	"strings"
)

// Message classes (2 bits).
const (
	ClassRequest         uint16 = 0
	ClassIndication      uint16 = 1
	ClassSuccessResponse uint16 = 2
	ClassErrorResponse   uint16 = 3
)

// Methods (12 bits). Only Binding is used by this implementation;
// MethodAllocate is defined for TURN, but nothing in this package sends it.
const (
	MethodBinding  uint16 = 0x001
	MethodAllocate uint16 = 0x003
)

// Attribute types.
const (
	AttrMappedAddress     uint16 = 0x0001
	AttrUsername          uint16 = 0x0006
	AttrMessageIntegrity  uint16 = 0x0008
	AttrErrorCode         uint16 = 0x0009
	AttrUnknownAttributes uint16 = 0x000A
	AttrRequestedTransport uint16 = 0x0019
	AttrXorRelayedAddress uint16 = 0x0016
	AttrXorMappedAddress  uint16 = 0x0020
	AttrPriority          uint16 = 0x0024
	AttrUseCandidate      uint16 = 0x0025
	AttrSoftware          uint16 = 0x8022
	AttrFingerprint       uint16 = 0x8028
	AttrIceControlled     uint16 = 0x8029
	AttrIceControlling    uint16 = 0x802A
)

const (
	headerLength = 20
	magicCookie  = 0x2112A442

	magicCookieBytes       = "\x21\x12\xA4\x42"
	fingerprintXorConstant = 0x5354554E
)

var magicCookieAndZeroTransaction = []byte(magicCookieBytes)

// Message is a parsed STUN message: a 20-byte header followed by zero or
// more TLV attributes, each padded to a 4-byte boundary.
type Message struct {
	Class         uint16
	Method        uint16
	TransactionID string // 12 raw bytes, not hex-encoded
	Attributes    []Attribute

	length uint16 // body length, filled in as attributes are added
}

type Attribute struct {
	Type  uint16
	Value []byte
}

// New creates a message with a fresh random transaction ID.
func New(class, method uint16) *Message {
	tid := make([]byte, 12)
	rand.Read(tid)
	return &Message{Class: class, Method: method, TransactionID: string(tid)}
}

func NewBindingRequest() *Message {
	return New(ClassRequest, MethodBinding)
}

// Parse decodes a STUN message from the wire. It returns (nil, nil) if data
// does not look like STUN at all, so callers can use it as a classifier.
func Parse(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, nil
	}
	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType>>14 != 0 {
		return nil, nil
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if length%4 != 0 {
		return nil, nil
	}
	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return nil, nil
	}
	if int(headerLength+length) > len(data) {
		return nil, fmt.Errorf("stun: truncated message: want %d body bytes, have %d", length, len(data)-headerLength)
	}

	class, method := decomposeMessageType(messageType)
	msg := &Message{
		Class:         class,
		Method:        method,
		TransactionID: string(data[8:20]),
		length:        length,
	}

	b := bytes.NewBuffer(data[headerLength : headerLength+int(length)])
	for b.Len() > 0 {
		attr, err := parseAttribute(b)
		if err != nil {
			return msg, err
		}
		msg.Attributes = append(msg.Attributes, attr)
	}
	return msg, nil
}

func (msg *Message) String() string {
	var b strings.Builder
	switch msg.Class {
	case ClassRequest:
		b.WriteString("STUN request")
	case ClassIndication:
		b.WriteString("STUN indication")
	case ClassSuccessResponse:
		b.WriteString("STUN success response")
	case ClassErrorResponse:
		b.WriteString("STUN error response")
	}
	if msg.Method != MethodBinding {
		fmt.Fprintf(&b, " method=%#x", msg.Method)
	}
	fmt.Fprintf(&b, " tid=%x", msg.TransactionID)
	return b.String()
}

func (msg *Message) Add(t uint16, v []byte) *Attribute {
	value := append([]byte(nil), v...)
	attr := Attribute{Type: t, Value: value}
	msg.Attributes = append(msg.Attributes, attr)
	msg.length += uint16(attr.numBytes())
	return &msg.Attributes[len(msg.Attributes)-1]
}

func (msg *Message) Get(t uint16) (Attribute, bool) {
	for _, a := range msg.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Bytes serializes the message, recomputing the header length field from the
// attributes currently present.
func (msg *Message) Bytes() []byte {
	var body bytes.Buffer
	for _, a := range msg.Attributes {
		writeAttribute(a, &body)
	}
	msg.length = uint16(body.Len())

	buf := make([]byte, headerLength+body.Len())
	binary.BigEndian.PutUint16(buf[0:2], composeMessageType(msg.Class, msg.Method))
	binary.BigEndian.PutUint16(buf[2:4], msg.length)
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], msg.TransactionID)
	copy(buf[20:], body.Bytes())
	return buf
}

// Message type bit layout, RFC 5389 Figure 3.
const (
	classMask1  = 0x0100
	classMask2  = 0x0010
	methodMask1 = 0x3e00
	methodMask2 = 0x00e0
	methodMask3 = 0x000f
)

func composeMessageType(class, method uint16) uint16 {
	t := (class<<7)&classMask1 | (class<<4)&classMask2
	t |= (method<<2)&methodMask1 | (method<<1)&methodMask2 | (method & methodMask3)
	return t
}

func decomposeMessageType(t uint16) (uint16, uint16) {
	class := (t&classMask1)>>7 | (t&classMask2)>>4
	method := (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return class, method
}

func parseAttribute(b *bytes.Buffer) (Attribute, error) {
	if b.Len() < 4 {
		return Attribute{}, fmt.Errorf("stun: truncated attribute header")
	}
	typ := binary.BigEndian.Uint16(b.Next(2))
	length := binary.BigEndian.Uint16(b.Next(2))
	if int(length) > b.Len() {
		return Attribute{}, fmt.Errorf("stun: attribute %#x declares length %d beyond buffer", typ, length)
	}
	value := make([]byte, length)
	copy(value, b.Next(int(length)))
	b.Next(pad4(length))
	return Attribute{Type: typ, Value: value}, nil
}

func writeAttribute(a Attribute, b *bytes.Buffer) {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], a.Type)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
	b.Write(hdr[:])
	b.Write(a.Value)
	b.Write(make([]byte, pad4(uint16(len(a.Value)))))
}

func (a Attribute) numBytes() int {
	return 4 + len(a.Value) + pad4(uint16(len(a.Value)))
}

func pad4(n uint16) int {
	return -int(n) & 3
}

// XOR-MAPPED-ADDRESS, RFC 5389 §15.2.

func (msg *Message) SetXorMappedAddress(addr *net.UDPAddr) {
	msg.Add(AttrXorMappedAddress, encodeXorAddress(addr, msg.TransactionID))
}

func (msg *Message) XorMappedAddress() (*net.UDPAddr, bool) {
	if a, ok := msg.Get(AttrXorMappedAddress); ok {
		return decodeXorAddress(a.Value, msg.TransactionID)
	}
	return nil, false
}

func encodeXorAddress(addr *net.UDPAddr, transactionID string) []byte {
	ip4 := addr.IP.To4()
	var value []byte
	if ip4 != nil {
		value = make([]byte, 8)
		value[1] = 0x01
		copy(value[4:8], ip4)
	} else {
		value = make([]byte, 20)
		value[1] = 0x02
		copy(value[4:20], addr.IP.To16())
	}
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port))
	xorBytes(value[2:4], magicCookieBytes[0:2])
	xorBytes(value[4:8], magicCookieBytes)
	if len(value) == 20 {
		xorBytes(value[8:20], transactionID)
	}
	return value
}

func decodeXorAddress(value []byte, transactionID string) (*net.UDPAddr, bool) {
	if len(value) < 8 {
		return nil, false
	}
	family := value[1]
	port := make([]byte, 2)
	copy(port, value[2:4])
	xorBytes(port, magicCookieBytes[0:2])

	addr := &net.UDPAddr{Port: int(binary.BigEndian.Uint16(port))}
	switch family {
	case 0x01:
		if len(value) < 8 {
			return nil, false
		}
		ip := make([]byte, 4)
		copy(ip, value[4:8])
		xorBytes(ip, magicCookieBytes)
		addr.IP = ip
	case 0x02:
		if len(value) < 20 {
			return nil, false
		}
		ip := make([]byte, 16)
		copy(ip, value[4:20])
		xorBytes(ip[0:4], magicCookieBytes)
		xorBytes(ip[4:16], transactionID)
		addr.IP = ip
	default:
		return nil, false
	}
	return addr, true
}

func xorBytes(dst []byte, key string) {
	for i := range dst {
		dst[i] ^= key[i]
	}
}

// MESSAGE-INTEGRITY, RFC 5389 §15.4.
func (msg *Message) AddMessageIntegrity(key string) {
	attr := msg.Add(AttrMessageIntegrity, make([]byte, 20))
	b := msg.Bytes()
	prefix := len(b) - attr.numBytes()

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(b[:prefix])
	copy(attr.Value, mac.Sum(nil))
}

func (msg *Message) VerifyMessageIntegrity(key string) bool {
	attr, ok := msg.Get(AttrMessageIntegrity)
	if !ok || len(attr.Value) != 20 {
		return false
	}

	// Recompute over a copy with everything after MESSAGE-INTEGRITY removed,
	// per RFC 5389 §15.4: the length field then counts attributes only up to
	// and including MESSAGE-INTEGRITY.
	clone := *msg
	clone.Attributes = nil
	for _, a := range msg.Attributes {
		if a.Type == AttrMessageIntegrity {
			break
		}
		clone.Attributes = append(clone.Attributes, a)
	}
	clone.Add(AttrMessageIntegrity, make([]byte, 20))
	b := clone.Bytes()
	prefix := len(b) - (4 + 20)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(b[:prefix])
	return hmac.Equal(mac.Sum(nil), attr.Value)
}

// FINGERPRINT, RFC 5389 §15.5.
func (msg *Message) AddFingerprint() {
	attr := msg.Add(AttrFingerprint, make([]byte, 4))
	b := msg.Bytes()
	prefix := len(b) - attr.numBytes()
	crc := crc32.ChecksumIEEE(b[:prefix]) ^ fingerprintXorConstant
	binary.BigEndian.PutUint32(attr.Value, crc)
}

func (msg *Message) VerifyFingerprint() bool {
	attr, ok := msg.Get(AttrFingerprint)
	if !ok || len(attr.Value) != 4 {
		return false
	}
	b := msg.Bytes()
	prefix := len(b) - attr.numBytes()
	want := crc32.ChecksumIEEE(b[:prefix]) ^ fingerprintXorConstant
	return binary.BigEndian.Uint32(attr.Value) == want
}

// PRIORITY / USE-CANDIDATE / ICE-CONTROLLED / ICE-CONTROLLING, RFC 8445 §7.1.1.

func (msg *Message) SetPriority(priority uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, priority)
	msg.Add(AttrPriority, v)
}

func (msg *Message) Priority() (uint32, bool) {
	a, ok := msg.Get(AttrPriority)
	if !ok || len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

func (msg *Message) SetUseCandidate() {
	msg.Add(AttrUseCandidate, nil)
}

func (msg *Message) HasUseCandidate() bool {
	_, ok := msg.Get(AttrUseCandidate)
	return ok
}

func (msg *Message) SetUsername(username string) {
	msg.Add(AttrUsername, []byte(username))
}

func (msg *Message) Username() (string, bool) {
	a, ok := msg.Get(AttrUsername)
	return string(a.Value), ok
}

func (msg *Message) SetIceControlling(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	msg.Add(AttrIceControlling, v)
}

func (msg *Message) SetIceControlled(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	msg.Add(AttrIceControlled, v)
}

// classifier helpers shared with package mux (RFC 7983).

// LooksLikeSTUN reports whether the first byte of buf falls in the range
// reserved for STUN/TURN channel data (0..3), per RFC 7983 §7.
func LooksLikeSTUN(buf []byte) bool {
	return len(buf) > 0 && buf[0] <= 3
}
