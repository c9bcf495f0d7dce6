// Package srtp implements Secure RTP and Secure RTCP, RFC 3711, with the
// AES-128 counter-mode cipher and HMAC-SHA1-80 authentication tag mandated
// by the SDES/DTLS-SRTP default crypto suite.
//
// A single Context holds the six session keys derived from one SRTP master
// key/salt pair (separate encryption and authentication keys for SRTP and
// SRTCP, per RFC 3711 §4.3) plus the per-SSRC rollover state and replay
// windows needed to encrypt or verify a stream in either direction.
package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash"
	"sync"
)

const (
	// See https://tools.ietf.org/html/rfc3711#section-8.2
	authKeyLength    = 20 // n_a = 160 bits
	authTagLength    = 10 // n_tag = 80 bits
	encryptKeyLength = 16 // n_e = 128 bits
	saltKeyLength    = 14 // n_s = 112 bits

	// E-flag that gets combined with the SRTCP index.
	eFlagMask = 1 << 31

	// Size in entries of the replay protection sliding window. Spec'd at 64
	// by RFC 3711 §3.3.2 ("SHOULD be 64") and by this package's callers.
	replayWindowSize = 64
)

// Context holds the session keys and per-SSRC state for one SRTP/SRTCP
// crypto suite instance. A single Context serves both directions of a
// session: the send half only ever touches sender-owned state
// (rolloverState for the local SSRC), the receive half only ever touches
// receiver-owned state (rolloverState + replayWindow for each remote SSRC),
// so no further locking is needed beyond the map guard below.
type Context struct {
	srtpEncrypt, srtpDecrypt   encryptFunc
	srtcpEncrypt, srtcpDecrypt encryptFunc
	authSRTP, authSRTCP        authFunc

	mu       sync.Mutex
	rollover map[uint32]*rolloverState
	replay   map[uint32]*replayWindow
	rtcpRepl map[uint32]*replayWindow
}

// CreateContext derives session keys from an SRTP master key and salt (each
// as exchanged via DTLS-SRTP keying material, see internal/dtlstransport)
// and returns a ready-to-use Context.
func CreateContext(masterKey, masterSalt []byte) (*Context, error) {
	if len(masterKey) != encryptKeyLength {
		return nil, errBadKeyLength
	}
	if len(masterSalt) != saltKeyLength {
		return nil, errBadSaltLength
	}

	var (
		srtpEncKey  = deriveKey(masterKey, masterSalt, 0x00, encryptKeyLength)
		srtpAuthKey = deriveKey(masterKey, masterSalt, 0x01, authKeyLength)
		srtpSalt    = deriveKey(masterKey, masterSalt, 0x02, saltKeyLength)
		srtcpEncKey = deriveKey(masterKey, masterSalt, 0x03, encryptKeyLength)
		srtcpAuthKey = deriveKey(masterKey, masterSalt, 0x04, authKeyLength)
		srtcpSalt    = deriveKey(masterKey, masterSalt, 0x05, saltKeyLength)
	)

	srtpCipher, err := aesCounterMode(srtpEncKey, srtpSalt)
	if err != nil {
		return nil, err
	}
	srtcpCipher, err := aesCounterMode(srtcpEncKey, srtcpSalt)
	if err != nil {
		return nil, err
	}

	return &Context{
		srtpEncrypt:  srtpCipher,
		srtpDecrypt:  srtpCipher,
		srtcpEncrypt: srtcpCipher,
		srtcpDecrypt: srtcpCipher,
		authSRTP:     hmacSHA1(srtpAuthKey),
		authSRTCP:    hmacSHA1(srtcpAuthKey),
		rollover:     make(map[uint32]*rolloverState),
		replay:       make(map[uint32]*replayWindow),
		rtcpRepl:     make(map[uint32]*replayWindow),
	}, nil
}

// An encryptFunc encrypts (or, being a stream cipher, equivalently
// decrypts) a payload in place, using the keystream unique to this SSRC and
// packet index.
type encryptFunc func(payload []byte, ssrc uint32, index uint64)

// An authFunc computes the truncated authentication tag for a message.
type authFunc func(m []byte) []byte

// EncryptAndSignRTP encrypts the RTP payload (buf[payloadStart:]) in place
// and appends the authentication tag, per RFC 3711 §3.1/§4.2. index is the
// packet's 48-bit extended sequence number (ROC<<16 | SEQ), tracked by the
// caller (internal/rtp's rtpWriter) since only it knows the send-side ROC.
func (c *Context) EncryptAndSignRTP(buf []byte, payloadStart int, ssrc uint32, index uint64) []byte {
	c.srtpEncrypt(buf[payloadStart:], ssrc, trunc(index, 48))

	// M = Authenticated Portion || ROC, per RFC 3711 §4.2.
	roc := make([]byte, 4)
	binary.BigEndian.PutUint32(roc, uint32(index>>16))
	tag := c.authSRTP(append(buf, roc...))
	return append(buf, tag...)
}

// VerifyAndDecryptRTP authenticates and decrypts an incoming SRTP packet.
// buf is the full wire packet (header || encrypted payload || auth tag),
// payloadStart is the offset of the payload (after the RTP header and any
// CSRC list), and index is the receiver's estimate of the packet's extended
// sequence number. Returns the decrypted payload. Rejects packets that fail
// the replay check or the authentication check without mutating state, so a
// forged or replayed packet can never advance the rollover counter or
// replay window.
func (c *Context) VerifyAndDecryptRTP(buf []byte, payloadStart int, ssrc uint32, index uint64) ([]byte, error) {
	tagStart := len(buf) - authTagLength
	if tagStart < payloadStart {
		return nil, errPacketTooShort
	}

	window := c.replayWindowFor(ssrc)
	if !window.accept(index) {
		return nil, errReplayed
	}

	roc := make([]byte, 4)
	binary.BigEndian.PutUint32(roc, uint32(index>>16))
	expected := c.authSRTP(append(append([]byte(nil), buf[:tagStart]...), roc...))
	if !hmac.Equal(expected, buf[tagStart:]) {
		return nil, errAuthenticationFailed
	}

	window.update(index)

	payload := buf[payloadStart:tagStart]
	c.srtpDecrypt(payload, ssrc, trunc(index, 48))
	return payload, nil
}

// EncryptAndSignRTCP encrypts an SRTCP packet's body (everything after the
// fixed 8-byte RTCP header) and appends the E-flag-tagged index and
// authentication tag, per RFC 3711 §3.4. SRTCP always encrypts (E=1).
func (c *Context) EncryptAndSignRTCP(buf []byte, ssrc uint32, index uint32) []byte {
	c.srtcpEncrypt(buf[8:], ssrc, uint64(trunc(uint64(index), 31)))

	tail := make([]byte, 4)
	binary.BigEndian.PutUint32(tail, eFlagMask|index)
	buf = append(buf, tail...)
	tag := c.authSRTCP(buf)
	return append(buf, tag...)
}

// VerifyAndDecryptRTCP authenticates, decrypts, and returns the body of an
// incoming SRTCP packet, along with its 31-bit index.
func (c *Context) VerifyAndDecryptRTCP(buf []byte) ([]byte, uint32, error) {
	if len(buf) < 8+4+authTagLength {
		return nil, 0, errPacketTooShort
	}

	tagStart := len(buf) - authTagLength
	indexStart := tagStart - 4

	ssrc := binary.BigEndian.Uint32(buf[4:8])
	rawIndex := binary.BigEndian.Uint32(buf[indexStart:tagStart])
	index := rawIndex &^ eFlagMask

	window := c.rtcpReplayWindowFor(ssrc)
	if !window.accept(uint64(index)) {
		return nil, 0, errReplayed
	}

	expected := c.authSRTCP(buf[:tagStart])
	if !hmac.Equal(expected, buf[tagStart:]) {
		return nil, 0, errAuthenticationFailed
	}
	window.update(uint64(index))

	body := buf[8:indexStart]
	if rawIndex&eFlagMask != 0 {
		c.srtcpDecrypt(body, ssrc, uint64(index))
	}
	return body, index, nil
}

func (c *Context) replayWindowFor(ssrc uint32) *replayWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.replay[ssrc]
	if !ok {
		w = new(replayWindow)
		c.replay[ssrc] = w
	}
	return w
}

func (c *Context) rtcpReplayWindowFor(ssrc uint32) *replayWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.rtcpRepl[ssrc]
	if !ok {
		w = new(replayWindow)
		c.rtcpRepl[ssrc] = w
	}
	return w
}

// rolloverState tracks the 48-bit extended sequence number (ROC<<16 | SEQ)
// for one received SSRC. internal/rtp keeps its own copy of this
// bookkeeping (rtpWriter.index, rtpReader.updateIndex); Context exposes
// UpdateRecvIndex for callers that don't track the receive-side ROC
// themselves. There is no send-side counterpart.
type rolloverState struct {
	lastSequence uint16
	lastIndex    uint64
	initialized  bool
}

// UpdateRecvIndex folds a freshly observed 16-bit sequence number into the
// 48-bit extended index for ssrc, correcting for wraparound the same way
// RFC 3711 §3.3.1 describes, and returns the resulting index.
func (c *Context) UpdateRecvIndex(ssrc uint32, sequence uint16) uint64 {
	c.mu.Lock()
	s, ok := c.rollover[ssrc]
	if !ok {
		s = new(rolloverState)
		c.rollover[ssrc] = s
	}
	c.mu.Unlock()

	if !s.initialized {
		s.initialized = true
		s.lastSequence = sequence
		s.lastIndex = uint64(sequence)
		return s.lastIndex
	}

	delta := int64(sequence) - int64(s.lastSequence)
	if delta > 32768 {
		delta -= 65536
	} else if delta <= -32768 {
		delta += 65536
	}

	index := uint64(int64(s.lastIndex) + delta)
	if index > s.lastIndex {
		s.lastIndex = index
		s.lastSequence = sequence
	}
	return index
}

// replayWindow implements the sliding-window replay check of RFC 3711
// §3.3.2: a packet is accepted if its index is newer than anything seen so
// far, or if it falls within the trailing replayWindowSize indices and has
// not already been marked received.
type replayWindow struct {
	mu          sync.Mutex
	highest     uint64
	bitmap      uint64
	initialized bool
}

// accept reports whether index passes the replay check, without mutating
// window state. Call update only after the packet has also passed
// authentication, so a forged packet can never poison the window.
func (w *replayWindow) accept(index uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		return true
	}
	if index > w.highest {
		return true
	}
	delta := w.highest - index
	if delta >= replayWindowSize {
		return false // too old
	}
	return w.bitmap&(1<<delta) == 0 // false if already seen
}

func (w *replayWindow) update(index uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		w.initialized = true
		w.highest = index
		w.bitmap = 1
		return
	}

	if index > w.highest {
		delta := index - w.highest
		if delta >= replayWindowSize {
			w.bitmap = 1
		} else {
			w.bitmap = (w.bitmap << delta) | 1
		}
		w.highest = index
		return
	}

	delta := w.highest - index
	w.bitmap |= 1 << delta
}

// SRTP key derivation, per RFC 3711 §4.3. label selects which of the six
// session keys to produce; n is the desired key length in bytes. The key
// derivation rate is fixed at 0, so r (and therefore the XOR with r) is
// always a no-op, matching the teacher's and the default WebRTC profile.
func deriveKey(masterKey, masterSalt []byte, label byte, n int) []byte {
	x := append([]byte(nil), masterSalt...)
	x[len(x)-7] ^= label

	prf := aesCTRStream(masterKey, padRight(x, aes.BlockSize))
	key := make([]byte, n)
	prf.XORKeyStream(key, key)
	return key
}

func aesCTRStream(key, iv []byte) cipher.Stream {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err) // key length is validated by CreateContext
	}
	return cipher.NewCTR(block, iv)
}

// aesCounterMode builds the AES-128-CTR keystream function used for both
// SRTP and SRTCP payload encryption. See RFC 3711 §4.1.1 for the IV layout.
func aesCounterMode(key, salt []byte) (encryptFunc, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return func(payload []byte, ssrc uint32, index uint64) {
		iv := make([]byte, aes.BlockSize)
		copy(iv, salt)
		// IV = (k_s * 2^16) XOR (SSRC * 2^64) XOR (index * 2^16)
		xor32(iv[4:], ssrc)
		xor64(iv[6:], index)
		cipher.NewCTR(block, iv).XORKeyStream(payload, payload)
	}, nil
}

// hmacSHA1 is the default SRTP/SRTCP authentication transform, truncated to
// authTagLength bytes per RFC 3711 §4.2.
func hmacSHA1(authKey []byte) authFunc {
	pool := sync.Pool{New: func() interface{} { return hmac.New(sha1.New, authKey) }}
	return func(m []byte) []byte {
		mac := pool.Get().(hash.Hash)
		mac.Write(m)
		tag := mac.Sum(nil)[:authTagLength]
		mac.Reset()
		pool.Put(mac)
		return tag
	}
}

func trunc(v uint64, n uint8) uint64 {
	return v & ((1 << n) - 1)
}

func xor32(buf []byte, v uint32) {
	buf[0] ^= byte(v >> 24)
	buf[1] ^= byte(v >> 16)
	buf[2] ^= byte(v >> 8)
	buf[3] ^= byte(v)
}

func xor64(buf []byte, v uint64) {
	xor32(buf[0:4], uint32(v>>32))
	xor32(buf[4:8], uint32(v))
}

func padRight(b []byte, size int) []byte {
	if n := len(b); n < size {
		b = append(b, make([]byte, size-n)...)
	}
	return b
}
