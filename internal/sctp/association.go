// Package sctp implements the subset of the Stream Control Transmission
// Protocol, RFC 4960, that a WebRTC data channel needs: the four-way
// INIT/INIT-ACK/COOKIE-ECHO/COOKIE-ACK handshake, ordered and unordered
// per-stream messages carried in DATA chunks with TSN-based fragmentation
// and reassembly, cumulative+gap-ack SACKs, and RTO-based retransmission.
// It does not implement multi-homing, partial reliability extensions, or
// congestion control beyond a single-message-in-flight send window.
package sctp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanikai/rtcore/internal/logging"
)

var log = logging.DefaultLogger.WithTag("sctp")

// State mirrors the subset of the RFC 4960 §4 association state machine
// this package implements.
type State int

const (
	StateClosed State = iota
	StateCookieWait
	StateCookieEchoed
	StateEstablished
	StateShutdownSent
	StateShutdownReceived
	StateShutdownAckSent
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateCookieWait:
		return "cookie-wait"
	case StateCookieEchoed:
		return "cookie-echoed"
	case StateEstablished:
		return "established"
	case StateShutdownSent:
		return "shutdown-sent"
	case StateShutdownReceived:
		return "shutdown-received"
	case StateShutdownAckSent:
		return "shutdown-ack-sent"
	default:
		return "unknown"
	}
}

const (
	initRetransmitTimeout = 1 * time.Second
	initMaxRetries        = 7

	minRTO = 500 * time.Millisecond
	maxRTO = 60 * time.Second

	sackDelay      = 200 * time.Millisecond
	sackBatchLimit = 2 // generate a SACK after this many unacked DATA chunks

	defaultARwnd = 1 << 20
)

// Message is one fully reassembled SDU delivered to a data channel.
type Message struct {
	StreamID uint16
	PPID     uint32
	Ordered  bool
	Data     []byte
}

// Association is one SCTP association running over a single underlying
// connection (in rtcore, the DTLS-matched mux endpoint carrying the data
// channel's wire traffic).
type Association struct {
	conn     net.Conn
	isClient bool

	mu    sync.Mutex
	state State

	localTag, remoteTag               uint32
	localInitialTSN, remoteInitialTSN uint32

	nextTSN       uint32 // next TSN to assign to an outbound DATA chunk
	cumulativeAck uint32 // highest contiguous TSN received so far

	outboundStreams, inboundStreams uint16
	nextSSN                         map[uint16]uint16

	recvBuf       map[uint32]*dataChunk // out-of-order DATA chunks, by TSN
	duplicateTSNs []uint32
	unackedSinceSack int

	assembling *partialMessage

	cookieSecret []byte

	established chan struct{}
	establishErr error
	closed       chan struct{}
	closeOnce    sync.Once

	incoming chan Message

	pendingMu sync.Mutex
	pending   []*dataChunk // unacked fragments of the in-flight Send call
	rto       time.Duration
	ackCh     chan struct{} // signaled whenever cumulativeAck advances
}

type partialMessage struct {
	streamID uint16
	ppid     uint32
	ordered  bool
	buf      []byte
}

// Client drives the active (INIT-sending) side of the handshake. numStreams
// is offered as both the outbound and inbound stream count; the DATA chunk
// fragmentation size is passed to each Send call.
func Client(ctx context.Context, conn net.Conn, numStreams uint16) (*Association, error) {
	a := newAssociation(conn, true, numStreams)
	a.localTag = randomUint32()
	a.localInitialTSN = randomUint32()

	go a.readLoop()
	go a.sendInitWithRetransmit(ctx)

	return a.waitEstablished(ctx)
}

// Server drives the passive side: it waits for an INIT, replies with a
// signed cookie, and completes the handshake on COOKIE-ECHO.
func Server(ctx context.Context, conn net.Conn, numStreams uint16) (*Association, error) {
	a := newAssociation(conn, false, numStreams)
	a.cookieSecret = randomSecret()

	go a.readLoop()

	return a.waitEstablished(ctx)
}

func newAssociation(conn net.Conn, isClient bool, numStreams uint16) *Association {
	return &Association{
		conn:            conn,
		isClient:        isClient,
		outboundStreams: numStreams,
		inboundStreams:  numStreams,
		nextSSN:         make(map[uint16]uint16),
		recvBuf:         make(map[uint32]*dataChunk),
		established:     make(chan struct{}),
		closed:          make(chan struct{}),
		incoming:        make(chan Message, 64),
		rto:             minRTO,
		ackCh:           make(chan struct{}, 1),
	}
}

func (a *Association) waitEstablished(ctx context.Context) (*Association, error) {
	select {
	case <-a.established:
		if a.establishErr != nil {
			return nil, a.establishErr
		}
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.closed:
		return nil, errAssociationDone
	}
}

func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Messages returns the channel on which reassembled inbound SDUs are
// delivered.
func (a *Association) Messages() <-chan Message { return a.incoming }

func (a *Association) sendInitWithRetransmit(ctx context.Context) {
	a.mu.Lock()
	a.state = StateCookieWait
	a.mu.Unlock()

	init := &initChunk{
		initiateTag:     a.localTag,
		aRwnd:           defaultARwnd,
		outboundStreams: a.outboundStreams,
		inboundStreams:  a.inboundStreams,
		initialTSN:      a.localInitialTSN,
	}

	timeout := initRetransmitTimeout
	for attempt := 0; attempt < initMaxRetries; attempt++ {
		if a.State() != StateCookieWait && a.State() != StateCookieEchoed {
			return // handshake moved past this phase (or failed) already
		}
		if a.State() == StateCookieWait {
			a.sendChunk(0, init)
		}

		select {
		case <-time.After(timeout):
			timeout *= 2
			continue
		case <-a.established:
			return
		case <-a.closed:
			return
		case <-ctx.Done():
			a.fail(ctx.Err())
			return
		}
	}
	a.fail(fmt.Errorf("sctp: handshake timed out waiting for peer"))
}

func (a *Association) fail(err error) {
	a.mu.Lock()
	if a.state == StateEstablished {
		a.mu.Unlock()
		return
	}
	a.state = StateClosed
	a.mu.Unlock()

	a.establishErr = err
	a.closeOnce.Do(func() { close(a.established); close(a.closed) })
}

func (a *Association) sendChunk(verificationTag uint32, c chunk) {
	h := header{
		sourcePort:      5000,
		destPort:        5000,
		verificationTag: verificationTag,
	}
	packet := packPacket(h, []chunk{c})
	if _, err := a.conn.Write(packet); err != nil {
		log.Debug("sctp: write error: %v", err)
	}
}

// readLoop is the association's single reader: it owns all state transitions
// and chunk dispatch, so no other goroutine mutates handshake/receive state.
func (a *Association) readLoop() {
	buf := make([]byte, 1<<16)
	for {
		n, err := a.conn.Read(buf)
		if err != nil {
			a.fail(err)
			return
		}

		h, chunks, err := parsePacket(buf[:n])
		if err != nil {
			log.Debug("sctp: dropping malformed packet: %v", err)
			continue
		}

		for _, c := range chunks {
			a.handleChunk(h, c)
		}
	}
}

func (a *Association) handleChunk(h header, c chunk) {
	switch chunk := c.(type) {
	case *initChunk:
		if chunk.isAck {
			a.handleInitAck(chunk)
		} else {
			a.handleInit(chunk)
		}
	case *cookieEchoChunk:
		a.handleCookieEcho(chunk)
	case *cookieAckChunk:
		a.handleCookieAck()
	case *dataChunk:
		a.handleData(chunk)
	case *sackChunk:
		a.handleSack(chunk)
	case *heartbeatChunk:
		if !chunk.ack {
			a.sendChunk(a.remoteTag, &heartbeatChunk{ack: true, info: chunk.info})
		}
	case *abortChunk:
		a.fail(fmt.Errorf("sctp: association aborted by peer: %s", chunk.reason))
	case *shutdownChunk:
		a.handleShutdown()
	case *shutdownAckChunk:
		a.handleShutdownAck()
	case *shutdownCompleteChunk:
		a.closeOnce.Do(func() { close(a.closed) })
	}
}

func (a *Association) handleInit(chunk *initChunk) {
	a.mu.Lock()
	if a.state != StateClosed {
		a.mu.Unlock()
		return
	}
	a.remoteTag = chunk.initiateTag
	a.remoteInitialTSN = chunk.initialTSN
	a.cumulativeAck = chunk.initialTSN - 1
	a.localTag = randomUint32()
	a.localInitialTSN = randomUint32()
	a.nextTSN = a.localInitialTSN
	if chunk.outboundStreams < a.inboundStreams {
		a.inboundStreams = chunk.outboundStreams
	}
	if chunk.inboundStreams < a.outboundStreams {
		a.outboundStreams = chunk.inboundStreams
	}
	localTag, remoteTag := a.localTag, a.remoteTag
	localTSN, remoteTSN := a.localInitialTSN, a.remoteInitialTSN
	a.mu.Unlock()

	cookie := makeCookie(a.cookieSecret, localTag, remoteTag, localTSN, remoteTSN)
	initAck := &initChunk{
		isAck:           true,
		initiateTag:     localTag,
		aRwnd:           defaultARwnd,
		outboundStreams: a.outboundStreams,
		inboundStreams:  a.inboundStreams,
		initialTSN:      localTSN,
		cookie:          cookie,
	}
	a.sendChunk(remoteTag, initAck)
}

func (a *Association) handleInitAck(chunk *initChunk) {
	a.mu.Lock()
	if a.state != StateCookieWait {
		a.mu.Unlock()
		return
	}
	a.remoteTag = chunk.initiateTag
	a.remoteInitialTSN = chunk.initialTSN
	a.cumulativeAck = chunk.initialTSN - 1
	a.nextTSN = a.localInitialTSN
	if chunk.outboundStreams < a.inboundStreams {
		a.inboundStreams = chunk.outboundStreams
	}
	if chunk.inboundStreams < a.outboundStreams {
		a.outboundStreams = chunk.inboundStreams
	}
	a.state = StateCookieEchoed
	remoteTag := a.remoteTag
	a.mu.Unlock()

	a.sendChunk(remoteTag, &cookieEchoChunk{cookie: chunk.cookie})
}

func (a *Association) handleCookieEcho(chunk *cookieEchoChunk) {
	fields, err := verifyCookie(a.cookieSecret, chunk.cookie)
	if err != nil {
		log.Debug("sctp: %v", err)
		return
	}

	a.mu.Lock()
	a.localTag = fields.localTag
	a.remoteTag = fields.remoteTag
	a.localInitialTSN = fields.localInitialTSN
	a.remoteInitialTSN = fields.remoteInitialTSN
	a.cumulativeAck = fields.remoteInitialTSN - 1
	a.nextTSN = fields.localInitialTSN
	a.state = StateEstablished
	remoteTag := a.remoteTag
	a.mu.Unlock()

	a.sendChunk(remoteTag, &cookieAckChunk{})
	select {
	case <-a.established:
	default:
		close(a.established)
	}
}

func (a *Association) handleCookieAck() {
	a.mu.Lock()
	if a.state != StateCookieEchoed {
		a.mu.Unlock()
		return
	}
	a.state = StateEstablished
	a.mu.Unlock()

	select {
	case <-a.established:
	default:
		close(a.established)
	}
}

// handleData buffers an inbound DATA chunk and advances the cumulative ack
// point, reassembling and delivering any SDU whose fragments have all
// arrived. Fragments of one message are assumed to occupy a contiguous TSN
// range (true for this package's own single-message-in-flight sender, and
// for any sender that does not interleave unrelated messages mid-fragment).
func (a *Association) handleData(chunk *dataChunk) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if chunk.tsn <= a.cumulativeAck {
		a.duplicateTSNs = append(a.duplicateTSNs, chunk.tsn)
		a.maybeSendSackLocked()
		return
	}
	if _, dup := a.recvBuf[chunk.tsn]; dup {
		a.duplicateTSNs = append(a.duplicateTSNs, chunk.tsn)
		a.maybeSendSackLocked()
		return
	}
	a.recvBuf[chunk.tsn] = chunk

	for {
		next, ok := a.recvBuf[a.cumulativeAck+1]
		if !ok {
			break
		}
		delete(a.recvBuf, a.cumulativeAck+1)
		a.cumulativeAck++
		a.deliverLocked(next)
	}

	a.unackedSinceSack++
	a.maybeSendSackLocked()
}

func (a *Association) deliverLocked(chunk *dataChunk) {
	if chunk.begin {
		a.assembling = &partialMessage{streamID: chunk.streamID, ppid: chunk.ppid, ordered: !chunk.unordered}
	}
	if a.assembling == nil {
		// E without a preceding B: drop a malformed stray fragment.
		return
	}
	a.assembling.buf = append(a.assembling.buf, chunk.payload...)

	if chunk.end {
		msg := Message{
			StreamID: a.assembling.streamID,
			PPID:     a.assembling.ppid,
			Ordered:  a.assembling.ordered,
			Data:     a.assembling.buf,
		}
		a.assembling = nil
		a.nextSSN[msg.StreamID] = chunk.ssn + 1
		select {
		case a.incoming <- msg:
		default:
			log.Debug("sctp: inbound message queue full, dropping message on stream %d", msg.StreamID)
		}
	}
}

func (a *Association) maybeSendSackLocked() {
	if a.unackedSinceSack < sackBatchLimit {
		return
	}
	a.sendSackLocked()
}

func (a *Association) sendSackLocked() {
	sack := &sackChunk{
		cumulativeTSNAck: a.cumulativeAck,
		aRwnd:            defaultARwnd,
		gaps:             computeGapAckBlocks(a.cumulativeAck, a.recvBuf),
		duplicateTSNs:    a.duplicateTSNs,
	}
	a.duplicateTSNs = nil
	a.unackedSinceSack = 0
	remoteTag := a.remoteTag
	go a.sendChunk(remoteTag, sack)
}

// computeGapAckBlocks turns the set of out-of-order received TSNs into the
// sorted (start,end) runs relative to the cumulative ack point that RFC 4960
// §3.3.4 specifies.
func computeGapAckBlocks(cumulativeAck uint32, recv map[uint32]*dataChunk) []gapAckBlock {
	if len(recv) == 0 {
		return nil
	}
	tsns := make([]uint32, 0, len(recv))
	for tsn := range recv {
		tsns = append(tsns, tsn)
	}
	for i := 1; i < len(tsns); i++ {
		for j := i; j > 0 && tsns[j-1] > tsns[j]; j-- {
			tsns[j-1], tsns[j] = tsns[j], tsns[j-1]
		}
	}

	var blocks []gapAckBlock
	start := tsns[0]
	prev := tsns[0]
	for _, tsn := range tsns[1:] {
		if tsn == prev+1 {
			prev = tsn
			continue
		}
		blocks = append(blocks, gapAckBlock{start: uint16(start - cumulativeAck), end: uint16(prev - cumulativeAck)})
		start, prev = tsn, tsn
	}
	blocks = append(blocks, gapAckBlock{start: uint16(start - cumulativeAck), end: uint16(prev - cumulativeAck)})
	return blocks
}

func (a *Association) handleSack(chunk *sackChunk) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()

	remaining := a.pending[:0]
	for _, c := range a.pending {
		if c.tsn > chunk.cumulativeTSNAck {
			remaining = append(remaining, c)
		}
	}
	advanced := len(remaining) < len(a.pending)
	a.pending = remaining

	if advanced {
		a.rto = minRTO
		select {
		case a.ackCh <- struct{}{}:
		default:
		}
	}
}

// Send fragments data (if necessary) into consecutively-numbered DATA
// chunks, transmits them, and blocks until the peer's cumulative ack covers
// the whole message or the context is done, retransmitting on RTO expiry
// with exponential backoff (500ms up to 60s) as spec'd.
func (a *Association) Send(ctx context.Context, streamID uint16, ppid uint32, data []byte, ordered bool, mtu int) error {
	if a.State() != StateEstablished {
		return errNotEstablished
	}
	if mtu < 13 {
		mtu = 1200
	}

	a.mu.Lock()
	ssn := a.nextSSN[streamID]
	a.nextSSN[streamID] = ssn + 1
	chunks := a.fragmentLocked(streamID, ssn, ppid, data, ordered, mtu)
	a.mu.Unlock()

	a.pendingMu.Lock()
	a.pending = chunks
	a.pendingMu.Unlock()

	remoteTag := a.remoteTag
	for _, c := range chunks {
		a.sendChunk(remoteTag, c)
	}

	rto := a.rto
	for {
		select {
		case <-a.ackCh:
			a.pendingMu.Lock()
			done := len(a.pending) == 0
			a.pendingMu.Unlock()
			if done {
				return nil
			}
		case <-time.After(rto):
			a.pendingMu.Lock()
			outstanding := append([]*dataChunk(nil), a.pending...)
			a.pendingMu.Unlock()
			if len(outstanding) == 0 {
				return nil
			}
			rto *= 2
			if rto > maxRTO {
				rto = maxRTO
			}
			a.rto = rto
			for _, c := range outstanding {
				a.sendChunk(remoteTag, c)
			}
		case <-a.closed:
			return errAssociationDone
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Association) fragmentLocked(streamID, ssn uint16, ppid uint32, data []byte, ordered bool, mtu int) []*dataChunk {
	if len(data) == 0 {
		c := &dataChunk{begin: true, end: true, unordered: !ordered, tsn: a.nextTSN, streamID: streamID, ssn: ssn, ppid: ppid}
		a.nextTSN++
		return []*dataChunk{c}
	}

	var chunks []*dataChunk
	for off := 0; off < len(data); off += mtu {
		end := off + mtu
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, &dataChunk{
			begin:     off == 0,
			end:       end == len(data),
			unordered: !ordered,
			tsn:       a.nextTSN,
			streamID:  streamID,
			ssn:       ssn,
			ppid:      ppid,
			payload:   data[off:end],
		})
		a.nextTSN++
	}
	return chunks
}

func (a *Association) handleShutdown() {
	a.mu.Lock()
	a.state = StateShutdownReceived
	remoteTag := a.remoteTag
	a.mu.Unlock()
	a.sendChunk(remoteTag, &shutdownAckChunk{})
}

func (a *Association) handleShutdownAck() {
	a.mu.Lock()
	remoteTag := a.remoteTag
	a.state = StateClosed
	a.mu.Unlock()
	a.sendChunk(remoteTag, &shutdownCompleteChunk{})
	a.closeOnce.Do(func() { close(a.closed) })
}

// Close performs the SHUTDOWN handshake and releases the association.
func (a *Association) Close() error {
	a.mu.Lock()
	if a.state != StateEstablished {
		a.mu.Unlock()
		return a.conn.Close()
	}
	a.state = StateShutdownSent
	remoteTag := a.remoteTag
	cumulativeAck := a.cumulativeAck
	a.mu.Unlock()

	a.sendChunk(remoteTag, &shutdownChunk{cumulativeTSNAck: cumulativeAck})

	select {
	case <-a.closed:
	case <-time.After(5 * time.Second):
	}
	return a.conn.Close()
}
