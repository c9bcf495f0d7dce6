// Package datachannel implements the WebRTC Data Channel Establishment
// Protocol (DCEP, draft-ietf-rtcweb-data-channel) on top of internal/sctp:
// an OPEN/ACK handshake on PPID 50 followed by user messages on PPID 51
// (binary) or 53 (UTF-8 text).
//
// Partial-reliability (RFC 3758) is represented in the channel's metadata
// but not enforced by retransmission behavior: internal/sctp always
// retransmits until acked, so PartialReliableRexmit/PartialReliableTimed
// channels get Reliable delivery in practice. That extension is explicitly
// out of scope.
package datachannel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lanikai/rtcore/internal/sctp"
)

const (
	ppidDCEP       = 50
	ppidBinary     = 51
	ppidBinaryEmpty = 57
	ppidString     = 51 // same value as ppidBinary; not referenced by the dispatch code
	ppidText       = 53
	ppidTextEmpty  = 56
)

const (
	dcepOpen = 0x03
	dcepAck  = 0x02
)

// ReliabilityType mirrors the channel_type field of the DCEP OPEN message.
type ReliabilityType byte

const (
	Reliable ReliabilityType = iota
	PartialReliableRexmit
	PartialReliableTimed
)

func (t ReliabilityType) dcepChannelType() byte {
	switch t {
	case PartialReliableRexmit:
		return 0x01
	case PartialReliableTimed:
		return 0x02
	default:
		return 0x00
	}
}

func reliabilityFromDCEP(b byte) ReliabilityType {
	switch b & 0x7f {
	case 0x01:
		return PartialReliableRexmit
	case 0x02:
		return PartialReliableTimed
	default:
		return Reliable
	}
}

// State is the lifecycle of one data channel.
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrClosed = errors.New("datachannel: channel is closed")
	ErrNotOpen = errors.New("datachannel: channel is not open")
)

// Channel is one negotiated data channel multiplexed over a shared SCTP
// association.
type Channel struct {
	assoc *sctp.Association

	ID                    uint16
	Label                 string
	Protocol              string
	Ordered               bool
	Reliability           ReliabilityType
	ReliabilityParameter  uint32

	mu    sync.Mutex
	state State

	onOpen    func()
	onMessage func(data []byte, isString bool)
	onClose   func()
	onError   func(error)

	opened chan struct{}
}

// Manager allocates channel ids (even for the DTLS client, odd for the
// server, per §4.8) and routes incoming SCTP messages to the right Channel.
type Manager struct {
	assoc    *sctp.Association
	isClient bool
	nextID   uint32 // even/odd sequence, advanced by 2 each allocation

	mu       sync.Mutex
	channels map[uint16]*Channel

	onChannel func(*Channel)
}

// NewManager wraps an established SCTP association and starts dispatching
// its inbound messages to DCEP/channel handlers. onChannel, if non-nil, is
// invoked for every channel the remote peer opens.
func NewManager(assoc *sctp.Association, isClient bool, onChannel func(*Channel)) *Manager {
	m := &Manager{
		assoc:     assoc,
		isClient:  isClient,
		channels:  make(map[uint16]*Channel),
		onChannel: onChannel,
	}
	if isClient {
		m.nextID = 0
	} else {
		m.nextID = 1
	}
	go m.dispatchLoop()
	return m
}

func (m *Manager) dispatchLoop() {
	for msg := range m.assoc.Messages() {
		m.handle(msg)
	}
}

func (m *Manager) handle(msg sctp.Message) {
	switch msg.PPID {
	case ppidDCEP:
		m.handleDCEP(msg)
	case ppidBinary, ppidBinaryEmpty, ppidText, ppidTextEmpty:
		m.mu.Lock()
		ch := m.channels[msg.StreamID]
		m.mu.Unlock()
		if ch == nil {
			return
		}
		isString := msg.PPID == ppidText || msg.PPID == ppidTextEmpty
		ch.mu.Lock()
		cb := ch.onMessage
		ch.mu.Unlock()
		if cb != nil {
			cb(msg.Data, isString)
		}
	}
}

func (m *Manager) handleDCEP(msg sctp.Message) {
	if len(msg.Data) == 0 {
		return
	}
	switch msg.Data[0] {
	case dcepOpen:
		ch, err := parseDCEPOpen(msg.StreamID, msg.Data)
		if err != nil {
			return
		}
		ch.assoc = m.assoc
		ch.state = Open
		ch.opened = make(chan struct{})
		close(ch.opened)

		m.mu.Lock()
		m.channels[ch.ID] = ch
		m.mu.Unlock()

		go m.sendAck(ch.ID)

		if m.onChannel != nil {
			m.onChannel(ch)
		}
		if ch.onOpen != nil {
			ch.onOpen()
		}
	case dcepAck:
		m.mu.Lock()
		ch := m.channels[msg.StreamID]
		m.mu.Unlock()
		if ch == nil {
			return
		}
		ch.mu.Lock()
		if ch.state == Connecting {
			ch.state = Open
		}
		cb := ch.onOpen
		opened := ch.opened
		ch.mu.Unlock()
		select {
		case <-opened:
		default:
			close(opened)
		}
		if cb != nil {
			cb()
		}
	}
}

func (m *Manager) sendAck(streamID uint16) {
	ack := []byte{dcepAck}
	_ = m.assoc.Send(context.Background(), streamID, ppidDCEP, ack, true, 0)
}

// Open allocates a new channel id from this side's half of the id space and
// drives the OPEN/ACK handshake. It returns once the channel is registered
// locally; callers should set onOpen before traffic is expected, since ACK
// may race the return of Open on a fast loopback link.
func (m *Manager) Open(ctx context.Context, label, protocol string, ordered bool, reliability ReliabilityType, reliabilityParameter uint32) (*Channel, error) {
	id := uint16(atomic.AddUint32(&m.nextID, 2) - 2)

	ch := &Channel{
		assoc:                m.assoc,
		ID:                   id,
		Label:                label,
		Protocol:             protocol,
		Ordered:              ordered,
		Reliability:          reliability,
		ReliabilityParameter: reliabilityParameter,
		state:                Connecting,
		opened:               make(chan struct{}),
	}

	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()

	open := marshalDCEPOpen(ch)
	if err := m.assoc.Send(ctx, id, ppidDCEP, open, true, 0); err != nil {
		return nil, fmt.Errorf("datachannel: sending OPEN: %w", err)
	}
	return ch, nil
}

func marshalDCEPOpen(ch *Channel) []byte {
	labelBytes := []byte(ch.Label)
	protoBytes := []byte(ch.Protocol)

	b := make([]byte, 12, 12+len(labelBytes)+len(protoBytes))
	b[0] = dcepOpen
	channelType := ch.Reliability.dcepChannelType()
	if !ch.Ordered {
		channelType |= 0x80
	}
	b[1] = channelType
	binary.BigEndian.PutUint16(b[2:4], 0) // priority: unused, default
	binary.BigEndian.PutUint32(b[4:8], ch.ReliabilityParameter)
	binary.BigEndian.PutUint16(b[8:10], uint16(len(labelBytes)))
	binary.BigEndian.PutUint16(b[10:12], uint16(len(protoBytes)))
	b = append(b, labelBytes...)
	b = append(b, protoBytes...)
	return b
}

func parseDCEPOpen(streamID uint16, data []byte) (*Channel, error) {
	if len(data) < 12 {
		return nil, errors.New("datachannel: OPEN message too short")
	}
	channelType := data[1]
	reliabilityParameter := binary.BigEndian.Uint32(data[4:8])
	labelLen := int(binary.BigEndian.Uint16(data[8:10]))
	protoLen := int(binary.BigEndian.Uint16(data[10:12]))
	if len(data) < 12+labelLen+protoLen {
		return nil, errors.New("datachannel: OPEN message truncated")
	}

	return &Channel{
		ID:                   streamID,
		Label:                string(data[12 : 12+labelLen]),
		Protocol:             string(data[12+labelLen : 12+labelLen+protoLen]),
		Ordered:              channelType&0x80 == 0,
		Reliability:          reliabilityFromDCEP(channelType),
		ReliabilityParameter: reliabilityParameter,
	}, nil
}

// OnOpen, OnMessage, OnClose, and OnError register the channel's event
// callbacks. They must be set before traffic can arrive to avoid missing
// the first event on a fast connection.
func (c *Channel) OnOpen(f func())                          { c.mu.Lock(); c.onOpen = f; c.mu.Unlock() }
func (c *Channel) OnMessage(f func(data []byte, isString bool)) { c.mu.Lock(); c.onMessage = f; c.mu.Unlock() }
func (c *Channel) OnClose(f func())                          { c.mu.Lock(); c.onClose = f; c.mu.Unlock() }
func (c *Channel) OnError(f func(error))                     { c.mu.Lock(); c.onError = f; c.mu.Unlock() }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send transmits a binary user message (PPID 51).
func (c *Channel) Send(ctx context.Context, data []byte) error {
	return c.send(ctx, data, ppidBinary)
}

// SendText transmits a UTF-8 user message (PPID 53).
func (c *Channel) SendText(ctx context.Context, text string) error {
	return c.send(ctx, []byte(text), ppidText)
}

func (c *Channel) send(ctx context.Context, data []byte, ppid uint32) error {
	if c.State() == Closed {
		return ErrClosed
	}
	if len(data) == 0 {
		if ppid == ppidBinary {
			ppid = ppidBinaryEmpty
		} else {
			ppid = ppidTextEmpty
		}
	}
	if err := c.assoc.Send(ctx, c.ID, ppid, data, c.Ordered, 0); err != nil {
		c.mu.Lock()
		cb := c.onError
		c.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return err
	}
	return nil
}

// Close marks the channel closed locally. DCEP has no explicit close
// message; peers detect closure by the stream's SCTP-level reset, which
// this package does not yet negotiate, so Close is advisory on this side
// only until the underlying association itself is torn down.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}
