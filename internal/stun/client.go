package stun

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lanikai/rtcore/internal/logging"
)

var log = logging.DefaultLogger.WithTag("stun")

// RFC 5389 §7.2.1 retransmission schedule: 7 request transmissions spaced
// RTO, 2*RTO, 4*RTO, 8*RTO, 16*RTO, 32*RTO apart, then a final wait of
// 16*RTO before giving up.
const (
	DefaultRTO        = 500 * time.Millisecond
	MaxRequestRetries = 7
)

// Client binds a UDP socket and speaks the STUN Binding transaction. It does
// not attempt to parse anything but Binding requests/responses, and has no
// TURN support.
type Client struct {
	Conn net.PacketConn
	RTO  time.Duration
}

func NewClient(conn net.PacketConn) *Client {
	return &Client{Conn: conn, RTO: DefaultRTO}
}

// Bind sends a Binding request to server and returns the reflexive address
// discovered via XOR-MAPPED-ADDRESS, retransmitting per RFC 5389 §7.2.1.
func (c *Client) Bind(ctx context.Context, server net.Addr) (*net.UDPAddr, error) {
	req := NewBindingRequest()
	rto := c.RTO
	if rto <= 0 {
		rto = DefaultRTO
	}

	respCh := make(chan *Message, 1)
	errCh := make(chan error, 1)
	go c.readOne(ctx, req.TransactionID, respCh, errCh)

	wire := req.Bytes()
	deadline := rto
	for attempt := 0; attempt < MaxRequestRetries; attempt++ {
		if _, err := c.Conn.WriteTo(wire, server); err != nil {
			return nil, err
		}
		if attempt == MaxRequestRetries-1 {
			break // the final wait below follows the last transmission
		}

		select {
		case resp := <-respCh:
			return validateBindingResponse(resp)
		case err := <-errCh:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(deadline):
			deadline *= 2
		}
	}

	// Final wait, per RFC 5389 §7.2.1: Ti = 16*RTO after the last retransmit.
	select {
	case resp := <-respCh:
		return validateBindingResponse(resp)
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(16 * rto):
		return nil, fmt.Errorf("stun: binding request to %s timed out", server)
	}
}

func (c *Client) readOne(ctx context.Context, transactionID string, respCh chan<- *Message, errCh chan<- error) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := c.Conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case errCh <- err:
			default:
			}
			return
		}

		msg, err := Parse(buf[:n])
		if err != nil || msg == nil {
			continue
		}
		if msg.TransactionID != transactionID {
			log.Debug("discarding STUN response with mismatched transaction id")
			continue
		}
		respCh <- msg
		return
	}
}

func validateBindingResponse(resp *Message) (*net.UDPAddr, error) {
	if resp.Class == ClassErrorResponse {
		return nil, fmt.Errorf("stun: binding request rejected")
	}
	addr, ok := resp.XorMappedAddress()
	if !ok {
		return nil, fmt.Errorf("stun: response missing XOR-MAPPED-ADDRESS")
	}
	return addr, nil
}
