package rtp

import (
	"io"
	"time"

	"github.com/lanikai/rtcore/internal/media"
	"github.com/lanikai/rtcore/internal/packet"
)

// RTP packetization of Opus audio streams.
// See [RFC 7587](https://tools.ietf.org/html/rfc7587). Unlike H.264, an
// Opus frame's TOC+data is carried as one opaque RTP payload: no
// fragmentation or reassembly is needed, because an encoded Opus frame
// always fits in a single MTU.

// opusSamplesPerFrame is the fixed amount the RTP timestamp advances per
// packet (20ms at the standard 48kHz Opus clock rate); no frame duration
// reported by the source is consulted.
const opusSamplesPerFrame = 960

func (s *Stream) SendAudio(quit <-chan struct{}, payloadType byte, src media.AudioSource) error {
	w := opusWriter{
		rtpWriter:   s.rtpOut,
		payloadType: payloadType,
	}

	r := src.AddReceiver(16)
	defer src.RemoveReceiver(r)

	for {
		select {
		case <-quit:
			return nil
		case buf, more := <-r.Buffers():
			if !more {
				log.Debug("SendAudio %d stopping: %v", payloadType, r.Err())
				return r.Err()
			}
			if err := w.consume(buf); err != nil {
				return err
			}
		}
	}
}

func (s *Stream) ReceiveAudio(quit <-chan struct{}, consume func(buf *packet.SharedBuffer) error) error {
	r := opusReader{
		rtpReader: s.rtpIn,
		ch:        make(chan *packet.SharedBuffer, 16),
	}
	s.rtpIn.handler = r.handlePacket

	receiverReportTicker := time.NewTicker(2 * time.Second)
	defer receiverReportTicker.Stop()

	for {
		select {
		case <-quit:
			return nil
		case buf, more := <-r.ch:
			if !more {
				return io.EOF
			}
			if err := consume(buf); err != nil {
				return err
			}
		case <-receiverReportTicker.C:
			s.sendReceiverReport()
		}
	}
}

type opusWriter struct {
	*rtpWriter

	payloadType byte
	timestamp   uint32
}

// consume sends one Opus-encoded frame (TOC byte followed by frame data,
// per RFC 7587 §2) as a single RTP packet with the marker bit always set,
// since every packet carries a complete, independently decodable frame.
func (w *opusWriter) consume(buf *packet.SharedBuffer) error {
	defer buf.Release()

	defer func() { w.timestamp += opusSamplesPerFrame }()
	return w.writePacket(w.payloadType, true, w.timestamp, buf.Bytes())
}

type opusReader struct {
	*rtpReader

	ch chan *packet.SharedBuffer
}

// handlePacket hands each payload straight to the decoder; there is no
// fragment state to reassemble, so a lost packet only costs that one frame
// (concealed by the decoder, not by this layer).
func (r *opusReader) handlePacket(hdr rtpHeader, payload []byte) error {
	log.Trace(4, "Received Opus RTP payload: %d", len(payload))
	r.ch <- packet.NewSharedBuffer(copyBytes(payload), 1, nil)
	return nil
}
