//////////////////////////////////////////////////////////////////////////////
//
// Session is the top-level peer connection: SDP negotiation, ICE
// connectivity, DTLS-SRTP keying, and the real-time media/data pumps that
// run once the transport is up.
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package rtcore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lanikai/rtcore/internal/datachannel"
	"github.com/lanikai/rtcore/internal/dtlstransport"
	"github.com/lanikai/rtcore/internal/ice"
	"github.com/lanikai/rtcore/internal/jitter"
	"github.com/lanikai/rtcore/internal/logging"
	"github.com/lanikai/rtcore/internal/mux"
	"github.com/lanikai/rtcore/internal/packet"
	"github.com/lanikai/rtcore/internal/rtp"
	"github.com/lanikai/rtcore/internal/sctp"
	"github.com/lanikai/rtcore/internal/sdp"
)

var log = logging.DefaultLogger.WithTag("rtcore")

const (
	// Dynamic payload type numbers we offer/answer with, matching the
	// range browsers commonly negotiate for these codecs.
	defaultAudioPayloadType = 111
	defaultVideoPayloadType = 96

	audioClockRate = 48000
	videoClockRate = 90000

	// Number of SCTP streams to negotiate room for; one per data channel.
	maxDataChannelStreams = 65535

	muxBufferSize = 8192

	iceConnectTimeout = 30 * time.Second
)

// Session represents one negotiated WebRTC peer connection: the SDP
// offer/answer exchange, ICE gathering and connectivity checks, the
// DTLS-SRTP handshake, and, once established, the real-time threads that
// move media and data channel traffic (spec.md §4.12: capture, encode,
// send, receive, decode/playout, plus a data-channel thread).
type Session struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	cert *dtlstransport.Certificate

	localUfrag, localPassword   string
	remoteUfrag, remotePassword string
	remoteFingerprint           string

	// isControlling mirrors the ICE role: the SDP offerer controls, per
	// RFC 8445 §6.1.1. Session always answers, so it is always controlled.
	isControlling bool

	// dtlsActive selects which side plays the DTLS client; we answer every
	// remote a=setup:actpass (or :passive) with a=setup:active ourselves,
	// since the offerer is expected to tolerate either.
	dtlsActive bool

	mid string

	audioPayloadType byte
	videoPayloadType byte

	iceAgent *ice.Agent
	mux      *mux.Mux
	dtls     *dtlstransport.Transport

	rtpSession  *rtp.Session
	audioStream *rtp.Stream
	videoStream *rtp.Stream

	audioJitter *jitter.Buffer
	videoJitter *jitter.Buffer

	assoc   *sctp.Association
	dataMgr *datachannel.Manager

	state      ConnectionState
	stateMu    sync.Mutex
	onState    []chan ConnectionState

	closeOnce sync.Once
	done      chan struct{}
}

// ConnectionState mirrors the lifecycle of the underlying ICE agent plus
// the DTLS/SCTP setup that happens once ICE completes.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewSession creates a Session ready to receive a remote SDP offer. A fresh
// self-signed DTLS identity and ICE credentials are generated immediately,
// so they are available to embed in the SDP answer without blocking on
// network I/O.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	cert, err := dtlstransport.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("rtcore: generate DTLS identity: %w", err)
	}

	ufrag, err := randomICEString(4)
	if err != nil {
		return nil, err
	}
	pwd, err := randomICEString(22)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:              cfg,
		ctx:              ctx,
		cancel:           cancel,
		cert:             cert,
		localUfrag:       ufrag,
		localPassword:    pwd,
		dtlsActive:       true,
		mid:              "0",
		audioPayloadType: defaultAudioPayloadType,
		videoPayloadType: defaultVideoPayloadType,
		state:            StateNew,
		done:             make(chan struct{}),
	}
	s.iceAgent = ice.NewAgent(ctx, cfg.ICE, s.isControlling)
	return s, nil
}

// randomICEString generates an ICE ufrag/password candidate per RFC 8445
// §5.3's ice-chars alphabet, base64-encoded random bytes trimmed to n
// characters (simpler than hand-rolling the exact alphabet, and just as
// unguessable).
func randomICEString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	s := base64.RawStdEncoding.EncodeToString(buf)
	if len(s) > n {
		s = s[:n]
	}
	return s, nil
}

func (s *Session) setState(state ConnectionState) {
	s.stateMu.Lock()
	s.state = state
	listeners := append([]chan ConnectionState(nil), s.onState...)
	s.stateMu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- state:
		default:
		}
	}
}

func (s *Session) State() ConnectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// SetRemoteDescription consumes the remote peer's SDP offer and returns our
// SDP answer. It does not block on ICE connectivity; call Connect
// afterwards to complete the handshake.
func (s *Session) SetRemoteDescription(offer string) (answer string, err error) {
	remote, err := sdp.ParseSession(offer)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	s.remoteUfrag = remote.GetAttr("ice-ufrag")
	s.remotePassword = remote.GetAttr("ice-pwd")
	s.remoteFingerprint = remote.GetAttr("fingerprint")
	if s.remoteUfrag == "" || s.remotePassword == "" {
		for _, m := range remote.Media {
			if v := m.GetAttr("ice-ufrag"); v != "" {
				s.remoteUfrag = v
			}
			if v := m.GetAttr("ice-pwd"); v != "" {
				s.remotePassword = v
			}
			if v := m.GetAttr("fingerprint"); v != "" {
				s.remoteFingerprint = v
			}
		}
	}
	if s.remoteUfrag == "" || s.remotePassword == "" || s.remoteFingerprint == "" {
		return "", fmt.Errorf("%w: SDP offer missing ice-ufrag/ice-pwd/fingerprint", ErrInvalidFormat)
	}

	s.iceAgent.Configure(s.mid, s.remoteUfrag, s.localPassword, s.remotePassword)

	hasAudio, hasVideo, hasData := false, false, false
	for _, m := range remote.Media {
		switch m.Type {
		case "audio":
			hasAudio = s.cfg.LocalAudio != nil || s.cfg.RemoteAudio != nil
			if pt, ok := negotiatePayloadType(m, "opus"); ok {
				s.audioPayloadType = pt
			}
		case "video":
			hasVideo = s.cfg.LocalVideo != nil || s.cfg.RemoteVideo != nil
			if pt, ok := negotiatePayloadType(m, "H264"); ok {
				s.videoPayloadType = pt
			}
		case "application":
			hasData = true
		}
	}

	return s.createAnswer(hasAudio, hasVideo, hasData), nil
}

// negotiatePayloadType looks for an a=rtpmap attribute naming the given
// encoding and returns its payload type number.
func negotiatePayloadType(m sdp.Media, encoding string) (byte, bool) {
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(a.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(fields[1]), strings.ToLower(encoding)) {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 0 || n > 127 {
			continue
		}
		return byte(n), true
	}
	return 0, false
}

func (s *Session) createAnswer(hasAudio, hasVideo, hasData bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d 2 IN IP4 127.0.0.1\r\n", time.Now().UnixNano())
	fmt.Fprintf(&b, "s=-\r\n")
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", s.localUfrag)
	fmt.Fprintf(&b, "a=ice-pwd:%s\r\n", s.localPassword)
	fmt.Fprintf(&b, "a=fingerprint:sha-256 %s\r\n", s.cert.Fingerprint)
	fmt.Fprintf(&b, "a=setup:active\r\n")

	if hasAudio {
		fmt.Fprintf(&b, "m=audio 9 UDP/TLS/RTP/SAVPF %d\r\n", s.audioPayloadType)
		fmt.Fprintf(&b, "c=IN IP4 0.0.0.0\r\n")
		fmt.Fprintf(&b, "a=mid:%s\r\n", s.mid)
		fmt.Fprintf(&b, "a=rtcp-mux\r\n")
		fmt.Fprintf(&b, "a=rtpmap:%d opus/%d/2\r\n", s.audioPayloadType, audioClockRate)
		fmt.Fprintf(&b, "a=sendrecv\r\n")
	}
	if hasVideo {
		fmt.Fprintf(&b, "m=video 9 UDP/TLS/RTP/SAVPF %d\r\n", s.videoPayloadType)
		fmt.Fprintf(&b, "c=IN IP4 0.0.0.0\r\n")
		fmt.Fprintf(&b, "a=mid:%s\r\n", s.mid)
		fmt.Fprintf(&b, "a=rtcp-mux\r\n")
		fmt.Fprintf(&b, "a=rtpmap:%d H264/%d\r\n", s.videoPayloadType, videoClockRate)
		fmt.Fprintf(&b, "a=sendrecv\r\n")
	}
	if hasData {
		fmt.Fprintf(&b, "m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n")
		fmt.Fprintf(&b, "c=IN IP4 0.0.0.0\r\n")
		fmt.Fprintf(&b, "a=mid:%s\r\n", s.mid)
		fmt.Fprintf(&b, "a=sctp-port:5000\r\n")
	}
	return b.String()
}

// AddIceCandidate accepts a trickled remote ICE candidate. An empty desc
// signals end-of-candidates.
func (s *Session) AddIceCandidate(desc, mid string) error {
	return s.iceAgent.AddRemoteCandidate(desc, mid)
}

// Connect drives ICE connectivity checks to completion, performs the
// DTLS-SRTP handshake over the nominated candidate pair, and starts the
// real-time media and data-channel pumps. lcand receives our local
// candidates as ICE gathers them; it is closed once gathering finishes.
func (s *Session) Connect(lcand chan<- ice.Candidate) error {
	s.setState(StateConnecting)

	conn, err := s.iceAgent.EstablishConnection(lcand)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}

	s.mux = mux.NewMux(conn, muxBufferSize)
	dtlsConn := s.mux.NewEndpoint(mux.MatchDTLS)
	mediaConn := s.mux.NewEndpoint(mux.MatchRange(128, 191)) // RTP+RTCP, rtcp-mux'd

	dtls, err := dtlstransport.Handshake(dtlsConn, s.cert, s.dtlsActive)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: DTLS handshake: %v", ErrAuthenticationFailure, err)
	}
	if err := dtls.VerifyFingerprint(s.remoteFingerprint); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	s.dtls = dtls

	keys, err := dtls.SRTPKeys(s.dtlsActive)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: SRTP key export: %v", ErrAuthenticationFailure, err)
	}

	s.rtpSession, err = rtp.NewSession(mediaConn, rtp.SessionOptions{
		ReadKey:   keys.ReadKey,
		ReadSalt:  keys.ReadSalt,
		WriteKey:  keys.WriteKey,
		WriteSalt: keys.WriteSalt,
	})
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}

	if err := s.startDataChannels(); err != nil {
		s.setState(StateFailed)
		return err
	}

	s.startMedia()

	s.setState(StateConnected)
	return nil
}

// startDataChannels brings up an SCTP association over the DTLS channel
// itself (RFC 8261: SCTP/DTLS, not SCTP/UDP), and the DCEP manager on top.
func (s *Session) startDataChannels() error {
	var assoc *sctp.Association
	var err error
	if s.dtlsActive {
		assoc, err = sctp.Client(s.ctx, s.dtls.NetConn(), maxDataChannelStreams)
	} else {
		assoc, err = sctp.Server(s.ctx, s.dtls.NetConn(), maxDataChannelStreams)
	}
	if err != nil {
		return fmt.Errorf("%w: SCTP: %v", ErrTransportLost, err)
	}
	s.assoc = assoc
	s.dataMgr = datachannel.NewManager(assoc, s.dtlsActive, s.cfg.OnDataChannel)
	return nil
}

// startMedia launches the capture/encode/send threads for any configured
// local sources and the receive/decode-playout threads for any configured
// remote sinks (spec.md §4.12).
func (s *Session) startMedia() {
	if s.cfg.LocalAudio != nil {
		s.audioStream = s.rtpSession.AddStream(rtp.StreamOptions{
			LocalSSRC:  randomSSRC(),
			RemoteSSRC: randomSSRC(),
			Direction:  "sendonly",
		})
		go func() {
			if err := s.audioStream.SendAudio(s.done, s.audioPayloadType, s.cfg.LocalAudio); err != nil {
				log.Error("audio send: %v", err)
			}
		}()
	}
	if s.cfg.LocalVideo != nil {
		s.videoStream = s.rtpSession.AddStream(rtp.StreamOptions{
			LocalSSRC:  randomSSRC(),
			RemoteSSRC: randomSSRC(),
			Direction:  "sendonly",
		})
		go func() {
			if err := s.videoStream.SendVideo(s.done, s.videoPayloadType, s.cfg.LocalVideo); err != nil {
				log.Error("video send: %v", err)
			}
		}()
	}

	if s.cfg.RemoteAudio != nil {
		s.audioJitter = newPlayoutBuffer(s.cfg.UltraLowLatency, audioClockRate, func(pkt jitter.Packet) {
			s.cfg.RemoteAudio.Write(pkt.Payload)
		})
		stream := s.rtpSession.AddStream(rtp.StreamOptions{
			LocalSSRC:  randomSSRC(),
			RemoteSSRC: randomSSRC(),
			Direction:  "recvonly",
		})
		go s.decodeLoop(stream, s.audioJitter, func(quit <-chan struct{}, consume func(*packet.SharedBuffer) error) error {
			return stream.ReceiveAudio(quit, consume)
		})
	}
	if s.cfg.RemoteVideo != nil {
		s.videoJitter = newPlayoutBuffer(s.cfg.UltraLowLatency, videoClockRate, func(pkt jitter.Packet) {
			s.cfg.RemoteVideo.Write(pkt.Payload)
		})
		stream := s.rtpSession.AddStream(rtp.StreamOptions{
			LocalSSRC:  randomSSRC(),
			RemoteSSRC: randomSSRC(),
			Direction:  "recvonly",
		})
		go s.decodeLoop(stream, s.videoJitter, func(quit <-chan struct{}, consume func(*packet.SharedBuffer) error) error {
			return stream.ReceiveVideo(quit, consume)
		})
	}
}

func newPlayoutBuffer(ultraLowLatency bool, clockRate uint32, deliver func(jitter.Packet)) *jitter.Buffer {
	buf := jitter.NewBuffer(jitter.Config{
		ClockRate:       clockRate,
		UltraLowLatency: ultraLowLatency,
	})
	buf.Deliver = deliver
	return buf
}

// decodeLoop is the receive/decode-playout thread: it pulls reassembled
// frames off the RTP stream and runs them through the jitter buffer before
// handing them to the configured sink.
func (s *Session) decodeLoop(stream *rtp.Stream, buf *jitter.Buffer, receive func(quit <-chan struct{}, consume func(*packet.SharedBuffer) error) error) {
	var seq uint16
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				buf.Tick()
			case <-s.done:
				return
			}
		}
	}()

	err := receive(s.done, func(frame *packet.SharedBuffer) error {
		defer frame.Release()
		seq++
		buf.Push(jitter.Packet{
			Sequence: seq,
			Arrival:  time.Now(),
			Payload:  append([]byte(nil), frame.Bytes()...),
		})
		return nil
	})
	if err != nil {
		log.Error("receive: %v", err)
	}
}

func randomSSRC() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// OpenDataChannel negotiates a new DCEP data channel over the established
// SCTP association.
func (s *Session) OpenDataChannel(ctx context.Context, label string) (*datachannel.Channel, error) {
	if s.dataMgr == nil {
		return nil, ErrTransportLost
	}
	return s.dataMgr.Open(ctx, label, "", true, datachannel.Reliable, 0)
}

// Close tears down the SCTP association, DTLS transport, mux, and ICE
// agent, and stops all media/data-channel goroutines.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		if s.assoc != nil {
			s.assoc.Close()
		}
		if s.dtls != nil {
			s.dtls.Close()
		}
		if s.mux != nil {
			s.mux.Close()
		}
		if s.iceAgent != nil {
			s.iceAgent.Close()
		}
		s.setState(StateClosed)
	})
	return nil
}
