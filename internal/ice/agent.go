package ice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// RFC 8445: https://tools.ietf.org/html/rfc8445

// ConnectionState mirrors the IceAgent state machine in spec.md §3:
// New -> Checking -> Connected (<-> Disconnected) -> Closed/Failed.
type ConnectionState int

const (
	New ConnectionState = iota
	Checking
	Connected
	Disconnected
	Closed
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case New:
		return "new"
	case Checking:
		return "checking"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Agent implements a Full ICE agent for a single component of a single data
// stream: gathering, pairing, connectivity checks, and nomination, per
// RFC 8445. The controlling/controlled role is fixed when the agent is
// created; the tiebreaker is sent with every check, but a role conflict
// reported by the peer is only logged and never switches the local role.
type Agent struct {
	cfg Config

	mid            string
	username       string
	localPassword  string
	remotePassword string

	isControlling bool
	tiebreaker    uint64

	pt *PriorityTable

	localCandidates  []Candidate
	remoteCandidates []Candidate
	candidateLock    sync.Mutex

	checklist Checklist

	bases []*Base

	state      ConnectionState
	stateLock  sync.Mutex
	onState    []chan ConnectionState

	// Connection for the data stream, once nominated.
	dataConn  *ChannelConn
	ready     chan *ChannelConn
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAgent creates an ICE agent that will act as the controlling or
// controlled peer according to isControlling (the SDP offerer controls,
// per RFC 8445 §6.1.1). The role does not change afterwards.
func NewAgent(ctx context.Context, cfg Config, isControlling bool) *Agent {
	ctx, cancel := context.WithCancel(ctx)
	return &Agent{
		cfg:           cfg,
		pt:            newPriorityTable(),
		isControlling: isControlling,
		tiebreaker:    randomUint64(),
		ready:         make(chan *ChannelConn, 1),
		ctx:           ctx,
		cancel:        cancel,
		state:         New,
	}
}

func randomUint64() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (a *Agent) Configure(mid, username, localPassword, remotePassword string) {
	a.mid = mid
	a.username = username
	a.localPassword = localPassword
	a.remotePassword = remotePassword
	a.checklist = Checklist{
		username:       username,
		localPassword:  localPassword,
		remotePassword: remotePassword,
		isControlling:  a.isControlling,
		tiebreaker:     a.tiebreaker,
	}
}

func (a *Agent) State() ConnectionState {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	return a.state
}

func (a *Agent) setState(s ConnectionState) {
	a.stateLock.Lock()
	a.state = s
	listeners := append([]chan ConnectionState(nil), a.onState...)
	a.stateLock.Unlock()

	log.Info("Connection state: %s", s)
	for _, ch := range listeners {
		select {
		case ch <- s:
		default:
		}
	}
}

// On success, returns a net.Conn object from which data can be read/written.
func (a *Agent) EstablishConnection(lcand chan<- Candidate) (net.Conn, error) {
	if a.username == "" {
		return nil, errNotConfigured
	}

	// Single component: RTP/RTCP and SCTP are muxed on one 5-tuple
	// (spec.md §4: "a single component carries all session traffic").
	component := 1

	bases, err := initializeBases(a.cfg, component, a.mid)
	if err != nil {
		return nil, err
	}
	if len(bases) == 0 {
		return nil, errNoComponent
	}
	a.bases = bases

	a.setState(Checking)

	go func() {
		gatherAllCandidates(a.ctx, a.cfg, bases, func(c Candidate) {
			a.addLocalCandidate(c)
			select {
			case lcand <- c:
			case <-a.ctx.Done():
			}
		})
		close(lcand)
	}()

	for _, base := range bases {
		go a.loop(base)
	}

	a.checklist.run(a.ctx)

	select {
	case conn := <-a.ready:
		a.setState(Connected)
		return conn, nil
	case <-a.ctx.Done():
		return nil, a.ctx.Err()
	case <-time.After(30 * time.Second):
		a.setState(Failed)
		return nil, fmt.Errorf("ice: failed to establish connection after 30 seconds")
	}
}

func (a *Agent) Close() error {
	a.cancel()
	a.setState(Closed)
	for _, b := range a.bases {
		b.Close()
	}
	return nil
}

func (a *Agent) AddRemoteCandidate(desc, mid string) error {
	if desc == "" {
		// End-of-candidates marker; nothing further to pair.
		return nil
	}

	c := Candidate{mid: mid}
	if err := parseCandidateSDP(desc, &c); err != nil {
		return err
	}

	if strings.HasSuffix(c.address.ip, ".local") {
		ip, err := resolveMdnsCandidate(a.ctx, c.address.ip)
		if err != nil {
			return fmt.Errorf("ice: failed to resolve mDNS candidate %s: %w", c.address.ip, err)
		}
		c.address.ip = ip.String()
	}

	a.candidateLock.Lock()
	a.remoteCandidates = append(a.remoteCandidates, c)
	locals := append([]Candidate(nil), a.localCandidates...)
	a.candidateLock.Unlock()

	a.checklist.addCandidatePairs(locals, []Candidate{c}, a.isControlling)
	return nil
}

func (a *Agent) addLocalCandidate(c Candidate) {
	a.candidateLock.Lock()
	a.localCandidates = append(a.localCandidates, c)
	remotes := append([]Candidate(nil), a.remoteCandidates...)
	a.candidateLock.Unlock()

	a.checklist.addCandidatePairs([]Candidate{c}, remotes, a.isControlling)
}

func (a *Agent) loop(base *Base) {
	dataIn := make(chan []byte, 64)
	go base.readLoop(func(msg *stunMessage, raddr net.Addr, base *Base) {
		a.handleStun(msg, raddr, base)
	}, dataIn)

	checklistUpdate := make(chan checklistState, 1)
	lid, ch := a.checklist.addListener()
	defer a.checklist.removeListener(lid)
	go func() {
		for {
			select {
			case s := <-ch:
				select {
				case checklistUpdate <- s:
				default:
				}
			case <-a.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			return

		case newState := <-checklistUpdate:
			switch newState {
			case checklistCompleted:
				if a.dataConn == nil {
					a.readyOnce.Do(func() {
						selected := a.checklist.selected
						log.Info("Selected candidate pair: %s", selected)
						a.dataConn = createDataConn(a.ctx, selected, dataIn)
						a.ready <- a.dataConn
					})
				}
			case checklistFailed:
				a.setState(Failed)
			}
		}
	}
}

func (a *Agent) handleStun(msg *stunMessage, raddr net.Addr, base *Base) {
	if msg.method != stunBindingMethod {
		log.Warn("ice: unexpected STUN method from %s: %s", raddr, msg)
		return
	}

	switch msg.class {
	case stunRequest:
		a.checklist.handleStunRequest(msg, raddr, base)
	case stunIndication:
		// No-op (keepalive).
	case stunSuccessResponse, stunErrorResponse:
		log.Debug("Received unexpected STUN response: %s\n", msg)
	}
}

func createDataConn(ctx context.Context, p *CandidatePair, dataIn chan []byte) *ChannelConn {
	base := p.local.base
	remoteAddr := p.remote.address.netAddr()
	dataConn := NewChannelConn(base, dataIn, remoteAddr)
	return dataConn
}
