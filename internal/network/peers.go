package network

import (
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	tw "github.com/msackman/gotimerwheel"

	"paxoslog/internal/paxos"
	"paxoslog/internal/wire"
	"paxoslog/internal/xlog"
)

// reconnectInterval is the fixed per-peer redial delay (spec §5).
const reconnectInterval = 2 * time.Second

// clientAIDBase separates synthetic ids handed to accepted (inbound)
// peers from the real, config-assigned acceptor ids used for dialed
// peers, so Target{AID} addressing is uniform across both: a handler
// replying to whoever sent it a Prepare doesn't need to know whether
// the sender was a peer we dialed or one that dialed us.
const clientAIDBase wire.AID = 1 << 15

// Handler processes one decoded envelope from the peer identified by
// src. Multiple handlers may be registered for the same type and run
// in registration order (spec §4.6's subscribe semantics).
type Handler func(src wire.AID, env *wire.Envelope)

// Peers owns every connection this node has, in or out, plus the
// subscription table and reconnect scheduling. It is the Go analogue
// of evpaxos/peers.c's struct peers: two lists of peers (dialed vs
// accepted) and one dispatch table.
type Peers struct {
	mu            sync.Mutex
	dialed        map[wire.AID]*Peer
	accepted      map[wire.AID]*Peer
	nextClientAID wire.AID

	subs map[wire.Type][]Handler

	listener net.Listener

	wheel *tw.TimerWheel

	logger log.Logger
}

// NewPeers constructs an empty peer set. Call Listen and
// ConnectToAcceptors (or DialAcceptor per-peer) to populate it.
func NewPeers(logger log.Logger) *Peers {
	ps := &Peers{
		dialed:        make(map[wire.AID]*Peer),
		accepted:      make(map[wire.AID]*Peer),
		nextClientAID: clientAIDBase,
		subs:          make(map[wire.Type][]Handler),
		wheel:         tw.NewTimerWheel(time.Now(), 50*time.Millisecond),
		logger:        log.With(logger, "component", "peers"),
	}
	go ps.tickWheel()
	return ps
}

func (ps *Peers) tickWheel() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		ps.wheel.AdvanceTo(time.Now(), 32)
	}
}

func (ps *Peers) scheduleReconnect(fn func()) {
	if err := ps.wheel.ScheduleEventIn(reconnectInterval, tw.Event(fn)); err != nil {
		xlog.DebugLog(ps.logger, "msg", "failed to arm reconnect timer", "error", err)
	}
}

// Subscribe registers a handler for one message type.
func (ps *Peers) Subscribe(t wire.Type, h Handler) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.subs[t] = append(ps.subs[t], h)
}

func (ps *Peers) dispatch(src wire.AID, env *wire.Envelope) {
	ps.mu.Lock()
	handlers := append([]Handler(nil), ps.subs[env.Type]...)
	ps.mu.Unlock()
	for _, h := range handlers {
		h(src, env)
	}
}

// DialAcceptor opens (or reopens) an outbound connection to one
// config-known acceptor. Lost connections are retried automatically
// every reconnectInterval until Shutdown.
func (ps *Peers) DialAcceptor(aid wire.AID, addr string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.dialed[aid]; ok {
		return
	}
	ps.dialed[aid] = newDialedPeer(ps, aid, addr)
}

// ConnectToAcceptors dials every acceptor named in infos, mirroring
// peers_connect_to_acceptors.
func (ps *Peers) ConnectToAcceptors(infos []paxos.AcceptorInfo) {
	for _, info := range infos {
		ps.DialAcceptor(wire.AID(info.AID), info.Addr)
	}
}

// Listen binds the accept-side listener; every inbound connection
// becomes a client-role peer with a synthetic aid.
func (ps *Peers) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ps.listener = l
	ps.mu.Unlock()
	go ps.acceptLoop(l)
	ps.logger.Log("msg", "listening", "addr", addr)
	return nil
}

func (ps *Peers) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			xlog.DebugLog(ps.logger, "msg", "listener closed", "error", err)
			return
		}
		configureSocket(conn)
		ps.addAccepted(conn)
	}
}

func (ps *Peers) addAccepted(conn net.Conn) {
	ps.mu.Lock()
	aid := ps.nextClientAID
	ps.nextClientAID++
	peer := newAcceptedPeer(ps, aid, conn)
	ps.accepted[aid] = peer
	ps.mu.Unlock()
}

func (ps *Peers) dropAccepted(aid wire.AID) {
	ps.mu.Lock()
	delete(ps.accepted, aid)
	ps.mu.Unlock()
}

// Connected reports whether aid currently has a live connection,
// dialed or accepted. Exported for callers (e.g. a replica driver or
// its tests) that need to wait for a peer to come up.
func (ps *Peers) Connected(aid wire.AID) bool {
	p, ok := ps.peerByAID(aid)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// ConnectedCount reports how many dialed and accepted peers currently
// have a live connection, for the peer-connection gauge a replica
// exports (SPEC_FULL.md's domain-stack metrics wiring).
func (ps *Peers) ConnectedCount() (dialed, accepted int) {
	ps.mu.Lock()
	snapshot := make([]*Peer, 0, len(ps.dialed)+len(ps.accepted))
	dialedN := len(ps.dialed)
	for _, p := range ps.dialed {
		snapshot = append(snapshot, p)
	}
	for _, p := range ps.accepted {
		snapshot = append(snapshot, p)
	}
	ps.mu.Unlock()
	for i, p := range snapshot {
		p.mu.Lock()
		c := p.connected
		p.mu.Unlock()
		if !c {
			continue
		}
		if i < dialedN {
			dialed++
		} else {
			accepted++
		}
	}
	return dialed, accepted
}

func (ps *Peers) peerByAID(aid wire.AID) (*Peer, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.dialed[aid]; ok {
		return p, true
	}
	p, ok := ps.accepted[aid]
	return p, ok
}

// ForeachAcceptor iterates the peers this node dialed out to (the
// acceptor set), per peers_foreach_acceptor.
func (ps *Peers) ForeachAcceptor(fn func(*Peer)) {
	ps.mu.Lock()
	snapshot := make([]*Peer, 0, len(ps.dialed))
	for _, p := range ps.dialed {
		snapshot = append(snapshot, p)
	}
	ps.mu.Unlock()
	for _, p := range snapshot {
		fn(p)
	}
}

// ForeachClient iterates the peers that connected to us, per
// peers_foreach_client.
func (ps *Peers) ForeachClient(fn func(*Peer)) {
	ps.mu.Lock()
	snapshot := make([]*Peer, 0, len(ps.accepted))
	for _, p := range ps.accepted {
		snapshot = append(snapshot, p)
	}
	ps.mu.Unlock()
	for _, p := range snapshot {
		fn(p)
	}
}

// ForeachDownAcceptor iterates only the dialed peers whose acceptor id
// is a direct child of selfID in topo, for hierarchical forwarding
// (spec §4.6's foreach_down_acceptor).
func (ps *Peers) ForeachDownAcceptor(selfID wire.AID, topo *paxos.Topology, fn func(*Peer)) {
	for _, child := range topo.DownAcceptors(uint16(selfID)) {
		if p, ok := ps.peerByAID(wire.AID(child)); ok {
			fn(p)
		}
	}
}

// Send resolves an Outbound's Target against the live connection set
// and writes the envelope to every matching peer. selfID and topo are
// only consulted for ToDown/ToParent targets.
func (ps *Peers) Send(out paxos.Outbound, selfID wire.AID, topo *paxos.Topology) {
	switch {
	case out.Target.HasAID:
		if p, ok := ps.peerByAID(out.Target.AID); ok {
			p.Send(out.Env)
		}
	case out.Target.ToAll:
		ps.ForeachAcceptor(func(p *Peer) { p.Send(out.Env) })
	case out.Target.ToClients:
		ps.ForeachClient(func(p *Peer) { p.Send(out.Env) })
	case out.Target.ToDown:
		ps.ForeachDownAcceptor(selfID, topo, func(p *Peer) { p.Send(out.Env) })
	case out.Target.ToParent:
		if parent, ok := topo.Parent(uint16(selfID)); ok {
			if p, ok := ps.peerByAID(wire.AID(parent)); ok {
				p.Send(out.Env)
			}
		}
	}
}

// Shutdown drains and closes every peer and stops accepting new
// connections, leaves-first per spec §5 ("role objects destroyed
// leaves-first... peers" last among the four, but peers itself has no
// further leaves beneath it).
func (ps *Peers) Shutdown() {
	ps.mu.Lock()
	if ps.listener != nil {
		ps.listener.Close()
	}
	dialed := make([]*Peer, 0, len(ps.dialed))
	for _, p := range ps.dialed {
		dialed = append(dialed, p)
	}
	accepted := make([]*Peer, 0, len(ps.accepted))
	for _, p := range ps.accepted {
		accepted = append(accepted, p)
	}
	ps.mu.Unlock()
	for _, p := range dialed {
		p.Shutdown()
	}
	for _, p := range accepted {
		p.Shutdown()
	}
}
