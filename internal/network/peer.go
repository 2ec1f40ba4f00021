package network

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	cc "github.com/msackman/chancell"

	"paxoslog/internal/wire"
	"paxoslog/internal/xlog"
)

// peerMsg is the mailbox item type for a Peer's actor loop, the same
// witness-interface shape as the teacher's connectionMsg
// (network/connection.go).
type peerMsg interface {
	witness() peerMsg
}

type peerMsgBasic struct{}

func (peerMsgBasic) witness() peerMsg { return peerMsgBasic{} }

type peerMsgShutdown struct{ peerMsgBasic }

type peerMsgSend struct {
	peerMsgBasic
	env *wire.Envelope
}

type peerMsgReconnect struct{ peerMsgBasic }

type peerMsgConnected struct {
	peerMsgBasic
	conn net.Conn
}

type peerMsgReadEnvelope struct {
	peerMsgBasic
	env *wire.Envelope
}

type peerMsgReadError struct {
	peerMsgBasic
	err error
}

// Peer is one remote endpoint. Dialed peers carry a real, config-known
// acceptor id and redial on disconnect; accepted peers carry a
// synthetic id assigned by Peers (see clientAIDBase in peers.go) and
// are dropped on disconnect rather than retried, per
// peers.c's two-list model (peers we connected to vs peers who
// connected to us).
type Peer struct {
	aid    wire.AID
	addr   string
	dialed bool

	peers  *Peers
	logger log.Logger

	mu   sync.Mutex
	conn net.Conn

	cellTail          *cc.ChanCellTail
	enqueueQueryInner func(peerMsg, *cc.ChanCell, cc.CurCellConsumer) (bool, cc.CurCellConsumer)
	queryChan         <-chan peerMsg

	connected bool
}

func newDialedPeer(ps *Peers, aid wire.AID, addr string) *Peer {
	p := &Peer{
		aid:    aid,
		addr:   addr,
		dialed: true,
		peers:  ps,
		logger: log.With(ps.logger, "peer", aid, "addr", addr),
	}
	p.start()
	go p.dial()
	return p
}

func newAcceptedPeer(ps *Peers, aid wire.AID, conn net.Conn) *Peer {
	p := &Peer{
		aid:    aid,
		addr:   conn.RemoteAddr().String(),
		dialed: false,
		peers:  ps,
		logger: log.With(ps.logger, "peer", aid, "addr", conn.RemoteAddr().String()),
	}
	p.start()
	p.enqueueQuery(peerMsgConnected{conn: conn})
	return p
}

func (p *Peer) start() {
	var head *cc.ChanCellHead
	head, p.cellTail = cc.NewChanCellTail(
		func(n int, cell *cc.ChanCell) {
			queryChan := make(chan peerMsg, n)
			cell.Open = func() { p.queryChan = queryChan }
			cell.Close = func() { close(queryChan) }
			p.enqueueQueryInner = func(msg peerMsg, curCell *cc.ChanCell, cont cc.CurCellConsumer) (bool, cc.CurCellConsumer) {
				if curCell == cell {
					select {
					case queryChan <- msg:
						return true, nil
					default:
						return false, nil
					}
				}
				return false, cont
			}
		})
	go p.actorLoop(head)
}

func (p *Peer) enqueueQuery(msg peerMsg) bool {
	var f cc.CurCellConsumer
	f = func(cell *cc.ChanCell) (bool, cc.CurCellConsumer) {
		return p.enqueueQueryInner(msg, cell, f)
	}
	return p.cellTail.WithCell(f)
}

// Send enqueues an envelope for this peer's writer. It never blocks
// the caller on network I/O.
func (p *Peer) Send(env *wire.Envelope) {
	p.enqueueQuery(peerMsgSend{env: env})
}

// Shutdown drains the mailbox and tears down the connection.
func (p *Peer) Shutdown() {
	p.enqueueQuery(peerMsgShutdown{})
}

func (p *Peer) actorLoop(head *cc.ChanCellHead) {
	var (
		queryChan <-chan peerMsg
		queryCell *cc.ChanCell
	)
	chanFun := func(cell *cc.ChanCell) { queryChan, queryCell = p.queryChan, cell }
	head.WithCell(chanFun)

	terminate := false
	for !terminate {
		select {
		case msg, ok := <-queryChan:
			if !ok {
				head.Next(queryCell, chanFun)
				continue
			}
			terminate = p.handleMsg(msg)
		}
	}
	p.cellTail.Terminate()
	p.closeConn()
	xlog.DebugLog(p.logger, "msg", "peer terminated")
}

func (p *Peer) handleMsg(msg peerMsg) (terminate bool) {
	switch m := msg.(type) {
	case peerMsgShutdown:
		return true
	case peerMsgSend:
		p.write(m.env)
	case peerMsgReconnect:
		go p.dial()
	case peerMsgConnected:
		p.onConnected(m.conn)
	case peerMsgReadEnvelope:
		p.peers.dispatch(p.aid, m.env)
	case peerMsgReadError:
		p.onDisconnected(m.err)
	default:
		xlog.DebugLog(p.logger, "msg", "unexpected peer message", "value", fmt.Sprintf("%#v", m))
	}
	return false
}

func (p *Peer) dial() {
	conn, err := net.DialTimeout("tcp", p.addr, 5*time.Second)
	if err != nil {
		xlog.DebugLog(p.logger, "msg", "dial failed", "error", err)
		p.armReconnect()
		return
	}
	if err := configureSocket(conn); err != nil {
		xlog.DebugLog(p.logger, "msg", "configure socket failed", "error", err)
		conn.Close()
		p.armReconnect()
		return
	}
	p.enqueueQuery(peerMsgConnected{conn: conn})
}

func (p *Peer) onConnected(conn net.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.mu.Unlock()
	p.logger.Log("msg", "connected", "remote", conn.RemoteAddr())
	go p.readLoop(conn)
}

func (p *Peer) onDisconnected(err error) {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.mu.Unlock()
	p.closeConn()
	if wasConnected {
		xlog.CheckWarn(err, p.logger)
	}
	if p.dialed {
		p.armReconnect()
	} else {
		p.peers.dropAccepted(p.aid)
	}
}

// armReconnect schedules a redial exactly reconnectInterval from now,
// on the Peers-wide timer wheel (spec §5's "2s between attempts per
// peer").
func (p *Peer) armReconnect() {
	p.peers.scheduleReconnect(func() { p.enqueueQuery(peerMsgReconnect{}) })
}

func (p *Peer) closeConn() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.connected = false
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *Peer) write(env *wire.Envelope) {
	p.mu.Lock()
	conn := p.conn
	connected := p.connected
	p.mu.Unlock()
	if !connected || conn == nil {
		return
	}
	if err := wire.WriteFrame(conn, env); err != nil {
		xlog.DebugLog(p.logger, "msg", "write failed", "error", err)
		p.enqueueQuery(peerMsgReadError{err: err})
	}
}

func (p *Peer) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		env, err := wire.ReadFrame(r)
		if err != nil {
			p.enqueueQuery(peerMsgReadError{err: err})
			return
		}
		p.enqueueQuery(peerMsgReadEnvelope{env: env})
	}
}

// configureSocket enables TCP_NODELAY, per spec §4.6's framing note
// ("cut small-message latency").
func configureSocket(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc.SetNoDelay(true)
	}
	return nil
}
