package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"paxoslog/internal/paxos"
	"paxoslog/internal/wire"
)

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitConnected(t *testing.T, ps *Peers, aid wire.AID) {
	require.Eventually(t, func() bool {
		p, ok := ps.peerByAID(aid)
		if !ok {
			return false
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.connected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDialedPeerDeliversToListener(t *testing.T) {
	addr := freeAddr(t)

	server := NewPeers(log.NewNopLogger())
	require.NoError(t, server.Listen(addr))

	var mu sync.Mutex
	var got *wire.Envelope
	server.Subscribe(wire.TypePrepare, func(src wire.AID, env *wire.Envelope) {
		mu.Lock()
		got = env
		mu.Unlock()
	})

	client := NewPeers(log.NewNopLogger())
	client.DialAcceptor(3, addr)
	waitConnected(t, client, 3)

	client.ForeachAcceptor(func(p *Peer) {
		p.Send(wire.NewPrepare(0, 7, 42))
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, uint32(7), got.Prepare.IID)
	require.Equal(t, uint32(42), got.Prepare.Ballot)
	mu.Unlock()

	client.Shutdown()
	server.Shutdown()
}

// Exercises Peers.Send's ToDown resolution: a parent forwards Accept to
// its configured child acceptor, per spec §4.6's hierarchical variant.
func TestSendToDownAcceptorUsesTopology(t *testing.T) {
	addr := freeAddr(t)

	child := NewPeers(log.NewNopLogger())
	require.NoError(t, child.Listen(addr))

	var mu sync.Mutex
	var received int
	child.Subscribe(wire.TypeAccept, func(src wire.AID, env *wire.Envelope) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	parent := NewPeers(log.NewNopLogger())
	parent.DialAcceptor(2, addr)
	waitConnected(t, parent, 2)

	topo := paxos.NewTopology([]paxos.AcceptorInfo{
		{AID: 1, GroupID: 10, ParentID: 10},
		{AID: 2, GroupID: 10, ParentID: 1},
	})

	out := paxos.Outbound{
		Target: paxos.Target{ToDown: true},
		Env:    wire.NewAccept(0, 1, 4, []byte("x")),
	}
	parent.Send(out, 1, topo)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received >= 1
	}, 2*time.Second, 10*time.Millisecond)

	parent.Shutdown()
	child.Shutdown()
}

func TestSendToClientsReachesEveryAcceptedPeer(t *testing.T) {
	addr := freeAddr(t)

	server := NewPeers(log.NewNopLogger())
	require.NoError(t, server.Listen(addr))

	clientA := NewPeers(log.NewNopLogger())
	clientA.DialAcceptor(1, addr)
	clientB := NewPeers(log.NewNopLogger())
	clientB.DialAcceptor(1, addr)
	waitConnected(t, clientA, 1)
	waitConnected(t, clientB, 1)

	var mu sync.Mutex
	gotA, gotB := false, false
	clientA.Subscribe(wire.TypeAccepted, func(wire.AID, *wire.Envelope) {
		mu.Lock()
		gotA = true
		mu.Unlock()
	})
	clientB.Subscribe(wire.TypeAccepted, func(wire.AID, *wire.Envelope) {
		mu.Lock()
		gotB = true
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		server.mu.Lock()
		n := len(server.accepted)
		server.mu.Unlock()
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	out := paxos.Outbound{
		Target: paxos.Target{ToClients: true},
		Env:    wire.NewAccepted(0, &wire.Accepted{IID: 1, Ballot: 1, AID: 9, Value: []byte("x")}),
	}
	server.Send(out, 9, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotA && gotB
	}, 2*time.Second, 10*time.Millisecond)

	server.Shutdown()
	clientA.Shutdown()
	clientB.Shutdown()
}

func TestSubscribeRunsHandlersInRegistrationOrder(t *testing.T) {
	ps := NewPeers(log.NewNopLogger())
	var order []int
	ps.Subscribe(wire.TypeTrim, func(wire.AID, *wire.Envelope) { order = append(order, 1) })
	ps.Subscribe(wire.TypeTrim, func(wire.AID, *wire.Envelope) { order = append(order, 2) })
	ps.dispatch(0, wire.NewTrim(0, 5))
	require.Equal(t, []int{1, 2}, order)
}
