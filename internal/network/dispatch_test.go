package network

import (
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"paxoslog/internal/paxos"
	"paxoslog/internal/wire"
)

type fakeProposer struct {
	proposed [][]byte
}

func (f *fakeProposer) OnPromise(*wire.Promise) []paxos.Outbound     { return nil }
func (f *fakeProposer) OnAccepted(*wire.Accepted) []paxos.Outbound   { return nil }
func (f *fakeProposer) OnPreempted(*wire.Preempted) []paxos.Outbound { return nil }
func (f *fakeProposer) OnAcceptorState(*wire.AcceptorState)          {}
func (f *fakeProposer) Propose(value []byte) []paxos.Outbound {
	f.proposed = append(f.proposed, value)
	return nil
}

func TestWireProposerDrivesClientValue(t *testing.T) {
	ps := NewPeers(log.NewNopLogger())
	role := &fakeProposer{}
	WireProposer(ps, role, func(paxos.Outbound) {})

	ps.dispatch(0, wire.NewClientValue(0, []byte("hello")))

	require.Len(t, role.proposed, 1)
	require.Equal(t, []byte("hello"), role.proposed[0])
}
