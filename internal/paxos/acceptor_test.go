package paxos

import (
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"paxoslog/internal/storage"
	"paxoslog/internal/wire"
)

func newTestAcceptor(aid wire.AID) *Acceptor {
	return NewAcceptor(aid, storage.NewMemoryStorage(), FlatTopology([]uint16{0}), log.NewNopLogger(), nil)
}

func TestAcceptorPromisesFirstPrepare(t *testing.T) {
	a := newTestAcceptor(0)
	out := a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 4}, 7)
	require.Len(t, out, 1)
	require.Equal(t, wire.TypePromise, out[0].Env.Type)
	require.Equal(t, wire.AID(7), out[0].Target.AID)
	require.Equal(t, uint32(4), out[0].Env.Promise.Ballot)
	require.Empty(t, out[0].Env.Promise.Value)
}

func TestAcceptorDoesNotRegressPromisedBallot(t *testing.T) {
	a := newTestAcceptor(0)
	a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 8}, 1)
	out := a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 4}, 2)
	require.Equal(t, uint32(8), out[0].Env.Promise.Ballot)
}

func TestAcceptorAcceptThenPreempt(t *testing.T) {
	a := newTestAcceptor(0)
	a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 4}, 1)

	out := a.OnAccept(&wire.Accept{IID: 1, Ballot: 4, Value: []byte("x")}, 1)
	require.Equal(t, wire.TypeAccepted, out[0].Env.Type)

	a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 5}, 2)
	out = a.OnAccept(&wire.Accept{IID: 1, Ballot: 4, Value: []byte("x")}, 1)
	require.Equal(t, wire.TypePreempted, out[0].Env.Type)
	require.Equal(t, uint32(5), out[0].Env.Preempted.Ballot)
}

func TestAcceptorPromiseCarriesPreviouslyAcceptedValue(t *testing.T) {
	a := newTestAcceptor(0)
	a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 4}, 1)
	a.OnAccept(&wire.Accept{IID: 1, Ballot: 4, Value: []byte("x")}, 1)

	out := a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 5}, 2)
	require.Equal(t, []byte("x"), out[0].Env.Promise.Value)
	require.Equal(t, uint32(4), out[0].Env.Promise.ValueBallot)
}

func TestAcceptorTrimBoundary(t *testing.T) {
	a := newTestAcceptor(0)
	a.OnTrim(&wire.Trim{IID: 100})
	require.Equal(t, uint32(100), a.TrimInstance())

	require.Nil(t, a.OnPrepare(&wire.Prepare{IID: 100, Ballot: 1}, 1))
	require.NotNil(t, a.OnPrepare(&wire.Prepare{IID: 101, Ballot: 1}, 1))
}

func TestAcceptorAcceptedBroadcastsToClients(t *testing.T) {
	a := newTestAcceptor(0)
	a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 4}, 1)

	out := a.OnAccept(&wire.Accept{IID: 1, Ballot: 4, Value: []byte("x")}, 1)
	require.Len(t, out, 1)
	require.True(t, out[0].Target.ToClients)
	require.False(t, out[0].Target.HasAID)
}

func TestAcceptorPromiseIncludesParticipants(t *testing.T) {
	a := newTestAcceptor(0)
	out := a.OnPrepare(&wire.Prepare{IID: 1, Ballot: 4}, 7)
	require.Len(t, out[0].Env.Promise.Participants, 1)
	require.Equal(t, wire.AID(7), out[0].Env.Promise.Participants[0].AID)
	require.Equal(t, uint32(4), out[0].Env.Promise.Participants[0].Ballot)
}

// Exercises the 2-level hierarchy's upward half: a parent that forwarded
// Prepare down to a child must relay the child's Promise back to the
// original requester, per spec.md:96.
func TestAcceptorForwardsChildPromiseToOriginalSrc(t *testing.T) {
	topo := NewTopology([]AcceptorInfo{
		{AID: 1, GroupID: 10, ParentID: 10},
		{AID: 2, GroupID: 10, ParentID: 1},
	})
	parent := NewAcceptor(1, storage.NewMemoryStorage(), topo, log.NewNopLogger(), nil)

	out := parent.OnPrepare(&wire.Prepare{IID: 1, Ballot: 4}, 9)
	require.Len(t, out, 2)

	childPromise := &wire.Promise{IID: 1, Ballot: 4, AID: 2}
	relayed := parent.OnPromise(childPromise, 2)
	require.Len(t, relayed, 1)
	require.True(t, relayed[0].Target.HasAID)
	require.Equal(t, wire.AID(9), relayed[0].Target.AID)
	require.Same(t, childPromise, relayed[0].Env.Promise)
}

func TestAcceptorRepeatReturnsAcceptedOnly(t *testing.T) {
	a := newTestAcceptor(0)
	a.OnPrepare(&wire.Prepare{IID: 2, Ballot: 4}, 1)
	a.OnAccept(&wire.Accept{IID: 2, Ballot: 4, Value: []byte("y")}, 1)

	out := a.OnRepeat(&wire.Repeat{FromIID: 1, ToIID: 3}, 9)
	require.Len(t, out, 1)
	require.Equal(t, uint32(2), out[0].Env.Accepted.IID)
	require.Equal(t, []byte("y"), out[0].Env.Accepted.Value)
}
