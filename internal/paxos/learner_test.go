package paxos

import (
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"paxoslog/internal/wire"
)

func newTestLearner() *Learner {
	return NewLearner(3, 1, false, log.NewNopLogger(), nil)
}

func TestLearnerDeliversOnQuorum(t *testing.T) {
	l := newTestLearner()
	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 4, AID: 0, Value: []byte("x")})
	_, _, ok := l.DeliverNext()
	require.False(t, ok, "one accepted is not a quorum of 2")

	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 4, AID: 1, Value: []byte("x")})
	value, iid, ok := l.DeliverNext()
	require.True(t, ok)
	require.Equal(t, uint32(1), iid)
	require.Equal(t, []byte("x"), value)
	require.Equal(t, uint32(2), l.CurrentIID())
}

func TestLearnerDuplicateAcceptedSameAidDoesNotDoubleCount(t *testing.T) {
	l := newTestLearner()
	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 4, AID: 0, Value: []byte("x")})
	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 4, AID: 0, Value: []byte("x")})
	_, _, ok := l.DeliverNext()
	require.False(t, ok)
}

func TestLearnerHolesAndFill(t *testing.T) {
	l := newTestLearner()
	l.OnAccepted(&wire.Accepted{IID: 3, Ballot: 4, AID: 0, Value: []byte("z")})
	l.OnAccepted(&wire.Accepted{IID: 3, Ballot: 4, AID: 1, Value: []byte("z")})

	from, to, ok := l.HasHoles()
	require.True(t, ok)
	require.Equal(t, uint32(1), from)
	require.Equal(t, uint32(3), to)

	_, _, delivered := l.DeliverNext()
	require.False(t, delivered, "iid 1 is still missing")

	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 4, AID: 0, Value: []byte("x")})
	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 4, AID: 1, Value: []byte("x")})
	l.OnAccepted(&wire.Accepted{IID: 2, Ballot: 4, AID: 0, Value: []byte("y")})
	l.OnAccepted(&wire.Accepted{IID: 2, Ballot: 4, AID: 1, Value: []byte("y")})

	var deliveredIIDs []uint32
	for {
		_, iid, ok := l.DeliverNext()
		if !ok {
			break
		}
		deliveredIIDs = append(deliveredIIDs, iid)
	}
	require.Equal(t, []uint32{1, 2, 3}, deliveredIIDs)
	_, _, ok = l.HasHoles()
	require.False(t, ok)
}

// A stray higher-ballot Accepted arriving before the real quorum's
// lower-ballot Accepted messages must not permanently block the
// instance: last_update_ballot tracks the most recent Accepted seen,
// not a running max, per spec.md:110.
func TestLearnerRecoversAfterStrayHigherBallotAccepted(t *testing.T) {
	l := newTestLearner()
	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 9, AID: 2, Value: []byte("stray")})

	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 4, AID: 0, Value: []byte("x")})
	_, _, ok := l.DeliverNext()
	require.False(t, ok, "one matching-ballot accepted is not yet a quorum of 2")

	l.OnAccepted(&wire.Accepted{IID: 1, Ballot: 4, AID: 1, Value: []byte("x")})
	value, iid, ok := l.DeliverNext()
	require.True(t, ok, "quorum at ballot 4 must still close the instance")
	require.Equal(t, uint32(1), iid)
	require.Equal(t, []byte("x"), value)
}

func TestLateStartAdoptsFirstObservedIID(t *testing.T) {
	l := NewLearner(3, 1, true, log.NewNopLogger(), nil)
	l.OnAccepted(&wire.Accepted{IID: 50, Ballot: 1, AID: 0, Value: []byte("v")})
	l.OnAccepted(&wire.Accepted{IID: 50, Ballot: 1, AID: 1, Value: []byte("v")})
	_, iid, ok := l.DeliverNext()
	require.True(t, ok)
	require.Equal(t, uint32(50), iid)
}
