package paxos

import (
	"testing"

	"github.com/stretchr/testify/require"

	"paxoslog/internal/wire"
)

func TestQuorumSize(t *testing.T) {
	require.Equal(t, 2, quorumSize(3))
	require.Equal(t, 3, quorumSize(5))
	require.Equal(t, 1, quorumSize(1))
}

func TestQuorumDuplicateDoesNotInflate(t *testing.T) {
	q := newQuorum(3)
	require.True(t, q.add(wire.AID(0)))
	require.False(t, q.add(wire.AID(0)))
	require.Equal(t, 1, q.count())
	require.False(t, q.reached())

	require.True(t, q.add(wire.AID(1)))
	require.True(t, q.reached())
}

func TestQuorumClearResets(t *testing.T) {
	q := newQuorum(3)
	q.add(wire.AID(0))
	q.add(wire.AID(1))
	require.True(t, q.reached())
	q.clear()
	require.False(t, q.reached())
	require.Equal(t, 0, q.count())
}
