package paxos

import (
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"paxoslog/internal/wire"
)

func newTestProposer(id uint16) *Proposer {
	return NewProposer(id, 2, 3, 32, time.Second, 1, log.NewNopLogger(), ProposerMetrics{})
}

// S1 happy path: propose, promise from a quorum, accept broadcast.
func TestProposerHappyPath(t *testing.T) {
	p := newTestProposer(0)
	out := p.Propose([]byte("x"))
	require.Len(t, out, 1)
	require.Equal(t, wire.TypePrepare, out[0].Env.Type)
	ballot := out[0].Env.Prepare.Ballot
	require.Equal(t, uint32(4), ballot) // (1<<2)|0

	out = p.OnPromise(&wire.Promise{IID: 1, Ballot: ballot, AID: 0})
	require.Empty(t, out, "quorum of 2 not yet reached")

	out = p.OnPromise(&wire.Promise{IID: 1, Ballot: ballot, AID: 1})
	require.Len(t, out, 1)
	require.Equal(t, wire.TypeAccept, out[0].Env.Type)
	require.Equal(t, []byte("x"), out[0].Env.Accept.Value)

	out = p.OnAccepted(&wire.Accepted{IID: 1, Ballot: ballot, AID: 0})
	require.Empty(t, out)
	out = p.OnAccepted(&wire.Accepted{IID: 1, Ballot: ballot, AID: 1})
	require.Empty(t, out)
}

// S2 preemption: a higher ballot elsewhere forces a re-prepare.
func TestProposerPreemptionRebidsHigher(t *testing.T) {
	p := newTestProposer(0)
	p.Propose([]byte("x"))

	out := p.OnPreempted(&wire.Preempted{IID: 1, AID: 0, Ballot: 5})
	require.Len(t, out, 1)
	require.Greater(t, out[0].Env.Prepare.Ballot, uint32(5))
	// Preemption during phase 1 carries forward no bound value (none was
	// chosen yet); "x" is still waiting in the FIFO to be bound once a
	// promise quorum is reached for the re-prepared instance.
	require.Nil(t, p.prepare[1].value)
	require.Len(t, p.fifo, 1)
}

// S3 value selection: a promise carrying a previously accepted value
// must be proposed instead of the proposer's own pending value.
func TestProposerValueSelectionObeysHighestBallot(t *testing.T) {
	p := newTestProposer(1)
	out := p.Propose([]byte("mine"))
	ballot := out[0].Env.Prepare.Ballot

	out = p.OnPromise(&wire.Promise{IID: 1, Ballot: ballot, AID: 0, Value: []byte("x"), ValueBallot: 4})
	require.Empty(t, out)
	out = p.OnPromise(&wire.Promise{IID: 1, Ballot: ballot, AID: 1})
	require.Len(t, out, 1)
	require.Equal(t, []byte("x"), out[0].Env.Accept.Value)
}

func TestProposerDropsStalePromise(t *testing.T) {
	p := newTestProposer(0)
	p.Propose([]byte("x"))
	out := p.OnPromise(&wire.Promise{IID: 1, Ballot: 999, AID: 0})
	require.Empty(t, out)
}

func TestProposerTimeoutReplaysPendingPrepare(t *testing.T) {
	p := newTestProposer(0)
	p.Propose([]byte("x"))
	out := p.Timeouts(time.Now().Add(2 * time.Second))
	require.Len(t, out, 1)
	require.Equal(t, wire.TypePrepare, out[0].Env.Type)
}
