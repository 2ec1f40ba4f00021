package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, env *Envelope) *Envelope {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))
	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestRoundTripPrepare(t *testing.T) {
	env := NewPrepare(0xCAFE, 7, 4)
	got := roundTrip(t, env)
	require.Equal(t, env, got)
}

func TestRoundTripPromiseNoParticipants(t *testing.T) {
	env := NewPromise(1, &Promise{IID: 1, Ballot: 4, AID: 0, Value: nil, ValueBallot: 0})
	got := roundTrip(t, env)
	require.Equal(t, env, got)
}

func TestRoundTripPromiseAggregated(t *testing.T) {
	parts := []Participant{
		{AID: 1, Ballot: 5, ValueBallot: 4, Value: []byte("x")},
		{AID: 2, Ballot: 5, ValueBallot: 0, Value: nil},
	}
	env := NewPromise(1, &Promise{IID: 3, Ballot: 5, AID: 0, Value: []byte("x"), ValueBallot: 4, Participants: parts})
	got := roundTrip(t, env)
	require.Equal(t, env, got)
}

func TestRoundTripAllVariants(t *testing.T) {
	envs := []*Envelope{
		NewPrepare(1, 1, 4),
		NewAccept(1, 1, 4, []byte("x")),
		NewAccepted(1, &Accepted{IID: 1, Ballot: 4, AID: 0, Value: []byte("x")}),
		NewPreempted(1, 1, 0, 5),
		NewRepeat(1, 1, 3),
		NewTrim(1, 100),
		NewAcceptorState(1, 0, 100),
		NewClientValue(1, []byte("hello")),
	}
	for _, env := range envs {
		got := roundTrip(t, env)
		require.Equal(t, env, got, env.Type.String())
	}
}

func TestDecodeRejectsTruncatedParticipants(t *testing.T) {
	// n_aids claims 1 entry but no bytes follow.
	payload := []byte{byte(TypePromise), 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unmarshal(payload)
	require.Error(t, err)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	env := NewTrim(1, 5)
	payload, err := marshal(env)
	require.NoError(t, err)
	payload = append(payload, 0xFF)
	_, err = unmarshal(payload)
	require.Error(t, err)
}

func TestFrameOversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}
