// Package wire implements the tagged-message protocol exchanged between
// acceptors, proposers and learners, and its framing over a reliable
// stream.
package wire

// Type tags the nine protocol messages. The low byte is what actually
// goes on the wire; values are stable across releases so that a frame
// written by an older binary still decodes.
type Type uint8

const (
	TypePrepare Type = iota + 1
	TypePromise
	TypeAccept
	TypeAccepted
	TypePreempted
	TypeRepeat
	TypeTrim
	TypeAcceptorState
	TypeClientValue
)

func (t Type) String() string {
	switch t {
	case TypePrepare:
		return "Prepare"
	case TypePromise:
		return "Promise"
	case TypeAccept:
		return "Accept"
	case TypeAccepted:
		return "Accepted"
	case TypePreempted:
		return "Preempted"
	case TypeRepeat:
		return "Repeat"
	case TypeTrim:
		return "Trim"
	case TypeAcceptorState:
		return "AcceptorState"
	case TypeClientValue:
		return "ClientValue"
	default:
		return "Unknown"
	}
}

// AID is an acceptor id: a small non-negative index into the static
// acceptor table.
type AID uint16

// Participant is one acceptor's contribution to an aggregated Promise or
// Accepted message. The hierarchical variant lets an intermediate
// acceptor merge its subordinates' state into a single upward message
// instead of fanning out one message per subordinate; this is the
// in-memory shape of spec's four parallel wire arrays
// (aids[]/values[]/ballots[]/value_ballots[]).
type Participant struct {
	AID         AID
	Ballot      uint32
	ValueBallot uint32
	Value       []byte
}

// Prepare is phase-1a: a proposer asking a quorum to promise not to
// accept anything below Ballot at IID.
type Prepare struct {
	IID    uint32
	Ballot uint32
}

// Promise is phase-1b: an acceptor's (or, in the hierarchical case, a
// merged subtree's) reply to a Prepare. AID/Value/ValueBallot describe
// the replying acceptor itself; Participants carries any subordinates
// merged in by a forwarding intermediate.
type Promise struct {
	IID          uint32
	Ballot       uint32
	AID          AID
	Value        []byte
	ValueBallot  uint32
	Participants []Participant
}

// Accept is phase-2a: the proposer's chosen value for a ballot.
type Accept struct {
	IID    uint32
	Ballot uint32
	Value  []byte
}

// Accepted is phase-2b: an acceptor durably recorded a value at Ballot.
type Accepted struct {
	IID          uint32
	Ballot       uint32
	AID          AID
	Value        []byte
	Participants []Participant
}

// Preempted tells a proposer that some other ballot, Ballot, has already
// been promised at IID, so its own attempt has lost.
type Preempted struct {
	IID    uint32
	AID    AID
	Ballot uint32
}

// Repeat asks every acceptor holding a record in [FromIID, ToIID] to
// resend its Accepted, used by a learner to fill holes.
type Repeat struct {
	FromIID uint32
	ToIID   uint32
}

// Trim tells an acceptor that everything at or below IID may be
// discarded; it is irrecoverable.
type Trim struct {
	IID uint32
}

// AcceptorState is the periodic trim-watermark advertisement an
// acceptor broadcasts; proposers record the trim marker per acceptor.
// It carries no ballot.
type AcceptorState struct {
	AID     AID
	TrimIID uint32
}

// ClientValue is a value submitted by a client for eventual proposal.
type ClientValue struct {
	Value []byte
}

// Envelope is the tagged union itself. Exactly one of the pointer
// fields matching Type is non-nil. Tracer is a four-byte debugging tag,
// not semantically load-bearing (spec §4.1): it is carried through
// encode/decode purely so a trace of a message's life can be followed
// across hops, and callers are free to leave it zero.
type Envelope struct {
	Type   Type
	Tracer uint32

	Prepare       *Prepare
	Promise       *Promise
	Accept        *Accept
	Accepted      *Accepted
	Preempted     *Preempted
	Repeat        *Repeat
	Trim          *Trim
	AcceptorState *AcceptorState
	ClientValue   *ClientValue
}

func NewPrepare(tracer uint32, iid, ballot uint32) *Envelope {
	return &Envelope{Type: TypePrepare, Tracer: tracer, Prepare: &Prepare{IID: iid, Ballot: ballot}}
}

func NewPromise(tracer uint32, p *Promise) *Envelope {
	return &Envelope{Type: TypePromise, Tracer: tracer, Promise: p}
}

func NewAccept(tracer uint32, iid, ballot uint32, value []byte) *Envelope {
	return &Envelope{Type: TypeAccept, Tracer: tracer, Accept: &Accept{IID: iid, Ballot: ballot, Value: value}}
}

func NewAccepted(tracer uint32, a *Accepted) *Envelope {
	return &Envelope{Type: TypeAccepted, Tracer: tracer, Accepted: a}
}

func NewPreempted(tracer uint32, iid uint32, aid AID, ballot uint32) *Envelope {
	return &Envelope{Type: TypePreempted, Tracer: tracer, Preempted: &Preempted{IID: iid, AID: aid, Ballot: ballot}}
}

func NewRepeat(tracer uint32, from, to uint32) *Envelope {
	return &Envelope{Type: TypeRepeat, Tracer: tracer, Repeat: &Repeat{FromIID: from, ToIID: to}}
}

func NewTrim(tracer uint32, iid uint32) *Envelope {
	return &Envelope{Type: TypeTrim, Tracer: tracer, Trim: &Trim{IID: iid}}
}

func NewAcceptorState(tracer uint32, aid AID, trimIID uint32) *Envelope {
	return &Envelope{Type: TypeAcceptorState, Tracer: tracer, AcceptorState: &AcceptorState{AID: aid, TrimIID: trimIID}}
}

func NewClientValue(tracer uint32, value []byte) *Envelope {
	return &Envelope{Type: TypeClientValue, Tracer: tracer, ClientValue: &ClientValue{Value: value}}
}
