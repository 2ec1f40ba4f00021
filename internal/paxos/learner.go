package paxos

import (
	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"paxoslog/internal/wire"
)

// learnerInstance is the ephemeral per-instance aggregation described
// in spec §3: one entry per iid that has seen at least one Accepted,
// destroyed once delivered.
type learnerInstance struct {
	iid              uint32
	lastUpdateBallot uint32
	accepted         map[uint16]acceptedSlot // aid -> slot
	closed           bool
	decision         []byte
}

type acceptedSlot struct {
	ballot uint32
	value  []byte
}

// Learner aggregates Accepted messages into in-order decisions. It
// owns no sockets; OnAccepted/DeliverNext/HasHoles are called by the
// replica's dispatch loop, mirroring evlearner.c's separation from the
// peer transport in original_source.
type Learner struct {
	acceptors        int
	instances        map[uint32]*learnerInstance
	currentIID       uint32
	highestIIDClosed uint32
	lateStart        bool
	logger           log.Logger
	delivered        prometheus.Counter
}

// NewLearner starts a learner at startIID unless lateStart is set, in
// which case it adopts the first Accepted it sees as current_iid, per
// evlearner.c's learner_set_instance_id behavior (spec §9 Open
// Question: resolved here as "move the low-water mark, discard
// nothing" — there is nothing buffered yet to discard at construction).
func NewLearner(acceptors int, startIID uint32, lateStart bool, logger log.Logger, delivered prometheus.Counter) *Learner {
	watermark := uint32(0)
	if startIID > 0 {
		watermark = startIID - 1
	}
	return &Learner{
		acceptors:        acceptors,
		instances:        make(map[uint32]*learnerInstance),
		currentIID:       startIID,
		highestIIDClosed: watermark,
		lateStart:        lateStart,
		logger:           log.With(logger, "component", "learner"),
		delivered:        delivered,
	}
}

// OnAccepted implements §4.4's seven-step algorithm.
func (l *Learner) OnAccepted(acc *wire.Accepted) {
	if l.lateStart {
		l.currentIID = acc.IID
		l.highestIIDClosed = 0
		if acc.IID > 0 {
			l.highestIIDClosed = acc.IID - 1
		}
		l.lateStart = false
	}
	if acc.IID < l.currentIID {
		return
	}

	inst, ok := l.instances[acc.IID]
	if !ok {
		inst = &learnerInstance{iid: acc.IID, lastUpdateBallot: acc.Ballot, accepted: make(map[uint16]acceptedSlot)}
		l.instances[acc.IID] = inst
	}
	if inst.closed {
		return
	}
	if slot, ok := inst.accepted[uint16(acc.AID)]; ok && slot.ballot >= acc.Ballot {
		return
	}

	inst.accepted[uint16(acc.AID)] = acceptedSlot{ballot: acc.Ballot, value: acc.Value}
	inst.lastUpdateBallot = acc.Ballot

	matching := 0
	var decided []byte
	for _, slot := range inst.accepted {
		if slot.ballot == inst.lastUpdateBallot {
			matching++
			decided = slot.value
		}
	}
	if matching >= quorumSize(l.acceptors) {
		inst.closed = true
		inst.decision = decided
		if acc.IID > l.highestIIDClosed {
			l.highestIIDClosed = acc.IID
		}
	}
}

// DeliverNext emits the decision for currentIID if it is closed,
// advancing currentIID and freeing the instance. Callers drain this in
// a loop after every handler until it returns false, per §4.4.
func (l *Learner) DeliverNext() ([]byte, uint32, bool) {
	inst, ok := l.instances[l.currentIID]
	if !ok || !inst.closed {
		return nil, 0, false
	}
	value := append([]byte(nil), inst.decision...)
	iid := l.currentIID
	delete(l.instances, iid)
	l.currentIID++
	if l.delivered != nil {
		l.delivered.Inc()
	}
	return value, iid, true
}

// HasHoles reports the [from, to) range the transport should request
// via Repeat, per §4.4's has_holes query.
func (l *Learner) HasHoles() (from, to uint32, ok bool) {
	if l.highestIIDClosed > l.currentIID {
		return l.currentIID, l.highestIIDClosed, true
	}
	return 0, 0, false
}

func (l *Learner) CurrentIID() uint32 { return l.currentIID }
