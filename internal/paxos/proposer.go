package paxos

import (
	"time"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"

	tw "github.com/msackman/gotimerwheel"

	"paxoslog/internal/wire"
	"paxoslog/internal/xlog"
)

type proposerState int

const (
	pendingPrepare proposerState = iota
	pendingAccept
	accepted
)

// proposerInstance is one in-flight round: an iid being driven at a
// ballot, per spec §3.
type proposerInstance struct {
	iid         uint32
	ballot      uint32
	value       []byte
	valueBallot uint32
	phase1      *quorum
	phase2      *quorum
	lastAction  time.Time
	state       proposerState
	opened      time.Time
}

// ProposerMetrics mirrors the teacher's ProposerMetrics gauge+histogram
// pair (paxos/proposermanager.go), renamed to this domain's concerns.
type ProposerMetrics struct {
	OpenInstances    prometheus.Gauge
	InstanceLifespan prometheus.Histogram
}

// Proposer drives phase-1/phase-2 for every instance it opens. Like
// Acceptor, it knows nothing about sockets: handlers return the
// envelopes to broadcast and the replica's dispatch loop sends them.
type Proposer struct {
	id            uint16
	ballotBits    uint
	acceptors     int
	preexecWindow int
	timeout       time.Duration

	ballotCounter uint32
	nextIID       uint32

	fifo    [][]byte
	prepare map[uint32]*proposerInstance
	accept  map[uint32]*proposerInstance

	trimByAcceptor map[uint16]uint32

	logger  log.Logger
	metrics ProposerMetrics

	wheel *tw.TimerWheel
}

// NewProposer constructs a proposer. ballotBits is the number of low
// bits reserved for the proposer id in a ballot (spec §4.5's
// "counter << log2(max_proposers) | proposer_id"); startIID is where
// this proposer begins opening instances, normally 1.
func NewProposer(id uint16, ballotBits uint, acceptors, preexecWindow int, timeout time.Duration, startIID uint32, logger log.Logger, metrics ProposerMetrics) *Proposer {
	return &Proposer{
		id:             id,
		ballotBits:     ballotBits,
		acceptors:      acceptors,
		preexecWindow:  preexecWindow,
		timeout:        timeout,
		nextIID:        startIID,
		prepare:        make(map[uint32]*proposerInstance),
		accept:         make(map[uint32]*proposerInstance),
		trimByAcceptor: make(map[uint16]uint32),
		logger:         log.With(logger, "component", "proposer", "id", id),
		metrics:        metrics,
		wheel:          tw.NewTimerWheel(time.Now(), 50*time.Millisecond),
	}
}

func (p *Proposer) nextBallot() uint32 {
	p.ballotCounter++
	return (p.ballotCounter << p.ballotBits) | uint32(p.id)
}

// seedBallotAbove raises the counter so freshly minted ballots exceed
// seen, used both on Preempted and on a recovered AcceptorState.
func (p *Proposer) seedBallotAbove(seen uint32) {
	minCounter := (seen >> p.ballotBits) + 1
	if minCounter > p.ballotCounter {
		p.ballotCounter = minCounter
	}
}

func (p *Proposer) openCount() int { return len(p.prepare) + len(p.accept) }

func (p *Proposer) observeGauge() {
	if p.metrics.OpenInstances != nil {
		p.metrics.OpenInstances.Set(float64(p.openCount()))
	}
}

func (p *Proposer) observeLifespan(inst *proposerInstance) {
	if p.metrics.InstanceLifespan != nil {
		p.metrics.InstanceLifespan.Observe(time.Since(inst.opened).Seconds())
	}
}

// Propose appends value to the submit-side FIFO (spec §4.5) and drives
// the pre-exec pipeline.
func (p *Proposer) Propose(value []byte) []Outbound {
	p.fifo = append(p.fifo, value)
	return p.preExec()
}

// preExec opens new instances while fewer than preexecWindow are in
// phase 1 and the FIFO has waiting values.
func (p *Proposer) preExec() []Outbound {
	var out []Outbound
	for len(p.prepare) < p.preexecWindow && len(p.fifo) > 0 {
		iid := p.nextIID
		p.nextIID++
		ballot := p.nextBallot()
		inst := &proposerInstance{
			iid:        iid,
			ballot:     ballot,
			phase1:     newQuorum(p.acceptors),
			lastAction: time.Now(),
			opened:     time.Now(),
			state:      pendingPrepare,
		}
		p.prepare[iid] = inst
		out = append(out, Outbound{Target: toAllAcceptors(), Env: wire.NewPrepare(0, iid, ballot)})
	}
	p.observeGauge()
	return out
}

// bindValue attaches the head of the FIFO to inst if it has none yet.
func (p *Proposer) bindValue(inst *proposerInstance) {
	if inst.value != nil || len(p.fifo) == 0 {
		return
	}
	inst.value = p.fifo[0]
	p.fifo = p.fifo[1:]
}

// OnPromise implements §4.5's phase-1b handler.
func (p *Proposer) OnPromise(pr *wire.Promise) []Outbound {
	inst, ok := p.prepare[pr.IID]
	if !ok || inst.ballot != pr.Ballot {
		xlog.DebugLog(p.logger, "msg", "promise dropped, stale or unknown", "iid", pr.IID)
		return nil
	}

	if len(pr.Value) > 0 && pr.ValueBallot >= inst.valueBallot {
		inst.value = pr.Value
		inst.valueBallot = pr.ValueBallot
	}
	for _, part := range pr.Participants {
		if len(part.Value) > 0 && part.ValueBallot >= inst.valueBallot {
			inst.value = part.Value
			inst.valueBallot = part.ValueBallot
		}
	}

	if !inst.phase1.add(pr.AID) {
		return nil
	}
	if !inst.phase1.reached() {
		return nil
	}

	delete(p.prepare, pr.IID)
	inst.state = pendingAccept
	inst.phase2 = newQuorum(p.acceptors)
	inst.lastAction = time.Now()
	p.bindValue(inst)
	p.accept[pr.IID] = inst
	p.observeGauge()

	if inst.value == nil {
		// Quorum reached but nothing to propose yet; wait for a client
		// value before sending Accept.
		return nil
	}
	return []Outbound{{Target: toAllAcceptors(), Env: wire.NewAccept(0, pr.IID, inst.ballot, inst.value)}}
}

// OnAccepted implements §4.5's phase-2b handler.
func (p *Proposer) OnAccepted(acc *wire.Accepted) []Outbound {
	inst, ok := p.accept[acc.IID]
	if !ok || inst.ballot != acc.Ballot {
		return nil
	}
	if !inst.phase2.add(acc.AID) {
		return nil
	}
	if !inst.phase2.reached() {
		return nil
	}
	delete(p.accept, acc.IID)
	inst.state = accepted
	p.observeGauge()
	p.observeLifespan(inst)
	return nil
}

// OnPreempted implements §4.5's ballot-conflict handler: bump the
// counter and re-prepare at a fresh, higher ballot.
func (p *Proposer) OnPreempted(pe *wire.Preempted) []Outbound {
	p.seedBallotAbove(pe.Ballot)

	var carried []byte
	if inst, ok := p.prepare[pe.IID]; ok {
		carried = inst.value
		delete(p.prepare, pe.IID)
	} else if inst, ok := p.accept[pe.IID]; ok {
		carried = inst.value
		delete(p.accept, pe.IID)
	}

	ballot := p.nextBallot()
	inst := &proposerInstance{
		iid:        pe.IID,
		ballot:     ballot,
		value:      carried,
		phase1:     newQuorum(p.acceptors),
		lastAction: time.Now(),
		opened:     time.Now(),
		state:      pendingPrepare,
	}
	p.prepare[pe.IID] = inst
	p.observeGauge()
	return []Outbound{{Target: toAllAcceptors(), Env: wire.NewPrepare(0, pe.IID, ballot)}}
}

// OnAcceptorState records an acceptor's advertised trim marker for
// MinTrimAcrossAcceptors. It does not change this proposer's ballot
// counter: the message carries a trim iid, not a ballot.
func (p *Proposer) OnAcceptorState(s *wire.AcceptorState) {
	p.trimByAcceptor[uint16(s.AID)] = s.TrimIID
}

// MinTrimAcrossAcceptors returns the lowest trim marker reported by any
// acceptor this proposer has heard from, or false if none yet (the
// proposer may drop internal bookkeeping below this point, §4.5).
func (p *Proposer) MinTrimAcrossAcceptors() (uint32, bool) {
	if len(p.trimByAcceptor) == 0 {
		return 0, false
	}
	min := ^uint32(0)
	for _, t := range p.trimByAcceptor {
		if t < min {
			min = t
		}
	}
	return min, true
}

// ObserveDelivered advances nextIID past a learner's delivered iid, so a
// hole filled by Repeat rather than this proposer's own Prepare is never
// re-proposed, per §4.7's "learner's deliver callback also updates the
// proposer's next-iid".
func (p *Proposer) ObserveDelivered(iid uint32) {
	if iid >= p.nextIID {
		p.nextIID = iid + 1
	}
}

// Timeouts re-broadcasts Prepare/Accept for any instance idle at least
// p.timeout, per §4.5/§5's periodic replay.
func (p *Proposer) Timeouts(now time.Time) []Outbound {
	var out []Outbound
	for iid, inst := range p.prepare {
		if now.Sub(inst.lastAction) >= p.timeout {
			inst.lastAction = now
			out = append(out, Outbound{Target: toAllAcceptors(), Env: wire.NewPrepare(0, iid, inst.ballot)})
		}
	}
	for iid, inst := range p.accept {
		if now.Sub(inst.lastAction) >= p.timeout && inst.value != nil {
			inst.lastAction = now
			out = append(out, Outbound{Target: toAllAcceptors(), Env: wire.NewAccept(0, iid, inst.ballot, inst.value)})
		}
	}
	return out
}

// ScheduleReplay arms the recurring timeout tick on the proposer's own
// timer wheel; emit is called with whatever Timeouts produces each
// time the tick fires. Grounded on varmanager.go's
// ScheduleCallback/beat pattern: a self-rescheduling tw.Event advanced
// by a dedicated ticking goroutine.
func (p *Proposer) ScheduleReplay(emit func([]Outbound)) {
	var tick func()
	tick = func() {
		emit(p.Timeouts(time.Now()))
		if err := p.wheel.ScheduleEventIn(p.timeout, tick); err != nil {
			xlog.DebugLog(p.logger, "msg", "failed to arm replay timer", "error", err)
		}
	}
	if err := p.wheel.ScheduleEventIn(p.timeout, tick); err != nil {
		xlog.DebugLog(p.logger, "msg", "failed to arm replay timer", "error", err)
	}
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			p.wheel.AdvanceTo(time.Now(), 32)
			if p.wheel.IsEmpty() {
				return
			}
		}
	}()
}

// Shutdown discards all open instances without side effects, per
// §4.5's cancellation note.
func (p *Proposer) Shutdown() {
	p.prepare = make(map[uint32]*proposerInstance)
	p.accept = make(map[uint32]*proposerInstance)
	p.fifo = nil
}
