package paxos

import (
	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"paxoslog/internal/storage"
	"paxoslog/internal/wire"
	"paxoslog/internal/xlog"
)

// Target names where an Outbound envelope should go: a single acceptor
// (the common case, replying to src), every direct child in the group
// tree (forwarding Prepare/Accept downward), or this node's parent
// (forwarding a Promise/Accepted/Preempted upward). At most one of
// these is set.
type Target struct {
	AID       wire.AID
	HasAID    bool
	ToDown    bool
	ToParent  bool
	ToAll     bool
	ToClients bool
}

func toAcceptor(aid wire.AID) Target { return Target{AID: aid, HasAID: true} }
func toDown() Target                 { return Target{ToDown: true} }
func toParent() Target               { return Target{ToParent: true} }
func toAllAcceptors() Target         { return Target{ToAll: true} }
func toClients() Target              { return Target{ToClients: true} }

// Outbound pairs a wire envelope with where it should be sent; the
// peer network resolves Target against the live connection set.
type Outbound struct {
	Target Target
	Env    *wire.Envelope
}

// Acceptor is the phase-1b/phase-2b state machine over a Storage. It
// has no knowledge of sockets; handlers take a message plus the
// sender's aid and return the envelopes to emit, same split as
// evacceptor.c in original_source, which is pure protocol logic called
// by the peer dispatch loop.
type Acceptor struct {
	aid     wire.AID
	store   storage.Storage
	topo    *Topology
	trimIID uint32
	logger  log.Logger
	records prometheus.Gauge
}

func NewAcceptor(aid wire.AID, store storage.Storage, topo *Topology, logger log.Logger, records prometheus.Gauge) *Acceptor {
	return &Acceptor{
		aid:     aid,
		store:   store,
		topo:    topo,
		trimIID: store.TrimInstance(),
		logger:  log.With(logger, "component", "acceptor", "aid", aid),
		records: records,
	}
}

func (a *Acceptor) TrimInstance() uint32 { return a.trimIID }

// OnPrepare implements §4.3's phase-1a handler. src is the aid the
// Promise should be routed back to: a dialed acceptor's config id, or
// the synthetic id the peer set assigned to an inbound connection (such
// as a proposer that dialed this acceptor).
func (a *Acceptor) OnPrepare(p *wire.Prepare, src wire.AID) []Outbound {
	if p.IID <= a.trimIID {
		xlog.DebugLog(a.logger, "msg", "prepare dropped, trimmed", "iid", p.IID)
		return nil
	}

	txn, err := a.store.Begin()
	if err != nil {
		xlog.DebugLog(a.logger, "msg", "begin failed", "error", err)
		return nil
	}

	rec, found, err := txn.Get(p.IID)
	if err != nil {
		a.store.Abort(txn)
		xlog.DebugLog(a.logger, "msg", "get failed", "error", err)
		return nil
	}
	if !found {
		rec = &storage.Record{IID: p.IID, Participants: map[uint16]uint32{}}
	}
	if rec.Participants == nil {
		rec.Participants = map[uint16]uint32{}
	}

	if !found || rec.PromisedBallot <= p.Ballot {
		rec.PromisedBallot = p.Ballot
		rec.Participants[uint16(src)] = p.Ballot
	} else {
		// A higher ballot is already promised; do not regress it, but
		// remember src so a later forwarding pass can still reach it.
		rec.Participants[uint16(src)] = p.Ballot
	}

	if err := txn.Put(rec); err != nil {
		a.store.Abort(txn)
		return nil
	}
	if err := a.store.Commit(txn); err != nil {
		xlog.DebugLog(a.logger, "msg", "commit failed", "error", err)
		return nil
	}
	if a.records != nil {
		a.records.Inc()
	}

	reply := &wire.Promise{
		IID:          p.IID,
		Ballot:       rec.PromisedBallot,
		AID:          a.aid,
		Value:        rec.AcceptedValue,
		ValueBallot:  rec.ValueBallot,
		Participants: participantList(rec.Participants),
	}
	out := []Outbound{{Target: toAcceptor(src), Env: wire.NewPromise(0, reply)}}
	if children := a.topo.DownAcceptors(uint16(a.aid)); len(children) > 0 {
		out = append(out, Outbound{Target: toDown(), Env: wire.NewPrepare(0, p.IID, p.Ballot)})
	}
	return out
}

// OnAccept implements §4.3's phase-2a handler.
func (a *Acceptor) OnAccept(ac *wire.Accept, src wire.AID) []Outbound {
	if ac.IID <= a.trimIID {
		xlog.DebugLog(a.logger, "msg", "accept dropped, trimmed", "iid", ac.IID)
		return nil
	}

	txn, err := a.store.Begin()
	if err != nil {
		return nil
	}
	rec, found, err := txn.Get(ac.IID)
	if err != nil {
		a.store.Abort(txn)
		return nil
	}

	if found && rec.PromisedBallot > ac.Ballot {
		a.store.Abort(txn)
		return []Outbound{{
			Target: toAcceptor(src),
			Env:    wire.NewPreempted(0, ac.IID, a.aid, rec.PromisedBallot),
		}}
	}

	if !found {
		rec = &storage.Record{IID: ac.IID, Participants: map[uint16]uint32{}}
	}
	rec.PromisedBallot = ac.Ballot
	rec.AcceptedValue = ac.Value
	rec.ValueBallot = ac.Ballot

	if err := txn.Put(rec); err != nil {
		a.store.Abort(txn)
		return nil
	}
	if err := a.store.Commit(txn); err != nil {
		return nil
	}
	if a.records != nil {
		a.records.Inc()
	}

	accepted := &wire.Accepted{IID: ac.IID, Ballot: ac.Ballot, AID: a.aid, Value: ac.Value}
	// Accepted is broadcast to every connected client (not just src), since
	// any learner subscribed to this acceptor needs to see the decision,
	// not only the proposer that sent the Accept; evacceptor_handle_accept
	// does the same with peers_foreach_client.
	out := []Outbound{{Target: toClients(), Env: wire.NewAccepted(0, accepted)}}
	if children := a.topo.DownAcceptors(uint16(a.aid)); len(children) > 0 {
		out = append(out, Outbound{Target: toDown(), Env: wire.NewAccept(0, ac.IID, ac.Ballot, ac.Value)})
	}
	return out
}

// participantList converts a record's src->ballot bookkeeping into the
// wire's Promise.Participants shape (spec.md §4.3: "plus the
// participant set").
func participantList(participants map[uint16]uint32) []wire.Participant {
	if len(participants) == 0 {
		return nil
	}
	out := make([]wire.Participant, 0, len(participants))
	for aid, ballot := range participants {
		out = append(out, wire.Participant{AID: wire.AID(aid), Ballot: ballot})
	}
	return out
}

// OnPromise, OnAccepted and OnPreempted relay a reply arriving from a
// forwarded-to child back toward whichever src this acceptor itself
// received the original Prepare/Accept from at iid, same shape as
// evacceptor_fwd_promise/_accepted/_preempted's "look up the stored
// src and relay" (original_source/evpaxos/evacceptor.c). Only an
// acceptor that has itself forwarded something down ever has a record
// with participants other than the replying child, so a leaf acceptor
// with no children simply never matches here.
func (a *Acceptor) OnPromise(p *wire.Promise, src wire.AID) []Outbound {
	return a.forwardUp(p.IID, src, wire.NewPromise(0, p))
}

func (a *Acceptor) OnAccepted(ac *wire.Accepted, src wire.AID) []Outbound {
	return a.forwardUp(ac.IID, src, wire.NewAccepted(0, ac))
}

func (a *Acceptor) OnPreempted(p *wire.Preempted, src wire.AID) []Outbound {
	return a.forwardUp(p.IID, src, wire.NewPreempted(0, p.IID, p.AID, p.Ballot))
}

// forwardUp routes env to whichever participant(s) this acceptor
// recorded as having asked about iid, per spec.md:96, excluding the
// child the reply itself came from. If none are on record (the request
// came from a further-up ancestor this acceptor never saw directly),
// it falls back to this acceptor's own parent so the reply still has
// somewhere to go instead of stalling.
func (a *Acceptor) forwardUp(iid uint32, from wire.AID, env *wire.Envelope) []Outbound {
	if len(a.topo.DownAcceptors(uint16(a.aid))) == 0 {
		return nil
	}
	txn, err := a.store.Begin()
	if err != nil {
		return nil
	}
	rec, found, err := txn.Get(iid)
	a.store.Abort(txn)
	if err != nil || !found {
		return nil
	}

	var out []Outbound
	for aid := range rec.Participants {
		if wire.AID(aid) == from {
			continue
		}
		out = append(out, Outbound{Target: toAcceptor(wire.AID(aid)), Env: env})
	}
	if len(out) == 0 {
		if _, ok := a.topo.Parent(uint16(a.aid)); ok {
			out = append(out, Outbound{Target: toParent(), Env: env})
		}
	}
	return out
}

// OnRepeat implements §4.3's retransmission handler for hole-filling.
func (a *Acceptor) OnRepeat(r *wire.Repeat, src wire.AID) []Outbound {
	var out []Outbound
	limit := r.ToIID
	if limit-r.FromIID > 10 {
		limit = r.FromIID + 10
	}
	txn, err := a.store.Begin()
	if err != nil {
		return nil
	}
	defer a.store.Abort(txn)
	for iid := r.FromIID; iid <= limit; iid++ {
		rec, found, err := txn.Get(iid)
		if err != nil || !found || len(rec.AcceptedValue) == 0 {
			continue
		}
		accepted := &wire.Accepted{IID: iid, Ballot: rec.ValueBallot, AID: a.aid, Value: rec.AcceptedValue}
		out = append(out, Outbound{Target: toAcceptor(src), Env: wire.NewAccepted(0, accepted)})
	}
	return out
}

// OnTrim implements §4.3's watermark bump.
func (a *Acceptor) OnTrim(t *wire.Trim) {
	if t.IID <= a.trimIID {
		return
	}
	txn, err := a.store.Begin()
	if err != nil {
		return
	}
	if err := txn.Trim(t.IID); err != nil {
		a.store.Abort(txn)
		return
	}
	if err := a.store.Commit(txn); err != nil {
		return
	}
	a.trimIID = t.IID
}

// StateBroadcast builds the periodic AcceptorState advertisement
// (§5's "every 2s"): this acceptor's id and trim watermark. It carries
// no ballot.
func (a *Acceptor) StateBroadcast() *wire.Envelope {
	return wire.NewAcceptorState(0, a.aid, a.trimIID)
}
