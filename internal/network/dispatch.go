package network

import (
	"paxoslog/internal/paxos"
	"paxoslog/internal/wire"
)

// AcceptorRole, ProposerRole and LearnerRole stand for whichever of
// Acceptor/Proposer/Learner a replica has constructed; Wire only needs the handler methods relevant to the
// messages that role cares about, so each is an independently
// optional narrow interface, mirroring DispatchMessage's per-type
// switch in connectionmanager.go but built from subscriptions instead
// of one hardcoded switch.
type AcceptorRole interface {
	OnPrepare(p *wire.Prepare, src wire.AID) []paxos.Outbound
	OnAccept(a *wire.Accept, src wire.AID) []paxos.Outbound
	OnRepeat(r *wire.Repeat, src wire.AID) []paxos.Outbound
	OnTrim(t *wire.Trim)
	// OnPromise/OnAccepted/OnPreempted relay a hierarchical child's
	// reply back toward whoever this acceptor itself forwarded the
	// original Prepare/Accept on behalf of (spec.md:96).
	OnPromise(p *wire.Promise, src wire.AID) []paxos.Outbound
	OnAccepted(a *wire.Accepted, src wire.AID) []paxos.Outbound
	OnPreempted(p *wire.Preempted, src wire.AID) []paxos.Outbound
}

type ProposerRole interface {
	OnPromise(p *wire.Promise) []paxos.Outbound
	OnAccepted(a *wire.Accepted) []paxos.Outbound
	OnPreempted(p *wire.Preempted) []paxos.Outbound
	OnAcceptorState(s *wire.AcceptorState)
	Propose(value []byte) []paxos.Outbound
}

type LearnerRole interface {
	OnAccepted(a *wire.Accepted)
}

// Emit is however the caller wants to deliver an Outbound batch — in
// practice *Peers.Send bound to a replica's own aid and topology.
type Emit func(paxos.Outbound)

// WireAcceptor subscribes an Acceptor's handlers to the relevant
// message types, routing every produced Outbound through emit.
func WireAcceptor(ps *Peers, role AcceptorRole, emit Emit) {
	ps.Subscribe(wire.TypePrepare, func(src wire.AID, env *wire.Envelope) {
		for _, out := range role.OnPrepare(env.Prepare, src) {
			emit(out)
		}
	})
	ps.Subscribe(wire.TypeAccept, func(src wire.AID, env *wire.Envelope) {
		for _, out := range role.OnAccept(env.Accept, src) {
			emit(out)
		}
	})
	ps.Subscribe(wire.TypeRepeat, func(src wire.AID, env *wire.Envelope) {
		for _, out := range role.OnRepeat(env.Repeat, src) {
			emit(out)
		}
	})
	ps.Subscribe(wire.TypeTrim, func(_ wire.AID, env *wire.Envelope) {
		role.OnTrim(env.Trim)
	})
	ps.Subscribe(wire.TypePromise, func(src wire.AID, env *wire.Envelope) {
		for _, out := range role.OnPromise(env.Promise, src) {
			emit(out)
		}
	})
	ps.Subscribe(wire.TypeAccepted, func(src wire.AID, env *wire.Envelope) {
		for _, out := range role.OnAccepted(env.Accepted, src) {
			emit(out)
		}
	})
	ps.Subscribe(wire.TypePreempted, func(src wire.AID, env *wire.Envelope) {
		for _, out := range role.OnPreempted(env.Preempted, src) {
			emit(out)
		}
	})
}

// WireProposer subscribes a Proposer's handlers, same pattern.
func WireProposer(ps *Peers, role ProposerRole, emit Emit) {
	ps.Subscribe(wire.TypePromise, func(_ wire.AID, env *wire.Envelope) {
		for _, out := range role.OnPromise(env.Promise) {
			emit(out)
		}
	})
	ps.Subscribe(wire.TypeAccepted, func(_ wire.AID, env *wire.Envelope) {
		for _, out := range role.OnAccepted(env.Accepted) {
			emit(out)
		}
	})
	ps.Subscribe(wire.TypePreempted, func(_ wire.AID, env *wire.Envelope) {
		for _, out := range role.OnPreempted(env.Preempted) {
			emit(out)
		}
	})
	ps.Subscribe(wire.TypeAcceptorState, func(_ wire.AID, env *wire.Envelope) {
		role.OnAcceptorState(env.AcceptorState)
	})
	// A directly-connected client (sample/client.c's paxos_submit) has
	// no proposer role of its own; it just writes a ClientValue on the
	// connection and expects this proposer to drive it through Paxos,
	// same split as evproposer.c's PAXOS_CLIENT_VALUE handler.
	ps.Subscribe(wire.TypeClientValue, func(_ wire.AID, env *wire.Envelope) {
		for _, out := range role.Propose(env.ClientValue.Value) {
			emit(out)
		}
	})
}

// WireLearner subscribes a Learner to Accepted; it never emits
// directly (draining delivered values and any hole-driven Repeat is
// the replica's job, via Learner.HasHoles on a separate timer).
func WireLearner(ps *Peers, role LearnerRole) {
	ps.Subscribe(wire.TypeAccepted, func(_ wire.AID, env *wire.Envelope) {
		role.OnAccepted(env.Accepted)
	})
}
