// Package replica composes the three Paxos roles — Acceptor, Proposer,
// Learner — over one shared peer set, per spec §4.7. Any subset of
// roles may be active on a given node: a pure acceptor has no
// Proposer/Learner config, a standalone client-facing proposer has no
// Store, and so on.
package replica

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"paxoslog/internal/network"
	"paxoslog/internal/paxos"
	"paxoslog/internal/storage"
	"paxoslog/internal/wire"
)

// ErrNoProposer is returned by Propose on a replica with no proposer
// role configured.
var ErrNoProposer = errors.New("replica: no proposer configured")

const (
	holeCheckInterval  = 100 * time.Millisecond
	stateBroadcastTick = 2 * time.Second
	holeCheckBatch     = 10
	peerMetricsTick    = 5 * time.Second
)

// ProposerConfig carries the construction arguments NewProposer needs,
// lifted out of internal/paxos so callers building a Config don't need
// to import both packages' constructor signatures.
type ProposerConfig struct {
	ID            uint16
	BallotBits    uint
	PreexecWindow int
	Timeout       time.Duration
	StartIID      uint32
}

// LearnerConfig carries NewLearner's arguments.
type LearnerConfig struct {
	StartIID  uint32
	LateStart bool
}

// Config describes one replica's roles. Acceptors is the configured
// acceptor count for this group (the quorum-size input every role's
// constructor needs); Store/Proposer/Learner being nil disables the
// corresponding role. Registry, if non-nil, receives this replica's
// metrics; a nil Registry runs with metrics disabled rather than
// failing.
type Config struct {
	AID    wire.AID
	Topo   *paxos.Topology
	Logger log.Logger

	Acceptors int

	Store    storage.Storage
	Proposer *ProposerConfig
	Learner  *LearnerConfig

	Registry *prometheus.Registry
}

// Replica owns one Peers set and whichever roles Config asked for.
type Replica struct {
	aid    wire.AID
	topo   *paxos.Topology
	peers  *network.Peers
	logger log.Logger

	acceptor *paxos.Acceptor
	proposer *paxos.Proposer
	learner  *paxos.Learner

	deliverMu sync.Mutex
	deliver   func(iid uint32, value []byte)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Replica and wires its roles to a freshly constructed
// Peers set. Callers still need to call Listen and/or
// ConnectToAcceptors to actually join the network.
func New(cfg Config) *Replica {
	logger := log.With(cfg.Logger, "replica", cfg.AID)
	ps := network.NewPeers(logger)

	r := &Replica{
		aid:    cfg.AID,
		topo:   cfg.Topo,
		peers:  ps,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	emit := func(out paxos.Outbound) { ps.Send(out, r.aid, r.topo) }
	emitAll := func(outs []paxos.Outbound) {
		for _, out := range outs {
			emit(out)
		}
	}

	if cfg.Store != nil {
		r.acceptor = paxos.NewAcceptor(cfg.AID, cfg.Store, cfg.Topo, logger, acceptorRecordsGauge(cfg))
		network.WireAcceptor(ps, r.acceptor, emit)
		r.startStateBroadcast()
	}

	if cfg.Proposer != nil {
		pc := cfg.Proposer
		r.proposer = paxos.NewProposer(pc.ID, pc.BallotBits, cfg.Acceptors, pc.PreexecWindow, pc.Timeout, pc.StartIID, logger, proposerMetrics(cfg))
		network.WireProposer(ps, r.proposer, emit)
		r.proposer.ScheduleReplay(emitAll)
	}

	if cfg.Learner != nil {
		lc := cfg.Learner
		r.learner = paxos.NewLearner(cfg.Acceptors, lc.StartIID, lc.LateStart, logger, learnerDeliveredCounter(cfg))
		network.WireLearner(ps, r.learner)
		ps.Subscribe(wire.TypeAccepted, func(wire.AID, *wire.Envelope) { r.drainLearner() })
		r.startHoleCheck()
	}

	if g, ok := peerConnectionsGauge(cfg); ok {
		r.startPeerMetrics(g)
	}

	return r
}

// peerConnectionsGauge builds the connected-peer gauge a replica
// exports regardless of which roles it runs, labeled dialed vs
// accepted to distinguish outbound acceptor connections from inbound
// client/proposer ones.
func peerConnectionsGauge(cfg Config) (*prometheus.GaugeVec, bool) {
	if cfg.Registry == nil {
		return nil, false
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "paxoslog",
		Subsystem:   "peers",
		Name:        "connected",
		Help:        "Peers with a live connection, by direction.",
		ConstLabels: prometheus.Labels{"aid": fmt.Sprint(cfg.AID)},
	}, []string{"direction"})
	cfg.Registry.MustRegister(g)
	return g, true
}

func acceptorRecordsGauge(cfg Config) prometheus.Gauge {
	if cfg.Registry == nil {
		return nil
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "paxoslog",
		Subsystem:   "acceptor",
		Name:        "records_written_total",
		Help:        "Records this acceptor has written.",
		ConstLabels: prometheus.Labels{"aid": fmt.Sprint(cfg.AID)},
	})
	cfg.Registry.MustRegister(g)
	return g
}

func proposerMetrics(cfg Config) paxos.ProposerMetrics {
	if cfg.Registry == nil {
		return paxos.ProposerMetrics{}
	}
	labels := prometheus.Labels{"proposer": fmt.Sprint(cfg.Proposer.ID)}
	m := paxos.ProposerMetrics{
		OpenInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "paxoslog",
			Subsystem:   "proposer",
			Name:        "open_instances",
			Help:        "Instances currently in phase 1 or phase 2.",
			ConstLabels: labels,
		}),
		InstanceLifespan: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "paxoslog",
			Subsystem:   "proposer",
			Name:        "instance_lifespan_seconds",
			Help:        "Time from opening an instance to reaching phase 2 quorum.",
			ConstLabels: labels,
		}),
	}
	cfg.Registry.MustRegister(m.OpenInstances, m.InstanceLifespan)
	return m
}

func learnerDeliveredCounter(cfg Config) prometheus.Counter {
	if cfg.Registry == nil {
		return nil
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "paxoslog",
		Subsystem:   "learner",
		Name:        "delivered_total",
		Help:        "Instances this learner has delivered in order.",
		ConstLabels: prometheus.Labels{"aid": fmt.Sprint(cfg.AID)},
	})
	cfg.Registry.MustRegister(c)
	return c
}

// OnDeliver installs the callback invoked, in iid order, for every
// value this replica's learner delivers. Safe to call before or after
// the replica starts receiving traffic.
func (r *Replica) OnDeliver(fn func(iid uint32, value []byte)) {
	r.deliverMu.Lock()
	r.deliver = fn
	r.deliverMu.Unlock()
}

func (r *Replica) drainLearner() {
	for {
		value, iid, ok := r.learner.DeliverNext()
		if !ok {
			return
		}
		if r.proposer != nil {
			r.proposer.ObserveDelivered(iid)
		}
		r.deliverMu.Lock()
		fn := r.deliver
		r.deliverMu.Unlock()
		if fn != nil {
			fn(iid, value)
		}
	}
}

// Listen binds this replica's accept-side listener (needed by any
// acceptor, and by a proposer's/learner's clients).
func (r *Replica) Listen(addr string) error { return r.peers.Listen(addr) }

// ConnectToAcceptors dials every acceptor this replica's proposer or
// learner role needs to reach.
func (r *Replica) ConnectToAcceptors(infos []paxos.AcceptorInfo) { r.peers.ConnectToAcceptors(infos) }

// Propose submits a value through this replica's proposer.
func (r *Replica) Propose(value []byte) error {
	if r.proposer == nil {
		return ErrNoProposer
	}
	for _, out := range r.proposer.Propose(value) {
		r.peers.Send(out, r.aid, r.topo)
	}
	return nil
}

func (r *Replica) startHoleCheck() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(holeCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				from, to, ok := r.learner.HasHoles()
				if !ok {
					continue
				}
				if to-from > holeCheckBatch {
					to = from + holeCheckBatch
				}
				r.peers.Send(paxos.Outbound{
					Target: paxos.Target{ToAll: true},
					Env:    wire.NewRepeat(0, from, to),
				}, r.aid, r.topo)
			}
		}
	}()
}

// startStateBroadcast periodically advertises this acceptor's trim
// watermark to whoever connected to it (its proposers/clients), per §5.
// The advertisement carries no ballot, so it does not seed a proposer's
// ballot counter.
func (r *Replica) startStateBroadcast() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(stateBroadcastTick)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				env := r.acceptor.StateBroadcast()
				r.peers.ForeachClient(func(p *network.Peer) { p.Send(env) })
			}
		}
	}()
}

// startPeerMetrics periodically samples the connected dialed/accepted
// peer counts into g. Runs regardless of which roles are configured,
// since peer connectivity is meaningful even for a pure acceptor.
func (r *Replica) startPeerMetrics(g *prometheus.GaugeVec) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(peerMetricsTick)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				dialed, accepted := r.peers.ConnectedCount()
				g.WithLabelValues("dialed").Set(float64(dialed))
				g.WithLabelValues("accepted").Set(float64(accepted))
			}
		}
	}()
}

// Shutdown stops this replica's own timer loops, then destroys roles
// leaves-first (proposer, learner, acceptor, peers) per spec §5, then
// tears down every connection.
func (r *Replica) Shutdown() {
	close(r.stopCh)
	r.wg.Wait()
	if r.proposer != nil {
		r.proposer.Shutdown()
	}
	r.peers.Shutdown()
}
