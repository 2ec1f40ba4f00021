// Command client drives load against a running proposer and reports
// delivery latency, spec §6's "client [conf] [-p proposer_id]
// [-o outstanding] [-v value_size]" CLI shape. It does not run its own
// proposer role: like sample/client.c's paxos_submit, it writes a
// ClientValue directly on the connection to an already-running
// proposer and learns deliveries independently to measure round trip
// latency.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paxoslog/internal/cmdutil"
	"paxoslog/internal/network"
	"paxoslog/internal/paxos"
	"paxoslog/internal/wire"
)

// headerSize is the fixed client-id + submit-timestamp prefix every
// value carries, mirroring client.c's struct client_value (client_id,
// timeval, size) minus the redundant size field our Envelope framing
// already carries.
const headerSize = 4 + 8

type stats struct {
	count      int
	minLatency time.Duration
	maxLatency time.Duration
	sumLatency time.Duration
}

func (s *stats) observe(lat time.Duration) {
	s.count++
	s.sumLatency += lat
	if s.minLatency == 0 || lat < s.minLatency {
		s.minLatency = lat
	}
	if lat > s.maxLatency {
		s.maxLatency = lat
	}
}

func (s *stats) report() {
	avg := time.Duration(0)
	if s.count > 0 {
		avg = s.sumLatency / time.Duration(s.count)
	}
	fmt.Printf("%d;%s;%s;%s\n", s.count, s.minLatency, s.maxLatency, avg)
	*s = stats{}
}

func main() {
	proposerID := flag.Int("p", 0, "id of the proposer to connect to")
	outstanding := flag.Int("o", 1, "number of outstanding client values")
	valueSize := flag.Int("v", 64, "size of client value in bytes")
	flag.Parse()
	confPath := "paxos.conf"
	if flag.NArg() >= 1 {
		confPath = flag.Arg(0)
	}

	logger := cmdutil.NewLogger()
	cfg := cmdutil.LoadConfig(confPath)
	cmdutil.ApplyVerbosity(cfg)

	var proposerAddr string
	for _, p := range cfg.Proposers {
		if int(p.ID) == *proposerID {
			proposerAddr = p.Addr
		}
	}
	if proposerAddr == "" {
		cmdutil.Fatalf("proposer %d not found in %s", *proposerID, confPath)
	}

	clientID := uint32(rand.Int31())
	peers := network.NewPeers(logger)

	learner := paxos.NewLearner(len(cfg.Acceptors), 1, false, logger, nil)
	network.WireLearner(peers, learner)

	var st stats
	peers.Subscribe(wire.TypeAccepted, func(wire.AID, *wire.Envelope) {
		for {
			value, _, ok := learner.DeliverNext()
			if !ok {
				return
			}
			if len(value) < headerSize {
				continue
			}
			if binary.BigEndian.Uint32(value[:4]) != clientID {
				continue
			}
			submitted := time.Unix(0, int64(binary.BigEndian.Uint64(value[4:12])))
			st.observe(time.Since(submitted))
			submit(peers, wire.AID(*proposerID), clientID, *valueSize)
		}
	})

	peers.ConnectToAcceptors(cfg.Acceptors)
	peers.DialAcceptor(wire.AID(*proposerID), proposerAddr)

	for !peers.Connected(wire.AID(*proposerID)) {
		time.Sleep(20 * time.Millisecond)
	}
	for i := 0; i < *outstanding; i++ {
		submit(peers, wire.AID(*proposerID), clientID, *valueSize)
	}
	logger.Log("msg", "client started", "proposer", *proposerID, "outstanding", *outstanding, "value_size", *valueSize)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.report()
		case sig := <-sigs:
			logger.Log("msg", "received signal, shutting down", "signal", sig)
			peers.Shutdown()
			return
		}
	}
}

// submit writes one randomly-filled value, stamped with clientID and
// the current time so a later delivery can be matched back to this
// client and timed.
func submit(peers *network.Peers, proposer wire.AID, clientID uint32, size int) {
	if size < headerSize {
		size = headerSize
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[:4], clientID)
	binary.BigEndian.PutUint64(buf[4:12], uint64(time.Now().UnixNano()))
	rand.Read(buf[headerSize:])
	peers.Send(paxos.Outbound{
		Target: paxos.Target{AID: proposer, HasAID: true},
		Env:    wire.NewClientValue(0, buf),
	}, 0, nil)
}
