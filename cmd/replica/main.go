// Command replica runs one full replica — acceptor, proposer and
// learner sharing one connection set — spec §6's
// "replica ID [conf] [-v]" CLI shape.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"paxoslog/internal/cmdutil"
	"paxoslog/internal/paxos"
	"paxoslog/internal/replica"
)

const ballotBits = 8

func main() {
	verbose := flag.Bool("v", false, "print delivered values")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: replica ID [conf] [-v]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	id := cmdutil.MustParseAID(flag.Arg(0))
	confPath := "paxos.conf"
	if flag.NArg() >= 2 {
		confPath = flag.Arg(1)
	}

	logger := cmdutil.NewLogger()
	cfg := cmdutil.LoadConfig(confPath)
	cmdutil.ApplyVerbosity(cfg)

	topo := paxos.NewTopology(cfg.Acceptors)
	info, ok := topo.Info(uint16(id))
	if !ok {
		cmdutil.Fatalf("replica %d not found in %s", id, confPath)
	}

	store, err := cmdutil.OpenStore(cfg, id)
	if err != nil {
		cmdutil.Fatalf("%v", err)
	}

	r := replica.New(replica.Config{
		AID:       id,
		Topo:      topo,
		Logger:    logger,
		Acceptors: len(cfg.Acceptors),
		Store:     store,
		Proposer: &replica.ProposerConfig{
			ID:            uint16(id),
			BallotBits:    ballotBits,
			PreexecWindow: cfg.ProposerPreexecWindow,
			Timeout:       time.Duration(cfg.ProposerTimeoutSeconds) * time.Second,
			StartIID:      1,
		},
		Learner: &replica.LearnerConfig{StartIID: 1, LateStart: cfg.LearnerCatchUp},
	})
	if *verbose {
		r.OnDeliver(func(iid uint32, value []byte) {
			fmt.Printf("%d [%d bytes]\n", iid, len(value))
		})
	}
	if err := r.Listen(info.Addr); err != nil {
		cmdutil.Fatalf("listen %s: %v", info.Addr, err)
	}
	r.ConnectToAcceptors(cfg.Acceptors)
	logger.Log("msg", "replica listening", "aid", id, "addr", info.Addr)

	d := replica.NewDriver(logger)
	if closer, ok := store.(interface{ Close() error }); ok {
		d.AddOnShutdown(func() { closer.Close() })
	}
	d.AddReplica(r)
	d.Run()
}
