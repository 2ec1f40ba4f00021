// Command proposer runs a single proposer process, spec §6's
// "proposer ID [conf]" CLI shape.
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

// ballotBits reserves enough low bits in a ballot number for every
// configured proposer id to stay unique, per spec §4.5.
const ballotBits = 8

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: proposer ID [conf]")
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

	var addr string
	for _, p := range cfg.Proposers {
		if p.ID == uint16(id) {
			addr = p.Addr
		}
	}
	if addr == "" {
		cmdutil.Fatalf("proposer %d not found in %s", id, confPath)
	}

	r := replica.New(replica.Config{
		AID:       id,
		Topo:      topo,
		Logger:    logger,
		Acceptors: len(cfg.Acceptors),
		Proposer: &replica.ProposerConfig{
			ID:            uint16(id),
			BallotBits:    ballotBits,
			PreexecWindow: cfg.ProposerPreexecWindow,
			Timeout:       time.Duration(cfg.ProposerTimeoutSeconds) * time.Second,
			StartIID:      1,
		},
	})
	if err := r.Listen(addr); err != nil {
		cmdutil.Fatalf("listen %s: %v", addr, err)
	}
	r.ConnectToAcceptors(cfg.Acceptors)
	logger.Log("msg", "proposer listening", "aid", id, "addr", addr)

	d := replica.NewDriver(logger)
	d.AddReplica(r)
	d.Run()
}
