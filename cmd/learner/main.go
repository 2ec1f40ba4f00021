// Command learner runs a standalone learner with no proposer or
// acceptor role, spec §6's "learner [conf]" CLI shape. It only
// observes the Accepted broadcast every acceptor now sends to its
// connected clients and prints each delivered value's instance id and
// size.
package main

import (
	"flag"
	"fmt"
	"os"

	"paxoslog/internal/cmdutil"
	"paxoslog/internal/paxos"
	"paxoslog/internal/replica"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: learner [conf]")
		flag.PrintDefaults()
	}
	flag.Parse()
	confPath := "paxos.conf"
	if flag.NArg() >= 1 {
		confPath = flag.Arg(0)
	}

	logger := cmdutil.NewLogger()
	cfg := cmdutil.LoadConfig(confPath)
	cmdutil.ApplyVerbosity(cfg)

	topo := paxos.NewTopology(cfg.Acceptors)

	r := replica.New(replica.Config{
		AID:       0,
		Topo:      topo,
		Logger:    logger,
		Acceptors: len(cfg.Acceptors),
		Learner:   &replica.LearnerConfig{StartIID: 1, LateStart: cfg.LearnerCatchUp},
	})
	r.OnDeliver(func(iid uint32, value []byte) {
		logger.Log("msg", "delivered", "iid", iid, "bytes", len(value))
	})
	r.ConnectToAcceptors(cfg.Acceptors)
	logger.Log("msg", "learner connected", "acceptors", len(cfg.Acceptors))

	d := replica.NewDriver(logger)
	d.AddReplica(r)
	d.Run()
}
