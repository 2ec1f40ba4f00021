// Command acceptor runs a single acceptor process, spec §6's
// "acceptor ID [conf]" CLI shape.
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
		fmt.Fprintln(os.Stderr, "usage: acceptor ID [conf]")
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
		cmdutil.Fatalf("acceptor %d not found in %s", id, confPath)
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
	})
	if err := r.Listen(info.Addr); err != nil {
		cmdutil.Fatalf("listen %s: %v", info.Addr, err)
	}
	logger.Log("msg", "acceptor listening", "aid", id, "addr", info.Addr)

	d := replica.NewDriver(logger)
	if closer, ok := store.(interface{ Close() error }); ok {
		d.AddOnShutdown(func() { closer.Close() })
	}
	d.AddReplica(r)
	d.Run()
}
