// Package cmdutil holds the small pieces every cmd/ driver repeats:
// logger construction and config-error reporting, factored out once
// the teacher's single cmd/goshawkdb/main.go became five small mains.
package cmdutil

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-kit/kit/log"

	"paxoslog/internal/config"
	"paxoslog/internal/storage"
	"paxoslog/internal/wire"
	"paxoslog/internal/xlog"
)

// NewLogger builds the logfmt-to-stderr logger every cmd/ driver
// starts with, same construction as cmd/goshawkdb/main.go.
func NewLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

// ApplyVerbosity enables debug-level logging process-wide when cfg
// asks for it (spec §6's verbosity option).
func ApplyVerbosity(cfg config.Config) {
	if cfg.Verbosity == config.VerbosityDebug {
		xlog.Enable()
	}
}

// Fatalf reports a startup failure and exits 1, the same shape as
// newServer's error path in cmd/goshawkdb/main.go.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// LoadConfig reads path, exiting 1 on failure so every driver reports
// a bad config file the same way.
func LoadConfig(path string) config.Config {
	cfg, err := config.ReadFile(path)
	if err != nil {
		Fatalf("%v", err)
	}
	return cfg
}

// MustParseAID parses a positional ID argument, exiting 1 on a
// malformed value rather than panicking mid-flag-parse.
func MustParseAID(s string) wire.AID {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		Fatalf("invalid id %q: %v", s, err)
	}
	return wire.AID(n)
}

// OpenStore builds the acceptor backend cfg.StorageBackend names,
// per spec §6's storage-backend option.
func OpenStore(cfg config.Config, aid wire.AID) (storage.Storage, error) {
	if cfg.StorageBackend == config.BackendMemory {
		return storage.NewMemoryStorage(), nil
	}
	path := cfg.LMDBEnvPath
	if path == "" {
		path = fmt.Sprintf("paxoslog-acceptor-%d", aid)
	}
	return storage.OpenDisk(storage.DiskOptions{
		Path:          path,
		MapSize:       cfg.LMDBMapsize,
		Sync:          cfg.LMDBSync,
		TrashOldFiles: cfg.AcceptorTrashFiles,
	})
}
