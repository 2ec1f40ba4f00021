// Package config reads the line-oriented configuration file spec §6
// describes, grounded on original_source/evpaxos/config.c's parser:
// one directive per line, acceptor/proposer/replica address lines plus
// a flat set of options, blank lines and '#' comments ignored.
package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"paxoslog/internal/paxos"
)

// Backend selects an acceptor's durability implementation.
type Backend int

const (
	BackendMemory Backend = iota
	BackendDisk
)

// Verbosity mirrors config.c's paxos_log_level.
type Verbosity int

const (
	VerbosityQuiet Verbosity = iota
	VerbosityError
	VerbosityInfo
	VerbosityDebug
)

// Config is the fully-parsed settings record spec §6 names: a list of
// acceptors, a list of proposers, and the flat option set.
type Config struct {
	Acceptors []paxos.AcceptorInfo
	Proposers []ProposerAddr

	Verbosity              Verbosity
	TCPNoDelay             bool
	LearnerCatchUp         bool
	ProposerTimeoutSeconds int
	ProposerPreexecWindow  int
	StorageBackend         Backend
	AcceptorTrashFiles     bool

	LMDBSync    bool
	LMDBEnvPath string
	LMDBMapsize uint64
}

// ProposerAddr is a configured proposer's listen address (id, ip, port);
// spec §6 lists this alongside the acceptor list. cmd/proposer listens on
// it, and cmd/client picks its target proposer by id and dials it.
type ProposerAddr struct {
	ID   uint16
	Addr string
}

// Default returns the option defaults config.c's option table implies
// for anything a config file doesn't set explicitly.
func Default() Config {
	return Config{
		Verbosity:              VerbosityInfo,
		TCPNoDelay:             true,
		LearnerCatchUp:         true,
		ProposerTimeoutSeconds: 1,
		ProposerPreexecWindow:  32,
		StorageBackend:         BackendMemory,
	}
}

// ReadFile opens path and parses it, per evpaxos_config_read.
func ReadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Config{}, fmt.Errorf("config: %s is not a regular file", path)
	}
	return Parse(f)
}

// Parse reads directives from r until EOF. Each non-blank, non-comment
// line is one directive; a malformed line is a fatal configuration
// error naming the offending line number, per spec §7.
func Parse(r io.Reader) (Config, error) {
	c := Default()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parseLine(&c, line); err != nil {
			return Config{}, fmt.Errorf("config: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func parseLine(c *Config, line string) error {
	fields := strings.Fields(line)
	tok := strings.ToLower(fields[0])
	rest := fields[1:]

	switch tok {
	case "a", "acceptor":
		info, err := parseAcceptorAddress(rest)
		if err != nil {
			return err
		}
		c.Acceptors = append(c.Acceptors, info)
		return nil

	case "p", "proposer":
		addr, err := parseProposerAddress(rest)
		if err != nil {
			return err
		}
		c.Proposers = append(c.Proposers, addr)
		return nil

	case "r", "replica":
		// A replica line is shorthand for one acceptor and one proposer
		// sharing the same id/address, per config.c's parse_line.
		info, err := parseAcceptorAddress(rest)
		if err != nil {
			return err
		}
		c.Acceptors = append(c.Acceptors, info)
		c.Proposers = append(c.Proposers, ProposerAddr{ID: info.AID, Addr: info.Addr})
		return nil
	}

	return parseOption(c, tok, rest)
}

// parseAcceptorAddress handles "<id> <ip> <port> [group] [parent]":
// with neither column, group and parent both default to id (a flat,
// non-hierarchical root); with only group, parent defaults to group.
func parseAcceptorAddress(fields []string) (paxos.AcceptorInfo, error) {
	if len(fields) < 3 {
		return paxos.AcceptorInfo{}, fmt.Errorf("expected '<id> <ip> <port> [group] [parent]', got %q", strings.Join(fields, " "))
	}
	id, err := parseUint16(fields[0])
	if err != nil {
		return paxos.AcceptorInfo{}, err
	}
	port, err := parseUint16(fields[2])
	if err != nil {
		return paxos.AcceptorInfo{}, err
	}
	info := paxos.AcceptorInfo{AID: id, Addr: net.JoinHostPort(fields[1], strconv.Itoa(int(port))), GroupID: id, ParentID: id}
	if len(fields) >= 4 {
		group, err := parseUint16(fields[3])
		if err != nil {
			return paxos.AcceptorInfo{}, err
		}
		info.GroupID = group
		info.ParentID = group
	}
	if len(fields) >= 5 {
		parent, err := parseUint16(fields[4])
		if err != nil {
			return paxos.AcceptorInfo{}, err
		}
		info.ParentID = parent
	}
	return info, nil
}

func parseProposerAddress(fields []string) (ProposerAddr, error) {
	if len(fields) < 3 {
		return ProposerAddr{}, fmt.Errorf("expected '<id> <ip> <port>', got %q", strings.Join(fields, " "))
	}
	id, err := parseUint16(fields[0])
	if err != nil {
		return ProposerAddr{}, err
	}
	port, err := parseUint16(fields[2])
	if err != nil {
		return ProposerAddr{}, err
	}
	return ProposerAddr{ID: id, Addr: net.JoinHostPort(fields[1], strconv.Itoa(int(port)))}, nil
}

func parseOption(c *Config, name string, fields []string) error {
	value := strings.Join(fields, " ")
	switch name {
	case "verbosity":
		v, err := parseVerbosity(value)
		if err != nil {
			return err
		}
		c.Verbosity = v
	case "tcp-nodelay", "tcp_nodelay":
		b, err := parseBoolean(value)
		if err != nil {
			return err
		}
		c.TCPNoDelay = b
	case "learner-catch-up", "learner_catch_up":
		b, err := parseBoolean(value)
		if err != nil {
			return err
		}
		c.LearnerCatchUp = b
	case "proposer-timeout", "proposer_timeout":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("expected integer for %s, got %q", name, value)
		}
		c.ProposerTimeoutSeconds = n
	case "proposer-preexec-window", "proposer_preexec_window":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("expected integer for %s, got %q", name, value)
		}
		c.ProposerPreexecWindow = n
	case "storage-backend", "storage_backend":
		b, err := parseBackend(value)
		if err != nil {
			return err
		}
		c.StorageBackend = b
	case "acceptor-trash-files", "acceptor_trash_files":
		b, err := parseBoolean(value)
		if err != nil {
			return err
		}
		c.AcceptorTrashFiles = b
	case "lmdb-sync", "lmdb_sync":
		b, err := parseBoolean(value)
		if err != nil {
			return err
		}
		c.LMDBSync = b
	case "lmdb-env-path", "lmdb_env_path":
		if value == "" {
			return fmt.Errorf("expected a path for %s", name)
		}
		c.LMDBEnvPath = value
	case "lmdb-mapsize", "lmdb_mapsize":
		n, err := parseBytes(value)
		if err != nil {
			return err
		}
		c.LMDBMapsize = n
	default:
		return fmt.Errorf("unknown option %q", name)
	}
	return nil
}

func parseBoolean(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("expected 'yes' or 'no', got %q", s)
}

func parseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(s) {
	case "quiet":
		return VerbosityQuiet, nil
	case "error":
		return VerbosityError, nil
	case "info":
		return VerbosityInfo, nil
	case "debug":
		return VerbosityDebug, nil
	}
	return 0, fmt.Errorf("expected quiet, error, info, or debug, got %q", s)
}

func parseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "memory":
		return BackendMemory, nil
	case "lmdb", "disk":
		return BackendDisk, nil
	}
	return 0, fmt.Errorf("expected memory or lmdb, got %q", s)
}

// parseBytes parses "1024", "1kb", "2mb", "1gb" into a byte count, per
// config.c's parse_bytes.
func parseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	var unit uint64 = 1
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "gb"):
		unit = 1 << 30
		s = s[:len(s)-2]
	case strings.HasSuffix(lower, "mb"):
		unit = 1 << 20
		s = s[:len(s)-2]
	case strings.HasSuffix(lower, "kb"):
		unit = 1 << 10
		s = s[:len(s)-2]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected number of bytes, got %q", s)
	}
	return n * unit, nil
}

func parseUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("expected a 16-bit id/port, got %q", s)
	}
	return uint16(n), nil
}
