package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
# three flat acceptors, one proposer
acceptor 1 127.0.0.1 5551
acceptor 2 127.0.0.1 5552
acceptor 3 127.0.0.1 5553
proposer 0 127.0.0.1 8800

verbosity debug
tcp-nodelay no
proposer-timeout 2
proposer-preexec-window 16
storage-backend lmdb
lmdb-env-path /var/lib/paxoslog
lmdb-mapsize 64mb
acceptor-trash-files yes
`

func TestParseSample(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	require.Len(t, c.Acceptors, 3)
	require.Equal(t, uint16(1), c.Acceptors[0].AID)
	require.Equal(t, "127.0.0.1:5551", c.Acceptors[0].Addr)
	require.Equal(t, uint16(1), c.Acceptors[0].GroupID)
	require.Equal(t, uint16(1), c.Acceptors[0].ParentID)

	require.Len(t, c.Proposers, 1)
	require.Equal(t, "127.0.0.1:8800", c.Proposers[0].Addr)

	require.Equal(t, VerbosityDebug, c.Verbosity)
	require.False(t, c.TCPNoDelay)
	require.Equal(t, 2, c.ProposerTimeoutSeconds)
	require.Equal(t, 16, c.ProposerPreexecWindow)
	require.Equal(t, BackendDisk, c.StorageBackend)
	require.Equal(t, "/var/lib/paxoslog", c.LMDBEnvPath)
	require.Equal(t, uint64(64<<20), c.LMDBMapsize)
	require.True(t, c.AcceptorTrashFiles)

	// untouched options keep their defaults
	require.True(t, c.LearnerCatchUp)
}

func TestParseHierarchicalAcceptor(t *testing.T) {
	c, err := Parse(strings.NewReader("acceptor 5 10.0.0.5 9000 1 1\nacceptor 6 10.0.0.6 9001 1 5\n"))
	require.NoError(t, err)
	require.Equal(t, uint16(1), c.Acceptors[0].GroupID)
	require.Equal(t, uint16(1), c.Acceptors[0].ParentID)
	require.Equal(t, uint16(5), c.Acceptors[1].ParentID)
}

func TestReplicaLineExpandsToAcceptorAndProposer(t *testing.T) {
	c, err := Parse(strings.NewReader("replica 1 127.0.0.1 6000\n"))
	require.NoError(t, err)
	require.Len(t, c.Acceptors, 1)
	require.Len(t, c.Proposers, 1)
	require.Equal(t, c.Acceptors[0].Addr, c.Proposers[0].Addr)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("acceptor 1 only-two-fields\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 1")
}

func TestParseRejectsUnknownOption(t *testing.T) {
	_, err := Parse(strings.NewReader("not-an-option yes\n"))
	require.Error(t, err)
}

func TestParseRejectsBadBoolean(t *testing.T) {
	_, err := Parse(strings.NewReader("tcp-nodelay maybe\n"))
	require.Error(t, err)
}

func TestDefaultOptions(t *testing.T) {
	c := Default()
	require.Equal(t, VerbosityInfo, c.Verbosity)
	require.True(t, c.TCPNoDelay)
	require.True(t, c.LearnerCatchUp)
	require.Equal(t, 1, c.ProposerTimeoutSeconds)
	require.Equal(t, 32, c.ProposerPreexecWindow)
	require.Equal(t, BackendMemory, c.StorageBackend)
}
