package paxos

import "paxoslog/internal/wire"

// quorumSize returns floor(acceptors/2)+1, the majority needed to make
// progress, grounded on original_source/paxos/quorum.c's paxos_quorum.
func quorumSize(acceptors int) int {
	return acceptors/2 + 1
}

// quorum tracks which acceptor ids have responded to a single proposer
// round (one instance, one ballot) and reports once a majority has been
// seen. clear resets it, mirroring original_source/paxos/quorum.c's
// quorum_init/quorum_clear pair; the proposer allocates a fresh quorum
// for each phase of each round rather than reusing one.
type quorum struct {
	need int
	seen map[wire.AID]struct{}
}

func newQuorum(acceptors int) *quorum {
	q := &quorum{need: quorumSize(acceptors)}
	q.clear()
	return q
}

func (q *quorum) clear() {
	q.seen = make(map[wire.AID]struct{}, q.need)
}

// add records aid's response, returning true the first time it is
// seen. A repeated response from the same acceptor (e.g. a duplicate
// delivery after a reconnect) never inflates the count.
func (q *quorum) add(aid wire.AID) bool {
	if _, ok := q.seen[aid]; ok {
		return false
	}
	q.seen[aid] = struct{}{}
	return true
}

func (q *quorum) count() int { return len(q.seen) }

func (q *quorum) reached() bool { return len(q.seen) >= q.need }
