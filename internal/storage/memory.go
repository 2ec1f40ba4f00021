package storage

import "sync"

// MemoryStorage is the mandatory in-memory Storage backend. Per spec
// §4.2, its transaction scope is a no-op in the sense that there is no
// real I/O to fail; we still stage writes in an overlay and only apply
// them on Commit so that Abort (triggered by a handler that decides not
// to proceed) never has partially mutated the visible store, matching
// the same durability discipline a disk backend gives for free.
type MemoryStorage struct {
	mu        sync.Mutex
	records   map[uint32]*Record
	trimInstance uint32
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[uint32]*Record)}
}

type memTxn struct {
	s       *MemoryStorage
	overlay map[uint32]*Record
	trimTo  *uint32
}

func (s *MemoryStorage) Begin() (Txn, error) {
	return &memTxn{s: s, overlay: make(map[uint32]*Record)}, nil
}

func (t *memTxn) Get(iid uint32) (*Record, bool, error) {
	if rec, ok := t.overlay[iid]; ok {
		return rec.Clone(), rec != nil, nil
	}
	t.s.mu.Lock()
	rec, ok := t.s.records[iid]
	t.s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (t *memTxn) Put(rec *Record) error {
	t.overlay[rec.IID] = rec.Clone()
	return nil
}

func (t *memTxn) Trim(iid uint32) error {
	t.trimTo = &iid
	return nil
}

func (s *MemoryStorage) Commit(txn Txn) error {
	t := txn.(*memTxn)
	s.mu.Lock()
	defer s.mu.Unlock()
	for iid, rec := range t.overlay {
		s.records[iid] = rec
	}
	if t.trimTo != nil {
		for iid := range s.records {
			if iid <= *t.trimTo {
				delete(s.records, iid)
			}
		}
		if *t.trimTo > s.trimInstance {
			s.trimInstance = *t.trimTo
		}
	}
	return nil
}

func (s *MemoryStorage) Abort(txn Txn) {
	// The overlay was never applied to s.records; nothing to undo.
}

func (s *MemoryStorage) TrimInstance() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trimInstance
}

func (s *MemoryStorage) Close() error { return nil }
