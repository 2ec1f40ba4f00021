package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	mdb "github.com/msackman/gomdb"
	mdbs "github.com/msackman/gomdb/server"
)

// DiskStorage is the optional log-structured backend, LMDB-backed via
// gomdb, the same library and wiring style the teacher uses for its
// ballot-outcome store (paxos/acceptordispatcher.go,
// cmd/goshawkdb/main.go's mdbs.NewMDBServer call).
type DiskStorage struct {
	server       *mdbs.MDBServer
	dbi          mdbs.DBIsWithFlags
	trimInstance uint32
}

// DiskOptions mirrors the config record's lmdb_* fields.
type DiskOptions struct {
	Path          string
	MapSize       uint64
	Sync          bool
	TrashOldFiles bool
}

func OpenDisk(opts DiskOptions) (*DiskStorage, error) {
	settings := mdbs.DBISettings{Flags: mdb.CREATE}
	dbiSettings := mdbs.DBIsWithFlags{"acceptor_records": &settings}
	flags := 0
	if opts.Sync {
		flags = 0 // durable default; NOSYNC would be set here if async commits were requested
	} else {
		flags = mdb.NOSYNC
	}
	mapSize := opts.MapSize
	if mapSize == 0 {
		mapSize = 1 << 30
	}
	srvIface, err := mdbs.NewMDBServer(opts.Path, flags, 0600, mapSize, 500*time.Microsecond, dbiSettings, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: opening disk backend at %s: %w", opts.Path, err)
	}
	srv := srvIface.(*mdbs.MDBServer)
	d := &DiskStorage{server: srv, dbi: dbiSettings}
	if err := d.loadTrimInstance(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DiskStorage) loadTrimInstance() error {
	res, err := d.server.ReadonlyTransaction(func(rtxn *mdbs.RTxn) interface{} {
		data, err := rtxn.Get(d.dbi["acceptor_records"], trimKey)
		if err != nil {
			if err == mdb.NotFound {
				return uint32(0)
			}
			rtxn.Error(err)
			return uint32(0)
		}
		return binary.BigEndian.Uint32(data)
	}).ResultError()
	if err != nil {
		return err
	}
	d.trimInstance = res.(uint32)
	return nil
}

var trimKey = []byte("__trim__")

func iidKey(iid uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], iid)
	return b[:]
}

func encodeRecord(r *Record) []byte {
	var buf bytes.Buffer
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], r.PromisedBallot)
	binary.BigEndian.PutUint32(hdr[4:8], r.ValueBallot)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(r.AcceptedValue)))
	buf.Write(hdr[:])
	buf.Write(r.AcceptedValue)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(r.Participants)))
	buf.Write(n[:])
	for aid, ballot := range r.Participants {
		var p [6]byte
		binary.BigEndian.PutUint16(p[0:2], aid)
		binary.BigEndian.PutUint32(p[2:6], ballot)
		buf.Write(p[:])
	}
	return buf.Bytes()
}

func decodeRecord(iid uint32, data []byte) (*Record, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("storage: truncated record for iid %d", iid)
	}
	promised := binary.BigEndian.Uint32(data[0:4])
	valueBallot := binary.BigEndian.Uint32(data[4:8])
	vlen := binary.BigEndian.Uint32(data[8:12])
	off := 12
	if uint32(len(data)-off) < vlen {
		return nil, fmt.Errorf("storage: truncated value for iid %d", iid)
	}
	value := append([]byte(nil), data[off:off+int(vlen)]...)
	off += int(vlen)
	if len(data)-off < 4 {
		return nil, fmt.Errorf("storage: truncated participants for iid %d", iid)
	}
	n := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	participants := make(map[uint16]uint32, n)
	for i := uint32(0); i < n; i++ {
		if len(data)-off < 6 {
			return nil, fmt.Errorf("storage: truncated participant %d for iid %d", i, iid)
		}
		aid := binary.BigEndian.Uint16(data[off : off+2])
		ballot := binary.BigEndian.Uint32(data[off+2 : off+6])
		participants[aid] = ballot
		off += 6
	}
	return &Record{
		IID:            iid,
		PromisedBallot: promised,
		AcceptedValue:  value,
		ValueBallot:    valueBallot,
		Participants:   participants,
	}, nil
}

type diskTxn struct {
	d      *DiskStorage
	puts   map[uint32]*Record
	trimTo *uint32
}

func (d *DiskStorage) Begin() (Txn, error) {
	return &diskTxn{d: d, puts: make(map[uint32]*Record)}, nil
}

func (t *diskTxn) Get(iid uint32) (*Record, bool, error) {
	if rec, ok := t.puts[iid]; ok {
		return rec.Clone(), true, nil
	}
	res, err := t.d.server.ReadonlyTransaction(func(rtxn *mdbs.RTxn) interface{} {
		data, err := rtxn.Get(t.d.dbi["acceptor_records"], iidKey(iid))
		if err != nil {
			if err == mdb.NotFound {
				return nil
			}
			rtxn.Error(err)
			return nil
		}
		rec, err := decodeRecord(iid, data)
		if err != nil {
			rtxn.Error(err)
			return nil
		}
		return rec
	}).ResultError()
	if err != nil {
		return nil, false, err
	}
	if res == nil {
		return nil, false, nil
	}
	return res.(*Record), true, nil
}

func (t *diskTxn) Put(rec *Record) error {
	t.puts[rec.IID] = rec.Clone()
	return nil
}

func (t *diskTxn) Trim(iid uint32) error {
	t.trimTo = &iid
	return nil
}

func (d *DiskStorage) Commit(txn Txn) error {
	t := txn.(*diskTxn)
	_, err := d.server.ReadWriteTransaction(func(rwtxn *mdbs.RWTxn) interface{} {
		dbi := d.dbi["acceptor_records"]
		for iid, rec := range t.puts {
			rwtxn.Put(dbi, iidKey(iid), encodeRecord(rec), 0)
		}
		if t.trimTo != nil {
			rwtxn.WithCursor(dbi, func(cursor *mdbs.Cursor) interface{} {
				key, _, err := cursor.Get(nil, nil, mdb.FIRST)
				for ; err == nil; key, _, err = cursor.Get(nil, nil, mdb.NEXT) {
					if bytes.Equal(key, trimKey) {
						continue
					}
					if binary.BigEndian.Uint32(key) <= *t.trimTo {
						cursor.Del(0)
					}
				}
				if err != mdb.NotFound {
					cursor.Error(err)
				}
				return nil
			})
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], *t.trimTo)
			rwtxn.Put(dbi, trimKey, b[:], 0)
		}
		return true
	}).ResultError()
	if err != nil {
		return err
	}
	if t.trimTo != nil && *t.trimTo > d.trimInstance {
		d.trimInstance = *t.trimTo
	}
	return nil
}

func (d *DiskStorage) Abort(txn Txn) {
	// Nothing was written to LMDB yet; the staged puts/dels are simply
	// dropped with the txn value.
}

func (d *DiskStorage) TrimInstance() uint32 {
	return d.trimInstance
}

func (d *DiskStorage) Close() error {
	d.server.Shutdown()
	return nil
}
