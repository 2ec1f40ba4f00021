package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single decoded frame. It exists so a corrupt or
// hostile peer cannot make a reader allocate unbounded memory; it is
// generous relative to any plausible client value.
const MaxFrameSize = 64 << 20

// maxParticipants bounds the aggregated Promise/Accepted arrays. The
// hierarchical variant never aggregates more than the full acceptor
// set, so this is a sanity ceiling, not an operational limit.
const maxParticipants = 1 << 16

// WriteFrame writes one self-delimited frame: a four-byte big-endian
// length prefix followed by the encoded envelope. Framing this way
// (rather than relying on a message format with its own delimiters)
// is what lets a peer connection buffer partial reads and still know
// exactly when one complete message is available, per spec §4.6.
func WriteFrame(w io.Writer, env *Envelope) error {
	payload, err := marshal(env)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads exactly one frame from r, blocking until it is fully
// available. r is expected to be a *bufio.Reader (or similar) so that
// partial TCP reads are transparently buffered across calls.
func ReadFrame(r *bufio.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds maximum %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return unmarshal(payload)
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *writer) u32(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *writer) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}
func (w *writer) participants(ps []Participant) {
	w.u32(uint32(len(ps)))
	for _, p := range ps {
		w.u16(uint16(p.AID))
		w.u32(p.Ballot)
		w.u32(p.ValueBallot)
		w.bytes(p.Value)
	}
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.remaining() {
		return nil, fmt.Errorf("wire: byte string of %d exceeds remaining frame of %d", n, r.remaining())
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, v)
	return out, nil
}

// participants decodes the aggregated array form, rejecting a frame
// whose declared n_aids disagrees with what actually fits, per spec
// §4.1's decoder requirement.
func (r *reader) participants() ([]Participant, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxParticipants {
		return nil, fmt.Errorf("wire: n_aids %d exceeds maximum %d", n, maxParticipants)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Participant, n)
	for i := range out {
		aid, err := r.u16()
		if err != nil {
			return nil, err
		}
		ballot, err := r.u32()
		if err != nil {
			return nil, err
		}
		valueBallot, err := r.u32()
		if err != nil {
			return nil, err
		}
		value, err := r.bytes()
		if err != nil {
			return nil, err
		}
		out[i] = Participant{AID: AID(aid), Ballot: ballot, ValueBallot: valueBallot, Value: value}
	}
	return out, nil
}

func marshal(env *Envelope) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64)}
	w.u8(uint8(env.Type))
	w.u32(env.Tracer)
	switch env.Type {
	case TypePrepare:
		p := env.Prepare
		w.u32(p.IID)
		w.u32(p.Ballot)
	case TypePromise:
		p := env.Promise
		w.u32(p.IID)
		w.u32(p.Ballot)
		w.u16(uint16(p.AID))
		w.u32(p.ValueBallot)
		w.bytes(p.Value)
		w.participants(p.Participants)
	case TypeAccept:
		a := env.Accept
		w.u32(a.IID)
		w.u32(a.Ballot)
		w.bytes(a.Value)
	case TypeAccepted:
		a := env.Accepted
		w.u32(a.IID)
		w.u32(a.Ballot)
		w.u16(uint16(a.AID))
		w.bytes(a.Value)
		w.participants(a.Participants)
	case TypePreempted:
		p := env.Preempted
		w.u32(p.IID)
		w.u16(uint16(p.AID))
		w.u32(p.Ballot)
	case TypeRepeat:
		r := env.Repeat
		w.u32(r.FromIID)
		w.u32(r.ToIID)
	case TypeTrim:
		w.u32(env.Trim.IID)
	case TypeAcceptorState:
		a := env.AcceptorState
		w.u16(uint16(a.AID))
		w.u32(a.TrimIID)
	case TypeClientValue:
		w.bytes(env.ClientValue.Value)
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", env.Type)
	}
	return w.buf, nil
}

func unmarshal(payload []byte) (*Envelope, error) {
	r := &reader{buf: payload}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	tracer, err := r.u32()
	if err != nil {
		return nil, err
	}
	env := &Envelope{Type: Type(tag), Tracer: tracer}
	switch env.Type {
	case TypePrepare:
		iid, err := r.u32()
		if err != nil {
			return nil, err
		}
		ballot, err := r.u32()
		if err != nil {
			return nil, err
		}
		env.Prepare = &Prepare{IID: iid, Ballot: ballot}
	case TypePromise:
		iid, err := r.u32()
		if err != nil {
			return nil, err
		}
		ballot, err := r.u32()
		if err != nil {
			return nil, err
		}
		aid, err := r.u16()
		if err != nil {
			return nil, err
		}
		valueBallot, err := r.u32()
		if err != nil {
			return nil, err
		}
		value, err := r.bytes()
		if err != nil {
			return nil, err
		}
		participants, err := r.participants()
		if err != nil {
			return nil, err
		}
		env.Promise = &Promise{IID: iid, Ballot: ballot, AID: AID(aid), Value: value, ValueBallot: valueBallot, Participants: participants}
	case TypeAccept:
		iid, err := r.u32()
		if err != nil {
			return nil, err
		}
		ballot, err := r.u32()
		if err != nil {
			return nil, err
		}
		value, err := r.bytes()
		if err != nil {
			return nil, err
		}
		env.Accept = &Accept{IID: iid, Ballot: ballot, Value: value}
	case TypeAccepted:
		iid, err := r.u32()
		if err != nil {
			return nil, err
		}
		ballot, err := r.u32()
		if err != nil {
			return nil, err
		}
		aid, err := r.u16()
		if err != nil {
			return nil, err
		}
		value, err := r.bytes()
		if err != nil {
			return nil, err
		}
		participants, err := r.participants()
		if err != nil {
			return nil, err
		}
		env.Accepted = &Accepted{IID: iid, Ballot: ballot, AID: AID(aid), Value: value, Participants: participants}
	case TypePreempted:
		iid, err := r.u32()
		if err != nil {
			return nil, err
		}
		aid, err := r.u16()
		if err != nil {
			return nil, err
		}
		ballot, err := r.u32()
		if err != nil {
			return nil, err
		}
		env.Preempted = &Preempted{IID: iid, AID: AID(aid), Ballot: ballot}
	case TypeRepeat:
		from, err := r.u32()
		if err != nil {
			return nil, err
		}
		to, err := r.u32()
		if err != nil {
			return nil, err
		}
		env.Repeat = &Repeat{FromIID: from, ToIID: to}
	case TypeTrim:
		iid, err := r.u32()
		if err != nil {
			return nil, err
		}
		env.Trim = &Trim{IID: iid}
	case TypeAcceptorState:
		aid, err := r.u16()
		if err != nil {
			return nil, err
		}
		trimIID, err := r.u32()
		if err != nil {
			return nil, err
		}
		env.AcceptorState = &AcceptorState{AID: AID(aid), TrimIID: trimIID}
	case TypeClientValue:
		value, err := r.bytes()
		if err != nil {
			return nil, err
		}
		env.ClientValue = &ClientValue{Value: value}
	default:
		return nil, fmt.Errorf("wire: unknown message tag %d", tag)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after decoding %v", r.remaining(), env.Type)
	}
	return env, nil
}
