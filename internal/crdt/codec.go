package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ErrDecode is returned for any malformed or truncated payload. Decoding is
// all-or-nothing: a payload that fails to decode has no effect on state.
var ErrDecode = errors.New("crdt: malformed payload")

const (
	deltaMagic = 0xD5
	stateMagic = 0x5D
	codecVer   = 0x01

	idHead    = 0x00
	idPresent = 0x01
)

// EncodeDelta serializes a delta to the compact binary wire form.
// Op counters are implied by the delta's start counter and are not encoded.
func EncodeDelta(delta *Delta) ([]byte, error) {
	if err := validateDelta(delta); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 64+8*len(delta.Ops))
	buf = append(buf, deltaMagic, codecVer)
	buf = append(buf, delta.Replica[:]...)
	buf = binary.AppendUvarint(buf, delta.Start)
	buf = binary.AppendUvarint(buf, uint64(len(delta.Ops)))
	for _, op := range delta.Ops {
		buf = append(buf, byte(op.Kind))
		switch op.Kind {
		case OpInsert:
			buf = appendID(buf, op.Parent)
			buf = binary.AppendUvarint(buf, uint64(op.Ch))
		case OpDelete:
			buf = appendID(buf, op.Target)
		case OpFormat:
			buf = binary.AppendUvarint(buf, uint64(len(op.Mark)))
			buf = append(buf, op.Mark...)
			if op.Enabled {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = binary.AppendUvarint(buf, uint64(len(op.Targets)))
			for _, t := range op.Targets {
				buf = appendID(buf, t)
			}
		}
	}
	return buf, nil
}

// DecodeDelta parses a binary delta. Trailing bytes, truncation, or any
// structural violation yields ErrDecode.
func DecodeDelta(payload []byte) (*Delta, error) {
	r := &byteReader{buf: payload}
	delta, err := readDelta(r)
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.remaining())
	}
	return delta, nil
}

func readDelta(r *byteReader) (*Delta, error) {
	magic, err := r.byte()
	if err != nil {
		return nil, err
	}
	if magic != deltaMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%02X", ErrDecode, magic)
	}
	ver, err := r.byte()
	if err != nil {
		return nil, err
	}
	if ver != codecVer {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, ver)
	}
	replica, err := r.uuid()
	if err != nil {
		return nil, err
	}
	start, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count == 0 || count > uint64(r.remaining()) {
		// Every op takes at least one byte; this bounds allocation.
		return nil, fmt.Errorf("%w: implausible op count %d", ErrDecode, count)
	}

	delta := &Delta{Replica: replica, Start: start, End: start + count - 1}
	delta.Ops = make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		op, err := readOp(r)
		if err != nil {
			return nil, err
		}
		op.ID = ID{Replica: replica, Counter: start + i}
		delta.Ops = append(delta.Ops, op)
	}
	if err := validateDelta(delta); err != nil {
		return nil, err
	}
	return delta, nil
}

func readOp(r *byteReader) (Op, error) {
	kind, err := r.byte()
	if err != nil {
		return Op{}, err
	}
	op := Op{Kind: OpKind(kind)}
	switch op.Kind {
	case OpInsert:
		if op.Parent, err = r.id(); err != nil {
			return Op{}, err
		}
		ch, err := r.uvarint()
		if err != nil {
			return Op{}, err
		}
		if ch > 0x10FFFF {
			return Op{}, fmt.Errorf("%w: rune out of range", ErrDecode)
		}
		op.Ch = rune(ch)
	case OpDelete:
		if op.Target, err = r.id(); err != nil {
			return Op{}, err
		}
	case OpFormat:
		n, err := r.uvarint()
		if err != nil {
			return Op{}, err
		}
		mark, err := r.bytes(n)
		if err != nil {
			return Op{}, err
		}
		op.Mark = string(mark)
		en, err := r.byte()
		if err != nil {
			return Op{}, err
		}
		op.Enabled = en == 1
		tn, err := r.uvarint()
		if err != nil {
			return Op{}, err
		}
		if tn > uint64(r.remaining()) {
			return Op{}, fmt.Errorf("%w: implausible target count %d", ErrDecode, tn)
		}
		op.Targets = make([]ID, 0, tn)
		for i := uint64(0); i < tn; i++ {
			t, err := r.id()
			if err != nil {
				return Op{}, err
			}
			op.Targets = append(op.Targets, t)
		}
	default:
		return Op{}, fmt.Errorf("%w: unknown op kind %d", ErrDecode, kind)
	}
	return op, nil
}

// DeltaSince returns one delta per origin replica covering every applied
// operation past the given watermark. A nil watermark yields the full
// history. Deltas are ordered by replica ID for a stable encoding.
func (d *Doc) DeltaSince(watermark map[uuid.UUID]uint64) []*Delta {
	replicas := make([]uuid.UUID, 0, len(d.applied))
	for r := range d.applied {
		replicas = append(replicas, r)
	}
	sort.Slice(replicas, func(i, j int) bool {
		return bytes.Compare(replicas[i][:], replicas[j][:]) < 0
	})

	var deltas []*Delta
	for _, r := range replicas {
		last := d.applied[r]
		from := watermark[r]
		if last <= from {
			continue
		}
		ops := d.log[r][from:last]
		deltas = append(deltas, &Delta{
			Replica: r,
			Start:   from + 1,
			End:     last,
			Ops:     ops,
		})
	}
	return deltas
}

// EncodeState serializes the full document history for bootstrap sync: a
// framed sequence of per-replica deltas. Replaying them into an empty
// replica reconstructs the exact state, tombstones and marks included.
func (d *Doc) EncodeState() ([]byte, error) {
	deltas := d.DeltaSince(nil)
	buf := make([]byte, 0, 256)
	buf = append(buf, stateMagic, codecVer)
	buf = binary.AppendUvarint(buf, uint64(len(deltas)))
	for _, delta := range deltas {
		enc, err := EncodeDelta(delta)
		if err != nil {
			return nil, err
		}
		buf = binary.AppendUvarint(buf, uint64(len(enc)))
		buf = append(buf, enc...)
	}
	return buf, nil
}

// DecodeState builds a fresh replica owned by the given replica ID from a
// full-state payload produced by EncodeState.
func DecodeState(replica uuid.UUID, payload []byte) (*Doc, error) {
	r := &byteReader{buf: payload}
	magic, err := r.byte()
	if err != nil {
		return nil, err
	}
	if magic != stateMagic {
		return nil, fmt.Errorf("%w: bad state magic 0x%02X", ErrDecode, magic)
	}
	ver, err := r.byte()
	if err != nil {
		return nil, err
	}
	if ver != codecVer {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, ver)
	}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: implausible delta count %d", ErrDecode, count)
	}

	doc := New(replica)
	for i := uint64(0); i < count; i++ {
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(n)
		if err != nil {
			return nil, err
		}
		delta, err := DecodeDelta(raw)
		if err != nil {
			return nil, err
		}
		if _, err := doc.Merge(delta); err != nil {
			return nil, err
		}
	}
	if doc.PendingCount() != 0 {
		return nil, fmt.Errorf("%w: state payload has unresolved dependencies", ErrDecode)
	}
	doc.counter = doc.applied[replica]
	return doc, nil
}

func appendID(buf []byte, id ID) []byte {
	if id.IsHead() {
		return append(buf, idHead)
	}
	buf = append(buf, idPresent)
	buf = append(buf, id.Replica[:]...)
	return binary.AppendUvarint(buf, id.Counter)
}

// byteReader is a strict cursor over a payload; every read failure maps to
// ErrDecode.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("%w: truncated", ErrDecode)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) bytes(n uint64) ([]byte, error) {
	if n > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: truncated", ErrDecode)
	}
	out := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: truncated varint", ErrDecode)
	}
	r.pos += n
	return v, nil
}

func (r *byteReader) uuid() (uuid.UUID, error) {
	raw, err := r.bytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	var u uuid.UUID
	copy(u[:], raw)
	return u, nil
}

func (r *byteReader) id() (ID, error) {
	tag, err := r.byte()
	if err != nil {
		return ID{}, err
	}
	switch tag {
	case idHead:
		return Head, nil
	case idPresent:
		u, err := r.uuid()
		if err != nil {
			return ID{}, err
		}
		c, err := r.uvarint()
		if err != nil {
			return ID{}, err
		}
		if c == 0 || u == uuid.Nil {
			return ID{}, fmt.Errorf("%w: invalid element id", ErrDecode)
		}
		return ID{Replica: u, Counter: c}, nil
	default:
		return ID{}, fmt.Errorf("%w: bad id tag 0x%02X", ErrDecode, tag)
	}
}
