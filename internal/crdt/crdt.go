// Package crdt implements the replicated rich-text document state.
//
// The document is an RGA (Replicated Growable Array) over runes: every
// character carries a globally unique ID of (replica, counter), insertions
// are addressed by parent ID ("insert after P"), deletions are tombstones,
// and formatting marks resolve per character by last-writer-wins on the
// (counter, replica) tuple. Concurrent siblings under the same parent are
// ordered newest-first, with the replica ID as the final tie-break, so every
// replica converges to the same visible text without coordination.
package crdt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ID uniquely identifies one operation (and, for inserts, the character it
// created) across all replicas.
type ID struct {
	Replica uuid.UUID
	Counter uint64
}

// Head is the sentinel parent for insertions at the start of the document.
var Head = ID{}

// IsHead reports whether id is the start-of-document sentinel.
func (id ID) IsHead() bool { return id == Head }

// Less is the deterministic total order used for sibling tie-breaks:
// counter first, replica bytes second.
func (id ID) Less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return bytes.Compare(id.Replica[:], other.Replica[:]) < 0
}

func (id ID) String() string {
	return fmt.Sprintf("%s@%d", id.Replica, id.Counter)
}

// OpKind discriminates the operation types carried in a delta.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpFormat
)

// Op is a single replicated operation. Every op has its own ID; the counter
// part is contiguous within the delta that carries it.
type Op struct {
	Kind OpKind
	ID   ID

	// Insert fields.
	Parent ID
	Ch     rune

	// Delete field.
	Target ID

	// Format fields.
	Targets []ID
	Mark    string
	Enabled bool
}

// Delta is an immutable, ordered batch of operations produced by one replica.
// Ops cover the contiguous counter range [Start, End].
type Delta struct {
	Replica uuid.UUID
	Start   uint64
	End     uint64
	Ops     []Op
}

// markState records the winning writer for one mark on one character.
type markState struct {
	Enabled bool
	By      ID
}

// element is the stored form of one inserted character.
type element struct {
	Parent  ID
	Ch      rune
	Deleted bool
	Marks   map[string]markState
}

// MarkedRune is one visible character with its resolved marks, as handed to
// renderers after a merge.
type MarkedRune struct {
	ID    ID
	Ch    rune
	Marks []string
}

// Doc is one replica of the document. It is not safe for concurrent use; the
// relay serializes all access through a single per-session goroutine.
type Doc struct {
	replica uuid.UUID
	counter uint64

	elems    map[ID]*element
	children map[ID][]ID // parent -> child IDs, sorted newest-first

	// applied[r] is the highest counter applied contiguously for replica r.
	applied map[uuid.UUID]uint64

	// log retains every applied op per replica, indexed by counter-1. It
	// backs full-state encoding and incremental sync from a watermark.
	log map[uuid.UUID][]Op

	// pending holds deltas whose causal predecessor (same-origin gap) or
	// referenced elements have not arrived yet.
	pending []*Delta

	order      []ID
	orderDirty bool
}

// New creates an empty replica owned by the given replica ID.
func New(replica uuid.UUID) *Doc {
	return &Doc{
		replica:  replica,
		elems:    make(map[ID]*element),
		children: make(map[ID][]ID),
		applied:  make(map[uuid.UUID]uint64),
		log:      make(map[uuid.UUID][]Op),
	}
}

// Replica returns the ID this replica stamps on its own operations.
func (d *Doc) Replica() uuid.UUID { return d.replica }

// Version returns a copy of the version vector: the highest contiguously
// applied counter per origin replica.
func (d *Doc) Version() map[uuid.UUID]uint64 {
	vv := make(map[uuid.UUID]uint64, len(d.applied))
	for r, c := range d.applied {
		vv[r] = c
	}
	return vv
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.ensureOrder()
	return len(d.order)
}

// Text returns the visible document content.
func (d *Doc) Text() string {
	d.ensureOrder()
	out := make([]rune, len(d.order))
	for i, id := range d.order {
		out[i] = d.elems[id].Ch
	}
	return string(out)
}

// Runes returns the visible characters with their resolved marks, in order.
func (d *Doc) Runes() []MarkedRune {
	d.ensureOrder()
	out := make([]MarkedRune, len(d.order))
	for i, id := range d.order {
		el := d.elems[id]
		mr := MarkedRune{ID: id, Ch: el.Ch}
		for name, ms := range el.Marks {
			if ms.Enabled {
				mr.Marks = append(mr.Marks, name)
			}
		}
		sort.Strings(mr.Marks)
		out[i] = mr
	}
	return out
}

// PendingCount reports how many remote deltas are buffered waiting on a
// missing predecessor. Exposed for relay introspection and tests.
func (d *Doc) PendingCount() int { return len(d.pending) }

// nextID allocates the next local operation ID.
func (d *Doc) nextID() ID {
	d.counter++
	return ID{Replica: d.replica, Counter: d.counter}
}

// InsertAt inserts text so its first rune lands at visible index, and
// returns the delta to broadcast. Local edits apply immediately and never
// wait on the network.
func (d *Doc) InsertAt(index int, text string) (*Delta, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, fmt.Errorf("crdt: empty insert")
	}
	d.ensureOrder()
	if index < 0 || index > len(d.order) {
		return nil, fmt.Errorf("crdt: insert index %d out of range [0,%d]", index, len(d.order))
	}
	parent := Head
	if index > 0 {
		parent = d.order[index-1]
	}

	ops := make([]Op, 0, len(runes))
	for _, r := range runes {
		op := Op{Kind: OpInsert, ID: d.nextID(), Parent: parent, Ch: r}
		d.applyInsert(op)
		ops = append(ops, op)
		parent = op.ID
	}
	return d.finishLocal(ops), nil
}

// DeleteAt tombstones length visible characters starting at index.
func (d *Doc) DeleteAt(index, length int) (*Delta, error) {
	d.ensureOrder()
	if length <= 0 || index < 0 || index+length > len(d.order) {
		return nil, fmt.Errorf("crdt: delete range [%d,%d) out of range [0,%d]", index, index+length, len(d.order))
	}
	targets := make([]ID, length)
	copy(targets, d.order[index:index+length])

	ops := make([]Op, 0, length)
	for _, t := range targets {
		op := Op{Kind: OpDelete, ID: d.nextID(), Target: t}
		d.applyDelete(op)
		ops = append(ops, op)
	}
	return d.finishLocal(ops), nil
}

// FormatAt sets or clears a mark over length visible characters starting at
// index. The whole range is one operation, so a single writer wins or loses
// per character against concurrent formatters.
func (d *Doc) FormatAt(index, length int, mark string, enabled bool) (*Delta, error) {
	d.ensureOrder()
	if mark == "" {
		return nil, fmt.Errorf("crdt: empty mark name")
	}
	if length <= 0 || index < 0 || index+length > len(d.order) {
		return nil, fmt.Errorf("crdt: format range [%d,%d) out of range [0,%d]", index, index+length, len(d.order))
	}
	targets := make([]ID, length)
	copy(targets, d.order[index:index+length])

	op := Op{Kind: OpFormat, ID: d.nextID(), Targets: targets, Mark: mark, Enabled: enabled}
	d.applyFormat(op)
	return d.finishLocal([]Op{op}), nil
}

// finishLocal records locally applied ops in the log and wraps them in a
// delta covering their counter range.
func (d *Doc) finishLocal(ops []Op) *Delta {
	for _, op := range ops {
		d.log[d.replica] = append(d.log[d.replica], op)
	}
	d.applied[d.replica] = ops[len(ops)-1].ID.Counter
	return &Delta{
		Replica: d.replica,
		Start:   ops[0].ID.Counter,
		End:     ops[len(ops)-1].ID.Counter,
		Ops:     ops,
	}
}

// Merge integrates a remote delta. It is idempotent (a counter range already
// covered is skipped) and commutative across origins. A delta arriving ahead
// of its same-origin predecessor, or referencing elements this replica has
// not seen, is buffered and replayed once its dependencies arrive. Returns
// the deltas that took effect, in application order: the unseen suffix of
// the given delta (when applicable) followed by any buffered deltas it
// unblocked. Callers render or rebroadcast their ops in that order.
func (d *Doc) Merge(delta *Delta) ([]*Delta, error) {
	if err := validateDelta(delta); err != nil {
		return nil, err
	}
	if delta.Replica == d.replica {
		// Own deltas are already applied locally.
		return nil, nil
	}

	var applied []*Delta
	eff, buffered := d.tryApply(delta)
	if buffered {
		d.buffer(delta)
		return nil, nil
	}
	if eff != nil {
		applied = append(applied, eff)
	}

	// A newly applied delta may unblock buffered ones.
	applied = append(applied, d.drainPending()...)
	return applied, nil
}

// tryApply applies the unseen suffix of delta if its causal dependencies are
// satisfied. effective is the delta actually applied (trimmed of any
// already-covered prefix), nil when the delta was a pure duplicate.
// buffered=true means the delta must wait.
func (d *Doc) tryApply(delta *Delta) (effective *Delta, buffered bool) {
	last := d.applied[delta.Replica]
	if delta.End <= last {
		return nil, false // duplicate, nothing new
	}
	if delta.Start > last+1 {
		return nil, true // gap before this delta
	}
	if !d.depsSatisfied(delta, last) {
		return nil, true
	}

	var ops []Op
	for _, op := range delta.Ops {
		if op.ID.Counter <= last {
			continue // overlap with an earlier partial delivery
		}
		switch op.Kind {
		case OpInsert:
			d.applyInsert(op)
		case OpDelete:
			d.applyDelete(op)
		case OpFormat:
			d.applyFormat(op)
		}
		d.log[delta.Replica] = append(d.log[delta.Replica], op)
		ops = append(ops, op)
	}
	d.applied[delta.Replica] = delta.End
	return &Delta{
		Replica: delta.Replica,
		Start:   ops[0].ID.Counter,
		End:     delta.End,
		Ops:     ops,
	}, false
}

// depsSatisfied checks that every element the delta references exists
// locally or is created earlier within the same delta.
func (d *Doc) depsSatisfied(delta *Delta, last uint64) bool {
	inDelta := make(map[ID]bool, len(delta.Ops))
	known := func(id ID) bool {
		if id.IsHead() || inDelta[id] {
			return true
		}
		_, ok := d.elems[id]
		return ok
	}
	for _, op := range delta.Ops {
		if op.ID.Counter <= last {
			inDelta[op.ID] = true
			continue
		}
		switch op.Kind {
		case OpInsert:
			if !known(op.Parent) {
				return false
			}
			inDelta[op.ID] = true
		case OpDelete:
			if !known(op.Target) {
				return false
			}
		case OpFormat:
			for _, t := range op.Targets {
				if !known(t) {
					return false
				}
			}
		}
	}
	return true
}

// buffer stores a delta for replay, dropping exact duplicates.
func (d *Doc) buffer(delta *Delta) {
	for _, p := range d.pending {
		if p.Replica == delta.Replica && p.Start == delta.Start && p.End == delta.End {
			return
		}
	}
	d.pending = append(d.pending, delta)
}

// drainPending replays buffered deltas until no further progress is made.
func (d *Doc) drainPending() []*Delta {
	var applied []*Delta
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, p := range d.pending {
			eff, buffered := d.tryApply(p)
			if eff != nil {
				applied = append(applied, eff)
			}
			if buffered {
				remaining = append(remaining, p)
			} else {
				progressed = true
			}
		}
		d.pending = remaining
		if !progressed || len(d.pending) == 0 {
			return applied
		}
	}
}

func validateDelta(delta *Delta) error {
	if delta == nil {
		return fmt.Errorf("%w: nil delta", ErrDecode)
	}
	if delta.Replica == uuid.Nil {
		return fmt.Errorf("%w: zero replica id", ErrDecode)
	}
	if delta.Start == 0 || delta.End < delta.Start {
		return fmt.Errorf("%w: bad counter range [%d,%d]", ErrDecode, delta.Start, delta.End)
	}
	if uint64(len(delta.Ops)) != delta.End-delta.Start+1 {
		return fmt.Errorf("%w: %d ops for range [%d,%d]", ErrDecode, len(delta.Ops), delta.Start, delta.End)
	}
	for i, op := range delta.Ops {
		if op.ID.Replica != delta.Replica || op.ID.Counter != delta.Start+uint64(i) {
			return fmt.Errorf("%w: op %d has id %s, want counter %d", ErrDecode, i, op.ID, delta.Start+uint64(i))
		}
		switch op.Kind {
		case OpInsert, OpDelete:
		case OpFormat:
			if op.Mark == "" {
				return fmt.Errorf("%w: format op %d without mark", ErrDecode, i)
			}
		default:
			return fmt.Errorf("%w: unknown op kind %d", ErrDecode, op.Kind)
		}
	}
	return nil
}

// applyInsert integrates one character under its parent, keeping siblings
// sorted newest-first so concurrent inserts converge. Re-insertion of a
// known ID is a no-op.
func (d *Doc) applyInsert(op Op) {
	if _, ok := d.elems[op.ID]; ok {
		return
	}
	d.elems[op.ID] = &element{Parent: op.Parent, Ch: op.Ch}

	kids := d.children[op.Parent]
	// Newest-first: find the first sibling smaller than op.ID.
	i := sort.Search(len(kids), func(i int) bool { return kids[i].Less(op.ID) })
	kids = append(kids, ID{})
	copy(kids[i+1:], kids[i:])
	kids[i] = op.ID
	d.children[op.Parent] = kids
	d.orderDirty = true
}

// applyDelete tombstones the target. Deleting an already deleted character
// is a no-op, not an error.
func (d *Doc) applyDelete(op Op) {
	el, ok := d.elems[op.Target]
	if !ok || el.Deleted {
		return
	}
	el.Deleted = true
	d.orderDirty = true
}

// applyFormat resolves each target per last-writer-wins on the op ID.
func (d *Doc) applyFormat(op Op) {
	for _, t := range op.Targets {
		el, ok := d.elems[t]
		if !ok {
			continue
		}
		if el.Marks == nil {
			el.Marks = make(map[string]markState)
		}
		cur, ok := el.Marks[op.Mark]
		if ok && !cur.By.Less(op.ID) {
			continue
		}
		el.Marks[op.Mark] = markState{Enabled: op.Enabled, By: op.ID}
	}
}

// ensureOrder rebuilds the cached visible order with an iterative DFS over
// the parent/child graph: each element precedes its subtree, and siblings
// run newest-first.
func (d *Doc) ensureOrder() {
	if !d.orderDirty {
		return
	}
	d.order = d.order[:0]
	stack := make([]ID, 0, len(d.elems))
	push := func(parent ID) {
		kids := d.children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	push(Head)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if el := d.elems[id]; !el.Deleted {
			d.order = append(d.order, id)
		}
		push(id)
	}
	d.orderDirty = false
}
