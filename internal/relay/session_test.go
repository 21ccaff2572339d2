package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mightymasai/legal-os-collab/internal/crdt"
	"github.com/mightymasai/legal-os-collab/internal/models"
	"github.com/mightymasai/legal-os-collab/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory SnapshotStore with failure injection.
type fakeStore struct {
	mu         sync.Mutex
	snapshots  map[string][]*models.Snapshot
	storeCalls int
	failNext   int           // fail this many Store calls
	storeDelay time.Duration // simulated write latency
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: make(map[string][]*models.Snapshot)}
}

func (f *fakeStore) LoadLatest(ctx context.Context, documentID string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.snapshots[documentID]
	if len(snaps) == 0 {
		return nil, repository.ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

func (f *fakeStore) Store(ctx context.Context, documentID string, payload []byte, writerID string) (int64, error) {
	f.mu.Lock()
	delay := f.storeDelay
	f.storeCalls++
	shouldFail := f.failNext > 0
	if shouldFail {
		f.failNext--
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if shouldFail {
		return 0, errors.New("simulated outage")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(len(f.snapshots[documentID]) + 1)
	f.snapshots[documentID] = append(f.snapshots[documentID], &models.Snapshot{
		DocumentID: documentID,
		Seq:        seq,
		Payload:    payload,
		WriterID:   writerID,
	})
	return seq, nil
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeCalls
}

func testOptions() Options {
	return Options{
		IdleGrace:        80 * time.Millisecond,
		SnapshotInterval: time.Hour, // keep the periodic ticker out of the way
		PresenceTimeout:  time.Hour,
		HeartbeatTimeout: time.Hour,
		StoreTimeout:     time.Second,
		StoreRetryMax:    1,
		WriterID:         "test-relay",
	}
}

func newTestConn(documentID, user string) *Conn {
	return NewConn(models.NewConnection(documentID, user, user, "#FF6B6B"), nil)
}

// nextFrame pulls one queued outbound frame, failing the test on timeout.
func nextFrame(t *testing.T, c *Conn) (models.MessageKind, []byte) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		kind, payload, err := models.SplitFrame(raw)
		require.NoError(t, err)
		return kind, payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return 0, nil
	}
}

// nextFrameOfKind discards frames until one of the wanted kind arrives.
func nextFrameOfKind(t *testing.T, c *Conn, want models.MessageKind) []byte {
	t.Helper()
	for i := 0; i < 16; i++ {
		kind, payload := nextFrame(t, c)
		if kind == want {
			return payload
		}
	}
	t.Fatalf("no frame of kind %d arrived", want)
	return nil
}

// clientEdit builds an encoded delta from a client-side replica.
func clientEdit(t *testing.T, doc *crdt.Doc, index int, text string) []byte {
	t.Helper()
	delta, err := doc.InsertAt(index, text)
	require.NoError(t, err)
	payload, err := crdt.EncodeDelta(delta)
	require.NoError(t, err)
	return payload
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAttachSendsFullSyncAndPresence(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	_, err := reg.Attach(alice)
	require.NoError(t, err)

	payload := nextFrameOfKind(t, alice, models.KindFullSyncResponse)
	doc, err := crdt.DecodeState(uuid.New(), payload)
	require.NoError(t, err)
	assert.Equal(t, "", doc.Text())

	bob := newTestConn("D1", "bob")
	_, err = reg.Attach(bob)
	require.NoError(t, err)

	// Alice hears about bob joining.
	var rec models.Presence
	require.NoError(t, json.Unmarshal(nextFrameOfKind(t, alice, models.KindPresenceUpdate), &rec))
	assert.Equal(t, bob.Info.ID, rec.ConnectionID)
	assert.Equal(t, "bob", rec.UserID)

	// Bob's full sync is followed by alice's presence record.
	nextFrameOfKind(t, bob, models.KindFullSyncResponse)
	require.NoError(t, json.Unmarshal(nextFrameOfKind(t, bob, models.KindPresenceUpdate), &rec))
	assert.Equal(t, alice.Info.ID, rec.ConnectionID)
}

func TestDeltaRebroadcastSkipsSender(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	bob := newTestConn("D1", "bob")
	session, err := reg.Attach(alice)
	require.NoError(t, err)
	_, err = reg.Attach(bob)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "Hello"))

	// Bob receives the delta; it reconstructs alice's edit.
	payload := nextFrameOfKind(t, bob, models.KindContentDelta)
	delta, err := crdt.DecodeDelta(payload)
	require.NoError(t, err)

	bobDoc := crdt.New(uuid.New())
	_, err = bobDoc.Merge(delta)
	require.NoError(t, err)
	assert.Equal(t, "Hello", bobDoc.Text())

	// Alice must not get her own delta back.
	text, err := session.Content(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Hello", text)
	for {
		select {
		case raw := <-alice.send:
			kind, _, _ := models.SplitFrame(raw)
			assert.NotEqual(t, models.KindContentDelta, kind, "delta echoed to its sender")
		default:
			return
		}
	}
}

func TestOutOfOrderDeltaBufferedAtRelay(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	bob := newTestConn("D1", "bob")
	session, err := reg.Attach(alice)
	require.NoError(t, err)
	_, err = reg.Attach(bob)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	first := clientEdit(t, aliceDoc, 0, "A")
	second := clientEdit(t, aliceDoc, 1, "B")

	// Deliver the gap-ed delta first: it must be buffered, not applied or
	// rejected.
	session.SubmitDelta(alice.Info.ID, second)
	time.Sleep(50 * time.Millisecond)
	text, err := session.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", text)

	session.SubmitDelta(alice.Info.ID, first)

	// Bob sees both deltas, in causal order.
	d1, err := crdt.DecodeDelta(nextFrameOfKind(t, bob, models.KindContentDelta))
	require.NoError(t, err)
	d2, err := crdt.DecodeDelta(nextFrameOfKind(t, bob, models.KindContentDelta))
	require.NoError(t, err)
	assert.True(t, d1.End < d2.Start, "rebroadcast order must match merge order")

	text, err = session.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AB", text)
}

func TestMalformedDeltaRejectedToSenderOnly(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	bob := newTestConn("D1", "bob")
	session, err := reg.Attach(alice)
	require.NoError(t, err)
	_, err = reg.Attach(bob)
	require.NoError(t, err)

	session.SubmitDelta(alice.Info.ID, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	payload := nextFrameOfKind(t, alice, models.KindError)
	var errMsg models.ErrorPayload
	require.NoError(t, json.Unmarshal(payload, &errMsg))
	assert.Contains(t, errMsg.Message, "full sync")

	// Session unaffected: a good delta still flows to bob.
	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "ok"))
	nextFrameOfKind(t, bob, models.KindContentDelta)
	assert.Equal(t, StateActive, session.State())
}

func TestCorruptPresenceNeverTouchesContent(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "safe"))
	session.SubmitPresence(alice.Info.ID, []byte("{{{not json"))

	text, err := session.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "safe", text)
	assert.Equal(t, StateActive, session.State())
}

func TestPresenceClearBroadcastOnDetach(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	bob := newTestConn("D1", "bob")
	session, err := reg.Attach(alice)
	require.NoError(t, err)
	_, err = reg.Attach(bob)
	require.NoError(t, err)

	session.Detach(bob.Info.ID)

	payload := nextFrameOfKind(t, alice, models.KindPresenceClear)
	var clear models.PresenceClear
	require.NoError(t, json.Unmarshal(payload, &clear))
	assert.Equal(t, bob.Info.ID, clear.ConnectionID)

	// One participant remains, so the session stays active.
	assert.Equal(t, StateActive, session.State())
}

func TestIdleEvictionFlushesExactlyOnce(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "durable"))
	session.Detach(alice.Info.ID)

	eventually(t, func() bool { return reg.Lookup("D1") == nil },
		"session not evicted after idle grace")
	assert.Equal(t, StateClosed, session.State())
	assert.Equal(t, 1, store.calls(), "drain must store exactly one final snapshot")

	// A fresh attach starts a brand-new session hydrated from that snapshot.
	carol := newTestConn("D1", "carol")
	session2, err := reg.Attach(carol)
	require.NoError(t, err)
	assert.NotSame(t, session, session2)

	payload := nextFrameOfKind(t, carol, models.KindFullSyncResponse)
	doc, err := crdt.DecodeState(uuid.New(), payload)
	require.NoError(t, err)
	assert.Equal(t, "durable", doc.Text())
}

func TestAttachDuringDrainCancelsIt(t *testing.T) {
	store := newFakeStore()
	store.storeDelay = 150 * time.Millisecond // hold the session in Draining

	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "keep me"))
	session.Detach(alice.Info.ID)

	eventually(t, func() bool { return session.State() == StateDraining },
		"session never started draining")

	bob := newTestConn("D1", "bob")
	got, err := reg.Attach(bob)
	require.NoError(t, err)
	assert.Same(t, session, got, "drain must be cancelled, not replaced")
	assert.Equal(t, StateActive, session.State())

	// State survived intact.
	payload := nextFrameOfKind(t, bob, models.KindFullSyncResponse)
	doc, err := crdt.DecodeState(uuid.New(), payload)
	require.NoError(t, err)
	assert.Equal(t, "keep me", doc.Text())
}

func TestStoreOutageNeverBlocksEditing(t *testing.T) {
	store := newFakeStore()
	store.failNext = 2 // first flush fails through all its retries

	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "one "))

	err = session.Flush(context.Background())
	assert.Error(t, err, "flush during outage must surface the failure")

	// Editing continued regardless; recovery makes the next flush stick.
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 4, "two"))
	text, err := session.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one two", text)

	eventually(t, func() bool {
		if err := session.Flush(context.Background()); err != nil {
			return false
		}
		_, err := store.LoadLatest(context.Background(), "D1")
		return err == nil
	}, "flush never succeeded after the outage cleared")

	snap, err := store.LoadLatest(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Seq)

	doc, err := crdt.DecodeState(uuid.New(), snap.Payload)
	require.NoError(t, err)
	assert.Equal(t, "one two", doc.Text())
}

func TestDrainFlushesEditsMergedMidFlight(t *testing.T) {
	store := newFakeStore()
	store.storeDelay = 200 * time.Millisecond

	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "one "))
	session.Detach(alice.Info.ID)

	eventually(t, func() bool { return session.State() == StateDraining },
		"session never started draining")

	// The drain flush is in flight and only covers "one "; this edit merges
	// after its snapshot was taken.
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 4, "two"))

	eventually(t, func() bool { return session.State() == StateClosed },
		"session never closed")

	snap, err := store.LoadLatest(context.Background(), "D1")
	require.NoError(t, err)
	doc, err := crdt.DecodeState(uuid.New(), snap.Payload)
	require.NoError(t, err)
	assert.Equal(t, "one two", doc.Text(), "edits merged during the drain flush must be flushed too")
	assert.Equal(t, 2, store.calls(), "a follow-up flush covers the late edits")
}

func TestShutdownFlushesEditsMergedMidFlight(t *testing.T) {
	store := newFakeStore()
	store.storeDelay = 200 * time.Millisecond

	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "one "))

	saveErr := make(chan error, 1)
	go func() { saveErr <- session.Flush(context.Background()) }()
	eventually(t, func() bool { return store.calls() >= 1 },
		"flush never reached the store")

	// Merged mid-flush: the shutdown below must not close until a snapshot
	// covering this edit lands.
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 4, "two"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, session.Close(ctx))
	assert.Equal(t, StateClosed, session.State())

	select {
	case err := <-saveErr:
		assert.NoError(t, err, "manual save resolves once its edits are durable")
	case <-time.After(5 * time.Second):
		t.Fatal("manual save never resolved")
	}

	snap, err := store.LoadLatest(context.Background(), "D1")
	require.NoError(t, err)
	doc, err := crdt.DecodeState(uuid.New(), snap.Payload)
	require.NoError(t, err)
	assert.Equal(t, "one two", doc.Text())
	assert.Equal(t, 2, store.calls())
}

func TestManualSaveDuringFlushReportsOutcome(t *testing.T) {
	store := newFakeStore()
	store.storeDelay = 100 * time.Millisecond
	store.failNext = 10 // every attempt of the in-flight flush fails

	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "draft"))

	first := make(chan error, 1)
	go func() { first <- session.Flush(context.Background()) }()
	eventually(t, func() bool { return store.calls() >= 1 },
		"flush never reached the store")

	// A save arriving while a flush is in flight must share that flush's
	// fate, not report success early.
	err = session.Flush(context.Background())
	assert.Error(t, err, "save during a failing flush must surface the failure")

	select {
	case err := <-first:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first save never resolved")
	}
}

func TestLoadOutageStartsEmptyAndActive(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(&failingLoader{fakeStore: store}, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)
	assert.Equal(t, StateActive, session.State())

	payload := nextFrameOfKind(t, alice, models.KindFullSyncResponse)
	doc, err := crdt.DecodeState(uuid.New(), payload)
	require.NoError(t, err)
	assert.Equal(t, "", doc.Text())
}

type failingLoader struct {
	*fakeStore
}

func (f *failingLoader) LoadLatest(ctx context.Context, documentID string) (*models.Snapshot, error) {
	return nil, fmt.Errorf("storage unreachable")
}

func TestMissedHeartbeatsDetachAndDrain(t *testing.T) {
	store := newFakeStore()
	opts := testOptions()
	opts.HeartbeatTimeout = 50 * time.Millisecond

	reg := NewRegistry(store, opts)

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	// No heartbeats arrive; the sweep detaches the connection and the
	// session drains on its own.
	eventually(t, func() bool { return session.State() == StateClosed },
		"silent connection was never reaped")
	assert.Nil(t, reg.Lookup("D1"))
	assert.Equal(t, 0, store.calls(), "clean session must not write a snapshot")
}

func TestRegistryOneSessionPerDocument(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	a1 := newTestConn("D1", "alice")
	a2 := newTestConn("D1", "bob")
	other := newTestConn("D2", "carol")

	s1, err := reg.Attach(a1)
	require.NoError(t, err)
	s2, err := reg.Attach(a2)
	require.NoError(t, err)
	s3, err := reg.Attach(other)
	require.NoError(t, err)

	assert.Same(t, s1, s2, "one authoritative session per document id")
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistryShutdownFlushesDirtySessions(t *testing.T) {
	store := newFakeStore()
	reg := NewRegistry(store, testOptions())

	alice := newTestConn("D1", "alice")
	session, err := reg.Attach(alice)
	require.NoError(t, err)

	aliceDoc := crdt.New(uuid.New())
	session.SubmitDelta(alice.Info.ID, clientEdit(t, aliceDoc, 0, "bye"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reg.Shutdown(ctx)

	assert.Equal(t, StateClosed, session.State())
	snap, err := store.LoadLatest(context.Background(), "D1")
	require.NoError(t, err)
	doc, err := crdt.DecodeState(uuid.New(), snap.Payload)
	require.NoError(t, err)
	assert.Equal(t, "bye", doc.Text())
}
