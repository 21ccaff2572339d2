package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/mightymasai/legal-os-collab/internal/crdt"
	"github.com/mightymasai/legal-os-collab/internal/models"
	"github.com/mightymasai/legal-os-collab/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// State is the lifecycle phase of a document session.
type State int32

const (
	StateLoading State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrSessionClosed is returned when attaching to a session that has already
// shut down; the registry reacts by creating a fresh one.
var ErrSessionClosed = errors.New("relay: document session closed")

type cmdKind int

const (
	cmdAttach cmdKind = iota
	cmdDetach
	cmdDelta
	cmdPresence
	cmdFullSync
	cmdHeartbeat
	cmdFlush
	cmdFlushDone
	cmdShutdown
	cmdContent
)

type cmd struct {
	kind      cmdKind
	conn      *Conn
	connID    string
	payload   []byte
	epoch     uint64
	err       error
	reply     chan error
	replyText chan string
}

// DocumentSession binds one document ID to its authoritative merged replica
// and the attached connections. All mutation flows through run(), a single
// goroutine consuming the command channel: the serialized merge point that
// makes rebroadcast order equal merge order and keeps per-origin clock
// bookkeeping race-free.
type DocumentSession struct {
	id       string
	store    SnapshotStore
	opts     Options
	registry *Registry

	cmds chan cmd
	done chan struct{}

	state atomic.Int32

	// Everything below is owned by the run goroutine.
	doc       *crdt.Doc
	conns     map[string]*Conn
	presence  *presenceTracker
	dirty     bool
	flushing  bool
	mergeSeq  uint64
	idleTimer *time.Timer
	shutdown  chan error // non-nil while a shutdown waits on the final flush

	// flushWaiters are manual-save callers waiting for their edits to be
	// durable. They resolve only when a flush covering the current mergeSeq
	// completes, never early.
	flushWaiters []chan error
}

func newDocumentSession(id string, store SnapshotStore, opts Options, registry *Registry) *DocumentSession {
	s := &DocumentSession{
		id:       id,
		store:    store,
		opts:     opts,
		registry: registry,
		cmds:     make(chan cmd, 64),
		done:     make(chan struct{}),
		conns:    make(map[string]*Conn),
		presence: newPresenceTracker(),
	}
	s.state.Store(int32(StateLoading))
	return s
}

// ID returns the document identifier this session serves.
func (s *DocumentSession) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *DocumentSession) State() State { return State(s.state.Load()) }

func (s *DocumentSession) setState(st State) { s.state.Store(int32(st)) }

// submit hands a command to the session loop, failing fast if the session
// has already closed.
func (s *DocumentSession) submit(c cmd) error {
	select {
	case s.cmds <- c:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Attach binds a connection to this session: the connection receives a
// full-state sync and the current presence records, and its arrival is
// announced to the other participants. Attaching during Draining cancels
// the drain.
func (s *DocumentSession) Attach(conn *Conn) error {
	reply := make(chan error, 1)
	if err := s.submit(cmd{kind: cmdAttach, conn: conn, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// Detach removes a connection. Safe to call more than once; the departure
// clears the participant's presence for everyone else.
func (s *DocumentSession) Detach(connectionID string) {
	_ = s.submit(cmd{kind: cmdDetach, connID: connectionID})
}

// SubmitDelta routes one binary content delta from a connection into the
// merge loop.
func (s *DocumentSession) SubmitDelta(connectionID string, payload []byte) {
	_ = s.submit(cmd{kind: cmdDelta, connID: connectionID, payload: payload})
}

// SubmitPresence routes a presence update from a connection.
func (s *DocumentSession) SubmitPresence(connectionID string, payload []byte) {
	_ = s.submit(cmd{kind: cmdPresence, connID: connectionID, payload: payload})
}

// RequestFullSync asks for a fresh full-state frame on that connection.
func (s *DocumentSession) RequestFullSync(connectionID string) {
	_ = s.submit(cmd{kind: cmdFullSync, connID: connectionID})
}

// Heartbeat marks a connection as alive.
func (s *DocumentSession) Heartbeat(connectionID string) {
	_ = s.submit(cmd{kind: cmdHeartbeat, connID: connectionID})
}

// Flush forces a snapshot store and waits for its outcome. Used by the
// manual-save endpoint.
func (s *DocumentSession) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.submit(cmd{kind: cmdFlush, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Content returns the current visible text of the merged replica, read
// through the merge loop so it never observes a half-applied delta.
func (s *DocumentSession) Content(ctx context.Context) (string, error) {
	reply := make(chan string, 1)
	if err := s.submit(cmd{kind: cmdContent, replyText: reply}); err != nil {
		return "", err
	}
	select {
	case text := <-reply:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", ErrSessionClosed
	}
}

// Close drains the session: a final snapshot flush if there are unflushed
// edits, then eviction. Used on process shutdown.
func (s *DocumentSession) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.submit(cmd{kind: cmdShutdown, reply: reply}); err != nil {
		return nil // already closed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session loop has exited.
func (s *DocumentSession) Done() <-chan struct{} { return s.done }

// run is the session's only goroutine. It hydrates the replica, then serves
// commands until the session drains or is shut down.
func (s *DocumentSession) run() {
	defer close(s.done)

	s.load()
	s.setState(StateActive)

	// If the first attach never arrives, the idle timer reaps the session.
	s.idleTimer = time.NewTimer(s.opts.IdleGrace)

	snapTicker := time.NewTicker(s.opts.SnapshotInterval)
	defer snapTicker.Stop()

	// Sweep often enough for the tighter of the two liveness deadlines.
	sweepEvery := s.opts.PresenceTimeout
	if s.opts.HeartbeatTimeout < sweepEvery {
		sweepEvery = s.opts.HeartbeatTimeout
	}
	sweepEvery /= 3
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case c := <-s.cmds:
			s.handle(c)

		case <-snapTicker.C:
			if s.dirty && !s.flushing {
				s.startFlush()
			}

		case <-sweepTicker.C:
			s.sweep(time.Now())

		case <-s.idleChan():
			s.beginDrain()
		}

		if s.State() == StateClosed {
			return
		}
	}
}

// load hydrates the replica from the latest snapshot. Not-found starts
// empty; a storage outage also starts empty and is logged, so editing is
// never blocked by the persistence layer.
func (s *DocumentSession) load() {
	replica := uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()

	snap, err := s.store.LoadLatest(ctx, s.id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.doc = crdt.New(replica)
	case err != nil:
		log.Printf("⚠️  Document %s: snapshot load failed, starting empty: %v", s.id, err)
		s.doc = crdt.New(replica)
	default:
		doc, derr := crdt.DecodeState(replica, snap.Payload)
		if derr != nil {
			log.Printf("⚠️  Document %s: snapshot %d corrupt, starting empty: %v", s.id, snap.Seq, derr)
			s.doc = crdt.New(replica)
			return
		}
		s.doc = doc
		log.Printf("Document %s hydrated from snapshot seq %d", s.id, snap.Seq)
	}
}

func (s *DocumentSession) handle(c cmd) {
	switch c.kind {
	case cmdAttach:
		c.reply <- s.handleAttach(c.conn)
	case cmdDetach:
		s.handleDetach(c.connID)
	case cmdDelta:
		s.handleDelta(c.connID, c.payload)
	case cmdPresence:
		s.handlePresence(c.connID, c.payload)
	case cmdFullSync:
		s.sendFullSync(c.connID)
	case cmdHeartbeat:
		s.touch(c.connID, time.Now())
	case cmdFlush:
		if !s.dirty && !s.flushing {
			// Nothing unflushed; the stored snapshot is already current.
			c.reply <- nil
			return
		}
		s.flushWaiters = append(s.flushWaiters, c.reply)
		if !s.flushing {
			s.startFlush()
		}
	case cmdFlushDone:
		s.handleFlushDone(c.epoch, c.err)
	case cmdShutdown:
		s.handleShutdown(c.reply)
	case cmdContent:
		c.replyText <- s.doc.Text()
	}
}

func (s *DocumentSession) handleAttach(conn *Conn) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if s.State() == StateDraining {
		s.setState(StateActive)
		log.Printf("Document %s: attach during drain, back to active", s.id)
	}
	s.stopIdleTimer()

	conn.session = s
	s.conns[conn.Info.ID] = conn

	if err := s.pushFullSync(conn); err != nil {
		delete(s.conns, conn.Info.ID)
		return err
	}

	// Seed the newcomer with everyone else's presence.
	for _, rec := range s.presence.snapshot() {
		if frame, err := models.FrameJSON(models.KindPresenceUpdate, rec); err == nil {
			conn.trySend(frame)
		}
	}

	// Announce the newcomer.
	rec := models.Presence{
		ConnectionID: conn.Info.ID,
		UserID:       conn.Info.UserID,
		UserName:     conn.Info.UserName,
		Color:        conn.Info.Color,
	}
	s.presence.set(rec, time.Now())
	if frame, err := models.FrameJSON(models.KindPresenceUpdate, rec); err == nil {
		s.broadcast(frame, conn.Info.ID)
	}

	log.Printf("Connection %s (%s) joined document %s (total: %d)",
		conn.Info.ID, conn.Info.UserName, s.id, len(s.conns))
	return nil
}

func (s *DocumentSession) handleDetach(connectionID string) {
	conn, ok := s.conns[connectionID]
	if !ok {
		return
	}
	delete(s.conns, connectionID)
	close(conn.send)

	if s.presence.clear(connectionID) {
		if frame, err := models.FrameJSON(models.KindPresenceClear, models.PresenceClear{ConnectionID: connectionID}); err == nil {
			s.broadcast(frame, "")
		}
	}

	log.Printf("Connection %s left document %s (remaining: %d)",
		connectionID, s.id, len(s.conns))

	if len(s.conns) == 0 && s.State() == StateActive {
		s.startIdleTimer()
	}
}

// handleDelta decodes and merges one content delta, then rebroadcasts every
// delta that took effect, in merge order, to every connection except the
// sender. A bad delta is reported to its sender only; the session and the
// other connections are untouched.
func (s *DocumentSession) handleDelta(connectionID string, payload []byte) {
	s.touch(connectionID, time.Now())

	delta, err := crdt.DecodeDelta(payload)
	if err != nil {
		s.sendError(connectionID, "delta rejected: malformed payload; request a full sync")
		return
	}

	applied, err := s.doc.Merge(delta)
	if err != nil {
		s.sendError(connectionID, fmt.Sprintf("delta rejected: %v; request a full sync", err))
		return
	}

	if len(applied) == 0 {
		// Duplicate or buffered awaiting its causal predecessor.
		return
	}

	s.dirty = true
	s.mergeSeq++

	for _, eff := range applied {
		frame, encErr := crdt.EncodeDelta(eff)
		if encErr != nil {
			log.Printf("⚠️  Document %s: failed to re-encode applied delta: %v", s.id, encErr)
			continue
		}
		s.broadcast(models.Frame(models.KindContentDelta, frame), connectionID)
	}
}

func (s *DocumentSession) handlePresence(connectionID string, payload []byte) {
	now := time.Now()
	s.touch(connectionID, now)

	conn, ok := s.conns[connectionID]
	if !ok {
		return
	}

	var rec models.Presence
	if err := json.Unmarshal(payload, &rec); err != nil {
		// Presence is best-effort; a corrupt update is dropped without
		// touching document state.
		return
	}
	// Identity fields are authoritative on the server side.
	rec.ConnectionID = connectionID
	rec.UserID = conn.Info.UserID
	rec.UserName = conn.Info.UserName
	rec.Color = conn.Info.Color

	s.presence.set(rec, now)
	if frame, err := models.FrameJSON(models.KindPresenceUpdate, rec); err == nil {
		s.broadcast(frame, connectionID)
	}
}

func (s *DocumentSession) sendFullSync(connectionID string) {
	conn, ok := s.conns[connectionID]
	if !ok {
		return
	}
	if err := s.pushFullSync(conn); err != nil {
		log.Printf("⚠️  Document %s: full sync to %s failed: %v", s.id, connectionID, err)
	}
}

func (s *DocumentSession) pushFullSync(conn *Conn) error {
	state, err := s.doc.EncodeState()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if !conn.trySend(models.Frame(models.KindFullSyncResponse, state)) {
		return fmt.Errorf("connection %s send buffer full", conn.Info.ID)
	}
	return nil
}

func (s *DocumentSession) sendError(connectionID, msg string) {
	conn, ok := s.conns[connectionID]
	if !ok {
		return
	}
	if frame, err := models.FrameJSON(models.KindError, models.ErrorPayload{Message: msg}); err == nil {
		conn.trySend(frame)
	}
}

// broadcast queues a frame on every connection except skipID. A connection
// whose buffer is full is slow or dead and gets detached.
func (s *DocumentSession) broadcast(frame []byte, skipID string) {
	var drop []string
	for id, conn := range s.conns {
		if id == skipID {
			continue
		}
		if !conn.trySend(frame) {
			log.Printf("⚠️  Connection %s buffer full, dropping it", id)
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		s.handleDetach(id)
	}
}

func (s *DocumentSession) touch(connectionID string, now time.Time) {
	if conn, ok := s.conns[connectionID]; ok {
		conn.Info.LastActiveAt = now
	}
	s.presence.touch(connectionID, now)
}

// sweep expires stale presence records and detaches connections that
// stopped heartbeating.
func (s *DocumentSession) sweep(now time.Time) {
	for _, id := range s.presence.expire(now, s.opts.PresenceTimeout) {
		if frame, err := models.FrameJSON(models.KindPresenceClear, models.PresenceClear{ConnectionID: id}); err == nil {
			s.broadcast(frame, "")
		}
	}

	var stale []string
	for id, conn := range s.conns {
		if now.Sub(conn.Info.LastActiveAt) > s.opts.HeartbeatTimeout {
			stale = append(stale, id)
			if conn.ws != nil {
				conn.ws.Close()
			}
		}
	}
	for _, id := range stale {
		log.Printf("Connection %s on document %s missed heartbeats, detaching", id, s.id)
		s.handleDetach(id)
	}
}

// startFlush takes a consistent point-in-time copy of the state (encoded
// inside the merge loop, so it never observes a half-applied merge) and
// stores it asynchronously with exponential backoff. Live editing continues
// while the flush is in flight; the outcome is settled in handleFlushDone.
func (s *DocumentSession) startFlush() {
	payload, err := s.doc.EncodeState()
	if err != nil {
		log.Printf("⚠️  Document %s: failed to encode snapshot: %v", s.id, err)
		s.finishWaiters(err)
		if s.shutdown != nil {
			s.shutdown <- err
			s.shutdown = nil
			s.closeNow()
		} else if s.State() == StateDraining {
			s.setState(StateActive)
			s.startIdleTimer()
		}
		return
	}

	epoch := s.mergeSeq
	s.flushing = true

	go func() {
		attempt := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
			defer cancel()
			_, err := s.store.Store(ctx, s.id, payload, s.opts.WriterID)
			return err
		}
		b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.opts.StoreRetryMax)
		err := backoff.Retry(attempt, b)

		select {
		case s.cmds <- cmd{kind: cmdFlushDone, epoch: epoch, err: err}:
		case <-s.done:
		}
	}()
}

// handleFlushDone settles one completed flush. A successful flush only clears
// dirty when its epoch still matches mergeSeq; edits merged while it was in
// flight stay unflushed, and a drain, shutdown, or waiting manual save
// triggers a follow-up flush covering them rather than dropping them.
func (s *DocumentSession) handleFlushDone(epoch uint64, err error) {
	s.flushing = false

	if err != nil {
		log.Printf("⚠️  Document %s: snapshot store failed after retries: %v (in-memory state remains authoritative)", s.id, err)
		s.finishWaiters(err)
	} else if epoch == s.mergeSeq {
		s.dirty = false
		s.finishWaiters(nil)
	}

	drainPending := s.State() == StateDraining && len(s.conns) == 0
	if err == nil && s.dirty &&
		(len(s.flushWaiters) > 0 || s.shutdown != nil || drainPending) {
		s.startFlush()
		return
	}

	switch {
	case s.shutdown != nil:
		s.shutdown <- err
		s.shutdown = nil
		s.closeNow()
	case s.State() == StateDraining:
		if len(s.conns) > 0 {
			// Re-attached while the final flush was in flight; already
			// back to Active via handleAttach.
			return
		}
		if err != nil {
			// Keep the state resident rather than dropping unflushed
			// edits; another drain attempt follows the next grace period.
			s.setState(StateActive)
			s.startIdleTimer()
			return
		}
		s.closeNow()
	}
}

// finishWaiters resolves every pending manual-save caller with the flush
// outcome. Reply channels are buffered, so this never blocks the loop.
func (s *DocumentSession) finishWaiters(err error) {
	for _, w := range s.flushWaiters {
		w <- err
	}
	s.flushWaiters = nil
}

// beginDrain runs when the idle grace period expires with no connections:
// flush the final snapshot, then close.
func (s *DocumentSession) beginDrain() {
	if len(s.conns) > 0 || s.State() != StateActive {
		return
	}
	s.setState(StateDraining)
	log.Printf("Document %s idle, draining", s.id)

	if !s.dirty {
		if s.flushing {
			return // closeNow follows the in-flight flush
		}
		s.closeNow()
		return
	}
	if !s.flushing {
		s.startFlush()
	}
}

func (s *DocumentSession) handleShutdown(reply chan error) {
	if s.State() == StateClosed {
		reply <- nil
		return
	}
	if s.dirty && !s.flushing {
		s.shutdown = reply
		s.startFlush()
		return
	}
	if s.flushing {
		s.shutdown = reply
		return
	}
	reply <- nil
	s.closeNow()
}

// closeNow transitions to Closed, releases the remaining connections, and
// evicts the session from the registry. The run loop exits right after.
func (s *DocumentSession) closeNow() {
	s.setState(StateClosed)
	s.finishWaiters(ErrSessionClosed)
	for id, conn := range s.conns {
		close(conn.send)
		if conn.ws != nil {
			conn.ws.Close()
		}
		delete(s.conns, id)
	}
	s.stopIdleTimer()
	if s.registry != nil {
		s.registry.evict(s.id, s)
	}
	log.Printf("Document %s session closed", s.id)
}

func (s *DocumentSession) startIdleTimer() {
	s.stopIdleTimer()
	s.idleTimer = time.NewTimer(s.opts.IdleGrace)
}

func (s *DocumentSession) stopIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *DocumentSession) idleChan() <-chan time.Time {
	if s.idleTimer == nil {
		return nil
	}
	return s.idleTimer.C
}
