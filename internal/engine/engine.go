package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/thekeeper/internal/event"
	"github.com/roach88/thekeeper/internal/keys"
	"github.com/roach88/thekeeper/internal/projection"
	"github.com/roach88/thekeeper/internal/replica"
)

// Log is the remote event log. Implemented by logclient.Client.
type Log interface {
	Pull(ctx context.Context, cursor int64) ([]event.Envelope, error)
	Append(ctx context.Context, events []event.Event) ([]event.Ack, error)
	CreateShareCode(ctx context.Context, handle string) (string, error)
	Redeem(ctx context.Context, code string) error
}

// ReplicaStore persists the replica. Implemented by replica.Store.
type ReplicaStore interface {
	Load(ctx context.Context) (replica.Replica, bool, error)
	Save(ctx context.Context, r replica.Replica) error
}

// State is the replica lifecycle state.
type State int

const (
	// StateUninitialized means no full sync has completed for this replica.
	StateUninitialized State = iota

	// StateSynced means the projection matches the log up to the cursor.
	StateSynced

	// StateResetting means a full resync is in progress. Reset envelopes
	// seen in this state are no-ops.
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSynced:
		return "synced"
	case StateResetting:
		return "resetting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Engine keeps one replica in step with the log.
//
// Thread-safety model: operations are single-flight. A call made while
// another one is in flight fails immediately with an ErrCodeBusy
// RuntimeError instead of queueing; hosts serialize calls themselves.
// Replica() and State() may be called at any time.
//
// INVARIANTS:
//   - The projection only ever changes through a pull; Submit never
//     touches it.
//   - The replica is persisted only after a pull was folded completely,
//     and cursor and projection are saved together.
//   - The cursor never decreases except through a full resync.
type Engine struct {
	mu sync.Mutex // held for the duration of an operation

	log     Log
	store   ReplicaStore
	handles keys.HandleGenerator
	logger  *slog.Logger

	snap    sync.RWMutex // guards replica and state for readers
	replica replica.Replica
	state   State
	opened  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithHandleGenerator sets the generator Bootstrap uses for new handles.
func WithHandleGenerator(g keys.HandleGenerator) Option {
	return func(e *Engine) { e.handles = g }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine. Call Open before any other operation.
func New(log Log, store ReplicaStore, opts ...Option) *Engine {
	e := &Engine{
		log:     log,
		store:   store,
		handles: keys.RandomHandles{},
		logger:  slog.Default(),
		replica: replica.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open loads the persisted replica. Without one the engine starts
// Uninitialized and the first sync is a full one.
func (e *Engine) Open(ctx context.Context) error {
	if !e.mu.TryLock() {
		return newBusyError("open")
	}
	defer e.mu.Unlock()

	r, ok, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	state := StateUninitialized
	if ok {
		state = StateSynced
	}
	e.set(r, state)
	e.opened = true

	e.logger.Debug("replica opened", "state", state, "cursor", r.Cursor, "handle", r.Handle)
	return nil
}

// Replica returns a copy of the current replica.
func (e *Engine) Replica() replica.Replica {
	e.snap.RLock()
	defer e.snap.RUnlock()
	return e.replica.Clone()
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.snap.RLock()
	defer e.snap.RUnlock()
	return e.state
}

// SyncIncremental pulls the envelopes after the cursor and folds them.
// With zero new envelopes nothing is written. An Uninitialized replica
// gets a full sync instead, and a Reset envelope aborts the incremental
// fold in favour of a full resync.
func (e *Engine) SyncIncremental(ctx context.Context) (replica.Replica, error) {
	unlock, err := e.acquire("sync")
	if err != nil {
		return replica.Replica{}, err
	}
	defer unlock()

	return e.sync(ctx)
}

// SyncFull discards the projection and replays the whole log.
func (e *Engine) SyncFull(ctx context.Context) (replica.Replica, error) {
	unlock, err := e.acquire("sync-full")
	if err != nil {
		return replica.Replica{}, err
	}
	defer unlock()

	return e.syncFull(ctx)
}

// Submit appends events to the log. If the service refuses any of them
// the first refusal is returned as a *SubmitError. The projection is
// never updated here: follow with SyncIncremental to observe the result.
func (e *Engine) Submit(ctx context.Context, events []event.Event) error {
	unlock, err := e.acquire("submit")
	if err != nil {
		return err
	}
	defer unlock()

	return e.submit(ctx, events)
}

// SubmitAndSync submits events and, if all were accepted, syncs.
func (e *Engine) SubmitAndSync(ctx context.Context, events []event.Event) (replica.Replica, error) {
	unlock, err := e.acquire("submit")
	if err != nil {
		return replica.Replica{}, err
	}
	defer unlock()

	if err := e.submit(ctx, events); err != nil {
		return e.Replica(), err
	}
	return e.sync(ctx)
}

// Bootstrap gives a fresh replica its identity on the log: it mints a
// handle, seeds it with a SeedActor event and then runs a full sync. A
// replica that already has a handle only syncs, and so does one whose
// key already seeded a handle the replica lost.
func (e *Engine) Bootstrap(ctx context.Context) (replica.Replica, error) {
	unlock, err := e.acquire("bootstrap")
	if err != nil {
		return replica.Replica{}, err
	}
	defer unlock()

	current := e.Replica()
	if current.Handle == "" && current.Projection.Handle != "" {
		current.Handle = current.Projection.Handle
	}
	if current.Handle != "" {
		return e.syncFull(ctx)
	}

	// The SeedActor of this key is only visible to it.
	current, err = e.syncFull(ctx)
	if err != nil {
		return current, fmt.Errorf("bootstrap: %w", err)
	}
	if current.Handle != "" {
		e.logger.Info("recovered handle from the log", "handle", current.Handle)
		return current, nil
	}

	handle, err := e.handles.Generate()
	if err != nil {
		return current, fmt.Errorf("bootstrap: %w", err)
	}
	if err := e.submit(ctx, []event.Event{event.New(event.SeedActor{Handle: handle})}); err != nil {
		return current, fmt.Errorf("bootstrap: %w", err)
	}
	current.Handle = handle
	if err := e.store.Save(ctx, current); err != nil {
		return e.Replica(), fmt.Errorf("bootstrap: %w", err)
	}
	e.set(current, e.State())
	e.logger.Info("seeded handle", "handle", handle)

	return e.syncFull(ctx)
}

// Share asks the log service for a code that links another device to the
// actor owning handle.
func (e *Engine) Share(ctx context.Context, handle string) (string, error) {
	unlock, err := e.acquire("share")
	if err != nil {
		return "", err
	}
	defer unlock()

	code, err := e.log.CreateShareCode(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("share: %w", err)
	}
	return code, nil
}

// Redeem links this replica's key to the actor a share code was issued
// for, then resyncs from scratch since the key now reads another log.
// Redeeming the code that was last redeemed is a no-op.
func (e *Engine) Redeem(ctx context.Context, code string) (replica.Replica, error) {
	unlock, err := e.acquire("redeem")
	if err != nil {
		return replica.Replica{}, err
	}
	defer unlock()

	current := e.Replica()
	if code != "" && code == current.LastRedeemedCode {
		e.logger.Info("code already redeemed", "code", code)
		return current, nil
	}

	if err := e.log.Redeem(ctx, code); err != nil {
		return current, fmt.Errorf("redeem: %w", err)
	}

	current.LastRedeemedCode = code
	current.Handle = ""
	if err := e.store.Save(ctx, current); err != nil {
		return e.Replica(), fmt.Errorf("redeem: %w", err)
	}
	e.set(current, e.State())

	return e.syncFull(ctx)
}

// VerifyReport compares the local projection with a fresh replay of the
// log up to the local cursor.
type VerifyReport struct {
	Cursor   int64
	Local    string
	Replayed string
}

// Match reports whether the fingerprints agree.
func (r VerifyReport) Match() bool {
	return r.Local == r.Replayed
}

// Verify replays the log prefix up to the cursor without touching the
// replica and fingerprints both projections.
func (e *Engine) Verify(ctx context.Context) (VerifyReport, error) {
	unlock, err := e.acquire("verify")
	if err != nil {
		return VerifyReport{}, err
	}
	defer unlock()

	current := e.Replica()
	envs, err := e.log.Pull(ctx, event.NoCursor)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("verify: %w", err)
	}

	prefix := envs
	for i, env := range envs {
		if env.TS > current.Cursor {
			prefix = envs[:i]
			break
		}
	}
	replayed, _, _ := projection.Fold(projection.New(), prefix)

	report := VerifyReport{Cursor: current.Cursor}
	if report.Local, err = projection.Fingerprint(current.Projection); err != nil {
		return VerifyReport{}, fmt.Errorf("verify: %w", err)
	}
	if report.Replayed, err = projection.Fingerprint(replayed); err != nil {
		return VerifyReport{}, fmt.Errorf("verify: %w", err)
	}
	return report, nil
}

// acquire takes the operation lock without waiting.
func (e *Engine) acquire(op string) (func(), error) {
	if !e.mu.TryLock() {
		return nil, newBusyError(op)
	}
	if !e.opened {
		e.mu.Unlock()
		return nil, newNotOpenError(op)
	}
	return e.mu.Unlock, nil
}

// set publishes a new replica and state to readers.
func (e *Engine) set(r replica.Replica, s State) {
	e.snap.Lock()
	defer e.snap.Unlock()
	e.replica = r
	e.state = s
}

func (e *Engine) setState(s State) {
	e.snap.Lock()
	defer e.snap.Unlock()
	e.state = s
}

// sync runs an incremental sync, or a full one when the replica has never
// completed a full sync.
func (e *Engine) sync(ctx context.Context) (replica.Replica, error) {
	if e.State() == StateUninitialized {
		return e.syncFull(ctx)
	}
	return e.syncIncremental(ctx)
}

func (e *Engine) syncIncremental(ctx context.Context) (replica.Replica, error) {
	current := e.Replica()

	envs, err := e.log.Pull(ctx, current.Cursor)
	if err != nil {
		return current, wrapPullError("sync", current.Cursor, err)
	}
	if len(envs) == 0 {
		return current, nil
	}
	if err := checkAfter("sync", current.Cursor, envs); err != nil {
		return current, err
	}

	for _, env := range envs {
		if env.Event.Kind() == event.KindReset {
			e.logger.Info("reset observed, resyncing from scratch", "ts", env.TS)
			return e.syncFull(ctx)
		}
	}

	e.logIgnored(envs)
	next := current
	next.Projection, next.Cursor, _ = projection.Fold(current.Projection, envs)
	e.adoptHandle(&next)

	if err := e.store.Save(ctx, next); err != nil {
		return current, fmt.Errorf("sync: %w", err)
	}
	e.set(next, StateSynced)

	e.logger.Debug("incremental sync", "applied", len(envs), "cursor", next.Cursor)
	return next.Clone(), nil
}

func (e *Engine) syncFull(ctx context.Context) (replica.Replica, error) {
	current := e.Replica()
	previous := e.State()
	e.setState(StateResetting)

	envs, err := e.log.Pull(ctx, event.NoCursor)
	if err != nil {
		e.setState(previous)
		return current, wrapPullError("sync-full", event.NoCursor, err)
	}
	if err := checkAfter("sync-full", event.NoCursor, envs); err != nil {
		e.setState(previous)
		return current, err
	}

	e.logIgnored(envs)
	next := current
	var resets int
	next.Projection, next.Cursor, resets = projection.Fold(projection.New(), envs)
	if resets > 0 {
		e.logger.Debug("reset envelopes ignored during full sync", "count", resets)
	}
	e.adoptHandle(&next)

	if err := e.store.Save(ctx, next); err != nil {
		e.setState(previous)
		return current, fmt.Errorf("sync-full: %w", err)
	}
	e.set(next, StateSynced)

	e.logger.Debug("full sync", "applied", len(envs), "cursor", next.Cursor)
	return next.Clone(), nil
}

func (e *Engine) submit(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return &RuntimeError{Code: ErrCodeInvalidEvent, Message: "no events to submit", Op: "submit"}
	}
	for i, ev := range events {
		if err := event.Validate(ev); err != nil {
			return &RuntimeError{
				Code:    ErrCodeInvalidEvent,
				Message: fmt.Sprintf("event %d: %v", i, err),
				Op:      "submit",
				Err:     err,
			}
		}
	}

	acks, err := e.log.Append(ctx, events)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if len(acks) != len(events) {
		return newAckMismatchError(len(events), len(acks))
	}
	for i, ack := range acks {
		if ack.Rejected() {
			e.logger.Warn("event rejected", "index", i, "kind", events[i].Kind(), "error", ack.Error)
			return &SubmitError{Index: i, Kind: events[i].Kind(), Detail: ack.Error}
		}
	}

	e.logger.Debug("submitted events", "count", len(events))
	return nil
}

// adoptHandle copies the handle seen in the log onto the replica.
// logIgnored reports the envelopes the reducer will skip because this
// build does not know their kind.
func (e *Engine) logIgnored(envs []event.Envelope) {
	for _, env := range envs {
		if !env.Event.Known() {
			e.logger.Debug("ignoring unknown event kind", "kind", env.Event.Kind(), "ts", env.TS)
		}
	}
}

func (e *Engine) adoptHandle(r *replica.Replica) {
	if r.Projection.Handle != "" {
		r.Handle = r.Projection.Handle
	}
}

func checkAfter(op string, cursor int64, envs []event.Envelope) error {
	last := cursor
	for _, env := range envs {
		if env.TS <= last {
			return newCursorError(op, last, env.TS, nil)
		}
		last = env.TS
	}
	return nil
}

func wrapPullError(op string, cursor int64, err error) error {
	if errors.Is(err, event.ErrOutOfOrder) {
		return newCursorError(op, cursor, cursor, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
