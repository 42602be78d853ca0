package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/thekeeper/internal/event"
	"github.com/roach88/thekeeper/internal/projection"
	"github.com/roach88/thekeeper/internal/replica"
	"github.com/roach88/thekeeper/internal/testutil"
)

// fakeLog is an in-memory log service that stamps ts 1, 2, 3...
type fakeLog struct {
	mu      sync.Mutex
	envs    []event.Envelope
	clock   *testutil.DeterministicClock
	reject  func(e event.Event) string
	pullErr error
	override []event.Envelope

	pulls   []int64
	appends int
	redeems []string

	entered chan struct{} // signalled when Pull starts, if set
	release chan struct{} // Pull waits for it, if set
}

func newFakeLog() *fakeLog {
	return &fakeLog{clock: testutil.NewDeterministicClock()}
}

func (l *fakeLog) Pull(ctx context.Context, cursor int64) ([]event.Envelope, error) {
	if l.entered != nil {
		l.entered <- struct{}{}
	}
	if l.release != nil {
		<-l.release
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pulls = append(l.pulls, cursor)
	if l.pullErr != nil {
		return nil, l.pullErr
	}
	if l.override != nil {
		return l.override, nil
	}
	var out []event.Envelope
	for _, env := range l.envs {
		if env.TS > cursor {
			out = append(out, env)
		}
	}
	return out, nil
}

func (l *fakeLog) Append(ctx context.Context, events []event.Event) ([]event.Ack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appends++
	acks := make([]event.Ack, len(events))
	for i, e := range events {
		if l.reject != nil {
			if msg := l.reject(e); msg != "" {
				acks[i] = event.Ack{Error: msg}
				continue
			}
		}
		ts := l.clock.Next()
		l.envs = append(l.envs, event.Envelope{Event: e, TS: ts})
		acks[i] = event.Ack{TS: ts}
	}
	return acks, nil
}

func (l *fakeLog) CreateShareCode(ctx context.Context, handle string) (string, error) {
	return "code-for-" + handle, nil
}

func (l *fakeLog) Redeem(ctx context.Context, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redeems = append(l.redeems, code)
	return nil
}

// seed appends envelopes directly, bypassing Append.
func (l *fakeLog) seed(payloads ...event.Payload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range payloads {
		l.envs = append(l.envs, event.Envelope{Event: event.New(p), TS: l.clock.Next()})
	}
}

func (l *fakeLog) fullPulls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.pulls {
		if c == event.NoCursor {
			n++
		}
	}
	return n
}

// memStore is an in-memory ReplicaStore.
type memStore struct {
	mu      sync.Mutex
	r       *replica.Replica
	saves   int
	saveErr error
}

func (s *memStore) Load(ctx context.Context) (replica.Replica, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r == nil {
		return replica.New(), false, nil
	}
	return s.r.Clone(), true, nil
}

func (s *memStore) Save(ctx context.Context, r replica.Replica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	c := r.Clone()
	s.r = &c
	return nil
}

func (s *memStore) persisted() (replica.Replica, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r == nil {
		return replica.Replica{}, false
	}
	return s.r.Clone(), true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openEngine(t *testing.T, log *fakeLog, store *memStore, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	e := New(log, store, opts...)
	require.NoError(t, e.Open(context.Background()))
	return e
}

func TestFreshInstallScenario(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	store := &memStore{}
	e := openEngine(t, log, store)

	assert.Equal(t, StateUninitialized, e.State())

	// Full sync against an empty log leaves the replica empty.
	r, err := e.SyncIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.NoCursor, r.Cursor)
	assert.True(t, r.Projection.Empty())
	assert.Equal(t, StateSynced, e.State())
	assert.Equal(t, []int64{event.NoCursor}, log.pulls)

	// Submitting does not touch the projection.
	require.NoError(t, e.Submit(ctx, []event.Event{event.New(event.SeedActor{Handle: "H1"})}))
	assert.True(t, e.Replica().Projection.Empty())

	// The next pull observes the server-confirmed event.
	r, err = e.SyncIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Cursor)
	assert.Equal(t, "H1", r.Projection.Handle)
	assert.Equal(t, "H1", r.Handle)

	persisted, ok := store.persisted()
	require.True(t, ok)
	assert.Equal(t, r, persisted)
}

func TestSubmitFailFast(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(event.SeedActor{Handle: "H1"})
	log.reject = func(e event.Event) string {
		if p, ok := e.Payload.(event.PlayerPerson); ok && p.PlayerID == "missing" {
			return "player missing does not exist"
		}
		return ""
	}
	store := &memStore{}
	e := openEngine(t, log, store)

	before, err := e.SyncFull(ctx)
	require.NoError(t, err)
	savesBefore := store.saves

	err = e.Submit(ctx, []event.Event{
		event.New(event.SeedPlayer{Handle: "H1", PlayerID: "P1"}),
		event.New(event.PlayerPerson{PlayerID: "missing"}),
		event.New(event.PlayerPerson{PlayerID: "P1", Name: "Ada"}),
	})

	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, event.KindPlayerPerson, se.Kind)
	assert.Contains(t, se.Detail, "does not exist")
	assert.True(t, IsRejectedError(err))

	assert.Equal(t, before, e.Replica(), "projection must not change on a failed submit")
	assert.Equal(t, savesBefore, store.saves)
}

func TestSubmitValidatesLocally(t *testing.T) {
	log := newFakeLog()
	e := openEngine(t, log, &memStore{})

	err := e.Submit(context.Background(), []event.Event{event.New(event.SeedPlayer{Handle: "H1"})})
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeInvalidEvent, re.Code)
	assert.ErrorIs(t, err, event.ErrInvalid)
	assert.Zero(t, log.appends, "invalid events are never sent")

	err = e.Submit(context.Background(), nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeInvalidEvent, re.Code)
}

// shortAckLog acknowledges one event fewer than it was sent.
type shortAckLog struct{ *fakeLog }

func (l shortAckLog) Append(ctx context.Context, events []event.Event) ([]event.Ack, error) {
	acks, err := l.fakeLog.Append(ctx, events)
	return acks[:len(acks)-1], err
}

func TestSubmitAckMismatch(t *testing.T) {
	e := New(shortAckLog{newFakeLog()}, &memStore{}, WithLogger(quietLogger()))
	require.NoError(t, e.Open(context.Background()))

	err := e.Submit(context.Background(), []event.Event{event.New(event.Reset{})})
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeAckMismatch, re.Code)
}

func TestSyncIncrementalNoEventsNoWrite(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(event.SeedActor{Handle: "H1"})
	store := &memStore{}
	e := openEngine(t, log, store)

	first, err := e.SyncIncremental(ctx)
	require.NoError(t, err)
	saves := store.saves

	second, err := e.SyncIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, saves, store.saves)
	assert.Equal(t, []int64{event.NoCursor, 1}, log.pulls)
}

func TestSyncIncrementalCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(
		event.SeedActor{Handle: "H1"},
		event.SeedPlayer{Handle: "H1", PlayerID: "P1"},
	)
	store := &memStore{}
	e := openEngine(t, log, store)

	r, err := e.SyncIncremental(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), r.Cursor)

	log.seed(event.PlayerPerson{PlayerID: "P1", Name: "Ada"})
	r, err = e.SyncIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Cursor)

	// A service that hands back an already applied envelope is refused.
	log.override = []event.Envelope{{Event: event.New(event.PlayerPerson{PlayerID: "P1", Name: "Old"}), TS: 2}}
	_, err = e.SyncIncremental(ctx)
	require.Error(t, err)
	assert.True(t, IsCursorError(err))

	assert.Equal(t, int64(3), e.Replica().Cursor)
	assert.Equal(t, "Ada", e.Replica().Projection.Players["P1"].Name)
	persisted, _ := store.persisted()
	assert.Equal(t, int64(3), persisted.Cursor)
}

func TestSyncIncrementalResetForcesOneFullResync(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(
		event.SeedActor{Handle: "H1"},
		event.SeedPlayer{Handle: "H1", PlayerID: "P1"},
	)
	e := openEngine(t, log, &memStore{})

	_, err := e.SyncIncremental(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, log.fullPulls())

	// Two Resets in one batch still trigger a single full resync.
	log.seed(
		event.Reset{},
		event.PlayerPerson{PlayerID: "P1", Name: "Ada"},
		event.Reset{},
	)
	r, err := e.SyncIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, log.fullPulls())
	assert.Equal(t, int64(5), r.Cursor)
	assert.Equal(t, "Ada", r.Projection.Players["P1"].Name)
	assert.Equal(t, StateSynced, e.State())

	// The Resets are behind the cursor now and do not fire again.
	_, err = e.SyncIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, log.fullPulls())
}

func TestSyncFullMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	e := openEngine(t, log, &memStore{})
	_, err := e.SyncFull(ctx)
	require.NoError(t, err)

	batches := [][]event.Payload{
		{event.SeedActor{Handle: "H1"}},
		{event.SeedPlayer{Handle: "H1", PlayerID: "P1"}, event.PlayerPerson{PlayerID: "P1", Name: "Ada"}},
		{event.PlayerCharacter{CharacterID: "C1", PlayerID: "P1", Name: "Morwen"}},
		{event.Unknown{Name: "Future:X"}},
	}
	for _, batch := range batches {
		log.seed(batch...)
		_, err := e.SyncIncremental(ctx)
		require.NoError(t, err)
	}
	incremental := e.Replica()

	full, err := e.SyncFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, incremental, full)
}

func TestSyncLogsUnknownKindsToInjectedLogger(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(event.SeedActor{Handle: "H1"}, event.Unknown{Name: "Future:X"})

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := openEngine(t, log, &memStore{}, WithLogger(logger))

	r, err := e.SyncIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Cursor)
	assert.Contains(t, buf.String(), "ignoring unknown event kind")
	assert.Contains(t, buf.String(), "kind=Future:X")

	buf.Reset()
	_, err = e.SyncFull(ctx)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "kind=Future:X")
}

func TestSyncPullErrorLeavesReplica(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(event.SeedActor{Handle: "H1"})
	store := &memStore{}
	e := openEngine(t, log, store)

	before, err := e.SyncIncremental(ctx)
	require.NoError(t, err)

	log.seed(event.SeedPlayer{Handle: "H1", PlayerID: "P1"})
	log.pullErr = errors.New("network unreachable")

	_, err = e.SyncIncremental(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network unreachable")

	_, err = e.SyncFull(ctx)
	require.Error(t, err)

	assert.Equal(t, before, e.Replica())
	assert.Equal(t, StateSynced, e.State())
	persisted, _ := store.persisted()
	assert.Equal(t, before, persisted)
}

func TestSyncSaveErrorLeavesReplica(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	store := &memStore{}
	e := openEngine(t, log, store)
	_, err := e.SyncFull(ctx)
	require.NoError(t, err)

	log.seed(event.SeedActor{Handle: "H1"})
	store.saveErr = errors.New("disk full")

	_, err = e.SyncIncremental(ctx)
	require.Error(t, err)
	assert.Equal(t, event.NoCursor, e.Replica().Cursor)
	assert.Empty(t, e.Replica().Projection.Handle)
}

func TestOpenPersistedReplica(t *testing.T) {
	p, cursor, _ := projection.Fold(projection.New(), []event.Envelope{
		{Event: event.New(event.SeedActor{Handle: "H1"}), TS: 1},
	})
	stored := replica.Replica{Cursor: cursor, Projection: p, Handle: "H1"}
	store := &memStore{r: &stored}
	log := newFakeLog()
	log.seed(event.SeedActor{Handle: "H1"})

	e := openEngine(t, log, store)
	assert.Equal(t, StateSynced, e.State())
	assert.Equal(t, stored, e.Replica())

	_, err := e.SyncIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, log.pulls, "a persisted replica syncs incrementally")
}

func TestNotOpen(t *testing.T) {
	e := New(newFakeLog(), &memStore{}, WithLogger(quietLogger()))

	_, err := e.SyncIncremental(context.Background())
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeNotOpen, re.Code)
}

func TestBusy(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	e := openEngine(t, log, &memStore{})

	log.entered = make(chan struct{}, 1)
	log.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := e.SyncIncremental(ctx)
		done <- err
	}()
	<-log.entered

	err := e.Submit(ctx, []event.Event{event.New(event.SeedActor{Handle: "H1"})})
	require.Error(t, err)
	assert.True(t, IsBusyError(err))
	assert.Zero(t, log.appends)

	_, err = e.SyncFull(ctx)
	assert.True(t, IsBusyError(err))

	close(log.release)
	require.NoError(t, <-done)
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	store := &memStore{}
	e := openEngine(t, log, store, WithHandleGenerator(testutil.NewFixedHandleGenerator("aB3dE5gH7jK9mN1p")))

	r, err := e.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, "aB3dE5gH7jK9mN1p", r.Handle)
	assert.Equal(t, "aB3dE5gH7jK9mN1p", r.Projection.Handle)
	assert.Equal(t, int64(1), r.Cursor)
	assert.Equal(t, 1, log.appends)

	// A replica with a handle does not seed again; the exhausted
	// generator would fail if it tried.
	_, err = e.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, log.appends)
}

func TestBootstrapRejected(t *testing.T) {
	log := newFakeLog()
	log.reject = func(event.Event) string { return "actor already has a handle" }
	store := &memStore{}
	e := openEngine(t, log, store, WithHandleGenerator(testutil.NewFixedHandleGenerator("H1")))

	_, err := e.Bootstrap(context.Background())
	require.Error(t, err)
	assert.True(t, IsRejectedError(err))
	assert.Empty(t, e.Replica().Handle)
	persisted, ok := store.persisted()
	require.True(t, ok)
	assert.Empty(t, persisted.Handle)
}

func TestBootstrapRecoversHandleAfterFailedSave(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	store := &memStore{}
	// The seed reaches the log but the replica cannot record it.
	log.reject = func(event.Event) string {
		store.saveErr = errors.New("disk full")
		return ""
	}
	e := openEngine(t, log, store, WithHandleGenerator(testutil.NewFixedHandleGenerator("H1")))

	_, err := e.Bootstrap(ctx)
	require.Error(t, err)
	assert.Empty(t, e.Replica().Handle)

	log.reject = nil
	store.saveErr = nil

	// The generator is exhausted: a second seed would fail.
	r, err := e.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, "H1", r.Handle)
	assert.Equal(t, int64(1), r.Cursor)
	assert.Equal(t, 1, log.appends)

	persisted, ok := store.persisted()
	require.True(t, ok)
	assert.Equal(t, "H1", persisted.Handle)
}

func TestBootstrapAdoptsSeededHandle(t *testing.T) {
	log := newFakeLog()
	log.seed(event.SeedActor{Handle: "H7"})
	e := openEngine(t, log, &memStore{}, WithHandleGenerator(testutil.NewFixedHandleGenerator()))

	r, err := e.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "H7", r.Handle)
	assert.Equal(t, 0, log.appends)
}

func TestRedeemIdempotent(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(event.SeedActor{Handle: "PLAYER"})
	e := openEngine(t, log, &memStore{})

	r, err := e.Redeem(ctx, "c0de")
	require.NoError(t, err)
	assert.Equal(t, "c0de", r.LastRedeemedCode)
	assert.Equal(t, "PLAYER", r.Handle)

	_, err = e.Redeem(ctx, "c0de")
	require.NoError(t, err)
	assert.Equal(t, []string{"c0de"}, log.redeems)
	assert.Equal(t, 1, log.fullPulls())
}

func TestShare(t *testing.T) {
	e := openEngine(t, newFakeLog(), &memStore{})
	code, err := e.Share(context.Background(), "H9")
	require.NoError(t, err)
	assert.Equal(t, "code-for-H9", code)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(
		event.SeedActor{Handle: "H1"},
		event.SeedPlayer{Handle: "H1", PlayerID: "P1"},
	)
	e := openEngine(t, log, &memStore{})

	_, err := e.SyncIncremental(ctx)
	require.NoError(t, err)

	// Events past the cursor are not part of the comparison.
	log.seed(event.PlayerPerson{PlayerID: "P1", Name: "Ada"})

	report, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Match())
	assert.Equal(t, int64(2), report.Cursor)
}

func TestVerifyDetectsDrift(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	log.seed(event.SeedActor{Handle: "H1"})

	p, _, _ := projection.Fold(projection.New(), []event.Envelope{
		{Event: event.New(event.SeedActor{Handle: "H1"}), TS: 1},
		{Event: event.New(event.Permission{ActorID: 1, Permission: event.PermissionRoot}), TS: 1},
	})
	stored := replica.Replica{Cursor: 1, Projection: p, Handle: "H1"}
	e := openEngine(t, log, &memStore{r: &stored})

	report, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.Match())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "synced", StateSynced.String())
	assert.Equal(t, "resetting", StateResetting.String())
}
