package logsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/thekeeper/internal/auth"
	"github.com/roach88/thekeeper/internal/event"
)

var (
	// ErrUnauthorized means the request token did not verify.
	ErrUnauthorized = errors.New("invalid token")

	// ErrForbidden means the actor's space does not allow the operation.
	ErrForbidden = errors.New("not authorized")

	// ErrNotFound means a handle does not name any actor.
	ErrNotFound = errors.New("not found")

	// ErrBadInput means the request could not be decoded.
	ErrBadInput = errors.New("bad input")
)

// Service is the authoritative event log. It assigns every ts, decides
// which events are accepted, and filters what each actor may pull.
//
// Thread-safety: appends are serialized on an internal mutex so ts order
// equals commit order. Pulls read the committed log concurrently.
type Service struct {
	mu     sync.RWMutex // guards space; held exclusively while appending
	store  *Store
	schema *Schema
	space  *space

	clock     Stamper
	authClock auth.Clock
	newCode   func() string
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithStamper replaces the millisecond clock, typically with a
// deterministic one in tests.
func WithStamper(c Stamper) Option {
	return func(s *Service) { s.clock = c }
}

// WithAuthClock sets the clock tokens are verified against.
func WithAuthClock(c auth.Clock) Option {
	return func(s *Service) { s.authClock = c }
}

// WithCodeGenerator sets how share codes are minted.
func WithCodeGenerator(f func() string) Option {
	return func(s *Service) { s.newCode = f }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service over store and rebuilds its validation state by
// replaying the stored log.
func New(ctx context.Context, store *Store, opts ...Option) (*Service, error) {
	schema, err := LoadSchema()
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:     store,
		schema:    schema,
		authClock: auth.SystemClock{},
		newCode:   uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	actors, err := store.Actors(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild space: %w", err)
	}
	records, err := store.Events(ctx, event.NoCursor)
	if err != nil {
		return nil, fmt.Errorf("rebuild space: %w", err)
	}
	s.space = newSpace(actors)
	for _, rec := range records {
		s.space.apply(rec.ActorID, rec.Event)
	}

	if s.clock == nil {
		last, err := store.LastTS(ctx)
		if err != nil {
			return nil, err
		}
		s.clock = NewClockAt(last, time.Now)
	}

	s.logger.Debug("log service ready", "actors", len(actors), "events", len(records))
	return s, nil
}

// Authenticate verifies token and returns the actor its key is linked
// to. An unknown key is registered as a new player actor.
func (s *Service) Authenticate(ctx context.Context, token string) (Actor, error) {
	pub, _, err := auth.Verify(token, auth.VerifyOptions{Clock: s.authClock})
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	fp := auth.Fingerprint(pub)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok, err := s.store.ActorByKey(ctx, fp)
	if err != nil {
		return Actor{}, err
	}
	if ok {
		return s.space.actors[id], nil
	}

	a, err := s.store.CreateActor(ctx, SpacePlayer, fp)
	if err != nil {
		return Actor{}, fmt.Errorf("register key: %w", err)
	}
	s.space.addActor(a)
	s.logger.Info("registered actor", "actor", a.ID)
	return a, nil
}

// Pull returns the envelopes after from that actor may see.
func (s *Service) Pull(ctx context.Context, actor Actor, from int64) ([]event.Envelope, error) {
	records, err := s.store.Events(ctx, from)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	envs := make([]event.Envelope, 0, len(records))
	for _, rec := range records {
		if s.space.visible(actor.ID, rec) {
			envs = append(envs, event.Envelope{Event: rec.Event, TS: rec.TS})
		}
	}
	return envs, nil
}

// Append checks every event in order against the log as it would be with
// the batch's earlier accepted events applied, stamps the accepted ones
// and commits them together. Each event gets its own ack.
func (s *Service) Append(ctx context.Context, actor Actor, events []event.Event) ([]event.Ack, error) {
	if len(events) == 0 {
		return nil, ErrBadInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ctx, actor.ID, events)
}

func (s *Service) appendLocked(ctx context.Context, actorID int64, events []event.Event) ([]event.Ack, error) {
	work := s.space.clone()
	acks := make([]event.Ack, len(events))
	var accepted []Record

	for i, ev := range events {
		if err := s.schema.Check(ev); err != nil {
			acks[i].Error = err.Error()
			continue
		}
		if err := work.check(actorID, ev); err != nil {
			acks[i].Error = err.Error()
			continue
		}
		work.apply(actorID, ev)

		rec := Record{TS: s.clock.Next(), ActorID: actorID, Event: ev}
		acks[i].TS = rec.TS
		accepted = append(accepted, rec)
	}

	if len(accepted) > 0 {
		if err := s.store.Insert(ctx, accepted); err != nil {
			return nil, err
		}
		s.space = work
	}

	s.logger.Debug("append",
		"actor", actorID,
		"events", len(events),
		"accepted", len(accepted),
	)
	return acks, nil
}

// CreateShareCode issues a single-use code that links a key to the
// player actor owning handle. Only orga and root may share.
func (s *Service) CreateShareCode(ctx context.Context, actor Actor, handle string) (string, error) {
	s.mu.RLock()
	current := s.space.actors[actor.ID]
	targetID, ok := s.space.handles[handle]
	target := s.space.actors[targetID]
	s.mu.RUnlock()

	if !current.privileged() {
		return "", ErrForbidden
	}
	if !ok {
		return "", fmt.Errorf("handle %q: %w", handle, ErrNotFound)
	}
	if target.Space != SpacePlayer {
		return "", ErrForbidden
	}

	code := s.newCode()
	if err := s.store.InsertCode(ctx, code, targetID); err != nil {
		return "", err
	}
	s.logger.Info("share code issued", "actor", actor.ID, "target", targetID)
	return code, nil
}

// Redeem verifies token, consumes code and links the token's key to the
// actor the code was issued for.
func (s *Service) Redeem(ctx context.Context, token, code string) error {
	pub, _, err := auth.Verify(token, auth.VerifyOptions{Clock: s.authClock})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actorID, err := s.store.Redeem(ctx, code, auth.Fingerprint(pub))
	if err != nil {
		return err
	}
	s.logger.Info("code redeemed", "actor", actorID)
	return nil
}

// CreateOrga creates an orga actor named handle and returns a share code
// for it. The actor is seeded and granted its level through the log, so
// the replica that redeems the code sees both.
func (s *Service) CreateOrga(ctx context.Context, handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.space.handles[handle]; taken {
		return "", fmt.Errorf("create orga: handle %q is taken", handle)
	}
	if err := s.schema.Check(event.New(event.SeedActor{Handle: handle})); err != nil {
		return "", fmt.Errorf("create orga: %w", err)
	}

	a, err := s.store.CreateActor(ctx, SpacePlayer, nil)
	if err != nil {
		return "", fmt.Errorf("create orga: %w", err)
	}
	s.space.addActor(a)

	steps := []struct {
		src int64
		ev  event.Event
	}{
		{a.ID, event.New(event.SeedActor{Handle: handle})},
		{RootActorID, event.New(event.Permission{ActorID: a.ID, Permission: string(SpaceOrga)})},
	}
	for _, step := range steps {
		acks, err := s.appendLocked(ctx, step.src, []event.Event{step.ev})
		if err != nil {
			return "", fmt.Errorf("create orga: %w", err)
		}
		if acks[0].Rejected() {
			return "", fmt.Errorf("create orga: %s", acks[0].Error)
		}
	}

	code := s.newCode()
	if err := s.store.InsertCode(ctx, code, a.ID); err != nil {
		return "", fmt.Errorf("create orga: %w", err)
	}
	s.logger.Info("orga created", "actor", a.ID, "handle", handle)
	return code, nil
}
