package logsvc

import (
	"fmt"
	"maps"

	"github.com/roach88/thekeeper/internal/event"
)

// ActorSpace is the permission level of an actor.
type ActorSpace string

const (
	SpaceRoot   ActorSpace = "root"
	SpaceOrga   ActorSpace = "orga"
	SpacePlayer ActorSpace = "player"
)

// RootActorID is the actor the service itself acts as.
const RootActorID int64 = 0

// Actor is a log participant. Keys are linked to actors, not the other
// way round: several devices can act as one actor.
type Actor struct {
	ID     int64
	Space  ActorSpace
	Handle string
}

// privileged reports whether a may act on any player.
func (a Actor) privileged() bool {
	return a.Space == SpaceRoot || a.Space == SpaceOrga
}

// space is the service-side fold of the accepted log used to validate
// new events and to filter pulls.
type space struct {
	actors     map[int64]Actor
	handles    map[string]int64  // handle -> actor
	players    map[string]string // player id -> owning handle
	characters map[string]string // character id -> player id
}

func newSpace(actors []Actor) *space {
	s := &space{
		actors:     make(map[int64]Actor, len(actors)),
		handles:    make(map[string]int64, len(actors)),
		players:    make(map[string]string),
		characters: make(map[string]string),
	}
	for _, a := range actors {
		s.addActor(a)
	}
	return s
}

func (s *space) clone() *space {
	return &space{
		actors:     maps.Clone(s.actors),
		handles:    maps.Clone(s.handles),
		players:    maps.Clone(s.players),
		characters: maps.Clone(s.characters),
	}
}

func (s *space) addActor(a Actor) {
	s.actors[a.ID] = a
	if a.Handle != "" {
		s.handles[a.Handle] = a.ID
	}
}

// check decides whether src may append e on top of the current state.
// The returned error text is what the rejecting ack carries.
func (s *space) check(srcID int64, e event.Event) error {
	src, ok := s.actors[srcID]
	if !ok {
		return fmt.Errorf("unknown actor %d", srcID)
	}

	switch p := e.Payload.(type) {
	case event.SeedActor:
		if src.Handle != "" {
			return fmt.Errorf("actor already has handle %q", src.Handle)
		}
		if _, taken := s.handles[p.Handle]; taken {
			return fmt.Errorf("handle %q is taken", p.Handle)
		}

	case event.SeedPlayer:
		owner, ok := s.handles[p.Handle]
		if !ok {
			return fmt.Errorf("unknown handle %q", p.Handle)
		}
		if _, exists := s.players[p.PlayerID]; exists {
			return fmt.Errorf("player %q already exists", p.PlayerID)
		}
		if owner != src.ID && !src.privileged() {
			return fmt.Errorf("not authorized to seed players for %q", p.Handle)
		}

	case event.PlayerPerson:
		return s.checkPlayer(src, p.PlayerID)

	case event.PlayerCharacter:
		if err := s.checkPlayer(src, p.PlayerID); err != nil {
			return err
		}
		if owner, ok := s.characters[p.CharacterID]; ok && owner != p.PlayerID {
			return fmt.Errorf("character %q belongs to another player", p.CharacterID)
		}

	case event.Permission:
		if src.Space != SpaceRoot {
			return fmt.Errorf("only root grants permissions")
		}
		target, ok := s.actors[p.ActorID]
		if !ok {
			return fmt.Errorf("unknown actor %d", p.ActorID)
		}
		if target.Space == SpaceRoot {
			return fmt.Errorf("root permission cannot change")
		}

	case event.Reset:
		if !src.privileged() {
			return fmt.Errorf("not authorized to reset")
		}

	default:
		return fmt.Errorf("unknown event kind %q", e.Kind())
	}
	return nil
}

func (s *space) checkPlayer(src Actor, playerID string) error {
	handle, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("player %q does not exist", playerID)
	}
	if handle != src.Handle && !src.privileged() {
		return fmt.Errorf("not authorized for player %q", playerID)
	}
	return nil
}

// apply folds an accepted event. It assumes check passed.
func (s *space) apply(srcID int64, e event.Event) {
	switch p := e.Payload.(type) {
	case event.SeedActor:
		a := s.actors[srcID]
		a.Handle = p.Handle
		s.addActor(a)
	case event.SeedPlayer:
		s.players[p.PlayerID] = p.Handle
	case event.PlayerCharacter:
		s.characters[p.CharacterID] = p.PlayerID
	case event.Permission:
		a := s.actors[p.ActorID]
		a.Space = ActorSpace(p.Permission)
		s.actors[p.ActorID] = a
	}
}

// visible reports whether viewer may pull rec.
//
// SeedActor and Permission are addressed to one actor only, since a
// replica reads its own handle and level from them. Everything else is
// visible to orga and root; players see what concerns their handle.
func (s *space) visible(viewerID int64, rec Record) bool {
	viewer := s.actors[viewerID]

	switch p := rec.Event.Payload.(type) {
	case event.Reset:
		return true
	case event.SeedActor:
		return rec.ActorID == viewer.ID
	case event.Permission:
		return p.ActorID == viewer.ID
	}

	if viewer.privileged() || rec.ActorID == viewer.ID {
		return true
	}
	if viewer.Handle == "" {
		return false
	}

	switch p := rec.Event.Payload.(type) {
	case event.SeedPlayer:
		return p.Handle == viewer.Handle
	case event.PlayerPerson:
		return s.players[p.PlayerID] == viewer.Handle
	case event.PlayerCharacter:
		return s.players[p.PlayerID] == viewer.Handle
	}
	return false
}
