package event

import (
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every structural validation failure.
var ErrInvalid = errors.New("invalid event")

// Validate performs the structural checks a client can make before
// submitting: a payload is present and the identifiers it refers to are
// non-empty. Authorization and referential checks belong to the log
// service.
func Validate(e Event) error {
	switch p := e.Payload.(type) {
	case nil:
		return fmt.Errorf("%w: empty payload", ErrInvalid)
	case SeedActor:
		if p.Handle == "" {
			return fmt.Errorf("%w: %s: handle is required", ErrInvalid, p.Kind())
		}
	case SeedPlayer:
		if p.Handle == "" {
			return fmt.Errorf("%w: %s: handle is required", ErrInvalid, p.Kind())
		}
		if p.PlayerID == "" {
			return fmt.Errorf("%w: %s: player_id is required", ErrInvalid, p.Kind())
		}
	case PlayerPerson:
		if p.PlayerID == "" {
			return fmt.Errorf("%w: %s: player_id is required", ErrInvalid, p.Kind())
		}
		switch p.Age {
		case "", Below12, Below18, Below99:
		default:
			return fmt.Errorf("%w: %s: unknown age segment %q", ErrInvalid, p.Kind(), p.Age)
		}
	case PlayerCharacter:
		if p.CharacterID == "" {
			return fmt.Errorf("%w: %s: character_id is required", ErrInvalid, p.Kind())
		}
		if p.PlayerID == "" {
			return fmt.Errorf("%w: %s: player_id is required", ErrInvalid, p.Kind())
		}
	case Permission:
		if p.ActorID <= 0 {
			return fmt.Errorf("%w: %s: actor_id must be positive", ErrInvalid, p.Kind())
		}
		if p.Permission == "" {
			return fmt.Errorf("%w: %s: permission is required", ErrInvalid, p.Kind())
		}
	case Reset:
	case Unknown:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, p.Name)
	}
	return nil
}
