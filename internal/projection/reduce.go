package projection

import (
	"maps"

	"github.com/roach88/thekeeper/internal/event"
)

// Effect tells the caller what an envelope did beyond changing the
// projection.
type Effect int

const (
	// EffectNone means the envelope was folded normally.
	EffectNone Effect = iota

	// EffectReset means a Reset was observed. The projection is unchanged;
	// acting on it is the sync engine's job.
	EffectReset

	// EffectIgnored means the kind is unknown to this build.
	EffectIgnored
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectReset:
		return "reset"
	case EffectIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Reduce folds one envelope into p and returns the next projection.
// p is never mutated. Reduce is total: unknown kinds leave the
// projection unchanged and report EffectIgnored.
func Reduce(p Projection, env event.Envelope) (Projection, Effect) {
	next := p.Clone()
	effect := apply(&next, env)
	return next, effect
}

// Fold reduces envelopes in order on top of initial. It returns the
// resulting projection, the ts of the last envelope (event.NoCursor when
// there are none) and the number of Reset envelopes seen.
func Fold(initial Projection, envs []event.Envelope) (Projection, int64, int) {
	p := initial.Clone()
	cursor := event.NoCursor
	resets := 0
	for _, env := range envs {
		if apply(&p, env) == EffectReset {
			resets++
		}
		cursor = env.TS
	}
	return p, cursor, resets
}

// apply mutates p in place. Callers own p.
func apply(p *Projection, env event.Envelope) Effect {
	switch ev := env.Event.Payload.(type) {
	case event.SeedActor:
		if p.Handle == "" {
			p.Handle = ev.Handle
		}

	case event.SeedPlayer:
		// Upsert-if-absent so a full replay can apply the same envelope
		// again without changing the result.
		existing, ok := p.Players[ev.PlayerID]
		if !ok {
			p.Players[ev.PlayerID] = Player{ID: ev.PlayerID, Handle: ev.Handle}
		} else if existing.Handle == "" {
			existing.Handle = ev.Handle
			p.Players[ev.PlayerID] = existing
		}

	case event.PlayerPerson:
		player := p.Players[ev.PlayerID]
		player.ID = ev.PlayerID
		player.Name = ev.Name
		player.Surname = ev.Surname
		player.Age = ev.Age
		player.Contact = ev.Contact
		p.Players[ev.PlayerID] = player

	case event.PlayerCharacter:
		p.Characters[ev.CharacterID] = Character{
			ID:       ev.CharacterID,
			PlayerID: ev.PlayerID,
			Name:     ev.Name,
			Race:     ev.Race,
			World:    ev.World,
			Skills:   maps.Clone(ev.Skills),
		}

	case event.Permission:
		p.Permission = ev.Permission

	case event.Reset:
		return EffectReset

	default:
		return EffectIgnored
	}
	return EffectNone
}
