package projection

import (
	"maps"
	"slices"
	"strings"

	"github.com/roach88/thekeeper/internal/event"
)

// Projection is the domain state folded from the log. It is a pure
// function of the event prefix up to the replica cursor.
type Projection struct {
	// Handle is the owning handle, recorded by the first SeedActor.
	Handle string `json:"handle,omitempty"`

	// Permission is the last access level granted to this actor.
	Permission string `json:"permission,omitempty"`

	Players    map[string]Player    `json:"players"`
	Characters map[string]Character `json:"characters"`
}

// Player is a registered player and the civil details attached to it.
type Player struct {
	ID      string           `json:"id"`
	Handle  string           `json:"handle,omitempty"`
	Name    string           `json:"name,omitempty"`
	Surname string           `json:"surname,omitempty"`
	Age     event.AgeSegment `json:"age,omitempty"`
	Contact string           `json:"contact,omitempty"`
}

// Character is a character sheet belonging to a player.
type Character struct {
	ID       string         `json:"id"`
	PlayerID string         `json:"player_id"`
	Name     string         `json:"name,omitempty"`
	Race     string         `json:"race,omitempty"`
	World    string         `json:"world,omitempty"`
	Skills   map[string]int `json:"skills,omitempty"`
}

// New returns the empty initial projection.
func New() Projection {
	return Projection{
		Players:    make(map[string]Player),
		Characters: make(map[string]Character),
	}
}

// Clone returns a deep copy that shares no maps with p.
func (p Projection) Clone() Projection {
	c := Projection{
		Handle:     p.Handle,
		Permission: p.Permission,
		Players:    make(map[string]Player, len(p.Players)),
		Characters: make(map[string]Character, len(p.Characters)),
	}
	maps.Copy(c.Players, p.Players)
	for id, ch := range p.Characters {
		ch.Skills = maps.Clone(ch.Skills)
		c.Characters[id] = ch
	}
	return c
}

// PlayerIDs returns the player ids in sorted order.
func (p Projection) PlayerIDs() []string {
	return slices.Sorted(maps.Keys(p.Players))
}

// CharactersOf returns the characters of a player ordered by id.
func (p Projection) CharactersOf(playerID string) []Character {
	var out []Character
	for _, ch := range p.Characters {
		if ch.PlayerID == playerID {
			out = append(out, ch)
		}
	}
	slices.SortFunc(out, func(a, b Character) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Empty reports whether nothing has been folded into p.
func (p Projection) Empty() bool {
	return p.Handle == "" && p.Permission == "" && len(p.Players) == 0 && len(p.Characters) == 0
}
