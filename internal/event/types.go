package event

import "fmt"

// Kind names an event variant. The set is closed and validated by the
// log service.
type Kind string

const (
	KindSeedActor       Kind = "SeedActor"
	KindSeedPlayer      Kind = "SeedPlayer"
	KindPlayerPerson    Kind = "PlayerPerson"
	KindPlayerCharacter Kind = "PlayerCharacter"
	KindPermission      Kind = "Permission"
	KindReset           Kind = "Reset"
)

// Kinds lists the known kinds in wire field order.
var Kinds = []Kind{
	KindSeedActor,
	KindSeedPlayer,
	KindPlayerPerson,
	KindPlayerCharacter,
	KindPermission,
	KindReset,
}

// NoCursor is the cursor of a replica that has applied no events.
// Pulling from NoCursor requests a full replay.
const NoCursor int64 = -1

// Permission levels carried by Permission events.
const (
	PermissionRoot   = "root"
	PermissionOrga   = "orga"
	PermissionPlayer = "player"
)

// AgeSegment buckets a player's age the way the registration form does.
type AgeSegment string

const (
	Below12 AgeSegment = "-12"
	Below18 AgeSegment = "-18"
	Below99 AgeSegment = "-99"
)

// Payload is implemented by exactly one struct per event kind.
type Payload interface {
	Kind() Kind
	payload()
}

// SeedActor binds a handle to the actor (device) that sent it.
type SeedActor struct {
	Handle string `json:"handle"`
}

// SeedPlayer creates a player record owned by the actor with Handle.
type SeedPlayer struct {
	Handle   string `json:"handle"`
	PlayerID string `json:"player_id"`
}

// PlayerPerson carries the civil details of a player. Later events for the
// same PlayerID replace earlier ones.
type PlayerPerson struct {
	PlayerID string     `json:"player_id"`
	Name     string     `json:"name,omitempty"`
	Surname  string     `json:"surname,omitempty"`
	Age      AgeSegment `json:"age,omitempty"`
	Contact  string     `json:"contact,omitempty"`
}

// PlayerCharacter carries a character sheet. Later events for the same
// CharacterID replace earlier ones.
type PlayerCharacter struct {
	CharacterID string         `json:"character_id"`
	PlayerID    string         `json:"player_id"`
	Name        string         `json:"name,omitempty"`
	Race        string         `json:"race,omitempty"`
	World       string         `json:"world,omitempty"`
	Skills      map[string]int `json:"skills,omitempty"`
}

// Permission grants an access level to an actor. Only the root actor may
// emit it.
type Permission struct {
	ActorID    int64  `json:"actor_id"`
	Permission string `json:"permission"`
}

// Reset tells every replica to discard its projection and replay the log.
type Reset struct{}

// Unknown carries an event of a kind this build cannot interpret.
// Field is the protobuf oneof field number it arrived on (0 when it came
// from JSON) and Raw its undecoded bytes, so it can be re-encoded as-is.
type Unknown struct {
	Name  string
	Field int32
	Raw   []byte
}

func (SeedActor) Kind() Kind       { return KindSeedActor }
func (SeedPlayer) Kind() Kind      { return KindSeedPlayer }
func (PlayerPerson) Kind() Kind    { return KindPlayerPerson }
func (PlayerCharacter) Kind() Kind { return KindPlayerCharacter }
func (Permission) Kind() Kind      { return KindPermission }
func (Reset) Kind() Kind           { return KindReset }
func (u Unknown) Kind() Kind       { return Kind(u.Name) }

func (SeedActor) payload()       {}
func (SeedPlayer) payload()      {}
func (PlayerPerson) payload()    {}
func (PlayerCharacter) payload() {}
func (Permission) payload()      {}
func (Reset) payload()           {}
func (Unknown) payload()         {}

// Event is one entry of the log as submitted by a client.
type Event struct {
	Payload Payload
}

// New wraps a payload into an Event.
func New(p Payload) Event {
	return Event{Payload: p}
}

// Kind returns the kind of the wrapped payload.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Known reports whether the event is one of Kinds.
func (e Event) Known() bool {
	if e.Payload == nil {
		return false
	}
	_, unknown := e.Payload.(Unknown)
	return !unknown
}

func (e Event) String() string {
	return fmt.Sprintf("%s%+v", e.Kind(), e.Payload)
}

// Envelope is an event as it appears in the durable log, stamped by the
// log service.
type Envelope struct {
	Event Event
	TS    int64
}

// Ack is the per-event outcome of an append. A non-empty Error means the
// event was rejected and TS is meaningless.
type Ack struct {
	TS    int64  `json:"ts"`
	Error string `json:"error,omitempty"`
}

// Rejected reports whether the log service refused the event.
func (a Ack) Rejected() bool {
	return a.Error != ""
}
