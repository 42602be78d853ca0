package event

import (
	_ "embed"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

//go:embed event.txtpb
var descriptorText []byte

// kindFields maps each kind to its member of the Event.msg oneof.
var kindFields = map[Kind]protoreflect.Name{
	KindSeedActor:       "seed_actor",
	KindSeedPlayer:      "seed_player",
	KindPlayerPerson:    "player_person",
	KindPlayerCharacter: "player_character",
	KindPermission:      "permission",
	KindReset:           "reset",
}

// ErrOutOfOrder is returned when a decoded envelope sequence is not
// strictly ascending by ts.
var ErrOutOfOrder = errors.New("envelopes out of order")

var wire = mustLoadSchema(descriptorText)

// schema holds the descriptors the codec reads and writes through.
type schema struct {
	list   protoreflect.FieldDescriptor // Events.events
	events protoreflect.MessageDescriptor
	event  protoreflect.MessageDescriptor
	ts     protoreflect.FieldDescriptor
	msg    protoreflect.OneofDescriptor
	kinds  map[protoreflect.Name]Kind
}

func mustLoadSchema(text []byte) *schema {
	s, err := loadSchema(text)
	if err != nil {
		panic(fmt.Sprintf("event: %v", err))
	}
	return s
}

func loadSchema(text []byte) (*schema, error) {
	var fdp descriptorpb.FileDescriptorProto
	if err := prototext.Unmarshal(text, &fdp); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	fd, err := protodesc.NewFile(&fdp, nil)
	if err != nil {
		return nil, fmt.Errorf("build descriptor: %w", err)
	}

	s := &schema{
		events: fd.Messages().ByName("Events"),
		event:  fd.Messages().ByName("Event"),
		kinds:  make(map[protoreflect.Name]Kind, len(kindFields)),
	}
	if s.events == nil || s.event == nil {
		return nil, fmt.Errorf("descriptor lacks Events or Event")
	}
	s.list = s.events.Fields().ByName("events")
	s.ts = s.event.Fields().ByName("ts")
	s.msg = s.event.Oneofs().ByName("msg")
	if s.list == nil || s.ts == nil || s.msg == nil {
		return nil, fmt.Errorf("descriptor lacks events, ts or msg")
	}
	for kind, name := range kindFields {
		f := s.msg.Fields().ByName(name)
		if f == nil || f.Message() == nil {
			return nil, fmt.Errorf("oneof msg lacks %s", name)
		}
		s.kinds[name] = kind
	}
	if s.msg.Fields().Len() != len(kindFields) {
		return nil, fmt.Errorf("oneof msg has %d members, want %d", s.msg.Fields().Len(), len(kindFields))
	}
	return s, nil
}

// MarshalEvents encodes a batch for POST /state.
func MarshalEvents(events []Event) ([]byte, error) {
	envs := make([]Envelope, len(events))
	for i, e := range events {
		envs[i] = Envelope{Event: e}
	}
	b, err := wire.marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}
	return b, nil
}

// MarshalEnvelopes encodes a GET /state response body.
func MarshalEnvelopes(envs []Envelope) ([]byte, error) {
	b, err := wire.marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("marshal envelopes: %w", err)
	}
	return b, nil
}

// UnmarshalEvents decodes a POST /state request body. Any ts carried by
// the messages is ignored: clients never choose timestamps.
func UnmarshalEvents(data []byte) ([]Event, error) {
	envs, err := wire.unmarshal(data)
	if err != nil {
		return nil, err
	}
	events := make([]Event, len(envs))
	for i, env := range envs {
		events[i] = env.Event
	}
	return events, nil
}

// UnmarshalEnvelopes decodes a GET /state response body and checks that
// timestamps are strictly ascending.
func UnmarshalEnvelopes(data []byte) ([]Envelope, error) {
	envs, err := wire.unmarshal(data)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(envs); i++ {
		if envs[i].TS <= envs[i-1].TS {
			return nil, fmt.Errorf("%w: ts %d follows %d", ErrOutOfOrder, envs[i].TS, envs[i-1].TS)
		}
	}
	return envs, nil
}

func (s *schema) marshal(envs []Envelope) ([]byte, error) {
	msg := dynamicpb.NewMessage(s.events)
	list := msg.Mutable(s.list).List()
	for i, env := range envs {
		el := list.NewElement()
		if err := s.encodeEvent(el.Message(), env); err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
		list.Append(el)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func (s *schema) encodeEvent(m protoreflect.Message, env Envelope) error {
	switch p := env.Event.Payload.(type) {
	case nil:
		return fmt.Errorf("empty payload")
	case Unknown:
		if p.Field <= 0 {
			return fmt.Errorf("cannot encode unknown kind %q", p.Name)
		}
		var raw []byte
		raw = protowire.AppendTag(raw, protowire.Number(p.Field), protowire.BytesType)
		raw = protowire.AppendBytes(raw, p.Raw)
		m.SetUnknown(raw)
	default:
		name, ok := kindFields[p.Kind()]
		if !ok {
			return fmt.Errorf("unsupported payload %T", p)
		}
		f := s.msg.Fields().ByName(name)
		body := m.NewField(f)
		encodePayload(body.Message(), p)
		m.Set(f, body)
	}
	if env.TS != 0 {
		m.Set(s.ts, protoreflect.ValueOfInt64(env.TS))
	}
	return nil
}

func encodePayload(m protoreflect.Message, p Payload) {
	switch p := p.(type) {
	case SeedActor:
		setString(m, "handle", p.Handle)
	case SeedPlayer:
		setString(m, "handle", p.Handle)
		setString(m, "player_id", p.PlayerID)
	case PlayerPerson:
		setString(m, "player_id", p.PlayerID)
		setString(m, "name", p.Name)
		setString(m, "surname", p.Surname)
		setString(m, "age", string(p.Age))
		setString(m, "contact", p.Contact)
	case PlayerCharacter:
		setString(m, "character_id", p.CharacterID)
		setString(m, "player_id", p.PlayerID)
		setString(m, "name", p.Name)
		setString(m, "race", p.Race)
		setString(m, "world", p.World)
		if len(p.Skills) > 0 {
			skills := m.Mutable(field(m, "skills")).Map()
			for k, v := range p.Skills {
				skills.Set(protoreflect.ValueOfString(k).MapKey(), protoreflect.ValueOfInt32(int32(v)))
			}
		}
	case Permission:
		if p.ActorID != 0 {
			m.Set(field(m, "actor_id"), protoreflect.ValueOfInt64(p.ActorID))
		}
		setString(m, "permission", p.Permission)
	case Reset:
	}
}

func (s *schema) unmarshal(data []byte) ([]Envelope, error) {
	msg := dynamicpb.NewMessage(s.events)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}

	list := msg.Get(s.list).List()
	envs := make([]Envelope, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		env, err := s.decodeEvent(list.Get(i).Message())
		if err != nil {
			return nil, fmt.Errorf("unmarshal events: events[%d]: %w", i, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *schema) decodeEvent(m protoreflect.Message) (Envelope, error) {
	env := Envelope{TS: m.Get(s.ts).Int()}

	if f := m.WhichOneof(s.msg); f != nil {
		env.Event = Event{Payload: decodePayload(s.kinds[f.Name()], m.Get(f).Message())}
		return env, nil
	}

	// Oneof members added after this build arrive as unknown fields.
	if u, ok := unknownPayload(m.GetUnknown()); ok {
		env.Event = Event{Payload: u}
		return env, nil
	}
	return Envelope{}, fmt.Errorf("event has no payload")
}

// unknownPayload returns the last length-delimited field of raw, which is
// where a newer server puts a kind this build does not know.
func unknownPayload(raw protoreflect.RawFields) (Unknown, bool) {
	var u Unknown
	found := false
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return Unknown{}, false
		}
		raw = raw[n:]
		if typ == protowire.BytesType {
			body, m := protowire.ConsumeBytes(raw)
			if m < 0 {
				return Unknown{}, false
			}
			u = Unknown{
				Name:  fmt.Sprintf("field:%d", num),
				Field: int32(num),
				Raw:   append([]byte(nil), body...),
			}
			found = true
			raw = raw[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, raw)
		if m < 0 {
			return Unknown{}, false
		}
		raw = raw[m:]
	}
	return u, found
}

func decodePayload(kind Kind, m protoreflect.Message) Payload {
	switch kind {
	case KindSeedActor:
		return SeedActor{Handle: getString(m, "handle")}
	case KindSeedPlayer:
		return SeedPlayer{
			Handle:   getString(m, "handle"),
			PlayerID: getString(m, "player_id"),
		}
	case KindPlayerPerson:
		return PlayerPerson{
			PlayerID: getString(m, "player_id"),
			Name:     getString(m, "name"),
			Surname:  getString(m, "surname"),
			Age:      AgeSegment(getString(m, "age")),
			Contact:  getString(m, "contact"),
		}
	case KindPlayerCharacter:
		p := PlayerCharacter{
			CharacterID: getString(m, "character_id"),
			PlayerID:    getString(m, "player_id"),
			Name:        getString(m, "name"),
			Race:        getString(m, "race"),
			World:       getString(m, "world"),
		}
		if skills := m.Get(field(m, "skills")).Map(); skills.Len() > 0 {
			p.Skills = make(map[string]int, skills.Len())
			skills.Range(func(k protoreflect.MapKey, v protoreflect.Value) bool {
				p.Skills[k.String()] = int(v.Int())
				return true
			})
		}
		return p
	case KindPermission:
		return Permission{
			ActorID:    m.Get(field(m, "actor_id")).Int(),
			Permission: getString(m, "permission"),
		}
	case KindReset:
		return Reset{}
	}
	return nil
}

func field(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(name)
}

func setString(m protoreflect.Message, name protoreflect.Name, v string) {
	if v != "" {
		m.Set(field(m, name), protoreflect.ValueOfString(v))
	}
}

func getString(m protoreflect.Message, name protoreflect.Name) string {
	return m.Get(field(m, name)).String()
}
