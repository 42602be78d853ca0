package logsvc

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/thekeeper/internal/event"
)

//go:embed schema.cue
var schemaCUE string

// SchemaError reports a payload that does not fit its kind's definition.
type SchemaError struct {
	Kind    event.Kind
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Schema checks event payloads against the embedded CUE definitions.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Check
// serializes on an internal mutex.
type Schema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[event.Kind]cue.Value
}

// LoadSchema compiles the embedded schema. Every known kind must have a
// definition.
func LoadSchema() (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	defs := make(map[event.Kind]cue.Value, len(event.Kinds))
	for _, kind := range event.Kinds {
		def := v.LookupPath(cue.ParsePath("#" + string(kind)))
		if !def.Exists() {
			return nil, fmt.Errorf("compile schema: no definition for %s", kind)
		}
		defs[kind] = def
	}
	return &Schema{ctx: ctx, defs: defs}, nil
}

// Check validates the payload of e. Unknown kinds are refused.
func (s *Schema) Check(e event.Event) error {
	kind := e.Kind()
	def, ok := s.defs[kind]
	if !ok {
		return &SchemaError{Kind: kind, Message: "unknown event kind"}
	}

	payload, err := event.PayloadJSON(e)
	if err != nil {
		return &SchemaError{Kind: kind, Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.CompileBytes(payload)
	if err := data.Err(); err != nil {
		return formatCUEError(kind, err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(kind, err)
	}
	return nil
}

// formatCUEError keeps the first CUE error and its path.
func formatCUEError(kind event.Kind, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{Kind: kind, Message: err.Error()}
	}

	first := errs[0]
	format, args := first.Msg()
	return &SchemaError{
		Kind:    kind,
		Path:    strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
}
