package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/thekeeper/internal/event"
)

// Scenario defines a conformance test scenario.
// Devices act against one shared log service; each device has its own
// keypair, replica and sync engine.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Devices lists the replicas taking part.
	Devices []string `yaml:"devices"`

	// Setup contains operator actions run against the service before the
	// flow. Setup steps must succeed.
	Setup []SetupStep `yaml:"setup,omitempty"`

	// Flow contains the device operations with expected outcomes.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final replicas and log.
	Assertions []Assertion `yaml:"assertions"`
}

// SetupStep is an operator action on the log service.
type SetupStep struct {
	// CreateOrga creates an orga actor with this handle.
	CreateOrga string `yaml:"create_orga"`

	// SaveAs names the returned code for later "$name" references.
	SaveAs string `yaml:"save_as,omitempty"`
}

// FlowStep is one device operation.
type FlowStep struct {
	Device string `yaml:"device"`
	Op     string `yaml:"op"`

	// Handle is the handle minted by bootstrap, or the handle to share.
	Handle string `yaml:"handle,omitempty"`

	// Code is the share code to redeem, literal or "$name".
	Code string `yaml:"code,omitempty"`

	// Events are submitted by submit and submit_sync.
	Events []EventSpec `yaml:"events,omitempty"`

	// SaveAs names the code returned by share.
	SaveAs string `yaml:"save_as,omitempty"`

	// Expect specifies the expected outcome. If nil the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EventSpec is an event written in a scenario file.
type EventSpec struct {
	Kind    string         `yaml:"kind"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// Event builds the event.Event an EventSpec describes.
func (s EventSpec) Event() (event.Event, error) {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("%s payload: %w", s.Kind, err)
	}
	return event.Parse(event.Kind(s.Kind), payload)
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Outcome is ok, rejected or error.
	Outcome string `yaml:"outcome"`

	// Index is the expected refused event of a rejected submit.
	Index *int `yaml:"index,omitempty"`

	// Contains must be a substring of the error text.
	Contains string `yaml:"contains,omitempty"`

	// Cursor is the expected replica cursor after the step.
	Cursor *int64 `yaml:"cursor,omitempty"`
}

// Assertion validates final replicas or the log.
type Assertion struct {
	// Type specifies the assertion type:
	// - "projection": subset match of a device's projection
	// - "cursor": a device's cursor equals Cursor
	// - "state": a device's engine state equals State
	// - "converged": all Devices hold the same projection
	// - "log_count": the service accepted Count events
	Type string `yaml:"type"`

	Device  string         `yaml:"device,omitempty"`
	Devices []string       `yaml:"devices,omitempty"`
	Expect  map[string]any `yaml:"expect,omitempty"`
	Cursor  int64          `yaml:"cursor,omitempty"`
	State   string         `yaml:"state,omitempty"`
	Count   int            `yaml:"count,omitempty"`
}

// Flow operations.
const (
	OpBootstrap  = "bootstrap"
	OpSync       = "sync"
	OpSyncFull   = "sync_full"
	OpSubmit     = "submit"
	OpSubmitSync = "submit_sync"
	OpShare      = "share"
	OpRedeem     = "redeem"
	OpVerify     = "verify"
)

// Assertion type constants.
const (
	AssertProjection = "projection"
	AssertCursor     = "cursor"
	AssertState      = "state"
	AssertConverged  = "converged"
	AssertLogCount   = "log_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if step.CreateOrga == "" {
			return fmt.Errorf("setup[%d]: create_orga is required", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(s, i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(s, i, assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(s *Scenario, i int, step FlowStep) error {
	if !slices.Contains(s.Devices, step.Device) {
		return fmt.Errorf("flow[%d]: unknown device %q", i, step.Device)
	}

	switch step.Op {
	case OpSync, OpSyncFull, OpVerify:
	case OpBootstrap:
		if step.Handle == "" {
			return fmt.Errorf("flow[%d]: handle is required for bootstrap", i)
		}
	case OpSubmit, OpSubmitSync:
		if len(step.Events) == 0 {
			return fmt.Errorf("flow[%d]: events are required for %s", i, step.Op)
		}
		for j, ev := range step.Events {
			if ev.Kind == "" {
				return fmt.Errorf("flow[%d].events[%d]: kind is required", i, j)
			}
		}
	case OpShare:
		if step.Handle == "" {
			return fmt.Errorf("flow[%d]: handle is required for share", i)
		}
	case OpRedeem:
		if step.Code == "" {
			return fmt.Errorf("flow[%d]: code is required for redeem", i)
		}
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
	}

	if step.Expect != nil {
		switch step.Expect.Outcome {
		case OutcomeOK, OutcomeRejected, OutcomeError:
		default:
			return fmt.Errorf("flow[%d].expect: unknown outcome %q", i, step.Expect.Outcome)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(s *Scenario, index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needsDevice := func() error {
		if !slices.Contains(s.Devices, a.Device) {
			return fmt.Errorf("assertions[%d]: unknown device %q for %s", index, a.Device, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertProjection:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for projection", index)
		}
		return needsDevice()
	case AssertCursor:
		return needsDevice()
	case AssertState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for state", index)
		}
		return needsDevice()
	case AssertConverged:
		if len(a.Devices) < 2 {
			return fmt.Errorf("assertions[%d]: converged needs at least two devices", index)
		}
		for _, d := range a.Devices {
			if !slices.Contains(s.Devices, d) {
				return fmt.Errorf("assertions[%d]: unknown device %q", index, d)
			}
		}
	case AssertLogCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for log_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
