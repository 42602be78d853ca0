package harness

import "github.com/roach88/thekeeper/internal/projection"

// Step outcomes recorded in the trace.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// TraceEvent records one executed flow step.
type TraceEvent struct {
	Device  string `json:"device"`
	Op      string `json:"op"`
	Outcome string `json:"outcome"`

	// Cursor is the device's replica cursor after the step.
	Cursor int64 `json:"cursor"`

	// Detail is the error text for rejected and failed steps. It is kept
	// out of golden snapshots.
	Detail string `json:"-"`

	// Index is the refused event of a rejected submit.
	Index int `json:"-"`
}

// DeviceState is a device's replica at the end of a scenario.
type DeviceState struct {
	Cursor     int64                 `json:"cursor"`
	Handle     string                `json:"handle,omitempty"`
	State      string                `json:"state"`
	Projection projection.Projection `json:"projection"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains the executed flow steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Devices holds every device's final replica, keyed by device name.
	Devices map[string]DeviceState `json:"devices"`

	// LogSize is the number of events the log service accepted.
	LogSize int `json:"log_size"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Devices: make(map[string]DeviceState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an executed step.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
