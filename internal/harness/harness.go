package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"

	"github.com/roach88/thekeeper/internal/auth"
	"github.com/roach88/thekeeper/internal/engine"
	"github.com/roach88/thekeeper/internal/event"
	"github.com/roach88/thekeeper/internal/keys"
	"github.com/roach88/thekeeper/internal/logclient"
	"github.com/roach88/thekeeper/internal/logsvc"
	"github.com/roach88/thekeeper/internal/replica"
	"github.com/roach88/thekeeper/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenarios against a private log service with a deterministic
// clock, deterministic share codes and scripted handles.
type Harness struct {
	store   *logsvc.Store
	server  *httptest.Server
	devices map[string]*device
	codes   map[string]string
	logger  *slog.Logger
}

type device struct {
	name   string
	store  *replica.Store
	engine *engine.Engine
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against fresh in-memory databases for isolation.
//
// Execution flow:
// 1. Start a log service on an in-memory store
// 2. Give every device a keypair, replica and engine
// 3. Execute setup steps
// 4. Execute flow steps with expect validation
// 5. Evaluate assertions and snapshot the devices
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	st, err := logsvc.OpenStore(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	codeSeq := 0
	svc, err := logsvc.New(ctx, st,
		logsvc.WithStamper(testutil.NewDeterministicClock()),
		logsvc.WithCodeGenerator(func() string {
			codeSeq++
			return fmt.Sprintf("code-%d", codeSeq)
		}),
		logsvc.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start log service: %w", err)
	}

	h := &Harness{
		store:   st,
		server:  httptest.NewServer(svc.Handler()),
		devices: make(map[string]*device),
		codes:   make(map[string]string),
		logger:  logger,
	}
	defer h.close()

	for _, name := range scenario.Devices {
		if err := h.addDevice(ctx, name, bootstrapHandles(scenario, name)); err != nil {
			return nil, fmt.Errorf("failed to create device %s: %w", name, err)
		}
	}

	for i, step := range scenario.Setup {
		code, err := svc.CreateOrga(ctx, step.CreateOrga)
		if err != nil {
			return nil, fmt.Errorf("failed to execute setup[%d]: %w", i, err)
		}
		if step.SaveAs != "" {
			h.codes[step.SaveAs] = code
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		h.executeStep(ctx, i, step, result)
	}

	if err := h.snapshot(ctx, scenario, result); err != nil {
		return nil, err
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

func (h *Harness) addDevice(ctx context.Context, name string, handles []string) error {
	rs, err := replica.Open(":memory:")
	if err != nil {
		return err
	}
	d := &device{name: name, store: rs}
	h.devices[name] = d

	kp, err := keys.NewManager(rs, keys.WithLogger(h.logger)).EnsureKeyPair(ctx)
	if err != nil {
		return err
	}
	client := logclient.New(h.server.URL, auth.New(nil), kp, logclient.WithLogger(h.logger))
	d.engine = engine.New(client, rs,
		engine.WithHandleGenerator(testutil.NewFixedHandleGenerator(handles...)),
		engine.WithLogger(h.logger),
	)
	return d.engine.Open(ctx)
}

func (h *Harness) close() {
	h.server.Close()
	for _, d := range h.devices {
		d.store.Close()
	}
}

// bootstrapHandles returns the handles a device mints, in flow order.
func bootstrapHandles(s *Scenario, name string) []string {
	var handles []string
	for _, step := range s.Flow {
		if step.Device == name && step.Op == OpBootstrap {
			handles = append(handles, step.Handle)
		}
	}
	return handles
}

// executeStep runs one flow step, records it and checks its expect clause.
func (h *Harness) executeStep(ctx context.Context, i int, step FlowStep, result *Result) {
	d := h.devices[step.Device]
	err := h.perform(ctx, d, step)

	ev := TraceEvent{
		Device:  step.Device,
		Op:      step.Op,
		Outcome: OutcomeOK,
		Cursor:  d.engine.Replica().Cursor,
	}
	var submitErr *engine.SubmitError
	switch {
	case err == nil:
	case errors.As(err, &submitErr):
		ev.Outcome = OutcomeRejected
		ev.Index = submitErr.Index
		ev.Detail = err.Error()
	default:
		ev.Outcome = OutcomeError
		ev.Detail = err.Error()
	}
	result.AddTrace(ev)

	for _, msg := range checkExpect(step.Expect, ev) {
		result.AddError(fmt.Sprintf("flow[%d] %s %s: %s", i, step.Device, step.Op, msg))
	}
}

func (h *Harness) perform(ctx context.Context, d *device, step FlowStep) error {
	switch step.Op {
	case OpBootstrap:
		_, err := d.engine.Bootstrap(ctx)
		return err

	case OpSync:
		_, err := d.engine.SyncIncremental(ctx)
		return err

	case OpSyncFull:
		_, err := d.engine.SyncFull(ctx)
		return err

	case OpSubmit, OpSubmitSync:
		events, err := convertEvents(step.Events)
		if err != nil {
			return err
		}
		if step.Op == OpSubmit {
			return d.engine.Submit(ctx, events)
		}
		_, err = d.engine.SubmitAndSync(ctx, events)
		return err

	case OpShare:
		code, err := d.engine.Share(ctx, step.Handle)
		if err != nil {
			return err
		}
		if step.SaveAs != "" {
			h.codes[step.SaveAs] = code
		}
		return nil

	case OpRedeem:
		code, err := h.resolve(step.Code)
		if err != nil {
			return err
		}
		_, err = d.engine.Redeem(ctx, code)
		return err

	case OpVerify:
		report, err := d.engine.Verify(ctx)
		if err != nil {
			return err
		}
		if !report.Match() {
			return fmt.Errorf("verify: projection at cursor %d drifted from the log (local %s, replayed %s)",
				report.Cursor, report.Local, report.Replayed)
		}
		return nil
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

// resolve expands a "$name" reference to a saved code.
func (h *Harness) resolve(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "$")
	if !ok {
		return ref, nil
	}
	code, ok := h.codes[name]
	if !ok {
		return "", fmt.Errorf("unresolved code reference %q", ref)
	}
	return code, nil
}

func convertEvents(specs []EventSpec) ([]event.Event, error) {
	events := make([]event.Event, 0, len(specs))
	for _, spec := range specs {
		ev, err := spec.Event()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// checkExpect compares a recorded step with its expect clause. A step
// without one must succeed.
func checkExpect(expect *ExpectClause, ev TraceEvent) []string {
	if expect == nil {
		if ev.Outcome != OutcomeOK {
			return []string{fmt.Sprintf("expected ok, got %s: %s", ev.Outcome, ev.Detail)}
		}
		return nil
	}

	var errs []string
	if ev.Outcome != expect.Outcome {
		errs = append(errs, fmt.Sprintf("expected outcome %s, got %s %s", expect.Outcome, ev.Outcome, ev.Detail))
	}
	if expect.Index != nil && ev.Outcome == OutcomeRejected && ev.Index != *expect.Index {
		errs = append(errs, fmt.Sprintf("expected rejected index %d, got %d", *expect.Index, ev.Index))
	}
	if expect.Contains != "" && !strings.Contains(ev.Detail, expect.Contains) {
		errs = append(errs, fmt.Sprintf("expected error containing %q, got %q", expect.Contains, ev.Detail))
	}
	if expect.Cursor != nil && ev.Cursor != *expect.Cursor {
		errs = append(errs, fmt.Sprintf("expected cursor %d, got %d", *expect.Cursor, ev.Cursor))
	}
	return errs
}

// snapshot records every device's final replica and the log size.
func (h *Harness) snapshot(ctx context.Context, s *Scenario, result *Result) error {
	for _, name := range s.Devices {
		d := h.devices[name]
		r := d.engine.Replica()
		result.Devices[name] = DeviceState{
			Cursor:     r.Cursor,
			Handle:     r.Handle,
			State:      d.engine.State().String(),
			Projection: r.Projection,
		}
	}

	records, err := h.store.Events(ctx, event.NoCursor)
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}
	result.LogSize = len(records)
	return nil
}
