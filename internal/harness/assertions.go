package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/thekeeper/internal/projection"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s -> %s (cursor %d)\n", i+1, ev.Device, ev.Op, ev.Outcome, ev.Cursor)
		}
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and
// returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertProjection:
		return assertProjection(result, a)
	case AssertCursor:
		return assertCursor(result, a)
	case AssertState:
		return assertState(result, a)
	case AssertConverged:
		return assertConverged(result, a)
	case AssertLogCount:
		return assertLogCount(result, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertProjection checks that the device projection contains the
// expected values (subset match, extra keys ignored).
func assertProjection(result *Result, a Assertion) error {
	d, err := deviceState(result, a.Device)
	if err != nil {
		return err
	}
	actual, err := toGeneric(d.Projection)
	if err != nil {
		return err
	}
	if !matchArgs(actual, a.Expect) {
		return &AssertionError{
			Type:     AssertProjection,
			Expected: fmt.Sprintf("%s projection containing %v", a.Device, a.Expect),
			Actual:   fmt.Sprintf("%v", actual),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertCursor(result *Result, a Assertion) error {
	d, err := deviceState(result, a.Device)
	if err != nil {
		return err
	}
	if d.Cursor != a.Cursor {
		return &AssertionError{
			Type:     AssertCursor,
			Expected: fmt.Sprintf("%s cursor %d", a.Device, a.Cursor),
			Actual:   fmt.Sprintf("cursor %d", d.Cursor),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertState(result *Result, a Assertion) error {
	d, err := deviceState(result, a.Device)
	if err != nil {
		return err
	}
	if d.State != a.State {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s in state %s", a.Device, a.State),
			Actual:   fmt.Sprintf("state %s", d.State),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertConverged checks that all devices hold byte-identical canonical
// projections.
func assertConverged(result *Result, a Assertion) error {
	var first []byte
	for i, name := range a.Devices {
		d, err := deviceState(result, name)
		if err != nil {
			return err
		}
		data, err := projection.MarshalCanonical(d.Projection)
		if err != nil {
			return err
		}
		if i == 0 {
			first = data
			continue
		}
		if !bytes.Equal(first, data) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s projection %s", a.Devices[0], first),
				Actual:   fmt.Sprintf("%s projection %s", name, data),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertLogCount(result *Result, a Assertion) error {
	if result.LogSize != a.Count {
		return &AssertionError{
			Type:     AssertLogCount,
			Expected: fmt.Sprintf("%d events in the log", a.Count),
			Actual:   fmt.Sprintf("%d events", result.LogSize),
		}
	}
	return nil
}

func deviceState(result *Result, name string) (DeviceState, error) {
	d, ok := result.Devices[name]
	if !ok {
		return DeviceState{}, fmt.Errorf("no state recorded for device %q", name)
	}
	return d, nil
}

// toGeneric converts v to maps, slices and json.Number through its JSON
// encoding.
func toGeneric(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchArgs checks if actual contains all expected keys (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual map[string]any, expected map[string]any) bool {
	for key, expectedValue := range expected {
		actualValue, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(expectedValue, actualValue) {
			return false
		}
	}
	return true
}

// valuesEqual compares a YAML-decoded expected value with a JSON-decoded
// actual one. Nested maps match as subsets, numbers by their decimal text.
func valuesEqual(expected, actual any) bool {
	switch exp := expected.(type) {
	case nil:
		return actual == nil
	case map[string]any:
		act, ok := actual.(map[string]any)
		return ok && matchArgs(act, exp)
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !valuesEqual(exp[i], act[i]) {
				return false
			}
		}
		return true
	case int, int64, uint64, float64:
		num, ok := actual.(json.Number)
		return ok && fmt.Sprint(exp) == num.String()
	case string:
		act, ok := actual.(string)
		return ok && exp == act
	case bool:
		act, ok := actual.(bool)
		return ok && exp == act
	}
	return false
}
