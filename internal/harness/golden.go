package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/thekeeper/internal/projection"
)

// Snapshot is the golden record of a scenario run: the step outcomes and
// every device's final replica.
type Snapshot struct {
	Scenario string                 `json:"scenario"`
	Trace    []TraceEvent           `json:"trace"`
	Devices  map[string]DeviceState `json:"devices"`
	LogSize  int                    `json:"log_size"`
}

// MarshalSnapshot renders a result as canonical JSON.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	return projection.MarshalCanonical(Snapshot{
		Scenario: name,
		Trace:    result.Trace,
		Devices:  result.Devices,
		LogSize:  result.LogSize,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
