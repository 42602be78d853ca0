package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/thekeeper/internal/event"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
devices: [orga, alice]
setup:
  - create_orga: ORGA
    save_as: orga_code
flow:
  - device: orga
    op: redeem
    code: $orga_code
  - device: alice
    op: submit
    events:
      - kind: PlayerPerson
        payload: {player_id: P1, age: "-12"}
    expect:
      outcome: rejected
      index: 0
assertions:
  - type: log_count
    count: 2
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, []string{"orga", "alice"}, scenario.Devices)
	require.Len(t, scenario.Setup, 1)
	assert.Equal(t, "orga_code", scenario.Setup[0].SaveAs)
	require.Len(t, scenario.Flow, 2)
	assert.Equal(t, "$orga_code", scenario.Flow[0].Code)

	step := scenario.Flow[1]
	require.NotNil(t, step.Expect)
	require.NotNil(t, step.Expect.Index)
	assert.Equal(t, 0, *step.Expect.Index)
	assert.Nil(t, step.Expect.Cursor)

	ev, err := step.Events[0].Event()
	require.NoError(t, err)
	assert.Equal(t, event.PlayerPerson{PlayerID: "P1", Age: event.Below12}, ev.Payload)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: "assertion instead of assertions"
devices: [alice]
flow:
  - device: alice
    op: sync
assertion:
  - type: log_count
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	base := func(flow, assertions string) string {
		return "name: n\ndescription: d\ndevices: [alice, bob]\nflow:\n" + flow + "assertions:\n" + assertions
	}
	okFlow := "  - {device: alice, op: sync}\n"
	okAssert := "  - {type: log_count, count: 0}\n"

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing name", "description: d\ndevices: [a]\nflow:\n" + okFlow + "assertions:\n" + okAssert, "name is required"},
		{"no devices", "name: n\ndescription: d\nflow:\n" + okFlow + "assertions:\n" + okAssert, "devices list is required"},
		{"no flow", "name: n\ndescription: d\ndevices: [alice]\nassertions:\n" + okAssert, "flow list is required"},
		{"no assertions", "name: n\ndescription: d\ndevices: [alice]\nflow:\n" + okFlow, "assertions list is required"},
		{"unknown device", base("  - {device: carol, op: sync}\n", okAssert), `unknown device "carol"`},
		{"unknown op", base("  - {device: alice, op: dance}\n", okAssert), `unknown op "dance"`},
		{"bootstrap without handle", base("  - {device: alice, op: bootstrap}\n", okAssert), "handle is required"},
		{"submit without events", base("  - {device: alice, op: submit}\n", okAssert), "events are required"},
		{"redeem without code", base("  - {device: alice, op: redeem}\n", okAssert), "code is required"},
		{"bad outcome", base("  - {device: alice, op: sync, expect: {outcome: maybe}}\n", okAssert), `unknown outcome "maybe"`},
		{"unknown assertion", base(okFlow, "  - {type: vibes}\n"), `unknown assertion type "vibes"`},
		{"projection without expect", base(okFlow, "  - {type: projection, device: alice}\n"), "expect is required"},
		{"converged single device", base(okFlow, "  - {type: converged, devices: [alice]}\n"), "at least two devices"},
		{"cursor unknown device", base(okFlow, "  - {type: cursor, device: carol}\n"), `unknown device "carol"`},
		{"setup without orga", base(okFlow, okAssert) + "setup:\n  - {save_as: x}\n", "create_orga is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			assert.NoError(t, err)
		})
	}
}
