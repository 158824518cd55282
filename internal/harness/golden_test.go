package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_Scenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	for _, f := range files {
		scenario, err := LoadScenario(f)
		require.NoError(t, err)
		t.Run(scenario.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}

func TestMarshalSnapshot_Format(t *testing.T) {
	result := NewResult()
	result.Steps = append(result.Steps, StepRecord{Step: 1, Device: "laptop", Op: OpDrain})

	data, err := MarshalSnapshot("tiny", result)
	require.NoError(t, err)
	assert.Equal(t, "scenario: tiny\nsteps:\n  - step: 1\n    device: laptop\n    op: drain\n", string(data))
}

func TestMarshalSnapshot_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/share_and_edit.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := MarshalSnapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.False(t, strings.Contains(string(a), "hello"), "plaintext must not reach the trace")
}
