package plan

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]StepStatus]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusSkipped}:   true,
		{StatusRunning, StatusSucceeded}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusFailed, StatusRetried}:    true,
		{StatusRetried, StatusRunning}:   true,
	}
	all := []StepStatus{StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusRetried, StatusSkipped}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]StepStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, from := range all {
		assert.False(t, CanTransition(from, StatusPending), "nothing returns to pending")
	}
}

func TestExecutionStep_Transition(t *testing.T) {
	now := time.Now()
	step := ExecutionStep{Index: 0, Capability: "search", Status: StatusPending}

	require.NoError(t, step.Transition(StatusRunning, now))
	require.NoError(t, step.Transition(StatusFailed, now.Add(time.Millisecond)))
	require.NoError(t, step.Transition(StatusRetried, now.Add(2*time.Millisecond)))
	require.NoError(t, step.Transition(StatusRunning, now.Add(3*time.Millisecond)))
	require.NoError(t, step.Transition(StatusSucceeded, now.Add(4*time.Millisecond)))

	assert.Equal(t, now, step.StartedAt, "StartedAt is the first run")
	assert.Equal(t, now.Add(4*time.Millisecond), step.EndedAt)
	assert.Len(t, step.Transitions, 5)

	err := step.Transition(StatusRunning, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusSucceeded, step.Status)
}

func TestComplexity_Text(t *testing.T) {
	b, err := json.Marshal(struct {
		C Complexity `json:"c"`
	}{Complex})
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":"complex"}`, string(b))

	c, err := ParseComplexity(" Moderate ")
	require.NoError(t, err)
	assert.Equal(t, Moderate, c)

	_, err = ParseComplexity("huge")
	assert.ErrorIs(t, err, ErrUnknownComplexity)

	assert.True(t, Simple < Moderate && Moderate < Complex)
}

func TestStrategy_Cost(t *testing.T) {
	assert.Less(t, Single.Cost(), Parallel.Cost())
	assert.Less(t, Parallel.Cost(), Sequential.Cost())

	s, err := ParseStrategy("PARALLEL")
	require.NoError(t, err)
	assert.Equal(t, Parallel, s)
	_, err = ParseStrategy("random")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestComputeOverallSuccess(t *testing.T) {
	tests := []struct {
		name  string
		steps []ExecutionStep
		want  bool
	}{
		{"empty", nil, false},
		{"all ok", []ExecutionStep{{Status: StatusSucceeded}, {Status: StatusSucceeded}}, true},
		{"optional failed", []ExecutionStep{{Status: StatusSucceeded}, {Status: StatusFailed, Optional: true}}, true},
		{"required failed", []ExecutionStep{{Status: StatusSucceeded}, {Status: StatusFailed}}, false},
		{"required skipped", []ExecutionStep{{Status: StatusSkipped}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeOverallSuccess(tt.steps))
		})
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := Plan{
		ID: "p1", SessionID: "s1", RequestID: "r1", Request: "find and summarize",
		Complexity: Moderate, Confidence: 0.8, Strategy: Sequential, CreatedAt: created,
		Steps: []Step{
			{Capability: "search"},
			{Capability: "summarize", Bindings: []Binding{{Name: "search", From: "search"}}},
			{Capability: "cite", Optional: true},
		},
	}
	steps := NewExecutionSteps(p)
	require.NoError(t, steps[0].Transition(StatusRunning, created))
	require.NoError(t, steps[0].Transition(StatusSucceeded, created))
	steps[0].Attempts = 1
	require.NoError(t, steps[1].Transition(StatusRunning, created))
	steps[1].Fail(KindFatal, errors.New("model refused"))
	require.NoError(t, steps[1].Transition(StatusFailed, created))
	steps[1].Attempts = 1
	steps[2].Fail(KindHalted, errors.New("halted"))
	require.NoError(t, steps[2].Transition(StatusSkipped, created))

	res := ExecutionResult{PlanID: "p1", Strategy: Sequential, Steps: steps, OverallSuccess: ComputeOverallSuccess(steps)}
	rec := NewRecord(p, res)

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	var decoded Record
	require.NoError(t, json.Unmarshal(raw, &decoded))

	got := decoded.Result()
	require.Len(t, got.Steps, 3)
	for i := range steps {
		assert.Equal(t, steps[i].Capability, got.Steps[i].Capability)
		assert.Equal(t, steps[i].Status, got.Steps[i].Status)
		assert.Equal(t, steps[i].ErrorKind, got.Steps[i].ErrorKind)
		assert.Equal(t, steps[i].ErrorMessage(), got.Steps[i].ErrorMessage())
	}
	assert.False(t, got.OverallSuccess)
	assert.Equal(t, []string{"search", "summarize", "cite"}, decoded.Capabilities)
	rebuilt := decoded.Plan()
	assert.Equal(t, Moderate, rebuilt.Complexity)
	require.Len(t, rebuilt.Steps, 3)
	assert.Empty(t, rebuilt.Steps[0].Bindings)
	assert.Equal(t, []Binding{{Name: "search", From: "search"}}, rebuilt.Steps[1].Bindings)
	assert.True(t, rebuilt.Steps[2].Optional)
}

func TestExecutionResult_Helpers(t *testing.T) {
	res := ExecutionResult{Steps: []ExecutionStep{
		{Capability: "a", Status: StatusSucceeded},
		{Capability: "b", Status: StatusFailed},
		{Capability: "c", Status: StatusSkipped},
	}}
	assert.Len(t, res.Succeeded(), 1)
	assert.Len(t, res.Failed(), 2)
	assert.True(t, res.AnySucceeded())
	assert.False(t, ExecutionResult{}.AnySucceeded())
}
