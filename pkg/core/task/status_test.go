package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusReady, true},
		{StatusPending, StatusRunning, false},
		{StatusReady, StatusRunning, true},
		{StatusReady, StatusFailed, true},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusCheckpointed, true},
		{StatusRunning, StatusRunning, true},
		{StatusCheckpointed, StatusRunning, true},
		{StatusCheckpointed, StatusSucceeded, false},
		{StatusSucceeded, StatusPending, false},
		{StatusFailed, StatusPending, true},
		{StatusSkipped, StatusRunning, false},
	}
	for _, c := range cases {
		t.Run(string(c.from)+"->"+string(c.to), func(t *testing.T) {
			assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to))
		})
	}
}

func TestStatus_Predicates(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, s.IsValid())
	}
	assert.False(t, Status("unknown").IsValid())
	assert.True(t, StatusSkipped.IsTerminal())
	assert.False(t, StatusCheckpointed.IsTerminal())
	assert.True(t, StatusCheckpointed.IsInFlight())
	assert.False(t, StatusReady.IsInFlight())
}

func TestTaskError(t *testing.T) {
	base := errors.New("schema mismatch")
	err := Permanent("load", base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(Transient("extract", base)))
	assert.Nil(t, Transient("extract", nil))
}

func TestContextKeys(t *testing.T) {
	ctx := WithTask(context.Background(), &Task{RunID: "r1", ID: "crm.orders"})
	assert.Equal(t, "r1", GetRunID(ctx))
	assert.Equal(t, "crm.orders", GetTaskID(ctx))
	assert.Empty(t, GetRunID(context.Background()))
}
