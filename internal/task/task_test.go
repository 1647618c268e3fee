package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycle(t *testing.T) {
	tk := New(Spec{Prompt: "do the thing"})
	require.Equal(t, StatusPending, tk.Status)
	require.NotEmpty(t, tk.ID)
	require.Equal(t, DefaultTimeout, tk.Timeout)

	require.NoError(t, tk.Assign("sess-1"))
	assert.Equal(t, StatusRunning, tk.Status)
	assert.Equal(t, "sess-1", tk.AssignedSession)
	assert.False(t, tk.StartedAt.IsZero())

	require.NoError(t, tk.Complete())
	assert.Equal(t, StatusCompleted, tk.Status)
	assert.Empty(t, tk.AssignedSession, "completed task must not keep a session link")
}

func TestTaskInvalidTransitions(t *testing.T) {
	tk := New(Spec{Prompt: "p"})

	// Cannot complete a pending task.
	assert.Error(t, tk.Complete())

	require.NoError(t, tk.Assign("s"))
	// Cannot re-assign a running task.
	assert.Error(t, tk.Assign("other"))

	require.NoError(t, tk.Fail("broke"))
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, "broke", tk.LastError)
	assert.Empty(t, tk.AssignedSession)

	// Terminal states reject further transitions.
	assert.Error(t, tk.Fail("again"))
	assert.Error(t, tk.Complete())
	assert.Error(t, tk.Assign("s2"))
}

func TestTaskFailFromPending(t *testing.T) {
	tk := New(Spec{Prompt: "p"})
	require.NoError(t, tk.Fail("cancelled before start"))
	assert.Equal(t, StatusFailed, tk.Status)
}

func TestTaskAppendsInAnyState(t *testing.T) {
	tk := New(Spec{Prompt: "p"})
	tk.AppendOutput("early ")
	require.NoError(t, tk.Assign("s"))
	require.NoError(t, tk.Fail("timeout"))
	tk.AppendOutput("late")
	tk.SetError("diagnostic")
	assert.Equal(t, "early late", tk.Output)
	assert.Equal(t, "diagnostic", tk.LastError)
	assert.Equal(t, StatusFailed, tk.Status, "appends must not change status")
}

func TestCheckCompletionCustomPhrase(t *testing.T) {
	tk := New(Spec{Prompt: "p", CompletionPhrase: "WIDGET_DONE"})

	assert.True(t, tk.CheckCompletion("blah <task-complete>WIDGET_DONE</task-complete> blah"))
	// Bare phrase outside the sentinel tags must not count.
	assert.False(t, tk.CheckCompletion("I will print WIDGET_DONE when finished"))
	// Default phrases are ignored when a custom phrase is set.
	assert.False(t, tk.CheckCompletion("task complete"))
}

func TestCheckCompletionDefaults(t *testing.T) {
	tk := New(Spec{Prompt: "p"})
	assert.True(t, tk.CheckCompletion("All tasks complete, exiting."))
	assert.True(t, tk.CheckCompletion("Task Completed successfully"))
	assert.False(t, tk.CheckCompletion("still working on it"))
}

func TestTimedOut(t *testing.T) {
	tk := New(Spec{Prompt: "p", Timeout: time.Minute})
	now := time.Now()

	assert.False(t, tk.TimedOut(now), "pending task never times out")

	require.NoError(t, tk.Assign("s"))
	tk.StartedAt = now.Add(-30 * time.Second)
	assert.False(t, tk.TimedOut(now))

	tk.StartedAt = now.Add(-2 * time.Minute)
	assert.True(t, tk.TimedOut(now))

	require.NoError(t, tk.Fail("timeout"))
	assert.False(t, tk.TimedOut(now), "failed task no longer reports timeout")
}
