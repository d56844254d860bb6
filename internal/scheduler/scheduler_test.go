package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, gate func() bool) *Scheduler {
	t.Helper()
	s, err := New(context.Background(), zerolog.Nop(), gate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestRunNow(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(t, nil)
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "refresh", Name: "Refresh", Cron: "0 */6 * * *", Func: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}}))
	require.NoError(t, s.RunNow("refresh"))
	assert.EqualValues(t, 1, runs.Load())

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.NotNil(t, tasks[0].LastRun)
	assert.Empty(t, tasks[0].LastErr)

	assert.Error(t, s.RunNow("nope"))
}

func TestRunNow_recordsError(t *testing.T) {
	boom := errors.New("upstream down")
	s := newTestScheduler(t, nil)
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "prune", Cron: "30 3 * * *", Func: func(context.Context) error { return boom }}))
	assert.ErrorIs(t, s.RunNow("prune"), boom)
	assert.Equal(t, "upstream down", s.ListTasks()[0].LastErr)
}

func TestGateSkipsRuns(t *testing.T) {
	var maintenance atomic.Bool
	maintenance.Store(true)
	var runs atomic.Int32
	s := newTestScheduler(t, func() bool { return !maintenance.Load() })
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "refresh", Cron: "0 * * * *", Func: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	assert.ErrorIs(t, s.RunNow("refresh"), ErrSkipped)
	assert.Zero(t, runs.Load())

	maintenance.Store(false)
	require.NoError(t, s.RunNow("refresh"))
	assert.EqualValues(t, 1, runs.Load())
}

func TestRegisterTask_errors(t *testing.T) {
	s := newTestScheduler(t, nil)
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "a", Cron: "* * * * *", Func: noop}))
	assert.Error(t, s.RegisterTask(TaskConfig{ID: "a", Cron: "* * * * *", Func: noop}), "duplicate id")
	assert.Error(t, s.RegisterTask(TaskConfig{ID: "b", Cron: "not a cron", Func: noop}))
	assert.Error(t, s.RegisterTask(TaskConfig{ID: "c", Cron: "* * * * *"}))
}

func TestStart_runOnStartAndNextRun(t *testing.T) {
	done := make(chan struct{})
	s := newTestScheduler(t, nil)
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "boot", Cron: "0 0 1 1 *", RunOnStart: true, Func: func(context.Context) error {
		close(done)
		return nil
	}}))
	s.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnStart task did not run")
	}
	require.Eventually(t, func() bool {
		tasks := s.ListTasks()
		return tasks[0].NextRun != nil && !tasks[0].Running
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStop_cancelsTaskContext(t *testing.T) {
	s, err := New(context.Background(), zerolog.Nop(), nil)
	require.NoError(t, err)
	started := make(chan struct{})
	result := make(chan error, 1)
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "long", Cron: "0 0 1 1 *", Func: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	s.Start()
	go func() { result <- s.RunNow("long") }()
	<-started
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, <-result, context.Canceled)
}
