package taskman

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrdclient/xrdclient/logger"
)

func TestOneShotTask(t *testing.T) {
	m := New(logger.NewNullLogger())
	require.True(t, m.Start())
	defer m.Stop()

	var runs int32
	done := make(chan struct{})
	m.RegisterTask(&TaskFunc{
		TaskName: "one-shot",
		Func: func(now time.Time) time.Time {
			if atomic.AddInt32(&runs, 1) == 1 {
				close(done)
			}
			return time.Time{}
		},
	}, time.Now().Add(50*time.Millisecond))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}

	// one-shot tasks must not run again
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestReschedulingTask(t *testing.T) {
	m := New(logger.NewNullLogger())
	require.True(t, m.Start())
	defer m.Stop()

	var runs int32
	done := make(chan struct{})
	m.RegisterTask(&TaskFunc{
		TaskName: "rescheduling",
		Func: func(now time.Time) time.Time {
			if atomic.AddInt32(&runs, 1) == 3 {
				close(done)
				return time.Time{}
			}
			return now.Add(10 * time.Millisecond)
		},
	}, time.Now())

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("task ran %d times, expected 3", atomic.LoadInt32(&runs))
	}
}

func TestUnregisterBeforeRun(t *testing.T) {
	m := New(logger.NewNullLogger())
	require.True(t, m.Start())
	defer m.Stop()

	var runs int32
	task := &TaskFunc{
		TaskName: "never",
		Func: func(now time.Time) time.Time {
			atomic.AddInt32(&runs, 1)
			return time.Time{}
		},
	}
	m.RegisterTask(task, time.Now().Add(300*time.Millisecond))
	m.UnregisterTask(task)

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestStartStop(t *testing.T) {
	m := New(logger.NewNullLogger())
	require.True(t, m.Start())
	assert.False(t, m.Start(), "second start must fail")
	require.True(t, m.Stop())
	assert.False(t, m.Stop(), "second stop must fail")
}
