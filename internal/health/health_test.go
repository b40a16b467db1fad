package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorStartStopReportsUptime(t *testing.T) {
	m := New(0, nil)
	m.Start(context.Background())
	time.Sleep(5 * time.Millisecond)

	status := m.GetStatus()
	require.True(t, status.Running)
	assert.GreaterOrEqual(t, status.UptimeSeconds, int64(0))

	m.Stop()
	assert.False(t, m.GetStatus().Running)
}

func TestCheckRunsProbesAndRecordsTimestamp(t *testing.T) {
	called := false
	m := New(0, nil, func(ctx context.Context) error {
		called = true
		return errors.New("boom")
	})

	before := m.GetStatus().LastCheckAt
	m.Check(context.Background())
	after := m.GetStatus().LastCheckAt

	assert.True(t, called)
	assert.True(t, after.After(before))
}

func TestRecordRestartBoundsHistory(t *testing.T) {
	m := New(0, nil)
	for i := 0; i < maxRestartHistory+10; i++ {
		m.RecordRestart("crash")
	}
	status := m.GetStatus()
	assert.Equal(t, maxRestartHistory, status.RestartCount)
}

func TestPeriodicLoopInvokesChecks(t *testing.T) {
	count := 0
	m := New(5*time.Millisecond, nil, func(ctx context.Context) error {
		count++
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	assert.Greater(t, count, 0)
}
