package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/swap-engine/store/sqlite"
	"github.com/warp/swap-engine/swap"
)

func newTestScheduler(t *testing.T) (*SweepScheduler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := swap.NewHoldLedger(store, swap.NewManualClock(t0), nil)
	sweeper := swap.NewSweeper(ledger, nil, nil, swap.DefaultSweepConfig())
	return NewSweepScheduler(store, sweeper, nil), store
}

func TestSweepScheduler_RunNowRecordsEveryScan(t *testing.T) {
	s, store := newTestScheduler(t)

	reports := s.RunNow(context.Background())
	require.Len(t, reports, 3)
	assert.Equal(t, swap.SweepNoShow, reports[0].Kind)
	assert.Equal(t, swap.SweepInstant, reports[1].Kind)
	assert.Equal(t, swap.SweepReminders, reports[2].Kind)

	runs, err := store.ListSweepRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, "completed", run.Status)
		assert.NotNil(t, run.CompletedAt)
	}
}

func TestSweepScheduler_StartRunsImmediately(t *testing.T) {
	s, store := newTestScheduler(t)
	s.Interval = time.Hour

	s.Start()
	s.Start() // second start is a no-op

	require.Eventually(t, func() bool {
		runs, err := store.ListSweepRuns(context.Background(), 10)
		return err == nil && len(runs) == 3 && runs[0].Status == "completed" && runs[2].Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestSweepScheduler_DisabledDoesNotRun(t *testing.T) {
	s, store := newTestScheduler(t)
	s.Enabled = false

	s.Start()
	s.Stop()

	runs, err := store.ListSweepRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
