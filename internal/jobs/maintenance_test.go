package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceSweep(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := newSQLiteTestStore(t, clock)

	stuck := createJob(t, store, KindAuditPackage)
	_, err := store.ClaimNext(ctx, KindAuditPackage, 10)
	require.NoError(t, err)

	finished := createJob(t, store, KindConversion)
	_, err = store.ClaimNext(ctx, KindConversion, 10)
	require.NoError(t, err)
	_, err = store.Complete(ctx, finished.ID, Outcome{OutputRef: "out"})
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	m := NewMaintenance(store, PipelineKinds, 15*time.Minute, 24*time.Hour, discardLogger())
	m.now = clock.Now
	require.NoError(t, m.Sweep(ctx))

	got, err := store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = store.Get(ctx, finished.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMaintenanceStartRejectsBadSchedule(t *testing.T) {
	m := NewMaintenance(newSQLiteTestStore(t, newTestClock()), PipelineKinds, time.Minute, 0, nil)
	assert.Error(t, m.Start("not a schedule"))

	require.NoError(t, m.Start("@every 1h"))
	m.Stop()
}
