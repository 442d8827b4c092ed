package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	calls   int
	cutoff  time.Time
	removed int64
	err     error
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return f.removed, f.err
}

func TestPruneJournalJob_UsesRetentionWindow(t *testing.T) {
	pruner := &fakePruner{removed: 17}
	job := NewPruneJournalJob(pruner, nil, PruneJournalConfig{RetentionDays: 30})

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 1, pruner.calls)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -30), pruner.cutoff, 5*time.Second)

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, int64(17), stats.RowsRemoved)
	assert.Equal(t, pruner.cutoff, stats.Cutoff)
}

func TestPruneJournalJob_DefaultsRetentionWhenUnset(t *testing.T) {
	pruner := &fakePruner{}
	job := NewPruneJournalJob(pruner, nil, PruneJournalConfig{})

	require.NoError(t, job.Run(context.Background()))

	assert.WithinDuration(t, time.Now().AddDate(0, 0, -90), pruner.cutoff, 5*time.Second)
}

func TestPruneJournalJob_PropagatesErrors(t *testing.T) {
	pruner := &fakePruner{err: assert.AnError}
	job := NewPruneJournalJob(pruner, nil, DefaultPruneJournalConfig())

	err := job.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "prune journal")
}

func TestPruneJournalJob_NilPrunerIsANoOp(t *testing.T) {
	job := NewPruneJournalJob(nil, nil, DefaultPruneJournalConfig())

	require.NoError(t, job.Run(context.Background()))
	assert.Nil(t, job.LastRunStats())

	assert.Equal(t, "prune_journal", job.Name())
	assert.NotEmpty(t, job.Description())
}
