package jobs

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

type fakeCoordinator struct {
	mu    sync.Mutex
	ids   []string
	errs  map[string]error
	calls []string
}

func (f *fakeCoordinator) AccountIDs() []string {
	return f.ids
}

func (f *fakeCoordinator) RunScheduledRefresh(_ context.Context, accountID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, accountID)
	f.mu.Unlock()
	return f.errs[accountID]
}

func (f *fakeCoordinator) sortedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	sort.Strings(out)
	return out
}

func TestRefreshAccountsJob_RefreshesEveryAccount(t *testing.T) {
	coord := &fakeCoordinator{ids: []string{"fam-maier", "fam-schulz", "fam-weber"}}
	job := NewRefreshAccountsJob(coord, nil, DefaultRefreshAccountsConfig())

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"fam-maier", "fam-schulz", "fam-weber"}, coord.sortedCalls())

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.TotalAccounts)
	assert.Equal(t, 3, stats.RefreshedCount)
	assert.Equal(t, 0, stats.SkippedCount)
	assert.Equal(t, 0, stats.FailedCount)
	assert.Empty(t, stats.Errors)
}

func TestRefreshAccountsJob_BusyAccountsCountAsSkipped(t *testing.T) {
	coord := &fakeCoordinator{
		ids: []string{"fam-maier", "fam-schulz", "fam-weber"},
		errs: map[string]error{
			"fam-schulz": shared.ErrRefreshInProgress,
			"fam-weber":  shared.ErrCooldownActive,
		},
	}
	job := NewRefreshAccountsJob(coord, nil, DefaultRefreshAccountsConfig())

	require.NoError(t, job.Run(context.Background()))

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.RefreshedCount)
	assert.Equal(t, 2, stats.SkippedCount)
	assert.Equal(t, 0, stats.FailedCount)
}

func TestRefreshAccountsJob_MinorityFailureIsTolerated(t *testing.T) {
	coord := &fakeCoordinator{
		ids: []string{"fam-maier", "fam-schulz", "fam-weber"},
		errs: map[string]error{
			"fam-weber": shared.ErrPortalUnreachable,
		},
	}
	job := NewRefreshAccountsJob(coord, nil, DefaultRefreshAccountsConfig())

	require.NoError(t, job.Run(context.Background()))

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.RefreshedCount)
	assert.Equal(t, 1, stats.FailedCount)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, "fam-weber", stats.Errors[0].AccountID)
	assert.ErrorIs(t, stats.Errors[0].Error, shared.ErrPortalUnreachable)
}

func TestRefreshAccountsJob_HalfFailingIsStillTolerated(t *testing.T) {
	coord := &fakeCoordinator{
		ids: []string{"fam-maier", "fam-schulz"},
		errs: map[string]error{
			"fam-schulz": shared.ErrPortalUnreachable,
		},
	}
	job := NewRefreshAccountsJob(coord, nil, DefaultRefreshAccountsConfig())

	assert.NoError(t, job.Run(context.Background()))
}

func TestRefreshAccountsJob_MajorityFailureReturnsError(t *testing.T) {
	coord := &fakeCoordinator{
		ids: []string{"fam-maier", "fam-schulz", "fam-weber"},
		errs: map[string]error{
			"fam-maier":  shared.ErrPortalUnreachable,
			"fam-schulz": shared.ErrPortalTimeout,
		},
	}
	job := NewRefreshAccountsJob(coord, nil, DefaultRefreshAccountsConfig())

	err := job.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than 50%")

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.FailedCount)
	assert.Len(t, stats.Errors, 2)
}

func TestRefreshAccountsJob_NoAccountsIsANoOp(t *testing.T) {
	coord := &fakeCoordinator{}
	job := NewRefreshAccountsJob(coord, nil, DefaultRefreshAccountsConfig())

	require.NoError(t, job.Run(context.Background()))

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 0, stats.TotalAccounts)
	assert.Empty(t, coord.sortedCalls())
}

func TestRefreshAccountsJob_NameAndDescription(t *testing.T) {
	job := NewRefreshAccountsJob(&fakeCoordinator{}, nil, DefaultRefreshAccountsConfig())

	assert.Equal(t, "refresh_accounts", job.Name())
	assert.NotEmpty(t, job.Description())
	assert.Nil(t, job.LastRunStats(), "no stats before the first run")
}
