package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libar-dev/libar-platform/internal/ir"
)

func TestGetOrCreateScope_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.MustScopeKey("t1", "reservation", "ord-1")

	first, err := s.GetOrCreateScope(ctx, key)
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, int64(0), first.CurrentVersion)

	second, err := s.GetOrCreateScope(ctx, key)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, key, second.ScopeKey)
}

func TestGetOrCreateScope_RejectsMalformedKey(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetOrCreateScope(context.Background(), ir.ScopeKey("tenant:only-two"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCheckScopeVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.MustScopeKey("t1", "reservation", "ord-1")

	check, err := s.CheckScopeVersion(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeNotFound, check.Status)

	_, err = s.CommitScope(ctx, key, 0, nil)
	require.NoError(t, err)

	check, err = s.CheckScopeVersion(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeMatch, check.Status)

	check, err = s.CheckScopeVersion(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeMismatch, check.Status)
	assert.Equal(t, int64(1), check.CurrentVersion)
}

func TestCommitScope_StaleCallerConflicts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.MustScopeKey("t1", "reservation", "ord-1")

	for v := int64(0); v < 5; v++ {
		res, err := s.CommitScope(ctx, key, v, nil)
		require.NoError(t, err)
		require.Equal(t, ir.ScopeCommitSuccess, res.Status)
	}

	res, err := s.CommitScope(ctx, key, 5, []string{"Product:p-1"})
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeCommitSuccess, res.Status)
	assert.Equal(t, int64(6), res.NewVersion)

	stale, err := s.CommitScope(ctx, key, 5, []string{"Product:p-2"})
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeCommitConflict, stale.Status)
	assert.Equal(t, int64(6), stale.CurrentVersion)

	scope, err := s.GetScope(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), scope.CurrentVersion)
	assert.Equal(t, []string{"Product:p-1"}, scope.StreamIDs, "conflicting commit must not record members")
}

func TestCommitScope_BumpsOncePerCommitAndMergesMembers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.MustScopeKey("t1", "reservation", "ord-1")

	res, err := s.CommitScope(ctx, key, 0, []string{"Product:p-2", "Product:p-1", "Product:p-3"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NewVersion)

	res, err = s.CommitScope(ctx, key, 1, []string{"Product:p-1", "Product:p-4"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.NewVersion)

	scope, err := s.GetScope(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"Product:p-1", "Product:p-2", "Product:p-3", "Product:p-4"}, scope.StreamIDs)
	assert.Equal(t, "t1", scope.TenantID)
	assert.Equal(t, "reservation", scope.ScopeType)
	assert.Equal(t, "ord-1", scope.ScopeID)
}

func TestCommitScope_MissingScopeCountsAsZero(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.MustScopeKey("t1", "reservation", "ord-1")

	res, err := s.CommitScope(ctx, key, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeCommitConflict, res.Status)
	assert.Equal(t, int64(0), res.CurrentVersion)
}

func TestCommitScope_ConcurrentCommitsExactlyOneWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.MustScopeKey("t1", "reservation", "ord-1")
	_, err := s.GetOrCreateScope(ctx, key)
	require.NoError(t, err)

	const callers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses []ir.ScopeCommitStatus
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.CommitScope(ctx, key, 0, nil)
			assert.NoError(t, err)
			mu.Lock()
			statuses = append(statuses, res.Status)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var wins int
	for _, st := range statuses {
		if st == ir.ScopeCommitSuccess {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	scope, err := s.GetScope(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), scope.CurrentVersion)
}
