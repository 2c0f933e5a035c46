package fieldsync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestPageCache(t *testing.T) *PageCache {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cache, err := NewPageCache(db, nil)
	require.NoError(t, err)
	return cache
}

func TestRouteClassification(t *testing.T) {
	require.True(t, IsDashboardRoute("/technician/dashboard"))
	require.False(t, IsDashboardRoute("/technician/jobs/abc"))

	require.True(t, IsJobDetailRoute("/technician/jobs/abc"))
	require.False(t, IsJobDetailRoute("/technician/jobs/abc/photos"))
	require.False(t, IsJobDetailRoute("/technician/dashboard"))

	require.Equal(t, "abc", JobIDFromRoute("/technician/jobs/abc"))
	require.Equal(t, "", JobIDFromRoute("/technician/dashboard"))
	require.Equal(t, "/technician/jobs/abc", JobDetailRoute("abc"))
}

func TestRecordVisitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cache := newTestPageCache(t)

	require.NoError(t, cache.RecordVisit(ctx, DashboardRoute, "Dashboard"))
	require.NoError(t, cache.RecordVisit(ctx, DashboardRoute, "Dashboard"))

	n, err := cache.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	has, err := cache.Has(ctx, DashboardRoute)
	require.NoError(t, err)
	require.True(t, has)

	err = cache.RecordVisit(ctx, "", "nope")
	require.True(t, IsValidationError(err))
}

func TestRecordVisitPreservesContent(t *testing.T) {
	ctx := context.Background()
	cache := newTestPageCache(t)

	route := JobDetailRoute("job-1")
	require.NoError(t, cache.Put(ctx, route, "Job J-1001", []byte("<html>detail</html>")))

	// A later plain visit refreshes the timestamp without clobbering the body.
	require.NoError(t, cache.RecordVisit(ctx, route, "Job J-1001"))

	page, err := cache.Get(ctx, route)
	require.NoError(t, err)
	require.NotNil(t, page)
	require.Equal(t, []byte("<html>detail</html>"), page.Content)
}

func TestPageCacheGetMissing(t *testing.T) {
	ctx := context.Background()
	cache := newTestPageCache(t)

	page, err := cache.Get(ctx, "/technician/jobs/ghost")
	require.NoError(t, err)
	require.Nil(t, page)
}

func TestPageCacheListNewestFirst(t *testing.T) {
	ctx := context.Background()
	cache := newTestPageCache(t)

	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }
	require.NoError(t, cache.RecordVisit(ctx, DashboardRoute, "Dashboard"))
	cache.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, cache.RecordVisit(ctx, JobDetailRoute("job-1"), "Job J-1001"))

	pages, err := cache.List(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, JobDetailRoute("job-1"), pages[0].Route)
	require.Equal(t, DashboardRoute, pages[1].Route)
}

func TestPageCachePrunesStaleEntries(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	cache, err := NewPageCache(db, nil)
	require.NoError(t, err)

	old := time.Now().Add(-8 * 24 * time.Hour)
	cache.now = func() time.Time { return old }
	require.NoError(t, cache.RecordVisit(ctx, JobDetailRoute("stale"), "Old job"))

	cache.now = time.Now
	require.NoError(t, cache.RecordVisit(ctx, DashboardRoute, "Dashboard"))

	// Reopening over the same handle prunes entries past the max age.
	cache2, err := NewPageCache(db, nil)
	require.NoError(t, err)

	has, err := cache2.Has(ctx, JobDetailRoute("stale"))
	require.NoError(t, err)
	require.False(t, has)

	has, err = cache2.Has(ctx, DashboardRoute)
	require.NoError(t, err)
	require.True(t, has)
}
