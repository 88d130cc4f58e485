package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T, alive map[int]bool) *Registry {
	t.Helper()
	r, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	r.processAlive = func(pid int) bool { return alive[pid] }
	return r
}

func entry(id, target string, pid int, state string) Entry {
	return Entry{
		SessionID:  id,
		TargetID:   target,
		TargetName: target,
		LocalAddr:  "127.0.0.1:15000",
		LocalPort:  15000,
		PID:        pid,
		State:      state,
		StartedAt:  time.Now().Add(-time.Minute),
	}
}

func TestOpen_CreatesDirectoryAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	r, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer r.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, path, r.Path())

	_, err = Open(context.Background(), "")
	assert.Error(t, err)
}

func TestUpsert_UpdatesStateAndKeepsStopRequest(t *testing.T) {
	r := openTestRegistry(t, map[int]bool{100: true})
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, entry("s1", "rds/orders", 100, "connecting")))
	n, err := r.RequestStop(ctx, "rds/orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e := entry("s1", "rds/orders", 100, "active")
	e.Relay = "tunnel-relay-orders-1234abcd"
	require.NoError(t, r.Upsert(ctx, e))

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "active", all[0].State)
	assert.Equal(t, "tunnel-relay-orders-1234abcd", all[0].Relay)
	assert.True(t, all[0].StopRequested)
	assert.True(t, all[0].Alive)
	assert.Equal(t, "1 minute ago", all[0].Age())
}

func TestActive_FiltersDeadAndTerminal(t *testing.T) {
	r := openTestRegistry(t, map[int]bool{100: true})
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, entry("live", "rds/orders", 100, "active")))
	require.NoError(t, r.Upsert(ctx, entry("closed", "rds/orders", 100, "closed")))
	require.NoError(t, r.Upsert(ctx, entry("orphan", "rds/billing", 200, "active")))

	active, err := r.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].SessionID)
}

func TestStopRequests(t *testing.T) {
	r := openTestRegistry(t, map[int]bool{100: true, 101: true})
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, entry("a", "rds/orders", 100, "active")))
	require.NoError(t, r.Upsert(ctx, entry("b", "rds/billing", 100, "active")))
	require.NoError(t, r.Upsert(ctx, entry("c", "rds/orders", 101, "active")))

	n, err := r.RequestStop(ctx, "rds/orders")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := r.StopRequests(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	n, err = r.RequestStop(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	ids, err = r.StopRequests(ctx, 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	n, err = r.RequestStop(ctx, "rds/unknown")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrune(t *testing.T) {
	r := openTestRegistry(t, map[int]bool{100: true})
	ctx := context.Background()

	old := entry("old-closed", "rds/orders", 100, "closed")
	old.UpdatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, r.Upsert(ctx, old))
	require.NoError(t, r.Upsert(ctx, entry("fresh-closed", "rds/orders", 100, "closed")))
	require.NoError(t, r.Upsert(ctx, entry("live", "rds/orders", 100, "active")))
	require.NoError(t, r.Upsert(ctx, entry("dead", "rds/billing", 200, "active")))

	n, err := r.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := r.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, e := range all {
		ids = append(ids, e.SessionID)
	}
	assert.ElementsMatch(t, []string{"fresh-closed", "live"}, ids)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
}
