package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestUpsertAndGetByName(t *testing.T) {
	reg := newTestRegistry(t)
	rec := &types.ContainerRecord{Name: "c1", Status: types.StatusIdle, CreatedAt: time.Now()}
	require.NoError(t, reg.Upsert(rec))

	got, err := reg.GetByName("c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.StatusIdle, got.Status)
}

func TestGetByNameUnknownReturnsNilNoError(t *testing.T) {
	reg := newTestRegistry(t)
	got, err := reg.GetByName("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAssignThenUnassignRestoresWarmShape(t *testing.T) {
	reg := newTestRegistry(t)
	rec := &types.ContainerRecord{Name: "c1", Status: types.StatusIdle}
	require.NoError(t, reg.Upsert(rec))

	require.NoError(t, reg.AssignToSession("c1", "session-1", "agent-1"))
	require.NoError(t, reg.SetStatus("c1", types.StatusRunning))
	require.NoError(t, reg.TouchHeartbeat("c1", strPtr("resume-1"), intPtr(3)))

	require.NoError(t, reg.Unassign("c1"))

	got, err := reg.GetByName("c1")
	require.NoError(t, err)
	assert.Equal(t, "", got.SessionKey)
	assert.Equal(t, types.StatusIdle, got.Status)
	assert.Equal(t, 0, got.TurnCount)
	assert.Equal(t, "", got.ResumableSessionID)
}

func TestListWarmOnlyReturnsUnassignedIdle(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Upsert(&types.ContainerRecord{Name: "warm1", Status: types.StatusIdle}))
	require.NoError(t, reg.Upsert(&types.ContainerRecord{Name: "busy1", Status: types.StatusRunning, SessionKey: "s1"}))

	warm, err := reg.ListWarm()
	require.NoError(t, err)
	require.Len(t, warm, 1)
	assert.Equal(t, "warm1", warm[0].Name)
}

func TestReconcileRemovesEntriesNotInRuntimeSet(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Upsert(&types.ContainerRecord{Name: "keep"}))
	require.NoError(t, reg.Upsert(&types.ContainerRecord{Name: "gone"}))

	removed, err := reg.Reconcile(map[string]bool{"keep": true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gone"}, removed)

	all, err := reg.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "keep", all[0].Name)
}

func TestListStaleFiltersByStatusAndHeartbeatAge(t *testing.T) {
	reg := newTestRegistry(t)
	stale := &types.ContainerRecord{Name: "stale", Status: types.StatusRunning, LastHeartbeat: time.Now().Add(-time.Hour)}
	fresh := &types.ContainerRecord{Name: "fresh", Status: types.StatusRunning, LastHeartbeat: time.Now()}
	stopped := &types.ContainerRecord{Name: "stopped", Status: types.StatusStopped, LastHeartbeat: time.Now().Add(-time.Hour)}
	require.NoError(t, reg.Upsert(stale))
	require.NoError(t, reg.Upsert(fresh))
	require.NoError(t, reg.Upsert(stopped))

	got, err := reg.ListStale(10 * time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].Name)
}

func TestRemoveByNameIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RemoveByName("never-existed"))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&types.ContainerRecord{Name: "c1", Status: types.StatusIdle}))
	require.NoError(t, reg.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetByName("c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.Name)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
