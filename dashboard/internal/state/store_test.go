package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func statusPtr(s models.EnvironmentStatus) *models.EnvironmentStatus { return &s }
func healthPtr(h models.Health) *models.Health                      { return &h }

func TestSnapshotReplacesAndClearsStaleSelection(t *testing.T) {
	now := base
	s := New(Options{Now: fixedClock(&now)})

	s.ReplaceSnapshot(models.Snapshot{
		Environments: []models.Environment{{ID: "e1", Status: models.StatusReady}},
	})
	envs := s.Environments()
	require.Len(t, envs, 1)
	assert.Equal(t, "e1", envs[0].ID)
	assert.Equal(t, models.StatusReady, envs[0].Status)

	require.NoError(t, s.Select("e1"))
	s.SetMultiSelection([]string{"e1"})
	s.ReplaceSnapshot(models.Snapshot{
		Environments: []models.Environment{{ID: "e2", Status: models.StatusRunning}},
	})
	_, ok := s.Selected()
	assert.False(t, ok)
	assert.Empty(t, s.MultiSelected())
	_, ok = s.Environment("e1")
	assert.False(t, ok)
}

func TestSelectUnknownEnvironment(t *testing.T) {
	s := New(Options{})
	assert.ErrorIs(t, s.Select("ghost"), ErrUnknownEnvironment)
	assert.Empty(t, s.SetMultiSelection([]string{"ghost"}))
}

func TestSnapshotKeepsOrder(t *testing.T) {
	s := New(Options{})
	s.ReplaceSnapshot(models.Snapshot{Environments: []models.Environment{{ID: "c"}, {ID: "a"}, {ID: "b"}}})
	var ids []string
	for _, env := range s.Environments() {
		ids = append(ids, env.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestUpsertEnvironmentIsCommutative(t *testing.T) {
	cpu := models.ResourceUsage{CPU: 71, Memory: 40, Disk: 12}
	a := models.EnvironmentPatch{
		ID:        "e1",
		Status:    statusPtr(models.StatusRunning),
		Health:    healthPtr(models.HealthHealthy),
		UpdatedAt: base.Add(time.Second),
	}
	b := models.EnvironmentPatch{
		ID:        "e1",
		Status:    statusPtr(models.StatusCleanup),
		Resources: &cpu,
		UpdatedAt: base.Add(2 * time.Second),
	}

	run := func(order ...models.EnvironmentPatch) models.Environment {
		now := base.Add(time.Minute)
		s := New(Options{Now: fixedClock(&now)})
		for _, p := range order {
			_, err := s.UpsertEnvironment(p)
			require.NoError(t, err)
		}
		env, ok := s.Environment("e1")
		require.True(t, ok)
		return env
	}

	ab := run(a, b)
	ba := run(b, a)
	assert.Equal(t, ab, ba)
	assert.Equal(t, models.StatusCleanup, ab.Status, "overlapping field takes the later timestamp")
	assert.Equal(t, models.HealthHealthy, ab.Health, "independent field survives")
	assert.Equal(t, 71.0, ab.Resources.CPU)
	assert.Equal(t, base.Add(2*time.Second), ab.UpdatedAt)
	assert.Equal(t, base.Add(time.Second), ab.CreatedAt)

	again := run(a, b, a, b)
	assert.Equal(t, ab, again)
}

func TestUpsertEnvironmentEqualTimestampsTieBreak(t *testing.T) {
	x := models.EnvironmentPatch{ID: "e1", Status: statusPtr(models.StatusError), UpdatedAt: base}
	y := models.EnvironmentPatch{ID: "e1", Status: statusPtr(models.StatusReady), UpdatedAt: base}

	s1 := New(Options{})
	_, _ = s1.UpsertEnvironment(x)
	_, _ = s1.UpsertEnvironment(y)
	s2 := New(Options{})
	_, _ = s2.UpsertEnvironment(y)
	_, _ = s2.UpsertEnvironment(x)

	e1, _ := s1.Environment("e1")
	e2, _ := s2.Environment("e1")
	assert.Equal(t, e1.Status, e2.Status)
}

func TestUpsertEnvironmentRequiresID(t *testing.T) {
	s := New(Options{})
	_, err := s.UpsertEnvironment(models.EnvironmentPatch{})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestPendingClearedByRemoteUpdate(t *testing.T) {
	s := New(Options{})
	s.ReplaceSnapshot(models.Snapshot{Environments: []models.Environment{{ID: "e1", UpdatedAt: base}}})

	assert.Equal(t, []string{"e1"}, s.MarkPending("e1", "ghost"))
	env, _ := s.Environment("e1")
	assert.True(t, env.Pending)
	_, ok := s.Environment("ghost")
	assert.False(t, ok, "pending never fabricates an environment")

	_, err := s.UpsertEnvironment(models.EnvironmentPatch{ID: "e1", Status: statusPtr(models.StatusRunning), UpdatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	env, _ = s.Environment("e1")
	assert.False(t, env.Pending)
}

func TestQueueOrderingAndTerminalRemoval(t *testing.T) {
	s := New(Options{})
	reqs := []models.AllocationRequest{
		{ID: "r3", Priority: 5, SubmittedAt: base, Status: models.AllocationQueued},
		{ID: "r1", Priority: 1, SubmittedAt: base.Add(time.Minute), Status: models.AllocationQueued},
		{ID: "r2", Priority: 1, SubmittedAt: base, Status: models.AllocationPending},
	}
	for _, r := range reqs {
		_, err := s.UpsertAllocation(r)
		require.NoError(t, err)
	}

	q := s.Queue()
	require.Len(t, q, 3)
	assert.Equal(t, "r2", q[0].ID)
	assert.Equal(t, "r1", q[1].ID)
	assert.Equal(t, "r3", q[2].ID)
	assert.Equal(t, 1, q[0].QueuePosition)
	assert.Equal(t, 3, q[2].QueuePosition)

	done := models.AllocationRequest{ID: "r2", Priority: 1, SubmittedAt: base, UpdatedAt: base.Add(2 * time.Minute), Status: models.AllocationAllocated, EnvironmentID: "e1"}
	changed, err := s.UpsertAllocation(done)
	require.NoError(t, err)
	assert.True(t, changed)

	stale := models.AllocationRequest{ID: "r2", Priority: 1, SubmittedAt: base, UpdatedAt: base.Add(time.Minute), Status: models.AllocationPending}
	changed, err = s.UpsertAllocation(stale)
	require.NoError(t, err)
	assert.False(t, changed, "older update does not resurrect a finished request")
	require.Len(t, s.Queue(), 2)
	assert.Equal(t, "r1", s.Queue()[0].ID)
}

func TestUtilizationWindowPrunes(t *testing.T) {
	now := base
	s := New(Options{UtilizationWindow: 30 * time.Minute, Now: fixedClock(&now)})
	usage := models.ResourceUsage{CPU: 10}

	_, err := s.UpsertEnvironment(models.EnvironmentPatch{ID: "e1", Resources: &usage, UpdatedAt: base})
	require.NoError(t, err)
	_, err = s.UpsertEnvironment(models.EnvironmentPatch{ID: "e1", Resources: &usage, UpdatedAt: base})
	require.NoError(t, err)
	assert.Len(t, s.Utilization("e1"), 1, "same sample is stored once")

	now = base.Add(31 * time.Minute)
	_, err = s.UpsertEnvironment(models.EnvironmentPatch{ID: "e2", Resources: &usage, UpdatedAt: now})
	require.NoError(t, err)
	assert.Empty(t, s.Utilization("e1"))
	assert.Len(t, s.Utilization(""), 1)
}

func TestTombstonesExpireWithRetentionWindow(t *testing.T) {
	now := base
	s := New(Options{UtilizationWindow: 30 * time.Minute, Now: fixedClock(&now)})

	_, err := s.UpsertAllocation(models.AllocationRequest{ID: "r1", SubmittedAt: base, UpdatedAt: base, Status: models.AllocationCancelled})
	require.NoError(t, err)
	s.mu.RLock()
	assert.Len(t, s.tombstones, 1)
	s.mu.RUnlock()

	now = base.Add(31 * time.Minute)
	_, err = s.UpsertAllocation(models.AllocationRequest{ID: "r2", SubmittedAt: now, UpdatedAt: now, Status: models.AllocationFailed})
	require.NoError(t, err)
	s.mu.RLock()
	_, kept := s.tombstones["r1"]
	assert.False(t, kept)
	assert.Len(t, s.tombstones, 1)
	s.mu.RUnlock()
}

func TestHistoryDedupesAndBounds(t *testing.T) {
	s := New(Options{HistoryLimit: 3})
	for i := 0; i < 5; i++ {
		added := s.AppendEvent(models.AllocationEvent{
			ID:        string(rune('a' + i)),
			Type:      models.EventAllocated,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		assert.True(t, added)
	}
	assert.False(t, s.AppendEvent(models.AllocationEvent{ID: "e", Timestamp: base.Add(4 * time.Second)}))

	hist := s.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "e", hist[0].ID)
	assert.Equal(t, "c", hist[2].ID)
}

func TestVersionAdvancesOnMutation(t *testing.T) {
	s := New(Options{})
	v0 := s.Version()
	s.ReplaceSnapshot(models.Snapshot{})
	assert.Greater(t, s.Version(), v0)
}
