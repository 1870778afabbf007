package store

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/require"
)

// newTestStore opens an in-memory SQLite store with the schema applied,
// mirroring the teacher's pattern of exercising real client behavior
// against a throwaway backend rather than mocking the database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	st, err := Open("sqlite", ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.Migrate(migrate.Up)
	require.NoError(t, err)
	return st
}

func TestInsertAndGetShip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.Q().InsertCreating(ctx, "ship-1", ResourceSpec{CPUs: 1, Memory: "512m"}, 120, false)
	require.NoError(t, err)

	ship, err := st.Q().GetShip(ctx, "ship-1")
	require.NoError(t, err)
	require.Equal(t, ShipCreating, ship.Status)
	require.False(t, ship.WarmPool)

	spec, err := ship.UnmarshalSpec()
	require.NoError(t, err)
	require.Equal(t, "512m", spec.Memory)
}

func TestMarkRunningThenStopped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Q().InsertCreating(ctx, "ship-1", ResourceSpec{}, 60, false))
	require.NoError(t, st.Q().MarkRunning(ctx, "ship-1", "container-1", "10.0.0.1:8123", 60))

	ship, err := st.Q().GetShip(ctx, "ship-1")
	require.NoError(t, err)
	require.Equal(t, ShipRunning, ship.Status)
	require.Equal(t, "container-1", ship.ContainerID)
	require.NotNil(t, ship.ExpiresAt)

	require.NoError(t, st.Q().MarkStopped(ctx, "ship-1"))
	ship, err = st.Q().GetShip(ctx, "ship-1")
	require.NoError(t, err)
	require.Equal(t, ShipStopped, ship.Status)
	require.Nil(t, ship.ExpiresAt)
	// container_id is retained for stopped-ship data-volume recovery.
	require.Equal(t, "container-1", ship.ContainerID)
}

func TestClaimWarmPoolShip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// No pool ships yet: claim must report ErrNotFound.
	_, err := st.Q().ClaimWarmPoolShip(ctx, 60)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Q().InsertCreating(ctx, "pool-1", ResourceSpec{}, 60, true))
	require.NoError(t, st.Q().MarkRunning(ctx, "pool-1", "c1", "10.0.0.2:8123", 60))

	claimed, err := st.Q().ClaimWarmPoolShip(ctx, 120)
	require.NoError(t, err)
	require.Equal(t, "pool-1", claimed.ID)
	require.False(t, claimed.WarmPool)

	// Claimed once: a second claim attempt finds nothing left in the pool.
	_, err = st.Q().ClaimWarmPoolShip(ctx, 60)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExtendExpiryIsMonotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Q().InsertCreating(ctx, "ship-1", ResourceSpec{}, 60, false))
	require.NoError(t, st.Q().MarkRunning(ctx, "ship-1", "c1", "10.0.0.3:8123", 60))

	ship, err := st.Q().GetShip(ctx, "ship-1")
	require.NoError(t, err)
	originalExpiry := *ship.ExpiresAt

	// Extending with an earlier candidate must not shorten expires_at.
	earlier := originalExpiry.Add(-30 * time.Second)
	require.NoError(t, st.Q().ExtendExpiry(ctx, "ship-1", earlier, 60))
	ship, err = st.Q().GetShip(ctx, "ship-1")
	require.NoError(t, err)
	require.WithinDuration(t, originalExpiry, *ship.ExpiresAt, time.Second)

	// Extending with a later candidate does push it out.
	later := originalExpiry.Add(time.Hour)
	require.NoError(t, st.Q().ExtendExpiry(ctx, "ship-1", later, 60))
	ship, err = st.Q().GetShip(ctx, "ship-1")
	require.NoError(t, err)
	require.WithinDuration(t, later, *ship.ExpiresAt, time.Second)
}

func TestSessionBindingAndExpiry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Q().InsertCreating(ctx, "ship-1", ResourceSpec{}, 60, false))
	require.NoError(t, st.Q().MarkRunning(ctx, "ship-1", "c1", "10.0.0.4:8123", 60))
	require.NoError(t, st.Q().CreateSession(ctx, "sess-1", "ship-1", 60))

	sess, err := st.Q().GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "ship-1", sess.ShipID)

	byShip, err := st.Q().GetSessionByShip(ctx, "ship-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", byShip.SessionID)

	expired, err := st.Q().ListExpiredSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, expired)

	require.NoError(t, st.Q().DeleteSession(ctx, "sess-1"))
	_, err = st.Q().GetSession(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionHistoryLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := ExecutionRecord{
		ID:        "exec-1",
		SessionID: "sess-1",
		ShipID:    "ship-1",
		ExecType:  ExecPython,
		Code:      "print(1)",
		Success:   true,
	}
	require.NoError(t, st.Q().InsertExecution(ctx, rec))

	got, err := st.Q().GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "print(1)", got.Code)

	last, err := st.Q().GetLastExecution(ctx, "sess-1", nil)
	require.NoError(t, err)
	require.Equal(t, "exec-1", last.ID)

	desc := "warmup run"
	annotated, err := st.Q().AnnotateExecution(ctx, "exec-1", &desc, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, annotated.Description)
	require.Equal(t, desc, *annotated.Description)

	list, err := st.Q().ListExecutions(ctx, HistoryFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestExecutionHistoryTagsAndDescriptionFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tagged := JoinTags([]string{"data", "cleanup"})
	require.NoError(t, st.Q().InsertExecution(ctx, ExecutionRecord{
		ID: "exec-tagged", SessionID: "sess-1", ShipID: "ship-1",
		ExecType: ExecShell, Code: "rm tmp.csv", Success: true, Tags: &tagged,
	}))
	require.NoError(t, st.Q().InsertExecution(ctx, ExecutionRecord{
		ID: "exec-untagged", SessionID: "sess-1", ShipID: "ship-1",
		ExecType: ExecShell, Code: "ls", Success: true,
	}))

	byTag, err := st.Q().ListExecutions(ctx, HistoryFilter{SessionID: "sess-1", Tags: []string{"cleanup"}})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	require.Equal(t, "exec-tagged", byTag[0].ID)
	require.Equal(t, []string{"data", "cleanup"}, SplitTags(*byTag[0].Tags))

	desc := "annotated for reuse"
	_, err = st.Q().AnnotateExecution(ctx, "exec-tagged", &desc, nil, nil)
	require.NoError(t, err)

	hasDesc := true
	withDesc, err := st.Q().ListExecutions(ctx, HistoryFilter{SessionID: "sess-1", HasDescription: &hasDesc})
	require.NoError(t, err)
	require.Len(t, withDesc, 1)
	require.Equal(t, "exec-tagged", withDesc[0].ID)

	noDesc := false
	withoutDesc, err := st.Q().ListExecutions(ctx, HistoryFilter{SessionID: "sess-1", HasDescription: &noDesc})
	require.NoError(t, err)
	require.Len(t, withoutDesc, 1)
	require.Equal(t, "exec-untagged", withoutDesc[0].ID)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.Atomic(ctx, func(q *Queries) error {
		if err := q.InsertCreating(ctx, "ship-rollback", ResourceSpec{}, 60, false); err != nil {
			return err
		}
		return errRollbackForTest
	})
	require.ErrorIs(t, err, errRollbackForTest)

	_, err = st.Q().GetShip(ctx, "ship-rollback")
	require.ErrorIs(t, err, ErrNotFound)
}

var errRollbackForTest = errRollback{}

type errRollback struct{}

func (errRollback) Error() string { return "forced rollback for test" }
