package collab

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/stretchr/testify/require"
)

func TestScenarioJoinerReceivesEarlierAdd(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()

	opened, err := harness.service.OpenOrJoin(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, opened.IsNewSession)
	alice := opened.Session

	harness.mustJoin(t, alice, "bob")
	harness.mustAddComponent(t, alice.RoomID, "alice", "b1", "c1")

	entries, err := harness.service.DrainFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ActionAdd, entries[0].Action)
	require.Equal(t, ComponentTarget{ID: "c1", BlockID: "b1"}, entries[0].Target())
}

func TestScenarioLockHandOff(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	alice := harness.mustOpen(t, "alice")
	harness.mustJoin(t, alice, "bob")
	unitX := LockRequest{RoomID: alice.RoomID, BlockRef: "b1", UnitRef: "x"}

	unitX.Owner = "alice"
	outcome, err := harness.service.TryAcquire(ctx, unitX)
	require.NoError(t, err)
	require.True(t, outcome.Acquired)

	unitX.Owner = "bob"
	outcome, err = harness.service.TryAcquire(ctx, unitX)
	require.NoError(t, err)
	require.False(t, outcome.Acquired)
	require.Equal(t, "alice", outcome.Holder.Owner)

	require.NoError(t, harness.service.Release(ctx, alice.RoomID, "alice"))
	outcome, err = harness.service.TryAcquire(ctx, unitX)
	require.NoError(t, err)
	require.True(t, outcome.Acquired)
}

func TestScenarioOpenEditorBlocksSave(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	alice := harness.mustOpen(t, "alice")
	harness.mustJoin(t, alice, "bob")

	outcome, err := harness.service.TryAcquire(ctx, LockRequest{RoomID: alice.RoomID, Owner: "alice", BlockRef: "b1", UnitRef: "c1"})
	require.NoError(t, err)
	require.True(t, outcome.Acquired)

	require.ErrorIs(t, harness.service.BeginSave(ctx, alice.RoomID), ErrUnitOpenForEdit)
	require.False(t, harness.reloadRoom(t, alice.RoomID).SaveInProgress)

	require.NoError(t, harness.service.Release(ctx, alice.RoomID, "alice"))
	require.NoError(t, harness.service.BeginSave(ctx, alice.RoomID))

	require.ErrorIs(t, harness.service.BeginSave(ctx, alice.RoomID), ErrConcurrentSave, "second caller mid-save")
	_, err = harness.service.Save(ctx, SaveRequest{RoomID: alice.RoomID, Owner: "bob"})
	require.ErrorIs(t, err, ErrConcurrentSave)

	require.NoError(t, harness.service.EndSave(ctx, alice.RoomID))
	require.False(t, harness.reloadRoom(t, alice.RoomID).SaveInProgress)
}

func TestScenarioLeaveAfterSaveThenTitleEdit(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	alice := harness.mustOpen(t, "alice")
	require.Equal(t, LeaveEmpty, harness.mustEvaluate(t, alice))

	harness.clock.Advance(time.Second)
	harness.mustAddComponent(t, alice.RoomID, "alice", "b1", "c1")
	harness.clock.Advance(time.Second)
	_, err := harness.service.Save(ctx, SaveRequest{RoomID: alice.RoomID, Owner: "alice"})
	require.NoError(t, err)
	harness.clock.Advance(time.Second)
	require.Equal(t, LeaveClean, harness.mustEvaluate(t, alice))

	_, err = harness.service.RecordChange(ctx, alice.RoomID, "alice",
		Change{Action: ActionProperties, Target: DocumentTarget{}},
		func(ctx context.Context, store *content.Store) error {
			return store.SetProperty(ctx, alice.RoomID, content.PropertyTitle, "Photosynthesis")
		})
	require.NoError(t, err)
	require.Equal(t, LeaveAskSave, harness.mustEvaluate(t, alice))
}
