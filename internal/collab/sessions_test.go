package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/stretchr/testify/require"
)

func TestOpenOrJoinCreatesThenReturnsSession(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()

	first, err := harness.service.OpenOrJoin(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, first.IsNewSession)
	require.False(t, first.AlreadyLoggedHint)
	require.NotEmpty(t, first.Session.RoomID)
	require.NotEqual(t, first.Session.RoomID, first.Session.DocumentID)

	units, err := harness.store.LiveUnits(ctx, first.Session.RoomID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.True(t, units[0].IsRoot)

	harness.clock.Advance(time.Minute)
	second, err := harness.service.OpenOrJoin(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	require.False(t, second.IsNewSession)
	require.False(t, second.AlreadyLoggedHint)
	require.Equal(t, first.Session.SessionID, second.Session.SessionID)
}

func TestOpenOrJoinHintsWhenSoleIdleOccupant(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	alice := harness.mustOpen(t, "alice")

	harness.clock.Advance(16 * time.Minute)
	result, err := harness.service.OpenOrJoin(ctx, "alice", "")
	require.NoError(t, err)
	require.True(t, result.AlreadyLoggedHint)

	harness.mustJoin(t, alice, "bob")
	harness.clock.Advance(16 * time.Minute)
	result, err = harness.service.OpenOrJoin(ctx, "alice", "")
	require.NoError(t, err)
	require.False(t, result.AlreadyLoggedHint, "a shared room never hints")
}

func TestJoinByShareCodeOutcomes(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	alice := harness.mustOpen(t, "alice")
	carol := harness.mustOpen(t, "carol")

	testCases := []struct {
		name    string
		request JoinRequest
		wantErr error
	}{
		{
			name:    "unknown-room",
			request: JoinRequest{DocumentID: alice.DocumentID, RoomID: "missing", Owner: "bob"},
			wantErr: ErrSessionNotFound,
		},
		{
			name:    "stale-document",
			request: JoinRequest{DocumentID: "old-document", RoomID: alice.RoomID, Owner: "bob"},
			wantErr: ErrSessionProblem,
		},
		{
			name:    "owner-elsewhere-without-force",
			request: JoinRequest{DocumentID: alice.DocumentID, RoomID: alice.RoomID, Owner: "carol"},
			wantErr: ErrAlreadyOpenSession,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := harness.service.JoinByShareCode(ctx, testCase.request)
			require.ErrorIs(t, err, testCase.wantErr)
		})
	}

	joined, err := harness.service.JoinByShareCode(ctx, JoinRequest{
		DocumentID: alice.DocumentID,
		RoomID:     alice.RoomID,
		Owner:      "carol",
		ForceClose: true,
	})
	require.NoError(t, err)
	require.Equal(t, alice.RoomID, joined.RoomID)

	var rooms int64
	require.NoError(t, harness.db.Model(&Room{}).Where(queryRoom, carol.RoomID).Count(&rooms).Error)
	require.Zero(t, rooms, "the abandoned room is removed with its last session")

	again, err := harness.service.JoinByShareCode(ctx, JoinRequest{RoomID: alice.RoomID, Owner: "carol"})
	require.NoError(t, err)
	require.Equal(t, joined.SessionID, again.SessionID)
}

func TestCloseSessionReleasesAndPurges(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	alice := harness.mustOpen(t, "alice")
	harness.mustJoin(t, alice, "bob")

	outcome, err := harness.service.TryAcquire(ctx, LockRequest{RoomID: alice.RoomID, Owner: "bob", BlockRef: "b1"})
	require.NoError(t, err)
	require.True(t, outcome.Acquired)
	harness.mustAddComponent(t, alice.RoomID, "alice", "b2", "c1")

	result, err := harness.service.CloseSession(ctx, alice.RoomID, "bob")
	require.NoError(t, err)
	require.Equal(t, CloseResult{SessionsRemoved: 1}, result)

	var queued int64
	require.NoError(t, harness.db.Model(&SyncChangeEntry{}).Where("target_owner = ?", "bob").Count(&queued).Error)
	require.Zero(t, queued)
	free, err := harness.service.IsFree(ctx, alice.RoomID, "b1", "", "alice")
	require.NoError(t, err)
	require.True(t, free)
	require.Contains(t, harness.notifier.actions(), string(ActionUnlock))

	result, err = harness.service.CloseSession(ctx, alice.RoomID, "bob")
	require.NoError(t, err)
	require.Equal(t, CloseResult{}, result, "closing twice is a no-op")

	result, err = harness.service.CloseSession(ctx, alice.RoomID, "alice")
	require.NoError(t, err)
	require.Equal(t, CloseResult{NavNodesRemoved: 1, SessionsRemoved: 1}, result)

	units, err := harness.store.LiveUnits(ctx, alice.RoomID)
	require.NoError(t, err)
	require.Empty(t, units)
}

func TestOperationsRequireSession(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	alice := harness.mustOpen(t, "alice")

	_, err := harness.service.Touch(ctx, alice.RoomID, "mallory")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = harness.service.TryAcquire(ctx, LockRequest{RoomID: alice.RoomID, Owner: "mallory", BlockRef: "b1"})
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = harness.service.RecordChange(ctx, alice.RoomID, "mallory",
		Change{Action: ActionEdit, Target: PageTarget{ID: "root"}}, nil)
	require.ErrorIs(t, err, ErrSessionNotFound)

	drained, err := harness.service.DrainFor(ctx, "mallory")
	require.NoError(t, err, "an owner without a session has nothing queued")
	require.Empty(t, drained)

	_, err = harness.service.Save(ctx, SaveRequest{RoomID: alice.RoomID, Owner: "mallory", Mode: content.SaveModeManual})
	require.ErrorIs(t, err, ErrSessionNotFound)

	var outcome *Error
	require.True(t, errors.As(err, &outcome))
	require.Equal(t, "session_not_found", outcome.Code)
}

func TestTouchUpdatesLastAction(t *testing.T) {
	harness := newHarness(t)
	alice := harness.mustOpen(t, "alice")

	harness.clock.Advance(time.Minute)
	touched, err := harness.service.Touch(context.Background(), alice.RoomID, "alice")
	require.NoError(t, err)
	require.Equal(t, harness.clock.Now().UnixMilli(), touched.LastActionAtMs)
	require.Equal(t, touched.LastActionAtMs, harness.reloadSession(t, "alice").LastActionAtMs)
}
