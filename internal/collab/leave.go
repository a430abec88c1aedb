package collab

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LeaveOutcome tells the client how to leave a room. Callers branch on all three.
type LeaveOutcome string

const (
	// LeaveAskSave means changes exist after the baseline; prompt before leaving.
	LeaveAskSave LeaveOutcome = "askSave"
	// LeaveEmpty means nothing meaningful was ever added; leave silently.
	LeaveEmpty LeaveOutcome = "leaveEmptySession"
	// LeaveClean means content exists and nothing changed since the baseline.
	LeaveClean LeaveOutcome = "leaveSession"
)

// LeaveEvaluation is the outcome plus the baseline it was computed against.
type LeaveEvaluation struct {
	Outcome    LeaveOutcome `json:"outcome"`
	BaselineMs int64        `json:"baseline_ms"`
}

// EvaluateLeave decides whether leaving the room would lose work. The baseline is
// the later of the document's last save and the earliest session start in the
// room; any unit or tracked property touched at or after it asks for a save.
// An empty documentID evaluates the room's current document. The evaluation is read-only.
func (s *Service) EvaluateLeave(ctx context.Context, documentID, roomID string) (LeaveEvaluation, error) {
	var evaluation LeaveEvaluation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room Room
		if err := tx.Where(queryRoom, roomID).Take(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newOutcomeError(ErrSessionNotFound, "room_not_found")
			}
			return s.fail(opEvaluate, "room_select_failed", err, zap.String("room_id", roomID))
		}
		if documentID == "" {
			documentID = room.DocumentID
		}

		store := s.content.Tx(tx)
		lastSaved, err := store.LastPersistedAt(ctx, documentID)
		if err != nil {
			return s.fail(opEvaluate, "last_saved_failed", err, zap.String("document_id", documentID))
		}
		var earliest int64
		if err := tx.Model(&Session{}).
			Where(queryRoom, roomID).
			Select("COALESCE(MIN(created_at_ms), 0)").
			Scan(&earliest).Error; err != nil {
			return s.fail(opEvaluate, "earliest_session_failed", err, zap.String("room_id", roomID))
		}
		baseline := max(lastSaved, earliest)
		evaluation.BaselineMs = baseline

		unitsChanged, err := store.HasUnitChangesSince(ctx, roomID, baseline)
		if err != nil {
			return s.fail(opEvaluate, "unit_changes_failed", err, zap.String("room_id", roomID))
		}
		propertiesChanged := false
		if !unitsChanged {
			propertiesChanged, err = store.HasPropertyChangesSince(ctx, roomID, content.TrackedProperties, baseline)
			if err != nil {
				return s.fail(opEvaluate, "property_changes_failed", err, zap.String("room_id", roomID))
			}
		}
		if unitsChanged || propertiesChanged {
			evaluation.Outcome = LeaveAskSave
			return nil
		}

		components, pages, err := store.CountLive(ctx, roomID)
		if err != nil {
			return s.fail(opEvaluate, "count_live_failed", err, zap.String("room_id", roomID))
		}
		if components == 0 && pages <= 1 {
			evaluation.Outcome = LeaveEmpty
			return nil
		}
		evaluation.Outcome = LeaveClean
		return nil
	})
	if err != nil {
		return LeaveEvaluation{}, err
	}
	return evaluation, nil
}
