package collab

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReleaseStaleLocks clears the editing reference of every session whose owner has
// not acted within ttl and announces the release to the room.
func (s *Service) ReleaseStaleLocks(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.nowMs() - ttl.Milliseconds()
	box := &outbox{}
	released := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []Session
		if err := tx.Where("editing_block_ref IS NOT NULL AND last_action_at_ms < ?", cutoff).
			Find(&stale).Error; err != nil {
			return s.fail(opSweep, "stale_locks_select_failed", err)
		}
		for _, session := range stale {
			blockRef, unitRef, _ := session.Editing()
			if err := clearEditing(tx.Where("session_id = ?", session.SessionID)); err != nil {
				return s.fail(opSweep, "lock_clear_failed", err, zap.String("room_id", session.RoomID))
			}
			box.add(session.RoomID, lockEvent(ActionUnlock, session.RoomID, session.Owner, blockRef, unitRef, 0))
			s.logger.Info("stale lock released",
				zap.String("room_id", session.RoomID),
				zap.String("owner", session.Owner),
				zap.String("block_ref", blockRef))
		}
		released = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.flush(ctx, box)
	return released, nil
}

// ClearStuckSaves lowers save flags raised longer than ttl ago.
func (s *Service) ClearStuckSaves(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.nowMs() - ttl.Milliseconds()
	result := s.db.WithContext(ctx).Model(&Room{}).
		Where("save_in_progress = ? AND save_started_at_ms < ?", true, cutoff).
		Updates(map[string]any{
			"save_in_progress":   false,
			"save_started_at_ms": 0,
		})
	if result.Error != nil {
		return 0, s.fail(opSweep, "stuck_saves_clear_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Warn("stuck save flags cleared", zap.Int64("count", result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}
