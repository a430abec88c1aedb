package collab

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// publishChange appends an entry for every other session of the origin's room and
// raises the matching change flag. It must run inside the mutation's transaction.
func (s *Service) publishChange(tx *gorm.DB, origin Session, change Change) (int, error) {
	var targets []Session
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("room_id = ? AND owner <> ?", origin.RoomID, origin.Owner).
		Order("owner ASC").
		Find(&targets).Error; err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}

	kind, unitID, parentID := change.Target.columns()
	now := s.nowMs()
	entries := make([]SyncChangeEntry, 0, len(targets))
	owners := make([]string, 0, len(targets))
	for _, target := range targets {
		entries = append(entries, SyncChangeEntry{
			EntryID:            newEntryID(),
			TargetOwner:        target.Owner,
			RoomID:             origin.RoomID,
			DocumentID:         origin.DocumentID,
			Action:             change.Action,
			UnitKind:           kind,
			UnitID:             unitID,
			ParentID:           parentID,
			DestinationPageRef: change.DestinationPageRef,
			ThemeValueRef:      change.ThemeValueRef,
			CreatedAtMs:        now,
		})
		owners = append(owners, target.Owner)
	}
	if err := tx.Create(&entries).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&Session{}).
		Where("room_id = ? AND owner IN ?", origin.RoomID, owners).
		Update(flagColumn(change.Target), true).Error; err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DrainFor returns and deletes every entry queued for owner, oldest first, and
// clears the owner's change flags. When no flag is raised, or the owner has no
// session, it returns an empty slice after reading only the owner's session row.
func (s *Service) DrainFor(ctx context.Context, owner string) ([]SyncChangeEntry, error) {
	var gate Session
	err := s.db.WithContext(ctx).
		Select("session_id", "component_changed", "block_changed", "nav_changed").
		Where(queryOwner, owner).
		Take(&gate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []SyncChangeEntry{}, nil
	}
	if err != nil {
		return nil, s.fail(opDrain, "session_select_failed", err, zap.String("owner", owner))
	}
	if !gate.HasPendingChanges() {
		return []SyncChangeEntry{}, nil
	}

	var drained []SyncChangeEntry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryOwner, owner).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return s.fail(opDrain, "session_lock_failed", err, zap.String("owner", owner))
		}

		if err := tx.Where("target_owner = ?", owner).
			Order("entry_id ASC").
			Find(&drained).Error; err != nil {
			return s.fail(opDrain, "entries_select_failed", err, zap.String("owner", owner))
		}
		if len(drained) > 0 {
			ids := make([]string, 0, len(drained))
			for _, entry := range drained {
				ids = append(ids, entry.EntryID)
			}
			if err := tx.Where("entry_id IN ?", ids).Delete(&SyncChangeEntry{}).Error; err != nil {
				return s.fail(opDrain, "entries_delete_failed", err, zap.String("owner", owner))
			}
		}

		if err := tx.Model(&Session{}).Where("session_id = ?", session.SessionID).Updates(map[string]any{
			"component_changed": false,
			"block_changed":     false,
			"nav_changed":       false,
		}).Error; err != nil {
			return s.fail(opDrain, "flags_clear_failed", err, zap.String("owner", owner))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if drained == nil {
		drained = []SyncChangeEntry{}
	}

	s.metrics.ChangesDrained(len(drained))
	s.logger.Debug("changes drained", zap.String("owner", owner), zap.Int("count", len(drained)))
	return drained, nil
}

func formatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
