package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	saveOutcomeSaved      = "saved"
	saveOutcomeConcurrent = "concurrent"
	saveOutcomeOpenUnit   = "unit_open"
	saveOutcomeQuota      = "quota"
	saveOutcomeRecent     = "recent"
	saveOutcomeError      = "error"
)

// SaveRequest asks for the room's working copy to be persisted.
type SaveRequest struct {
	RoomID string
	Owner  string
	Mode   content.SaveMode
}

// SaveResult describes the version a save produced.
type SaveResult struct {
	DocumentID  string           `json:"document_id"`
	VersionName int64            `json:"version_name"`
	Mode        content.SaveMode `json:"mode"`
	SizeBytes   int64            `json:"size_bytes"`
}

// BeginSave raises the room's save flag. It returns ErrConcurrentSave when a save
// is already running and ErrUnitOpenForEdit when any session of the room, the
// caller included, holds a unit.
func (s *Service) BeginSave(ctx context.Context, roomID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.lockRoom(tx, roomID)
		if err != nil {
			return s.fail(opBeginSave, "room_select_failed", err, zap.String("room_id", roomID))
		}
		if room.SaveInProgress {
			return newOutcomeError(ErrConcurrentSave, "concurrent_save_in_progress")
		}
		editor, err := holderOf(tx, roomID, unitKey{}, "")
		if err != nil {
			return s.fail(opBeginSave, "holder_select_failed", err, zap.String("room_id", roomID))
		}
		if editor != "" {
			return newOutcomeError(ErrUnitOpenForEdit, "unit_open_for_edit")
		}
		if err := tx.Model(&Room{}).Where(queryRoom, roomID).Updates(map[string]any{
			"save_in_progress":   true,
			"save_started_at_ms": s.nowMs(),
		}).Error; err != nil {
			return s.fail(opBeginSave, "flag_set_failed", err, zap.String("room_id", roomID))
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opBeginSave, err, zap.String("room_id", roomID))
		return err
	}
	return nil
}

// EndSave clears the room's save flag. It ignores cancellation of ctx.
func (s *Service) EndSave(ctx context.Context, roomID string) error {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&Room{}).
		Where(queryRoom, roomID).
		Updates(map[string]any{
			"save_in_progress":   false,
			"save_started_at_ms": 0,
		}).Error
	if err != nil {
		return s.fail(opEndSave, "flag_clear_failed", err, zap.String("room_id", roomID))
	}
	return nil
}

// Save persists the room's working copy as the next version of its document.
// The save flag is held for the duration and always cleared. save_as forks a new
// document identity whose version lineage restarts at 1. An autosave that finds
// nothing newer than the previous save returns ErrRecentSave without writing.
func (s *Service) Save(ctx context.Context, request SaveRequest) (result SaveResult, err error) {
	mode := request.Mode
	if mode == "" {
		mode = content.SaveModeManual
	}
	defer func() {
		s.metrics.SaveAttempt(string(mode), saveOutcome(err))
	}()
	switch mode {
	case content.SaveModeManual, content.SaveModeAutosave, content.SaveModeSaveAs:
	default:
		return SaveResult{}, newServiceError(opSave, "invalid_mode", fmt.Errorf("unknown save mode %q", mode))
	}

	if _, err := s.Touch(ctx, request.RoomID, request.Owner); err != nil {
		return SaveResult{}, err
	}
	if err := s.BeginSave(ctx, request.RoomID); err != nil {
		return SaveResult{}, err
	}
	defer func() {
		if endErr := s.EndSave(ctx, request.RoomID); endErr != nil && err == nil {
			err = endErr
		}
	}()

	latest, err := s.content.LatestMutationAt(ctx, request.RoomID)
	if err != nil {
		return SaveResult{}, s.fail(opSave, "latest_mutation_failed", err, zap.String("room_id", request.RoomID))
	}
	if mode == content.SaveModeAutosave && s.recentSaves != nil {
		if covered, ok := s.recentSaves.Get(request.RoomID); ok && covered.(int64) == latest {
			s.logger.Debug("autosave skipped", zap.String("room_id", request.RoomID))
			return SaveResult{}, newOutcomeError(ErrRecentSave, "recent_save")
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room Room
		if err := tx.Where(queryRoom, request.RoomID).Take(&room).Error; err != nil {
			return s.fail(opSave, "room_select_failed", err, zap.String("room_id", request.RoomID))
		}
		documentID := room.DocumentID
		if mode == content.SaveModeSaveAs {
			ids, err := s.newIDs(2)
			if err != nil {
				return s.fail(opSave, "id_generation_failed", err)
			}
			documentID = ids[0]
			if err := s.forkDocument(tx, room.RoomID, ids[0], ids[1]); err != nil {
				return s.fail(opSave, "fork_failed", err, zap.String("room_id", room.RoomID))
			}
		}

		version, err := s.content.Tx(tx).Persist(ctx, content.PersistRequest{
			DocumentID: documentID,
			RoomID:     room.RoomID,
			Owner:      request.Owner,
			Mode:       mode,
			QuotaBytes: s.quotaBytes,
		})
		var quotaErr *content.QuotaError
		if errors.As(err, &quotaErr) {
			outcome := newOutcomeError(ErrQuotaExceeded, "quota_exceeded")
			outcome.Quota = quotaErr
			return outcome
		}
		if err != nil {
			return s.fail(opSave, "persist_failed", err,
				zap.String("room_id", room.RoomID),
				zap.String("document_id", documentID))
		}
		result = SaveResult{
			DocumentID:  documentID,
			VersionName: version.VersionName,
			Mode:        mode,
			SizeBytes:   version.SizeBytes,
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opSave, err, zap.String("room_id", request.RoomID), zap.String("mode", string(mode)))
		return SaveResult{}, err
	}

	if s.recentSaves != nil {
		s.recentSaves.Set(request.RoomID, latest, cache.DefaultExpiration)
	}
	s.logger.Info("document saved",
		zap.String("room_id", request.RoomID),
		zap.String("document_id", result.DocumentID),
		zap.Int64("version_name", result.VersionName),
		zap.String("mode", string(mode)))
	return result, nil
}

func (s *Service) forkDocument(tx *gorm.DB, roomID, documentID, versionID string) error {
	updates := map[string]any{
		"document_id":         documentID,
		"document_version_id": versionID,
	}
	if err := tx.Model(&Room{}).Where(queryRoom, roomID).Updates(updates).Error; err != nil {
		return err
	}
	return tx.Model(&Session{}).Where(queryRoom, roomID).Updates(updates).Error
}

func saveOutcome(err error) string {
	switch {
	case err == nil:
		return saveOutcomeSaved
	case errors.Is(err, ErrConcurrentSave):
		return saveOutcomeConcurrent
	case errors.Is(err, ErrUnitOpenForEdit):
		return saveOutcomeOpenUnit
	case errors.Is(err, ErrQuotaExceeded):
		return saveOutcomeQuota
	case errors.Is(err, ErrRecentSave):
		return saveOutcomeRecent
	default:
		return saveOutcomeError
	}
}
