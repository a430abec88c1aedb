package collab

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenResult is returned by OpenOrJoin.
type OpenResult struct {
	Session      Session
	IsNewSession bool
	// AlreadyLoggedHint asks the client to show a reconnect prompt: the owner is
	// alone in its room and has been idle past the threshold.
	AlreadyLoggedHint bool
}

// JoinRequest attaches an owner to an existing room via its share code.
type JoinRequest struct {
	DocumentID    string
	RoomID        string
	Owner         string
	ClientAddress string
	ForceClose    bool
}

// CloseResult reports what closing a session removed.
type CloseResult struct {
	NavNodesRemoved int64 `json:"nav_nodes_removed"`
	SessionsRemoved int64 `json:"sessions_removed"`
}

// OpenOrJoin returns the owner's current session, or allocates a fresh document,
// room and session when the owner has none.
func (s *Service) OpenOrJoin(ctx context.Context, owner, clientAddress string) (OpenResult, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return OpenResult{}, newOutcomeError(ErrSessionNotFound, "owner_required")
	}

	var result OpenResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.nowMs()
		var existing Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryOwner, owner).
			Take(&existing).Error
		if err == nil {
			var occupants int64
			if err := tx.Model(&Session{}).Where(queryRoom, existing.RoomID).Count(&occupants).Error; err != nil {
				return s.fail(opOpenSession, "count_occupants_failed", err, zap.String("owner", owner))
			}
			idle := now - existing.LastActionAtMs
			result.AlreadyLoggedHint = occupants == 1 && s.idleThreshold > 0 && idle > s.idleThreshold.Milliseconds()

			existing.LastActionAtMs = now
			if err := tx.Model(&Session{}).Where("session_id = ?", existing.SessionID).
				Update("last_action_at_ms", now).Error; err != nil {
				return s.fail(opOpenSession, "touch_failed", err, zap.String("owner", owner))
			}
			if err := s.attachRoomState(tx, &existing); err != nil {
				return s.fail(opOpenSession, "room_select_failed", err, zap.String("owner", owner))
			}
			result.Session = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return s.fail(opOpenSession, "session_select_failed", err, zap.String("owner", owner))
		}

		ids, err := s.newIDs(4)
		if err != nil {
			return s.fail(opOpenSession, "id_generation_failed", err, zap.String("owner", owner))
		}
		room := Room{
			RoomID:            ids[0],
			DocumentID:        ids[1],
			DocumentVersionID: ids[2],
			CreatedAtMs:       now,
		}
		if err := tx.Create(&room).Error; err != nil {
			return s.fail(opOpenSession, "room_insert_failed", err, zap.String("owner", owner))
		}
		session := Session{
			SessionID:         ids[3],
			RoomID:            room.RoomID,
			DocumentID:        room.DocumentID,
			DocumentVersionID: room.DocumentVersionID,
			Owner:             owner,
			ClientAddress:     clientAddress,
			CreatedAtMs:       now,
			LastActionAtMs:    now,
		}
		if err := tx.Create(&session).Error; err != nil {
			return s.fail(opOpenSession, "session_insert_failed", err, zap.String("owner", owner))
		}
		if err := s.content.Tx(tx).Scaffold(ctx, room.RoomID); err != nil {
			return s.fail(opOpenSession, "scaffold_failed", err, zap.String("room_id", room.RoomID))
		}
		result = OpenResult{Session: session, IsNewSession: true}
		return nil
	})
	if err != nil {
		return OpenResult{}, err
	}

	s.logger.Info("session opened",
		zap.String("room_id", result.Session.RoomID),
		zap.String("owner", owner),
		zap.Bool("new", result.IsNewSession),
		zap.Bool("already_logged_hint", result.AlreadyLoggedHint))
	return result, nil
}

// JoinByShareCode attaches the owner to the room named by the share code. A
// session the owner holds in another room is closed only when ForceClose is set.
func (s *Service) JoinByShareCode(ctx context.Context, request JoinRequest) (Session, error) {
	owner := strings.TrimSpace(request.Owner)
	roomID := strings.TrimSpace(request.RoomID)
	if owner == "" || roomID == "" {
		return Session{}, newOutcomeError(ErrSessionNotFound, "room_required")
	}

	box := &outbox{}
	var joined Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.lockRoom(tx, roomID)
		if err != nil {
			return s.fail(opJoinSession, "room_select_failed", err, zap.String("room_id", roomID))
		}
		if request.DocumentID != "" && request.DocumentID != room.DocumentID {
			return newOutcomeError(ErrSessionProblem, "document_mismatch")
		}

		now := s.nowMs()
		var existing Session
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryOwner, owner).Take(&existing).Error
		switch {
		case err == nil && existing.RoomID == roomID:
			if err := tx.Model(&Session{}).Where("session_id = ?", existing.SessionID).
				Update("last_action_at_ms", now).Error; err != nil {
				return s.fail(opJoinSession, "touch_failed", err, zap.String("room_id", roomID))
			}
			existing.LastActionAtMs = now
			existing.SaveInProgress = room.SaveInProgress
			joined = existing
			return nil
		case err == nil:
			if !request.ForceClose {
				return newOutcomeError(ErrAlreadyOpenSession, "already_open_session")
			}
			if _, err := s.closeInTx(ctx, tx, existing, box); err != nil {
				return s.fail(opJoinSession, "force_close_failed", err,
					zap.String("room_id", existing.RoomID),
					zap.String("owner", owner))
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return s.fail(opJoinSession, "session_select_failed", err, zap.String("owner", owner))
		}

		sessionID, err := s.idProvider.NewID()
		if err != nil {
			return s.fail(opJoinSession, "id_generation_failed", err)
		}
		joined = Session{
			SessionID:         sessionID,
			RoomID:            room.RoomID,
			DocumentID:        room.DocumentID,
			DocumentVersionID: room.DocumentVersionID,
			Owner:             owner,
			ClientAddress:     request.ClientAddress,
			CreatedAtMs:       now,
			LastActionAtMs:    now,
			SaveInProgress:    room.SaveInProgress,
		}
		if err := tx.Create(&joined).Error; err != nil {
			return s.fail(opJoinSession, "session_insert_failed", err, zap.String("room_id", roomID))
		}
		return nil
	})
	if err != nil {
		s.logOutcome(opJoinSession, err, zap.String("room_id", roomID), zap.String("owner", owner))
		return Session{}, err
	}
	s.flush(ctx, box)

	s.logger.Info("session joined", zap.String("room_id", roomID), zap.String("owner", owner))
	return joined, nil
}

// CloseSession removes the owner's session from the room, releasing its lock and
// purging its queued entries. The last session out removes the room and its working copy.
// Like every room mutation it locks the room row before any session row.
func (s *Service) CloseSession(ctx context.Context, roomID, owner string) (CloseResult, error) {
	box := &outbox{}
	var result CloseResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockRoom(tx, roomID); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return s.fail(opCloseSession, "room_select_failed", err, zap.String("room_id", roomID))
		}
		var session Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRoomOwner, roomID, owner).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return s.fail(opCloseSession, "session_select_failed", err, zap.String("room_id", roomID))
		}
		closed, err := s.closeInTx(ctx, tx, session, box)
		if err != nil {
			return s.fail(opCloseSession, "close_failed", err, zap.String("room_id", roomID), zap.String("owner", owner))
		}
		result = closed
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}
	s.flush(ctx, box)

	if result.SessionsRemoved > 0 {
		s.logger.Info("session closed",
			zap.String("room_id", roomID),
			zap.String("owner", owner),
			zap.Int64("nav_nodes_removed", result.NavNodesRemoved))
	}
	return result, nil
}

func (s *Service) closeInTx(ctx context.Context, tx *gorm.DB, session Session, box *outbox) (CloseResult, error) {
	if blockRef, unitRef, held := session.Editing(); held {
		box.add(session.RoomID, lockEvent(ActionUnlock, session.RoomID, session.Owner, blockRef, unitRef, 0))
	}
	if err := tx.Where("target_owner = ?", session.Owner).Delete(&SyncChangeEntry{}).Error; err != nil {
		return CloseResult{}, err
	}
	if err := tx.Where("session_id = ?", session.SessionID).Delete(&Session{}).Error; err != nil {
		return CloseResult{}, err
	}
	result := CloseResult{SessionsRemoved: 1}

	var remaining int64
	if err := tx.Model(&Session{}).Where(queryRoom, session.RoomID).Count(&remaining).Error; err != nil {
		return CloseResult{}, err
	}
	if remaining > 0 {
		return result, nil
	}

	pages, err := s.content.Tx(tx).RemoveRoom(ctx, session.RoomID)
	if err != nil {
		return CloseResult{}, err
	}
	if err := tx.Where(queryRoom, session.RoomID).Delete(&SyncChangeEntry{}).Error; err != nil {
		return CloseResult{}, err
	}
	if err := tx.Where(queryRoom, session.RoomID).Delete(&Room{}).Error; err != nil {
		return CloseResult{}, err
	}
	if s.recentSaves != nil {
		s.recentSaves.Delete(session.RoomID)
	}
	result.NavNodesRemoved = pages
	return result, nil
}

// Touch records activity on the owner's session in the room.
func (s *Service) Touch(ctx context.Context, roomID, owner string) (Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		touched, err := s.requireSession(tx, opTouch, roomID, owner)
		if err != nil {
			return err
		}
		session = touched
		return s.attachRoomState(tx, &session)
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// requireSession row-locks the owner's session in the room and touches it.
func (s *Service) requireSession(tx *gorm.DB, operation, roomID, owner string) (Session, error) {
	var session Session
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryRoomOwner, roomID, owner).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, newOutcomeError(ErrSessionNotFound, "session_not_found")
	}
	if err != nil {
		return Session{}, s.fail(operation, "session_select_failed", err, zap.String("room_id", roomID), zap.String("owner", owner))
	}
	now := s.nowMs()
	if err := tx.Model(&Session{}).Where("session_id = ?", session.SessionID).
		Update("last_action_at_ms", now).Error; err != nil {
		return Session{}, s.fail(operation, "touch_failed", err, zap.String("room_id", roomID), zap.String("owner", owner))
	}
	session.LastActionAtMs = now
	return session, nil
}

func (s *Service) lockRoom(tx *gorm.DB, roomID string) (Room, error) {
	var room Room
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryRoom, roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, newOutcomeError(ErrSessionNotFound, "room_not_found")
	}
	return room, err
}

func (s *Service) attachRoomState(tx *gorm.DB, session *Session) error {
	var room Room
	if err := tx.Where(queryRoom, session.RoomID).Take(&room).Error; err != nil {
		return err
	}
	session.SaveInProgress = room.SaveInProgress
	return nil
}

func (s *Service) newIDs(count int) ([]string, error) {
	ids := make([]string, 0, count)
	for index := 0; index < count; index++ {
		id, err := s.idProvider.NewID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// logOutcome records contention and session-state results at info level.
func (s *Service) logOutcome(operation string, err error, fields ...zap.Field) {
	var outcome *Error
	if !errors.As(err, &outcome) {
		return
	}
	attrs := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("outcome", outcome.Code),
	}, fields...)
	s.logger.Info("collab notice", attrs...)
}

func lockEvent(action ActionType, roomID, actor, blockRef, unitRef string, sinceMs int64) events.Event {
	event := events.Event{
		events.KeyAction:  string(action),
		events.KeyRoom:    roomID,
		events.KeyActor:   actor,
		events.KeyBlockID: blockRef,
		events.KeyUnitID:  unitRef,
	}
	if sinceMs > 0 {
		event[events.KeyEditing] = formatMillis(sinceMs)
	}
	return event
}
