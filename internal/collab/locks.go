package collab

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lockOutcomeAcquired = "acquired"
	lockOutcomeDenied   = "denied"
	lockOutcomeError    = "error"
)

// LockRequest names the unit a session wants to edit. An empty UnitRef is the whole block.
type LockRequest struct {
	RoomID   string
	Owner    string
	BlockRef string
	UnitRef  string
}

// LockOutcome is Acquired, or Denied with the current holder.
type LockOutcome struct {
	Acquired bool
	Holder   *Holder
}

// Err converts a denial into a typed ErrUnitBusy outcome.
func (o LockOutcome) Err() error {
	if o.Acquired {
		return nil
	}
	outcome := newOutcomeError(ErrUnitBusy, "unit_busy")
	outcome.Holder = o.Holder
	return outcome
}

// TryAcquire gives the caller editing rights on a unit unless another session holds it.
// The check and the set run in one transaction under the room row lock, so two
// concurrent callers for the same unit get exactly one Acquired.
func (s *Service) TryAcquire(ctx context.Context, request LockRequest) (LockOutcome, error) {
	blockRef := strings.TrimSpace(request.BlockRef)
	unitRef := strings.TrimSpace(request.UnitRef)
	if blockRef == "" {
		return LockOutcome{}, newServiceError(opAcquireLock, "missing_block_ref", errors.New("block reference is required"))
	}

	box := &outbox{}
	var holderOwner string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockRoom(tx, request.RoomID); err != nil {
			return s.fail(opAcquireLock, "room_select_failed", err, zap.String("room_id", request.RoomID))
		}
		session, err := s.requireSession(tx, opAcquireLock, request.RoomID, request.Owner)
		if err != nil {
			return err
		}

		holderOwner, err = holderOf(tx, request.RoomID, unitKey{blockRef: blockRef, unitRef: unitRef}, request.Owner)
		if err != nil {
			return s.fail(opAcquireLock, "holder_select_failed", err, zap.String("room_id", request.RoomID))
		}
		if holderOwner != "" {
			return nil
		}

		if previousBlock, previousUnit, held := session.Editing(); held {
			if previousBlock == blockRef && previousUnit == unitRef {
				return nil
			}
			box.add(request.RoomID, lockEvent(ActionUnlock, request.RoomID, request.Owner, previousBlock, previousUnit, 0))
		}

		since := s.nowMs()
		if err := tx.Model(&Session{}).Where("session_id = ?", session.SessionID).Updates(map[string]any{
			"editing_block_ref": blockRef,
			"editing_unit_ref":  unitRef,
			"editing_since_ms":  since,
		}).Error; err != nil {
			return s.fail(opAcquireLock, "lock_update_failed", err, zap.String("room_id", request.RoomID))
		}
		box.add(request.RoomID, lockEvent(ActionLock, request.RoomID, request.Owner, blockRef, unitRef, since))
		return nil
	})
	if err != nil {
		s.metrics.LockAttempt(lockOutcomeError)
		return LockOutcome{}, err
	}

	if holderOwner != "" {
		s.metrics.LockAttempt(lockOutcomeDenied)
		holder := s.holderDetail(ctx, holderOwner)
		s.logger.Info("unit busy",
			zap.String("room_id", request.RoomID),
			zap.String("owner", request.Owner),
			zap.String("holder", holderOwner),
			zap.String("block_ref", blockRef),
			zap.String("unit_ref", unitRef))
		return LockOutcome{Holder: holder}, nil
	}

	s.metrics.LockAttempt(lockOutcomeAcquired)
	s.flush(ctx, box)
	return LockOutcome{Acquired: true}, nil
}

// Release clears whatever unit the caller holds. Releasing nothing is not an error.
func (s *Service) Release(ctx context.Context, roomID, owner string) error {
	box := &outbox{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.requireSession(tx, opReleaseLock, roomID, owner)
		if err != nil {
			return err
		}
		blockRef, unitRef, held := session.Editing()
		if !held {
			return nil
		}
		if err := clearEditing(tx.Where("session_id = ?", session.SessionID)); err != nil {
			return s.fail(opReleaseLock, "lock_clear_failed", err, zap.String("room_id", roomID))
		}
		box.add(roomID, lockEvent(ActionUnlock, roomID, owner, blockRef, unitRef, 0))
		return nil
	})
	if err != nil {
		return err
	}
	s.flush(ctx, box)
	return nil
}

// IsFree reports whether no session other than excludingOwner holds the unit.
func (s *Service) IsFree(ctx context.Context, roomID, blockRef, unitRef, excludingOwner string) (bool, error) {
	key := unitKey{blockRef: strings.TrimSpace(blockRef), unitRef: strings.TrimSpace(unitRef)}
	holder, err := holderOf(s.db.WithContext(ctx), roomID, key, excludingOwner)
	if err != nil {
		return false, s.fail(opIsFree, "holder_select_failed", err, zap.String("room_id", roomID))
	}
	return holder == "", nil
}

// unitKey names a lockable unit. A zero key matches any held unit, and a key
// with only unitRef matches that unit under any block.
type unitKey struct {
	blockRef string
	unitRef  string
}

// targetKey maps a change target onto the unit a writer must not contend for.
// Pages and the document are never locked.
func targetKey(target Target) (unitKey, bool) {
	switch t := target.(type) {
	case ComponentTarget:
		return unitKey{blockRef: t.BlockID, unitRef: t.ID}, true
	case BlockTarget:
		return unitKey{blockRef: t.ID}, true
	default:
		return unitKey{}, false
	}
}

// holderOf returns the owner holding key in the room, or "" when it is free.
// An empty excludingOwner counts every session, the caller included.
func holderOf(db *gorm.DB, roomID string, key unitKey, excludingOwner string) (string, error) {
	query := db.Model(&Session{}).Select("owner").
		Where("room_id = ? AND editing_block_ref IS NOT NULL", roomID)
	if key.blockRef != "" {
		query = query.Where("editing_block_ref = ?", key.blockRef)
	}
	if key.blockRef != "" || key.unitRef != "" {
		query = query.Where("editing_unit_ref = ?", key.unitRef)
	}
	if excludingOwner != "" {
		query = query.Where("owner <> ?", excludingOwner)
	}
	var holder Session
	err := query.Order("owner ASC").Take(&holder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return holder.Owner, nil
}

func clearEditing(scoped *gorm.DB) error {
	return scoped.Model(&Session{}).Updates(map[string]any{
		"editing_block_ref": nil,
		"editing_unit_ref":  "",
		"editing_since_ms":  0,
	}).Error
}

// holderDetail resolves the holder's display name. It must run outside a transaction.
func (s *Service) holderDetail(ctx context.Context, owner string) *Holder {
	return &Holder{Owner: owner, DisplayName: s.displayName(ctx, owner)}
}

func (s *Service) displayName(ctx context.Context, owner string) string {
	if s.directory == nil {
		return ""
	}
	name, err := s.directory.DisplayName(ctx, owner)
	if err != nil {
		s.logger.Warn("holder display name lookup failed", zap.String("owner", owner), zap.Error(err))
		return ""
	}
	return name
}
