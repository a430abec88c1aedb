package collab

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ContentWrite applies a mutation to the room's working copy inside the change transaction.
type ContentWrite func(ctx context.Context, store *content.Store) error

// RecordChange validates the caller's session, applies the content write, queues
// an entry for every other session in the room and commits all of it together.
// A write to a block or component held by another session is denied with
// ErrUnitBusy before anything is applied. The room row is locked first so that
// concurrent writers in one room serialize before touching session rows. The
// room event is published only after commit. It returns the number of
// collaborators the change was queued for.
func (s *Service) RecordChange(ctx context.Context, roomID, owner string, change Change, write ContentWrite) (int, error) {
	if err := change.validate(); err != nil {
		return 0, newServiceError(opRecordChange, "invalid_change", err)
	}

	box := &outbox{}
	enqueued := 0
	var holderOwner string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockRoom(tx, roomID); err != nil {
			return s.fail(opRecordChange, "room_select_failed", err, zap.String("room_id", roomID))
		}
		session, err := s.requireSession(tx, opRecordChange, roomID, owner)
		if err != nil {
			return err
		}
		if key, lockable := targetKey(change.Target); lockable {
			holderOwner, err = holderOf(tx, roomID, key, owner)
			if err != nil {
				return s.fail(opRecordChange, "holder_select_failed", err, zap.String("room_id", roomID))
			}
			if holderOwner != "" {
				return ErrUnitBusy
			}
		}
		if write != nil {
			if err := write(ctx, s.content.Tx(tx)); err != nil {
				if isContentRejection(err) {
					return err
				}
				return s.fail(opRecordChange, "content_write_failed", err,
					zap.String("room_id", roomID),
					zap.String("action", string(change.Action)))
			}
		}
		count, err := s.publishChange(tx, session, change)
		if err != nil {
			return s.fail(opRecordChange, "enqueue_failed", err,
				zap.String("room_id", roomID),
				zap.String("action", string(change.Action)))
		}
		enqueued = count
		box.add(roomID, changeEvent(session, change))
		return nil
	})
	if holderOwner != "" && errors.Is(err, ErrUnitBusy) {
		s.logger.Info("unit busy",
			zap.String("room_id", roomID),
			zap.String("owner", owner),
			zap.String("holder", holderOwner),
			zap.String("action", string(change.Action)))
		return 0, LockOutcome{Holder: s.holderDetail(ctx, holderOwner)}.Err()
	}
	if err != nil {
		return 0, err
	}

	s.metrics.ChangesEnqueued(string(change.Action), enqueued)
	s.flush(ctx, box)
	return enqueued, nil
}

func isContentRejection(err error) bool {
	return errors.Is(err, content.ErrUnitNotFound) ||
		errors.Is(err, content.ErrInvalidUnitID) ||
		errors.Is(err, content.ErrInvalidUnitKind) ||
		errors.Is(err, content.ErrInvalidPropertyKey)
}

func changeEvent(origin Session, change Change) events.Event {
	kind, _, _ := change.Target.columns()
	event := events.Event{
		events.KeyAction:   string(change.Action),
		events.KeyRoom:     origin.RoomID,
		events.KeyActor:    origin.Owner,
		events.KeyUnitKind: kind,
	}
	if _, _, editing := origin.Editing(); editing && origin.EditingSinceMs > 0 {
		event[events.KeyEditing] = formatMillis(origin.EditingSinceMs)
	}
	if change.ThemeValueRef != "" {
		event[events.KeyTheme] = change.ThemeValueRef
	}
	switch target := change.Target.(type) {
	case ComponentTarget:
		event[events.KeyUnitID] = target.ID
		event[events.KeyBlockID] = target.BlockID
	case BlockTarget:
		event[events.KeyUnitID] = target.ID
		event[events.KeyPageID] = target.PageID
	case PageTarget:
		event[events.KeyUnitID] = target.ID
		event[events.KeyPageID] = target.ID
	}
	if change.DestinationPageRef != "" {
		event[events.KeyPageID] = change.DestinationPageRef
	}
	return event
}
