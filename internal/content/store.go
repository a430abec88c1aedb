package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryRoom        = "room_id = ?"
	queryRoomKindID  = "room_id = ? AND kind = ? AND unit_id = ?"
	queryDocument    = "document_id = ?"
	rootPageID       = "root"
	defaultRootTitle = "Untitled"
)

var errMissingDatabase = errors.New("content: database handle is required")

// StoreConfig describes the dependencies of the content store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store reads and writes room working copies and persisted versions.
// A Store bound to a transaction (see Tx) participates in the caller's commit.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a content store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Tx returns a copy of the store that issues every statement on tx.
func (s *Store) Tx(tx *gorm.DB) *Store {
	return &Store{db: tx, clock: s.clock}
}

func (s *Store) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}

// Scaffold creates the root page of a fresh working copy.
// The root page is stamped as created but never updated, so an untouched
// scaffold does not count as a pending change.
func (s *Store) Scaffold(ctx context.Context, roomID string) error {
	now := s.nowMs()
	root := Unit{
		RoomID:      roomID,
		Kind:        KindPage,
		UnitID:      rootPageID,
		Payload:     `{"title":"` + defaultRootTitle + `"}`,
		IsRoot:      true,
		CreatedAtMs: now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&root).Error; err != nil {
		return fmt.Errorf("content: scaffold root page: %w", err)
	}
	return nil
}

// UnitInput describes an insert or update of a single unit.
type UnitInput struct {
	Kind     UnitKind
	UnitID   string
	ParentID string
	Position int
	Payload  string
}

// UpsertUnit inserts or updates a unit and reports whether it was created.
func (s *Store) UpsertUnit(ctx context.Context, roomID string, input UnitInput) (bool, error) {
	now := s.nowMs()
	var existing Unit
	err := s.db.WithContext(ctx).
		Where(queryRoomKindID, roomID, input.Kind, input.UnitID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		unit := Unit{
			RoomID:      roomID,
			Kind:        input.Kind,
			UnitID:      input.UnitID,
			ParentID:    input.ParentID,
			Position:    input.Position,
			Payload:     input.Payload,
			CreatedAtMs: now,
		}
		if err := s.db.WithContext(ctx).Create(&unit).Error; err != nil {
			return false, fmt.Errorf("content: insert unit: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("content: select unit: %w", err)
	}

	created := existing.IsDeleted
	existing.ParentID = input.ParentID
	existing.Position = input.Position
	existing.Payload = input.Payload
	existing.IsDeleted = false
	existing.UpdatedAtMs = now
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return false, fmt.Errorf("content: update unit: %w", err)
	}
	return created, nil
}

// MoveUnit re-parents a live unit.
func (s *Store) MoveUnit(ctx context.Context, roomID string, kind UnitKind, unitID, parentID string, position int) error {
	result := s.db.WithContext(ctx).Model(&Unit{}).
		Where(queryRoomKindID+" AND is_deleted = ?", roomID, kind, unitID, false).
		Updates(map[string]any{
			"parent_id":     parentID,
			"position":      position,
			"updated_at_ms": s.nowMs(),
		})
	if result.Error != nil {
		return fmt.Errorf("content: move unit: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUnitNotFound
	}
	return nil
}

// DeleteUnit tombstones a unit and everything nested under it. Tombstones stay
// in the working copy so the leave evaluation still sees the deletion.
func (s *Store) DeleteUnit(ctx context.Context, roomID string, kind UnitKind, unitID string) error {
	now := s.nowMs()
	result := s.db.WithContext(ctx).Model(&Unit{}).
		Where(queryRoomKindID+" AND is_deleted = ?", roomID, kind, unitID, false).
		Updates(map[string]any{"is_deleted": true, "updated_at_ms": now})
	if result.Error != nil {
		return fmt.Errorf("content: delete unit: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUnitNotFound
	}

	var childKind UnitKind
	switch kind {
	case KindPage:
		childKind = KindBlock
	case KindBlock:
		childKind = KindComponent
	default:
		return nil
	}

	var children []string
	if err := s.db.WithContext(ctx).Model(&Unit{}).
		Where("room_id = ? AND kind = ? AND parent_id = ? AND is_deleted = ?", roomID, childKind, unitID, false).
		Pluck("unit_id", &children).Error; err != nil {
		return fmt.Errorf("content: select children: %w", err)
	}
	for _, child := range children {
		if err := s.DeleteUnit(ctx, roomID, childKind, child); err != nil && !errors.Is(err, ErrUnitNotFound) {
			return err
		}
	}
	return nil
}

// SetProperty writes a document-level metadata value.
func (s *Store) SetProperty(ctx context.Context, roomID, key, value string) error {
	now := s.nowMs()
	property := Property{RoomID: roomID, Key: key, Value: value, CreatedAtMs: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}, {Name: "prop_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"prop_value":    value,
			"updated_at_ms": now,
		}),
	}).Create(&property).Error
	if err != nil {
		return fmt.Errorf("content: set property: %w", err)
	}
	return nil
}

// Property returns a property value, or "" when unset.
func (s *Store) Property(ctx context.Context, roomID, key string) (string, error) {
	var property Property
	err := s.db.WithContext(ctx).Where("room_id = ? AND prop_key = ?", roomID, key).Take(&property).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("content: select property: %w", err)
	}
	return property.Value, nil
}

// LiveUnits returns the non-deleted units of a room ordered for rendering.
func (s *Store) LiveUnits(ctx context.Context, roomID string) ([]Unit, error) {
	var units []Unit
	if err := s.db.WithContext(ctx).
		Where(queryRoom+" AND is_deleted = ?", roomID, false).
		Order("kind ASC, parent_id ASC, position ASC, unit_id ASC").
		Find(&units).Error; err != nil {
		return nil, fmt.Errorf("content: list units: %w", err)
	}
	return units, nil
}

// RemoveRoom deletes a room's working copy and reports how many live pages it held.
func (s *Store) RemoveRoom(ctx context.Context, roomID string) (int64, error) {
	var pages int64
	if err := s.db.WithContext(ctx).Model(&Unit{}).
		Where("room_id = ? AND kind = ? AND is_deleted = ?", roomID, KindPage, false).
		Count(&pages).Error; err != nil {
		return 0, fmt.Errorf("content: count pages: %w", err)
	}
	if err := s.db.WithContext(ctx).Where(queryRoom, roomID).Delete(&Unit{}).Error; err != nil {
		return 0, fmt.Errorf("content: delete units: %w", err)
	}
	if err := s.db.WithContext(ctx).Where(queryRoom, roomID).Delete(&Property{}).Error; err != nil {
		return 0, fmt.Errorf("content: delete properties: %w", err)
	}
	return pages, nil
}

// LastPersistedAt returns the newest save instant of a document in unix milliseconds, or 0.
func (s *Store) LastPersistedAt(ctx context.Context, documentID string) (int64, error) {
	var savedAt int64
	if err := s.db.WithContext(ctx).Model(&Version{}).
		Where(queryDocument, documentID).
		Select("COALESCE(MAX(saved_at_ms), 0)").
		Scan(&savedAt).Error; err != nil {
		return 0, fmt.Errorf("content: last persisted: %w", err)
	}
	return savedAt, nil
}

// HasUnitChangesSince reports whether any unit of the room was created, updated
// or deleted at or after baselineMs. The scaffolded root page only counts once edited.
func (s *Store) HasUnitChangesSince(ctx context.Context, roomID string, baselineMs int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Unit{}).
		Where(queryRoom, roomID).
		Where("(is_root = ? AND (updated_at_ms >= ? OR created_at_ms >= ?)) OR (is_root = ? AND updated_at_ms >= ?)",
			false, baselineMs, baselineMs, true, baselineMs).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("content: unit changes: %w", err)
	}
	return count > 0, nil
}

// HasPropertyChangesSince reports whether any of keys changed at or after baselineMs.
func (s *Store) HasPropertyChangesSince(ctx context.Context, roomID string, keys []string, baselineMs int64) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&Property{}).
		Where("room_id = ? AND prop_key IN ?", roomID, keys).
		Where("updated_at_ms >= ? OR created_at_ms >= ?", baselineMs, baselineMs).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("content: property changes: %w", err)
	}
	return count > 0, nil
}

// CountLive returns the number of live components and pages in a room.
func (s *Store) CountLive(ctx context.Context, roomID string) (components int64, pages int64, err error) {
	type kindCount struct {
		Kind  UnitKind
		Total int64
	}
	var rows []kindCount
	if err := s.db.WithContext(ctx).Model(&Unit{}).
		Select("kind, COUNT(*) AS total").
		Where(queryRoom+" AND is_deleted = ?", roomID, false).
		Group("kind").
		Scan(&rows).Error; err != nil {
		return 0, 0, fmt.Errorf("content: count units: %w", err)
	}
	for _, row := range rows {
		switch row.Kind {
		case KindComponent:
			components = row.Total
		case KindPage:
			pages = row.Total
		}
	}
	return components, pages, nil
}

// LatestMutationAt returns the newest unit or property timestamp of the room.
func (s *Store) LatestMutationAt(ctx context.Context, roomID string) (int64, error) {
	var unitLatest, propertyLatest int64
	if err := s.db.WithContext(ctx).Model(&Unit{}).
		Where(queryRoom, roomID).
		Select("COALESCE(MAX(CASE WHEN updated_at_ms > created_at_ms THEN updated_at_ms ELSE created_at_ms END), 0)").
		Scan(&unitLatest).Error; err != nil {
		return 0, fmt.Errorf("content: latest unit mutation: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Property{}).
		Where(queryRoom, roomID).
		Select("COALESCE(MAX(CASE WHEN updated_at_ms > created_at_ms THEN updated_at_ms ELSE created_at_ms END), 0)").
		Scan(&propertyLatest).Error; err != nil {
		return 0, fmt.Errorf("content: latest property mutation: %w", err)
	}
	if propertyLatest > unitLatest {
		return propertyLatest, nil
	}
	return unitLatest, nil
}

// PersistRequest describes a save of a room's working copy.
type PersistRequest struct {
	DocumentID string
	RoomID     string
	Owner      string
	Mode       SaveMode
	QuotaBytes int64
}

type snapshotPayload struct {
	Units      []Unit            `json:"units"`
	Properties map[string]string `json:"properties"`
}

// Persist writes a new numbered version of the document from the room's working copy.
// Version names increase by one per document; a document without versions starts at 1.
func (s *Store) Persist(ctx context.Context, request PersistRequest) (Version, error) {
	units, err := s.LiveUnits(ctx, request.RoomID)
	if err != nil {
		return Version{}, err
	}
	var properties []Property
	if err := s.db.WithContext(ctx).Where(queryRoom, request.RoomID).Find(&properties).Error; err != nil {
		return Version{}, fmt.Errorf("content: list properties: %w", err)
	}

	snapshot := snapshotPayload{Units: units, Properties: make(map[string]string, len(properties))}
	for _, property := range properties {
		snapshot.Properties[property.Key] = property.Value
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return Version{}, fmt.Errorf("content: encode snapshot: %w", err)
	}
	required := int64(len(encoded))

	if request.QuotaBytes > 0 {
		used, err := s.UsageFor(ctx, request.Owner)
		if err != nil {
			return Version{}, err
		}
		available := request.QuotaBytes - used
		if available < 0 {
			available = 0
		}
		if required > available {
			return Version{}, &QuotaError{
				Used:      used,
				Max:       request.QuotaBytes,
				Required:  required,
				Available: available,
			}
		}
	}

	var lastVersion int64
	if err := s.db.WithContext(ctx).Model(&Version{}).
		Where(queryDocument, request.DocumentID).
		Select("COALESCE(MAX(version_name), 0)").
		Scan(&lastVersion).Error; err != nil {
		return Version{}, fmt.Errorf("content: last version: %w", err)
	}

	version := Version{
		DocumentID:  request.DocumentID,
		VersionName: lastVersion + 1,
		RoomID:      request.RoomID,
		Owner:       request.Owner,
		Mode:        request.Mode,
		SizeBytes:   required,
		SavedAtMs:   s.nowMs(),
		Snapshot:    string(encoded),
	}
	if err := s.db.WithContext(ctx).Create(&version).Error; err != nil {
		return Version{}, fmt.Errorf("content: insert version: %w", err)
	}
	return version, nil
}

// UsageFor returns the bytes held by an owner's persisted versions.
func (s *Store) UsageFor(ctx context.Context, owner string) (int64, error) {
	var used int64
	if err := s.db.WithContext(ctx).Model(&Version{}).
		Where("owner = ?", owner).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&used).Error; err != nil {
		return 0, fmt.Errorf("content: usage: %w", err)
	}
	return used, nil
}
