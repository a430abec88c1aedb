package content

import (
	"errors"
	"fmt"
	"strings"
)

// UnitKind enumerates the content units a room's working copy is made of.
type UnitKind string

const (
	// KindComponent is an iDevice placed inside a block.
	KindComponent UnitKind = "component"
	// KindBlock groups components on a page.
	KindBlock UnitKind = "block"
	// KindPage is a navigation node.
	KindPage UnitKind = "page"
)

// SaveMode describes how a version was produced.
type SaveMode string

const (
	SaveModeManual   SaveMode = "manual"
	SaveModeAutosave SaveMode = "autosave"
	SaveModeSaveAs   SaveMode = "save_as"
)

// Document-level metadata keys that make a document dirty when edited.
const (
	PropertyTitle       = "title"
	PropertyAuthor      = "author"
	PropertyDescription = "description"
	PropertyExtraHead   = "extraHeadContent"
	PropertyFooter      = "footer"
	PropertyTheme       = "theme"
)

// TrackedProperties is the allow-list consulted by the leave evaluation.
var TrackedProperties = []string{
	PropertyTitle,
	PropertyAuthor,
	PropertyDescription,
	PropertyExtraHead,
	PropertyFooter,
}

const maxIdentifierLength = 190

var (
	// ErrInvalidUnitKind indicates an unknown unit kind.
	ErrInvalidUnitKind = errors.New("content: invalid unit kind")
	// ErrInvalidUnitID indicates an empty or oversized unit identifier.
	ErrInvalidUnitID = errors.New("content: invalid unit id")
	// ErrInvalidPropertyKey indicates an empty or oversized property key.
	ErrInvalidPropertyKey = errors.New("content: invalid property key")
	// ErrUnitNotFound indicates that the unit does not exist in the working copy.
	ErrUnitNotFound = errors.New("content: unit not found")
	// ErrQuotaExceeded is matched by QuotaError.
	ErrQuotaExceeded = errors.New("content: storage quota exceeded")
)

// ParseUnitKind validates raw input and returns a UnitKind.
func ParseUnitKind(rawInput string) (UnitKind, error) {
	switch UnitKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindComponent:
		return KindComponent, nil
	case KindBlock:
		return KindBlock, nil
	case KindPage:
		return KindPage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUnitKind, rawInput)
	}
}

// NewUnitID validates raw input and returns a trimmed identifier.
func NewUnitID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUnitID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUnitID, maxIdentifierLength)
	}
	return trimmed, nil
}

// NewPropertyKey validates raw input and returns a trimmed property key.
func NewPropertyKey(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" || len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidPropertyKey, rawInput)
	}
	return trimmed, nil
}

// QuotaError reports why a save did not fit in the owner's storage allowance.
type QuotaError struct {
	Used      int64
	Max       int64
	Required  int64
	Available int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("content: storage quota exceeded (used %d of %d bytes, %d required, %d available)",
		e.Used, e.Max, e.Required, e.Available)
}

// Is lets errors.Is match ErrQuotaExceeded.
func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Unit is one row of a room's working copy.
type Unit struct {
	RoomID      string   `gorm:"column:room_id;primaryKey;size:190;not null;index:idx_units_room_updated,priority:1"`
	Kind        UnitKind `gorm:"column:kind;primaryKey;size:16;not null"`
	UnitID      string   `gorm:"column:unit_id;primaryKey;size:190;not null"`
	ParentID    string   `gorm:"column:parent_id;size:190;not null;default:''"`
	Position    int      `gorm:"column:position;not null;default:0"`
	Payload     string   `gorm:"column:payload;type:text;not null;default:''"`
	IsRoot      bool     `gorm:"column:is_root;not null;default:false"`
	IsDeleted   bool     `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtMs int64    `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64    `gorm:"column:updated_at_ms;not null;default:0;index:idx_units_room_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Unit) TableName() string {
	return "content_units"
}

// Property is a document-level metadata value held in a room's working copy.
type Property struct {
	RoomID      string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Key         string `gorm:"column:prop_key;primaryKey;size:190;not null"`
	Value       string `gorm:"column:prop_value;type:text;not null;default:''"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Property) TableName() string {
	return "document_properties"
}

// Version is a persisted snapshot of a document.
type Version struct {
	ID          int64    `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID  string   `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_versions_document_name,priority:1"`
	VersionName int64    `gorm:"column:version_name;not null;uniqueIndex:idx_versions_document_name,priority:2"`
	RoomID      string   `gorm:"column:room_id;size:190;not null"`
	Owner       string   `gorm:"column:owner;size:190;not null;index"`
	Mode        SaveMode `gorm:"column:mode;size:16;not null"`
	SizeBytes   int64    `gorm:"column:size_bytes;not null"`
	SavedAtMs   int64    `gorm:"column:saved_at_ms;not null"`
	Snapshot    string   `gorm:"column:snapshot;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "document_versions"
}

// Models lists every table owned by the content store.
func Models() []any {
	return []any{&Unit{}, &Property{}, &Version{}}
}
