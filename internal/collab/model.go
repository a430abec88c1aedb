package collab

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
)

// ActionType names the kind of mutation a Sync Change Entry describes.
type ActionType string

const (
	ActionAdd        ActionType = "ADD"
	ActionEdit       ActionType = "EDIT"
	ActionDelete     ActionType = "DELETE"
	ActionMove       ActionType = "MOVE"
	ActionReorder    ActionType = "REORDER"
	ActionTheme      ActionType = "THEME"
	ActionProperties ActionType = "PROPERTIES"
	// ActionLock and ActionUnlock are published to the room only and never queued.
	ActionLock   ActionType = "LOCK"
	ActionUnlock ActionType = "UNLOCK"
)

// ParseActionType validates a queued action name.
func ParseActionType(raw string) (ActionType, error) {
	action := ActionType(strings.ToUpper(strings.TrimSpace(raw)))
	switch action {
	case ActionAdd, ActionEdit, ActionDelete, ActionMove, ActionReorder, ActionTheme, ActionProperties:
		return action, nil
	default:
		return "", fmt.Errorf("collab: unknown action %q", raw)
	}
}

// Room is the collaboration room shared by every session editing one document.
// RoomID doubles as the share code and the event topic.
type Room struct {
	RoomID            string `gorm:"column:room_id;primaryKey;size:190;not null"`
	DocumentID        string `gorm:"column:document_id;size:190;not null;index"`
	DocumentVersionID string `gorm:"column:document_version_id;size:190;not null"`
	SaveInProgress    bool   `gorm:"column:save_in_progress;not null;default:false"`
	SaveStartedAtMs   int64  `gorm:"column:save_started_at_ms;not null;default:0"`
	CreatedAtMs       int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "collab_rooms"
}

// Session is one owner's attachment to a room. The editing columns form the
// owner's advisory lock; a nil EditingBlockRef means nothing is held.
type Session struct {
	SessionID         string  `gorm:"column:session_id;primaryKey;size:190;not null"`
	RoomID            string  `gorm:"column:room_id;size:190;not null;index:idx_sessions_room_editing,priority:1"`
	DocumentID        string  `gorm:"column:document_id;size:190;not null"`
	DocumentVersionID string  `gorm:"column:document_version_id;size:190;not null"`
	Owner             string  `gorm:"column:owner;size:190;not null;uniqueIndex"`
	ClientAddress     string  `gorm:"column:client_address;size:190;not null;default:''"`
	CreatedAtMs       int64   `gorm:"column:created_at_ms;not null"`
	LastActionAtMs    int64   `gorm:"column:last_action_at_ms;not null"`
	EditingBlockRef   *string `gorm:"column:editing_block_ref;size:190;index:idx_sessions_room_editing,priority:2"`
	EditingUnitRef    string  `gorm:"column:editing_unit_ref;size:190;not null;default:''"`
	EditingSinceMs    int64   `gorm:"column:editing_since_ms;not null;default:0"`
	ComponentChanged  bool    `gorm:"column:component_changed;not null;default:false"`
	BlockChanged      bool    `gorm:"column:block_changed;not null;default:false"`
	NavChanged        bool    `gorm:"column:nav_changed;not null;default:false"`

	// SaveInProgress mirrors the room's save flag when a session is returned to callers.
	SaveInProgress bool `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "collab_sessions"
}

// Editing reports the unit currently held by the session.
func (s Session) Editing() (blockRef string, unitRef string, ok bool) {
	if s.EditingBlockRef == nil {
		return "", "", false
	}
	return *s.EditingBlockRef, s.EditingUnitRef, true
}

// HasPendingChanges reports whether any change flag is raised.
func (s Session) HasPendingChanges() bool {
	return s.ComponentChanged || s.BlockChanged || s.NavChanged
}

// SyncChangeEntry records that a unit changed, addressed to one target owner.
// EntryID is a ULID, so lexical order is insertion order.
type SyncChangeEntry struct {
	EntryID            string     `gorm:"column:entry_id;primaryKey;size:26;not null"`
	TargetOwner        string     `gorm:"column:target_owner;size:190;not null;index:idx_sync_entries_owner,priority:1"`
	RoomID             string     `gorm:"column:room_id;size:190;not null;index"`
	DocumentID         string     `gorm:"column:document_id;size:190;not null"`
	Action             ActionType `gorm:"column:action;size:16;not null"`
	UnitKind           string     `gorm:"column:unit_kind;size:16;not null"`
	UnitID             string     `gorm:"column:unit_id;size:190;not null;default:''"`
	ParentID           string     `gorm:"column:parent_id;size:190;not null;default:''"`
	DestinationPageRef string     `gorm:"column:destination_page_ref;size:190;not null;default:''"`
	ThemeValueRef      string     `gorm:"column:theme_value_ref;size:190;not null;default:''"`
	CreatedAtMs        int64      `gorm:"column:created_at_ms;not null;index:idx_sync_entries_owner,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SyncChangeEntry) TableName() string {
	return "sync_change_entries"
}

// Target decodes the unit reference stored on the entry.
func (e SyncChangeEntry) Target() Target {
	return decodeTarget(e.UnitKind, e.UnitID, e.ParentID)
}

// Models lists every table owned by the coordination engine.
func Models() []any {
	return []any{&Room{}, &Session{}, &SyncChangeEntry{}}
}

const documentKind = "document"

// Target identifies the unit a change applies to. Exactly one variant is set.
type Target interface {
	columns() (kind string, id string, parent string)
}

// ComponentTarget is an iDevice inside a block.
type ComponentTarget struct {
	ID      string
	BlockID string
}

// BlockTarget is a block on a page.
type BlockTarget struct {
	ID     string
	PageID string
}

// PageTarget is a navigation node.
type PageTarget struct {
	ID string
}

// DocumentTarget is the document as a whole, used by THEME and PROPERTIES actions.
type DocumentTarget struct{}

func (t ComponentTarget) columns() (string, string, string) {
	return string(content.KindComponent), t.ID, t.BlockID
}

func (t BlockTarget) columns() (string, string, string) {
	return string(content.KindBlock), t.ID, t.PageID
}

func (t PageTarget) columns() (string, string, string) {
	return string(content.KindPage), t.ID, ""
}

func (DocumentTarget) columns() (string, string, string) {
	return documentKind, "", ""
}

// TargetFor builds the target variant for a content unit kind.
func TargetFor(kind content.UnitKind, id, parentID string) Target {
	switch kind {
	case content.KindComponent:
		return ComponentTarget{ID: id, BlockID: parentID}
	case content.KindBlock:
		return BlockTarget{ID: id, PageID: parentID}
	default:
		return PageTarget{ID: id}
	}
}

func decodeTarget(kind, id, parent string) Target {
	switch kind {
	case string(content.KindComponent):
		return ComponentTarget{ID: id, BlockID: parent}
	case string(content.KindBlock):
		return BlockTarget{ID: id, PageID: parent}
	case string(content.KindPage):
		return PageTarget{ID: id}
	default:
		return DocumentTarget{}
	}
}

// flagColumn returns the session change flag raised by a change to target.
func flagColumn(target Target) string {
	switch target.(type) {
	case ComponentTarget:
		return "component_changed"
	case BlockTarget:
		return "block_changed"
	default:
		return "nav_changed"
	}
}

// Change describes one content mutation to propagate to the room.
type Change struct {
	Action             ActionType
	Target             Target
	DestinationPageRef string
	ThemeValueRef      string
}

func (c Change) validate() error {
	if c.Target == nil {
		return fmt.Errorf("collab: change target is required")
	}
	if _, err := ParseActionType(string(c.Action)); err != nil {
		return err
	}
	if c.Action == ActionDelete && (c.DestinationPageRef != "" || c.ThemeValueRef != "") {
		return fmt.Errorf("collab: delete changes carry identifiers only")
	}
	return nil
}
