package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/gin-gonic/gin"
)

type upsertUnitRequest struct {
	Action   string          `json:"action"`
	ParentID string          `json:"parent_id"`
	Position int             `json:"position" binding:"gte=0"`
	Payload  json.RawMessage `json:"payload"`
}

type moveUnitRequest struct {
	ParentID          string `json:"parent_id" binding:"required"`
	Position          int    `json:"position" binding:"gte=0"`
	DestinationPageID string `json:"destination_page_id"`
}

type propertyRequest struct {
	Value string `json:"value"`
}

type themeRequest struct {
	Theme string `json:"theme" binding:"required"`
}

type changeResponse struct {
	Enqueued int `json:"enqueued"`
}

type changeEntryResponse struct {
	EntryID           string `json:"entry_id"`
	RoomID            string `json:"room_id"`
	DocumentID        string `json:"document_id"`
	Action            string `json:"action"`
	UnitKind          string `json:"unit_kind"`
	UnitID            string `json:"unit_id,omitempty"`
	ParentID          string `json:"parent_id,omitempty"`
	DestinationPageID string `json:"destination_page_id,omitempty"`
	ThemeValue        string `json:"theme_value,omitempty"`
	CreatedAtMs       int64  `json:"created_at_ms"`
}

var upsertActions = map[collab.ActionType]bool{
	collab.ActionAdd:     true,
	collab.ActionEdit:    true,
	collab.ActionReorder: true,
}

func (h *httpHandler) handleUpsertUnit(c *gin.Context) {
	kind, unitID, ok := unitParams(c)
	if !ok {
		return
	}
	var request upsertUnitRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action := collab.ActionEdit
	if strings.TrimSpace(request.Action) != "" {
		parsed, err := collab.ParseActionType(request.Action)
		if err != nil || !upsertActions[parsed] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
			return
		}
		action = parsed
	}
	payload := strings.TrimSpace(string(request.Payload))
	if payload == "" {
		payload = "{}"
	}

	input := content.UnitInput{
		Kind:     kind,
		UnitID:   unitID,
		ParentID: strings.TrimSpace(request.ParentID),
		Position: request.Position,
		Payload:  payload,
	}
	change := collab.Change{Action: action, Target: collab.TargetFor(kind, unitID, input.ParentID)}
	h.recordChange(c, change, func(ctx context.Context, store *content.Store) error {
		_, err := store.UpsertUnit(ctx, c.Param("room"), input)
		return err
	})
}

func (h *httpHandler) handleDeleteUnit(c *gin.Context) {
	kind, unitID, ok := unitParams(c)
	if !ok {
		return
	}
	change := collab.Change{
		Action: collab.ActionDelete,
		Target: collab.TargetFor(kind, unitID, strings.TrimSpace(c.Query("parent_id"))),
	}
	h.recordChange(c, change, func(ctx context.Context, store *content.Store) error {
		return store.DeleteUnit(ctx, c.Param("room"), kind, unitID)
	})
}

func (h *httpHandler) handleMoveUnit(c *gin.Context) {
	kind, unitID, ok := unitParams(c)
	if !ok {
		return
	}
	var request moveUnitRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	parentID := strings.TrimSpace(request.ParentID)
	change := collab.Change{
		Action:             collab.ActionMove,
		Target:             collab.TargetFor(kind, unitID, parentID),
		DestinationPageRef: strings.TrimSpace(request.DestinationPageID),
	}
	h.recordChange(c, change, func(ctx context.Context, store *content.Store) error {
		return store.MoveUnit(ctx, c.Param("room"), kind, unitID, parentID, request.Position)
	})
}

func (h *httpHandler) handleSetProperty(c *gin.Context) {
	key, err := content.NewPropertyKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_property_key"})
		return
	}
	if key == content.PropertyTheme {
		c.JSON(http.StatusBadRequest, gin.H{"error": "use_theme_endpoint"})
		return
	}
	var request propertyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	change := collab.Change{Action: collab.ActionProperties, Target: collab.DocumentTarget{}}
	h.recordChange(c, change, func(ctx context.Context, store *content.Store) error {
		return store.SetProperty(ctx, c.Param("room"), key, request.Value)
	})
}

func (h *httpHandler) handleSetTheme(c *gin.Context) {
	var request themeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	theme := strings.TrimSpace(request.Theme)
	change := collab.Change{Action: collab.ActionTheme, Target: collab.DocumentTarget{}, ThemeValueRef: theme}
	h.recordChange(c, change, func(ctx context.Context, store *content.Store) error {
		return store.SetProperty(ctx, c.Param("room"), content.PropertyTheme, theme)
	})
}

func (h *httpHandler) handlePollChanges(c *gin.Context) {
	principal := principalFrom(c)
	entries, err := h.collab.DrainFor(c.Request.Context(), principal.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]changeEntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, changeEntryResponse{
			EntryID:           entry.EntryID,
			RoomID:            entry.RoomID,
			DocumentID:        entry.DocumentID,
			Action:            string(entry.Action),
			UnitKind:          entry.UnitKind,
			UnitID:            entry.UnitID,
			ParentID:          entry.ParentID,
			DestinationPageID: entry.DestinationPageRef,
			ThemeValue:        entry.ThemeValueRef,
			CreatedAtMs:       entry.CreatedAtMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"changes": response})
}

func (h *httpHandler) recordChange(c *gin.Context, change collab.Change, write collab.ContentWrite) {
	principal := principalFrom(c)
	enqueued, err := h.collab.RecordChange(c.Request.Context(), c.Param("room"), principal.UserID, change, write)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, changeResponse{Enqueued: enqueued})
}

func unitParams(c *gin.Context) (content.UnitKind, string, bool) {
	kind, err := content.ParseUnitKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_unit_kind"})
		return "", "", false
	}
	unitID, err := content.NewUnitID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_unit_id"})
		return "", "", false
	}
	return kind, unitID, true
}
