package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/gin-gonic/gin"
)

type sessionResponse struct {
	SessionID         string       `json:"session_id"`
	RoomID            string       `json:"room_id"`
	DocumentID        string       `json:"document_id"`
	DocumentVersionID string       `json:"document_version_id"`
	Owner             string       `json:"owner"`
	CreatedAtMs       int64        `json:"created_at_ms"`
	LastActionAtMs    int64        `json:"last_action_at_ms"`
	SaveInProgress    bool         `json:"save_in_progress"`
	Editing           *lockPayload `json:"editing,omitempty"`
}

type lockPayload struct {
	BlockID string `json:"block_id"`
	UnitID  string `json:"unit_id,omitempty"`
	SinceMs int64  `json:"since_ms"`
}

func newSessionResponse(session collab.Session) sessionResponse {
	response := sessionResponse{
		SessionID:         session.SessionID,
		RoomID:            session.RoomID,
		DocumentID:        session.DocumentID,
		DocumentVersionID: session.DocumentVersionID,
		Owner:             session.Owner,
		CreatedAtMs:       session.CreatedAtMs,
		LastActionAtMs:    session.LastActionAtMs,
		SaveInProgress:    session.SaveInProgress,
	}
	if blockRef, unitRef, ok := session.Editing(); ok {
		response.Editing = &lockPayload{BlockID: blockRef, UnitID: unitRef, SinceMs: session.EditingSinceMs}
	}
	return response
}

type openSessionResponse struct {
	Session           sessionResponse `json:"session"`
	IsNewSession      bool            `json:"is_new_session"`
	AlreadyLoggedHint bool            `json:"already_logged_hint"`
}

type joinSessionRequest struct {
	DocumentID string `json:"document_id"`
	RoomID     string `json:"room_id" binding:"required"`
	ForceClose bool   `json:"force_close"`
}

type lockRequest struct {
	BlockID string `json:"block_id" binding:"required"`
	UnitID  string `json:"unit_id"`
}

type lockResponse struct {
	Acquired bool `json:"acquired"`
}

func (h *httpHandler) handleOpenSession(c *gin.Context) {
	principal := principalFrom(c)
	result, err := h.collab.OpenOrJoin(c.Request.Context(), principal.UserID, c.ClientIP())
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.IsNewSession {
		status = http.StatusCreated
	}
	c.JSON(status, openSessionResponse{
		Session:           newSessionResponse(result.Session),
		IsNewSession:      result.IsNewSession,
		AlreadyLoggedHint: result.AlreadyLoggedHint,
	})
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	var request joinSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	principal := principalFrom(c)
	session, err := h.collab.JoinByShareCode(c.Request.Context(), collab.JoinRequest{
		DocumentID:    request.DocumentID,
		RoomID:        request.RoomID,
		Owner:         principal.UserID,
		ClientAddress: c.ClientIP(),
		ForceClose:    request.ForceClose,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": newSessionResponse(session)})
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	principal := principalFrom(c)
	result, err := h.collab.CloseSession(c.Request.Context(), c.Param("room"), principal.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleTouch(c *gin.Context) {
	principal := principalFrom(c)
	session, err := h.collab.Touch(c.Request.Context(), c.Param("room"), principal.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": newSessionResponse(session)})
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	var request lockRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	principal := principalFrom(c)
	outcome, err := h.collab.TryAcquire(c.Request.Context(), collab.LockRequest{
		RoomID:   c.Param("room"),
		Owner:    principal.UserID,
		BlockRef: request.BlockID,
		UnitRef:  request.UnitID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !outcome.Acquired {
		h.writeError(c, outcome.Err())
		return
	}
	c.JSON(http.StatusOK, lockResponse{Acquired: true})
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	principal := principalFrom(c)
	if err := h.collab.Release(c.Request.Context(), c.Param("room"), principal.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
