package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/gin-gonic/gin"
)

type saveRequest struct {
	Mode string `json:"mode" binding:"omitempty,oneof=manual autosave save_as"`
}

func (h *httpHandler) handleSave(c *gin.Context) {
	var request saveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	principal := principalFrom(c)
	result, err := h.collab.Save(c.Request.Context(), collab.SaveRequest{
		RoomID: c.Param("room"),
		Owner:  principal.UserID,
		Mode:   content.SaveMode(strings.TrimSpace(request.Mode)),
	})
	if errors.Is(err, collab.ErrRecentSave) {
		c.JSON(http.StatusOK, gin.H{"notice": "recent_save"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleEvaluateLeave(c *gin.Context) {
	principal := principalFrom(c)
	roomID := c.Param("room")
	if _, err := h.collab.Touch(c.Request.Context(), roomID, principal.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	evaluation, err := h.collab.EvaluateLeave(c.Request.Context(), strings.TrimSpace(c.Query("document_id")), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, evaluation)
}
