package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/rental-chat/internal/common"
	"go.uber.org/zap"
)

type resolveSessionReq struct {
	ApplicationID string `json:"application_id" binding:"required"`
}

// ResolveChatSession opens (or creates) the chat for an application the caller
// takes part in.
func (h *Handler) ResolveChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req resolveSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sessionID, err := h.ChatSvc.ResolveSessionFor(c.Request.Context(), uid, req.ApplicationID)
	if err != nil {
		h.failErr(c, "resolve session", err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID})
}

type sendMessageReq struct {
	SessionID string     `json:"session_id" binding:"required"`
	Message   string     `json:"message" binding:"required"`
	SentAt    *time.Time `json:"sent_at"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	var sentAt time.Time
	if req.SentAt != nil {
		sentAt = *req.SentAt
	}

	msg, created, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, req.SessionID, req.Message, idempoKeyPtr, sentAt)
	if err != nil {
		h.failErr(c, "send message", err)
		return
	}
	if !created {
		h.Log.Debug("duplicate submission", zap.String("session_id", req.SessionID), zap.Uint64("message_id", msg.ID))
	}

	common.OK(c, gin.H{
		"session_id": req.SessionID,
		"message_id": msg.ID,
		"state":      "sent",
		"created":    created,
	})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeIDStr := c.Query("before_id")
	var beforeID uint64
	if beforeIDStr != "" {
		if n, err := strconv.ParseUint(beforeIDStr, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		h.failErr(c, "list messages", err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
