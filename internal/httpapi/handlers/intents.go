package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/rental-chat/internal/chat"
	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/intent"
)

const deviceIDHeader = "X-Device-ID"

// participantResolver resolves on behalf of one signed-in user.
type participantResolver struct {
	svc *chat.Service
	uid uint64
}

func (r participantResolver) ResolveSession(ctx context.Context, applicationID string) (string, error) {
	return r.svc.ResolveSessionFor(ctx, r.uid, applicationID)
}

func (h *Handler) deviceKV(c *gin.Context) (intent.KV, bool) {
	deviceID := strings.TrimSpace(c.GetHeader(deviceIDHeader))
	if deviceID == "" || len(deviceID) > 64 {
		common.Fail(c, http.StatusBadRequest, 10010, "X-Device-ID header required")
		return nil, false
	}
	return h.DeviceKV(deviceID), true
}

// CaptureIntent remembers a visitor's "contact agent" click until they sign in.
func (h *Handler) CaptureIntent(c *gin.Context) {
	kv, okk := h.deviceKV(c)
	if !okk {
		return
	}

	var req intent.Intent
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	co := intent.NewCoordinator(kv, nil, nil, nil, h.Log)
	if err := co.Capture(c.Request.Context(), req); err != nil {
		h.failErr(c, "capture intent", err)
		return
	}
	common.OK(c, gin.H{"captured": true})
}

// ConsumeIntent resumes the device's pending intent for the signed-in caller.
// The intent is gone after this call whatever the outcome.
func (h *Handler) ConsumeIntent(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	kv, okk := h.deviceKV(c)
	if !okk {
		return
	}

	var notice string
	co := intent.NewCoordinator(kv, participantResolver{svc: h.ChatSvc, uid: uid}, nil,
		intent.NotifierFunc(func(msg string) { notice = msg }), h.Log)

	res, err := co.ConsumeAndResolve(c.Request.Context(), strconv.FormatUint(uid, 10))
	if err != nil {
		if res == nil {
			h.failErr(c, "consume intent", err)
			return
		}
		// the coordinator already logged; the user just sees the notice
		common.OK(c, gin.H{"navigate": false, "notice": notice})
		return
	}
	if res == nil {
		common.OK(c, gin.H{})
		return
	}
	common.OK(c, gin.H{
		"navigate":       true,
		"session_id":     res.SessionID,
		"application_id": res.Intent.ApplicationID,
		"property_title": res.Intent.PropertyTitle,
	})
}
