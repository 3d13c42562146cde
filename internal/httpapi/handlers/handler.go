package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/rental-chat/internal/chat"
	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/config"
	"github.com/suPer8Hu/rental-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/rental-chat/internal/intent"
	"github.com/suPer8Hu/rental-chat/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeviceKV returns the pending-intent storage of one anonymous device.
type DeviceKV func(deviceID string) intent.KV

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	ChatSvc  *chat.Service
	DeviceKV DeviceKV
	Log      *zap.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, chatSvc *chat.Service, kv DeviceKV, log *zap.Logger) *Handler {
	return &Handler{
		DB:       db,
		Cfg:      cfg,
		ChatSvc:  chatSvc,
		DeviceKV: kv,
		Log:      logger.OrNop(log).Named("http"),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// failErr writes the envelope for a chat-layer error.
func (h *Handler) failErr(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, common.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, common.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
	case errors.Is(err, common.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case errors.Is(err, common.ErrSessionResolutionFailed):
		h.Log.Error(op+" failed", zap.String("request_id", c.GetString(middleware.RequestIDKey)), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50010, "could not open chat")
	default:
		h.Log.Error(op+" failed", zap.String("request_id", c.GetString(middleware.RequestIDKey)), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
