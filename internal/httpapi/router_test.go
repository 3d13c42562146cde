package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/rental-chat/internal/auth"
	"github.com/suPer8Hu/rental-chat/internal/chat"
	"github.com/suPer8Hu/rental-chat/internal/client"
	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/config"
	"github.com/suPer8Hu/rental-chat/internal/db"
	"github.com/suPer8Hu/rental-chat/internal/delivery"
	"github.com/suPer8Hu/rental-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/rental-chat/internal/intent"
	"github.com/suPer8Hu/rental-chat/internal/models"
	"github.com/suPer8Hu/rental-chat/internal/retry"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const (
	testSecret = "test-secret"
	appID      = "01APPLICATION0000000000001"
)

type env struct {
	t      *testing.T
	router *gin.Engine
	db     *gorm.DB
	tenant models.User
	agent  models.User
	other  models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(5000)"
	gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	e := &env{t: t, db: gdb}
	e.tenant = models.User{Name: "Tina", Email: "tina@example.com"}
	e.agent = models.User{Name: "Adam", Email: "adam@example.com"}
	e.other = models.User{Name: "Olga", Email: "olga@example.com"}
	for _, u := range []*models.User{&e.tenant, &e.agent, &e.other} {
		require.NoError(t, gdb.Create(u).Error)
	}
	prop := models.Property{Title: "Sunny Flat", AgentID: e.agent.ID}
	require.NoError(t, gdb.Create(&prop).Error)
	require.NoError(t, gdb.Create(&models.Application{ID: appID, TenantID: e.tenant.ID, PropertyID: prop.ID}).Error)

	log := zaptest.NewLogger(t)
	cfg := config.Config{JWTSecret: testSecret}
	svc := chat.NewService(chat.NewRepo(gdb), nil, log, 2*time.Second)

	var mu sync.Mutex
	devices := map[string]*intent.MemoryKV{}
	kvFor := func(deviceID string) intent.KV {
		mu.Lock()
		defer mu.Unlock()
		kv, ok := devices[deviceID]
		if !ok {
			kv = intent.NewMemoryKV()
			devices[deviceID] = kv
		}
		return kv
	}

	e.router = NewRouter(cfg, handlers.NewHandler(gdb, cfg, svc, kvFor, log))
	return e
}

func (e *env) token(u models.User) string {
	tok, err := auth.SignJWT(u.ID, testSecret, time.Hour)
	require.NoError(e.t, err)
	return tok
}

type reply struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *env) do(method, path string, body any, header map[string]string) (int, reply) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var r reply
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &r), w.Body.String())
	return w.Code, r
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type sessionData struct {
	SessionID string `json:"session_id"`
}

func TestPingAndNoRoute(t *testing.T) {
	e := newEnv(t)
	status, r := e.do(http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, r.Code)

	status, r = e.do(http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 40400, r.Code)
}

func TestResolveSession_Participants(t *testing.T) {
	e := newEnv(t)
	body := map[string]string{"application_id": appID}

	status, r := e.do(http.MethodPost, "/chat/sessions/resolve", body, bearer(e.token(e.tenant)))
	require.Equal(t, http.StatusOK, status, r.Message)
	tenantSession := decode[sessionData](t, r.Data).SessionID
	assert.NotEmpty(t, tenantSession)

	status, r = e.do(http.MethodPost, "/chat/sessions/resolve", body, bearer(e.token(e.agent)))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, tenantSession, decode[sessionData](t, r.Data).SessionID)

	status, r = e.do(http.MethodPost, "/chat/sessions/resolve", body, bearer(e.token(e.other)))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, 40301, r.Code)

	status, _ = e.do(http.MethodPost, "/chat/sessions/resolve", map[string]string{"application_id": "missing"}, bearer(e.token(e.tenant)))
	assert.Equal(t, http.StatusBadRequest, status)

	status, r = e.do(http.MethodPost, "/chat/sessions/resolve", body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 40101, r.Code)
}

func TestSendMessage_IdempotentAndListed(t *testing.T) {
	e := newEnv(t)
	tok := e.token(e.tenant)
	_, r := e.do(http.MethodPost, "/chat/sessions/resolve", map[string]string{"application_id": appID}, bearer(tok))
	sid := decode[sessionData](t, r.Data).SessionID

	h := bearer(tok)
	h["Idempotency-Key"] = "client-1"
	msg := map[string]string{"session_id": sid, "message": "Is parking included?"}

	type sent struct {
		MessageID uint64 `json:"message_id"`
		State     string `json:"state"`
		Created   bool   `json:"created"`
	}
	status, r := e.do(http.MethodPost, "/chat/messages", msg, h)
	require.Equal(t, http.StatusOK, status, r.Message)
	first := decode[sent](t, r.Data)
	assert.Equal(t, "sent", first.State)
	assert.True(t, first.Created)

	_, r = e.do(http.MethodPost, "/chat/messages", msg, h)
	second := decode[sent](t, r.Data)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.False(t, second.Created)

	status, r = e.do(http.MethodGet, "/chat/sessions/"+sid+"/messages", nil, bearer(e.token(e.agent)))
	require.Equal(t, http.StatusOK, status)
	list := decode[struct {
		Messages []chat.Message `json:"messages"`
	}](t, r.Data)
	require.Len(t, list.Messages, 2, "welcome plus one tenant message")
	assert.Equal(t, "Is parking included?", list.Messages[0].Content)
	assert.Equal(t, e.agent.ID, list.Messages[1].SenderID)

	status, _ = e.do(http.MethodGet, "/chat/sessions/"+sid+"/messages", nil, bearer(e.token(e.other)))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.do(http.MethodPost, "/chat/messages", map[string]string{"session_id": sid, "message": "  "}, bearer(tok))
	assert.Equal(t, http.StatusBadRequest, status)
}

type consumeData struct {
	Navigate  bool   `json:"navigate"`
	SessionID string `json:"session_id"`
	Notice    string `json:"notice"`
}

func TestIntents_CaptureThenConsumeOnce(t *testing.T) {
	e := newEnv(t)
	device := map[string]string{"X-Device-ID": "browser-1"}
	in := map[string]string{"applicationId": appID, "propertyTitle": "Sunny Flat"}

	status, r := e.do(http.MethodPost, "/intents", in, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 10010, r.Code)

	status, _ = e.do(http.MethodPost, "/intents", in, device)
	require.Equal(t, http.StatusOK, status)

	h := bearer(e.token(e.tenant))
	h["X-Device-ID"] = "browser-1"
	status, r = e.do(http.MethodPost, "/intents/consume", nil, h)
	require.Equal(t, http.StatusOK, status, r.Message)
	got := decode[consumeData](t, r.Data)
	assert.True(t, got.Navigate)
	assert.NotEmpty(t, got.SessionID)

	_, r = e.do(http.MethodPost, "/intents/consume", nil, h)
	assert.False(t, decode[consumeData](t, r.Data).Navigate)

	var n int64
	require.NoError(t, e.db.Model(&chat.Message{}).Count(&n).Error)
	assert.Equal(t, int64(1), n, "exactly one welcome message")
}

func TestIntents_ConcurrentConsumeNavigatesOnce(t *testing.T) {
	e := newEnv(t)
	status, _ := e.do(http.MethodPost, "/intents",
		map[string]string{"applicationId": appID, "propertyTitle": "Sunny Flat"},
		map[string]string{"X-Device-ID": "browser-3"})
	require.Equal(t, http.StatusOK, status)

	tok := e.token(e.tenant)
	start := make(chan struct{})
	var navigated, failed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/intents/consume", nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			req.Header.Set("X-Device-ID", "browser-3")
			w := httptest.NewRecorder()
			<-start
			e.router.ServeHTTP(w, req)

			var r struct {
				Data consumeData `json:"data"`
			}
			if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &r) != nil {
				failed.Add(1)
				return
			}
			if r.Data.Navigate {
				navigated.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.Equal(t, int32(1), navigated.Load())

	var n int64
	require.NoError(t, e.db.Model(&chat.Message{}).Count(&n).Error)
	assert.Equal(t, int64(1), n, "one welcome message")
}

func TestIntents_FailedResolutionIsDropped(t *testing.T) {
	e := newEnv(t)
	device := map[string]string{"X-Device-ID": "browser-2"}
	_, _ = e.do(http.MethodPost, "/intents", map[string]string{"applicationId": appID, "propertyTitle": "Sunny Flat"}, device)

	h := bearer(e.token(e.other))
	h["X-Device-ID"] = "browser-2"
	status, r := e.do(http.MethodPost, "/intents/consume", nil, h)
	require.Equal(t, http.StatusOK, status)
	got := decode[consumeData](t, r.Data)
	assert.False(t, got.Navigate)
	assert.NotEmpty(t, got.Notice)

	_, r = e.do(http.MethodPost, "/intents/consume", nil, h)
	got = decode[consumeData](t, r.Data)
	assert.False(t, got.Navigate)
	assert.Empty(t, got.Notice, "intent is not re-queued")
}

func TestClientAgainstServer(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	tok := e.token(e.tenant)
	c := client.New(srv.URL, "cli-device", func() string { return tok }, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	sid, err := c.ResolveSession(ctx, appID)
	require.NoError(t, err)

	pl := delivery.NewPipeline(c, nil, retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}, zaptest.NewLogger(t))
	t.Cleanup(pl.Close)

	m, err := pl.Send(ctx, sid, "hello from the cli")
	require.NoError(t, err)
	pl.Wait()
	assert.Equal(t, delivery.Sent, m.State())
	assert.NotZero(t, m.ServerID())

	_, err = c.ResolveSession(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/intents", nil)
	req.Header.Set("Origin", "https://rent.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Device-ID")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
