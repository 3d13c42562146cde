package intent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/rental-chat/internal/common"
	"go.uber.org/zap/zaptest"
)

type countingResolver struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *countingResolver) ResolveSession(ctx context.Context, applicationID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, applicationID)
	if r.err != nil {
		return "", r.err
	}
	return "SESSION-" + applicationID, nil
}

type harness struct {
	kv        *MemoryKV
	resolver  *countingResolver
	navigated []string
	notices   []string
	c         *Coordinator
}

func newHarness(t *testing.T) *harness {
	h := &harness{kv: NewMemoryKV(), resolver: &countingResolver{}}
	h.c = NewCoordinator(h.kv, h.resolver,
		NavigatorFunc(func(id string) { h.navigated = append(h.navigated, id) }),
		NotifierFunc(func(msg string) { h.notices = append(h.notices, msg) }),
		zaptest.NewLogger(t),
	)
	return h
}

func TestConsumeAndResolve_SingleConsumption(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Capture(ctx, Intent{ApplicationID: "A1", PropertyTitle: "Flat"}))

	res, err := h.c.ConsumeAndResolve(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "SESSION-A1", res.SessionID)
	assert.Equal(t, "Flat", res.Intent.PropertyTitle)

	res, err = h.c.ConsumeAndResolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, res, "second invocation is a no-op")

	assert.Equal(t, []string{"A1"}, h.resolver.calls)
	assert.Equal(t, []string{"SESSION-A1"}, h.navigated)
}

func TestCapture_LastWriteWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Capture(ctx, Intent{ApplicationID: "A1", PropertyTitle: "Flat"}))
	require.NoError(t, h.c.Capture(ctx, Intent{ApplicationID: "A2", PropertyTitle: "House"}))

	_, err := h.c.ConsumeAndResolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, h.resolver.calls)
}

func TestCapture_PayloadShape(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.c.Capture(ctx, Intent{ApplicationID: " A1 ", PropertyTitle: "Flat"}))

	raw, ok, err := h.kv.Get(ctx, PendingKey)
	require.NoError(t, err)
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, "A1", payload["applicationId"])
	assert.Equal(t, "Flat", payload["propertyTitle"])
	assert.Equal(t, ActionContactAgent, payload["action"])
}

func TestCapture_RejectsEmptyApplication(t *testing.T) {
	h := newHarness(t)
	err := h.c.Capture(context.Background(), Intent{PropertyTitle: "Flat"})
	require.ErrorIs(t, err, common.ErrValidation)

	_, ok, _ := h.kv.Get(context.Background(), PendingKey)
	assert.False(t, ok)
}

func TestConsumeAndResolve_NoIdentityIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.c.Capture(ctx, Intent{ApplicationID: "A1"}))

	res, err := h.c.ConsumeAndResolve(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, res)

	pending, err := h.c.Pending(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending, "intent must survive until someone signs in")
	assert.Empty(t, h.resolver.calls)
}

func TestConsumeAndResolve_FailureIsNotRequeued(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = errors.New("resolution failed")
	ctx := context.Background()
	require.NoError(t, h.c.Capture(ctx, Intent{ApplicationID: "A1", PropertyTitle: "Flat"}))

	res, err := h.c.ConsumeAndResolve(ctx, "user-1")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.SessionID)
	assert.Len(t, h.notices, 1)
	assert.Empty(t, h.navigated)

	pending, err := h.c.Pending(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending, "failed intent is dropped, the user repeats the action")
}

func TestConsumeAndResolve_DropsCorruptRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.kv.Set(ctx, PendingKey, "{not json"))

	res, err := h.c.ConsumeAndResolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, res)
	_, ok, _ := h.kv.Get(ctx, PendingKey)
	assert.False(t, ok)
}

func TestConsumeAndResolve_ConcurrentConsumersResolveOnce(t *testing.T) {
	h := newHarness(t)
	h.c.nav = nil
	ctx := context.Background()
	require.NoError(t, h.c.Capture(ctx, Intent{ApplicationID: "A1"}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.c.ConsumeAndResolve(ctx, "user-1")
		}()
	}
	wg.Wait()
	assert.Len(t, h.resolver.calls, 1)
}

func TestRun_OnePerSignIn(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.c.Capture(ctx, Intent{ApplicationID: "A1"}))

	signIns := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.Run(ctx, signIns)
	}()

	signIns <- "user-1"
	signIns <- "user-1"
	close(signIns)
	<-done

	assert.Equal(t, []string{"A1"}, h.resolver.calls)
	assert.Equal(t, []string{"SESSION-A1"}, h.navigated)
}

func TestConsumeAndResolve_SeparateCoordinatorsShareOneIntent(t *testing.T) {
	kv := NewMemoryKV()
	resolver := &countingResolver{}
	ctx := context.Background()
	require.NoError(t, NewCoordinator(kv, nil, nil, nil, nil).Capture(ctx, Intent{ApplicationID: "A1"}))

	// one coordinator per request, as the HTTP handlers build them
	start := make(chan struct{})
	results := make(chan *Result, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewCoordinator(kv, resolver, nil, nil, zaptest.NewLogger(t))
			<-start
			res, err := c.ConsumeAndResolve(ctx, "user-1")
			if err == nil && res != nil {
				results <- res
			}
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	assert.Len(t, results, 1)
	assert.Equal(t, []string{"A1"}, resolver.calls)
}

func TestMemoryKV_Take(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "k", "v"))

	v, ok, err := kv.Take(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok, err = kv.Take(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
