package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu      sync.Mutex
	events  []Event
	banners []string
}

func (r *recorder) attach(m *Monitor) func() {
	return m.Subscribe(func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
		r.banners = append(r.banners, m.Banner())
	})
}

func (r *recorder) snapshot() ([]Event, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...), append([]string(nil), r.banners...)
}

func TestMonitor_OfflineIsImmediate(t *testing.T) {
	m := NewMonitor(true, time.Second, nil)
	defer m.Close()
	rec := &recorder{}
	rec.attach(m)

	m.SetOnline(false)

	assert.False(t, m.Online())
	assert.Equal(t, BannerOffline, m.Banner())
	events, _ := rec.snapshot()
	assert.Equal(t, []Event{WentOffline}, events)
}

func TestMonitor_IgnoresRepeatedSignals(t *testing.T) {
	m := NewMonitor(true, time.Second, nil)
	defer m.Close()
	rec := &recorder{}
	rec.attach(m)

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)

	events, _ := rec.snapshot()
	assert.Equal(t, []Event{WentOffline}, events)
}

func TestMonitor_BannerScenario(t *testing.T) {
	const window = 150 * time.Millisecond
	m := NewMonitor(true, window, nil)
	defer m.Close()
	rec := &recorder{}
	rec.attach(m)

	m.SetOnline(false)
	time.Sleep(50 * time.Millisecond)
	m.SetOnline(true)

	assert.True(t, m.Online())
	assert.True(t, m.RecentlyRestored())
	assert.Equal(t, BannerBackOnline, m.Banner())

	require.Eventually(t, func() bool { return m.Banner() == BannerNone }, 2*time.Second, 10*time.Millisecond)

	events, banners := rec.snapshot()
	assert.Equal(t, []Event{WentOffline, WentOnline, RestoredCleared}, events)
	assert.Equal(t, []string{BannerOffline, BannerBackOnline, BannerNone}, banners)
}

func TestMonitor_OfflineCancelsPendingRestore(t *testing.T) {
	const window = 80 * time.Millisecond
	m := NewMonitor(false, window, nil)
	defer m.Close()
	rec := &recorder{}
	rec.attach(m)

	m.SetOnline(true)
	m.SetOnline(false)
	time.Sleep(2 * window)

	events, _ := rec.snapshot()
	assert.Equal(t, []Event{WentOnline, WentOffline}, events, "stale restore timer must not fire")
	assert.Equal(t, BannerOffline, m.Banner())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true, time.Second, nil)
	defer m.Close()
	var n atomic.Int32
	unsub := m.Subscribe(func(Event) { n.Add(1) })

	m.SetOnline(false)
	unsub()
	m.SetOnline(true)

	assert.Equal(t, int32(1), n.Load())
}

type flakyPinger struct {
	fail atomic.Bool
}

func (p *flakyPinger) Ping(ctx context.Context) error {
	if p.fail.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestProber_FeedsMonitor(t *testing.T) {
	m := NewMonitor(true, 50*time.Millisecond, nil)
	defer m.Close()
	pinger := &flakyPinger{}
	pr := NewProber(pinger, m, 10*time.Millisecond, 5*time.Millisecond, nil)

	pinger.fail.Store(true)
	assert.False(t, pr.Probe(context.Background()))
	assert.False(t, m.Online())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pr.Run(ctx)
	}()

	pinger.fail.Store(false)
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
