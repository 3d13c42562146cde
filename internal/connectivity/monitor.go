// Package connectivity tracks reachability of the chat backend for the client.
//
// The monitor only reflects a reachability signal. It never gates sends:
// local signals go stale, and the send attempt itself decides success.
package connectivity

import (
	"sync"
	"time"

	"github.com/suPer8Hu/rental-chat/internal/logger"
	"go.uber.org/zap"
)

type Event int

const (
	WentOffline Event = iota + 1
	WentOnline
	// RestoredCleared fires when the "back online" indicator expires. Display only.
	RestoredCleared
)

func (e Event) String() string {
	switch e {
	case WentOffline:
		return "went_offline"
	case WentOnline:
		return "went_online"
	case RestoredCleared:
		return "restored_cleared"
	default:
		return "unknown"
	}
}

const (
	BannerNone       = ""
	BannerOffline    = "offline"
	BannerBackOnline = "back online"
)

const DefaultRestoredWindow = 3 * time.Second

type Monitor struct {
	// emitMu serializes state change + notification so handlers observe
	// events in signal order.
	emitMu sync.Mutex

	mu               sync.RWMutex
	online           bool
	recentlyRestored bool
	generation       uint64
	timer            *time.Timer
	closed           bool

	window time.Duration
	log    *zap.Logger

	subMu  sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewMonitor starts in the given reachability state. window is how long the
// "back online" indicator stays up; <= 0 uses DefaultRestoredWindow.
func NewMonitor(online bool, window time.Duration, log *zap.Logger) *Monitor {
	if window <= 0 {
		window = DefaultRestoredWindow
	}
	return &Monitor{
		online: online,
		window: window,
		log:    logger.OrNop(log).Named("connectivity"),
		subs:   make(map[int]func(Event)),
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *Monitor) RecentlyRestored() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recentlyRestored
}

// Banner is the text a UI shows for the current state.
func (m *Monitor) Banner() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case !m.online:
		return BannerOffline
	case m.recentlyRestored:
		return BannerBackOnline
	default:
		return BannerNone
	}
}

// Subscribe registers fn for every event. fn runs on the signalling goroutine
// and must not call SetOnline.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// SetOnline feeds the reachability signal. Offline is applied immediately with
// no debounce; online also arms the self-clearing restored indicator.
// Repeated identical signals are ignored.
func (m *Monitor) SetOnline(online bool) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.closed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	ev := WentOffline
	if online {
		ev = WentOnline
		m.recentlyRestored = true
		gen := m.generation
		m.timer = time.AfterFunc(m.window, func() { m.expireRestored(gen) })
	} else {
		m.recentlyRestored = false
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", zap.Bool("online", online))
	m.notify(ev)
}

func (m *Monitor) expireRestored(gen uint64) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.closed || gen != m.generation || !m.recentlyRestored {
		m.mu.Unlock()
		return
	}
	m.recentlyRestored = false
	m.timer = nil
	m.mu.Unlock()

	m.notify(RestoredCleared)
}

func (m *Monitor) notify(ev Event) {
	m.subMu.RLock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close stops the restore timer. Later signals are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
