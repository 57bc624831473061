// Package connectivity turns raw reachability signals into a debounced
// connection state that gates sync passes.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
)

// DefaultDwell is how long a quality must hold before it is reported stable.
const DefaultDwell = 3 * time.Second

const stateKey = "connection_state"

// NetworkType is the transport reported by the platform.
type NetworkType string

const (
	TypeNone     NetworkType = "none"
	TypeWiFi     NetworkType = "wifi"
	TypeCellular NetworkType = "cellular"
	TypeEthernet NetworkType = "ethernet"
	TypeUnknown  NetworkType = "unknown"
)

// Signal is one reachability event from the platform.
type Signal struct {
	Type           NetworkType `json:"type"`
	SignalStrength int         `json:"signal_strength"`
}

// Classify maps a signal to a quality and whether the link is metered.
func Classify(sig Signal) (models.Quality, bool) {
	if sig.Type == TypeNone || sig.Type == "" {
		return models.QualityOffline, false
	}
	metered := sig.Type == TypeCellular
	switch {
	case sig.SignalStrength < 30:
		return models.QualityPoor, metered
	case sig.SignalStrength < 70:
		return models.QualityGood, metered
	default:
		return models.QualityExcellent, metered
	}
}

// Callback receives every state change, including the transition to stable.
type Callback func(models.ConnectionState)

type subscriber struct {
	id int
	cb Callback
}

// Monitor holds the current connection state.
type Monitor struct {
	mu           sync.Mutex
	kv           store.KV
	dwell        time.Duration
	allowMetered bool
	now          func() time.Time
	afterFunc    func(time.Duration, func()) func() bool

	state       models.ConnectionState
	generation  uint64
	stopTimer   func() bool
	subscribers []subscriber
	nextID      int
	closed      bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDwell overrides DefaultDwell. Zero makes every state stable at once.
func WithDwell(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.dwell = d
		}
	}
}

// WithAllowMetered controls whether ShouldSyncNow accepts metered links.
func WithAllowMetered(allow bool) Option {
	return func(m *Monitor) { m.allowMetered = allow }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithAfterFunc replaces time.AfterFunc. The returned func stops the timer.
func WithAfterFunc(f func(time.Duration, func()) func() bool) Option {
	return func(m *Monitor) { m.afterFunc = f }
}

// WithStore persists the last-known state to kv.
func WithStore(kv store.KV) Option {
	return func(m *Monitor) { m.kv = kv }
}

// NewMonitor creates a Monitor. A persisted state is restored as unstable.
func NewMonitor(opts ...Option) (*Monitor, error) {
	m := &Monitor{
		dwell:        DefaultDwell,
		allowMetered: true,
		now:          time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = models.ConnectionState{Quality: models.QualityOffline, Since: m.now().UTC()}

	if m.kv != nil {
		raw, err := m.kv.Get(store.BucketMeta, stateKey)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load connection state", err)
		default:
			var st models.ConnectionState
			if err := json.Unmarshal(raw, &st); err != nil {
				logging.Warn("Ignoring corrupt connection state", map[string]interface{}{"error": err.Error()})
			} else {
				st.IsStable = false
				m.state = st
			}
		}
	}
	return m, nil
}

// CurrentState returns the current connection state.
func (m *Monitor) CurrentState() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShouldSyncNow reports whether a pass may start: the state is stable, at
// least minQuality and not offline, and metered links are allowed or not in use.
func (m *Monitor) ShouldSyncNow(minQuality models.Quality) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	if !s.IsStable || s.Quality == models.QualityOffline || s.Quality < minQuality {
		return false
	}
	return m.allowMetered || !s.IsMetered
}

// OnChange registers cb and returns a func that unregisters it. Callbacks
// run synchronously, in registration order, outside the monitor's lock.
func (m *Monitor) OnChange(cb Callback) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subscribers = append(m.subscribers, subscriber{id: id, cb: cb})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i:i], m.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Observe feeds one signal into the state machine.
func (m *Monitor) Observe(sig Signal) {
	quality, metered := Classify(sig)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if quality == m.state.Quality && metered == m.state.IsMetered {
		// Same state; a restored, unstable state still needs its dwell timer.
		if !m.state.IsStable && m.stopTimer == nil {
			m.armLocked()
		}
		m.mu.Unlock()
		return
	}

	prev := m.state
	m.state = models.ConnectionState{
		Quality:   quality,
		IsMetered: metered,
		Since:     m.now().UTC(),
	}
	m.armLocked()
	st := m.state
	subs := m.snapshotLocked()
	m.mu.Unlock()

	logging.Info("Connection changed", map[string]interface{}{
		"from":    prev.Quality.String(),
		"to":      st.Quality.String(),
		"metered": st.IsMetered,
		"stable":  st.IsStable,
	})
	m.persist(st)
	notify(subs, st)
}

// armLocked starts the dwell timer for the current generation.
func (m *Monitor) armLocked() {
	m.generation++
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	if m.dwell == 0 {
		m.state.IsStable = true
		return
	}
	gen := m.generation
	m.stopTimer = m.afterFunc(m.dwell, func() { m.settle(gen) })
}

// settle marks the state stable if no change arrived during the dwell window.
func (m *Monitor) settle(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.generation || m.state.IsStable {
		m.mu.Unlock()
		return
	}
	m.state.IsStable = true
	m.stopTimer = nil
	st := m.state
	subs := m.snapshotLocked()
	m.mu.Unlock()

	logging.Debug("Connection stable", map[string]interface{}{"quality": st.Quality.String()})
	m.persist(st)
	notify(subs, st)
}

func (m *Monitor) snapshotLocked() []Callback {
	subs := make([]Callback, len(m.subscribers))
	for i, s := range m.subscribers {
		subs[i] = s.cb
	}
	return subs
}

func notify(subs []Callback, st models.ConnectionState) {
	for _, cb := range subs {
		cb(st)
	}
}

func (m *Monitor) persist(st models.ConnectionState) {
	if m.kv == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err == nil {
		err = m.kv.Put(store.BucketMeta, stateKey, raw)
	}
	if err != nil {
		logging.Warn("Failed to persist connection state", map[string]interface{}{"error": err.Error()})
	}
}

// Run observes signals until ctx is done or the channel closes.
func (m *Monitor) Run(ctx context.Context, signals <-chan Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			m.Observe(sig)
		}
	}
}

// Close stops the dwell timer. Later signals are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
}
