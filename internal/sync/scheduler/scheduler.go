// Package scheduler provides background sync scheduling: periodic passes while
// auto-sync is enabled and an extra pass whenever the connection settles.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
)

// PassFunc runs one sync pass.
type PassFunc func(ctx context.Context) error

// Gate decides whether the network is currently good enough for a pass.
type Gate interface {
	ShouldSyncNow(minQuality models.Quality) bool
}

// Scheduler manages background sync operations.
type Scheduler struct {
	pass           PassFunc
	gate           Gate
	minQuality     models.Quality
	syncInterval   time.Duration
	passTimeout    time.Duration
	triggerCh      chan string
	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	autoSync       bool
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration  // How often to sync while auto-sync is on (default: 5 minutes)
	PassTimeout  time.Duration  // Upper bound for one background pass (default: 5 minutes)
	MinQuality   models.Quality // Weakest connection a background pass may use
	AutoSync     bool
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 5 * time.Minute,
		PassTimeout:  5 * time.Minute,
		MinQuality:   models.QualityPoor,
		AutoSync:     true,
	}
}

// NewScheduler creates a new Scheduler. A nil gate never blocks a pass.
func NewScheduler(pass PassFunc, gate Gate, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = defaults.PassTimeout
	}

	return &Scheduler{
		pass:         pass,
		gate:         gate,
		minQuality:   config.MinQuality,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
		triggerCh:    make(chan string, 1),
		stopCh:       make(chan struct{}),
		autoSync:     config.AutoSync,
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.syncInterval.String(),
	})
}

// Stop stops the background sync scheduler and waits for a running pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetAutoSync turns periodic and connection-triggered passes on or off.
func (s *Scheduler) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.autoSync != enabled {
		logging.Info("Auto-sync changed", map[string]interface{}{
			"enabled": enabled,
		})
	}
	s.autoSync = enabled
}

// AutoSync reports whether background passes are enabled.
func (s *Scheduler) AutoSync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoSync
}

// OnConnectionChange requests a pass when the connection has just settled.
// It matches the connectivity callback signature.
func (s *Scheduler) OnConnectionChange(state models.ConnectionState) {
	if !state.IsStable || state.Quality == models.QualityOffline {
		return
	}
	s.request("connection")
}

// request queues a pass for the loop; a request already waiting absorbs it.
func (s *Scheduler) request(reason string) {
	select {
	case s.triggerCh <- reason:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runIfAllowed(ctx, "interval")
		case reason := <-s.triggerCh:
			s.runIfAllowed(ctx, reason)
		}
	}
}

// runIfAllowed runs a pass when auto-sync is on and the gate is open.
func (s *Scheduler) runIfAllowed(ctx context.Context, reason string) bool {
	if !s.AutoSync() {
		return false
	}
	if s.gate != nil && !s.gate.ShouldSyncNow(s.minQuality) {
		logging.Debug("Skipping sync - connection not ready", map[string]interface{}{
			"reason": reason,
		})
		return false
	}
	return s.runSync(ctx, reason)
}

// runSync executes a pass unless one is already running.
func (s *Scheduler) runSync(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return false
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	if err := s.pass(passCtx); err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return true
	}
	logging.Debug("Background sync completed", map[string]interface{}{
		"reason": reason,
	})
	return true
}
