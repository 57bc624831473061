// Package orchestrator composes the tracker, retry queue, resolver, delta
// engine, connection monitor and scheduler into the application's single
// sync surface.
package orchestrator

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/medisync/internal/config"
	"github.com/kimhsiao/medisync/internal/crypto"
	"github.com/kimhsiao/medisync/internal/db"
	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
	syncpkg "github.com/kimhsiao/medisync/internal/sync"
	"github.com/kimhsiao/medisync/internal/sync/conflict"
	"github.com/kimhsiao/medisync/internal/sync/connectivity"
	"github.com/kimhsiao/medisync/internal/sync/payload"
	"github.com/kimhsiao/medisync/internal/sync/queue"
	"github.com/kimhsiao/medisync/internal/sync/scheduler"
	"github.com/kimhsiao/medisync/internal/sync/tracker"
	"github.com/kimhsiao/medisync/internal/transport/httpclient"
)

const passKey = "sync-pass"

// Orchestrator owns one client's sync state. Instances are independent.
type Orchestrator struct {
	cfg  *config.Config
	opts options

	mu          sync.Mutex
	initialized bool
	closed      bool

	kv         store.KV
	closer     io.Closer
	codec      *payload.Codec
	tracker    *tracker.ChangeTracker
	audit      *conflict.AuditLog
	resolver   *conflict.Resolver
	queue      *queue.RetryQueue
	monitor    *connectivity.Monitor
	engine     syncpkg.DeltaSyncer
	scheduler  *scheduler.Scheduler
	upload     syncpkg.UploadFunc
	download   syncpkg.DownloadFunc
	minQuality models.Quality
	creds      *crypto.Credentials

	unsubscribe func()
	cancel      context.CancelFunc

	group singleflight.Group

	conflictsMu sync.Mutex
	pending     map[string]*models.ConflictRecord

	statusMu      sync.RWMutex
	inProgress    bool
	lastSyncAt    time.Time
	lastAttemptAt time.Time
	lastResult    *PassSummary
	lastErr       string
}

type options struct {
	kv          store.KV
	upload      syncpkg.UploadFunc
	download    syncpkg.DownloadFunc
	now         func() time.Time
	random      func() float64
	credKey     []byte
	monitorOpts []connectivity.Option
}

// Option configures an Orchestrator.
type Option func(*options)

// WithStore uses kv instead of the SQLite database in the configured data directory.
func WithStore(kv store.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithTransport replaces the HTTP client built from the server configuration.
func WithTransport(upload syncpkg.UploadFunc, download syncpkg.DownloadFunc) Option {
	return func(o *options) {
		o.upload = upload
		o.download = download
	}
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRandom replaces the retry queue's jitter source.
func WithRandom(f func() float64) Option {
	return func(o *options) { o.random = f }
}

// WithCredentialKey seals stored credentials with key instead of the machine key.
func WithCredentialKey(key []byte) Option {
	return func(o *options) { o.credKey = key }
}

// WithMonitorOptions passes extra options to the connection monitor.
func WithMonitorOptions(opts ...connectivity.Option) Option {
	return func(o *options) { o.monitorOpts = append(o.monitorOpts, opts...) }
}

// New creates an Orchestrator. Nothing is opened until Initialize.
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		pending: make(map[string]*models.ConflictRecord),
	}
	o.opts.now = time.Now
	for _, opt := range opts {
		opt(&o.opts)
	}
	return o
}

// Initialize validates the configuration, opens the local store and restores
// every component. Calling it again is a no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return nil
	}
	if o.closed {
		return apperrors.New(apperrors.ErrSyncNotReady, "orchestrator is closed")
	}
	if o.cfg == nil {
		return apperrors.InvalidConfig("configuration is required", nil)
	}
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	minQuality, err := models.ParseQuality(o.cfg.Sync.MinQuality)
	if err != nil {
		return apperrors.InvalidConfig("invalid minimum connection quality", err)
	}
	o.minQuality = minQuality

	if err := o.openStore(); err != nil {
		return err
	}
	if err := o.build(); err != nil {
		o.closeStore()
		return err
	}
	if err := o.loadPendingConflicts(); err != nil {
		o.closeStore()
		return err
	}
	o.loadPassRecord()

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.unsubscribe = o.monitor.OnChange(o.scheduler.OnConnectionChange)
	o.scheduler.Start(runCtx)

	o.initialized = true

	logging.Info("Sync orchestrator initialized", map[string]interface{}{
		"auto_sync":         o.cfg.Sync.AutoSync,
		"batch_size":        o.cfg.Sync.BatchSize,
		"pending_uploads":   len(o.tracker.PendingUploads()),
		"queue_depth":       o.queue.Stats().Depth(),
		"pending_conflicts": len(o.pending),
	})
	return nil
}

func (o *Orchestrator) openStore() error {
	if o.opts.kv != nil {
		o.kv = o.opts.kv
		return nil
	}
	database, err := db.Open(o.cfg.Store.DataDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to open local store", err)
	}
	o.kv = db.NewKVStore(database)
	o.closer = database
	return nil
}

func (o *Orchestrator) closeStore() {
	if o.closer != nil {
		if err := o.closer.Close(); err != nil {
			logging.Warn("Failed to close local store", map[string]interface{}{"error": err.Error()})
		}
		o.closer = nil
	}
}

// build wires every component from the configuration.
func (o *Orchestrator) build() error {
	cfg := o.cfg
	now := o.opts.now

	codec, err := payload.NewCodec()
	if err != nil {
		return err
	}
	o.codec = codec

	if o.tracker, err = tracker.New(o.kv, codec, tracker.WithClock(now)); err != nil {
		return err
	}

	if o.audit, err = conflict.NewAuditLog(o.kv, cfg.Conflict.AuditCapacity); err != nil {
		return err
	}
	o.resolver = conflict.NewResolver(o.audit,
		conflict.WithPolicies(resolverPolicies(cfg)),
		conflict.WithDefaultPolicy(conflict.Policy{Strategy: models.ResolutionStrategy(cfg.Conflict.DefaultStrategy)}),
		conflict.WithAmbiguityWindow(cfg.Conflict.AmbiguityWindow),
		conflict.WithClock(now),
	)

	queueOpts := []queue.Option{queue.WithClock(now)}
	if o.opts.random != nil {
		queueOpts = append(queueOpts, queue.WithRandom(o.opts.random))
	}
	o.queue, err = queue.New(o.kv, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.BaseDelay,
		Jitter:      cfg.Queue.Jitter,
		Capacity:    cfg.Queue.Capacity,
	}, queueOpts...)
	if err != nil {
		return err
	}

	monitorOpts := append([]connectivity.Option{
		connectivity.WithDwell(cfg.Connection.DwellTime),
		connectivity.WithAllowMetered(cfg.Sync.AllowMetered),
		connectivity.WithStore(o.kv),
		connectivity.WithClock(now),
	}, o.opts.monitorOpts...)
	if o.monitor, err = connectivity.NewMonitor(monitorOpts...); err != nil {
		return err
	}

	o.engine = syncpkg.NewEngine(o.tracker, o.resolver,
		syncpkg.WithBatchSize(cfg.Sync.BatchSize),
		syncpkg.WithTransportTimeout(cfg.Sync.TransportTimeout),
		syncpkg.WithClock(now),
	)

	key := o.opts.credKey
	if len(key) == 0 {
		key = crypto.MachineKey(crypto.MachineID())
	}
	o.creds = crypto.NewCredentials(o.kv, key)

	o.upload, o.download = o.opts.upload, o.opts.download
	if o.upload == nil || o.download == nil {
		token, err := o.serverToken()
		if err != nil {
			return err
		}
		client, err := httpclient.New(cfg.Server.BaseURL, httpclient.WithToken(token))
		if err != nil {
			return err
		}
		o.upload, o.download = client.Upload, client.Download
	}

	o.scheduler = scheduler.NewScheduler(o.backgroundPass, o.monitor, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval,
		PassTimeout:  passTimeout(cfg),
		MinQuality:   o.minQuality,
		AutoSync:     cfg.Sync.AutoSync,
	})
	return nil
}

// serverToken prefers the configured token over the stored one.
func (o *Orchestrator) serverToken() (string, error) {
	if o.cfg.Server.Token != "" {
		return o.cfg.Server.Token, nil
	}
	return o.creds.Load(crypto.ServerToken)
}

// passTimeout bounds a background pass: a download plus a generous number of upload calls.
func passTimeout(cfg *config.Config) time.Duration {
	return 10 * cfg.Sync.TransportTimeout
}

func resolverPolicies(cfg *config.Config) map[models.EntityType]conflict.Policy {
	out := make(map[models.EntityType]conflict.Policy, len(cfg.Conflict.Policies))
	for name, p := range cfg.Conflict.Policies {
		out[models.EntityType(name)] = conflict.Policy{
			Strategy:       models.ResolutionStrategy(p.Strategy),
			SafetyCritical: p.SafetyCritical,
			CriticalFields: append([]string(nil), p.CriticalFields...),
		}
	}
	return out
}

func (o *Orchestrator) priorityFor(entityType models.EntityType) int {
	return o.cfg.Policy(string(entityType)).Priority
}

// ready returns an error unless Initialize succeeded and Close was not called.
func (o *Orchestrator) ready() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized || o.closed {
		return apperrors.New(apperrors.ErrSyncNotReady, "orchestrator is not initialized")
	}
	return nil
}

// SetAutoSync turns background passes on or off.
func (o *Orchestrator) SetAutoSync(enabled bool) error {
	if err := o.ready(); err != nil {
		return err
	}
	o.scheduler.SetAutoSync(enabled)
	return nil
}

// ObserveConnection feeds a platform connectivity signal to the monitor.
func (o *Orchestrator) ObserveConnection(sig connectivity.Signal) error {
	if err := o.ready(); err != nil {
		return err
	}
	o.monitor.Observe(sig)
	return nil
}

// Close stops background work and releases the local store.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	initialized := o.initialized
	o.mu.Unlock()

	if !initialized {
		return nil
	}

	o.unsubscribe()
	o.scheduler.Stop()
	o.cancel()
	o.monitor.Close()

	if o.closer != nil {
		if err := o.closer.Close(); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to close local store", err)
		}
	}
	logging.Info("Sync orchestrator closed", nil)
	return nil
}
