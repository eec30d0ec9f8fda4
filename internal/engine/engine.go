// Package engine drains the local sync queue to the remote authority on a
// timer, on demand, and when other devices announce changes.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"offsync/internal/conflict"
	"offsync/internal/constants"
	"offsync/internal/database"
	"offsync/internal/metrics"
	"offsync/internal/models"
	"offsync/internal/privacy"
	"offsync/internal/transport"

	"github.com/sirupsen/logrus"
)

// Remote is the request/response half of the transport.
type Remote interface {
	SubmitBatch(ctx context.Context, req *models.BatchRequest) (*models.BatchResponse, error)
	Status(ctx context.Context, deviceID string) (*models.StatusResponse, error)
	FullSync(ctx context.Context, deviceID string) (*models.FullSyncResponse, error)
	Resolve(ctx context.Context, req *models.ResolveRequest) error
}

// Channel is the persistent half of the transport.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Subscribe(kind transport.EventKind) *transport.Subscription
	SendSyncCompleted(ctx context.Context, deviceID string, changed []string) error
}

// DeviceSource supplies this install's device id.
type DeviceSource interface {
	DeviceID(ctx context.Context) (string, error)
}

// Config controls the drain loop.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	RetryCeiling int
	Policy       conflict.Policy
	// RequestTimeout bounds each call to the authority.
	RequestTimeout time.Duration
}

// ConfigFrom converts file settings. The conflict mode must name a known
// resolution.
func ConfigFrom(sc models.SyncConfig) (Config, error) {
	policy, err := conflict.PolicyFor(sc.ConflictMode)
	if err != nil {
		return Config{}, fmt.Errorf("invalid conflict mode: %w", err)
	}

	interval := sc.IntervalMs
	if sc.Realtime && sc.RealtimeIntervalMs > 0 {
		interval = sc.RealtimeIntervalMs
	}
	cfg := Config{
		Interval:     time.Duration(interval) * time.Millisecond,
		BatchSize:    sc.BatchSize,
		RetryCeiling: sc.RetryCeiling,
		Policy:       policy,
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Duration(constants.DefaultSyncIntervalMs) * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultBatchSize
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = constants.DefaultRetryCeiling
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second
	}
	return c
}

// Engine owns one drain loop. Instances are independent; each is bound to
// its own store and transport.
type Engine struct {
	db       *database.Database
	remote   Remote
	channel  Channel
	resolver *conflict.Resolver
	devices  DeviceSource
	logger   *logrus.Logger
	now      func() time.Time

	mu          sync.Mutex
	cfg         Config
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	subs        []*transport.Subscription
	lastSyncAt  *time.Time
	lastError   string
	trigger     chan struct{}
	reconfigure chan struct{}

	// ownID is only touched by the listen goroutine.
	ownID string

	// generation advances on every Start and Stop; a drain whose
	// generation is stale discards its results.
	generation atomic.Uint64
	drainMu    sync.Mutex
}

// New creates an engine. channel may be nil when no persistent channel is
// used. cfg.Policy is required.
func New(db *database.Database, remote Remote, channel Channel, devices DeviceSource, cfg Config, logger *logrus.Logger) (*Engine, error) {
	if cfg.Policy == nil {
		return nil, fmt.Errorf("a conflict resolution policy is required")
	}
	cfg = cfg.withDefaults()

	return &Engine{
		db:          db,
		remote:      remote,
		channel:     channel,
		resolver:    conflict.NewResolver(db, remote, logger),
		devices:     devices,
		logger:      logger,
		now:         time.Now,
		cfg:         cfg,
		trigger:     make(chan struct{}, 1),
		reconfigure: make(chan struct{}, 1),
	}, nil
}

// Start recovers entries interrupted by a previous run, opens the
// persistent channel and starts the drain loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine is already running")
	}

	recovered, err := e.db.RecoverProcessing(ctx)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to recover interrupted entries: %w", err)
	}
	if recovered > 0 {
		e.logger.WithField(LogFieldFailed, recovered).Warn("Recovered entries interrupted by a previous run")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	gen := e.generation.Add(1)
	loopCtx := e.ctx

	if e.channel != nil {
		notes := e.channel.Subscribe(transport.EventSyncNotification)
		changes := e.channel.Subscribe(transport.EventEntityChanged)
		e.subs = []*transport.Subscription{notes, changes}

		e.wg.Add(1)
		go e.listen(loopCtx, notes, changes)
	}

	e.wg.Add(1)
	go e.loop(loopCtx, gen)
	interval := e.cfg.Interval
	batchSize := e.cfg.BatchSize
	dialTimeout := e.cfg.RequestTimeout
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		LogFieldInterval:   interval.String(),
		LogFieldBatchSize:  batchSize,
		LogFieldGeneration: gen,
	}).Info("Sync engine started")

	if e.channel != nil {
		dialCtx, cancel := context.WithTimeout(loopCtx, dialTimeout)
		err := e.channel.Connect(dialCtx)
		cancel()
		if err != nil {
			e.logger.WithError(err).Warn("Persistent channel unavailable; will keep retrying")
		}
	}

	e.requestDrain()
	return nil
}

// Stop ends the drain loop and closes the persistent channel. A drain in
// flight finishes its remote call but its results are not applied.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.generation.Add(1)
	e.cancel()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	if e.channel != nil {
		e.channel.Disconnect()
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
	e.wg.Wait()
	e.logger.Info("Sync engine stopped")
}

// IsRunning reports whether the drain loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// TriggerSync asks the loop for an out-of-band drain. Requests made while
// one is already pending are coalesced.
func (e *Engine) TriggerSync() {
	if !e.IsRunning() {
		return
	}
	e.requestDrain()
}

func (e *Engine) requestDrain() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SetInterval changes the tick period of a running or future loop.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg.Interval = d
	e.mu.Unlock()

	select {
	case e.reconfigure <- struct{}{}:
	default:
	}
}

// SetPolicy replaces the conflict policy used by later drains.
func (e *Engine) SetPolicy(p conflict.Policy) {
	if p == nil {
		return
	}
	e.mu.Lock()
	e.cfg.Policy = p
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) loop(ctx context.Context, gen uint64) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.reconfigure:
			interval := e.config().Interval
			ticker.Reset(interval)
			e.logger.WithField(LogFieldInterval, interval.String()).Info("Sync interval changed")
		case <-ticker.C:
			e.runDrain(ctx, gen)
		case <-e.trigger:
			e.runDrain(ctx, gen)
		}
	}
}

func (e *Engine) runDrain(ctx context.Context, gen uint64) {
	if _, err := e.drain(ctx, gen); err != nil {
		e.logger.WithError(err).Warn("Sync drain failed")
	}
}

// listen turns change announcements from other devices into drains.
// ENTITY_CHANGED frames are informational and only recorded.
func (e *Engine) listen(ctx context.Context, notes, changes *transport.Subscription) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-notes.C:
			if !ok {
				return
			}
			if e.fromSelf(ctx, ev.Frame.DeviceID) {
				continue
			}
			e.logger.WithFields(logrus.Fields{
				LogFieldDeviceID: privacy.MaskDeviceID(ev.Frame.DeviceID),
				"changed":        ev.Frame.ChangedEntityTypes,
			}).Debug("Another device synced; scheduling drain")
			e.TriggerSync()
		case ev, ok := <-changes.C:
			if !ok {
				return
			}
			metrics.IncrementCounter(metricEntityChanges, nil, "Entity change announcements received")
			e.logger.WithFields(logrus.Fields{
				LogFieldCollection: ev.Frame.EntityType,
				LogFieldEntityID:   privacy.MaskEntityID(ev.Frame.EntityID),
			}).Debug("Entity changed remotely")
		}
	}
}

// fromSelf reports whether a notification was sent by this install. The
// device id is looked up per event until it resolves, then cached.
func (e *Engine) fromSelf(ctx context.Context, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	if e.ownID == "" {
		own, err := e.devices.DeviceID(ctx)
		if err != nil {
			e.logger.WithError(err).Warn("Failed to resolve device id; treating notification as foreign")
			return false
		}
		e.ownID = own
	}
	return deviceID == e.ownID
}

func (e *Engine) stale(gen uint64) bool {
	return e.generation.Load() != gen
}

func (e *Engine) recordOutcome(at time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastError = err.Error()
		return
	}
	t := at
	e.lastSyncAt = &t
	e.lastError = ""
}
