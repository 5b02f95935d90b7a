// Package engine owns the connectors of a gateway: it routes ingested content
// into destination caches and drives scheduling, metrics and cleanup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/metrics"
	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/app/scanmode"
	"github.com/coachpo/fieldgate/internal/app/scheduler"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/app/transform"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/cache"
)

var (
	// ErrNorthExists indicates a destination with the same id is registered.
	ErrNorthExists = errors.New("north connector already exists")
	// ErrNorthNotFound indicates the destination is unknown.
	ErrNorthNotFound = errors.New("north connector not found")
	// ErrSouthExists indicates a source with the same id is registered.
	ErrSouthExists = errors.New("south connector already exists")
	// ErrSouthNotFound indicates the source is unknown.
	ErrSouthNotFound = errors.New("south connector not found")
)

const (
	cacheDirName   = "cache"
	northDirPrefix = "north-"

	defaultCleanupInterval = time.Hour
	defaultMetricsInterval = time.Minute
)

// TransformerConfig selects a registered transformer.
type TransformerConfig struct {
	Type    string
	Options map[string]any
}

// NorthConfig declares a destination.
type NorthConfig struct {
	ID           string
	Name         string
	Type         string
	Enabled      bool
	Settings     north.Settings
	Options      map[string]any
	Transformers []TransformerConfig
}

// SouthConfig declares a source.
type SouthConfig struct {
	ID      string
	Name    string
	Type    string
	Enabled bool
	Items   []south.Item
	Options map[string]any
}

type northEntry struct {
	mu          sync.Mutex
	cfg         NorthConfig
	runner      *north.Runner
	set         *cache.Set
	chain       *transform.Chain
	unsubscribe func()
	running     bool
}

type southEntry struct {
	mu           sync.Mutex
	cfg          SouthConfig
	runner       *south.Runner
	unsubscribes []func()
	running      bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock shared by every component.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the root logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetricsStore persists connector metrics.
func WithMetricsStore(store metricsstore.Store) Option {
	return func(e *Engine) {
		e.metricsStore = store
	}
}

// WithTransformers replaces the built-in transformer registry.
func WithTransformers(reg *transform.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.transforms = reg
		}
	}
}

// WithCleanupInterval sets how often retention is enforced.
func WithCleanupInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cleanupInterval = d
		}
	}
}

// WithMetricsFlushInterval sets how often metrics are persisted.
func WithMetricsFlushInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.metricsInterval = d
		}
	}
}

// Engine is the registry of running connectors.
type Engine struct {
	dataDir      string
	connectors   *Registry
	transforms   *transform.Registry
	metricsStore metricsstore.Store
	clock        clockwork.Clock
	logger       *zap.Logger

	cleanupInterval time.Duration
	metricsInterval time.Duration

	scheduler *scheduler.Scheduler
	scanModes *scanmode.Registry
	recorder  *metrics.Recorder

	mu     sync.RWMutex
	norths map[string]*northEntry
	souths map[string]*southEntry

	lifeMu sync.Mutex
	bg     *conc.WaitGroup

	runMu  sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires an engine storing caches under dataDir.
func New(dataDir string, connectors *Registry, scanModes scanmodestore.Store, opts ...Option) *Engine {
	e := &Engine{
		dataDir:         dataDir,
		connectors:      connectors,
		transforms:      transform.NewRegistry(),
		clock:           clockwork.NewRealClock(),
		logger:          zap.NewNop(),
		cleanupInterval: defaultCleanupInterval,
		metricsInterval: defaultMetricsInterval,
		norths:          make(map[string]*northEntry),
		souths:          make(map[string]*southEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.connectors == nil {
		e.connectors = NewRegistry()
	}
	e.scheduler = scheduler.New(scheduler.WithClock(e.clock), scheduler.WithLogger(e.logger.Named("scheduler")))
	e.recorder = metrics.NewRecorder(
		metrics.WithClock(e.clock),
		metrics.WithLogger(e.logger.Named("metrics")),
		metrics.WithStore(e.metricsStore))
	e.scanModes = scanmode.NewRegistry(scanModes,
		scanmode.WithClock(e.clock),
		scanmode.WithLogger(e.logger.Named("scanmode")),
		scanmode.WithRescheduler(e.scheduler))
	e.scanModes.SetUsage(e.scanModeUsage)
	return e
}

// ScanModes exposes the scan mode registry.
func (e *Engine) ScanModes() *scanmode.Registry { return e.scanModes }

// Recorder exposes the metrics recorder.
func (e *Engine) Recorder() *metrics.Recorder { return e.recorder }

// Scheduler exposes the scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// CacheRoot is the directory holding destination caches.
func (e *Engine) CacheRoot() string { return filepath.Join(e.dataDir, cacheDirName) }

// NorthDir returns the cache directory of destination id.
func NorthDir(dataDir, id string) string {
	return filepath.Join(dataDir, cacheDirName, northDirPrefix+id)
}

// Start seeds scan modes, restores metrics and starts every enabled connector.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if _, started := e.runContext(); started {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("engine already started"))
	}
	if err := e.scanModes.Seed(ctx); err != nil {
		return err
	}
	if err := e.recorder.Load(ctx); err != nil {
		e.logger.Warn("restore metrics failed", zap.Error(err))
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runMu.Lock()
	e.ctx, e.cancel = runCtx, cancel
	e.runMu.Unlock()
	e.bg = conc.NewWaitGroup()

	norths, souths := e.entries()
	var errList []error
	for _, entry := range norths {
		if err := e.startNorth(entry, false); err != nil {
			errList = append(errList, err)
		}
	}
	for _, entry := range souths {
		if err := e.startSouth(entry, false); err != nil {
			errList = append(errList, err)
		}
	}

	e.bg.Go(func() { e.recorder.Run(runCtx, e.metricsInterval) })
	e.bg.Go(func() { e.cleanupLoop(runCtx) })
	e.logger.Info("engine started",
		zap.Int("north", len(norths)), zap.Int("south", len(souths)))
	return errors.Join(errList...)
}

// Stop shuts components down in dependency order: timers, sources,
// destinations, caches, then metrics.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	e.runMu.Lock()
	cancel := e.cancel
	e.ctx, e.cancel = nil, nil
	e.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	e.scheduler.Stop()

	norths, souths := e.entries()
	var errList []error
	for _, entry := range souths {
		if err := e.stopSouth(ctx, entry); err != nil {
			errList = append(errList, err)
		}
	}
	e.mu.Lock()
	e.norths = make(map[string]*northEntry)
	e.souths = make(map[string]*southEntry)
	e.mu.Unlock()
	for _, entry := range norths {
		if err := e.stopNorth(ctx, entry); err != nil {
			errList = append(errList, err)
		}
		if err := entry.set.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close cache %s: %w", entry.cfg.ID, err))
		}
		if err := entry.chain.Close(); err != nil {
			errList = append(errList, err)
		}
	}

	cancel()
	if rec := e.bg.WaitAndRecover(); rec != nil {
		errList = append(errList, rec.AsError())
	}
	e.recorder.Close()
	e.logger.Info("engine stopped")
	return errors.Join(errList...)
}

// AddNorth registers a destination and opens its cache. It starts right away
// when the engine runs and cfg is enabled.
func (e *Engine) AddNorth(ctx context.Context, cfg NorthConfig) error {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return errs.New("engine", errs.CodeConfiguration, errs.WithMessage("north id required"))
	}
	e.mu.RLock()
	_, exists := e.norths[cfg.ID]
	e.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrNorthExists, cfg.ID)
	}
	if err := cfg.Settings.Validate(); err != nil {
		return err
	}
	if cfg.Settings.ScanTriggered() {
		release, err := e.scanModes.Acquire(ctx, cfg.Settings.Trigger.ScanModeID)
		if err != nil {
			return errs.New("engine", errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("north %s references unknown scan mode %s", cfg.ID, cfg.Settings.Trigger.ScanModeID)),
				errs.WithCause(err))
		}
		defer release()
	}

	logger := e.logger.Named("north." + cfg.ID)
	conn, err := e.connectors.CreateNorth(ctx, cfg, logger)
	if err != nil {
		return errs.New("engine", errs.CodeConfiguration, errs.WithCause(err))
	}
	stages := make([]transform.Transformer, 0, len(cfg.Transformers))
	for _, tc := range cfg.Transformers {
		stage, err := e.transforms.Create(tc.Type, tc.Options)
		if err != nil {
			closeStages(stages)
			return err
		}
		stages = append(stages, stage)
	}
	chain, err := transform.NewChain(stages...)
	if err != nil {
		closeStages(stages)
		return err
	}

	set, err := cache.Open(cfg.ID, NorthDir(e.dataDir, cfg.ID),
		cache.WithLogger(logger),
		cache.WithClock(e.clock),
		cache.WithMaxSize(cfg.Settings.MaxCacheSize),
		cache.WithObserver(e.recorder))
	if err != nil {
		_ = chain.Close()
		return err
	}
	runner, err := north.NewRunner(cfg.ID, cfg.Settings, conn, set,
		north.WithClock(e.clock),
		north.WithLogger(logger),
		north.WithRecorder(e.recorder),
		north.WithChain(chain))
	if err != nil {
		_ = set.Close()
		_ = chain.Close()
		return err
	}
	e.recorder.Register(cfg.ID, metricsstore.KindNorth)
	e.recorder.CacheChanged(cfg.ID, set.State())

	entry := &northEntry{cfg: cfg, runner: runner, set: set, chain: chain}
	e.mu.Lock()
	if _, exists := e.norths[cfg.ID]; exists {
		e.mu.Unlock()
		_ = set.Close()
		_ = chain.Close()
		return fmt.Errorf("%w: %s", ErrNorthExists, cfg.ID)
	}
	e.norths[cfg.ID] = entry
	e.mu.Unlock()
	return e.startNorth(entry, false)
}

// RemoveNorth stops a destination and releases its cache. The cache directory
// stays on disk until cleanup finds it orphaned.
func (e *Engine) RemoveNorth(ctx context.Context, id string) error {
	e.mu.Lock()
	entry, ok := e.norths[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNorthNotFound, id)
	}
	delete(e.norths, id)
	e.mu.Unlock()

	errList := []error{e.stopNorth(ctx, entry)}
	if err := entry.set.Close(); err != nil {
		errList = append(errList, err)
	}
	if err := entry.chain.Close(); err != nil {
		errList = append(errList, err)
	}
	if err := e.recorder.Unregister(ctx, id); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}

// StartNorth enables a registered destination.
func (e *Engine) StartNorth(_ context.Context, id string) error {
	e.mu.RLock()
	entry, ok := e.norths[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNorthNotFound, id)
	}
	return e.startNorth(entry, true)
}

// StopNorth disables a destination, aborting any in-flight send.
func (e *Engine) StopNorth(ctx context.Context, id string) error {
	e.mu.RLock()
	entry, ok := e.norths[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNorthNotFound, id)
	}
	entry.mu.Lock()
	entry.cfg.Enabled = false
	entry.mu.Unlock()
	return e.stopNorth(ctx, entry)
}

// startNorth runs entry when the engine is started and the entry enabled.
// enable marks the entry enabled first.
func (e *Engine) startNorth(entry *northEntry, enable bool) error {
	runCtx, started := e.runContext()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if enable {
		entry.cfg.Enabled = true
	}
	if !started || !entry.cfg.Enabled || entry.running {
		return nil
	}
	if err := entry.runner.Start(runCtx); err != nil {
		return err
	}
	if entry.cfg.Settings.ScanTriggered() {
		mode, err := e.scanModes.Get(runCtx, entry.cfg.Settings.Trigger.ScanModeID)
		if err == nil {
			entry.unsubscribe, err = e.scheduler.Subscribe(mode, entry.runner)
		}
		if err != nil {
			_ = entry.runner.Stop(runCtx)
			return fmt.Errorf("schedule north %s: %w", entry.cfg.ID, err)
		}
	}
	entry.running = true
	return nil
}

func (e *Engine) stopNorth(ctx context.Context, entry *northEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.running {
		return nil
	}
	if entry.unsubscribe != nil {
		entry.unsubscribe()
		entry.unsubscribe = nil
	}
	entry.running = false
	return entry.runner.Stop(ctx)
}

func (entry *northEntry) isRunning() bool {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.running
}

// AddSouth registers a source. It starts right away when the engine runs
// and cfg is enabled.
func (e *Engine) AddSouth(ctx context.Context, cfg SouthConfig) error {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return errs.New("engine", errs.CodeConfiguration, errs.WithMessage("south id required"))
	}
	e.mu.RLock()
	_, exists := e.souths[cfg.ID]
	e.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrSouthExists, cfg.ID)
	}
	var modeIDs []string
	for _, item := range cfg.Items {
		if item.Enabled && item.ScanModeID != "" {
			modeIDs = append(modeIDs, item.ScanModeID)
		}
	}
	release, err := e.scanModes.Acquire(ctx, modeIDs...)
	if err != nil {
		return errs.New("engine", errs.CodeConfiguration,
			errs.WithMessage(fmt.Sprintf("south %s references an unknown scan mode", cfg.ID)),
			errs.WithCause(err))
	}
	defer release()

	logger := e.logger.Named("south." + cfg.ID)
	conn, err := e.connectors.CreateSouth(ctx, cfg, logger)
	if err != nil {
		return errs.New("engine", errs.CodeConfiguration, errs.WithCause(err))
	}
	id := cfg.ID
	sink := south.SinkFunc(func(ctx context.Context, c content.Content) error {
		return e.Ingest(ctx, id, c)
	})
	runner, err := south.NewRunner(cfg.ID, conn, cfg.Items, sink,
		south.WithClock(e.clock),
		south.WithLogger(logger),
		south.WithRecorder(e.recorder))
	if err != nil {
		return err
	}
	e.recorder.Register(cfg.ID, metricsstore.KindSouth)

	entry := &southEntry{cfg: cfg, runner: runner}
	e.mu.Lock()
	if _, exists := e.souths[cfg.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSouthExists, cfg.ID)
	}
	e.souths[cfg.ID] = entry
	e.mu.Unlock()
	return e.startSouth(entry, false)
}

// RemoveSouth stops and forgets a source.
func (e *Engine) RemoveSouth(ctx context.Context, id string) error {
	e.mu.Lock()
	entry, ok := e.souths[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSouthNotFound, id)
	}
	delete(e.souths, id)
	e.mu.Unlock()
	return errors.Join(e.stopSouth(ctx, entry), e.recorder.Unregister(ctx, id))
}

// StartSouth enables a registered source.
func (e *Engine) StartSouth(_ context.Context, id string) error {
	e.mu.RLock()
	entry, ok := e.souths[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSouthNotFound, id)
	}
	return e.startSouth(entry, true)
}

// StopSouth disables a source.
func (e *Engine) StopSouth(ctx context.Context, id string) error {
	e.mu.RLock()
	entry, ok := e.souths[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSouthNotFound, id)
	}
	entry.mu.Lock()
	entry.cfg.Enabled = false
	entry.mu.Unlock()
	return e.stopSouth(ctx, entry)
}

func (e *Engine) startSouth(entry *southEntry, enable bool) error {
	runCtx, started := e.runContext()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if enable {
		entry.cfg.Enabled = true
	}
	if !started || !entry.cfg.Enabled || entry.running {
		return nil
	}
	if err := entry.runner.Start(runCtx); err != nil {
		return err
	}
	for _, modeID := range entry.runner.ScanModes() {
		mode, err := e.scanModes.Get(runCtx, modeID)
		var unsubscribe func()
		if err == nil {
			unsubscribe, err = e.scheduler.Subscribe(mode, entry.runner)
		}
		if err != nil {
			for _, fn := range entry.unsubscribes {
				fn()
			}
			entry.unsubscribes = nil
			_ = entry.runner.Stop(runCtx)
			return fmt.Errorf("schedule south %s: %w", entry.cfg.ID, err)
		}
		entry.unsubscribes = append(entry.unsubscribes, unsubscribe)
	}
	entry.running = true
	return nil
}

func (e *Engine) stopSouth(ctx context.Context, entry *southEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.running {
		return nil
	}
	for _, fn := range entry.unsubscribes {
		fn()
	}
	entry.unsubscribes = nil
	entry.running = false
	return entry.runner.Stop(ctx)
}

// Ingest appends c to the cache of every running destination subscribed to
// source whose connector accepts its type. Capacity errors are returned so
// the source can react; other destinations still receive the content.
func (e *Engine) Ingest(ctx context.Context, source string, c content.Content) error {
	if err := c.Validate(); err != nil {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithField("source", source))
	}
	e.mu.RLock()
	targets := make([]*northEntry, 0, len(e.norths))
	for _, id := range sortedKeys(e.norths) {
		entry := e.norths[id]
		if entry.cfg.Settings.Accepts(source) {
			targets = append(targets, entry)
		}
	}
	e.mu.RUnlock()

	var errList []error
	for _, entry := range targets {
		if !entry.isRunning() {
			continue
		}
		if !entry.runner.Accepts(c.Type) {
			e.logger.Debug("content type not accepted, skipping destination",
				zap.String("destination", entry.cfg.ID), zap.String("contentType", string(c.Type)))
			continue
		}
		meta, err := entry.set.Append(ctx, c, source)
		if err != nil {
			errList = append(errList, fmt.Errorf("destination %s: %w", entry.cfg.ID, err))
			continue
		}
		e.recorder.Ingested(entry.cfg.ID, meta.ContentSize)
		entry.runner.Notify()
	}
	return errors.Join(errList...)
}

// NorthIDs lists registered destinations.
func (e *Engine) NorthIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.norths)
}

// SouthIDs lists registered sources.
func (e *Engine) SouthIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.souths)
}

func (e *Engine) scanModeUsage(scanModeID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var owners []string
	for id, entry := range e.norths {
		if entry.cfg.Settings.Trigger.ScanModeID == scanModeID {
			owners = append(owners, "north-"+id)
		}
	}
	for id, entry := range e.souths {
		if entry.runner.References(scanModeID) {
			owners = append(owners, "south-"+id)
		}
	}
	return owners
}

func (e *Engine) northEntry(id string) (*northEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.norths[id]
	if !ok {
		return nil, errs.New("engine", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("north %s not found", id)), errs.WithCause(ErrNorthNotFound))
	}
	return entry, nil
}

// runContext returns the context connectors run under while the engine is started.
func (e *Engine) runContext() (context.Context, bool) {
	e.runMu.RLock()
	defer e.runMu.RUnlock()
	return e.ctx, e.ctx != nil
}

func (e *Engine) entries() ([]*northEntry, []*southEntry) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	norths := make([]*northEntry, 0, len(e.norths))
	for _, id := range sortedKeys(e.norths) {
		norths = append(norths, e.norths[id])
	}
	souths := make([]*southEntry, 0, len(e.souths))
	for _, id := range sortedKeys(e.souths) {
		souths = append(souths, e.souths[id])
	}
	return norths, souths
}

func closeStages(stages []transform.Transformer) {
	for _, stage := range stages {
		if closer, ok := stage.(io.Closer); ok {
			_ = closer.Close()
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
