// Package engine wires the registration tracker, announce scheduler,
// presence scanner and alternate-network lookup client onto one shared
// timer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/announce"
	"github.com/debswarm/trackerless/internal/config"
	"github.com/debswarm/trackerless/internal/contacts"
	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/lifecycle"
	"github.com/debswarm/trackerless/internal/lookup"
	"github.com/debswarm/trackerless/internal/metrics"
	"github.com/debswarm/trackerless/internal/presence"
	"github.com/debswarm/trackerless/internal/registration"
	"github.com/debswarm/trackerless/internal/sanitize"
	"github.com/debswarm/trackerless/internal/state"
	"github.com/debswarm/trackerless/internal/timeouts"
	"github.com/debswarm/trackerless/internal/torrent"
)

// ErrNotStarted is returned by operations that need a running engine.
var ErrNotStarted = errors.New("engine not started")

// RunStatsLoader restores the last persisted stats of a download.
// state.DB implements it.
type RunStatsLoader interface {
	RunStats(h torrent.InfoHash) (registration.RunStats, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithClock sets the clock shared by every component
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithScanStore persists presence-scan schedules and run stats. When the
// store also implements RunStatsLoader, stats are restored on Add.
func WithScanStore(db presence.ScanStore) Option {
	return func(e *Engine) { e.db = db }
}

// WithRand sets the uniform [0, 1) source used for sampling and jitter
func WithRand(fn func() float64) Option {
	return func(e *Engine) { e.rand = fn }
}

// Engine drives every tracked download through registration, announce
// and presence scanning.
type Engine struct {
	cfg     *config.Config
	svc     dht.Service
	clock   clock.Clock
	metrics *metrics.Metrics
	db      presence.ScanStore
	rand    func() float64
	logger  *zap.Logger

	timeouts  *timeouts.Manager
	tracker   *registration.Tracker
	scheduler *announce.Scheduler
	scanner   *presence.Scanner
	lookup    *lookup.Client
	book      *contacts.Book

	mu        sync.Mutex
	lc        *lifecycle.Manager
	startedAt time.Time
}

// New builds an engine over svc. Nothing runs until Start.
func New(cfg *config.Config, svc dht.Service, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		svc:    svc,
		logger: logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	e.timeouts = timeouts.NewManager(TimeoutsConfig(cfg))

	tcfg := TrackerConfig(cfg)
	tcfg.Clock = e.clock
	tcfg.Metrics = e.metrics
	tcfg.Rand = e.rand
	tracker, err := registration.New(registration.NewStore(), tcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registration tracker: %w", err)
	}
	e.tracker = tracker

	if cfg.Lookup.Enabled {
		if err := e.buildLookup(logger); err != nil {
			return nil, err
		}
	}

	scfg := SchedulerConfig(cfg)
	scfg.Timeouts = e.timeouts
	scfg.Clock = e.clock
	scfg.Metrics = e.metrics
	if e.lookup != nil {
		scfg.Finder = e.lookup
	}
	e.scheduler = announce.New(tracker, svc, scfg, logger)

	if cfg.Presence.Enabled {
		pcfg := ScannerConfig(cfg)
		pcfg.Timeouts = e.timeouts
		pcfg.Clock = e.clock
		pcfg.Metrics = e.metrics
		pcfg.Rand = e.rand
		e.scanner = presence.New(tracker.Store(), svc, e.db, pcfg, logger)
	}

	return e, nil
}

func (e *Engine) buildLookup(logger *zap.Logger) error {
	book, err := contacts.NewBook(contacts.DefaultCapacity, logger)
	if err != nil {
		return fmt.Errorf("failed to create contact book: %w", err)
	}
	if path := e.cfg.Lookup.ContactsFile; path != "" {
		if err := book.LoadFile(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				e.logger.Debug("No contacts file yet", zap.String("path", path))
			} else {
				e.logger.Warn("Failed to load contacts", zap.String("path", path), zap.Error(err))
			}
		}
	}
	e.book = book

	lcfg := LookupConfig(e.cfg)
	lcfg.Contacts = book
	lcfg.Timeouts = e.timeouts
	lcfg.Clock = e.clock
	lcfg.Metrics = e.metrics
	e.lookup = lookup.New(lcfg, logger)
	return nil
}

// Start opens the lookup socket and starts the shared tick.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lc != nil {
		return nil
	}

	lc := lifecycle.New(ctx, lifecycle.WithClock(e.clock), lifecycle.WithLogger(e.logger))
	if e.lookup != nil {
		if err := e.lookup.Start(lc.Context()); err != nil {
			lc.Stop()
			return fmt.Errorf("failed to start lookup client: %w", err)
		}
	}
	e.lc = lc
	e.startedAt = e.clock.Now()
	lc.RunTicker(e.cfg.Tracking.TickInterval.Duration, e.Tick)

	e.logger.Info("Engine started",
		zap.Duration("tickInterval", e.cfg.Tracking.TickInterval.Duration),
		zap.Bool("presence", e.scanner != nil),
		zap.Bool("lookup", e.lookup != nil),
		zap.Bool("putsDisabled", e.cfg.Tracking.PutsDisabled))
	return nil
}

// Tick runs one scheduling pass. Start calls it on the configured
// interval; calls must not overlap.
func (e *Engine) Tick() {
	e.scheduler.Tick()
	if e.scanner != nil {
		e.scanner.Tick()
	}
}

// Add starts tracking dl, restoring persisted stats first.
func (e *Engine) Add(dl torrent.Download) registration.Decision {
	h := dl.InfoHash()
	if loader, ok := e.db.(RunStatsLoader); ok {
		st, err := loader.RunStats(h)
		switch {
		case err == nil:
			e.tracker.Store().Track(dl)
			e.tracker.Store().SetStats(h, st)
		case !errors.Is(err, state.ErrNotFound):
			e.logger.Warn("Failed to restore run stats",
				zap.String("hash", sanitize.Hash(h[:])),
				zap.Error(err))
		}
	}
	return e.tracker.Add(dl)
}

// Remove stops tracking a download.
func (e *Engine) Remove(h torrent.InfoHash) {
	e.tracker.Remove(h)
}

// Sync makes the tracked set equal to dls.
func (e *Engine) Sync(dls []torrent.Download) (added, removed int) {
	want := make(map[torrent.InfoHash]bool, len(dls))
	for _, dl := range dls {
		h := dl.InfoHash()
		want[h] = true
		if _, ok := e.tracker.Store().Download(h); !ok {
			e.Add(dl)
			added++
		}
	}
	for _, dl := range e.tracker.Store().Downloads() {
		if h := dl.InfoHash(); !want[h] {
			e.Remove(h)
			removed++
		}
	}
	if added > 0 || removed > 0 {
		e.logger.Info("Synced downloads",
			zap.Int("added", added),
			zap.Int("removed", removed),
			zap.Int("tracked", len(want)))
	}
	return added, removed
}

// Lookup returns the alternate-network client, nil when disabled.
func (e *Engine) Lookup() *lookup.Client { return e.lookup }

// Book returns the alternate-network contact book, nil when lookups are
// disabled.
func (e *Engine) Book() *contacts.Book { return e.book }

// Tracker returns the registration tracker.
func (e *Engine) Tracker() *registration.Tracker { return e.tracker }

// Stop halts the tick, closes the lookup client and saves learned
// contacts.
func (e *Engine) Stop() error {
	e.mu.Lock()
	lc := e.lc
	e.lc = nil
	e.mu.Unlock()
	if lc == nil {
		return ErrNotStarted
	}

	var errs []error
	if err := lc.StopWithTimeout(10 * time.Second); err != nil {
		errs = append(errs, err)
	}
	if e.lookup != nil {
		if err := e.lookup.Close(); err != nil && !errors.Is(err, lookup.ErrClosed) {
			errs = append(errs, err)
		}
		if err := e.saveContacts(); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("Engine stopped")
	return errors.Join(errs...)
}

// saveContacts writes the book back unless the file is a compressed
// list we only read.
func (e *Engine) saveContacts() error {
	path := e.cfg.Lookup.ContactsFile
	if path == "" || e.book.Len() == 0 {
		return nil
	}
	if strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".xz") {
		e.logger.Debug("Not overwriting compressed contacts file", zap.String("path", path))
		return nil
	}
	return e.book.Save(path)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Uptime   time.Duration   `json:"uptime"`
	Sleeping bool            `json:"dht_sleeping"`
	Announce announce.Stats  `json:"announce"`
	Presence *presence.Stats `json:"presence,omitempty"`
	Lookup   *lookup.Stats   `json:"lookup,omitempty"`
	Contacts int             `json:"contacts"`
}

// Status returns a snapshot for the status endpoint.
func (e *Engine) Status() Status {
	st := Status{
		Sleeping: e.svc.IsSleeping(),
		Announce: e.scheduler.Stats(),
	}
	e.mu.Lock()
	if e.lc != nil {
		st.Uptime = e.clock.Since(e.startedAt)
	}
	e.mu.Unlock()
	if e.scanner != nil {
		ps := e.scanner.Stats()
		st.Presence = &ps
	}
	if e.lookup != nil {
		ls := e.lookup.Stats()
		st.Lookup = &ls
		st.Contacts = e.book.Len()
	}
	return st
}
