// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tasks

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/ariasync/internal/aria2"
	"github.com/autobrr/ariasync/internal/models"
)

// ErrCycleSkipped is returned when the daemon is in reconnect backoff.
var ErrCycleSkipped = errors.New("reconciliation skipped while daemon is unreachable")

const (
	RemovalReasonDaemonRemoved = "daemon_removed"
	RemovalReasonStaleComplete = "stale_complete"
	RemovalReasonUser          = "user"
	RemovalReasonCleared       = "cleared"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// QueueReader is the daemon surface a reconciliation cycle needs.
type QueueReader interface {
	FileLister
	TellActive(ctx context.Context) ([]aria2.Download, error)
	TellWaiting(ctx context.Context) ([]aria2.Download, error)
	TellStopped(ctx context.Context) ([]aria2.Download, error)
	GetGlobalStat(ctx context.Context) (aria2.GlobalStat, error)
	Remove(ctx context.Context, gid string) (string, error)
}

// HealthTracker gates cycles on daemon reachability.
type HealthTracker interface {
	InBackoff() bool
	RecordFailure(err error)
	RecordSuccess()
}

// PathRepository persists resolved paths across restarts.
type PathRepository interface {
	Upsert(ctx context.Context, paths []models.TaskPath) error
	DeleteMany(ctx context.Context, gids []string) error
}

// Recorder receives reconciliation metrics.
type Recorder interface {
	ObserveCycle(duration time.Duration, outcome string)
	TaskRemoved(reason string)
	ResolutionFailed()
	SetTaskCounts(counts map[Status]int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(time.Duration, string) {}
func (nopRecorder) TaskRemoved(string)                 {}
func (nopRecorder) ResolutionFailed()                  {}
func (nopRecorder) SetTaskCounts(map[Status]int)       {}

// Config controls cycle cadence and fan-out.
type Config struct {
	Interval           time.Duration
	DebounceDelay      time.Duration
	CycleTimeout       time.Duration
	ResolveConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Interval:           2 * time.Second,
		DebounceDelay:      100 * time.Millisecond,
		CycleTimeout:       30 * time.Second,
		ResolveConcurrency: 4,
	}
}

// Reconciler polls the daemon queues and commits merged snapshots into the Store.
type Reconciler struct {
	cfg      Config
	daemon   QueueReader
	store    *Store
	resolver *PathResolver
	health   HealthTracker
	repo     PathRepository
	metrics  Recorder
	logger   zerolog.Logger

	pathExists func(string) bool
	now        func() time.Time

	// cycleMu serializes cycles so snapshots commit in order.
	cycleMu   sync.Mutex
	persisted map[string]struct{}
	stats     atomic.Pointer[Stats]
	lastCycle atomic.Pointer[time.Time]

	interval atomic.Int64
	resetCh  chan struct{}
	trigger  chan struct{}

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

func WithHealthTracker(h HealthTracker) Option {
	return func(r *Reconciler) { r.health = h }
}

func WithPathRepository(repo PathRepository) Option {
	return func(r *Reconciler) { r.repo = repo }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

// WithPathExists replaces the filesystem check used for completed tasks.
func WithPathExists(fn func(string) bool) Option {
	return func(r *Reconciler) { r.pathExists = fn }
}

func NewReconciler(cfg Config, daemon QueueReader, store *Store, opts ...Option) *Reconciler {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = defaults.DebounceDelay
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaults.CycleTimeout
	}
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = defaults.ResolveConcurrency
	}

	r := &Reconciler{
		cfg:        cfg,
		daemon:     daemon,
		store:      store,
		resolver:   NewPathResolver(daemon),
		metrics:    nopRecorder{},
		logger:     log.Logger.With().Str("module", "reconciler").Logger(),
		pathExists: pathExists,
		now:        time.Now,
		persisted:  make(map[string]struct{}),
		resetCh:    make(chan struct{}, 1),
		trigger:    make(chan struct{}, 1),
	}
	r.interval.Store(int64(cfg.Interval))

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil || !os.IsNotExist(err)
}

// SeedPaths primes the store's path arena with persisted paths.
func (r *Reconciler) SeedPaths(paths map[string]string) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	r.store.SeedPaths(paths)
	for gid := range paths {
		r.persisted[gid] = struct{}{}
	}
}

// Stats returns the aggregate from the most recent successful stats poll.
func (r *Reconciler) Stats() (Stats, bool) {
	s := r.stats.Load()
	if s == nil {
		return Stats{}, false
	}
	return *s, true
}

// LastCycle returns when the last successful cycle committed.
func (r *Reconciler) LastCycle() time.Time {
	t := r.lastCycle.Load()
	if t == nil {
		return time.Time{}
	}
	return *t
}

// SetInterval changes the timer cadence of a running loop.
func (r *Reconciler) SetInterval(d time.Duration) {
	if d <= 0 || time.Duration(r.interval.Load()) == d {
		return
	}
	r.interval.Store(int64(d))
	select {
	case r.resetCh <- struct{}{}:
	default:
	}
	r.logger.Info().Dur("interval", d).Msg("Reconcile interval updated")
}

// Start runs an initial cycle and then the timer loop until Stop or ctx ends.
func (r *Reconciler) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.runScheduled(loopCtx)
		r.loop(loopCtx)
	}()
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (r *Reconciler) Stop() {
	r.lifecycleMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.lifecycleMu.Unlock()

	r.debounceMu.Lock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
		r.debounceTimer = nil
	}
	r.debounceMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.interval.Load()))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.resetCh:
			ticker.Reset(time.Duration(r.interval.Load()))
		case <-ticker.C:
			r.runScheduled(ctx)
		case <-r.trigger:
			r.runScheduled(ctx)
		}
	}
}

func (r *Reconciler) runScheduled(ctx context.Context) {
	err := r.ReconcileNow(ctx)
	switch {
	case err == nil, errors.Is(err, ErrCycleSkipped), ctx.Err() != nil:
	default:
		r.logger.Debug().Err(err).Msg("Reconciliation cycle failed")
	}
}

// Trigger requests an out-of-cycle reconciliation. Bursts are coalesced.
func (r *Reconciler) Trigger() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()

	if r.debounceTimer != nil {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(r.cfg.DebounceDelay, func() {
		r.debounceMu.Lock()
		if r.debounceTimer == timer {
			r.debounceTimer = nil
		}
		r.debounceMu.Unlock()

		select {
		case r.trigger <- struct{}{}:
		default:
		}
	})
	r.debounceTimer = timer
}

// ReconcileNow runs one cycle synchronously. Cancelling ctx does not abort a
// cycle that has already started.
func (r *Reconciler) ReconcileNow(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := r.now()
	if r.health != nil && r.health.InBackoff() {
		r.metrics.ObserveCycle(r.now().Sub(start), OutcomeSkipped)
		return ErrCycleSkipped
	}

	// A started cycle runs to completion even if the caller goes away.
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CycleTimeout)
	defer cancel()

	count, err := r.cycle(cycleCtx)
	elapsed := r.now().Sub(start)
	if err != nil {
		r.metrics.ObserveCycle(elapsed, OutcomeError)
		return err
	}

	r.metrics.ObserveCycle(elapsed, OutcomeSuccess)
	committed := r.now()
	r.lastCycle.Store(&committed)
	r.logger.Trace().Int("tasks", count).Dur("duration", elapsed).Msg("Reconciliation cycle committed")
	return nil
}

type queues struct {
	active, waiting, stopped []aria2.Download
}

func (r *Reconciler) fetch(ctx context.Context) (queues, error) {
	var q queues

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		q.active, err = r.daemon.TellActive(gctx)
		return errors.Wrap(err, "list active")
	})
	g.Go(func() error {
		var err error
		q.waiting, err = r.daemon.TellWaiting(gctx)
		return errors.Wrap(err, "list waiting")
	})
	g.Go(func() error {
		var err error
		q.stopped, err = r.daemon.TellStopped(gctx)
		return errors.Wrap(err, "list stopped")
	})
	g.Go(func() error {
		stat, err := r.daemon.GetGlobalStat(gctx)
		if err != nil {
			r.logger.Debug().Err(err).Msg("Failed to fetch global stats")
			return nil
		}
		stats := statsFromGlobal(stat)
		r.stats.Store(&stats)
		return nil
	})

	if err := g.Wait(); err != nil {
		return queues{}, err
	}
	return q, nil
}

func (r *Reconciler) cycle(ctx context.Context) (int, error) {
	q, err := r.fetch(ctx)
	if err != nil {
		if r.health != nil && aria2.IsConnectionError(err) {
			r.health.RecordFailure(err)
		}
		return 0, err
	}
	if r.health != nil {
		r.health.RecordSuccess()
	}

	var dropped []string

	kept := q.stopped[:0:0]
	for _, d := range q.stopped {
		if Status(d.Status) != StatusRemoved {
			kept = append(kept, d)
			continue
		}
		r.removeOnDaemon(ctx, d.GID, RemovalReasonDaemonRemoved)
		dropped = append(dropped, d.GID)
	}

	candidates := mergeQueues(q.active, q.waiting, kept)

	snapshot := make([]Task, 0, len(candidates))
	var unresolved []int
	for _, t := range candidates {
		if cached, ok := r.store.CachedPath(t.GID); ok {
			t.Path = cached
			if t.Status == StatusComplete && !r.pathExists(cached) {
				r.logger.Info().Str("gid", t.GID).Str("path", cached).Msg("Completed task files are gone, removing task")
				r.removeOnDaemon(ctx, t.GID, RemovalReasonStaleComplete)
				dropped = append(dropped, t.GID)
				continue
			}
		} else {
			unresolved = append(unresolved, len(snapshot))
		}
		snapshot = append(snapshot, t)
	}

	resolved := r.resolveMissing(ctx, snapshot, unresolved)

	r.store.ReplaceAll(snapshot)
	r.publishCounts(snapshot)
	r.persist(ctx, snapshot, resolved, dropped)

	return len(snapshot), nil
}

// mergeQueues concatenates the queues in order; a repeated gid keeps its first
// position but takes the later record.
func mergeQueues(lists ...[]aria2.Download) []Task {
	index := make(map[string]int)
	var out []Task
	for _, list := range lists {
		for _, d := range list {
			t := FromDownload(d)
			if i, ok := index[t.GID]; ok {
				log.Warn().Str("gid", t.GID).Msg("Task reported in more than one queue")
				out[i] = t
				continue
			}
			index[t.GID] = len(out)
			out = append(out, t)
		}
	}
	return out
}

func (r *Reconciler) removeOnDaemon(ctx context.Context, gid, reason string) {
	if _, err := r.daemon.Remove(ctx, gid); err != nil {
		r.logger.Warn().Err(err).Str("gid", gid).Str("reason", reason).Msg("Failed to remove task on daemon")
	}
	r.metrics.TaskRemoved(reason)
}

// resolveMissing fills Path for the snapshot entries at idx and returns the gids it resolved.
func (r *Reconciler) resolveMissing(ctx context.Context, snapshot []Task, idx []int) []string {
	if len(idx) == 0 {
		return nil
	}

	results := make([]string, len(idx))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ResolveConcurrency)

	for n, i := range idx {
		gid, dir := snapshot[i].GID, snapshot[i].Dir
		g.Go(func() error {
			p, err := r.resolver.Resolve(gctx, gid, dir)
			if err != nil {
				r.metrics.ResolutionFailed()
				r.logger.Debug().Err(err).Str("gid", gid).Msg("Path resolution failed, will retry next cycle")
				return nil
			}
			results[n] = p
			return nil
		})
	}
	_ = g.Wait()

	var resolved []string
	for n, i := range idx {
		if results[n] == "" {
			continue
		}
		snapshot[i].Path = results[n]
		resolved = append(resolved, snapshot[i].GID)
	}
	return resolved
}

func (r *Reconciler) publishCounts(snapshot []Task) {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, t := range snapshot {
		counts[t.Status]++
	}
	r.metrics.SetTaskCounts(counts)
}

func (r *Reconciler) persist(ctx context.Context, snapshot []Task, resolved, dropped []string) {
	if r.repo == nil {
		return
	}

	present := make(map[string]Task, len(snapshot))
	for _, t := range snapshot {
		present[t.GID] = t
	}

	if len(resolved) > 0 {
		records := make([]models.TaskPath, 0, len(resolved))
		for _, gid := range resolved {
			t := present[gid]
			records = append(records, models.TaskPath{GID: gid, Dir: t.Dir, Path: t.Path})
		}
		if err := r.repo.Upsert(ctx, records); err != nil {
			r.logger.Warn().Err(err).Int("count", len(records)).Msg("Failed to persist resolved paths")
		} else {
			for _, gid := range resolved {
				r.persisted[gid] = struct{}{}
			}
		}
	}

	forget := dropped
	for gid := range r.persisted {
		if _, ok := present[gid]; !ok {
			forget = append(forget, gid)
		}
	}
	if len(forget) == 0 {
		return
	}
	if err := r.repo.DeleteMany(ctx, forget); err != nil {
		r.logger.Warn().Err(err).Int("count", len(forget)).Msg("Failed to forget dropped task paths")
		return
	}
	for _, gid := range forget {
		delete(r.persisted, gid)
	}
}
