// Package scheduler implements the Scheduler Loop (C5): a single-owner
// cooperative loop over in-memory queues rehydrated from the State Store,
// in the shape of the teacher's FlushManager event-driven goroutine.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/esdataapp/orchestrator/internal/config"
	"github.com/esdataapp/orchestrator/internal/launcher"
	"github.com/esdataapp/orchestrator/internal/sitemutex"
	"github.com/esdataapp/orchestrator/internal/types"
)

// Store is the subset of the State Store the loop depends on. All methods
// are called only from the loop goroutine, never concurrently.
type Store interface {
	ItemsForBatch(ctx context.Context, batchID string) ([]*types.WorkItem, error)
	MarkRunning(ctx context.Context, batchID, itemKey string, from types.Status) error
	MarkCompleted(ctx context.Context, batchID, itemKey, outputPath string) error
	MarkFailed(ctx context.Context, batchID, itemKey, reason string, willRetry bool, retryDueAt time.Time) error
	RequeueRetry(ctx context.Context, batchID, itemKey string) error
	UnblockDetails(ctx context.Context, batchID, primaryItemKey, dependencyPath string) ([]*types.WorkItem, error)
	MarkDependentsFailed(ctx context.Context, batchID, primaryItemKey, reason string) ([]*types.WorkItem, error)
	IncrementBatchProgress(ctx context.Context, batchID string, completedDelta, failedDelta int) error
	CountOpenItems(ctx context.Context, batchID string) (int, error)
	MarkBatchCompleted(ctx context.Context, batchID string) error
}

// Launcher is the subset of the Child Launcher the loop depends on.
type Launcher interface {
	Launch(ctx context.Context, item *types.WorkItem, monthYear string, executionNumber int, batchID string, siteCfg config.SiteConfig) launcher.Outcome
}

// ResourceGate is the subset of Resource Admission the loop depends on.
type ResourceGate interface {
	Admit(now time.Time) bool
}

// Config holds the loop's scheduling policy, taken from execution settings
// (§4.5, §6).
type Config struct {
	MaxParallel   int
	PrioritySite  string
	RotationSites []string
	RetryDelay    time.Duration
	PollInterval  time.Duration // how often to re-check retries/resources when idle; default 1s
}

// Loop drives one batch to completion (or until cancelled).
type Loop struct {
	store    Store
	launch   Launcher
	gate     ResourceGate
	settings *config.Settings
	cfg      Config
	logger   *slog.Logger

	primaryQueue map[string][]*types.WorkItem
	detailQueue  []*types.WorkItem
	retryHeap    retryHeap
	running      map[string]*types.WorkItem
	sites        *sitemutex.Set
	rotationIdx  int

	completions chan completionEvent
}

type completionEvent struct {
	item    *types.WorkItem
	outcome launcher.Outcome
}

// New constructs a Loop. settings is used to resolve per-site launcher
// configuration (max_pages_per_session, rate_limit_seconds).
func New(store Store, l Launcher, gate ResourceGate, settings *config.Settings, cfg Config, logger *slog.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:        store,
		launch:       l,
		gate:         gate,
		settings:     settings,
		cfg:          cfg,
		logger:       logger,
		primaryQueue: make(map[string][]*types.WorkItem),
		sites:        sitemutex.New(),
		running:      make(map[string]*types.WorkItem),
		completions:  make(chan completionEvent, 64),
	}
}

// Run rehydrates in-memory queues from the store for batch and drives
// admission/launch/reap until no non-terminal items and no pending retries
// remain, or ctx is cancelled (drain mode: stop admitting, let running
// items finish, exit without finalizing the batch).
func (l *Loop) Run(ctx context.Context, batch *types.Batch) error {
	if err := l.rehydrate(ctx, batch.BatchID); err != nil {
		return fmt.Errorf("rehydrate scheduler state: %w", err)
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		cancelled := ctx.Err() != nil

		if cancelled {
			// Drain mode: stop admitting, let running workers finish, exit
			// without finalizing the batch so it stays resumable (§5).
			if len(l.running) == 0 {
				return ctx.Err()
			}
		} else {
			l.admit(ctx, batch)
			if len(l.running) == 0 && l.queuesEmpty() {
				if err := l.store.MarkBatchCompleted(ctx, batch.BatchID); err != nil {
					return fmt.Errorf("mark batch completed: %w", err)
				}
				return nil
			}
		}

		select {
		case ev := <-l.completions:
			l.reap(ctx, batch, ev)
			l.drainReadyCompletions()
		case <-ticker.C:
			// Re-evaluate retries/resources even with nothing newly
			// completed.
		case <-ctx.Done():
			// Enter drain mode: stop admitting, keep waiting on running
			// workers. Loop back around; the cancelled branch above will
			// skip admission and the running-empty check will exit once
			// workers report.
			if len(l.running) > 0 {
				select {
				case ev := <-l.completions:
					l.reap(ctx, batch, ev)
				case <-time.After(l.cfg.PollInterval):
				}
			}
		}
	}
}

// drainReadyCompletions reaps any additional completions already queued
// without blocking, so a burst of finishers doesn't wait for the next tick.
func (l *Loop) drainReadyCompletions() {
	for {
		select {
		case ev := <-l.completions:
			l.reap(context.Background(), nil, ev)
		default:
			return
		}
	}
}

func (l *Loop) queuesEmpty() bool {
	if len(l.detailQueue) != 0 || len(l.retryHeap) != 0 {
		return false
	}
	for _, q := range l.primaryQueue {
		if len(q) != 0 {
			return false
		}
	}
	return true
}

// rehydrate rebuilds every in-memory structure from the store, per §4.5:
// "in-memory queues rebuilt from the State Store on start or resume."
func (l *Loop) rehydrate(ctx context.Context, batchID string) error {
	items, err := l.store.ItemsForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	byKey := make(map[string]*types.WorkItem, len(items))
	for _, item := range items {
		byKey[item.Key] = item
	}

	for _, item := range items {
		switch item.Status {
		case types.StatusPending:
			if item.Stage == types.StagePrimary {
				l.primaryQueue[item.SiteCode] = append(l.primaryQueue[item.SiteCode], item)
			} else {
				l.detailQueue = append(l.detailQueue, item)
			}
		case types.StatusRetrying:
			heap.Push(&l.retryHeap, item)
		case types.StatusBlocked:
			// A crash between the primary's completion and the
			// unblock-details write would otherwise strand this item
			// blocked forever; re-run the unblock on recovery.
			upstream, ok := byKey[item.DependsOn]
			if ok && upstream.Status == types.StatusCompleted && upstream.OutputPath != "" {
				released, err := l.store.UnblockDetails(ctx, batchID, upstream.Key, upstream.OutputPath)
				if err != nil {
					return fmt.Errorf("recover stranded detail %s: %w", item.Key, err)
				}
				l.detailQueue = append(l.detailQueue, released...)
			}
		}
	}
	return nil
}

// admit runs the priority-ordered admission decision until nothing more
// can be launched (§4.5).
func (l *Loop) admit(ctx context.Context, batch *types.Batch) {
	l.drainRetries(ctx, batch.BatchID)

	for {
		if len(l.running) >= l.cfg.MaxParallel {
			return
		}
		if l.gate != nil && !l.gate.Admit(time.Now()) {
			return
		}

		if l.tryLaunchDetail(ctx, batch) {
			continue
		}
		if l.tryLaunchPrioritySite(ctx, batch) {
			continue
		}
		if l.tryLaunchRotation(ctx, batch) {
			continue
		}
		return
	}
}

// drainRetries moves every item whose retry_due_at has elapsed back into
// its queue with status pending (§4.5 step 1).
func (l *Loop) drainRetries(ctx context.Context, batchID string) {
	now := time.Now()
	for len(l.retryHeap) > 0 && l.retryHeap[0].RetryDueAt != nil && !l.retryHeap[0].RetryDueAt.After(now) {
		item := heap.Pop(&l.retryHeap).(*types.WorkItem)
		if err := l.store.RequeueRetry(ctx, batchID, item.Key); err != nil {
			l.logger.Error("requeue retry failed", "item", item.Key, "error", err)
			continue
		}
		item.Status = types.StatusPending
		item.RetryDueAt = nil
		if item.Stage == types.StagePrimary {
			l.primaryQueue[item.SiteCode] = append(l.primaryQueue[item.SiteCode], item)
		} else {
			l.detailQueue = append(l.detailQueue, item)
		}
	}
}

// tryLaunchDetail implements "detail first": launch the head of
// detail_queue if its site is free; otherwise rotate busy heads to the tail
// and keep trying (§4.5 step 3).
func (l *Loop) tryLaunchDetail(ctx context.Context, batch *types.Batch) bool {
	attempts := len(l.detailQueue)
	for i := 0; i < attempts; i++ {
		if len(l.detailQueue) == 0 {
			return false
		}
		head := l.detailQueue[0]
		if l.sites.Free(head.SiteCode) {
			l.detailQueue = l.detailQueue[1:]
			l.launchItem(ctx, batch, head)
			return true
		}
		l.detailQueue = append(l.detailQueue[1:], head)
	}
	return false
}

// tryLaunchPrioritySite implements §4.5 step 4.
func (l *Loop) tryLaunchPrioritySite(ctx context.Context, batch *types.Batch) bool {
	if l.cfg.PrioritySite == "" {
		return false
	}
	if !l.sites.Free(l.cfg.PrioritySite) {
		return false
	}
	q := l.primaryQueue[l.cfg.PrioritySite]
	if len(q) == 0 {
		return false
	}
	head := q[0]
	l.primaryQueue[l.cfg.PrioritySite] = q[1:]
	l.launchItem(ctx, batch, head)
	return true
}

// tryLaunchRotation steps the round-robin cursor through rotation_sites
// once, launching the first free site with a non-empty queue (§4.5 step 5).
func (l *Loop) tryLaunchRotation(ctx context.Context, batch *types.Batch) bool {
	n := len(l.cfg.RotationSites)
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		idx := (l.rotationIdx + i) % n
		site := l.cfg.RotationSites[idx]
		if !l.sites.Free(site) {
			continue
		}
		q := l.primaryQueue[site]
		if len(q) == 0 {
			continue
		}
		head := q[0]
		l.primaryQueue[site] = q[1:]
		l.rotationIdx = (idx + 1) % n
		l.launchItem(ctx, batch, head)
		return true
	}
	l.rotationIdx = (l.rotationIdx + 1) % n
	return false
}

// launchItem marks item running in the store, acquires its site mutex, and
// hands it to a worker goroutine that reports on the completion channel,
// never blocking the loop (§5).
func (l *Loop) launchItem(ctx context.Context, batch *types.Batch, item *types.WorkItem) {
	fromStatus := types.StatusPending
	if err := l.store.MarkRunning(ctx, batch.BatchID, item.Key, fromStatus); err != nil {
		l.logger.Error("mark running failed", "item", item.Key, "error", err)
		return
	}
	l.sites.TryAcquire(item.SiteCode)
	item.Status = types.StatusRunning
	l.running[item.Key] = item

	siteCfg := config.SiteConfig{}
	if l.settings != nil {
		siteCfg = l.settings.SiteConfigFor(item.SiteCode)
	}

	// Detach from the loop's context: a drain-mode cancellation must stop
	// new admission without killing a worker already in flight (§5).
	workerCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.completions <- completionEvent{item: item, outcome: launcher.Outcome{FailureReason: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		outcome := l.launch.Launch(workerCtx, item, batch.MonthYear, batch.ExecutionNumber, batch.BatchID, siteCfg)
		l.completions <- completionEvent{item: item, outcome: outcome}
	}()
}

// reap persists a completion's outcome, releases the site mutex, and
// applies the dependency/retry consequences described in §4.5.
func (l *Loop) reap(ctx context.Context, batch *types.Batch, ev completionEvent) {
	item := ev.item
	delete(l.running, item.Key)
	l.sites.Release(item.SiteCode)

	var batchID string
	if batch != nil {
		batchID = batch.BatchID
	} else {
		batchID = item.BatchID
	}

	if ev.outcome.Success {
		if err := l.store.MarkCompleted(ctx, batchID, item.Key, ev.outcome.OutputPath); err != nil {
			l.logger.Error("mark completed failed", "item", item.Key, "error", err)
			return
		}
		if err := l.store.IncrementBatchProgress(ctx, batchID, 1, 0); err != nil {
			l.logger.Error("increment batch progress failed", "item", item.Key, "error", err)
		}
		if item.Stage == types.StagePrimary {
			released, err := l.store.UnblockDetails(ctx, batchID, item.Key, ev.outcome.OutputPath)
			if err != nil {
				l.logger.Error("unblock details failed", "item", item.Key, "error", err)
				return
			}
			l.detailQueue = append(l.detailQueue, released...)
		}
		return
	}

	willRetry := item.Attempts+1 < item.MaxAttempts
	retryDueAt := time.Now().Add(l.cfg.RetryDelay)
	if err := l.store.MarkFailed(ctx, batchID, item.Key, ev.outcome.FailureReason, willRetry, retryDueAt); err != nil {
		l.logger.Error("mark failed failed", "item", item.Key, "error", err)
		return
	}

	if willRetry {
		item.Attempts++
		item.Status = types.StatusRetrying
		due := retryDueAt
		item.RetryDueAt = &due
		heap.Push(&l.retryHeap, item)
		return
	}

	if err := l.store.IncrementBatchProgress(ctx, batchID, 0, 1); err != nil {
		l.logger.Error("increment batch progress failed", "item", item.Key, "error", err)
	}

	if item.Stage == types.StagePrimary {
		dependents, err := l.store.MarkDependentsFailed(ctx, batchID, item.Key, "upstream failed")
		if err != nil {
			l.logger.Error("mark dependents failed", "item", item.Key, "error", err)
			return
		}
		if len(dependents) > 0 {
			if err := l.store.IncrementBatchProgress(ctx, batchID, 0, len(dependents)); err != nil {
				l.logger.Error("increment batch progress for dependents failed", "item", item.Key, "error", err)
			}
		}
	}
}
