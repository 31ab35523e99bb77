// Package guard enforces retry and intervention ceilings to bound runaway
// cost. Checks never fail with errors: they return structured decisions the
// orchestration engine converts into planning choices.
//
// Counters live in two places. The cache counter governs real-time
// admission; the repository counter governs audit and crash recovery. The
// two increments are independently committed. When the cache has no value
// for a counter it is seeded from the repository, so a cache wipe cannot
// reopen an exhausted budget.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/conductor/internal/cache"
	"github.com/ShayCichocki/conductor/internal/store"
)

const (
	// DefaultMaxRetriesPerTask is the per-task retry ceiling.
	DefaultMaxRetriesPerTask = 3
	// DefaultMaxInterventions is the per-run intervention ceiling.
	DefaultMaxInterventions = 10
	// nearLimitFraction is the budget fraction at which warnings begin.
	nearLimitFraction = 0.80
)

// RetryDecision is the result of a retry admission check.
type RetryDecision struct {
	// Allowed is true if another retry is admitted.
	Allowed bool
	// CurrentCount is the number of retries already recorded.
	CurrentCount int
	// MaxCount is the retry ceiling.
	MaxCount int
	// Reason explains a refusal.
	Reason string
}

// RetryRecord is the result of recording a retry.
type RetryRecord struct {
	// NewCount is the counter value after the increment.
	NewCount int
	// IsLastRetry is true if this retry consumed the final slot.
	IsLastRetry bool
	// MaxRetries is the retry ceiling.
	MaxRetries int
}

// InterventionDecision is the result of an intervention admission check.
type InterventionDecision struct {
	// Allowed is true if another intervention is admitted.
	Allowed bool
	// CurrentCount is the number of interventions already recorded.
	CurrentCount int
	// MaxCount is the intervention ceiling.
	MaxCount int
	// NearLimit is true at or above 80% of the ceiling. It is a warning
	// signal, not a rejection.
	NearLimit bool
	// Reason explains a refusal.
	Reason string
}

// InterventionRecord is the result of recording an intervention.
type InterventionRecord struct {
	// NewCount is the counter value after the increment.
	NewCount int
	// MaxCount is the intervention ceiling.
	MaxCount int
	// NearLimit is true at or above 80% of the ceiling.
	NearLimit bool
}

// TaskHealth describes one task's retry consumption.
type TaskHealth struct {
	// Count is the recorded retry count.
	Count int
	// Percent is Count relative to the ceiling, 0-100.
	Percent float64
}

// RunHealth aggregates loop-guard state for a run.
type RunHealth struct {
	// Tasks maps task IDs to their retry consumption.
	Tasks map[string]TaskHealth
	// InterventionCount is the recorded intervention count.
	InterventionCount int
	// InterventionPercent is consumption relative to the ceiling, 0-100.
	InterventionPercent float64
	// OverallHealthy is false once interventions reach 80% or any task
	// exhausts its retries.
	OverallHealthy bool
}

// Guard checks and records retry and intervention counters. Ceilings can
// be adjusted at runtime via UpdateCeilings.
type Guard struct {
	cache cache.Cache
	repo  store.CounterStore
	log   zerolog.Logger

	mu         sync.RWMutex
	maxRetries int
	maxIntervs int
}

// Options configures a Guard. Zero values select the defaults.
type Options struct {
	// MaxRetriesPerTask overrides the per-task retry ceiling.
	MaxRetriesPerTask int
	// MaxInterventions overrides the per-run intervention ceiling.
	MaxInterventions int
	// Logger receives warning and error logs. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// New creates a Guard over the given cache and durable counter store.
func New(c cache.Cache, repo store.CounterStore, opts Options) *Guard {
	maxRetries := opts.MaxRetriesPerTask
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetriesPerTask
	}
	maxIntervs := opts.MaxInterventions
	if maxIntervs <= 0 {
		maxIntervs = DefaultMaxInterventions
	}
	return &Guard{
		cache:      c,
		repo:       repo,
		maxRetries: maxRetries,
		maxIntervs: maxIntervs,
		log:        opts.Logger,
	}
}

// MaxRetriesPerTask returns the per-task retry ceiling.
func (g *Guard) MaxRetriesPerTask() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.maxRetries
}

// MaxInterventions returns the per-run intervention ceiling.
func (g *Guard) MaxInterventions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.maxIntervs
}

// UpdateCeilings replaces the ceilings at runtime. Non-positive values
// leave the corresponding ceiling unchanged. Already-recorded counters are
// unaffected; only future admission checks see the new ceilings.
func (g *Guard) UpdateCeilings(maxRetries, maxIntervs int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if maxRetries > 0 {
		g.maxRetries = maxRetries
	}
	if maxIntervs > 0 {
		g.maxIntervs = maxIntervs
	}
	g.log.Info().Int("max_retries", g.maxRetries).Int("max_interventions", g.maxIntervs).
		Msg("[guard] ceilings updated")
}

func retryKey(runID, taskID string) string {
	return fmt.Sprintf("guard:retries:%s:%s", runID, taskID)
}

func interventionKey(runID string) string {
	return fmt.Sprintf("guard:interventions:%s", runID)
}

// CanRetryTask reports whether another retry of the task is admitted.
func (g *Guard) CanRetryTask(ctx context.Context, runID, taskID string) RetryDecision {
	count := g.counterValue(ctx, retryKey(runID, taskID), func() (int, error) {
		return g.repo.RetryCount(ctx, runID, taskID)
	})

	maxRetries := g.MaxRetriesPerTask()
	d := RetryDecision{
		Allowed:      count < maxRetries,
		CurrentCount: count,
		MaxCount:     maxRetries,
	}
	if !d.Allowed {
		d.Reason = fmt.Sprintf("task %s has used all %d retries", taskID, maxRetries)
	}
	return d
}

// RecordTaskRetry increments both retry counters. The cache increment
// governs the returned count; the repository increment is audit-only and
// its failure is logged, not returned.
func (g *Guard) RecordTaskRetry(ctx context.Context, runID, taskID string) (RetryRecord, error) {
	newCount, err := g.incr(ctx, retryKey(runID, taskID), func() (int, error) {
		return g.repo.RetryCount(ctx, runID, taskID)
	})
	if err != nil {
		return RetryRecord{}, fmt.Errorf("record retry for task %s: %w", taskID, err)
	}

	if _, err := g.repo.IncrRetryCount(ctx, runID, taskID); err != nil {
		g.log.Warn().Err(err).Str("run_id", runID).Str("task_id", taskID).
			Msg("[guard] durable retry counter increment failed")
	}

	maxRetries := g.MaxRetriesPerTask()
	return RetryRecord{
		NewCount:    newCount,
		IsLastRetry: newCount >= maxRetries,
		MaxRetries:  maxRetries,
	}, nil
}

// CanIntervene reports whether another intervention is admitted for the run.
func (g *Guard) CanIntervene(ctx context.Context, runID string) InterventionDecision {
	count := g.counterValue(ctx, interventionKey(runID), func() (int, error) {
		return g.repo.Interventions(ctx, runID)
	})

	maxIntervs := g.MaxInterventions()
	d := InterventionDecision{
		Allowed:      count < maxIntervs,
		CurrentCount: count,
		MaxCount:     maxIntervs,
		NearLimit:    float64(count) >= nearLimitFraction*float64(maxIntervs),
	}
	if !d.Allowed {
		d.Reason = fmt.Sprintf("run %s has used all %d interventions", runID, maxIntervs)
	}
	return d
}

// RecordIntervention increments both intervention counters.
func (g *Guard) RecordIntervention(ctx context.Context, runID string) (InterventionRecord, error) {
	newCount, err := g.incr(ctx, interventionKey(runID), func() (int, error) {
		return g.repo.Interventions(ctx, runID)
	})
	if err != nil {
		return InterventionRecord{}, fmt.Errorf("record intervention for run %s: %w", runID, err)
	}

	if _, err := g.repo.IncrInterventions(ctx, runID); err != nil {
		g.log.Warn().Err(err).Str("run_id", runID).
			Msg("[guard] durable intervention counter increment failed")
	}

	maxIntervs := g.MaxInterventions()
	rec := InterventionRecord{
		NewCount:  newCount,
		MaxCount:  maxIntervs,
		NearLimit: float64(newCount) >= nearLimitFraction*float64(maxIntervs),
	}
	if rec.NearLimit {
		g.log.Warn().Str("run_id", runID).Int("count", newCount).Int("max", maxIntervs).
			Msg("[guard] intervention budget near limit")
	}
	return rec, nil
}

// RunHealth aggregates retry and intervention consumption for a run.
func (g *Guard) RunHealth(ctx context.Context, runID string, taskIDs []string) RunHealth {
	h := RunHealth{
		Tasks:          make(map[string]TaskHealth, len(taskIDs)),
		OverallHealthy: true,
	}

	maxRetries := g.MaxRetriesPerTask()
	maxIntervs := g.MaxInterventions()

	for _, taskID := range taskIDs {
		count := g.counterValue(ctx, retryKey(runID, taskID), func() (int, error) {
			return g.repo.RetryCount(ctx, runID, taskID)
		})
		pct := 100 * float64(count) / float64(maxRetries)
		h.Tasks[taskID] = TaskHealth{Count: count, Percent: pct}
		if pct >= 100 {
			h.OverallHealthy = false
		}
	}

	h.InterventionCount = g.counterValue(ctx, interventionKey(runID), func() (int, error) {
		return g.repo.Interventions(ctx, runID)
	})
	h.InterventionPercent = 100 * float64(h.InterventionCount) / float64(maxIntervs)
	if h.InterventionPercent >= 100*nearLimitFraction {
		h.OverallHealthy = false
	}

	return h
}

// Reconcile reseeds the cache counters for a run from the repository.
// Called on engine startup so a cache wipe cannot reopen exhausted budgets.
func (g *Guard) Reconcile(ctx context.Context, runID string, taskIDs []string) error {
	for _, taskID := range taskIDs {
		count, err := g.repo.RetryCount(ctx, runID, taskID)
		if err != nil {
			return fmt.Errorf("read durable retry counter for task %s: %w", taskID, err)
		}
		if err := g.cache.Set(ctx, retryKey(runID, taskID), strconv.Itoa(count)); err != nil {
			return fmt.Errorf("seed retry counter for task %s: %w", taskID, err)
		}
	}

	count, err := g.repo.Interventions(ctx, runID)
	if err != nil {
		return fmt.Errorf("read durable intervention counter: %w", err)
	}
	if err := g.cache.Set(ctx, interventionKey(runID), strconv.Itoa(count)); err != nil {
		return fmt.Errorf("seed intervention counter: %w", err)
	}
	return nil
}

// counterValue reads a counter from the cache, seeding it from the
// repository on a miss. Read errors degrade to the repository value; if
// both stores fail the counter reads as zero and the failure is logged.
func (g *Guard) counterValue(ctx context.Context, key string, fromRepo func() (int, error)) int {
	raw, ok, err := g.cache.Get(ctx, key)
	if err == nil && ok {
		if n, perr := strconv.Atoi(raw); perr == nil {
			return n
		}
	}
	if err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("[guard] cache read failed, falling back to repository")
	}

	n, rerr := fromRepo()
	if rerr != nil {
		g.log.Error().Err(rerr).Str("key", key).Msg("[guard] durable counter read failed")
		return 0
	}

	if _, serr := g.cache.SetNX(ctx, key, strconv.Itoa(n)); serr != nil {
		g.log.Warn().Err(serr).Str("key", key).Msg("[guard] counter seed failed")
	}
	return n
}

// incr increments a cache counter, seeding it from the repository first if
// the cache has no value for it.
func (g *Guard) incr(ctx context.Context, key string, fromRepo func() (int, error)) (int, error) {
	if _, ok, err := g.cache.Get(ctx, key); err == nil && !ok {
		if n, rerr := fromRepo(); rerr == nil && n > 0 {
			if _, serr := g.cache.SetNX(ctx, key, strconv.Itoa(n)); serr != nil {
				g.log.Warn().Err(serr).Str("key", key).Msg("[guard] counter seed failed")
			}
		}
	}

	n, err := g.cache.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
