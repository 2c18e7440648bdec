package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// Scorer computes the brand compliance score of an asset. It is the
// external scoring collaborator; the engine only caches its results.
type Scorer interface {
	Score(ctx context.Context, req types.RescoreRequest) (types.ScoreResult, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req types.RescoreRequest) (types.ScoreResult, error)

func (f ScorerFunc) Score(ctx context.Context, req types.RescoreRequest) (types.ScoreResult, error) {
	return f(ctx, req)
}

// InvalidatorConfig sizes the recomputation worker pool.
type InvalidatorConfig struct {
	// Workers is the number of concurrent recomputations. Default 2.
	Workers int

	// QueueSize bounds dispatched recomputations waiting for a worker.
	// Default 64. Dispatches beyond it are dropped and the score stays
	// pending until the next write or RequestRescore.
	QueueSize int

	// MaxAttempts bounds scorer calls per recomputation, counting failures
	// and stale results. Default 3.
	MaxAttempts int

	// Timeout bounds one scorer call. Default 30s.
	Timeout time.Duration

	// RetryDelay is the pause after a failed scorer call. Default 200ms.
	RetryDelay time.Duration
}

func (c InvalidatorConfig) withDefaults() InvalidatorConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	return c
}

type rescoreJob struct {
	assetID    string
	claimed    bool
	generation int64
}

// Invalidator keeps the cached compliance score honest. Every commit that
// touches a compliance-relevant field marks the score pending in the same
// transaction; recomputation then runs on a bounded worker pool. A result is
// stored only if no invalidation happened while it was computed.
//
// With a nil Scorer nothing is computed in process: scores arrive through
// AcceptScore.
type Invalidator struct {
	*core
	scorer Scorer
	cfg    InvalidatorConfig

	mu     sync.RWMutex
	closed bool
	jobs   chan rescoreJob
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func newInvalidator(c *core, scorer Scorer, cfg InvalidatorConfig) *Invalidator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Invalidator{
		core:   c,
		scorer: scorer,
		cfg:    cfg,
		jobs:   make(chan rescoreJob, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// start releases claims left by a previous process and launches the
// workers.
func (i *Invalidator) start(ctx context.Context) error {
	n, err := i.store.Compliance().ReleaseAll(ctx)
	if err != nil {
		return fmt.Errorf("releasing stale rescore claims: %w", err)
	}
	if n > 0 {
		log.Warn(log.CatCompliance, "Released stale rescore claims", "count", n)
	}
	if i.scorer == nil {
		log.Info(log.CatCompliance, "No scorer configured, scores are accepted externally")
		return nil
	}
	for w := 0; w < i.cfg.Workers; w++ {
		i.wg.Add(1)
		go i.worker()
	}
	return nil
}

// invalidate marks the asset's score pending inside t and queues a
// recomputation for after the commit.
func (i *Invalidator) invalidate(ctx context.Context, t *txn, assetID string) error {
	gen, err := t.Compliance().Invalidate(ctx, assetID, t.now)
	if err != nil {
		return err
	}
	t.requestRescore(assetID)
	log.Debug(log.CatCompliance, "Score invalidated", "asset", assetID, "generation", gen)
	return nil
}

// dispatch hands an asset to the worker pool without blocking.
func (i *Invalidator) dispatch(assetID string) {
	if i.scorer == nil {
		return
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return
	}
	select {
	case i.jobs <- rescoreJob{assetID: assetID}:
	default:
		i.metrics.ScoreOutcome(ScoreAbandoned)
		log.Warn(log.CatCompliance, "Rescore queue full, score left pending", "asset", assetID)
	}
}

// RequestRescore asks for a recomputation. It returns
// types.RescoreAlreadyInProgress when one is already running, so repeated
// requests never duplicate work.
func (i *Invalidator) RequestRescore(ctx context.Context, assetID, actor string) (types.RescoreStatus, error) {
	if assetID == "" {
		return "", fmt.Errorf("asset: %w", types.ErrInvalidID)
	}
	if actor == "" {
		return "", types.ErrInvalidActor
	}
	var (
		claimed bool
		gen     int64
	)
	err := i.store.Atomic(ctx, func(r types.Repositories) error {
		var err error
		now := i.now()
		claimed, gen, err = r.Compliance().Claim(ctx, assetID, now)
		if err != nil {
			return err
		}
		status := types.RescoreAlreadyInProgress
		if claimed {
			status = types.RescoreQueued
		}
		return r.Audit().Append(ctx, &types.AuditEntry{
			Action:    types.AuditRescoreRequested,
			AssetID:   assetID,
			Actor:     actor,
			Detail:    map[string]any{"status": string(status), "generation": gen},
			CreatedAt: now,
		})
	})
	if err != nil {
		return "", err
	}
	if !claimed {
		i.metrics.RescoreRequested(types.RescoreAlreadyInProgress)
		return types.RescoreAlreadyInProgress, nil
	}

	if err := i.submit(ctx, rescoreJob{assetID: assetID, claimed: true, generation: gen}); err != nil {
		i.release(assetID)
		return "", err
	}
	i.metrics.RescoreRequested(types.RescoreQueued)
	log.Info(log.CatCompliance, "Rescore queued", "asset", assetID, "generation", gen, "actor", actor)
	return types.RescoreQueued, nil
}

// submit queues an already claimed job, waiting for room. Without a scorer
// the claim is held until AcceptScore.
func (i *Invalidator) submit(ctx context.Context, job rescoreJob) error {
	if i.scorer == nil {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return fmt.Errorf("invalidator closed")
	}
	select {
	case i.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcceptScore stores a result computed for generation. It returns false,
// without error, when the asset was invalidated since; the caller's result
// is stale and is discarded.
func (i *Invalidator) AcceptScore(ctx context.Context, assetID string, generation int64, result types.ScoreResult) (bool, error) {
	accepted, err := i.store.Compliance().Accept(ctx, assetID, generation, result, i.now())
	if err != nil {
		return false, err
	}
	if accepted {
		i.metrics.ScoreOutcome(ScoreAccepted)
		log.Info(log.CatCompliance, "Score accepted",
			"asset", assetID, "generation", generation, "score", result.Score, "status", string(result.Status))
	} else {
		i.metrics.ScoreOutcome(ScoreStale)
		log.Debug(log.CatCompliance, "Stale score discarded", "asset", assetID, "generation", generation)
	}
	return accepted, nil
}

// Score returns the cached score or a *types.NotFoundError when the asset
// was never evaluated or invalidated.
func (i *Invalidator) Score(ctx context.Context, assetID string) (*types.ComplianceScore, error) {
	return i.store.Compliance().Get(ctx, assetID)
}

// Close stops accepting work, lets the workers finish what is queued, and
// waits for them.
func (i *Invalidator) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	close(i.jobs)
	i.mu.Unlock()

	i.wg.Wait()
	i.cancel()
}

func (i *Invalidator) worker() {
	defer i.wg.Done()
	for job := range i.jobs {
		i.run(job)
	}
}

// run computes one asset's score, retrying on scorer failures and on
// results that went stale while computing. The claim is always released.
func (i *Invalidator) run(job rescoreJob) {
	ctx := i.ctx
	gen := job.generation
	if !job.claimed {
		var claimed bool
		err := i.store.Atomic(ctx, func(r types.Repositories) error {
			var err error
			claimed, gen, err = r.Compliance().Claim(ctx, job.assetID, i.now())
			return err
		})
		if err != nil {
			log.ErrorErr(log.CatCompliance, "Claiming rescore failed", err, "asset", job.assetID)
			return
		}
		if !claimed {
			// The worker holding the claim sees the new generation on accept.
			return
		}
	}

	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
		result, err := i.scorer.Score(callCtx, types.RescoreRequest{AssetID: job.assetID, Generation: gen})
		cancel()
		if err != nil {
			i.metrics.ScoreOutcome(ScoreFailed)
			log.ErrorErr(log.CatCompliance, "Scorer failed", err,
				"asset", job.assetID, "generation", gen, "attempt", attempt)
			if !i.sleep(ctx) {
				break
			}
			continue
		}

		accepted, err := i.AcceptScore(ctx, job.assetID, gen, result)
		if err != nil {
			i.metrics.ScoreOutcome(ScoreFailed)
			log.ErrorErr(log.CatCompliance, "Storing score failed", err, "asset", job.assetID, "generation", gen)
			continue
		}
		if accepted {
			return
		}

		current, err := i.store.Compliance().Get(ctx, job.assetID)
		if err != nil {
			log.ErrorErr(log.CatCompliance, "Reading score generation failed", err, "asset", job.assetID)
			break
		}
		gen = current.Generation
	}

	i.metrics.ScoreOutcome(ScoreAbandoned)
	log.Warn(log.CatCompliance, "Rescore abandoned, score left pending", "asset", job.assetID, "generation", gen)
	i.release(job.assetID)
}

func (i *Invalidator) release(assetID string) {
	if err := i.store.Compliance().Release(context.Background(), assetID); err != nil {
		log.ErrorErr(log.CatCompliance, "Releasing rescore claim failed", err, "asset", assetID)
	}
}

func (i *Invalidator) sleep(ctx context.Context) bool {
	t := time.NewTimer(i.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
