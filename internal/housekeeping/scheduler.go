// Package housekeeping periodically disperses clusters that still hold bibs
// processed under an older processing version, so ingest can rebuild them.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"horse.fit/bibcluster/internal/globaltime"
	"horse.fit/bibcluster/internal/lock"
)

const (
	DefaultBatchSize   = 5000
	DefaultInterval    = time.Minute
	DefaultLockName    = "cluster-housekeeping"
	defaultConcurrency = 4
)

const (
	SourceNone          = "none"
	SourcePriorityQueue = "priority_queue"
	SourceBacklog       = "backlog"
)

// Clusters is the clustering surface housekeeping drives.
type Clusters interface {
	DisperseAndRecluster(ctx context.Context, clusterID uuid.UUID) (uuid.UUID, error)
	OutdatedClusterIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	OutdatedClusterBacklog(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type Options struct {
	Clusters Clusters
	Locker   lock.Locker
	// Queue is shared with whatever prioritises clusters. A fresh queue is
	// created when nil.
	Queue *PriorityQueue

	LockName      string
	Interval      time.Duration
	BatchSize     int
	Concurrency   int
	RatePerSecond float64

	Logger zerolog.Logger
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Ran        bool      `json:"ran"`
	Source     string    `json:"source"`
	Candidates int       `json:"candidates"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	Discarded  int       `json:"discarded"`
	Skipped    int       `json:"skipped"`
	Completed  bool      `json:"completed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Status struct {
	Queued    int         `json:"queued"`
	Completed bool        `json:"completed"`
	LastTick  *TickResult `json:"last_tick,omitempty"`
}

type Scheduler struct {
	clusters    Clusters
	locker      lock.Locker
	queue       *PriorityQueue
	limiter     *rate.Limiter
	lockName    string
	interval    time.Duration
	batchSize   int
	concurrency int

	completed atomic.Bool

	mu       sync.Mutex
	lastTick *TickResult

	logger zerolog.Logger
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Clusters == nil {
		return nil, fmt.Errorf("housekeeping clusters are required")
	}
	if opts.Locker == nil {
		return nil, fmt.Errorf("housekeeping locker is required")
	}

	queue := opts.Queue
	if queue == nil {
		queue = NewPriorityQueue()
	}
	lockName := strings.TrimSpace(opts.LockName)
	if lockName == "" {
		lockName = DefaultLockName
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), concurrency)
	}

	return &Scheduler{
		clusters:    opts.Clusters,
		locker:      opts.Locker,
		queue:       queue,
		limiter:     limiter,
		lockName:    lockName,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      opts.Logger.With().Str("component", "housekeeping").Logger(),
	}, nil
}

// Queue exposes the priority queue so clustering can feed it.
func (s *Scheduler) Queue() *PriorityQueue { return s.queue }

// Prioritise queues a cluster id for the next tick. It never blocks on a
// running tick.
func (s *Scheduler) Prioritise(id string) bool {
	added := s.queue.Prioritise(id)
	if added {
		s.logger.Debug().Str("cluster_id", strings.TrimSpace(id)).Msg("prioritised cluster for reprocessing")
	}
	return added
}

// Rearm re-enables the backlog scan after it reported completion.
func (s *Scheduler) Rearm() {
	if s.completed.Swap(false) {
		s.logger.Info().Msg("housekeeping backlog scan re-armed")
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Queued:    s.queue.Len(),
		Completed: s.completed.Load(),
	}
	if s.lastTick != nil {
		last := *s.lastTick
		status.LastTick = &last
	}
	return status
}

// Run ticks until ctx ends. Each tick starts one interval after the previous
// one finished; tick errors are logged and the next tick tries again.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Int("concurrency", s.concurrency).
		Str("lock", s.lockName).
		Msg("housekeeping scheduler started")

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("housekeeping scheduler stopped")
			return nil
		case <-timer.C:
		}

		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("housekeeping tick failed")
		}
		timer.Reset(s.interval)
	}
}

// Tick runs one pass under the distributed lock. When the lock is held
// elsewhere the pass is skipped and the result has Ran=false.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	result := TickResult{Source: SourceNone, StartedAt: globaltime.UTC()}

	ran, err := s.locker.WithLockOrEmpty(ctx, s.lockName, func(ctx context.Context) error {
		return s.pass(ctx, &result)
	})
	result.Ran = ran
	result.Completed = s.completed.Load()
	result.FinishedAt = globaltime.UTC()

	if err != nil {
		return result, fmt.Errorf("housekeeping tick: %w", err)
	}
	if !ran {
		s.logger.Debug().Str("lock", s.lockName).Msg("housekeeping lock held elsewhere; skipping tick")
		return result, nil
	}

	s.mu.Lock()
	last := result
	s.lastTick = &last
	s.mu.Unlock()

	if result.Candidates > 0 || result.Discarded > 0 {
		s.logger.Info().
			Str("source", result.Source).
			Int("candidates", result.Candidates).
			Int("processed", result.Processed).
			Int("failed", result.Failed).
			Int("discarded", result.Discarded).
			Int("skipped", result.Skipped).
			Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
			Msg("housekeeping tick finished")
	}
	return result, nil
}

func (s *Scheduler) pass(ctx context.Context, result *TickResult) error {
	if s.queue.Len() > 0 {
		result.Source = SourcePriorityQueue
		return s.drainQueue(ctx, result)
	}

	if s.completed.Load() {
		s.logger.Debug().Msg("housekeeping backlog already completed; nothing to do")
		return nil
	}

	result.Source = SourceBacklog
	ids, err := s.clusters.OutdatedClusterBacklog(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("scan outdated cluster backlog: %w", err)
	}
	if len(ids) == 0 {
		s.completed.Store(true)
		s.logger.Info().Msg("no outdated clusters left; housekeeping backlog completed")
		return nil
	}
	result.Candidates += len(ids)
	return s.disperseAll(ctx, ids, result)
}

// drainQueue works through the entries queued when the pass began. Entries
// added meanwhile wait for the next tick.
func (s *Scheduler) drainQueue(ctx context.Context, result *TickResult) error {
	remaining := s.queue.Len()
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := s.queue.Drain(min(remaining, s.batchSize))
		if len(batch) == 0 {
			return nil
		}
		remaining -= len(batch)

		ids := make([]uuid.UUID, 0, len(batch))
		for _, raw := range batch {
			id, err := uuid.Parse(raw)
			if err != nil {
				result.Discarded++
				s.logger.Warn().Err(err).Str("entry", raw).Msg("discarding malformed cluster id from priority queue")
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}

		outdated, err := s.clusters.OutdatedClusterIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("recheck prioritised clusters: %w", err)
		}
		result.Skipped += len(ids) - len(outdated)
		result.Candidates += len(outdated)
		if len(outdated) == 0 {
			continue
		}
		if err := s.disperseAll(ctx, outdated, result); err != nil {
			return err
		}
	}
	return nil
}

// disperseAll disperses ids on a bounded worker pool. Per-cluster failures are
// logged and counted; only cancellation aborts the batch.
func (s *Scheduler) disperseAll(ctx context.Context, ids []uuid.UUID, result *TickResult) error {
	var processed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		if s.limiter != nil {
			if err := s.limiter.Wait(gctx); err != nil {
				break
			}
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := s.clusters.DisperseAndRecluster(gctx, id); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				failed.Add(1)
				s.logger.Error().Err(err).Str("cluster_id", id.String()).Msg("cluster dispersal failed")
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	err := g.Wait()

	result.Processed += int(processed.Load())
	result.Failed += int(failed.Load())

	if err != nil {
		return err
	}
	return ctx.Err()
}
