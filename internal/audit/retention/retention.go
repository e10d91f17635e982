// Package retention deletes audit rows older than a per-kind age limit in
// bounded batches.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"audittrail/internal/audit/metrics"
	"audittrail/internal/audit/models"
	dErrors "audittrail/pkg/domain-errors"
)

// DefaultBatchSize bounds each select/delete round trip.
const DefaultBatchSize = 1000

// DefaultLockTTL is how long a sweep lock is held before it expires on its own.
const DefaultLockTTL = 10 * time.Minute

// Store selects and deletes expired rows.
type Store interface {
	ExpiredIDs(ctx context.Context, kind models.Kind, before time.Time, limit int) ([]uuid.UUID, error)
	DeleteBatch(ctx context.Context, kind models.Kind, ids []uuid.UUID) (int64, error)
}

// Locker guards a kind against concurrent sweeps from several instances.
// Acquire returns ok=false when another holder has the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Policy maps each kind to its maximum age in days. A nil or missing entry
// disables retention for that kind.
type Policy map[models.Kind]*int

// Days is a convenience for building a Policy.
func Days(n int) *int { return &n }

type Sweeper struct {
	store     Store
	policy    Policy
	batchSize int
	locker    Locker
	lockTTL   time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithPolicy sets the per-kind ages used by SweepAll.
func WithPolicy(policy Policy) Option {
	return func(s *Sweeper) {
		s.policy = policy
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLocker makes each sweep take a lock per kind first. A sweep that cannot
// take the lock is skipped and reports zero deletions.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func New(store Store, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("retention store is required")
	}
	s := &Sweeper{
		store:     store,
		policy:    Policy{},
		batchSize: DefaultBatchSize,
		lockTTL:   DefaultLockTTL,
		clock:     time.Now,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep deletes rows of kind created more than maxAgeDays days ago and
// returns how many rows were actually deleted. A nil maxAgeDays is a no-op.
// Sweeps are re-entrant: rows removed by a concurrent sweep are not counted.
func (s *Sweeper) Sweep(ctx context.Context, kind models.Kind, maxAgeDays *int) (int64, error) {
	if !kind.Valid() {
		return 0, dErrors.New(dErrors.CodeValidation, "unknown retention kind: "+string(kind))
	}
	if maxAgeDays == nil {
		return 0, nil
	}
	if *maxAgeDays < 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "retention age must not be negative")
	}

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, lockKey(kind), s.lockTTL)
		if err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodePersistence, "acquire retention lock")
		}
		if !ok {
			s.metrics.IncRetentionSkipped(kind)
			s.logger.InfoContext(ctx, "retention sweep skipped, lock held elsewhere", "kind", kind)
			return 0, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WarnContext(ctx, "release retention lock", "kind", kind, "error", err)
			}
		}()
	}

	start := time.Now()
	threshold := s.clock().UTC().AddDate(0, 0, -*maxAgeDays)

	var (
		total int64
		prev  []uuid.UUID
	)
	for {
		if err := ctx.Err(); err != nil {
			return total, dErrors.Wrap(err, dErrors.CodeTimeout, "retention sweep interrupted")
		}
		ids, err := s.store.ExpiredIDs(ctx, kind, threshold, s.batchSize)
		if err != nil {
			return total, dErrors.Wrap(err, dErrors.CodePersistence, "select expired rows")
		}
		// A batch that deleted nothing and comes back unchanged will never
		// shrink.
		if len(ids) == 0 || slices.Equal(ids, prev) {
			break
		}
		n, err := s.store.DeleteBatch(ctx, kind, ids)
		if err != nil {
			return total, dErrors.Wrap(err, dErrors.CodePersistence, "delete expired rows")
		}
		total += n
		s.metrics.AddRetentionDeleted(kind, n)
		if len(ids) < s.batchSize {
			break
		}
		// A full batch removed by a concurrent sweep says nothing about the
		// rows behind it, so keep selecting.
		prev = nil
		if n == 0 {
			prev = ids
		}
	}

	s.metrics.ObserveRetentionDuration(kind, time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "retention sweep finished",
		"kind", kind,
		"max_age_days", *maxAgeDays,
		"threshold", threshold,
		"deleted", total,
	)
	return total, nil
}

// SweepAll sweeps every kind of the configured policy concurrently and
// returns the per-kind counts. The first error cancels the other sweeps.
func (s *Sweeper) SweepAll(ctx context.Context) (map[models.Kind]int64, error) {
	var mu sync.Mutex
	results := make(map[models.Kind]int64, len(models.Kinds))

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range models.Kinds {
		days := s.policy[kind]
		g.Go(func() error {
			n, err := s.Sweep(gctx, kind, days)
			mu.Lock()
			results[kind] = n
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func lockKey(kind models.Kind) string {
	return "audit:retention:" + string(kind)
}
