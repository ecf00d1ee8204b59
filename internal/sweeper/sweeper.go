// Package sweeper enforces data retention: unsaved callers past their
// deadline are purged with everything hanging off them, on a cron schedule
// and on demand from the admin API.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/pkg/metrics"
)

const (
	lockKey = "voicebridge:retention:sweep"
	lockTTL = 10 * time.Minute

	// batchSize bounds one run; leftovers wait for the next tick.
	batchSize = 500

	runTimeout = 5 * time.Minute
)

// ErrSweepLocked means another replica holds the sweep lock.
var ErrSweepLocked = errors.New("a retention sweep is already running")

// Report is the outcome of one sweep or preview.
type Report struct {
	Preview   bool             `json:"preview"`
	Eligible  int              `json:"eligible"`
	Deleted   int              `json:"deleted"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	CallerIDs []string         `json:"callerIds"`
	Rows      store.PurgeStats `json:"rows"`
	RanAt     time.Time        `json:"ranAt"`
}

// Sweeper runs retention sweeps. A nil Redis client disables the
// cross-replica lock for single-instance deployments and tests.
type Sweeper struct {
	store *store.Store
	redis *redis.Client
	log   *zap.Logger
	cron  *cron.Cron
}

func New(st *store.Store, rdb *redis.Client, log *zap.Logger) *Sweeper {
	return &Sweeper{store: st, redis: rdb, log: log}
}

// Start schedules sweeps on the given cron spec.
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, s.runScheduled); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	s.log.Info("retention sweeper started", zap.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	report, err := s.RunOnce(ctx, false)
	switch {
	case errors.Is(err, ErrSweepLocked):
		s.log.Info("retention sweep skipped, another replica holds the lock")
	case err != nil:
		s.log.Error("retention sweep failed", zap.Error(err))
	default:
		s.log.Info("retention sweep completed",
			zap.Int("eligible", report.Eligible),
			zap.Int("deleted", report.Deleted),
			zap.Int("skipped", report.Skipped),
			zap.Int64("calls", report.Rows.Calls))
	}
}

// RunOnce performs one sweep under the cross-replica lock. Previews skip
// the lock since they do not mutate anything.
func (s *Sweeper) RunOnce(ctx context.Context, preview bool) (*Report, error) {
	if !preview {
		if !s.acquireLock(ctx) {
			return nil, ErrSweepLocked
		}
		defer s.releaseLock()
	}
	return s.sweep(ctx, preview)
}

func (s *Sweeper) sweep(ctx context.Context, preview bool) (*Report, error) {
	report := &Report{Preview: preview, RanAt: time.Now()}

	mode := "live"
	if preview {
		mode = "preview"
	}
	metrics.SweepRuns.WithLabelValues(mode).Inc()

	callers, err := s.store.ExpiredCallers(ctx, report.RanAt, batchSize)
	if err != nil {
		return nil, err
	}
	report.Eligible = len(callers)
	report.CallerIDs = make([]string, 0, len(callers))
	for _, c := range callers {
		report.CallerIDs = append(report.CallerIDs, c.ID)
	}

	if preview {
		calls, transcripts, extractions, recordings, err := s.store.CountCallRows(ctx, report.CallerIDs)
		if err != nil {
			return nil, err
		}
		report.Rows = store.PurgeStats{
			Calls:       calls,
			Transcripts: transcripts,
			Extractions: extractions,
			Recordings:  recordings,
		}
		return report, nil
	}

	for _, c := range callers {
		stats, err := s.store.PurgeCaller(ctx, c.ID)
		switch {
		case errors.Is(err, store.ErrCallerSaved):
			// Saved between selection and purge; retention no longer
			// applies.
			report.Skipped++
			continue
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			report.Failed++
			s.log.Error("purge failed", zap.String("caller_id", c.ID), zap.Error(err))
			continue
		}

		report.Deleted++
		report.Rows.Calls += stats.Calls
		report.Rows.Transcripts += stats.Transcripts
		report.Rows.Extractions += stats.Extractions
		report.Rows.Recordings += stats.Recordings
	}

	metrics.CallersDeleted.Add(float64(report.Deleted))
	return report, nil
}

// acquireLock takes the cross-replica sweep lock. An unreachable Redis
// skips the run rather than risking concurrent sweeps.
func (s *Sweeper) acquireLock(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	taken, err := s.redis.SetNX(ctx, lockKey, "sweeping", lockTTL).Result()
	if err != nil {
		s.log.Warn("retention lock unavailable", zap.Error(err))
		return false
	}
	return taken
}

func (s *Sweeper) releaseLock() {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.redis.Del(ctx, lockKey).Err(); err != nil {
		s.log.Warn("could not release retention lock, TTL will clear it", zap.Error(err))
	}
}
