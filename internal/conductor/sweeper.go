package conductor

import (
	"context"
	"errors"
	"time"

	"leadflow_backend/internal/conductor/domain"
	"leadflow_backend/internal/conductor/repository"
	"leadflow_backend/internal/lock"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	// sweepBatchSize bounds how many candidates one pass touches.
	sweepBatchSize = 200

	// sweepLockMaxWait keeps the sweeper from queueing behind live traffic.
	// A lead busy with a real reply is simply skipped until the next pass.
	sweepLockMaxWait = 100 * time.Millisecond

	// sweepConcurrency bounds the per-lead fan-out.
	sweepConcurrency = 8

	heartbeatKey = "sweeper:heartbeat"
)

// Sweeper advances idle leads in the background: stalled conversations go
// cold, exhausted cold leads die, and abandoned bookings fall back to
// qualified. Each candidate is advanced under its own lock, same as a live
// reply would be.
type Sweeper struct {
	repo  repository.LeadsRepository
	locks *lock.Lock
	cache *redis.Client
	cfg   config.ConductorConfig
	log   *logger.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(repo repository.LeadsRepository, locks *lock.Lock, cache *redis.Client, cfg config.ConductorConfig, log *logger.Logger) *Sweeper {
	return &Sweeper{repo: repo, locks: locks, cache: cache, cfg: cfg, log: log}
}

// RunOnce executes a single sweep pass. Safe to run concurrently with live
// traffic and with other sweeper instances: every mutation is lock-guarded
// and skipping a busy lead is always correct.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if err := s.cache.Set(ctx, heartbeatKey, time.Now().Unix(), 2*s.cfg.GetSweepInterval()).Err(); err != nil {
		s.log.CacheDegraded("sweeper", "heartbeat", err)
	}

	cutoff := time.Now().Add(-s.cfg.GetColdAfter())
	candidates, err := s.repo.ListIdleInStates(ctx,
		[]domain.State{domain.StateQualifying, domain.StateQualified, domain.StateBooking, domain.StateCold},
		cutoff, sweepBatchSize,
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, candidate := range candidates {
		c := candidate
		g.Go(func() error {
			s.sweepOne(gctx, c)
			return nil
		})
	}
	return g.Wait()
}

// sweepOne advances a single idle lead. Errors are logged, never returned:
// one stuck lead must not abort the pass.
func (s *Sweeper) sweepOne(ctx context.Context, candidate repository.SweepCandidate) {
	handle, err := s.locks.Acquire(ctx, lockKey(candidate.LeadID), s.cfg.GetLockTTL(), sweepLockMaxWait)
	if errors.Is(err, lock.ErrAcquireTimeout) {
		// Busy with live traffic; the next pass will see it if still idle.
		return
	}
	if err != nil {
		return
	}
	defer handle.Release(context.WithoutCancel(ctx))

	// Re-read under the lock: a reply may have landed since the listing.
	lead, err := s.repo.GetByID(ctx, candidate.LeadID)
	if err != nil {
		s.log.DatabaseError("sweep load lead", err)
		return
	}
	if s.stillIdle(lead) {
		s.advance(ctx, lead)
	}
}

func (s *Sweeper) stillIdle(lead *repository.Lead) bool {
	last := lead.CreatedAt
	if lead.LastInboundAt != nil {
		last = *lead.LastInboundAt
	}
	return time.Since(last) >= s.cfg.GetColdAfter()
}

func (s *Sweeper) advance(ctx context.Context, lead *repository.Lead) {
	from := lead.State

	switch lead.State {
	case domain.StateQualifying, domain.StateQualified:
		if !domain.CanTransition(lead.State, domain.StateCold) {
			return
		}
		lead.PreviousState = lead.State
		lead.State = domain.StateCold
		lead.FollowUpCount++
	case domain.StateBooking:
		// An abandoned booking falls back so the lead can be re-engaged.
		if !domain.CanTransition(lead.State, domain.StateQualified) {
			return
		}
		lead.PreviousState = lead.State
		lead.State = domain.StateQualified
	case domain.StateCold:
		if lead.FollowUpCount < s.cfg.GetMaxFollowUps() {
			return
		}
		if !domain.CanTransition(lead.State, domain.StateDead) {
			return
		}
		lead.PreviousState = lead.State
		lead.State = domain.StateDead
	default:
		return
	}

	if err := s.repo.UpdateLead(ctx, lead); err != nil {
		if errors.Is(err, repository.ErrTransitionConflict) {
			// Opted out since the re-read; nothing to sweep.
			return
		}
		s.log.DatabaseError("sweep update lead", err)
		return
	}
	s.log.Info("sweeper advanced lead",
		"lead_id", lead.ID,
		"from", string(from),
		"to", string(lead.State),
		"follow_up_count", lead.FollowUpCount,
	)
}
