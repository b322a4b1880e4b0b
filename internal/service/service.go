// Package service runs the background jobs: oracle pushes and the ramp sweep.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bob-ramp/internal/oracle"
	"bob-ramp/internal/scheduler"
	"bob-ramp/internal/storage"
)

// OracleJob pushes one oracle update for a bucket.
type OracleJob interface {
	Update(ctx context.Context, bucket time.Time) (oracle.Result, error)
}

// RampJobs are the periodic ramp maintenance passes.
type RampJobs interface {
	ExpireStale(ctx context.Context) (int, error)
	ResumeStuck(ctx context.Context) (int, error)
}

// Options configure the job schedules.
type Options struct {
	OracleInterval  time.Duration
	SweepInterval   time.Duration
	AlignToBucket   bool
	StartupDelay    time.Duration
	AdvisoryLockKey int64
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Expired  int
	Resolved int
}

// Service orchestrates the scheduled jobs.
type Service struct {
	oracle OracleJob
	ramp   RampJobs
	locker storage.AdvisoryLocker
	opts   Options
	logger zerolog.Logger
}

// New constructs the job runner. oracleJob and locker may be nil.
func New(oracleJob OracleJob, rampJobs RampJobs, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		oracle: oracleJob,
		ramp:   rampJobs,
		locker: locker,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run starts every configured job and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.oracle != nil {
		sched, err := scheduler.New(scheduler.Options{
			Name:         "oracle",
			Interval:     s.opts.OracleInterval,
			AlignToStart: s.opts.AlignToBucket,
			StartupDelay: s.opts.StartupDelay,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("oracle scheduler: %w", err)
		}
		g.Go(func() error {
			return sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
				_, err := s.PushOracle(ctx, bucket)
				return err
			})
		})
	}

	if s.ramp != nil {
		sched, err := scheduler.New(scheduler.Options{
			Name:           "sweep",
			Interval:       s.opts.SweepInterval,
			StartupDelay:   s.opts.StartupDelay,
			RunImmediately: true,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("sweep scheduler: %w", err)
		}
		g.Go(func() error {
			return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
				_, err := s.Sweep(ctx)
				return err
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// PushOracle runs one oracle update. With an advisory lock configured only
// one instance pushes per bucket; the others skip it.
func (s *Service) PushOracle(ctx context.Context, bucket time.Time) (oracle.Result, error) {
	if s.oracle == nil {
		return oracle.Result{}, fmt.Errorf("oracle updater not configured")
	}
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return oracle.Result{}, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return oracle.Result{Bucket: bucket}, nil
	}
	if unlock != nil {
		defer unlock()
	}
	return s.oracle.Update(ctx, bucket)
}

// Sweep expires unpaid requests and re-confirms settlements left in processing.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if s.ramp == nil {
		return result, nil
	}

	expired, expireErr := s.ramp.ExpireStale(ctx)
	result.Expired = expired
	resolved, resumeErr := s.ramp.ResumeStuck(ctx)
	result.Resolved = resolved

	if expired > 0 || resolved > 0 {
		s.logger.Info().Int("expired", expired).Int("resolved", resolved).Msg("sweep completed")
	}
	return result, errors.Join(expireErr, resumeErr)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
