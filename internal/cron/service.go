package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/metrics"
)

const defaultTick = time.Minute

var (
	errLoggerRequired = errors.New("logger required")
	errLockRequired   = errors.New("lock required")
)

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Tick     time.Duration
}

// Service wakes every tick and runs each job whose slot it can take. The slot
// is held for the job's interval, so across all workers a job runs at most
// once per interval; a failed run gives the slot back to retry next tick.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	tick     time.Duration
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errLoggerRequired
	case params.Lock == nil:
		return nil, errLockRequired
	}
	s := &Service{
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		tick:     params.Tick,
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.tick <= 0 {
		s.tick = defaultTick
	}
	return s, nil
}

// Run executes a cycle immediately and then once per tick until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.runCycle(ctx)
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	for _, entry := range s.registry.Entries() {
		if ctx.Err() != nil {
			return
		}
		name := entry.Job.Name()
		jobCtx := s.logg.WithFields(ctx, map[string]any{"job": name, "event": "cron.job"})

		locked, err := s.lock.Acquire(ctx, name, entry.Every)
		switch {
		case err != nil:
			s.logg.Error(jobCtx, "lock acquire failed", err)
			continue
		case !locked:
			s.metrics.IncSkipped(name)
			continue
		}

		if err := s.runJob(jobCtx, entry); err != nil {
			if relErr := s.lock.Release(ctx, name); relErr != nil {
				s.logg.Error(jobCtx, "failed to release cron lock", relErr)
			}
		}
	}
}

// runJob bounds the run by the job's interval, since the slot expires then
// and another worker may start the same job.
func (s *Service) runJob(ctx context.Context, entry Entry) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, entry.Every)
	defer cancel()

	s.logg.Info(ctx, "job start")
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		took := time.Since(start)
		s.metrics.ObserveRun(entry.Job.Name(), took, err)
		doneCtx := s.logg.WithField(ctx, "duration_ms", took.Milliseconds())
		if err != nil {
			s.logg.Error(doneCtx, "job failed", err)
			return
		}
		s.logg.Info(doneCtx, "job completed")
	}()

	return entry.Job.Run(runCtx)
}
