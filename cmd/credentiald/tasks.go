package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/config"
)

// Task is a periodic maintenance job.
type Task struct {
	Name     string
	Duration time.Duration
	Task     func(ctx context.Context, svc *Services, logger *slog.Logger) error
}

// AllTasks lists the maintenance jobs: expiring stale intents, failing
// batches whose external proofs never arrived, and evicting finished jobs.
func AllTasks(cfg *config.Config) []Task {
	return []Task{
		{
			Name:     "expire_intents",
			Duration: cfg.ExpireInterval,
			Task: func(ctx context.Context, svc *Services, logger *slog.Logger) error {
				n, err := svc.Engine.ExpireStale(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.InfoContext(ctx, "expired stale intents", "count", n)
				}
				return nil
			},
		},
		{
			Name:     "sweep_batches",
			Duration: cfg.SweepInterval,
			Task: func(ctx context.Context, svc *Services, logger *slog.Logger) error {
				res, err := svc.Batches.Sweep(ctx)
				if err != nil {
					return err
				}
				if res.Expired > 0 || res.Evicted > 0 {
					logger.InfoContext(ctx, "swept batch jobs", "expired", res.Expired, "evicted", res.Evicted)
				}
				return nil
			},
		},
	}
}

func newScheduler(svc *Services, cfg *config.Config, logger *slog.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	for _, task := range AllTasks(cfg) {
		run := func() {
			ctx, cancel := context.WithTimeout(context.Background(), task.Duration)
			defer cancel()
			if err := task.Task(ctx, svc, logger); err != nil {
				logger.Error("scheduled task failed", "task", task.Name, "error", err)
			}
		}
		if _, err := s.NewJob(
			gocron.DurationJob(task.Duration),
			gocron.NewTask(run),
			gocron.WithName(task.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", task.Name, err)
		}
	}
	return s, nil
}
