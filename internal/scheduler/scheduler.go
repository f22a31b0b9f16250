// Package scheduler runs periodic background janitors — in this service,
// pruning stale event-bus buffers — on
// robfig/cron/v3, the same cron engine the teacher used to evaluate
// pipeline schedules. Only the engine survives: agentd has no user-facing
// cron schedules, so the schedule-store/pipeline-trigger logic is dropped
// in favor of a small set of fixed-interval maintenance jobs registered at
// startup.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// JanitorRunner wraps a cron.Cron running a fixed set of maintenance jobs.
type JanitorRunner struct {
	cron *cron.Cron
	ctx  context.Context
}

// New creates a JanitorRunner. Jobs are registered with AddJob before Start.
func New() *JanitorRunner {
	return &JanitorRunner{cron: cron.New()}
}

// AddJob registers a job to run on the given cron spec (accepts "@every 1m"
// style descriptors as well as standard 5-field cron expressions). Errors
// registering a malformed spec are logged and the job is skipped rather
// than failing startup — a misconfigured janitor interval shouldn't take
// down the whole process.
func (r *JanitorRunner) AddJob(name, spec string, run func(ctx context.Context)) {
	_, err := r.cron.AddFunc(spec, func() {
		ctx := r.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("scheduler: janitor job panicked", "job", name, "panic", rec)
			}
		}()
		run(ctx)
	})
	if err != nil {
		slog.Error("scheduler: invalid job spec, skipping", "job", name, "spec", spec, "error", err)
	}
}

// Start begins running registered jobs against ctx. Jobs observe ctx
// cancellation the same way any context-aware store call would.
func (r *JanitorRunner) Start(ctx context.Context) {
	r.ctx = ctx
	r.cron.Start()
}

// Stop halts the cron scheduler, waiting for any in-flight job to finish.
func (r *JanitorRunner) Stop() {
	<-r.cron.Stop().Done()
}
