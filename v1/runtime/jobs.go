package runtime

import (
	"context"
	"fmt"

	merrors "github.com/mirkobrombin/go-marquee/v1/errors"
	"github.com/mirkobrombin/go-marquee/v1/lock"
	"github.com/mirkobrombin/go-marquee/v1/scheduler"
)

// Job is a maintenance request. Submitted jobs run at background priority.
type Job string

const (
	JobDedupe       Job = "dedupe"
	JobRebuildIndex Job = "rebuild_index"
)

// Background implements scheduler.Backgrounder.
func (Job) Background() bool { return true }

func (j Job) lockName() string { return "maintenance:" + string(j) }

// RunJob runs job under its cluster-wide lock. ran is false when another
// replica holds the lock.
func (r *Runtime) RunJob(ctx context.Context, job Job) (ran bool, err error) {
	switch job {
	case JobDedupe:
		ran, _, err = r.Dedupe(ctx)
	case JobRebuildIndex:
		ran, _, err = r.RebuildIndex(ctx)
	default:
		return false, scheduler.Permanent(fmt.Errorf("runtime: unknown job %q", job))
	}
	return ran, err
}

// Dedupe removes duplicate catalog records unless another replica is
// already doing so.
func (r *Runtime) Dedupe(ctx context.Context) (ran bool, removed int, err error) {
	ran, err = lock.Guard(ctx, r.Locker, JobDedupe.lockName(), r.cfg.Lock.TTL(), func(ctx context.Context) error {
		n, err := r.Store.FindDuplicatesAndDelete(ctx)
		removed = n
		return err
	})
	err = skipped(err)
	r.finish(ctx, JobDedupe, ran, err, "removed", removed)
	return ran, removed, err
}

// RebuildIndex rebuilds and caches the fuzzy index unless another replica
// is already doing so.
func (r *Runtime) RebuildIndex(ctx context.Context) (ran bool, entries int, err error) {
	ran, err = lock.Guard(ctx, r.Locker, JobRebuildIndex.lockName(), r.cfg.Lock.TTL(), func(ctx context.Context) error {
		n, err := r.Store.RebuildIndex(ctx)
		entries = n
		return err
	})
	err = skipped(err)
	r.finish(ctx, JobRebuildIndex, ran, err, "entries", entries)
	return ran, entries, err
}

// skipped clears contention: another replica running the job is routine.
func skipped(err error) error {
	if merrors.Is(err, merrors.KindContention) {
		return nil
	}
	return err
}

func (r *Runtime) finish(ctx context.Context, job Job, ran bool, err error, attrs ...any) {
	outcome := "ran"
	switch {
	case err != nil:
		outcome = "failed"
		r.logger.Error("runtime: maintenance job failed", "job", string(job), "error", err)
		r.Alerter.Alert(ctx, "job:"+string(job), "Maintenance job failed", fmt.Sprintf("%s: %v", job, err))
	case !ran:
		outcome = "skipped"
		r.logger.Info("runtime: maintenance job skipped, lock held elsewhere", "job", string(job))
	default:
		r.logger.Info("runtime: maintenance job finished", append([]any{"job", string(job)}, attrs...)...)
	}
	r.metrics.MaintenanceRun(string(job), outcome)
}
