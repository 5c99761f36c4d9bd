package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"vesselctl/internal/allocator"
	"vesselctl/internal/clock"
	"vesselctl/internal/config"
	"vesselctl/internal/metrics"
	"vesselctl/internal/model"
)

// Reconciler keeps the fleet at its desired size. It is single-threaded:
// one cycle runs to completion, sleep included, before the next begins.
type Reconciler struct {
	alloc   allocator.Allocator
	cfg     *FleetConfig
	batch   *Batch
	members *Membership

	journal Journal
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	clock   clock.Clock

	pollInterval  time.Duration
	livenessEvery int
	renewalPeriod time.Duration
	backoff       config.BackoffConfig

	iterations  int
	lastRenewal time.Time
}

// NewReconciler builds a reconciler for cfg with an empty membership.
func NewReconciler(alloc allocator.Allocator, cfg *FleetConfig, opts Options) *Reconciler {
	opts.applyDefaults()
	r := &Reconciler{
		alloc:         alloc,
		cfg:           cfg,
		batch:         NewBatch(alloc, cfg, opts),
		members:       newMembership(),
		journal:       opts.Journal,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		pollInterval:  opts.PollInterval,
		livenessEvery: opts.LivenessEvery,
		renewalPeriod: opts.RenewalPeriod,
		backoff:       opts.Backoff,
		lastRenewal:   opts.Clock.Now(),
	}
	r.metrics.SetDesired(cfg.DesiredCount)
	return r
}

// Membership exposes the fleet for read-only consumers.
func (r *Reconciler) Membership() *Membership { return r.members }

// Config returns the deployment being reconciled.
func (r *Reconciler) Config() *FleetConfig { return r.cfg }

// Run bootstraps the fleet and reconciles until ctx is cancelled. ctx is
// only the shutdown signal: it is checked at the top of each cycle and
// interrupts sleeps, but allocator calls run on a context that outlives it,
// so a cycle in flight always completes. Held vessels are left running on
// shutdown so a restart can reclaim them. Run returns ctx.Err().
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Bootstrap(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			r.journal.Printf("Shutting down; leaving %d vessel(s) running", r.members.Len())
			return err
		}
		r.Reconcile(ctx)
		if err := r.Housekeep(ctx); err != nil {
			r.journal.Printf("Shutting down; leaving %d vessel(s) running", r.members.Len())
			return err
		}
	}
}

// Bootstrap releases leftover vessels from an earlier run, acquires an
// initial batch (retrying until the allocator hands out at least one
// vessel), deploys the program and seeds the membership with survivors.
// Cancelling ctx stops the acquire retries; it fails only then.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	work := context.WithoutCancel(ctx)

	held, err := r.alloc.Acquired(work, r.cfg.Identity)
	if err != nil {
		r.journal.Printf("Listing preallocated vessels failed. Error was: %v", err)
		r.log.WithError(err).Warn("list preallocated vessels failed")
	}
	r.batch.Release(work, held, ReasonPreallocated)

	r.journal.Printf("Fetching initial batch of %d vessel(s):", r.cfg.DesiredCount)
	fresh, err := r.acquireInitial(ctx)
	if err != nil {
		return err
	}

	started := r.batch.Deploy(work, fresh)
	r.members.add(started...)
	r.members.touch(r.clock.Now())
	r.metrics.SetMembers(r.members.Len())
	r.lastRenewal = r.clock.Now()

	r.journal.Printf("Initial deployment running on %d of %d vessel(s)", len(started), r.cfg.DesiredCount)
	r.log.WithFields(logrus.Fields{"running": len(started), "desired": r.cfg.DesiredCount}).Info("bootstrap complete")
	return nil
}

// acquireInitial repeats Acquire until it returns vessels. Retries back off
// exponentially up to the configured cap and never give up.
func (r *Reconciler) acquireInitial(ctx context.Context) ([]model.SlotHandle, error) {
	var bo backoff.BackOff = &backoff.ZeroBackOff{}
	if !r.backoff.Disabled && r.backoff.Initial > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = r.backoff.Initial
		eb.MaxInterval = r.backoff.Max
		eb.MaxElapsedTime = 0
		eb.Reset()
		bo = eb
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if handles := r.batch.Acquire(context.WithoutCancel(ctx), r.cfg.DesiredCount); len(handles) > 0 {
			return handles, nil
		}
		wait := bo.NextBackOff()
		r.log.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait}).Warn("initial acquire returned no vessels")
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Reconcile runs one health poll and backfill pass. Cancelling ctx does
// not cut the pass short.
func (r *Reconciler) Reconcile(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if stopped := r.poll(ctx); len(stopped) > 0 {
		r.batch.Release(ctx, stopped, ReasonStopped)
		r.members.remove(stopped...)
	}

	if short := r.cfg.DesiredCount - r.members.Len(); short > 0 {
		r.journal.Printf("Only %d vessel(s) out of target %d detected", r.members.Len(), r.cfg.DesiredCount)
		if fresh := r.batch.Acquire(ctx, short); len(fresh) > 0 {
			started := r.batch.Deploy(ctx, fresh)
			r.members.add(started...)
		}
	}

	r.members.touch(r.clock.Now())
	r.metrics.SetMembers(r.members.Len())
	r.metrics.Cycle()
}

var errNotStarted = errors.New("program not running")

// poll queries every member and returns those that are unreachable or no
// longer running the program.
func (r *Reconciler) poll(ctx context.Context) []model.SlotHandle {
	handles, _ := r.members.Snapshot()
	if len(handles) == 0 {
		return nil
	}

	_, failures := r.batch.each(ctx, handles, func(ctx context.Context, h model.SlotHandle) error {
		status, err := r.alloc.Status(ctx, r.cfg.Identity, h)
		if err != nil {
			return err
		}
		if !status.Running() {
			return fmt.Errorf("%w: status %s", errNotStarted, status)
		}
		return nil
	})

	stopped := make([]model.SlotHandle, 0, len(failures))
	for _, f := range failures {
		loc := r.batch.Location(ctx, f.handle.NodeID())
		r.journal.Printf("Vessel %s at %s is no longer running: %v", f.handle, loc, f.err)
		r.log.WithError(f.err).WithFields(logrus.Fields{"handle": f.handle, "location": loc}).Info("vessel stopped")
		stopped = append(stopped, f.handle)
	}
	r.metrics.Failed("status", len(stopped))
	return stopped
}

// Housekeep sleeps for one polling interval, then writes the periodic
// liveness line and renews the fleet's leases when the renewal period has
// elapsed. It returns ctx.Err() if shutdown interrupts the sleep.
func (r *Reconciler) Housekeep(ctx context.Context) error {
	if err := r.sleep(ctx, r.pollInterval); err != nil {
		return err
	}

	r.iterations++
	if r.iterations%r.livenessEvery == 0 {
		r.journal.Printf("Still alive...")
	}

	if r.clock.Now().Sub(r.lastRenewal) > r.renewalPeriod {
		r.renew(context.WithoutCancel(ctx))
		r.lastRenewal = r.clock.Now()
	}
	return nil
}

func (r *Reconciler) renew(ctx context.Context) {
	handles, _ := r.members.Snapshot()
	if len(handles) == 0 {
		return
	}
	r.journal.Printf("Renewing %d vessel(s)...", len(handles))
	if err := r.alloc.Renew(ctx, r.cfg.Identity, handles); err != nil {
		r.journal.Printf("Renewing %d vessel(s) failed. Error was: %v", len(handles), err)
		r.log.WithError(err).Warn("lease renewal failed")
		r.metrics.Failed("renew", 1)
		return
	}
	r.journal.Printf("Renewed %d vessel(s)", len(handles))
	r.metrics.Renewed()
}

func (r *Reconciler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return ctx.Err()
	}
}
