package fleet

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vesselctl/internal/allocator"
	"vesselctl/internal/clock"
	"vesselctl/internal/config"
	"vesselctl/internal/journal"
	"vesselctl/internal/metrics"
	"vesselctl/internal/model"
)

// logFetchFailed stands in for a remote log that could not be retrieved.
const logFetchFailed = "[ERROR: vessel log fetch failed]"

// Journal is the append-only operational log the fleet writes through.
type Journal interface {
	Printf(format string, args ...any)
}

// ReleaseReason says why vessels are handed back.
type ReleaseReason string

const (
	ReasonPreallocated ReleaseReason = "preallocated"
	ReasonUploadFailed ReleaseReason = "upload_failed"
	ReasonStartFailed  ReleaseReason = "start_failed"
	ReasonStopped      ReleaseReason = "stopped"
	ReasonOperator     ReleaseReason = "operator"
)

// Message is the journal line written before releasing n vessels.
func (r ReleaseReason) Message(n int) string {
	switch r {
	case ReasonPreallocated:
		return fmt.Sprintf("Releasing %d preallocated vessel(s)...", n)
	case ReasonUploadFailed:
		return fmt.Sprintf("Releasing %d vessel(s) to which upload failed...", n)
	case ReasonStartFailed:
		return fmt.Sprintf("Releasing %d failed vessel(s)...", n)
	case ReasonStopped:
		return fmt.Sprintf("Releasing %d stopped vessel(s)...", n)
	case ReasonOperator:
		return fmt.Sprintf("Releasing %d vessel(s) on operator request...", n)
	default:
		return fmt.Sprintf("Releasing %d vessel(s) (%s)...", n, string(r))
	}
}

// Options configures batch operations and the reconciler. Zero values
// take the config package defaults, except Backoff: its zero value retries
// without delay, as does Backoff.Disabled.
type Options struct {
	Journal Journal
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Clock   clock.Clock

	PollInterval     time.Duration
	LivenessEvery    int
	RenewalPeriod    time.Duration
	Concurrency      int
	Backoff          config.BackoffConfig
	LocationCacheTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.Journal == nil {
		o.Journal = journal.New(io.Discard)
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultPollInterval
	}
	if o.LivenessEvery <= 0 {
		o.LivenessEvery = config.DefaultLivenessEvery
	}
	if o.RenewalPeriod <= 0 {
		o.RenewalPeriod = config.DefaultRenewalPeriod
	}
	if o.Concurrency <= 0 {
		o.Concurrency = config.DefaultBatchConcurrency
	}
	if o.LocationCacheTTL <= 0 {
		o.LocationCacheTTL = config.DefaultLocationCacheTTL
	}
}

// Batch wraps allocator calls so that one vessel's failure never aborts
// the rest of its batch.
type Batch struct {
	alloc     allocator.Allocator
	cfg       *FleetConfig
	journal   Journal
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	locations *locationCache
	limit     int
}

// NewBatch builds batch operations for cfg.
func NewBatch(alloc allocator.Allocator, cfg *FleetConfig, opts Options) *Batch {
	opts.applyDefaults()
	return &Batch{
		alloc:     alloc,
		cfg:       cfg,
		journal:   opts.Journal,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		locations: newLocationCache(alloc, opts.LocationCacheTTL),
		limit:     opts.Concurrency,
	}
}

// Acquire leases n vessels and renews them at once so they cannot expire
// before first use. Allocator failures yield an empty result, except for
// usable leases returned alongside the error, which are kept.
func (b *Batch) Acquire(ctx context.Context, n int) []model.SlotHandle {
	if n <= 0 {
		return nil
	}
	b.journal.Printf("Acquiring %d vessel(s)...", n)
	handles, err := b.alloc.Acquire(ctx, b.cfg.Identity, b.cfg.SlotType, n)
	if err != nil {
		b.journal.Printf("Acquiring %d vessel(s) failed. Error was: %v", n, err)
		b.log.WithError(err).WithFields(logrus.Fields{"count": n, "usable": len(handles)}).Warn("acquire failed")
		b.metrics.Failed("acquire", 1)
		if len(handles) == 0 {
			return nil
		}
	}
	b.journal.Printf("Acquired %d of %d vessel(s)", len(handles), n)
	if len(handles) == 0 {
		return nil
	}
	b.metrics.Acquired(len(handles))

	if err := b.alloc.Renew(ctx, b.cfg.Identity, handles); err != nil {
		b.journal.Printf("Renewing %d new vessel(s) failed. Error was: %v", len(handles), err)
		b.log.WithError(err).WithField("count", len(handles)).Warn("renew after acquire failed")
		b.metrics.Failed("renew", 1)
	}
	return handles
}

// Upload pushes the program to every handle. Vessels that cannot receive
// it are released before Upload returns.
func (b *Batch) Upload(ctx context.Context, handles []model.SlotHandle, path string) (succeeded, failed []model.SlotHandle) {
	if len(handles) == 0 {
		return nil, nil
	}
	b.journal.Printf("Uploading %s to %d vessel(s)...", filepath.Base(path), len(handles))

	succeeded, failures := b.each(ctx, handles, func(ctx context.Context, h model.SlotHandle) error {
		return b.alloc.Upload(ctx, b.cfg.Identity, h, path)
	})
	for _, f := range failures {
		loc := b.locations.lookup(ctx, f.handle.NodeID())
		b.journal.Printf("Failure on vessel %s at %s. Error was: %v", f.handle, loc, f.err)
		b.log.WithError(f.err).WithFields(logrus.Fields{"handle": f.handle, "location": loc}).Warn("upload failed")
		failed = append(failed, f.handle)
	}
	b.metrics.Failed("upload", len(failed))

	b.Release(ctx, failed, ReasonUploadFailed)
	return succeeded, failed
}

// Start launches the program on every handle. Failed vessels are returned,
// not released, so the caller can collect diagnostics first.
func (b *Batch) Start(ctx context.Context, handles []model.SlotHandle, path string, args []string) (succeeded, failed []model.SlotHandle) {
	if len(handles) == 0 {
		return nil, nil
	}
	b.journal.Printf("Starting program on %d vessel(s)...", len(handles))

	succeeded, failures := b.each(ctx, handles, func(ctx context.Context, h model.SlotHandle) error {
		return b.alloc.Start(ctx, b.cfg.Identity, h, path, args)
	})
	for _, f := range failures {
		b.log.WithError(f.err).WithField("handle", f.handle).Warn("start failed")
		failed = append(failed, f.handle)
	}
	b.metrics.Failed("start", len(failed))
	return succeeded, failed
}

// Release hands handles back to the allocator. Failures are journaled and
// not retried; the allocator reclaims expired leases on its own.
func (b *Batch) Release(ctx context.Context, handles []model.SlotHandle, reason ReleaseReason) {
	_ = b.release(ctx, handles, reason)
}

func (b *Batch) release(ctx context.Context, handles []model.SlotHandle, reason ReleaseReason) error {
	if len(handles) == 0 {
		return nil
	}
	b.journal.Printf("%s", reason.Message(len(handles)))
	if err := b.alloc.Release(ctx, b.cfg.Identity, handles); err != nil {
		b.journal.Printf("Releasing %d vessel(s) failed. Error was: %v", len(handles), err)
		b.log.WithError(err).WithFields(logrus.Fields{"count": len(handles), "reason": reason}).Warn("release failed")
		b.metrics.Failed("release", 1)
		return err
	}
	b.journal.Printf("Released %d vessel(s)", len(handles))
	b.metrics.Released(string(reason), len(handles))
	return nil
}

// ReleaseHeld hands back every vessel the identity currently leases, on
// operator request, and returns the released handles.
func (b *Batch) ReleaseHeld(ctx context.Context) ([]model.SlotHandle, error) {
	held, err := b.alloc.Acquired(ctx, b.cfg.Identity)
	if err != nil {
		b.journal.Printf("Listing held vessels failed. Error was: %v", err)
		if len(held) == 0 {
			return nil, err
		}
	}
	if err := b.release(ctx, held, ReasonOperator); err != nil {
		return nil, err
	}
	return held, nil
}

// Diagnose journals the remote log and location of every vessel on which
// the program failed to start. Log fetch failures are replaced by a
// placeholder.
func (b *Batch) Diagnose(ctx context.Context, failed []model.SlotHandle) {
	if len(failed) == 0 {
		return
	}
	b.journal.Printf("Running %s failed on %d vessel(s)", filepath.Base(b.cfg.ProgramPath), len(failed))

	logs := make([]string, len(failed))
	g := b.group()
	for i, h := range failed {
		g.Go(func() error {
			text, err := b.alloc.RemoteLog(ctx, b.cfg.Identity, h)
			if err != nil {
				b.log.WithError(err).WithField("handle", h).Debug("remote log fetch failed")
				text = logFetchFailed
			}
			logs[i] = text
			return nil
		})
	}
	_ = g.Wait()

	for i, h := range failed {
		loc := b.locations.lookup(ctx, h.NodeID())
		b.journal.Printf("Log contents of failed vessel %s at %s: %s", h, loc, logs[i])
	}
}

// Deploy uploads and starts the program on freshly acquired vessels,
// diagnoses and releases every vessel that fails, and returns the rest.
func (b *Batch) Deploy(ctx context.Context, fresh []model.SlotHandle) []model.SlotHandle {
	uploaded, _ := b.Upload(ctx, fresh, b.cfg.ProgramPath)
	started, failed := b.Start(ctx, uploaded, b.cfg.ProgramPath, b.cfg.Args)
	if len(failed) > 0 {
		b.Diagnose(ctx, failed)
		b.Release(ctx, failed, ReasonStartFailed)
	}
	return started
}

// Location returns the cached human-readable location of a node.
func (b *Batch) Location(ctx context.Context, nodeID string) string {
	return b.locations.lookup(ctx, nodeID)
}

type failure struct {
	handle model.SlotHandle
	err    error
}

// each runs fn for every handle, at most b.limit at a time, and partitions
// the handles by outcome. Both partitions keep input order.
func (b *Batch) each(ctx context.Context, handles []model.SlotHandle, fn func(context.Context, model.SlotHandle) error) ([]model.SlotHandle, []failure) {
	errs := make([]error, len(handles))
	g := b.group()
	for i, h := range handles {
		g.Go(func() error {
			errs[i] = fn(ctx, h)
			return nil
		})
	}
	_ = g.Wait()

	var ok []model.SlotHandle
	var failed []failure
	for i, h := range handles {
		if errs[i] != nil {
			failed = append(failed, failure{handle: h, err: errs[i]})
			continue
		}
		ok = append(ok, h)
	}
	return ok, failed
}

func (b *Batch) group() *errgroup.Group {
	g := new(errgroup.Group)
	g.SetLimit(b.limit)
	return g
}
