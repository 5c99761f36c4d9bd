package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"vesselctl/internal/allocator"
	"vesselctl/internal/clock"
	"vesselctl/internal/identity"
	"vesselctl/internal/model"
)

// fakeAllocator is an in-memory allocator. The k-th vessel it hands out is
// "n<k>:v1", so tests can arrange failures before acquisition.
type fakeAllocator struct {
	mu sync.Mutex

	port     int
	maxSlots int
	types    []model.SlotType
	held     []model.SlotHandle

	issued       int
	emptyAcquire int
	acquireErr   error
	malformed    []string
	onAcquire    func()
	releaseErr   error
	uploadFail   map[model.SlotHandle]bool
	startFail    map[model.SlotHandle]bool
	statusFail   map[model.SlotHandle]bool
	notRunning   map[model.SlotHandle]bool
	logFail      map[model.SlotHandle]bool

	acquires []int
	uploads  []model.SlotHandle
	starts   []model.SlotHandle
	startArg [][]string
	renews   [][]model.SlotHandle
	releases [][]model.SlotHandle
	statuses int
	lookups  int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{
		port:       63100,
		maxSlots:   10,
		types:      []model.SlotType{model.SlotTypeWAN, model.SlotTypeLAN, model.SlotTypeNAT, model.SlotTypeRandom},
		uploadFail: map[model.SlotHandle]bool{},
		startFail:  map[model.SlotHandle]bool{},
		statusFail: map[model.SlotHandle]bool{},
		notRunning: map[model.SlotHandle]bool{},
		logFail:    map[model.SlotHandle]bool{},
	}
}

var errUnreachable = errors.New("connection refused")

func (f *fakeAllocator) ValidateSlotType(_ context.Context, t model.SlotType) (bool, error) {
	for _, known := range f.types {
		if known == t {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAllocator) MaxSlots(context.Context, *identity.Identity) (int, error) {
	return f.maxSlots, nil
}

func (f *fakeAllocator) Port(context.Context, *identity.Identity) (int, error) {
	return f.port, nil
}

func (f *fakeAllocator) Acquire(_ context.Context, _ *identity.Identity, _ model.SlotType, n int) ([]model.SlotHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires = append(f.acquires, n)
	if f.onAcquire != nil {
		f.onAcquire()
	}
	if f.acquireErr != nil {
		return nil, &allocator.AllocationError{Op: "acquire", Err: f.acquireErr}
	}
	if f.emptyAcquire > 0 {
		f.emptyAcquire--
		return nil, nil
	}
	out := make([]model.SlotHandle, 0, n)
	for i := 0; i < n; i++ {
		f.issued++
		out = append(out, model.NewSlotHandle(fmt.Sprintf("n%d", f.issued), "v1"))
	}
	if len(f.malformed) > 0 {
		return out, &allocator.AllocationError{Op: "acquire", Err: &allocator.MalformedHandlesError{Values: f.malformed}}
	}
	return out, nil
}

func (f *fakeAllocator) Renew(_ context.Context, _ *identity.Identity, handles []model.SlotHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews = append(f.renews, append([]model.SlotHandle(nil), handles...))
	return nil
}

func (f *fakeAllocator) Release(_ context.Context, _ *identity.Identity, handles []model.SlotHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, append([]model.SlotHandle(nil), handles...))
	if f.releaseErr != nil {
		return &allocator.AllocationError{Op: "release", Err: f.releaseErr}
	}
	return nil
}

func (f *fakeAllocator) Acquired(context.Context, *identity.Identity) ([]model.SlotHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SlotHandle(nil), f.held...), nil
}

func (f *fakeAllocator) Upload(_ context.Context, _ *identity.Identity, h model.SlotHandle, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, h)
	if f.uploadFail[h] {
		return &allocator.CommunicationError{Op: "upload", Handle: h, Err: errUnreachable}
	}
	return nil
}

func (f *fakeAllocator) Start(_ context.Context, _ *identity.Identity, h model.SlotHandle, _ string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, h)
	f.startArg = append(f.startArg, args)
	if f.startFail[h] {
		return &allocator.LaunchError{Handle: h, Err: errors.New("program crashed")}
	}
	return nil
}

func (f *fakeAllocator) Status(_ context.Context, _ *identity.Identity, h model.SlotHandle) (model.VesselStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	if f.statusFail[h] {
		return "", &allocator.CommunicationError{Op: "status", Handle: h, Err: errUnreachable}
	}
	if f.notRunning[h] {
		return model.StatusTerminated, nil
	}
	return model.StatusStarted, nil
}

func (f *fakeAllocator) RemoteLog(_ context.Context, _ *identity.Identity, h model.SlotHandle) (string, error) {
	if f.logFail[h] {
		return "", &allocator.CommunicationError{Op: "log", Handle: h, Err: errUnreachable}
	}
	return "Traceback: bad port", nil
}

func (f *fakeAllocator) Location(_ context.Context, nodeID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return "Seattle, US (" + nodeID + ")"
}

// deploymentCalls counts acquire, upload and start calls.
func (f *fakeAllocator) deploymentCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acquires) + len(f.uploads) + len(f.starts)
}

func (f *fakeAllocator) releaseCalls() [][]model.SlotHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]model.SlotHandle(nil), f.releases...)
}

// recordingJournal keeps journal lines in memory.
type recordingJournal struct {
	mu    sync.Mutex
	lines []string
}

func (j *recordingJournal) Printf(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, fmt.Sprintf(format, args...))
}

func (j *recordingJournal) count(substr string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, line := range j.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func (j *recordingJournal) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return strings.Join(j.lines, "\n")
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func testFleetConfig(t *testing.T, desired int) *FleetConfig {
	t.Helper()
	id, _, err := identity.Generate("alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return &FleetConfig{
		Identity:     id,
		DesiredCount: desired,
		SlotType:     model.SlotTypeWAN,
		ProgramPath:  "/programs/time_server.repy",
		Port:         63100,
		MaxCredit:    10,
		Args:         []string{"63100"},
	}
}

type harness struct {
	alloc   *fakeAllocator
	journal *recordingJournal
	clock   *clock.FakeClock
	rec     *Reconciler
}

func newHarness(t *testing.T, desired int, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		alloc:   newFakeAllocator(),
		journal: &recordingJournal{},
		clock:   clock.Fake(time.Unix(1273000000, 0)),
	}
	opts := Options{
		Journal:       h.journal,
		Logger:        quietLogger(),
		Clock:         h.clock,
		PollInterval:  30 * time.Second,
		LivenessEvery: 96,
		RenewalPeriod: 518400 * time.Second,
		Concurrency:   4,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.rec = NewReconciler(h.alloc, testFleetConfig(t, desired), opts)
	return h
}
