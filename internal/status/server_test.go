package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"vesselctl/internal/allocator"
	"vesselctl/internal/config"
	"vesselctl/internal/fleet"
	"vesselctl/internal/identity"
	"vesselctl/internal/metrics"
	"vesselctl/internal/model"
)

// stubAllocator hands out vessels that always deploy cleanly. Methods the
// bootstrap path does not use fall through to the nil interface.
type stubAllocator struct {
	allocator.Allocator
	issued int
}

func (s *stubAllocator) Acquired(context.Context, *identity.Identity) ([]model.SlotHandle, error) {
	return nil, nil
}

func (s *stubAllocator) Acquire(_ context.Context, _ *identity.Identity, _ model.SlotType, n int) ([]model.SlotHandle, error) {
	out := make([]model.SlotHandle, n)
	for i := range out {
		s.issued++
		out[i] = model.NewSlotHandle(fmt.Sprintf("n%d", s.issued), "v1")
	}
	return out, nil
}

func (s *stubAllocator) Renew(context.Context, *identity.Identity, []model.SlotHandle) error {
	return nil
}

func (s *stubAllocator) Upload(context.Context, *identity.Identity, model.SlotHandle, string) error {
	return nil
}

func (s *stubAllocator) Start(context.Context, *identity.Identity, model.SlotHandle, string, []string) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	id, _, err := identity.Generate("alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	log := logrus.New()
	log.Out = io.Discard

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	rec := fleet.NewReconciler(&stubAllocator{}, &fleet.FleetConfig{
		Identity:     id,
		DesiredCount: 2,
		SlotType:     model.SlotTypeNAT,
		ProgramPath:  "/programs/echo.repy",
		Port:         63100,
		MaxCredit:    10,
	}, fleet.Options{
		Logger:  log,
		Metrics: m,
		Backoff: config.BackoffConfig{Disabled: true},
	})
	if err := rec.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return NewServer("127.0.0.1:0", rec, reg, log)
}

func TestHandleFleet(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fleet", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Username != "alice" || snap.SlotType != model.SlotTypeNAT || snap.Port != 63100 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.DesiredCount != 2 || snap.MemberCount != 2 || len(snap.Members) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.UpdatedAt.IsZero() {
		t.Fatalf("updated_at not set")
	}
}

func TestHandleFleetRejectsWrites(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fleet", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"vesselctl_fleet_desired 2", "vesselctl_fleet_members 2", "vesselctl_vessels_acquired_total 2"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("ListenAndServe = %v", err)
	}
}

func TestStartLogsBindFailureWithoutCancelling(t *testing.T) {
	t.Parallel()

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer taken.Close()

	s := newTestServer(t)
	log, hook := test.NewNullLogger()
	s.listen = taken.Addr().String()
	s.log = log

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-s.Start(ctx)

	if ctx.Err() != nil {
		t.Fatalf("bind failure cancelled the caller: %v", ctx.Err())
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel || entry.Data[logrus.ErrorKey] == nil {
		t.Fatalf("bind failure not logged: %+v", entry)
	}
}
