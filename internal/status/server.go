// Package status serves a read-only view of the fleet over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"vesselctl/internal/fleet"
	"vesselctl/internal/model"
)

// Fleet is the part of the reconciler the server reads from.
type Fleet interface {
	Membership() *fleet.Membership
	Config() *fleet.FleetConfig
}

// Snapshot is the body of GET /fleet.
type Snapshot struct {
	Username     string             `json:"username"`
	SlotType     model.SlotType     `json:"slot_type"`
	Port         int                `json:"port"`
	DesiredCount int                `json:"desired"`
	MemberCount  int                `json:"member_count"`
	Members      []model.SlotHandle `json:"members"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Server provides the status HTTP API.
type Server struct {
	listen   string
	fleet    Fleet
	gatherer prometheus.Gatherer
	log      logrus.FieldLogger
}

// NewServer builds a server for f. A nil gatherer disables /metrics.
func NewServer(listen string, f Fleet, gatherer prometheus.Gatherer, log logrus.FieldLogger) *Server {
	return &Server{listen: listen, fleet: f, gatherer: gatherer, log: log}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fleet", s.handleFleet)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("listen", s.listen).Info("status server listening")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Start serves in the background until ctx is cancelled. Serve errors,
// including a failed bind, are logged rather than returned so the status
// surface can never stop the fleet. The returned channel is closed once the
// server has shut down.
func (s *Server) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.ListenAndServe(ctx); err != nil {
			s.log.WithError(err).WithField("listen", s.listen).Error("status server stopped")
		}
	}()
	return done
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg := s.fleet.Config()
	members, updated := s.fleet.Membership().Snapshot()
	writeJSON(w, http.StatusOK, Snapshot{
		Username:     cfg.Identity.Username,
		SlotType:     cfg.SlotType,
		Port:         cfg.Port,
		DesiredCount: cfg.DesiredCount,
		MemberCount:  len(members),
		Members:      members,
		UpdatedAt:    updated.UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
