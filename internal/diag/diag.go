// Package diag serves the read-only diagnostics surface: breaker state,
// rolling metrics, recent recovery attempts and orchestration counters.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixgeelhaar/memtrigger/internal/observe"
	"github.com/felixgeelhaar/memtrigger/internal/resilience"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

// Report is the body of GET /status.
type Report struct {
	GeneratedAt   time.Time             `json:"generated_at"`
	Memory        resilience.Status     `json:"memory"`
	Orchestrator  trigger.StatsSnapshot `json:"orchestrator"`
	PendingRetry  int                   `json:"pending_retries"`
	QueuedEvents  int                   `json:"queued_events"`
	PolicyVersion string                `json:"policy_version"`
	PolicyRules   int                   `json:"policy_rules"`
	Backend       string                `json:"backend"`
	Embedder      string                `json:"embedder"`
}

// Healthy reports whether the memory store is usable. A degraded but
// closed breaker still counts as healthy.
func (r Report) Healthy() bool {
	return r.Memory.State != resilience.StateOpen
}

// ReportFunc builds a fresh report.
type ReportFunc func() Report

// Handler returns the diagnostics routes.
func Handler(report ReportFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, report())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		rep := report()
		code := http.StatusOK
		if !rep.Healthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":   rep.Memory.State.String(),
			"degraded": rep.Memory.Degraded,
		})
	})
	return otelhttp.NewHandler(mux, "diag")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Server runs the diagnostics endpoint until its context ends.
type Server struct {
	srv     *http.Server
	observe *observe.Observer
}

func NewServer(addr string, report ReportFunc, o *observe.Observer) *Server {
	if o == nil {
		o = observe.Discard()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           Handler(report),
			ReadHeaderTimeout: 5 * time.Second,
		},
		observe: o,
	}
}

// Run listens on the configured address and shuts down when ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.observe.Log().Info().Str("addr", ln.Addr().String()).Msg("diagnostics listening")

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Fetch reads a report from a running server, e.g. "http://127.0.0.1:7377".
func Fetch(ctx context.Context, baseURL string) (Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return Report{}, fmt.Errorf("failed to build status request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("failed to reach diagnostics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("diagnostics returned %s", resp.Status)
	}
	var rep Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return Report{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return rep, nil
}
