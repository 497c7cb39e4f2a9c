// Package httpapi exposes the scheduler's external HTTP surface: triggering
// an execution, the worker callback endpoint, admin cancel/recover actions,
// and health/readiness/metrics probes. Shape and auth follow the teacher's
// HTTPServer (bearer-token admin endpoints, unauthenticated health probes,
// graceful shutdown on context cancellation).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tabsdata/scheduler/internal/graph"
	"github.com/tabsdata/scheduler/internal/materializer"
	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/planner"
	"github.com/tabsdata/scheduler/internal/reconciler"
	"github.com/tabsdata/scheduler/internal/store/sqlite"
	"github.com/tabsdata/scheduler/internal/txpartition"
	"github.com/tabsdata/scheduler/internal/versionfinder"
)

// Planner is the subset of planning-pipeline collaborators the server needs
// to turn a manual trigger into a materialized plan.
type Planner struct {
	Catalog  *sqlite.Catalog
	History  *sqlite.History
	Repo     *sqlite.Repository
	Mapper   graph.TransactionMapper
	FuncInfo func(ctx context.Context, functionVersionID string) (materializer.FunctionInfo, error)
}

// Server wires the planning pipeline and the reconciler behind an HTTP mux.
type Server struct {
	planner    Planner
	reconciler *reconciler.Reconciler
	repo       *sqlite.Repository
	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
	addr       string
	adminToken string
	log        *slog.Logger
	startedOn  time.Time
}

// New returns a Server listening on addr, requiring adminToken (if non-empty)
// as a bearer token on admin endpoints.
func New(addr, adminToken string, p Planner, rec *reconciler.Reconciler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{planner: p, reconciler: rec, repo: p.Repo, addr: addr, adminToken: adminToken, log: log, startedOn: time.Now()}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/v1/executions", s.withAdminAuth(s.handleTriggerExecution))
	s.mux.HandleFunc("/v1/executions/cancel", s.withAdminAuth(s.handleCancelExecution))
	s.mux.HandleFunc("/v1/executions/recover", s.withAdminAuth(s.handleRecoverExecution))
	s.mux.HandleFunc("/v1/transactions/cancel", s.withAdminAuth(s.handleCancelTransaction))
	s.mux.HandleFunc("/v1/transactions/recover", s.withAdminAuth(s.handleRecoverTransaction))
	s.mux.HandleFunc("/v1/function_runs/callback", s.handleCallback) // loopback-only, not admin-token gated

	return s
}

// ServeHTTPForTest dispatches req directly against the server's mux,
// bypassing net.Listen — the same handler chain Start wires up, exercised
// without binding a real socket.
func (s *Server) ServeHTTPForTest(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then shuts down gracefully within 5s.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	return s.httpServer.Serve(s.listener)
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startedOn).Seconds(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = io.WriteString(w, "# telemetry is exported via OpenTelemetry; this endpoint is a liveness placeholder\n")
}

func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.adminToken {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

// writeError writes a JSON error body, matching the error classes named in
// spec §7 when the underlying cause maps to one.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type triggerRequest struct {
	FunctionID  string `json:"function_id"`
	TriggeredBy string `json:"triggered_by"`
}

type triggerResponse struct {
	ExecutionID string `json:"execution_id"`
}

// handleTriggerExecution runs the full planning pipeline (C2-C6) for a
// manual trigger on one function and returns the resulting execution id.
func (s *Server) handleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	ctx := r.Context()
	g, err := graph.Build(ctx, s.planner.Catalog, req.FunctionID)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := g.ValidateFunctionDAG(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := g.ValidateTransactionDAG(s.planner.Mapper); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	triggerVersion, err := s.planner.Catalog.FunctionVersion(ctx, req.FunctionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	triggeredOn := time.Now()
	vf := versionfinder.New(s.planner.History, triggerVersion.CollectionID, triggeredOn)
	plan, err := planner.Build(ctx, g, vf)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	keys, err := txpartition.Partition(g, s.planner.Mapper)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	names := make(map[graph.NodeID]materializer.FunctionInfo, len(plan.AllFunctions))
	for _, fn := range plan.AllFunctions {
		info, err := s.planner.FuncInfo(ctx, g.Nodes[fn].FunctionVersionID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		names[fn] = info
	}

	res, err := materializer.Materialize(ctx, s.repo, g, plan, names, keys, triggeredOn)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(triggerResponse{ExecutionID: res.ExecutionID})
}

type callbackRequest struct {
	FunctionRunID string                     `json:"function_run_id"`
	Status        string                     `json:"status"`
	Outputs       []reconciler.FunctionOutput `json:"outputs,omitempty"`
}

// handleCallback accepts worker status callbacks. Per spec §9, the callback
// URL is only ever handed out pointing at this server's own loopback
// interface, so this endpoint refuses non-loopback remote addresses
// outright rather than trusting a bearer token a worker could leak.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isLoopback(r.RemoteAddr) {
		s.writeError(w, http.StatusForbidden, "callback endpoint only accepts loopback connections")
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "InvalidRequestMessagePayload")
		return
	}

	event, ok := eventFromStatus(req.Status)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "InvalidRequestMessagePayload")
		return
	}

	if err := s.reconciler.ApplyCallback(r.Context(), reconciler.Callback{
		FunctionRunID: req.FunctionRunID, Event: event, Outputs: req.Outputs,
	}); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func eventFromStatus(status string) (model.Event, bool) {
	switch status {
	case "Running":
		return model.EventRunning, true
	case "Done":
		return model.EventDone, true
	case "Failed":
		return model.EventFailed, true
	default:
		return "", false
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type scopeRequest struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	s.handleScopeAction(w, r, s.reconciler.Cancel)
}

func (s *Server) handleRecoverExecution(w http.ResponseWriter, r *http.Request) {
	s.handleScopeAction(w, r, s.reconciler.Recover)
}

func (s *Server) handleScopeAction(w http.ResponseWriter, r *http.Request, action func(context.Context, []model.FunctionRun) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scopeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	ctx := r.Context()
	txs, err := s.repo.TransactionsInExecution(ctx, req.ExecutionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var runs []model.FunctionRun
	for _, tx := range txs {
		txRuns, err := s.repo.RunsInTransaction(ctx, tx.TransactionID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		runs = append(runs, txRuns...)
	}

	if err := action(ctx, runs); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transactionScopeRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (s *Server) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	s.handleTransactionScopeAction(w, r, s.reconciler.Cancel)
}

func (s *Server) handleRecoverTransaction(w http.ResponseWriter, r *http.Request) {
	s.handleTransactionScopeAction(w, r, s.reconciler.Recover)
}

// handleTransactionScopeAction is handleScopeAction's single-transaction
// counterpart: it resolves runs directly via RunsInTransaction rather than
// fanning out over every transaction in an execution.
func (s *Server) handleTransactionScopeAction(w http.ResponseWriter, r *http.Request, action func(context.Context, []model.FunctionRun) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req transactionScopeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	ctx := r.Context()
	runs, err := s.repo.RunsInTransaction(ctx, req.TransactionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := action(ctx, runs); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
