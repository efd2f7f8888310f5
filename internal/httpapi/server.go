// Package httpapi implements the REST/JSON surface over orders and calls:
// order create/execute/status, call status, and the per-order event log.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"maskedcall/internal/apierr"
	"maskedcall/internal/call"
	"maskedcall/internal/config"
	"maskedcall/internal/eventbus"
	"maskedcall/internal/order"
	"maskedcall/internal/orchestrator"
	"maskedcall/internal/store"
)

// ReadStore is the read surface handlers need to render status/events
// responses. *store.Store satisfies it structurally; tests substitute a
// hand-rolled in-memory fake, same as internal/orchestrator does for its
// own Store interface.
type ReadStore interface {
	LoadOrder(ctx context.Context, orderID string) (*order.Aggregate, error)
	LoadCall(ctx context.Context, callID string) (*call.Aggregate, error)
	ListEvents(ctx context.Context, orderID string) ([]store.Event, error)
}

// Server is the REST/JSON surface over the Orchestrator and Store.
type Server struct {
	cfg   *config.APIConfig
	orch  *orchestrator.Orchestrator
	store ReadStore
	bus   *eventbus.Hub
}

// NewServer constructs a Server.
func NewServer(cfg *config.APIConfig, orch *orchestrator.Orchestrator, st ReadStore, bus *eventbus.Hub) *Server {
	return &Server{cfg: cfg, orch: orch, store: st, bus: bus}
}

// Handler builds the http.Handler this server serves.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/order/create", s.handleOrderCreate)
	mux.HandleFunc("/api/order/", s.handleOrderSubroutes)
	mux.HandleFunc("/api/call/", s.handleCallStatus)

	if s.bus != nil {
		mux.HandleFunc("/ws/events", s.bus.ServeWS)
	}

	if s.cfg.EnableCORS {
		return s.corsMiddleware(mux)
	}
	return mux
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOrderCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.TransitionInvalid, "method not allowed"))
		return
	}

	var req struct {
		From      string `json:"from"`
		To        string `json:"to"`
		UserToken string `json:"user_token"`
		Trunk     string `json:"trunk"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.TransitionInvalid, "invalid JSON body", err))
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, apierr.New(apierr.TransitionInvalid, "from and to are required"))
		return
	}

	ord, err := s.orch.Create(r.Context(), orchestrator.CreateRequest{
		From: req.From, To: req.To, UserToken: req.UserToken, Trunk: req.Trunk,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[API] order created: %s", ord.OrderID)
	writeJSON(w, http.StatusCreated, orderSnapshot(ord, nil))
}

// handleOrderSubroutes dispatches /api/order/{id}/execute, /status, /events.
func (s *Server) handleOrderSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/order/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, apierr.New(apierr.NotFound, "unknown route"))
		return
	}
	orderID, action := parts[0], parts[1]

	switch action {
	case "execute":
		s.handleOrderExecute(w, r, orderID)
	case "status":
		s.handleOrderStatus(w, r, orderID)
	case "events":
		s.handleOrderEvents(w, r, orderID)
	default:
		writeError(w, apierr.New(apierr.NotFound, "unknown route"))
	}
}

func (s *Server) handleOrderExecute(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.TransitionInvalid, "method not allowed"))
		return
	}

	ord, c, err := s.orch.Execute(r.Context(), orderID)
	if err != nil {
		writeExecuteError(w, err, ord)
		return
	}

	writeJSON(w, http.StatusOK, orderSnapshot(ord, c))
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request, orderID string) {
	ord, err := s.store.LoadOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.NotFound, "order not found", err))
		return
	}

	var callSnap map[string]any
	if ord.CallID != "" {
		callAgg, err := s.store.LoadCall(r.Context(), ord.CallID)
		if err == nil {
			callSnap = callSnapshot(callAgg)
		}
	}

	snap := orderSnapshotMap(ord)
	if callSnap != nil {
		snap["call"] = callSnap
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleOrderEvents(w http.ResponseWriter, r *http.Request, orderID string) {
	events, err := s.store.ListEvents(r.Context(), orderID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.StoreFailure, "listing events", err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/call/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "status" {
		writeError(w, apierr.New(apierr.NotFound, "unknown route"))
		return
	}

	c, err := s.store.LoadCall(r.Context(), parts[0])
	if err != nil {
		writeError(w, apierr.Wrap(apierr.NotFound, "call not found", err))
		return
	}
	writeJSON(w, http.StatusOK, callSnapshot(c))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError funnels every handler failure through the apierr taxonomy's
// status mapping.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.Wrap(apierr.StoreFailure, "internal error", err)
	}

	writeJSON(w, apierr.StatusCode(apiErr.Kind), map[string]string{
		"status":  "error",
		"message": apiErr.Message,
	})
}

// writeExecuteError is writeError plus the order's resulting state, for
// execute failures where the Order was transitioned before the error was
// surfaced.
func writeExecuteError(w http.ResponseWriter, err error, ord *order.Aggregate) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.Wrap(apierr.StoreFailure, "internal error", err)
	}

	body := map[string]string{
		"status":  "error",
		"message": apiErr.Message,
	}
	if ord != nil {
		body["state"] = string(ord.State())
	}
	writeJSON(w, apierr.StatusCode(apiErr.Kind), body)
}
