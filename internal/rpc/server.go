// Package rpc provides a JSON-RPC 2.0 server and client for the bridge daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/internal/storage"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/internal/telemetry"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	coordinator *swap.Coordinator
	store       *storage.Storage
	networkType chain.NetworkType
	dataDir     string
	startedAt   time.Time
	log         *logging.Logger
	wsHub       *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Config holds the server's collaborators.
type Config struct {
	Coordinator *swap.Coordinator
	Storage     *storage.Storage   // optional
	Telemetry   *telemetry.Emitter // optional
	NetworkType chain.NetworkType
	DataDir     string
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server and starts its WebSocket hub.
// Coordinator and telemetry events are pushed to WebSocket clients.
func NewServer(cfg *Config) *Server {
	s := &Server{
		coordinator: cfg.Coordinator,
		store:       cfg.Storage,
		networkType: cfg.NetworkType,
		dataDir:     cfg.DataDir,
		startedAt:   time.Now(),
		log:         logging.GetDefault().Component("rpc"),
		wsHub:       NewWSHub(),
		handlers:    make(map[string]Handler),
	}
	go s.wsHub.Run()

	s.registerHandlers()

	s.coordinator.OnEvent(func(ev swap.Event) {
		s.wsHub.Broadcast(EventType(ev.Type), ev.SessionID, ev)
	})
	if cfg.Telemetry != nil {
		cfg.Telemetry.OnEvent(func(ev telemetry.Event) {
			s.wsHub.Broadcast(EventType(ev.Type), ev.SessionID, ev)
		})
	}
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo

	// Network registry
	s.handlers["networks_list"] = s.networksList
	s.handlers["networks_get"] = s.networksGet

	// Swap sessions
	s.handlers["swap_create"] = s.swapCreate
	s.handlers["swap_resume"] = s.swapResume
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_abandon"] = s.swapAbandon

	// Swap actions
	s.handlers["swap_commit"] = s.swapCommit
	s.handlers["swap_addLock"] = s.swapAddLock
	s.handlers["swap_redeem"] = s.swapRedeem
	s.handlers["swap_refund"] = s.swapRefund
	s.handlers["swap_clearError"] = s.swapClearError
}

// Handler returns the HTTP handler serving JSON-RPC and WebSocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Actions wait for chain confirmations.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server and the WebSocket hub.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, message, data := errorResponse(err)
		s.log.Debug("RPC call failed", "method", req.Method, "code", code, "error", err)
		s.writeError(w, req.ID, code, message, data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorResponse maps a handler error onto a JSON-RPC error code.
func errorResponse(err error) (int, string, interface{}) {
	var he *htlc.Error
	if errors.As(err, &he) {
		code := InternalError
		if he.Kind == htlc.InvalidInput {
			code = InvalidParams
		}
		return code, he.Message(), map[string]string{"kind": string(he.Kind)}
	}
	if errors.Is(err, swap.ErrSessionNotFound) || errors.Is(err, chain.ErrUnknownNetwork) {
		return InvalidParams, err.Error(), nil
	}
	return InternalError, err.Error(), nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
