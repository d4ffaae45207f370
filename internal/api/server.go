// Package api serves the store's method channel as JSON-RPC 2.0 over HTTP,
// normally on a Unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/jsonrpc2"
	"golang.org/x/time/rate"

	"github.com/benaskins/coffer/internal/channel"
	"github.com/benaskins/coffer/internal/logbuf"
	"github.com/benaskins/coffer/internal/metrics"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object. Data carries the error name
// ("InvalidArgument", "StorageFailure") when there is one.
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Server serves the coffer JSON-RPC API.
type Server struct {
	handler *channel.Handler
	server  *http.Server
	logger  *slog.Logger
	limiter atomic.Pointer[rate.Limiter]
	audit   atomic.Pointer[logbuf.Ring]
}

// NewServer creates an API server dispatching to h. m may be nil, in which
// case /metrics is not served.
func NewServer(h *channel.Handler, m *metrics.Metrics) *Server {
	s := &Server{
		handler: h,
		logger:  slog.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.rpc)
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/audit", s.auditTail)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.server = &http.Server{
		Handler:      s.withRequestID(s.withRateLimit(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetRateLimit installs a token bucket of limit requests per second with
// the given burst. A zero limit disables limiting.
func (s *Server) SetRateLimit(limit float64, burst int) {
	if limit <= 0 {
		s.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = max(1, int(limit))
	}
	s.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// SetAuditTail sets the ring served by GET /v1/audit.
func (s *Server) SetAuditTail(r *logbuf.Ring) {
	s.audit.Store(r)
}

// ListenUnix starts the server on a Unix socket. A stale socket file is
// removed first and the new one is created owner-only.
func (s *Server) ListenUnix(path string) error {
	_ = os.Remove(path)
	ln, err := listenPrivate(path)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "socket", path)
	return s.serve(ln)
}

// ListenTCP starts the server on a TCP address. Only loopback addresses
// are accepted.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); !ok || !tcp.IP.IsLoopback() {
		ln.Close()
		return fmt.Errorf("refusing non-loopback API address %s", ln.Addr())
	}
	s.logger.Info("API listening", "addr", addr)
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type ctxKeyRequestID struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l := s.limiter.Load(); l != nil && !l.Allow() {
			s.logger.Warn("rate limited", "path", r.URL.Path)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

func (s *Server) rpc(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendError(w, nil, -32700, "Parse error", "")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendError(w, req.ID, -32600, "Invalid Request", "")
		return
	}

	var id jsonrpc2.ID
	switch v := req.ID.(type) {
	case float64:
		id = jsonrpc2.Int64ID(int64(v))
	case string:
		id = jsonrpc2.StringID(v)
	case nil:
		// Notification - no ID
	default:
		s.sendError(w, req.ID, -32600, "Invalid Request ID", "")
		return
	}

	s.logger.Debug("rpc request", "method", req.Method, "request_id", requestID(r.Context()))

	result, err := s.handler.Handle(r.Context(), &jsonrpc2.Request{
		ID:     id,
		Method: req.Method,
		Params: req.Params,
	})

	if req.ID == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		var ce *channel.Error
		if errors.As(err, &ce) {
			s.sendError(w, req.ID, ce.Code, ce.Message, ce.Name)
			return
		}
		s.sendError(w, req.ID, channel.Code(err), err.Error(), "")
		return
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AuditResponse is the body of GET /v1/audit.
type AuditResponse struct {
	Records []json.RawMessage `json:"records"`
}

func (s *Server) auditTail(w http.ResponseWriter, r *http.Request) {
	ring := s.audit.Load()
	if ring == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit tail not enabled"})
		return
	}

	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a non-negative integer"})
			return
		}
		n = parsed
	}

	resp := AuditResponse{Records: []json.RawMessage{}}
	for _, rec := range ring.Last(n) {
		resp.Records = append(resp.Records, json.RawMessage(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sendResult(w http.ResponseWriter, id interface{}, result interface{}) {
	data, err := json.Marshal(result)
	if err != nil {
		s.sendError(w, id, channel.CodeInternal, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", Result: data, ID: id})
}

func (s *Server) sendError(w http.ResponseWriter, id interface{}, code int64, message, name string) {
	writeJSON(w, http.StatusOK, Response{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message, Data: name},
		ID:      id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
