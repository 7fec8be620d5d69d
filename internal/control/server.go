// Package control implements the external HTTP control surface (spec.md
// §6): the adapter that translates textual commands into calls against
// internal/node.Node. Modeled on the teacher's distributed-queue ApiServer
// (a small method+path router over http.ServeMux) plus its H/jsonResponse
// helper.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// H is a shorthand map type for JSON response bodies.
type H map[string]any

// Ctx carries one request's writer/request pair plus a correlation id
// used in every log line the handler emits for this request.
type Ctx struct {
	Request   *http.Request
	Writer    http.ResponseWriter
	RequestID string
}

// JSON writes v as the JSON response body with the given status code.
func (c *Ctx) JSON(status int, v H) {
	c.Writer.Header().Set("Content-Type", "application/json")
	c.Writer.WriteHeader(status)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// Server is the method+path router for the control surface, the same
// shape as the teacher's ApiServer generalized from a single base path
// to bare registered routes.
type Server struct {
	log    *zap.Logger
	addr   string
	router map[string]func(*Ctx)
}

// NewServer creates a Server bound to addr (spec.md §3: rpc_port+1).
func NewServer(addr string, log *zap.Logger) *Server {
	return &Server{log: log, addr: addr, router: map[string]func(*Ctx){}}
}

// HandleFunc registers fn for method+path.
func (s *Server) HandleFunc(method, path string, fn func(*Ctx)) {
	s.router[routerKey(method, path)] = fn
}

// Handler builds the http.Handler that dispatches to registered routes.
// Exposed separately from Serve so tests can drive it with httptest
// without binding a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		key := routerKey(r.Method, r.URL.Path)
		fn, ok := s.router[key]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(H{"error": "not_found", "detail": r.URL.Path})
			return
		}
		c := &Ctx{Writer: w, Request: r, RequestID: uuid.New().String()}
		s.log.Debug("control request",
			zap.String("requestId", c.RequestID), zap.String("method", r.Method), zap.String("path", r.URL.Path))
		fn(c)
	})
	return mux
}

// Serve listens until ctx is done, notifying notifyReady (if non-nil)
// once the server is bound, the same handshake the teacher's ApiServer
// uses to avoid flaky tests racing the listener.
func (s *Server) Serve(ctx context.Context, notifyReady chan struct{}) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		s.log.Info("control surface shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("control surface shutdown error", zap.Error(err))
		}
	}()

	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if notifyReady != nil {
		close(notifyReady)
	}
	s.log.Info("control surface listening", zap.String("addr", s.addr))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func routerKey(method, path string) string {
	return fmt.Sprintf("%s:%s", method, path)
}
