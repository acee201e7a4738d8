// Package server exposes the run-state service over local HTTP.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sp103107/context-module/internal/service"
)

// Server is the HTTP front end for a Service.
type Server struct {
	addr    string
	svc     *service.Service
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New wires the routes for the given service.
func New(addr string, svc *service.Service) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:    addr,
		svc:     svc,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  log.New(os.Stderr, "[contextd] ", log.LstdFlags),
	}

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the route mux without the CSRF wrapper, for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /runs/boot", s.handleBoot)
	mux.HandleFunc("GET /runs/{id}/ws", s.handleGetWS)
	mux.HandleFunc("POST /runs/{id}/patch", s.handlePatch)
	mux.HandleFunc("POST /runs/{id}/memory/propose", s.handlePropose)
	mux.HandleFunc("POST /runs/{id}/memory/commit", s.handleCommit)
	mux.HandleFunc("POST /runs/{id}/memory/search", s.handleSearch)
	mux.HandleFunc("POST /runs/{id}/milestone", s.handleMilestone)
	mux.HandleFunc("POST /runs/{id}/resume/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /resume/load", s.handleLoad)

	return mux
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.addr)
	s.httpSrv.Addr = s.addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"ok":false,"error":"invalid Origin header","kind":"schema"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"ok":false,"error":"cross-origin request blocked","kind":"schema"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown drains HTTP connections and closes every run's ledger handle.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	if err := s.svc.Close(); err != nil {
		s.logger.Printf("close service: %v", err)
	}
	s.cancel()
}
