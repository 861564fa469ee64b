package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server provides an HTTP server for Prometheus metrics scraping. It serves
// /metrics with all registered metrics and /healthz for liveness probes.
type Server struct {
	mu        sync.RWMutex
	addr      string
	boundAddr string
	server    *http.Server
	registry  prometheus.Gatherer
}

// NewServer creates a metrics server that listens on the given address,
// serving the default Prometheus registry.
func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

// NewServerWithRegistry creates a metrics server serving a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewServerWithRegistry(addr string, gatherer prometheus.Gatherer) *Server {
	return &Server{addr: addr, registry: gatherer}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		// Metrics are best-effort; a serve error after shutdown is normal.
		_ = s.server.Serve(ln)
	}()

	return nil
}

// Addr returns the bound address, or the configured address before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Close shuts down the metrics server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
