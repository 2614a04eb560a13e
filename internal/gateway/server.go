// Package gateway accepts external HTTP traffic and sibling emulator
// events, binding each request to a freshly spawned function worker.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"

	"github.com/watzon/ember/internal/config"
	"github.com/watzon/ember/internal/history"
	"github.com/watzon/ember/internal/metrics"
	"github.com/watzon/ember/internal/registry"
	"github.com/watzon/ember/internal/triggers"
	"github.com/watzon/ember/internal/worker"
)

// TriggerSource provides trigger table snapshots and reloads.
type TriggerSource interface {
	Table() *triggers.Table
	Reload(ctx context.Context) (*triggers.Table, error)
}

// Worker is the slice of a spawned worker an invocation needs.
type Worker interface {
	worker.LogSource
	WaitReady(ctx context.Context) (string, error)
	WaitExit(ctx context.Context) (int, error)
	Kill(sig os.Signal) error
	Pid() int
}

// SpawnFunc starts one worker for the given bundle.
type SpawnFunc func(bundle *worker.Bundle, opts *worker.Options) (Worker, error)

// Gateway is the emulator's HTTP front door and invocation proxy.
type Gateway struct {
	cfg       *config.Config
	spawn     SpawnFunc
	source    TriggerSource
	directory registry.Directory
	history   *history.Store
	stream    *LogStream

	httpServer *http.Server
	listener   net.Listener
	watcher    *triggers.Watcher
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithHistory records completed invocations into store.
func WithHistory(store *history.Store) Option {
	return func(g *Gateway) {
		g.history = store
	}
}

// New assembles the gateway. Spawning and trigger loading are injected so
// the HTTP surface stays testable without real worker processes.
func New(cfg *config.Config, spawn SpawnFunc, source TriggerSource, dir registry.Directory, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		spawn:     spawn,
		source:    source,
		directory: dir,
		stream:    NewLogStream(),
	}

	for _, opt := range opts {
		opt(g)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           g.buildHandler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		// No write deadline: function responses stream for as long as the
		// worker keeps the connection open.
	}

	return g
}

func (g *Gateway) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /{$}", gzhttp.GzipHandler(http.HandlerFunc(g.handleListTriggers)))
	mux.Handle("GET /__/executions", gzhttp.GzipHandler(http.HandlerFunc(g.handleExecutions)))
	mux.HandleFunc("GET /__/logs", g.stream.HandleWebSocket)
	mux.Handle("GET /metrics", metrics.Handler())

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		mux.HandleFunc(method+" /functions/projects/{projectID}/triggers/{triggerName}", g.handleTrigger)
		mux.HandleFunc(method+" /functions/projects/{projectID}/triggers/{triggerName}/{rest...}", g.handleTrigger)
		mux.HandleFunc(method+" /{projectID}/{region}/{triggerName}", g.handleTrigger)
		mux.HandleFunc(method+" /{projectID}/{region}/{triggerName}/{rest...}", g.handleTrigger)
	}

	// Outermost first: the request id must exist before recovery or logging
	// read it.
	middlewares := []Middleware{
		RequestIDMiddleware,
		RecoveryMiddleware,
		LoggingMiddleware,
		MetricsMiddleware,
		CORSMiddleware,
	}

	handler := http.Handler(mux)
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// Start begins listening. Serving continues in the background until Stop.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.Server.Address(), err)
	}
	g.listener = ln

	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Gateway server stopped unexpectedly")
		}
	}()

	host, port := g.Info()
	log.Info().Str("host", host).Int("port", port).Msg("Functions emulator listening")
	return nil
}

// Connect runs the first trigger load immediately and installs the
// filesystem watcher for debounced reloads. Loader failures leave the
// previous (empty) table in place.
func (g *Gateway) Connect(ctx context.Context) error {
	if _, err := g.source.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial trigger load failed")
	}

	if !g.cfg.Reload.Watch {
		return nil
	}

	w, err := triggers.NewWatcher(g.cfg.Functions.Dir, g.cfg.Reload.Debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Reload.Timeout)
		defer cancel()
		if _, err := g.source.Reload(ctx); err != nil {
			log.Warn().Err(err).Msg("Trigger reload failed")
		}
	})
	if err != nil {
		return fmt.Errorf("creating functions watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("starting functions watcher: %w", err)
	}
	g.watcher = w

	return nil
}

// Stop closes the listening socket and tears down the watcher and log
// stream. In-flight handlers are abandoned once ctx is done.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.watcher != nil {
		if err := g.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Error stopping functions watcher")
		}
		g.watcher = nil
	}

	g.stream.CloseAll()

	return g.httpServer.Shutdown(ctx)
}

// Info returns the host and actual listening port.
func (g *Gateway) Info() (string, int) {
	host := g.cfg.Server.Host
	port := g.cfg.Server.Port
	if g.listener != nil {
		if addr, ok := g.listener.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	return host, port
}

// Triggers returns the current trigger table contents.
func (g *Gateway) Triggers() []*triggers.Definition {
	return g.source.Table().List()
}

// handleListTriggers enumerates triggers from a fresh diagnostic run. The
// route is diagnostic and need not be performant.
func (g *Gateway) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	table, err := g.source.Reload(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": table.List()})
}

func (g *Gateway) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if g.history == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("invocation history is disabled"))
		return
	}

	q := r.URL.Query()
	entries, err := g.history.List(r.Context(), history.ListOptions{
		Trigger: q.Get("trigger"),
		Service: q.Get("service"),
		Status:  q.Get("status"),
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": entries})
}

// handleTrigger buffers the request body and hands off to the invocation
// proxy. Bodies are small by construction for this use case.
func (g *Gateway) handleTrigger(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.Server.MaxBodySize))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("reading request body: %w", err))
		return
	}

	g.invoke(w, r, r.PathValue("projectID"), r.PathValue("triggerName"), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
