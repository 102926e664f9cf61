// Package ops is the service's operational surface: a small HTTP
// server with a JSON health view of the whole pipeline and the
// Prometheus scrape endpoint, plus the periodic process-level gauge
// collection.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/lobcap/internal/archive"
	"github.com/adred-codev/lobcap/internal/monitoring"
	"github.com/adred-codev/lobcap/internal/pipeline"
	"github.com/adred-codev/lobcap/internal/relay"
	"github.com/adred-codev/lobcap/internal/stream"
	"github.com/adred-codev/lobcap/internal/writer"
)

// Config carries the ops server's own parameters.
type Config struct {
	Addr            string
	MetricsInterval time.Duration
}

// Deps are the live pipeline pieces the health view reads. Swapper,
// Pool, and Relay may be nil; the view degrades to what it has.
type Deps struct {
	Gate     *pipeline.Gate
	Registry *pipeline.Registry
	Writers  []*writer.Writer
	Swapper  *stream.Swapper
	Pool     *archive.Pool
	Relay    *relay.Relay
}

// Server serves /health and /metrics and samples process gauges on the
// metrics interval.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	listener  net.Listener
	httpSrv   *http.Server
	startedAt time.Time

	writersBySym map[string]*writer.Writer

	mu       sync.RWMutex
	memoryMB float64
	cpuPct   float64

	proc *process.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds the ops server. Call Start to begin serving.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		deps:         deps,
		logger:       logger.With().Str("component", "ops").Logger(),
		startedAt:    time.Now(),
		writersBySym: make(map[string]*writer.Writer, len(deps.Writers)),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, w := range deps.Writers {
		s.writersBySym[w.Symbol()] = w
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}
	return s
}

// Start binds the listener and launches the serve and collect loops.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.MetricsHandler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Ops server accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.collect()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Ops server listening")
	return nil
}

// Addr reports the bound address, useful when Config.Addr used port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops serving within the context's deadline and waits for
// the collect loop to exit.
func (s *Server) Shutdown(ctx context.Context) {
	s.cancel()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Ops server shutdown incomplete")
		}
	}
	s.wg.Wait()
	s.logger.Info().Msg("Ops server stopped")
}

func (s *Server) collect() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "ops_collect", nil)

	if limit := memoryLimitBytes(); limit > 0 {
		monitoring.SetMemoryLimit(float64(limit))
	}

	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// sample refreshes process and pipeline gauges. The health handler
// reads the cached process numbers instead of re-measuring per request.
func (s *Server) sample() {
	var memMB float64
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			memMB = float64(info.RSS) / 1024 / 1024
			monitoring.SetMemoryUsage(float64(info.RSS))
		}
		if pct, err := s.proc.Percent(0); err == nil {
			monitoring.SetCPUUsage(pct)
			s.mu.Lock()
			s.cpuPct = pct
			s.mu.Unlock()
		}
	} else if vmem, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vmem.Used) / 1024 / 1024
		monitoring.SetMemoryUsage(float64(vmem.Used))
	}
	if memMB > 0 {
		s.mu.Lock()
		s.memoryMB = memMB
		s.mu.Unlock()
	}

	monitoring.SetGoroutines(runtime.NumGoroutine())

	if s.deps.Registry != nil {
		for _, b := range s.deps.Registry.Bundles() {
			monitoring.SetQueueDepth(b.Symbol(), b.Depth())
		}
	}
	if s.deps.Pool != nil {
		monitoring.SetMergeQueueDepth(s.deps.Pool.QueueDepth())
	}
}

// handleHealth reports the pipeline's state: 200 while starting or
// ingesting, 503 once shutdown begins.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var warnings []string

	consumer := map[string]any{"healthy": false}
	if s.deps.Swapper != nil {
		if state, age, ok := s.deps.Swapper.ActiveInfo(); ok {
			healthy := state == stream.StateConnected
			consumer = map[string]any{
				"state":       state.String(),
				"age_seconds": age.Seconds(),
				"healthy":     healthy,
			}
			if !healthy {
				warnings = append(warnings, "consumer "+state.String())
			}
		} else {
			warnings = append(warnings, "no active consumer")
		}
	} else {
		warnings = append(warnings, "no active consumer")
	}

	var symbols []map[string]any
	if s.deps.Registry != nil {
		for _, b := range s.deps.Registry.Bundles() {
			entry := map[string]any{
				"symbol":      b.Symbol(),
				"queue_depth": b.Depth(),
				"enqueued":    b.Enqueued(),
				"dropped":     b.Dropped(),
			}
			if wr := s.writersBySym[b.Symbol()]; wr != nil {
				if last := wr.LastFlush(); !last.IsZero() {
					entry["last_flush_age_seconds"] = time.Since(last).Seconds()
				}
			}
			symbols = append(symbols, entry)
		}
	}

	mergePool := map[string]any{}
	if s.deps.Pool != nil {
		mergePool["backlog"] = s.deps.Pool.QueueDepth()
		mergePool["dropped"] = s.deps.Pool.Dropped()
	}

	relayView := map[string]any{"enabled": s.deps.Relay != nil}
	if s.deps.Relay != nil {
		relayView["connected"] = s.deps.Relay.IsConnected()
	}

	s.mu.RLock()
	memoryMB := s.memoryMB
	cpuPct := s.cpuPct
	s.mu.RUnlock()

	shutting := s.deps.Gate.ShuttingDown()
	firstSeen := s.deps.Gate.FirstSnapshotSeen()

	status := "ingesting"
	code := http.StatusOK
	switch {
	case shutting:
		status = "stopping"
		code = http.StatusServiceUnavailable
	case !firstSeen:
		status = "starting"
		warnings = append(warnings, "no snapshot ingested yet")
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": !shutting && firstSeen,
		"checks": map[string]any{
			"consumer": consumer,
			"gate": map[string]any{
				"stream_enabled": s.deps.Gate.StreamEnabled(),
				"first_snapshot": firstSeen,
				"shutting_down":  shutting,
			},
			"symbols":    symbols,
			"merge_pool": mergePool,
			"relay":      relayView,
			"process": map[string]any{
				"memory_mb":   memoryMB,
				"cpu_percent": cpuPct,
			},
		},
		"warnings": warnings,
		"uptime":   time.Since(s.startedAt).Seconds(),
	})
}
