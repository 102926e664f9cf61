package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/lobcap/internal/archive"
	"github.com/adred-codev/lobcap/internal/config"
	"github.com/adred-codev/lobcap/internal/latency"
	"github.com/adred-codev/lobcap/internal/monitoring"
	"github.com/adred-codev/lobcap/internal/ops"
	"github.com/adred-codev/lobcap/internal/pipeline"
	"github.com/adred-codev/lobcap/internal/relay"
	"github.com/adred-codev/lobcap/internal/stream"
	"github.com/adred-codev/lobcap/internal/writer"
)

// opsShutdownWait bounds how long the ops server may take to finish
// in-flight scrapes during teardown.
const opsShutdownWait = 5 * time.Second

func main() {
	var (
		debug   = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		envFile = flag.String("config", "", "path to an alternate .env file")
	)
	flag.Parse()

	// Basic logger for startup, before the structured one exists
	boot := log.New(os.Stdout, "[LOBCAP] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from the container CPU limit
	boot.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadConfig(*envFile, nil)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}

	// Override debug mode if flag set
	if *debug {
		cfg.LogLevel = "debug"
		boot.Printf("Debug mode enabled via flag")
	}

	// Print human-readable config for startup logs
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	symbols := cfg.SymbolList()

	// Shared pipeline state: lifecycle gate, per-symbol bundles, and the
	// latency window every symbol's timestamps are corrected from.
	gate := pipeline.NewGate()
	registry := pipeline.NewRegistry(symbols, cfg.SnapshotsQueueMax)
	tracker := latency.NewTracker(symbols, cfg.LatencyDequeSize)

	// Day-merge pool. Started on a background context so the normal
	// Stop path drains queued days instead of abandoning them.
	merger := archive.NewMerger(cfg.LOBDir, logger)
	pool := archive.NewPool(cfg.MergeWorkers, cfg.MergeQueueSize, merger, logger)
	pool.Start(context.Background())

	// Optional live relay. A broken NATS endpoint is fatal at startup;
	// once connected, reconnects are handled inside the client.
	var liveRelay *relay.Relay
	if cfg.NATSURL != "" {
		liveRelay, err = relay.New(relay.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Relay connection failed")
		}
	}

	// One writer per symbol, each owning its bundle's queue.
	writers := make([]*writer.Writer, 0, len(symbols))
	for _, sym := range symbols {
		bundle, ok := registry.Lookup(sym)
		if !ok {
			logger.Fatal().Str("symbol", sym).Msg("Registry missing configured symbol")
		}
		var pub writer.Publisher
		if liveRelay != nil {
			pub = liveRelay
		}
		w := writer.New(writer.Config{
			LOBDir:      cfg.LOBDir,
			IntervalMin: cfg.SaveIntervalMin,
		}, bundle, gate, pool, pub, logger)
		w.Start()
		writers = append(writers, w)
	}

	// Upstream consumer, replaced on the hot-swap schedule. The spawn
	// func stamps in the endpoint the swapper picked for this cycle.
	consumerCfg := stream.ConsumerConfig{
		Symbols:           symbols,
		PingInterval:      cfg.PingInterval(),
		PingTimeout:       cfg.PingTimeout(),
		BaseBackoff:       cfg.BaseBackoffDur(),
		MaxBackoff:        cfg.MaxBackoffDur(),
		ResetCycleAfter:   cfg.ResetCycleAfter,
		ResetBackoffLevel: cfg.ResetBackoffLevel,
		SanityCheck:       cfg.BookSanityCheck,
	}
	spawn := func(endpoint string) stream.Handle {
		c := consumerCfg
		c.Endpoint = endpoint
		consumer := stream.NewConsumer(c, registry, gate, tracker, logger)
		consumer.Start(context.Background())
		return consumer
	}
	swapper := stream.NewSwapper(stream.SwapperConfig{
		Period:     cfg.HotswapPeriod(),
		ReadyAhead: cfg.HotswapReadyAhead(),
		PrimaryURL: cfg.WSURL,
		BackupURL:  cfg.BackupURL(),
	}, spawn, logger)
	swapper.Start(context.Background())

	// Ops surface: /health and /metrics.
	var opsSrv *ops.Server
	if cfg.OpsAddr != "" {
		opsSrv = ops.NewServer(ops.Config{
			Addr:            cfg.OpsAddr,
			MetricsInterval: cfg.MetricsInterval,
		}, ops.Deps{
			Gate:     gate,
			Registry: registry,
			Writers:  writers,
			Swapper:  swapper,
			Pool:     pool,
			Relay:    liveRelay,
		}, logger)
		if err := opsSrv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Ops server failed to start")
		}
	}

	logger.Info().Strs("symbols", symbols).Msg("Capture running")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Ordered teardown: stop intake first so nothing new is buffered,
	// retire the consumers, close the queues so every writer drains and
	// exits, flush the merge pool, then the integrations.
	gate.BeginShutdown()
	swapper.Shutdown()
	// Swapper waits are bounded, so a consumer could in principle still
	// be finishing one frame here; Bundle.CloseQueue serializes against
	// Enqueue, turning such a late snapshot into a counted shed.
	registry.CloseQueues()
	for _, w := range writers {
		<-w.Done()
	}
	pool.Stop()
	if liveRelay != nil {
		liveRelay.Close()
	}
	if opsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opsShutdownWait)
		opsSrv.Shutdown(ctx)
		cancel()
	}

	logger.Info().Msg("Capture stopped")
}
