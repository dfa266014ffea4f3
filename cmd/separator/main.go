// Command separator reads interleaved PCM on stdin, separates it into
// drums, bass, vocals and other with a source-separation model, remixes the
// stems with the live gains and writes PCM of the same format to stdout.
//
// Logs go to stderr. Settings come from the environment and an optional
// YAML file; the mix is controlled at runtime through the live record in
// the config directory or, when STEMSTREAM_LISTEN_ADDR is set, the admin
// API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/xid"

	"github.com/satindergrewal/stemstream/internal/api"
	"github.com/satindergrewal/stemstream/internal/config"
	"github.com/satindergrewal/stemstream/internal/health"
	"github.com/satindergrewal/stemstream/internal/live"
	"github.com/satindergrewal/stemstream/internal/observe"
	"github.com/satindergrewal/stemstream/internal/pipeline"
	"github.com/satindergrewal/stemstream/internal/separator"
	"github.com/satindergrewal/stemstream/internal/stats"
	"github.com/satindergrewal/stemstream/internal/stream"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	settingsPath := flag.String("settings", "", "optional YAML settings file")
	flag.Parse()

	var level slog.LevelVar
	runID := xid.New()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})).With("run", runID.String()))

	cfg, err := config.Load(*settingsPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("invalid settings", "err", err)
		return 1
	}
	level.Set(cfg.Level())

	// A closed stdout must surface as EPIPE from Write, not kill the process.
	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spec := cfg.SampleSpec()
	slog.Info("stemstream starting", "version", version, "spec", spec.String(), "config_dir", cfg.ConfigDir)

	store, err := live.Open(cfg.LiveConfigPath())
	if err != nil {
		slog.Error("cannot open live config", "path", cfg.LiveConfigPath(), "err", err)
		return 1
	}
	watcher := live.NewWatcher(store,
		live.WithInterval(cfg.WatchInterval),
		live.WithOnChange(func(old, cur *live.Record) {
			if old.ChunkSecs != cur.ChunkSecs || old.OverlapSecs != cur.OverlapSecs {
				slog.Info("chunking changes from the next chunk", "chunk_secs", cur.ChunkSecs, "overlap_secs", cur.OverlapSecs)
			}
		}),
	)

	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("cannot init telemetry", "err", err)
		watcher.Stop()
		return 1
	}
	metrics, err := observe.NewMetrics(prov.Meter)
	if err != nil {
		slog.Error("cannot create metrics", "err", err)
		watcher.Stop()
		return 1
	}

	loader := separator.Dispatch{}
	if cfg.ModelURL != "" {
		remote := separator.NewRemote(cfg.ModelURL)
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := remote.WaitForHealthy(waitCtx, time.Second); err != nil {
			slog.Warn("model server not healthy yet", "url", cfg.ModelURL, "err", err)
		}
		cancel()
		loader.Remote = remote
	}

	modelReady := health.NewFlag("model")
	acc := stats.NewAccumulator()
	pcfg := pipeline.Config{
		Spec:          spec,
		FrameSamples:  cfg.BufferSize,
		QueueCapacity: cfg.QueueCapacity,
		Live:          store,
		Loader:        loader,
		Stats:         acc,
		Metrics:       metrics,
		LogLevel:      &level,
		BaseLevel:     cfg.Level(),
		OnModelLoaded: func(separator.Key) { modelReady.Set(true) },
	}

	var (
		srv         *http.Server
		broadcaster *stream.Broadcaster
		peers       *stream.WebRTCHandler
		capture     *stream.Capture
	)
	if cfg.ListenAddr != "" || cfg.CapturePath != "" {
		broadcaster = stream.NewBroadcaster(metrics)
		pcfg.Tap = broadcaster
	}
	if cfg.CapturePath != "" {
		if capture, err = stream.NewCapture(broadcaster, cfg.CapturePath, spec); err != nil {
			slog.Error("cannot start capture", "err", err)
			watcher.Stop()
			return 1
		}
		slog.Info("capturing output", "path", cfg.CapturePath)
	}

	p, err := pipeline.New(pcfg)
	if err != nil {
		slog.Error("cannot build pipeline", "err", err)
		watcher.Stop()
		return 1
	}
	if err := observe.ObserveQueues(prov.Meter, p.QueueDepths); err != nil {
		slog.Warn("queue depth gauges unavailable", "err", err)
	}

	if cfg.ListenAddr != "" {
		mux := http.NewServeMux()
		health.New(modelReady.Checker(), health.Checker{
			Name: "live_config",
			Check: func(context.Context) error {
				_, err := os.Stat(store.Path())
				return err
			},
		}).Register(mux)
		mux.Handle("GET /metrics", prov.Handler())
		api.New(store, acc,
			api.WithPushInterval(cfg.StatsInterval),
			api.WithQueueDepths(p.QueueDepths),
		).Register(mux)
		peers = stream.NewWebRTCHandler(broadcaster)
		mux.Handle("GET /stream", stream.NewHTTPHandler(broadcaster, spec))
		mux.Handle("/offer", peers)

		srv = &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info("admin server listening", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server failed", "err", err)
			}
		}()
	}

	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- stats.NewWriter(acc, cfg.StatsPath(), cfg.StatsInterval).Run(writerCtx)
	}()
	captureDone := make(chan error, 1)
	if capture != nil {
		// Stops when the broadcaster closes, after flushing what it holds.
		go func() { captureDone <- capture.Run(context.Background()) }()
	} else {
		captureDone <- nil
	}

	runErr := p.Run(ctx, os.Stdin, os.Stdout)

	watcher.Stop()
	if broadcaster != nil {
		broadcaster.Close()
	}
	if srv != nil {
		peers.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin server shutdown", "err", err)
		}
		cancel()
	}
	if err := <-captureDone; err != nil {
		slog.Warn("capture incomplete", "path", cfg.CapturePath, "err", err)
	}
	stopWriter()
	if err := <-writerDone; err != nil {
		slog.Warn("final stats save failed", "path", cfg.StatsPath(), "err", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := prov.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
	cancel()

	snap := acc.Snapshot()
	slog.Info("stemstream stopped",
		"input_secs", snap.InputSecs,
		"output_secs", snap.OutputSecs,
		"latency_secs", snap.LatencySecs(),
	)

	if runErr != nil && !errors.Is(runErr, pipeline.ErrStopped) {
		fmt.Fprintf(os.Stderr, "separator: %v\n", runErr)
		return 1
	}
	return 0
}
