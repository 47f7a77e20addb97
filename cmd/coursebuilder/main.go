// coursebuilder keeps course material built and published: it fetches
// course git repositories, builds them in isolated containers, stages
// the output, and publishes it on request.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/coursebuilder/internal/config"
	"git.home.luguber.info/inful/coursebuilder/internal/course"
	"git.home.luguber.info/inful/coursebuilder/internal/janitor"
	"git.home.luguber.info/inful/coursebuilder/internal/logfields"
	"git.home.luguber.info/inful/coursebuilder/internal/metrics"
	"git.home.luguber.info/inful/coursebuilder/internal/orchestrator"
	"git.home.luguber.info/inful/coursebuilder/internal/queue"
	"git.home.luguber.info/inful/coursebuilder/internal/server"
	"git.home.luguber.info/inful/coursebuilder/internal/update"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct {
	} `cmd:"" help:"Run the API server (and builds in immediate mode)"`

	Worker struct {
	} `cmd:"" help:"Run a build worker consuming the durable queue"`

	Build struct {
		Course     string `arg:"" help:"Course key to build"`
		RebuildAll bool   `help:"Ignore the changed-file set and rebuild everything"`
		SkipGit    bool   `help:"Build the existing working copy without fetching"`
	} `cmd:"" help:"Trigger one build from the command line and wait for it"`

	Init struct {
		Force bool `help:"Overwrite existing configuration files"`
	} `cmd:"" help:"Write example configuration and course registry files"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("Serve failed", logfields.Error(err))
			os.Exit(1)
		}
	case "worker":
		if err := runWorker(); err != nil {
			slog.Error("Worker failed", logfields.Error(err))
			os.Exit(1)
		}
	case "build <course>":
		if err := runBuild(CLI.Build.Course, CLI.Build.RebuildAll, CLI.Build.SkipGit); err != nil {
			slog.Error("Build failed", logfields.Error(err))
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", logfields.Error(err))
			os.Exit(1)
		}
	default:
		slog.Error("Unknown command", slog.String("command", ctx.Command()))
		os.Exit(1)
	}
}

// bootstrap loads config, the course registry and the update store.
func bootstrap() (*config.Config, *course.Registry, *update.Store, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, nil, nil, err
	}
	registry, err := course.NewRegistry(cfg.Courses.Registry)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := update.NewStore(cfg.Paths.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, registry, store, nil
}

func runServe() error {
	cfg, registry, store, err := bootstrap()
	if err != nil {
		return err
	}
	defer store.Close()

	promReg := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(promReg)
	orch := orchestrator.New(cfg, registry, store).WithRecorder(recorder)

	var dispatcher queue.Runner
	if cfg.Queue.Mode == config.ModeQueued {
		nr, err := queue.NewNATSRunner(&cfg.Queue)
		if err != nil {
			return err
		}
		dispatcher = nr
	} else {
		dispatcher = queue.NewImmediateRunner(orch.Execute)
	}
	orch.SetDispatcher(dispatcher)

	jan, err := janitor.New(store, registry, cfg.Build.HistoryLimit)
	if err != nil {
		return err
	}
	if err := jan.Start(); err != nil {
		return err
	}
	defer func() {
		if err := jan.Stop(); err != nil {
			slog.Warn("Janitor shutdown failed", logfields.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if nr, ok := dispatcher.(*queue.NATSRunner); ok {
		go pollQueueDepth(ctx, nr, recorder)
	}

	if cfg.Courses.Watch {
		watcher, err := course.NewWatcher(registry)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Start(ctx); err != nil {
				slog.Warn("Registry watcher stopped", logfields.Error(err))
			}
		}()
	}

	srv := server.NewServer(cfg.Server.Addr, registry, store, orch, promReg)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", slog.String("addr", cfg.Server.Addr))
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown failed", logfields.Error(err))
	}
	return dispatcher.Close(shutdownCtx)
}

// pollQueueDepth keeps the queue depth gauge current while the stream
// dispatcher is in use.
func pollQueueDepth(ctx context.Context, nr *queue.NATSRunner, recorder metrics.Recorder) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := nr.QueueDepth(ctx)
			if err != nil {
				slog.Warn("Queue depth lookup failed", logfields.Error(err))
				continue
			}
			recorder.SetQueueDepth(depth)
		}
	}
}

func runWorker() error {
	cfg, registry, store, err := bootstrap()
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Queue.Mode != config.ModeQueued {
		slog.Warn("Queue mode is not 'queued'; worker will still consume the configured stream")
	}

	orch := orchestrator.New(cfg, registry, store)
	// The worker never triggers; builds arrive via the stream.
	orch.SetDispatcher(queue.NewImmediateRunner(orch.Execute))

	worker, err := queue.NewWorker(&cfg.Queue, orch.Execute)
	if err != nil {
		return err
	}
	defer worker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return worker.Run(ctx)
}

// runBuild triggers one build inline and waits for the terminal status.
func runBuild(courseKey string, rebuildAll, skipGit bool) error {
	cfg, registry, store, err := bootstrap()
	if err != nil {
		return err
	}
	defer store.Close()

	orch := orchestrator.New(cfg, registry, store)
	dispatcher := queue.NewImmediateRunner(orch.Execute)
	orch.SetDispatcher(dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u, err := orch.Trigger(ctx, courseKey, "cli", update.Options{
		RebuildAll: rebuildAll,
		SkipGit:    skipGit,
		SkipNotify: true,
	})
	if err != nil {
		return err
	}
	slog.Info("Build triggered", logfields.Course(courseKey), logfields.UpdateID(u.ID))

	if err := dispatcher.Close(ctx); err != nil {
		return err
	}

	final, err := store.Get(context.Background(), u.ID)
	if err != nil {
		return err
	}
	os.Stdout.WriteString(final.Log)
	slog.Info("Build finished", logfields.Course(courseKey), logfields.Status(string(final.Status)))
	if final.Status != update.StatusSuccess {
		os.Exit(1)
	}
	return nil
}
