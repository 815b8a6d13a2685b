package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"dlqueue/internal/archive"
	"dlqueue/internal/cache"
	"dlqueue/internal/config"
	"dlqueue/internal/database"
	"dlqueue/internal/discovery"
	"dlqueue/internal/downloader"
	"dlqueue/internal/hls"
	"dlqueue/internal/m3u8"
	"dlqueue/internal/metrics"
	"dlqueue/internal/progress"
	"dlqueue/internal/scheduler"
	"dlqueue/internal/task"
)

// runtime is one process's view of the queue plus everything needed to
// execute it.
type runtime struct {
	cfg   config.Config
	store task.Store
	mgr   *task.Manager
	cache *cache.Manager
	bus   *progress.Bus
	sched *scheduler.Scheduler
}

func openStore(cfg config.Config) (task.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.Store == "pebble" {
		db, err := database.OpenPebble(cfg.StorePath())
		if errors.Is(err, database.ErrLocked) {
			return nil, usageError{fmt.Errorf("%w; the pebble store serves one process at a time, "+
				"so stop the other dlq process or send commands to a running `dlq serve` through its API", err)}
		}
		if err != nil {
			return nil, err
		}
		return task.NewPebbleStore(db), nil
	}
	db, err := database.OpenSQLite(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	store, err := task.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func openRuntime(cfg config.Config) (*runtime, error) {
	quality, err := m3u8.ParsePolicy(cfg.HLSQuality, cfg.HLSMinBandwidth)
	if err != nil {
		return nil, usageError{fmt.Errorf("hls.quality: %w", err)}
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	mgr, err := task.NewManager(store, task.WithRejectDuplicates(cfg.RejectDuplicateSources))
	if err != nil {
		store.Close()
		return nil, err
	}

	client := downloader.NewClient(downloader.OptionsFromConfig(cfg))
	cm := cache.New(cfg.CacheDir())
	bus := progress.NewBus()
	policy := downloader.PolicyFromConfig(cfg.Retry)

	direct := scheduler.NewDirectExecutor(client, mgr, bus, cfg.CheckpointBytes)
	executors := map[task.Kind]scheduler.Executor{
		task.KindDirect: direct,
		task.KindPage:   scheduler.NewPageExecutor(client, mgr, discovery.NewHTMLDiscoverer(cfg.DiscoveryExtensions), direct),
		task.KindHLS: hls.NewExecutor(client, cm, mgr, bus, hls.Options{
			Workers:       cfg.SegmentWorkers,
			Quality:       quality,
			Retry:         policy,
			LivePollLimit: cfg.LivePollLimit,
		}),
	}
	var hook archive.Hook
	if cfg.ArchiveOnComplete {
		hook = archive.NewMover(cfg.CompletedDir, mgr)
	}
	sched := scheduler.New(mgr, executors, scheduler.Options{
		MaxConcurrent:              cfg.MaxConcurrentTasks,
		Retry:                      policy,
		RestartOnResumeUnsupported: cfg.RestartOnResumeUnsupported,
		Reporter:                   bus,
		Hook:                       hook,
	})
	mgr.SetCanceler(sched)
	mgr.OnChange(sched.Wake)

	return &runtime{
		cfg:   cfg,
		store: store,
		mgr:   mgr,
		cache: cm,
		bus:   bus,
		sched: sched,
	}, nil
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// remove deletes a task and whatever it staged.
func (rt *runtime) remove(id int64) error {
	if err := rt.mgr.Remove(id); err != nil {
		return err
	}
	if err := rt.cache.Remove(id); err != nil {
		log.Printf("task %d: remove staging dir: %v", id, err)
	}
	return nil
}

// serveMetrics exposes /metrics on addr until ctx is done. An empty addr
// disables it.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
}

// foreground executes Running tasks until none is left, drawing progress
// bars on out.
func (rt *runtime) foreground(ctx context.Context, out io.Writer) error {
	serveMetrics(ctx, rt.cfg.MetricsAddr)

	events, unsubscribe := rt.bus.Subscribe(256)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		progress.NewConsole(out).Run(events)
	}()

	err := rt.sched.RunUntilIdle(ctx)
	unsubscribe()
	<-rendered
	if errors.Is(err, context.Canceled) {
		log.Printf("interrupted; running tasks resume with `dlq run`")
		return nil
	}
	return err
}
