// drivefs mounts a remote drive account as a local filesystem. All
// metadata is served from a persistent SQLite cache kept in step with
// the remote by periodic synchronization; file content is streamed
// through read and write proxies on demand.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/drivefs/drivefs/internal/cache"
	"github.com/drivefs/drivefs/internal/config"
	"github.com/drivefs/drivefs/internal/fuse"
	"github.com/drivefs/drivefs/internal/metrics"
	"github.com/drivefs/drivefs/internal/proxy"
	s3remote "github.com/drivefs/drivefs/internal/remote/s3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		mountpoint string
		allowOther bool
		nlinks     bool
		debug      bool
		interval   time.Duration
	)

	flagSet := pflag.NewFlagSet("drivefs", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	flagSet.StringVarP(&mountpoint, "mountpoint", "m", "", "mount directory (overrides config)")
	flagSet.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	flagSet.BoolVar(&nlinks, "nlinks", false, "compute accurate hardlink counts (slow)")
	flagSet.BoolVar(&debug, "debug", false, "enable FUSE protocol tracing")
	flagSet.DurationVar(&interval, "sync-interval", 0, "background sync interval (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if mountpoint != "" {
		cfg.Mount.Mountpoint = mountpoint
	}
	if flagSet.Changed("allow-other") {
		cfg.Mount.AllowOther = allowOther
	}
	if flagSet.Changed("nlinks") {
		cfg.Mount.NLinks = nlinks
	}
	if flagSet.Changed("debug") {
		cfg.Mount.Debug = debug
	}
	if interval > 0 {
		cfg.Sync.Interval = interval
	}
	if cfg.Mount.Mountpoint == "" {
		return fmt.Errorf("a mountpoint is required (--mountpoint or config)")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return mountAndServe(ctx, cfg, logger)
}

func buildLogger(cfg *config.Configuration) (*slog.Logger, func(), error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.Global.LogFile != "" {
		f, err := os.OpenFile(cfg.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeLog = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeLog, nil
}

func mountAndServe(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) error {
	store, err := cache.Open(cache.Config{
		Path:     cfg.Cache.Path,
		PoolSize: cfg.Cache.PoolSize,
		Logger:   logger.With("component", "cache"),
	})
	if err != nil {
		return err
	}
	// Closing the pool rolls back any transaction still open when the
	// process is interrupted.
	defer store.Close()

	client, err := s3remote.New(ctx, s3remote.Config{
		Region:          cfg.Remote.Region,
		Endpoint:        cfg.Remote.Endpoint,
		Bucket:          cfg.Remote.Bucket,
		Prefix:          cfg.Remote.Prefix,
		UsePathStyle:    cfg.Remote.UsePathStyle,
		AccessKeyID:     cfg.Remote.AccessKeyID,
		SecretAccessKey: cfg.Remote.SecretAccessKey,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	if err := client.EnsureRoot(ctx); err != nil {
		return err
	}

	collector := metrics.NewCollector(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	})
	if err := collector.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		collector.Stop(shutdownCtx)
	}()

	syncer := &cache.Syncer{
		Store:  store,
		Client: client,
		Logger: logger.With("component", "sync"),
		Observe: func(folders, files cache.SyncStats) {
			collector.RecordSyncDeltas(
				folders.Inserted+files.Inserted,
				folders.Updated+files.Updated,
				folders.Deleted+files.Deleted,
			)
		},
	}
	if cfg.Sync.FullOnStart {
		logger.Info("running initial sync")
		if err := syncer.FullSync(ctx); err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}
	}

	reads := proxy.NewReadProxy(client, logger.With("component", "read-proxy"), proxy.ReadConfig{
		FetchSize:        cfg.Read.FetchSizeBytes,
		MaxChunksPerNode: cfg.Read.MaxChunksPerNode,
	})
	writes := proxy.NewWriteProxy(client, store, logger.With("component", "write-proxy"), proxy.WriteConfig{
		QueueDepth:        cfg.Write.QueueDepth,
		WriteTimeout:      cfg.Write.Timeout,
		UploadConcurrency: cfg.Write.UploadConcurrency,
	})

	dispatcher, err := fuse.NewDispatcher(ctx, fuse.DispatcherConfig{
		Store:   store,
		Client:  client,
		Reads:   reads,
		Writes:  writes,
		Logger:  logger.With("component", "fuse"),
		Metrics: collector,
		NLinks:  cfg.Mount.NLinks,
	})
	if err != nil {
		return err
	}

	server, err := fuse.Mount(fuse.MountOptions{
		Mountpoint: cfg.Mount.Mountpoint,
		Dispatcher: dispatcher,
		AllowOther: cfg.Mount.AllowOther,
		Debug:      cfg.Mount.Debug,
	})
	if err != nil {
		return err
	}
	logger.Info("mounted", "mountpoint", cfg.Mount.Mountpoint)

	go syncer.Run(ctx, cfg.Sync.Interval)

	<-ctx.Done()
	logger.Info("unmounting", "mountpoint", cfg.Mount.Mountpoint)
	if err := server.Unmount(); err != nil {
		logger.Error("unmount failed, waiting for manual unmount", "error", err)
	}
	server.Wait()
	return nil
}
