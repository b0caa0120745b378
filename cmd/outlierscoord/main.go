// Command outlierscoord runs the distributed anomaly-detection training
// coordinator: a leader-elected, queue-driven orchestrator that discovers
// models in object storage, distributes them to follower workers through a
// ZooKeeper ensemble, detects worker failure, requeues abandoned work, and
// publishes refreshed artifacts back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redborder-io/outlierscoord/internal/artifactstore"
	"github.com/redborder-io/outlierscoord/internal/config"
	"github.com/redborder-io/outlierscoord/internal/coordination"
	"github.com/redborder-io/outlierscoord/internal/coordinator"
	"github.com/redborder-io/outlierscoord/internal/druid"
	"github.com/redborder-io/outlierscoord/internal/health"
	"github.com/redborder-io/outlierscoord/internal/obsstore"
	"github.com/redborder-io/outlierscoord/internal/statusapi"
	"github.com/redborder-io/outlierscoord/internal/trainer"
	"github.com/redborder-io/outlierscoord/internal/training"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "outlierscoord.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	trainerImage := flag.String("trainer-image", "rbaioutliers-trainer:latest", "Docker image used to run the opaque trainer")
	once := flag.Bool("once", false, "run a single tick then exit")
	dryRun := flag.Bool("dry-run", false, "run the training job's download/query steps without invoking the trainer or uploading artifacts")
	flag.Parse()

	environment := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if environment != "train" {
		slog.Default().Info("ENVIRONMENT is not \"train\"; exiting without entering the coordinator", "environment", environment)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("outlierscoord starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := cfg.General.LockFile
	if lockPath == "" {
		lockPath = "/tmp/outlierscoord.lock"
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	obs, err := obsstore.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open observability store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer obs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zkClient, err := coordination.Dial(cfg.ZooKeeper.HostList(), cfg.ZooKeeper.TickTime.Duration, logger.With("component", "coordination"))
	if err != nil {
		logger.Error("failed to connect to zookeeper", "hosts", cfg.ZooKeeper.Hosts, "error", err)
		os.Exit(1)
	}
	defer zkClient.Close()

	store, err := artifactstore.New(ctx, artifactstore.Config{
		AccessKey: cfg.AWS.S3PublicKey,
		SecretKey: cfg.AWS.S3PrivateKey,
		Region:    cfg.AWS.S3Region,
		Bucket:    cfg.AWS.S3Bucket,
		Endpoint:  cfg.AWS.S3Hostname,
	})
	if err != nil {
		logger.Error("failed to create artifact store client", "error", err)
		os.Exit(1)
	}

	trainerClient, err := trainer.NewDocker(*trainerImage)
	if err != nil {
		logger.Error("failed to create docker trainer client", "error", err)
		os.Exit(1)
	}

	job := &training.Job{
		Store:      store,
		Druid:      druid.New(cfg.Druid.Endpoint),
		Trainer:    trainerClient,
		Logger:     logger.With("component", "training"),
		Epochs:     cfg.Outliers.Epochs,
		BatchSize:  cfg.Outliers.BatchSize,
		BackupPath: cfg.Outliers.BackupPath,
		DryRun:     *dryRun,
	}

	c := coordinator.New(coordinator.Config{
		Client:     zkClient,
		Store:      store,
		Obs:        obs,
		Job:        job,
		Logger:     logger.With("component", "coordinator"),
		Identity:   cfg.ZooKeeper.Name,
		Root:       cfg.ZooKeeper.SyncPath,
		Tick:       cfg.ZooKeeper.TickTime.Duration,
		SweepEvery: cfg.ZooKeeper.SleepTime.Duration,
	})

	if err := c.Start(ctx); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	if *once {
		logger.Info("running single tick (--once mode)")
		c.Tick(ctx)
		logger.Info("single tick complete, exiting")
		return
	}

	go c.Run(ctx)

	statusSrv := statusapi.NewServer(zkClient, c, obs, logger.With("component", "statusapi"))
	go func() {
		if err := statusSrv.Start(ctx, cfg.General.StatusBind); err != nil {
			logger.Error("status api server error", "error", err)
		}
	}()

	logger.Info("outlierscoord running",
		"bind", cfg.General.StatusBind,
		"zk_sync_path", cfg.ZooKeeper.SyncPath,
		"tick", cfg.ZooKeeper.TickTime.Duration.String(),
		"sweep", cfg.ZooKeeper.SleepTime.Duration.String(),
	)

	var cfgMu sync.Mutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		if err := cfgManager.Reload(*configPath); err != nil {
			return err
		}
		logger = configureLogger(cfgManager.Get().General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			time.Sleep(2 * cfg.ZooKeeper.TickTime.Duration)
			logger.Info("outlierscoord stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
