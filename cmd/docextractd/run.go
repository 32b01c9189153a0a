package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/docextract/internal/async"
	"github.com/joseph-ayodele/docextract/internal/core/limiter"
	"github.com/joseph-ayodele/docextract/internal/core/worker"
	"github.com/joseph-ayodele/docextract/internal/export"
	"github.com/joseph-ayodele/docextract/internal/ingest"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
	"github.com/joseph-ayodele/docextract/internal/pipeline"
	"github.com/joseph-ayodele/docextract/internal/progress"
	"github.com/joseph-ayodele/docextract/internal/repository"
	"github.com/joseph-ayodele/docextract/internal/server"
	"github.com/joseph-ayodele/docextract/internal/services/batch"
	"github.com/joseph-ayodele/docextract/internal/services/task"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the extraction service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		logger.Info("starting docextractd", "db_driver", cfg.Database.Driver, "http_addr", cfg.Server.HTTPAddr, "grpc_addr", cfg.Server.GRPCAddr)

		db, err := repository.Open(ctx, dbConfig(cfg.Database), logger)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			return err
		}
		defer repository.Close(db, logger)
		if err := repository.HealthCheck(ctx, db, 5*time.Second, logger); err != nil {
			return err
		}
		if err := repository.Migrate(ctx, db, logger); err != nil {
			return err
		}

		jobs := repository.NewJobRepository(db, logger)
		store, err := ingest.NewFSStore(cfg.Storage.DataDir, logger)
		if err != nil {
			return err
		}

		publisher := progress.NewMemoryPublisher(cfg.Progress.TTL, logger)
		streamer := progress.NewStreamer(publisher, jobs, progress.StreamConfig{
			PollInterval: cfg.Progress.PollInterval,
			IdleTimeout:  cfg.Progress.IdleTimeout,
		}, logger)

		lim := limiter.New(cfg.Worker.MaxConcurrent)
		invoker := worker.NewInvoker(worker.Config{
			Interpreter:      cfg.Worker.Interpreter,
			Dir:              cfg.Worker.Dir,
			Script:           cfg.Worker.Script,
			Timeout:          cfg.Worker.TaskTimeout,
			Model:            cfg.Worker.Model,
			MaxImages:        cfg.Worker.MaxImages,
			MaxContextLength: cfg.Worker.MaxContextLength,
		}, logger)
		executor := pipeline.NewExecutor(invoker, lim, pipeline.ExecutorConfig{
			MaxRetries:    cfg.Worker.MaxRetries,
			RetryInterval: cfg.Worker.RetryInterval,
			SlotTimeout:   cfg.Worker.TaskTimeout,
		}, logger)
		processor := pipeline.NewProcessor(jobs, publisher, executor, cfg.Worker.Model, logger)

		dispatcher := async.NewDispatcher(processor, logger,
			async.WithWorkers(cfg.Dispatch.Workers),
			async.WithQueueSize(cfg.Dispatch.QueueSize),
		)

		tasks := task.NewService(jobs, store, dispatcher, publisher, streamer, task.Config{
			MaxActivePerOwner: cfg.Dispatch.MaxActivePerOwner,
			MaxRetries:        cfg.Worker.MaxRetries,
		}, logger)
		batches := batch.NewService(jobs, logger)
		exports := export.NewService(jobs, logger)

		api := server.NewAPI(server.HTTPConfig{
			Tasks:    tasks,
			Batches:  batches,
			Exports:  exports,
			Streamer: streamer,
			Limiter:  lim,
			DBHealth: func(ctx context.Context) error {
				return repository.HealthCheck(ctx, db, 2*time.Second, logger)
			},
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, logger)

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			publisher.Run(gctx, time.Minute)
			return nil
		})

		if cfg.Server.HTTPAddr != "" {
			httpSrv := server.NewServer(cfg.Server.HTTPAddr, api.Router(), logger)
			g.Go(httpSrv.ListenAndServe)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
		}

		if cfg.Server.GRPCAddr != "" {
			grpcSrv, hs := server.NewGRPCServer(server.NewProgressService(streamer, logger), logger)
			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
				return err
			}
			g.Go(func() error {
				logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
				return grpcSrv.Serve(lis)
			})
			g.Go(func() error {
				<-gctx.Done()
				hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
				grpcSrv.GracefulStop()
				return nil
			})
		}

		if cfg.Inbox.Dir != "" {
			fields, err := jsonval.Parse([]byte(cfg.Inbox.Fields))
			if err != nil {
				return err
			}
			g.Go(func() error {
				return tasks.RunInbox(gctx, task.InboxConfig{
					Root:      cfg.Inbox.Dir,
					OwnerID:   cfg.Inbox.OwnerID,
					Fields:    fields,
					ModelMode: cfg.Inbox.ModelMode,
					Debounce:  cfg.Inbox.Debounce,
				})
			})
		}

		err = g.Wait()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		dispatcher.Shutdown(shutdownCtx)

		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("service stopped with error", "error", err)
			return err
		}
		logger.Info("docextractd stopped")
		return nil
	},
}
