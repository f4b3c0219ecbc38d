package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fundflow/config"
	"fundflow/internal/fundflow/collector"
	"fundflow/internal/fundflow/pipeline"
	"fundflow/internal/fundflow/scheduler"
	"fundflow/internal/fundflow/universe"
	"fundflow/logger"
	"fundflow/pkg/eastmoney"
	"fundflow/pkg/storage/postgres"
	"fundflow/pkg/storage/s3archive"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: FUNDFLOW_CONFIG or ../config)")
	flag.Parse()

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// viper config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("collector failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if err := cfg.Storage.EnsureDirs(); err != nil {
		return err
	}

	// ticker universe
	loader := &universe.Loader{Path: cfg.Storage.Path(cfg.Collector.ReferenceFile), Logger: log}
	tickers, err := loader.Load()
	if err != nil {
		var fileErr *universe.FileError
		if errors.As(err, &fileErr) {
			return fmt.Errorf("reference file unusable: %w", err)
		}
		return err
	}

	// eastmoney client
	em := cfg.Eastmoney
	opts := []eastmoney.Option{
		eastmoney.WithUT(em.UT),
		eastmoney.WithUserAgent(em.UserAgent),
		eastmoney.WithRetry(em.MaxRetries, em.RetryBackoff),
		eastmoney.WithLogger(log.Named("eastmoney")),
	}
	if em.RateLimit.RequestsPerSecond > 0 {
		opts = append(opts, eastmoney.WithRateLimit(em.RateLimit.RequestsPerSecond, em.RateLimit.Burst))
	}
	client := eastmoney.NewRESTClient(em.BaseURL, em.Timeout, opts...)

	fields, err := eastmoney.ParseFields(em.Fields)
	if err != nil {
		return err
	}
	coll := collector.New(collector.Config{Workers: cfg.Collector.Workers, Timeout: em.Timeout}, client, fields, log.Named("collector"))

	// optional sinks
	var sinks []pipeline.Sink
	if cfg.Postgres.Enabled {
		db, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Log.Environment)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		sinks = append(sinks, pipeline.NewPostgresSink(db, log.Named("postgres")))
	}
	if cfg.Archive.Enabled {
		uploader, err := s3archive.New(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("s3 archive: %w", err)
		}
		sinks = append(sinks, pipeline.NewArchiveSink(uploader, log.Named("s3")))
	}

	p, err := pipeline.New(cfg, tickers, coll, client, log, sinks...)
	if err != nil {
		return err
	}

	// scheduler
	fiveMinute := scheduler.Job{Name: pipeline.JobFiveMinute, Spec: cfg.Schedule.FiveMinute, Run: p.RunFiveMinute}
	oneMinute := scheduler.Job{Name: pipeline.JobOneMinute, Spec: cfg.Schedule.OneMinute, Run: p.RunOneMinute}

	sched := scheduler.New(ctx, cfg.Location(), log)
	for _, job := range []scheduler.Job{fiveMinute, oneMinute} {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	if cfg.Schedule.Startup {
		sched.RunNow(fiveMinute)
	}

	sched.Start()
	log.Info("collector started",
		zap.Int("tickers", len(tickers)),
		zap.Strings("fields", coll.Labels()),
		zap.Int("sinks", len(sinks)),
	)

	<-ctx.Done()
	log.Info("shutting down")
	sched.Stop()

	stats := coll.Stats()
	log.Info("collector stopped", zap.Int64("fetched", stats.Fetched), zap.Int64("failed", stats.Failed))
	return nil
}
