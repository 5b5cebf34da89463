package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"userseed/internal/config"
	"userseed/internal/domain"
	"userseed/internal/repository"
	"userseed/internal/repository/mongodb"
	"userseed/internal/repository/postgres"
	"userseed/internal/repository/sqlite"
	"userseed/internal/service"
	"userseed/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	policy, err := service.ParsePolicy(cfg.Bootstrap.OnConflict)
	if err != nil {
		logger.Fatalf("bootstrap policy: %v", err)
	}
	seed, err := service.BuildSeed(service.SeedOptions{
		Name:         cfg.Seed.Name,
		Email:        cfg.Seed.Email,
		PasswordHash: cfg.Seed.PasswordHash,
		Password:     cfg.Seed.Password,
	})
	if err != nil {
		logger.Fatalf("seed account: %v", err)
	}
	plan := domain.Plan{
		Database:   cfg.Database.Name,
		Collection: cfg.Bootstrap.Collection,
		Indexes:    domain.UserIndexes(),
		Seed:       seed,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Bootstrap.Timeout)
	defer cancel()

	target, err := openTarget(ctx, cfg)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := target.Close(closeCtx); err != nil {
			logger.Warnf("close database: %v", err)
		}
	}()

	runner := service.NewRunner(service.RunnerConfig{
		Policy: policy,
		Verify: cfg.Bootstrap.Verify,
		Logger: logger,
	})
	report, runErr := runner.Run(ctx, target, plan)

	archiveCtx, archiveCancel := context.WithTimeout(context.Background(), 30*time.Second)
	archiveReport(archiveCtx, cfg, report, logger)
	archiveCancel()

	if runErr != nil {
		// deferred close is skipped by Fatal; release the connection first
		_ = target.Close(context.Background())
		logger.Fatalf("bootstrap: %v", runErr)
	}
	fmt.Println(service.CompletionMessage)
}

func openTarget(ctx context.Context, cfg config.Config) (repository.Target, error) {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		return mongodb.Open(ctx, cfg.Database.URI, cfg.Database.Name)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Database.URI, cfg.Database.Name)
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		return sqlite.NewTarget(db, cfg.Database.Name), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func archiveReport(ctx context.Context, cfg config.Config, report *service.Report, logger *logrus.Logger) {
	if cfg.Report.Bucket == "" || report == nil {
		return
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Warnf("setup report storage: %v", err)
		return
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Warnf("encode report: %v", err)
		return
	}

	key := storage.ReportKey(cfg.Report.KeyPrefix, report.Database, report.RunID)
	loc, err := storageSvc.PutReport(ctx, key, body, storage.ArchiveOptions{
		Bucket: cfg.Report.Bucket,
	})
	if err != nil {
		logger.Warnf("archive report: %v", err)
		return
	}
	logger.Infof("report archived to %s", loc)
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Report.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Report.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Report.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Debugf("using s3 bucket %s (region %s)", cfg.Report.Bucket, cfg.Report.Region)
	return storage.NewS3Service(client), nil
}
