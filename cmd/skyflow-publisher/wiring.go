package main

import (
	"context"
	"fmt"
	"log/slog"

	"skyflow/internal/blobstore"
	"skyflow/internal/config"
	"skyflow/internal/dispatch"
	"skyflow/internal/observability/metrics"
	"skyflow/internal/publish"
	"skyflow/internal/storage"
	"skyflow/internal/transcode"
)

func openPostgresFlights(_ context.Context, cfg config.Config, logger *slog.Logger) (storage.Repository, error) {
	pg := cfg.Postgres
	repo, err := storage.NewPostgresRepository(pg.DSN,
		storage.WithPostgresPoolLimits(pg.MaxConns, pg.MinConns),
		storage.WithPostgresPoolDurations(pg.MaxConnLifetime, pg.MaxConnIdle, pg.HealthInterval),
		storage.WithPostgresAcquireTimeout(pg.AcquireTimeout),
		storage.WithPostgresApplicationName(pg.ApplicationName),
	)
	if err != nil {
		return nil, fmt.Errorf("open flights repository: %w", err)
	}
	logger.Debug("flights repository opened", "max_conns", pg.MaxConns, "application_name", pg.ApplicationName)
	return repo, nil
}

func newFFmpegTranscoder(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) publish.Transcoder {
	return transcode.New(transcode.Config{
		FFmpegPath:     cfg.Transcode.FFmpegPath,
		SegmentSeconds: cfg.Transcode.SegmentSeconds,
		Timeout:        cfg.Transcode.Timeout,
		StderrTail:     cfg.Transcode.StderrTail,
		Logger:         logger,
		Metrics:        recorder,
	})
}

func newBlobClient(cfg config.StorageConfig) (blobstore.Client, error) {
	switch cfg.Driver {
	case config.StorageDriverFilesystem:
		return blobstore.NewFilesystemClient(blobstore.FilesystemConfig{
			Root:          cfg.Root,
			Bucket:        cfg.Bucket,
			PublicBaseURL: cfg.PublicBaseURL,
			RemoteSchemes: cfg.RemoteSchemes,
		})
	case config.StorageDriverS3, "":
		return blobstore.NewS3Client(blobstore.S3Config{
			Endpoint:       cfg.Endpoint,
			Region:         cfg.Region,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			Bucket:         cfg.Bucket,
			UseSSL:         cfg.UseSSL,
			Prefix:         cfg.Prefix,
			PublicBaseURL:  cfg.PublicBaseURL,
			RemoteSchemes:  cfg.RemoteSchemes,
			RequestTimeout: cfg.RequestTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func (a *app) newJob(flights storage.Repository) (*publish.Job, error) {
	blobs, err := newBlobClient(a.cfg.Storage)
	if err != nil {
		return nil, err
	}
	return publish.NewJob(publish.Config{
		Flights:           flights,
		Blobs:             blobs,
		Transcoder:        a.newTranscoder(a.cfg, a.logger, a.metrics),
		WorkspaceRoot:     a.cfg.Publish.WorkspaceRoot,
		UploadConcurrency: a.cfg.Publish.UploadConcurrency,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
}

func redisConfig(cfg config.RedisConfig) dispatch.RedisConfig {
	return dispatch.RedisConfig{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		TLS: dispatch.RedisTLSConfig{
			CAFile:             cfg.TLSCAFile,
			CertFile:           cfg.TLSCertFile,
			KeyFile:            cfg.TLSKeyFile,
			ServerName:         cfg.TLSServerName,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
}

// newAsynqEnqueuer returns an enqueuer and a func that closes its client
// and inspector.
func (a *app) newAsynqEnqueuer() (dispatch.Enqueuer, func(), error) {
	redisCfg := redisConfig(a.cfg.Queue.Redis)
	client, err := dispatch.NewAsynqClient(redisCfg)
	if err != nil {
		return nil, nil, err
	}
	inspector, err := dispatch.NewAsynqInspector(redisCfg)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeAll := func() {
		closeQuietly(a.logger, "asynq client", client)
		closeQuietly(a.logger, "asynq inspector", inspector)
	}
	enqueuer, err := dispatch.NewAsynqEnqueuer(dispatch.AsynqEnqueuerConfig{
		Client:    client,
		Inspector: inspector,
		Queue:     a.cfg.Queue.Name,
		MaxRetry:  a.cfg.Queue.MaxRetry,
		Timeout:   a.cfg.Queue.TaskTimeout,
		Logger:    a.logger,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return enqueuer, closeAll, nil
}
