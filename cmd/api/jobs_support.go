package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/pano-forge/internal/config"
	"github.com/yourusername/pano-forge/internal/jobs"
)

// setupRegistry は JOB_STORE に応じたジョブ状態の保存先を返します。
// 戻り値の関数は終了時に接続を閉じます。
func setupRegistry(cfg *config.Config) (jobs.Registry, func(), error) {
	if cfg.JobStore != config.JobStoreRedis {
		return jobs.NewMemoryRegistry(), func() {}, nil
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, nil, err
	}
	redisClient := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := time.Duration(cfg.JobExpireMinutes) * time.Minute
	registry := jobs.NewRedisRegistry(redisClient, ttl)
	return registry, func() { _ = redisClient.Close() }, nil
}

// setupDispatcher は JOB_DISPATCH に応じてジョブの実行方式を選びます。
func setupDispatcher(cfg *config.Config, processor jobs.Processor, registry jobs.Registry, logger *slog.Logger) (jobs.Dispatcher, error) {
	if cfg.JobDispatch == config.JobDispatchQueue {
		manager, err := jobs.NewQueueManager(cfg.QueueRedisURL, cfg.WorkerConcurrency, processor, registry, logger)
		if err != nil {
			return nil, err
		}
		return manager, nil
	}
	return jobs.NewRunner(processor, registry, cfg.WorkerConcurrency, logger), nil
}
