package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	taskTypeConvert = "pano:convert"
	queueName       = "pano"
)

// QueueManager は Asynq（Redis）経由でタスクを実行するディスパッチャーです。
// ワーカーは同じプロセス内で起動します。自動リトライはしません。
type QueueManager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	registry  Registry
	processor Processor
	logger    *slog.Logger
}

// NewQueueManager は QueueManager を初期化します。
func NewQueueManager(redisURL string, concurrency int, processor Processor, registry Registry, logger *slog.Logger) (*QueueManager, error) {
	if processor == nil {
		return nil, errors.New("processor is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: &asynqLogger{logger: logger},
		},
	)

	mux := asynq.NewServeMux()
	manager := &QueueManager{
		client:    client,
		server:    server,
		mux:       mux,
		registry:  registry,
		processor: processor,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeConvert, manager.handleConvertTask)
	return manager, nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (m *QueueManager) Start() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
// 実行中のタスクは Asynq の ShutdownTimeout を過ぎるとキャンセルされ、ジョブは abandoned になります。
func (m *QueueManager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Schedule はタスクをキューに投入します。
func (m *QueueManager) Schedule(ctx context.Context, task Task) error {
	if task.JobID == "" {
		return fmt.Errorf("task.JobID is required")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}

	t := asynq.NewTask(taskTypeConvert, body, asynq.Queue(queueName), asynq.MaxRetry(0), asynq.TaskID(task.JobID))
	if _, err := m.client.EnqueueContext(ctx, t); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", task.JobID, err)
	}
	return nil
}

func (m *QueueManager) handleConvertTask(ctx context.Context, t *asynq.Task) error {
	var task Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if task.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	// プロセス内レジストリで再起動を挟んだ場合でも終了状態まで進められるよう、ジョブを作り直す
	job, err := m.registry.Get(ctx, task.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		if _, err := m.registry.Create(ctx, task.JobID, task.Name); err != nil && !errors.Is(err, ErrJobExists) {
			return err
		}
		m.logger.Warn("recreated missing job record", slog.String("job_id", task.JobID))
	}

	m.processor.Process(ctx, task)
	if ctx.Err() != nil {
		if err := MarkAbandoned(context.Background(), m.registry, task.JobID); err != nil {
			m.logger.Warn("failed to mark job abandoned", slog.String("job_id", task.JobID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// asynqLogger は Asynq のログを slog に流します。
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
