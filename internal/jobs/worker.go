// Package jobs は変換ジョブの状態管理と非同期実行を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrDispatcherClosed はシャットダウン開始後に Schedule された場合に返されます。
var ErrDispatcherClosed = errors.New("dispatcher is shutting down")

// Runner はタスクごとに goroutine を起動するプロセス内ディスパッチャーです。
// 同時実行数は semaphore で制限し、空きを待っているタスクは saving 状態のまま待機します。
type Runner struct {
	processor Processor
	registry  Registry
	logger    *slog.Logger
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[string]struct{}
}

// NewRunner は Runner を作成します。
func NewRunner(processor Processor, registry Registry, concurrency int, logger *slog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		processor: processor,
		registry:  registry,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]struct{}),
	}
}

// Start は Dispatcher を満たすためのもので、Runner では何もしません。
func (r *Runner) Start() {}

// Schedule はタスクをバックグラウンドで開始し、完了を待たずに戻ります。
func (r *Runner) Schedule(_ context.Context, task Task) error {
	if task.JobID == "" {
		return fmt.Errorf("task.JobID is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrDispatcherClosed
	}
	r.active[task.JobID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(task)
	return nil
}

func (r *Runner) run(task Task) {
	defer r.wg.Done()
	defer r.forget(task.JobID)

	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		// 実行枠を得る前にシャットダウンされた
		r.abandon(task.JobID)
		return
	}
	defer r.sem.Release(1)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job panicked", slog.String("job_id", task.JobID), slog.Any("panic", rec))
			err := r.registry.Update(context.Background(), task.JobID, func(job *Job) {
				job.State = StateError
				job.Progress = 0
				job.Error = fmt.Sprintf("internal error: %v", rec)
				job.Message = job.Error
			})
			if err != nil && !errors.Is(err, ErrTerminal) {
				r.logger.Error("failed to record panic", slog.String("job_id", task.JobID), slog.String("error", err.Error()))
			}
		}
	}()

	r.processor.Process(r.ctx, task)
}

// Shutdown は新しいタスクの受付を止め、実行中のタスクの終了を ctx の期限まで待ちます。
// 期限までに終わらなかったタスクはキャンセルし、ジョブを abandoned として error 状態にします。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
	}

	r.cancel()
	ids := r.activeIDs()
	for _, id := range ids {
		r.abandon(id)
	}
	return fmt.Errorf("abandoned %d running jobs: %w", len(ids), ctx.Err())
}

// Active は実行中または実行待ちのジョブ数を返します。
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) abandon(jobID string) {
	if err := MarkAbandoned(context.Background(), r.registry, jobID); err != nil {
		r.logger.Warn("failed to mark job abandoned", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	r.logger.Warn("job abandoned", slog.String("job_id", jobID))
}

func (r *Runner) forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID)
}

func (r *Runner) activeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}
