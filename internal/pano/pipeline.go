package pano

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourusername/pano-forge/internal/catalog"
	"github.com/yourusername/pano-forge/internal/imagecheck"
	"github.com/yourusername/pano-forge/internal/jobs"
	"github.com/yourusername/pano-forge/internal/krpano"
	"github.com/yourusername/pano-forge/internal/metrics"
)

// ImageValidator は保存した元画像を検査します。
type ImageValidator interface {
	Check(path string) (imagecheck.Info, error)
}

// TourConverter は元画像を krpano ツアーに変換します。
type TourConverter interface {
	Convert(ctx context.Context, jobID, inputPath, outputDir string, maxDimension int, onLine krpano.LineHandler) (bool, error)
}

// CatalogStore はカタログの読み書きを行います。
type CatalogStore interface {
	List() ([]catalog.Record, error)
	Append(record catalog.Record) error
	Rename(id, name string) (bool, error)
	Remove(id string) (bool, error)
}

// 進捗メッセージ
const (
	messageSaving     = "saving"
	messageValidating = "validating image"
	messageConverting = "converting"
	messageCompleted  = "completed"
	messageConvertErr = "conversion failed"
)

// Pipeline はアップロード済みのジョブを検証・変換・登録します。jobs.Processor を実装します。
type Pipeline struct {
	registry  jobs.Registry
	validator ImageValidator
	converter TourConverter
	catalog   CatalogStore
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline は Pipeline を作成します。timeout が 0 以下なら変換の期限を設けません。
func NewPipeline(registry jobs.Registry, validator ImageValidator, converter TourConverter, store CatalogStore, timeout time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:  registry,
		validator: validator,
		converter: converter,
		catalog:   store,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Process はジョブを終了状態まで進めます。失敗はジョブに記録され、呼び出し元には返りません。
func (p *Pipeline) Process(ctx context.Context, task jobs.Task) {
	finish := metrics.JobStarted()
	result := metrics.ResultError
	defer func() { finish(result) }()

	logger := p.logger.With(slog.String("job_id", task.JobID))

	// 状態の書き込みはキャンセル後も行えるようにする
	writeCtx := context.WithoutCancel(ctx)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.registry.Update(writeCtx, task.JobID, func(job *jobs.Job) {
		job.State = jobs.StateValidating
		job.Progress = 40
		job.Message = messageValidating
	}); err != nil {
		logger.Error("failed to start job", slog.String("error", err.Error()))
		return
	}

	info, err := p.validator.Check(task.SourcePath)
	if err != nil {
		p.fail(writeCtx, logger, task.JobID, err.Error())
		return
	}
	logger.Info("image validated",
		slog.Int("width", info.Width),
		slog.Int("height", info.Height),
		slog.String("mime", info.MIMEType),
	)

	if err := p.registry.Update(writeCtx, task.JobID, func(job *jobs.Job) {
		job.State = jobs.StateConverting
		job.Message = messageConverting
	}); err != nil {
		logger.Error("failed to update job", slog.String("error", err.Error()))
		return
	}

	onLine := func(line string) {
		err := p.registry.Update(writeCtx, task.JobID, func(job *jobs.Job) {
			job.Message = messageConverting + ": " + line
			if percent, ok := krpano.Milestone(line); ok {
				job.Progress = percent
			}
		})
		if err != nil {
			logger.Warn("failed to record progress", slog.String("error", err.Error()))
		}
	}

	ok, err := p.converter.Convert(ctx, task.JobID, task.SourcePath, task.JobDir, info.Width, onLine)
	if err != nil {
		p.fail(writeCtx, logger, task.JobID, err.Error())
		return
	}
	if !ok {
		p.fail(writeCtx, logger, task.JobID, messageConvertErr)
		return
	}

	// カタログに載ってから completed にする
	completedAt := p.now().UTC()
	record := catalog.Record{ID: task.JobID, Name: task.Name, CreatedAt: completedAt}
	if err := p.catalog.Append(record); err != nil {
		p.fail(writeCtx, logger, task.JobID, fmt.Sprintf("failed to save catalog entry: %v", err))
		return
	}

	if err := p.registry.Update(writeCtx, task.JobID, func(job *jobs.Job) {
		job.State = jobs.StateCompleted
		job.Progress = 100
		job.Message = messageCompleted
		job.OutputPath = task.JobDir
		job.Error = ""
		job.CompletedAt = &completedAt
	}); err != nil {
		// 完了にできなかったジョブはカタログにも残さない
		logger.Error("failed to complete job", slog.String("error", err.Error()))
		if _, removeErr := p.catalog.Remove(task.JobID); removeErr != nil {
			logger.Error("failed to roll back catalog entry", slog.String("error", removeErr.Error()))
		}
		return
	}

	result = metrics.ResultCompleted
	logger.Info("panorama converted", slog.String("name", task.Name))
}

func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, jobID, message string) {
	logger.Warn("panorama conversion failed", slog.String("error", message))
	err := p.registry.Update(ctx, jobID, func(job *jobs.Job) {
		job.State = jobs.StateError
		job.Progress = 0
		job.Message = message
		job.Error = message
	})
	if err != nil {
		logger.Error("failed to record job error", slog.String("error", err.Error()))
	}
}
