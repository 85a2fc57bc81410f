// Package pano はパノラマのアップロード受付から変換、カタログ操作までを提供します。
package pano

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/pano-forge/internal/catalog"
	"github.com/yourusername/pano-forge/internal/imagecheck"
	"github.com/yourusername/pano-forge/internal/jobs"
	"github.com/yourusername/pano-forge/internal/metrics"
)

// sniffBytes は形式判定のために先読みするバイト数です。
const sniffBytes = 3072

var allowedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
}

// SourceStorage は元画像の保存先です。
type SourceStorage interface {
	JobDir(id string) (string, error)
	SaveSource(id, ext string, r io.Reader) (string, int64, error)
	RemoveJobDir(id string) error
}

// JobScheduler はタスクをバックグラウンド実行に渡します。
type JobScheduler interface {
	Schedule(ctx context.Context, task jobs.Task) error
}

// Upload はアップロードされたファイル1件です。Size は申告サイズで、実際の書き込み量でも再確認します。
type Upload struct {
	Reader   io.Reader
	FileName string
	Size     int64
}

// Service は外部（HTTP）から呼ばれる操作をまとめます。
type Service struct {
	registry    jobs.Registry
	storage     SourceStorage
	catalog     CatalogStore
	scheduler   JobScheduler
	maxFileSize int64
	logger      *slog.Logger
	newID       func() string
}

// NewService は Service を作成します。
func NewService(registry jobs.Registry, storage SourceStorage, store CatalogStore, scheduler JobScheduler, maxFileSize int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:    registry,
		storage:     storage,
		catalog:     store,
		scheduler:   scheduler,
		maxFileSize: maxFileSize,
		logger:      logger,
		newID:       newJobID,
	}
}

// MaxFileSize はアップロードの上限バイト数を返します。
func (s *Service) MaxFileSize() int64 {
	return s.maxFileSize
}

// Submit はアップロードを保存してジョブを作成し、変換をバックグラウンドに渡して ID を返します。
// 入力が不正な場合はジョブを作成せずに *Error を返します。
func (s *Service) Submit(ctx context.Context, up Upload) (string, error) {
	if up.Reader == nil || strings.TrimSpace(up.FileName) == "" {
		return "", newError(CodeInvalidInput, "ファイルを選択してください。", nil)
	}
	if up.Size <= 0 {
		return "", newError(CodeInvalidInput, "空のファイルはアップロードできません。", nil)
	}
	if up.Size > s.maxFileSize {
		return "", s.limitError()
	}

	fileName := baseName(up.FileName)
	ext := strings.ToLower(filepath.Ext(fileName))
	if _, ok := allowedExtensions[ext]; !ok {
		return "", newError(CodeUnsupportedFormat, "対応していないファイル形式です（jpg, jpeg, png, tif, tiff）。", nil)
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(up.Reader, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", newError(CodeInvalidInput, "アップロードの読み込みに失敗しました。", err)
	}
	if n == 0 {
		return "", newError(CodeInvalidInput, "空のファイルはアップロードできません。", nil)
	}
	head = head[:n]
	if !imagecheck.IsSupportedMIME(mimetype.Detect(head)) {
		return "", newError(CodeUnsupportedFormat, "画像ファイルとして認識できません。", nil)
	}

	id := s.newID()
	logger := s.logger.With(slog.String("job_id", id))

	if _, err := s.registry.Create(ctx, id, fileName); err != nil {
		return "", newError(CodeStorageError, "ジョブの作成に失敗しました。", err)
	}
	if err := s.registry.Update(ctx, id, func(job *jobs.Job) {
		job.State = jobs.StateSaving
		job.Progress = 10
		job.Message = messageSaving
	}); err != nil {
		s.discard(ctx, id)
		return "", newError(CodeStorageError, "ジョブの更新に失敗しました。", err)
	}

	// 申告サイズと実サイズが異なる場合に備えて上限+1バイトまで読む
	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), up.Reader), s.maxFileSize+1)
	sourcePath, written, err := s.storage.SaveSource(id, ext, body)
	if err != nil {
		s.discard(ctx, id)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", newError(CodeStorageError, "ファイルの保存に失敗しました。", err)
	}
	if written > s.maxFileSize {
		s.discard(ctx, id)
		return "", s.limitError()
	}

	jobDir, err := s.storage.JobDir(id)
	if err != nil {
		s.discard(ctx, id)
		return "", newError(CodeStorageError, "ファイルの保存に失敗しました。", err)
	}

	task := jobs.Task{
		JobID:      id,
		Name:       strings.TrimSuffix(fileName, filepath.Ext(fileName)),
		JobDir:     jobDir,
		SourcePath: sourcePath,
	}
	if err := s.scheduler.Schedule(ctx, task); err != nil {
		s.discard(ctx, id)
		return "", newError(CodeStorageError, "変換ジョブの登録に失敗しました。", err)
	}

	metrics.JobSubmitted()
	logger.Info("upload accepted",
		slog.String("file", fileName),
		slog.Int64("bytes", written),
	)
	return id, nil
}

// Status はジョブの状態を返します。存在しない場合は nil, nil です。
func (s *Service) Status(ctx context.Context, id string) (*jobs.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	return s.registry.Get(ctx, id)
}

// ListCatalog はカタログを登録順に返します。
func (s *Service) ListCatalog() ([]catalog.Record, error) {
	return s.catalog.List()
}

// RenameCatalogEntry は表示名を変更します。ID が無い場合は false を返します。
func (s *Service) RenameCatalogEntry(id, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, newError(CodeInvalidInput, "名前を入力してください。", nil)
	}
	return s.catalog.Rename(id, name)
}

// DeleteCatalogEntry はカタログとディレクトリからパノラマを削除し、ジョブ状態も破棄します。
func (s *Service) DeleteCatalogEntry(ctx context.Context, id string) (bool, error) {
	ok, err := s.catalog.Remove(id)
	if err != nil || !ok {
		return ok, err
	}
	if err := s.registry.Remove(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("failed to remove job status", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	s.logger.Info("panorama deleted", slog.String("job_id", id))
	return true, nil
}

// discard は受付途中で失敗したジョブのディレクトリと状態を削除します。
func (s *Service) discard(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.storage.RemoveJobDir(id); err != nil {
		s.logger.Warn("failed to remove job directory", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	if err := s.registry.Remove(ctx, id); err != nil {
		s.logger.Warn("failed to remove job status", slog.String("job_id", id), slog.String("error", err.Error()))
	}
}

func (s *Service) limitError() *Error {
	return newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズが上限（%d MB）を超えています。", s.maxFileSize/(1024*1024)), nil)
}

// baseName はブラウザが送るパス付きのファイル名からファイル名部分だけを取り出します。
func baseName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	return filepath.Base(name)
}

func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
