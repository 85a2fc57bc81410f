// Package sweeper は変換に失敗して残ったジョブディレクトリを定期的に削除します。
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yourusername/pano-forge/internal/catalog"
	"github.com/yourusername/pano-forge/internal/jobs"
)

// Storage はパノラマルート直下のディレクトリを列挙・削除します。
type Storage interface {
	ListJobDirs() ([]os.DirEntry, error)
	RemoveJobDir(id string) error
}

// Catalog は登録済みのパノラマ一覧を返します。
type Catalog interface {
	List() ([]catalog.Record, error)
}

// Sweeper はカタログに無く、処理中でもなく、猶予期間を過ぎたディレクトリを削除します。
type Sweeper struct {
	storage  Storage
	catalog  Catalog
	registry jobs.Registry
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cron     *cron.Cron
}

// New は Sweeper を作成します。
func New(storage Storage, store Catalog, registry jobs.Registry, grace time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		storage:  storage,
		catalog:  store,
		registry: registry,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
	}
}

// Start は schedule（cron 式または @every 1h などの記述子）に従って Sweep を実行します。
// schedule が空の場合は何もしません。
func (s *Sweeper) Start(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		s.logger.Info("orphan sweeper disabled")
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("orphan sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("invalid ORPHAN_SWEEP_SCHEDULE %q: %w", schedule, err)
	}

	s.cron = c
	c.Start()
	s.logger.Info("orphan sweeper started", slog.String("schedule", schedule), slog.Duration("grace", s.grace))
	return nil
}

// Stop はスケジュールを止め、実行中の Sweep の終了を待ちます。
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep は1回分の掃除を行い、削除したディレクトリ名を返します。
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	records, err := s.catalog.List()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	known := make(map[string]struct{}, len(records))
	for _, r := range records {
		known[r.ID] = struct{}{}
	}

	dirs, err := s.storage.ListJobDirs()
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.grace)
	var removed []string
	for _, dir := range dirs {
		id := dir.Name()
		if _, ok := known[id]; ok {
			continue
		}
		info, err := dir.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		job, err := s.registry.Get(ctx, id)
		if err != nil {
			s.logger.Warn("failed to read job status", slog.String("job_id", id), slog.String("error", err.Error()))
			continue
		}
		if job != nil && !job.State.IsTerminal() {
			continue
		}

		if err := s.storage.RemoveJobDir(id); err != nil {
			s.logger.Warn("failed to remove orphaned directory", slog.String("job_id", id), slog.String("error", err.Error()))
			continue
		}
		removed = append(removed, id)
	}

	if len(removed) > 0 {
		s.logger.Info("removed orphaned directories", slog.Int("count", len(removed)), slog.Any("ids", removed))
	}
	return removed, nil
}
