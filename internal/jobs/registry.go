package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRegistry はプロセス内のマップでジョブ状態を保持します。
// 永続化はしないため、再起動すると処理中のジョブは失われます。
type MemoryRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryRegistry は空の MemoryRegistry を作成します。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create は uploading 状態のジョブを登録します。
func (r *MemoryRegistry) Create(_ context.Context, id, originalFileName string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	now := r.now().UTC()
	job := &Job{
		ID:               id,
		OriginalFileName: originalFileName,
		State:            StateUploading,
		Progress:         0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.jobs[id] = job
	return job.Clone(), nil
}

// Get はジョブのスナップショットを返します。存在しない場合は nil, nil です。
func (r *MemoryRegistry) Get(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

// Update はロックを保持したまま mutate を適用します。
func (r *MemoryRegistry) Update(_ context.Context, id string, mutate func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("%w: %s (%s)", ErrTerminal, id, job.State)
	}
	mutate(job)
	job.UpdatedAt = r.now().UTC()
	return nil
}

// Remove はジョブを削除します。存在しなくてもエラーにしません。
func (r *MemoryRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}
