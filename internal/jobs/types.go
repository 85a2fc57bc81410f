package jobs

import (
	"context"
	"errors"
	"time"
)

// State はジョブの変換状態を表します。
type State string

const (
	StateUploading  State = "uploading"
	StateSaving     State = "saving"
	StateValidating State = "validating"
	StateConverting State = "converting"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// IsTerminal は以降の遷移が起きない状態かどうかを返します。
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

var (
	// ErrJobExists は同じ ID のジョブが既に存在する場合に返されます。
	ErrJobExists = errors.New("job already exists")
	// ErrJobNotFound は更新対象のジョブが存在しない場合に返されます。
	ErrJobNotFound = errors.New("job not found")
	// ErrTerminal は終了状態のジョブを更新しようとした場合に返されます。
	ErrTerminal = errors.New("job already reached a terminal state")
)

// Job は1件のアップロードに対する変換状況です。
type Job struct {
	ID               string     `json:"id"`
	OriginalFileName string     `json:"originalFileName"`
	State            State      `json:"status"`
	Progress         int        `json:"progress"`
	Message          string     `json:"message,omitempty"`
	OutputPath       string     `json:"outputPath,omitempty"`
	Error            string     `json:"error,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Clone はポインタを共有しないコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Registry はジョブ状態の保存先です。
// 1つのジョブを書き換えるのはそのジョブを処理するタスクだけで、読み取りは任意の数のポーリングから行われます。
type Registry interface {
	Create(ctx context.Context, id, originalFileName string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, mutate func(*Job)) error
	Remove(ctx context.Context, id string) error
}

// Task はバックグラウンドで変換する1件分の入力です。
type Task struct {
	JobID      string `json:"jobId"`
	Name       string `json:"name"`
	JobDir     string `json:"jobDir"`
	SourcePath string `json:"sourcePath"`
}

// Processor はタスクを終了状態まで処理します。失敗はジョブの error 状態として記録し、呼び出し元には返しません。
type Processor interface {
	Process(ctx context.Context, task Task)
}

// Dispatcher はタスクを非同期に実行します。Schedule はタスクの完了を待ちません。
type Dispatcher interface {
	Schedule(ctx context.Context, task Task) error
	Start()
	Shutdown(ctx context.Context) error
}

// AbandonedMessage はシャットダウンで打ち切られたジョブに記録するメッセージです。
const AbandonedMessage = "abandoned: server shutting down"

// MarkAbandoned は未完了のジョブを error 状態にします。終了済みのジョブはそのままです。
func MarkAbandoned(ctx context.Context, registry Registry, jobID string) error {
	err := registry.Update(ctx, jobID, func(job *Job) {
		job.State = StateError
		job.Progress = 0
		job.Message = AbandonedMessage
		job.Error = AbandonedMessage
	})
	if errors.Is(err, ErrTerminal) {
		return nil
	}
	return err
}
