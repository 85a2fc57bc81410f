package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pano-forge/internal/logging"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	reg := NewRedisRegistry(rdb, 0)

	_, err := reg.Create(ctx, "job-1", "hall.jpg")
	require.NoError(t, err)

	_, err = reg.Create(ctx, "job-1", "hall.jpg")
	assert.True(t, errors.Is(err, ErrJobExists))

	require.NoError(t, reg.Update(ctx, "job-1", func(j *Job) {
		j.State = StateConverting
		j.Progress = 60
		j.Message = "converting: making tiles"
	}))

	job, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateConverting, job.State)
	assert.Equal(t, 60, job.Progress)
	assert.Equal(t, "hall.jpg", job.OriginalFileName)

	require.NoError(t, reg.Remove(ctx, "job-1"))
	job, err = reg.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisRegistryTerminalAndMissing(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	reg := NewRedisRegistry(rdb, 0)

	err := reg.Update(ctx, "missing", func(*Job) {})
	assert.True(t, errors.Is(err, ErrJobNotFound))

	_, err = reg.Create(ctx, "job-1", "a.png")
	require.NoError(t, err)
	require.NoError(t, reg.Update(ctx, "job-1", func(j *Job) { j.State = StateError; j.Error = "boom" }))

	err = reg.Update(ctx, "job-1", func(j *Job) { j.State = StateCompleted })
	assert.True(t, errors.Is(err, ErrTerminal))
}

func TestRedisRegistryTTL(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	reg := NewRedisRegistry(rdb, time.Minute)

	_, err := reg.Create(ctx, "job-1", "a.png")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(jobKey("job-1")))

	mr.FastForward(2 * time.Minute)
	job, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

type recordingProcessor struct {
	tasks []Task
}

func (p *recordingProcessor) Process(_ context.Context, task Task) {
	p.tasks = append(p.tasks, task)
}

func TestQueueManagerHandleRecreatesMissingJob(t *testing.T) {
	mr, _ := newTestRedis(t)
	reg := NewMemoryRegistry()
	proc := &recordingProcessor{}

	manager, err := NewQueueManager("redis://"+mr.Addr()+"/0", 1, proc, reg, logging.Discard())
	require.NoError(t, err)

	task := Task{JobID: "job-9", Name: "lobby", JobDir: "/tmp/job-9", SourcePath: "/tmp/job-9/source.jpg"}
	body, err := json.Marshal(task)
	require.NoError(t, err)

	require.NoError(t, manager.handleConvertTask(context.Background(), asynq.NewTask(taskTypeConvert, body)))
	require.Len(t, proc.tasks, 1)
	assert.Equal(t, task, proc.tasks[0])

	job, err := reg.Get(context.Background(), "job-9")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "lobby", job.OriginalFileName)
}

func TestQueueManagerHandleRejectsBadPayload(t *testing.T) {
	mr, _ := newTestRedis(t)
	manager, err := NewQueueManager("redis://"+mr.Addr()+"/0", 1, &recordingProcessor{}, NewMemoryRegistry(), logging.Discard())
	require.NoError(t, err)

	err = manager.handleConvertTask(context.Background(), asynq.NewTask(taskTypeConvert, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
