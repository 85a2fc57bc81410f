package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "pano:job:"

	maxUpdateAttempts = 16
)

// RedisRegistry はジョブ状態を Redis に保存します。
// 再起動後もジョブ状態を参照できるようにするための任意のバックエンドです。
type RedisRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisRegistry は RedisRegistry を作成します。ttl が 0 の場合は期限を設定しません。
func NewRedisRegistry(rdb *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create は uploading 状態のジョブを SETNX で登録します。
func (s *RedisRegistry) Create(ctx context.Context, id, originalFileName string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job id is required")
	}
	now := time.Now().UTC()
	job := &Job{
		ID:               id,
		OriginalFileName: originalFileName,
		State:            StateUploading,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(id), payload, s.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	return job, nil
}

// Get はジョブ情報を取得します。
func (s *RedisRegistry) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job id is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Update は WATCH/MULTI による楽観的トランザクションで mutate を適用します。
func (s *RedisRegistry) Update(ctx context.Context, id string, mutate func(*Job)) error {
	key := jobKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.State.IsTerminal() {
			return fmt.Errorf("%w: %s (%s)", ErrTerminal, id, job.State)
		}
		mutate(&job)
		job.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job update kept conflicting: %s", id)
}

// Remove はジョブ情報を削除します。
func (s *RedisRegistry) Remove(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, jobKey(id)).Err()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
