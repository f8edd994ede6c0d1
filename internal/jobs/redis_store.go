package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix        = "pdfjob:"
	pendingKeyPrefix    = "pdfjob:pending:"
	processingKeyPrefix = "pdfjob:processing:"
	documentKeyPrefix   = "pdfjob:doc:"

	maxUpdateRetries = 16
)

// errSkip は WATCH 中の検査で候補が条件を満たさなかったことを表します。
var errSkip = errors.New("skip job")

// RedisStore はジョブを Redis に保存します。
// ジョブ本体は JSON 文字列、待ち行列と処理中の一覧は作成時刻・開始時刻をスコアにした sorted set です。
// claim は WATCH/MULTI で行い、競合した候補（TxFailedErr）は読み飛ばします。
type RedisStore struct {
	rdb  *redis.Client
	opts storeOptions
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, opts ...StoreOption) *RedisStore {
	return &RedisStore{rdb: rdb, opts: buildOptions(opts)}
}

// Close は接続を閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Create は PENDING のジョブを作成します。
func (s *RedisStore) Create(ctx context.Context, in NewJob) (*Job, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        in.Kind,
		Status:      StatusPending,
		Spec:        in.spec(),
		DocumentIDs: uniqueIDs(in.DocumentIDs),
		CreatedBy:   in.CreatedBy,
		MaxAttempts: in.maxAttempts(),
		CreatedAt:   s.opts.now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, jobKey(job.ID), payload, 0)
		p.ZAdd(ctx, pendingKey(job.Kind), redis.Z{Score: score(job.CreatedAt), Member: job.ID})
		for _, docID := range job.DocumentIDs {
			p.SAdd(ctx, documentKey(docID), job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get はジョブを返します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	return loadJob(ctx, s.rdb, id)
}

// ListByDocument は文書に関係するジョブを新しい順に返します。期限切れで消えたジョブは索引からも外します。
func (s *RedisStore) ListByDocument(ctx context.Context, documentID string, kind PipelineKind) ([]*Job, error) {
	ids, err := s.rdb.SMembers(ctx, documentKey(documentID)).Result()
	if err != nil {
		return nil, err
	}
	var list []*Job
	for _, id := range ids {
		job, err := loadJob(ctx, s.rdb, id)
		if errors.Is(err, ErrJobNotFound) {
			s.rdb.SRem(ctx, documentKey(documentID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if kind != "" && job.Kind != kind {
			continue
		}
		list = append(list, job)
	}
	sortNewestFirst(list)
	return list, nil
}

// ClaimNext は古い順の候補を WATCH し、PENDING のままなら PROCESSING に更新します。
func (s *RedisStore) ClaimNext(ctx context.Context, kind PipelineKind, limit int) (*Job, error) {
	if limit <= 0 {
		limit = DefaultClaimBatch
	}
	ids, err := s.rdb.ZRange(ctx, pendingKey(kind), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		var claimed *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			job, err := loadJob(ctx, tx, id)
			if errors.Is(err, ErrJobNotFound) {
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.ZRem(ctx, pendingKey(kind), id)
					return nil
				})
				if err != nil {
					return err
				}
				return errSkip
			}
			if err != nil {
				return err
			}
			if job.Status != StatusPending || job.Attempts >= job.MaxAttempts {
				return errSkip
			}
			job.Status = StatusProcessing
			job.Attempts++
			job.StartedAt = timePtr(s.opts.now().UTC())
			if err := s.write(ctx, tx, job, nil); err != nil {
				return err
			}
			claimed = job
			return nil
		}, jobKey(id))
		if errors.Is(err, redis.TxFailedErr) || errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		return claimed, nil
	}
	return nil, nil
}

// Complete は PROCESSING のジョブを COMPLETED にします。
func (s *RedisStore) Complete(ctx context.Context, id string, outcome Outcome) (*Job, error) {
	if len(outcome.Meta) > 0 && !json.Valid(outcome.Meta) {
		return nil, fmt.Errorf("meta is not valid JSON")
	}
	return s.update(ctx, id, func(job *Job) ([]string, error) {
		if job.Status != StatusProcessing {
			return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
		}
		job.Status = StatusCompleted
		job.CompletedAt = timePtr(s.opts.now().UTC())
		job.OutputRef = outcome.OutputRef
		job.Meta = outcome.Meta
		job.ErrorMessage = ""
		added := uniqueIDs(outcome.DocumentIDs)
		job.DocumentIDs = uniqueIDs(job.DocumentIDs, added)
		return added, nil
	})
}

// Fail は PROCESSING のジョブを PENDING（再試行）または FAILED にします。
func (s *RedisStore) Fail(ctx context.Context, id, message string, retry bool) (*Job, error) {
	return s.update(ctx, id, func(job *Job) ([]string, error) {
		if job.Status != StatusProcessing {
			return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
		}
		job.ErrorMessage = message
		if retry && job.Attempts < job.MaxAttempts {
			job.Status = StatusPending
			job.StartedAt = nil
			return nil, nil
		}
		job.Status = StatusFailed
		job.CompletedAt = timePtr(s.opts.now().UTC())
		return nil, nil
	})
}

// Cancel は PENDING または PROCESSING のジョブを CANCELLED にします。
func (s *RedisStore) Cancel(ctx context.Context, id string) (*Job, error) {
	return s.update(ctx, id, func(job *Job) ([]string, error) {
		if job.Status != StatusPending && job.Status != StatusProcessing {
			return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
		}
		job.Status = StatusCancelled
		job.CompletedAt = timePtr(s.opts.now().UTC())
		return nil, nil
	})
}

// RecoverStuck は開始時刻が閾値より前の PROCESSING ジョブを戻します。attempts は変更しません。
func (s *RedisStore) RecoverStuck(ctx context.Context, kind PipelineKind, olderThan time.Duration) (int, error) {
	threshold := s.opts.now().UTC().Add(-olderThan)
	ids, err := s.rdb.ZRangeByScore(ctx, processingKey(kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(threshold), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		_, err := s.update(ctx, id, func(job *Job) ([]string, error) {
			if job.Status != StatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(threshold) {
				return nil, errSkip
			}
			if job.Attempts < job.MaxAttempts {
				job.Status = StatusPending
				job.StartedAt = nil
				return nil, nil
			}
			job.Status = StatusFailed
			job.CompletedAt = timePtr(s.opts.now().UTC())
			job.ErrorMessage = stuckExhaustedMessage
			return nil, nil
		})
		if errors.Is(err, errSkip) || errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Purge は何もしません。終了済みジョブは保持期間の TTL で Redis が削除します。
func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

// update は WATCH で楽観ロックを取りながら mutate を適用します。競合時はやり直します。
func (s *RedisStore) update(ctx context.Context, id string, mutate func(*Job) ([]string, error)) (*Job, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		var updated *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			job, err := loadJob(ctx, tx, id)
			if err != nil {
				return err
			}
			added, err := mutate(job)
			if err != nil {
				return err
			}
			if err := s.write(ctx, tx, job, added); err != nil {
				return err
			}
			updated = job
			return nil
		}, jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent modifications", id)
}

// write はジョブ本体と一覧（待ち行列・処理中・文書索引）を1つの MULTI で更新します。
func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, job *Job, addedDocs []string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if job.Status.Terminal() {
		ttl = s.opts.retention
	}
	_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, jobKey(job.ID), payload, ttl)
		p.ZRem(ctx, pendingKey(job.Kind), job.ID)
		p.ZRem(ctx, processingKey(job.Kind), job.ID)
		switch job.Status {
		case StatusPending:
			p.ZAdd(ctx, pendingKey(job.Kind), redis.Z{Score: score(job.CreatedAt), Member: job.ID})
		case StatusProcessing:
			p.ZAdd(ctx, processingKey(job.Kind), redis.Z{Score: score(*job.StartedAt), Member: job.ID})
		}
		for _, docID := range addedDocs {
			p.SAdd(ctx, documentKey(docID), job.ID)
		}
		return nil
	})
	return err
}

// getter は *redis.Client と *redis.Tx に共通の読み取り操作です。
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadJob(ctx context.Context, c getter, id string) (*Job, error) {
	if id == "" {
		return nil, ErrJobNotFound
	}
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// score は sorted set のスコアです。マイクロ秒なら float64 で正確に表せます。
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func jobKey(id string) string                { return jobKeyPrefix + id }
func pendingKey(kind PipelineKind) string    { return pendingKeyPrefix + string(kind) }
func processingKey(kind PipelineKind) string { return processingKeyPrefix + string(kind) }
func documentKey(id string) string           { return documentKeyPrefix + id }
