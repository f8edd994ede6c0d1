package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Store はジョブを永続化し、状態遷移を原子的に行います。
type Store interface {
	// Create は PENDING のジョブを作成します。
	Create(ctx context.Context, in NewJob) (*Job, error)
	// Get はジョブを返します。存在しなければ ErrJobNotFound です。
	Get(ctx context.Context, id string) (*Job, error)
	// ListByDocument は文書に関係するジョブを新しい順に返します。kind が空なら全パイプラインが対象です。
	ListByDocument(ctx context.Context, documentID string, kind PipelineKind) ([]*Job, error)
	// ClaimNext は古い順に最大 limit 件の候補を走査し、PENDING→PROCESSING の条件付き更新に
	// 最初に成功したジョブを返します。候補がなければ nil を返します。
	ClaimNext(ctx context.Context, kind PipelineKind, limit int) (*Job, error)
	// Complete は PROCESSING のジョブを COMPLETED にします。
	Complete(ctx context.Context, id string, outcome Outcome) (*Job, error)
	// Fail は PROCESSING のジョブを、retry かつ試行回数が残っていれば PENDING に、そうでなければ FAILED にします。
	Fail(ctx context.Context, id, message string, retry bool) (*Job, error)
	// Cancel は PENDING または PROCESSING のジョブを CANCELLED にします。
	Cancel(ctx context.Context, id string) (*Job, error)
	// RecoverStuck は startedAt が olderThan より前の PROCESSING ジョブを PENDING に戻します。
	// attempts は増やしません。試行回数を使い切ったジョブは FAILED にします。
	RecoverStuck(ctx context.Context, kind PipelineKind, olderThan time.Duration) (int, error)
	// Purge は before より前に終了したジョブを削除します。
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// stuckExhaustedMessage は試行回数を使い切った放置ジョブを FAILED にするときの errorMessage です。
const stuckExhaustedMessage = "worker did not finish and no attempts remain"

type storeOptions struct {
	now       func() time.Time
	retention time.Duration
}

// StoreOption は Store の設定です。
type StoreOption func(*storeOptions)

// WithClock は現在時刻の取得元を差し替えます。
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRetention は終了済みジョブの保持期間を設定します。
func WithRetention(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.retention = d
	}
}

func buildOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (in NewJob) validate() error {
	if !in.Kind.Valid() {
		return fmt.Errorf("unknown pipeline kind %q", in.Kind)
	}
	if in.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must not be negative")
	}
	if len(in.Spec) > 0 && !json.Valid(in.Spec) {
		return fmt.Errorf("spec is not valid JSON")
	}
	return nil
}

func (in NewJob) maxAttempts() int {
	if in.MaxAttempts == 0 {
		return DefaultMaxAttempts
	}
	return in.MaxAttempts
}

func (in NewJob) spec() json.RawMessage {
	if len(in.Spec) == 0 {
		return json.RawMessage("{}")
	}
	return in.Spec
}

func uniqueIDs(ids ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range ids {
		for _, id := range group {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// sortNewestFirst は作成日時の新しい順に並べます。同時刻は ID 順です。
func sortNewestFirst(list []*Job) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}
