package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeKick はスケジューラーを起こすだけの Asynq タスクです。ペイロードはパイプライン名です。
	TaskTypeKick = "pdfjob:kick"
	kickQueue    = "pdfjob"
)

// Notifier はジョブ投入をワーカー側へ知らせます。届かなくてもポーリングで拾われます。
type Notifier interface {
	Notify(ctx context.Context, kind PipelineKind) error
}

// Kicker はキックを受けて次の tick を前倒しします。Scheduler が実装します。
type Kicker interface {
	Kick()
}

// LocalNotifier は同一プロセス内のスケジューラーを直接起こします。
type LocalNotifier map[PipelineKind]Kicker

// Notify は対応するスケジューラーの Kick を呼びます。
func (n LocalNotifier) Notify(_ context.Context, kind PipelineKind) error {
	if k, ok := n[kind]; ok && k != nil {
		k.Kick()
	}
	return nil
}

// KickNotifier は Asynq 経由でキックを送ります。API とワーカーが別プロセスの場合に使います。
type KickNotifier struct {
	client *asynq.Client
}

// NewKickNotifier は Redis URL から KickNotifier を作成します。
func NewKickNotifier(redisURL string) (*KickNotifier, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &KickNotifier{client: asynq.NewClient(opt)}, nil
}

// Notify はキックタスクを投入します。1秒以内の重複は1件にまとめます。
func (n *KickNotifier) Notify(ctx context.Context, kind PipelineKind) error {
	task := asynq.NewTask(TaskTypeKick, []byte(kind), asynq.Queue(kickQueue))
	_, err := n.client.EnqueueContext(ctx, task, asynq.Unique(time.Second), asynq.MaxRetry(0))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// Close はクライアントを閉じます。
func (n *KickNotifier) Close() error {
	return n.client.Close()
}

// KickHandler はキックタスクを受けて該当パイプラインのスケジューラーを起こします。
func KickHandler(kickers map[PipelineKind]Kicker) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		kind := PipelineKind(task.Payload())
		k, ok := kickers[kind]
		if !ok || k == nil {
			// このプロセスでは動いていないパイプライン
			return nil
		}
		k.Kick()
		return nil
	}
}

// KickServer はキックタスクを受信する Asynq サーバーです。
type KickServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewKickServer は KickServer を作成します。
func NewKickServer(redisURL string, kickers map[PipelineKind]Kicker, logger *slog.Logger) (*KickServer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			kickQueue: 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeKick, KickHandler(kickers))
	return &KickServer{server: server, mux: mux, logger: logger}, nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (k *KickServer) Start() {
	go func() {
		if err := k.server.Run(k.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			k.logger.Error("kick server stopped with error", "error", err)
		}
	}()
}

// Shutdown はサーバーを停止します。
func (k *KickServer) Shutdown() {
	k.server.Shutdown()
}
