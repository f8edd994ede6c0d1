package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/docvault/internal/config"
)

// Checkpoint は重い処理の前に呼び、ジョブが取り消されていれば ErrCancelled を返します。
type Checkpoint func(ctx context.Context) error

// Processor は claim したジョブを処理します。返した Outcome は COMPLETED として記録されます。
type Processor interface {
	Process(ctx context.Context, job *Job, checkpoint Checkpoint) (*Outcome, error)
}

// ProcessorFunc は関数を Processor として使うためのアダプターです。
type ProcessorFunc func(ctx context.Context, job *Job, checkpoint Checkpoint) (*Outcome, error)

// Process は f を呼びます。
func (f ProcessorFunc) Process(ctx context.Context, job *Job, checkpoint Checkpoint) (*Outcome, error) {
	return f(ctx, job, checkpoint)
}

// Ticker はポーリング間隔を刻みます。テストでは手動で進める実装に差し替えます。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory は Ticker を作ります。
type TickerFactory func(d time.Duration) Ticker

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// NewStdTicker は time.Ticker を使う TickerFactory です。
func NewStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

// SchedulerConfig は1パイプライン分の設定です。
type SchedulerConfig struct {
	Kind          PipelineKind
	MaxConcurrent int
	PollInterval  time.Duration
	StuckAfter    time.Duration
	ClaimBatch    int
}

// Result は1件のジョブ実行の結果です。
type Result struct {
	Job       *Job
	Err       error
	Discarded bool
}

// Scheduler は1パイプラインのジョブをポーリングして処理します。
// tick は重ならず、claim したジョブはそれぞれ独立した goroutine で実行されます。
type Scheduler struct {
	store     Store
	processor Processor
	cfg       SchedulerConfig
	logger    *slog.Logger
	newTicker TickerFactory
	onDone    func(Result)

	active     atomic.Int32
	processing atomic.Bool
	wg         sync.WaitGroup
	kick       chan struct{}

	mu      sync.Mutex
	stop    context.CancelFunc
	loopEnd chan struct{}
	stopped bool
	// runCtx はジョブ処理用で、Stop の待ち時間を過ぎたときだけ取り消されます。
	runCtx    context.Context
	runCancel context.CancelFunc
}

// SchedulerOption は Scheduler の設定です。
type SchedulerOption func(*Scheduler)

// WithTicker は TickerFactory を差し替えます。
func WithTicker(f TickerFactory) SchedulerOption {
	return func(s *Scheduler) {
		if f != nil {
			s.newTicker = f
		}
	}
}

// WithCompletion はジョブ終了ごとに呼ばれるコールバックを設定します。
func WithCompletion(fn func(Result)) SchedulerOption {
	return func(s *Scheduler) {
		s.onDone = fn
	}
}

// NewScheduler は Scheduler を作成します。MaxConcurrent は 1〜5 に収めます。
func NewScheduler(store Store, processor Processor, cfg SchedulerConfig, logger *slog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if processor == nil {
		return nil, errors.New("processor is nil")
	}
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unknown pipeline kind %q", cfg.Kind)
	}
	cfg.MaxConcurrent = config.ClampConcurrency(cfg.MaxConcurrent)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 15 * time.Minute
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = DefaultClaimBatch
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		store:     store,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With("pipeline", string(cfg.Kind)),
		newTicker: NewStdTicker,
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s, nil
}

// Kind はパイプラインの種類を返します。
func (s *Scheduler) Kind() PipelineKind { return s.cfg.Kind }

// Active は実行中のジョブ数を返します。
func (s *Scheduler) Active() int { return int(s.active.Load()) }

// Running はポーリングループが動いているかを返します。
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Kick は次の tick を待たずにポーリングを促します。
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start は放置ジョブを一度回収してからポーリングを開始します。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("scheduler already started")
	}
	if s.stopped {
		return errors.New("scheduler stopped")
	}

	n, err := s.store.RecoverStuck(ctx, s.cfg.Kind, s.cfg.StuckAfter)
	if err != nil {
		return fmt.Errorf("recover stuck jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered stuck jobs", "count", n)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.loopEnd = make(chan struct{})
	ticker := s.newTicker(s.cfg.PollInterval)
	go s.loop(loopCtx, ticker)

	s.logger.Info("scheduler started",
		"max_concurrent", s.cfg.MaxConcurrent, "poll_interval", s.cfg.PollInterval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker Ticker) {
	defer close(s.loopEnd)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Tick(ctx)
		case <-s.kick:
			s.Tick(ctx)
		}
	}
}

// Stop はポーリングを止め、実行中のジョブの終了を ctx の期限まで待ちます。
// 期限を過ぎた場合はジョブの context を取り消します。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, loopEnd := s.stop, s.loopEnd
	s.stop, s.loopEnd, s.stopped = nil, nil, true
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-loopEnd
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.runCancel()
		return nil
	case <-ctx.Done():
		s.runCancel()
		return fmt.Errorf("scheduler %s: %w", s.cfg.Kind, ctx.Err())
	}
}

// Tick は空き枠がある限りジョブを claim し、それぞれを goroutine で処理します。
// 前回の tick が終わっていなければ何もしません。claim した件数を返します。
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.processing.CompareAndSwap(false, true) {
		return 0
	}
	defer s.processing.Store(false)

	claimed := 0
	for int(s.active.Load()) < s.cfg.MaxConcurrent {
		if ctx.Err() != nil {
			break
		}
		job, err := s.store.ClaimNext(ctx, s.cfg.Kind, s.cfg.ClaimBatch)
		if err != nil {
			s.logger.Error("claim failed", "error", err)
			break
		}
		if job == nil {
			break
		}
		claimed++
		s.active.Add(1)
		s.wg.Add(1)
		go s.run(job)
	}
	return claimed
}

func (s *Scheduler) run(job *Job) {
	defer s.wg.Done()
	logger := s.logger.With("job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	ctx := s.runCtx
	start := time.Now()

	outcome, err := s.execute(ctx, job)
	result := Result{Job: job, Err: err}
	// 停止で処理が中断されても結果は記録する
	ctx = context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, ErrCancelled) || errors.Is(err, ErrInvalidTransition):
		result.Discarded = true
		logger.Info("job stopped without status update", "reason", err.Error())
	case err != nil:
		retry := !IsPermanent(err)
		updated, ferr := s.store.Fail(ctx, job.ID, Describe(err), retry)
		switch {
		case errors.Is(ferr, ErrInvalidTransition):
			result.Discarded = true
			logger.Info("failure discarded, job no longer processing", "error", err)
		case ferr != nil:
			logger.Error("failed to record job failure", "error", ferr, "cause", err)
		default:
			result.Job = updated
			logger.Warn("job failed", "error", err, "retry", retry, "status", string(updated.Status),
				"duration", time.Since(start).String())
		}
	default:
		if outcome == nil {
			outcome = &Outcome{}
		}
		updated, cerr := s.store.Complete(ctx, job.ID, *outcome)
		switch {
		case errors.Is(cerr, ErrInvalidTransition):
			result.Discarded = true
			logger.Info("result discarded, job no longer processing")
		case cerr != nil:
			result.Err = cerr
			logger.Error("failed to record job completion", "error", cerr)
		default:
			result.Job = updated
			logger.Info("job completed", "output", updated.OutputRef, "duration", time.Since(start).String())
		}
	}

	// 完了通知より先に枠を空ける
	s.active.Add(-1)
	if s.onDone != nil {
		s.onDone(result)
	}
}

// execute は開始前に取り消しを確認してから processor を呼びます。panic は永続的な失敗として扱います。
func (s *Scheduler) execute(ctx context.Context, job *Job) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("processor panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			outcome = nil
			err = Permanent(fmt.Errorf("processor panic: %v", r))
		}
	}()
	checkpoint := s.checkpoint(job.ID)
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	return s.processor.Process(ctx, job, checkpoint)
}

func (s *Scheduler) checkpoint(id string) Checkpoint {
	return func(ctx context.Context) error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		switch current.Status {
		case StatusProcessing:
			return nil
		case StatusCancelled:
			return ErrCancelled
		default:
			return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, current.Status)
		}
	}
}
