package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/docvault/internal/assemble"
	"github.com/yourusername/docvault/internal/auth"
	"github.com/yourusername/docvault/internal/config"
	"github.com/yourusername/docvault/internal/convert"
	"github.com/yourusername/docvault/internal/jobs"
	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/pipeline"
	"github.com/yourusername/docvault/internal/storage"
)

// maxSpecBytes はジョブ投入時に受け付ける spec の最大サイズです。
const maxSpecBytes = 1 << 20

const abortStartTimeout = 10 * time.Second

// pipelineRoutes は URL のパス名とパイプラインの対応です。
var pipelineRoutes = map[string]jobs.PipelineKind{
	"audit-packages": jobs.KindAuditPackage,
	"conversions":    jobs.KindConversion,
	"finalize":       jobs.KindFinalize,
}

// jobRuntime はジョブストア、スケジューラー、キック通知、定期メンテナンスをまとめて起動・停止します。
type jobRuntime struct {
	store       jobs.Store
	service     *pipeline.Service
	schedulers  []*jobs.Scheduler
	notifier    *jobs.KickNotifier
	kickServer  *jobs.KickServer
	maintenance *jobs.Maintenance
	cfg         *config.Config
	logger      *slog.Logger
}

// openJobStore は JOB_STORE_DRIVER に応じたジョブストアを開きます。
func openJobStore(cfg *config.Config) (jobs.Store, error) {
	retention := time.Duration(cfg.JobRetentionHours) * time.Hour
	switch cfg.JobStoreDriver {
	case "redis":
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return jobs.NewRedisStore(redis.NewClient(opt), jobs.WithRetention(retention)), nil
	case "sqlite":
		return jobs.NewSQLiteStore(cfg.JobSQLitePath, jobs.WithRetention(retention))
	}
	return nil, fmt.Errorf("unknown job store driver %q", cfg.JobStoreDriver)
}

// setupJobs はパイプラインごとの処理とスケジューラーを組み立てます。
func setupJobs(cfg *config.Config, docs *storage.LocalStore, m *pdf.Manipulator, logger *slog.Logger) (*jobRuntime, error) {
	store, err := openJobStore(cfg)
	if err != nil {
		return nil, err
	}
	rt := &jobRuntime{store: store, cfg: cfg, logger: logger}

	finalize := pipeline.NewFinalizeProcessor(docs, docs, m, logger)
	finalize.SetDefaultDensity(cfg.RasterDensity)
	assembler := assemble.New(docs, docs, m,
		assemble.WithMaxIterations(cfg.TocMaxIterations),
		assemble.WithLogger(logger),
	)
	processors := map[jobs.PipelineKind]struct {
		processor jobs.Processor
		cfg       config.PipelineConfig
	}{
		jobs.KindAuditPackage: {pipeline.NewAuditPackageProcessor(assembler, logger), cfg.AuditPackage},
		jobs.KindConversion:   {pipeline.NewConversionProcessor(docs, docs, convert.New(m, time.Now), logger), cfg.Conversion},
		jobs.KindFinalize:     {finalize, cfg.Finalize},
	}

	kickers := make(map[jobs.PipelineKind]jobs.Kicker)
	var kinds []jobs.PipelineKind
	for _, kind := range jobs.PipelineKinds {
		p := processors[kind]
		if !p.cfg.Enabled {
			logger.Info("pipeline worker disabled", "pipeline", string(kind))
			continue
		}
		scheduler, err := jobs.NewScheduler(store, p.processor, jobs.SchedulerConfig{
			Kind:          kind,
			MaxConcurrent: p.cfg.Concurrency,
			PollInterval:  p.cfg.PollInterval,
			StuckAfter:    cfg.StuckThreshold(),
			ClaimBatch:    cfg.JobClaimBatch,
		}, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.schedulers = append(rt.schedulers, scheduler)
		kickers[kind] = scheduler
		kinds = append(kinds, kind)
	}

	var notifier jobs.Notifier = jobs.LocalNotifier(kickers)
	if cfg.JobKickEnabled {
		kn, err := jobs.NewKickNotifier(cfg.QueueRedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.notifier = kn
		notifier = kn
		if len(kickers) > 0 {
			ks, err := jobs.NewKickServer(cfg.QueueRedisURL, kickers, logger)
			if err != nil {
				rt.Close()
				return nil, err
			}
			rt.kickServer = ks
		}
	}

	manager, err := jobs.NewManager(store, notifier, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.service = pipeline.NewService(manager, docs, docs, m, cfg.JobMaxAttempts, logger)
	rt.maintenance = jobs.NewMaintenance(store, kinds, cfg.StuckThreshold(), time.Duration(cfg.JobRetentionHours)*time.Hour, logger)
	return rt, nil
}

// Start はスケジューラーとキック受信、定期メンテナンスを開始します。
func (rt *jobRuntime) Start(ctx context.Context) error {
	for i, s := range rt.schedulers {
		if err := s.Start(ctx); err != nil {
			rt.abortStart(rt.schedulers[:i])
			return fmt.Errorf("start %s scheduler: %w", s.Kind(), err)
		}
	}
	if rt.kickServer != nil {
		rt.kickServer.Start()
	}
	if len(rt.schedulers) > 0 && rt.cfg.JobMaintenanceSpec != "" {
		if err := rt.maintenance.Start(rt.cfg.JobMaintenanceSpec); err != nil {
			if rt.kickServer != nil {
				rt.kickServer.Shutdown()
			}
			rt.abortStart(rt.schedulers)
			return err
		}
	}
	return nil
}

// abortStart は起動に失敗したとき、起動済みのスケジューラーをストアを閉じる前に止めます。
func (rt *jobRuntime) abortStart(started []*jobs.Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), abortStartTimeout)
	defer cancel()
	if err := stopSchedulers(ctx, started); err != nil {
		rt.logger.Warn("stop schedulers after failed start", "error", err)
	}
}

// Stop は新しいジョブの取得を止め、実行中のジョブの終了を ctx の期限まで待ちます。
func (rt *jobRuntime) Stop(ctx context.Context) error {
	if rt.kickServer != nil {
		rt.kickServer.Shutdown()
	}
	rt.maintenance.Stop()

	err := stopSchedulers(ctx, rt.schedulers)
	rt.Close()
	return err
}

func stopSchedulers(ctx context.Context, schedulers []*jobs.Scheduler) error {
	var errs []error
	for _, s := range schedulers {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s scheduler: %w", s.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

// Close は外部接続を閉じます。
func (rt *jobRuntime) Close() {
	if rt.notifier != nil {
		if err := rt.notifier.Close(); err != nil {
			rt.logger.Warn("close kick notifier", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("close job store", "error", err)
	}
}

// pipelineHandler は1パイプライン分のジョブAPIです。
type pipelineHandler struct {
	service *pipeline.Service
	kind    jobs.PipelineKind
}

// start は POST /api/<pipeline>/start のハンドラーです。リクエスト本文が spec です。
func (p pipelineHandler) start(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSpecBytes)
	raw, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(c, pdf.NewError(pdf.CodeLimitExceeded, "spec が大きすぎます。", err))
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエスト本文を読み込めませんでした。",
		})
		return
	}

	job, err := p.service.Submit(c.Request.Context(), p.kind, raw, auth.CurrentUser(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// get は GET /api/<pipeline>/jobs/:id のハンドラーです。
func (p pipelineHandler) get(c *gin.Context) {
	jobID, ok := requireParam(c, "id", "jobId を指定してください。")
	if !ok {
		return
	}
	job, err := p.service.Get(c.Request.Context(), p.kind, jobID, auth.CurrentUser(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancel は DELETE /api/<pipeline>/jobs/:id のハンドラーです。
func (p pipelineHandler) cancel(c *gin.Context) {
	jobID, ok := requireParam(c, "id", "jobId を指定してください。")
	if !ok {
		return
	}
	job, err := p.service.Cancel(c.Request.Context(), p.kind, jobID, auth.CurrentUser(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// listByDocument は GET /api/<pipeline>/documents/:id/jobs のハンドラーです。
func (p pipelineHandler) listByDocument(c *gin.Context) {
	documentID, ok := requireParam(c, "id", "documentId を指定してください。")
	if !ok {
		return
	}
	list, err := p.service.ListByDocument(c.Request.Context(), p.kind, documentID, auth.CurrentUser(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

func requireParam(c *gin.Context, name, message string) (string, bool) {
	v := strings.TrimSpace(c.Param(name))
	if v == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": message,
		})
		return "", false
	}
	return v, true
}
