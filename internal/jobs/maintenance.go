package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance は放置ジョブの回収と終了済みジョブの削除を定期的に行います。
type Maintenance struct {
	store      Store
	kinds      []PipelineKind
	stuckAfter time.Duration
	retention  time.Duration
	now        func() time.Time
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewMaintenance は Maintenance を作成します。retention が 0 以下なら削除は行いません。
func NewMaintenance(store Store, kinds []PipelineKind, stuckAfter, retention time.Duration, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		store:      store,
		kinds:      kinds,
		stuckAfter: stuckAfter,
		retention:  retention,
		now:        time.Now,
		logger:     logger,
	}
}

// Sweep は1回分のメンテナンスを実行します。
func (m *Maintenance) Sweep(ctx context.Context) error {
	for _, kind := range m.kinds {
		n, err := m.store.RecoverStuck(ctx, kind, m.stuckAfter)
		if err != nil {
			return fmt.Errorf("recover stuck %s jobs: %w", kind, err)
		}
		if n > 0 {
			m.logger.Info("recovered stuck jobs", "pipeline", string(kind), "count", n)
		}
	}
	if m.retention <= 0 {
		return nil
	}
	n, err := m.store.Purge(ctx, m.now().Add(-m.retention))
	if err != nil {
		return fmt.Errorf("purge jobs: %w", err)
	}
	if n > 0 {
		m.logger.Info("purged finished jobs", "count", n)
	}
	return nil
}

// Start は spec（cron 式または "@every 5m"）に従って Sweep を登録し、開始します。
func (m *Maintenance) Start(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.Sweep(ctx); err != nil {
			m.logger.Error("job maintenance failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	m.cron = c
	c.Start()
	return nil
}

// Stop は実行中の Sweep の終了を待って停止します。
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}
