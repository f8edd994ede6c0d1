package jobs

import (
	"context"
	"errors"
	"log/slog"
)

// Manager はジョブの投入と参照の窓口です。
// 投入はストアへの保存で確定し、通知はスケジューラーを早く起こすためだけに送ります。
type Manager struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewManager は Manager を初期化します。notifier は nil でも構いません。
func NewManager(store Store, notifier Notifier, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, notifier: notifier, logger: logger}, nil
}

// Submit はジョブを PENDING で保存し、対応するパイプラインに通知します。
func (m *Manager) Submit(ctx context.Context, in NewJob) (*Job, error) {
	job, err := m.store.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job submitted", "job_id", job.ID, "pipeline", string(job.Kind), "documents", len(job.DocumentIDs))
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, job.Kind); err != nil {
			m.logger.Warn("failed to notify scheduler", "job_id", job.ID, "error", err)
		}
	}
	return job, nil
}

// Get はジョブを返します。
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// ListByDocument は文書に関係するジョブを新しい順に返します。
func (m *Manager) ListByDocument(ctx context.Context, documentID string, kind PipelineKind) ([]*Job, error) {
	return m.store.ListByDocument(ctx, documentID, kind)
}

// Cancel はジョブを取り消します。処理中のジョブは次のチェックポイントで止まります。
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := m.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job cancelled", "job_id", job.ID, "pipeline", string(job.Kind))
	return job, nil
}
