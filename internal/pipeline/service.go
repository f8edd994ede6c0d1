package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourusername/docvault/internal/jobs"
	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/storage"
)

// Service はジョブの投入と参照を利用者単位で行います。
// spec の検証と権限確認は投入時に同期的に行い、失敗した場合ジョブは作られません。
type Service struct {
	manager     *jobs.Manager
	docs        storage.DocumentStore
	perms       storage.Permissions
	pdf         *pdf.Manipulator
	maxAttempts int
	logger      *slog.Logger
}

// NewService は Service を作成します。maxAttempts が 0 以下なら既定値を使います。
func NewService(manager *jobs.Manager, docs storage.DocumentStore, perms storage.Permissions, m *pdf.Manipulator, maxAttempts int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		manager:     manager,
		docs:        docs,
		perms:       perms,
		pdf:         m,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Submit は spec を検証し、参照文書の権限を確認してからジョブを作成します。
func (s *Service) Submit(ctx context.Context, kind jobs.PipelineKind, raw json.RawMessage, userID string) (*jobs.Job, error) {
	if !kind.Valid() {
		return nil, invalid("不明なパイプラインです: %q", kind)
	}
	docIDs, normalized, err := s.prepare(ctx, kind, raw, userID)
	if err != nil {
		return nil, err
	}
	return s.manager.Submit(ctx, jobs.NewJob{
		Kind:        kind,
		Spec:        normalized,
		DocumentIDs: docIDs,
		CreatedBy:   userID,
		MaxAttempts: s.maxAttempts,
	})
}

// prepare はパイプラインごとの検証を行い、索引に使う文書IDと正規化した spec を返します。
func (s *Service) prepare(ctx context.Context, kind jobs.PipelineKind, raw json.RawMessage, userID string) ([]string, json.RawMessage, error) {
	switch kind {
	case jobs.KindAuditPackage:
		spec, err := decodeAuditSpec(raw)
		if err != nil {
			return nil, nil, err
		}
		ids := spec.DocumentIDs()
		for _, id := range ids {
			if err := s.perms.AssertPermission(ctx, id, userID, storage.PermissionView); err != nil {
				return nil, nil, fmt.Errorf("document %s: %w", id, err)
			}
		}
		normalized, err := json.Marshal(spec)
		return ids, normalized, err

	case jobs.KindConversion:
		spec, err := decodeConversionSpec(raw)
		if err != nil {
			return nil, nil, err
		}
		if err := s.perms.AssertPermission(ctx, spec.DocumentID, userID, storage.PermissionView); err != nil {
			return nil, nil, fmt.Errorf("document %s: %w", spec.DocumentID, err)
		}
		normalized, err := json.Marshal(spec)
		return []string{spec.DocumentID}, normalized, err

	case jobs.KindFinalize:
		spec, err := decodeFinalizeSpec(raw)
		if err != nil {
			return nil, nil, err
		}
		if err := s.perms.AssertPermission(ctx, spec.DocumentID, userID, storage.PermissionEdit); err != nil {
			return nil, nil, fmt.Errorf("document %s: %w", spec.DocumentID, err)
		}
		if err := s.checkPages(ctx, spec); err != nil {
			return nil, nil, err
		}
		normalized, err := json.Marshal(spec)
		return []string{spec.DocumentID}, normalized, err
	}
	return nil, nil, invalid("不明なパイプラインです: %q", kind)
}

// checkPages は指定されたページ番号が文書のページ数に収まっているかを確認します。
func (s *Service) checkPages(ctx context.Context, spec FinalizeSpec) error {
	want := spec.maxPage()
	if want == 0 || s.docs == nil || s.pdf == nil {
		return nil
	}
	obj, err := s.docs.Read(ctx, spec.DocumentID)
	if err != nil {
		return fmt.Errorf("document %s: %w", spec.DocumentID, err)
	}
	n, err := s.pdf.PageCount(obj.Data)
	if err != nil {
		return err
	}
	if want > n {
		return invalid("ページ %d は存在しません（1〜%d）。", want, n)
	}
	return nil
}

// Get は利用者が作成したジョブを返します。他人のジョブは存在しないものとして扱います。
func (s *Service) Get(ctx context.Context, kind jobs.PipelineKind, id, userID string) (*jobs.Job, error) {
	job, err := s.manager.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Kind != kind || job.CreatedBy != userID {
		return nil, jobs.ErrJobNotFound
	}
	return job, nil
}

// ListByDocument は文書に関係するジョブを新しい順に返します。文書の閲覧権限が必要です。
func (s *Service) ListByDocument(ctx context.Context, kind jobs.PipelineKind, documentID, userID string) ([]*jobs.Job, error) {
	if err := s.perms.AssertPermission(ctx, documentID, userID, storage.PermissionView); err != nil {
		return nil, err
	}
	list, err := s.manager.ListByDocument(ctx, documentID, kind)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	return list, nil
}

// Cancel は利用者が作成したジョブを取り消します。
func (s *Service) Cancel(ctx context.Context, kind jobs.PipelineKind, id, userID string) (*jobs.Job, error) {
	if _, err := s.Get(ctx, kind, id, userID); err != nil {
		return nil, err
	}
	job, err := s.manager.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			s.logger.Info("cancel rejected", "job_id", id, "error", err)
		}
		return nil, err
	}
	return job, nil
}
