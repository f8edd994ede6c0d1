package jobs

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const jobColumns = `id, kind, status, spec, created_by, attempts, max_attempts,
	created_at, started_at, completed_at, error_message, output_ref, meta`

// SQLiteStore は SQLite にジョブを保存します。claim は status を条件にした UPDATE で行います。
type SQLiteStore struct {
	db   *sql.DB
	opts storeOptions
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore は SQLite ファイルを開き、マイグレーションを適用します。
func NewSQLiteStore(dbPath string, opts ...StoreOption) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, opts: buildOptions(opts)}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close はデータベースを閉じます。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion はファイル名先頭の数字を返します（"001_init.sql" → 1）。
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// Create は PENDING のジョブを作成します。
func (s *SQLiteStore) Create(ctx context.Context, in NewJob) (*Job, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs (id, kind, status, spec, created_by, attempts, max_attempts, created_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, job.Kind, job.Status, string(job.Spec), job.CreatedBy, job.MaxAttempts, job.CreatedAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if err := insertDocuments(ctx, tx, job.ID, job.DocumentIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// Get はジョブを返します。
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.DocumentIDs, err = s.documentIDs(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

// ListByDocument は文書に関係するジョブを新しい順に返します。
func (s *SQLiteStore) ListByDocument(ctx context.Context, documentID string, kind PipelineKind) ([]*Job, error) {
	query := `SELECT ` + prefixed("j.", jobColumns) + `
FROM jobs j JOIN job_documents d ON d.job_id = j.id
WHERE d.document_id = ?`
	args := []any{documentID}
	if kind != "" {
		query += ` AND j.kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY j.created_at DESC, j.rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var list []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// 接続は1本なので、一覧を閉じてから文書IDを読む
	for _, job := range list {
		if job.DocumentIDs, err = s.documentIDs(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// ClaimNext は古い順の候補に条件付き UPDATE を試み、最初に成功したジョブを返します。
// 競合で更新できなかった候補は同じ呼び出しの中では再試行しません。
func (s *SQLiteStore) ClaimNext(ctx context.Context, kind PipelineKind, limit int) (*Job, error) {
	if limit <= 0 {
		limit = DefaultClaimBatch
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM jobs
WHERE kind = ? AND status = 'PENDING' AND attempts < max_attempts
ORDER BY created_at ASC, rowid ASC
LIMIT ?`, kind, limit)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'PROCESSING', attempts = attempts + 1, started_at = ?
WHERE id = ? AND status = 'PENDING' AND attempts < max_attempts`,
			s.opts.now().UTC().UnixNano(), id)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		return s.Get(ctx, id)
	}
	return nil, nil
}

// Complete は PROCESSING のジョブを COMPLETED にします。
func (s *SQLiteStore) Complete(ctx context.Context, id string, outcome Outcome) (*Job, error) {
	if len(outcome.Meta) > 0 && !json.Valid(outcome.Meta) {
		return nil, fmt.Errorf("meta is not valid JSON")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = 'COMPLETED', completed_at = ?, output_ref = ?, meta = ?, error_message = ''
WHERE id = ? AND status = 'PROCESSING'`,
		s.opts.now().UTC().UnixNano(), outcome.OutputRef, nullableJSON(outcome.Meta), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, s.transitionError(ctx, tx, id)
	}
	if err := insertDocuments(ctx, tx, id, uniqueIDs(outcome.DocumentIDs)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Fail は PROCESSING のジョブを PENDING（再試行）または FAILED にします。
func (s *SQLiteStore) Fail(ctx context.Context, id, message string, retry bool) (*Job, error) {
	retryFlag := 0
	if retry {
		retryFlag = 1
	}
	now := s.opts.now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = CASE WHEN ?1 = 1 AND attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
    started_at = CASE WHEN ?1 = 1 AND attempts < max_attempts THEN NULL ELSE started_at END,
    completed_at = CASE WHEN ?1 = 1 AND attempts < max_attempts THEN NULL ELSE ?2 END,
    error_message = ?3
WHERE id = ?4 AND status = 'PROCESSING'`, retryFlag, now, message, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, s.transitionError(ctx, s.db, id)
	}
	return s.Get(ctx, id)
}

// Cancel は PENDING または PROCESSING のジョブを CANCELLED にします。
func (s *SQLiteStore) Cancel(ctx context.Context, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'CANCELLED', completed_at = ?
WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		s.opts.now().UTC().UnixNano(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, s.transitionError(ctx, s.db, id)
	}
	return s.Get(ctx, id)
}

// RecoverStuck は放置された PROCESSING ジョブを戻します。attempts は変更しません。
func (s *SQLiteStore) RecoverStuck(ctx context.Context, kind PipelineKind, olderThan time.Duration) (int, error) {
	now := s.opts.now().UTC()
	threshold := now.Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = CASE WHEN attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
    started_at = CASE WHEN attempts < max_attempts THEN NULL ELSE started_at END,
    completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE ?1 END,
    error_message = CASE WHEN attempts < max_attempts THEN error_message ELSE ?2 END
WHERE kind = ?3 AND status = 'PROCESSING' AND started_at IS NOT NULL AND started_at < ?4`,
		now.UnixNano(), stuckExhaustedMessage, kind, threshold)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Purge は before より前に終了したジョブと索引を削除します。
func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const expired = `SELECT id FROM jobs
WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND completed_at IS NOT NULL AND completed_at < ?`
	cutoff := before.UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_documents WHERE job_id IN (`+expired+`)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+expired+`)`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transitionError は条件付き更新が0件だった理由を返します。
func (s *SQLiteStore) transitionError(ctx context.Context, q queryer, id string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, status)
}

func (s *SQLiteStore) documentIDs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id FROM job_documents WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertDocuments(ctx context.Context, tx *sql.Tx, jobID string, documentIDs []string) error {
	for _, docID := range documentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_documents (job_id, document_id) VALUES (?, ?)`, jobID, docID); err != nil {
			return fmt.Errorf("index job document: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                    Job
		spec                   string
		meta                   sql.NullString
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.Kind, &job.Status, &spec, &job.CreatedBy, &job.Attempts, &job.MaxAttempts,
		&createdAt, &startedAt, &completedAt, &job.ErrorMessage, &job.OutputRef, &meta); err != nil {
		return nil, err
	}
	job.Spec = json.RawMessage(spec)
	if meta.Valid && meta.String != "" {
		job.Meta = json.RawMessage(meta.String)
	}
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	if startedAt.Valid {
		job.StartedAt = timePtr(time.Unix(0, startedAt.Int64).UTC())
	}
	if completedAt.Valid {
		job.CompletedAt = timePtr(time.Unix(0, completedAt.Int64).UTC())
	}
	return &job, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
