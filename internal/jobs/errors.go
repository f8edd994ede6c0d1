package jobs

import (
	"errors"
	"fmt"

	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/storage"
)

var (
	// ErrJobNotFound はジョブが存在しないことを表します。
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition は現在の状態から要求された遷移ができないことを表します。
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrCancelled は処理中にジョブが取り消されたことを表します。
	ErrCancelled = errors.New("job cancelled")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent は再試行しても成功しないエラーであることを示します。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent は再試行せずに FAILED にすべきエラーかどうかを返します。
// 入力不正・未対応のPDF・文書の削除・権限の剥奪は永続的、それ以外は一時的とみなします。
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrForbidden) {
		return true
	}
	var perr *pdf.Error
	if errors.As(err, &perr) {
		return !perr.Retryable()
	}
	return false
}

// Describe はジョブの errorMessage に記録する文言を返します。
func Describe(err error) string {
	var perr *pdf.Error
	if errors.As(err, &perr) {
		return fmt.Sprintf("%s: %s", perr.Code, perr.Message)
	}
	return err.Error()
}
