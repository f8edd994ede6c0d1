package pdf

import (
	"errors"
	"fmt"
)

// エラーコード
const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeUnsupportedPDF = "UNSUPPORTED_PDF"
	CodeRenderFailed   = "RENDER_FAILED"
	CodeLimitExceeded  = "LIMIT_EXCEEDED"
)

// Error は利用者に返せるメッセージとコードを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable は再試行で回復しうるかを返します。入力起因のエラーは再試行しても結果が変わりません。
func (e *Error) Retryable() bool {
	return e.Code == CodeRenderFailed
}

// NewError は Error を作成します。
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func newError(code, message string, cause error) error {
	return NewError(code, message, cause)
}

func invalid(format string, args ...any) error {
	return NewError(CodeInvalidInput, fmt.Sprintf(format, args...), nil)
}

// IsValidation は入力検証エラーかどうかを返します。
func IsValidation(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeInvalidInput
}
