package pdf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// workspace は一時ディレクトリと後始末のリストです。Close で必ずまとめて削除します。
type workspace struct {
	dir      string
	cleanups []func() error
}

func newWorkspace(base, prefix string) (*workspace, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

func (w *workspace) writeFile(name string, data []byte) (string, error) {
	p := w.path(name)
	if err := os.WriteFile(p, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return p, nil
}

// onClose は Close 時に実行する処理を追加します。
func (w *workspace) onClose(fn func() error) {
	w.cleanups = append(w.cleanups, fn)
}

// Close は登録順の逆に後始末を実行し、最後にディレクトリを削除します。
func (w *workspace) Close() error {
	var errs []error
	for i := len(w.cleanups) - 1; i >= 0; i-- {
		if err := w.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.cleanups = nil
	if err := os.RemoveAll(w.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
