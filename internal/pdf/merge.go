// Package pdf はメモリ上のPDFバイト列に対する変換操作を提供します。
// ジョブやストレージのことは知りません。
package pdf

import (
	"bytes"
	"io"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Manipulator はPDF操作をまとめた構造体です。入力バイト列を変更せず、結果は新しいバイト列で返します。
type Manipulator struct {
	rasterizer      Rasterizer
	ghostscriptPath string
	now             func() time.Time
}

// Option は Manipulator の設定です。
type Option func(*Manipulator)

// WithRasterizer はラスタライザを差し替えます。
func WithRasterizer(r Rasterizer) Option {
	return func(m *Manipulator) {
		m.rasterizer = r
	}
}

// WithGhostscript は pdfwrite による圧縮に使う Ghostscript のパスを指定します。
func WithGhostscript(path string) Option {
	return func(m *Manipulator) {
		m.ghostscriptPath = path
	}
}

// NewManipulator は Manipulator を作成します。
func NewManipulator(opts ...Option) *Manipulator {
	m := &Manipulator{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge は入力順にページを連結します。2つ以上の入力が必要です。
func (m *Manipulator) Merge(inputs [][]byte) ([]byte, error) {
	if len(inputs) < 2 {
		return nil, invalid("結合には2つ以上のPDFが必要です。")
	}
	readers := make([]io.ReadSeeker, len(inputs))
	for i, in := range inputs {
		if len(in) == 0 {
			return nil, invalid("%d 番目のPDFが空です。", i+1)
		}
		readers[i] = bytes.NewReader(in)
	}

	var out bytes.Buffer
	if err := pdfapi.MergeRaw(readers, &out, false, newConfiguration()); err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFの結合に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return out.Bytes(), nil
}
