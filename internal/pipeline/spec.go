// Package pipeline はジョブの投入と、パイプラインごとの処理（監査パッケージ・変換・仕上げ）をまとめます。
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yourusername/docvault/internal/assemble"
	"github.com/yourusername/docvault/internal/pdf"
)

// ConversionSpec は変換ジョブの入力です。
type ConversionSpec struct {
	DocumentID string               `json:"documentId"`
	Filename   string               `json:"filename,omitempty"`
	Compress   *pdf.CompressOptions `json:"compress,omitempty"`
}

// Validate は入力を検証します。
func (s ConversionSpec) Validate() error {
	if strings.TrimSpace(s.DocumentID) == "" {
		return invalid("documentId を指定してください。")
	}
	if s.Compress != nil {
		if _, err := s.Compress.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeSpec は仕上げジョブの入力です。処理は黒塗り、注記、ハイライト、スタンプ、透かし、
// ヘッダー/フッター、ページ番号、圧縮の順に行います。
type FinalizeSpec struct {
	DocumentID    string                 `json:"documentId"`
	Redactions    []pdf.Redaction        `json:"redactions,omitempty"`
	RedactDensity int                    `json:"redactDensity,omitempty"`
	Annotations   []pdf.TextPlacement    `json:"annotations,omitempty"`
	Highlights    []pdf.HighlightArea    `json:"highlights,omitempty"`
	Stamps        []pdf.TextPlacement    `json:"stamps,omitempty"`
	Watermark     *pdf.WatermarkOptions  `json:"watermark,omitempty"`
	HeaderFooter  []pdf.HeaderFooter     `json:"headerFooter,omitempty"`
	PageNumbers   *pdf.PageNumberOptions `json:"pageNumbers,omitempty"`
	Compress      *pdf.CompressOptions   `json:"compress,omitempty"`
	Filename      string                 `json:"filename,omitempty"`
}

// Validate はページ数を読まずに判定できる範囲を検証します。
func (s FinalizeSpec) Validate() error {
	if strings.TrimSpace(s.DocumentID) == "" {
		return invalid("documentId を指定してください。")
	}
	if err := pdf.ValidateRedactions(s.Redactions); err != nil {
		return err
	}
	if _, err := pdf.ValidateDensity(s.RedactDensity); err != nil {
		return err
	}
	if s.Watermark != nil && strings.TrimSpace(s.Watermark.Text) == "" {
		return invalid("透かし文字を指定してください。")
	}
	for i, hf := range s.HeaderFooter {
		if !hf.Anchor.Valid() {
			return invalid("ヘッダー/フッター %d: 配置位置 %q は不正です。", i+1, hf.Anchor)
		}
	}
	if s.PageNumbers != nil && !s.PageNumbers.Anchor.Valid() {
		return invalid("ページ番号の配置位置 %q は不正です。", s.PageNumbers.Anchor)
	}
	if s.Compress != nil {
		if _, err := s.Compress.Validate(); err != nil {
			return err
		}
	}
	if s.empty() {
		return invalid("仕上げの処理を1つ以上指定してください。")
	}
	return nil
}

func (s FinalizeSpec) empty() bool {
	return len(s.Redactions) == 0 && len(s.Annotations) == 0 && len(s.Highlights) == 0 &&
		len(s.Stamps) == 0 && s.Watermark == nil && len(s.HeaderFooter) == 0 &&
		s.PageNumbers == nil && s.Compress == nil
}

// maxPage は指定されたページ番号の最大値を返します。
func (s FinalizeSpec) maxPage() int {
	n := 0
	for _, r := range s.Redactions {
		n = max(n, r.Page)
	}
	for _, a := range s.Annotations {
		n = max(n, a.Page)
	}
	for _, h := range s.Highlights {
		n = max(n, h.Page)
	}
	for _, st := range s.Stamps {
		n = max(n, st.Page)
	}
	return n
}

// decodeSpec は未知のフィールドを拒否して JSON を読み込みます。
func decodeSpec(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return invalid("spec を指定してください。")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return pdf.NewError(pdf.CodeInvalidInput, "spec の形式が正しくありません。", err)
	}
	return nil
}

// decodeAuditSpec は監査パッケージの spec を読み込んで検証します。
func decodeAuditSpec(raw json.RawMessage) (assemble.Spec, error) {
	var spec assemble.Spec
	if err := decodeSpec(raw, &spec); err != nil {
		return spec, err
	}
	return spec, spec.Validate()
}

func decodeConversionSpec(raw json.RawMessage) (ConversionSpec, error) {
	var spec ConversionSpec
	if err := decodeSpec(raw, &spec); err != nil {
		return spec, err
	}
	return spec, spec.Validate()
}

func decodeFinalizeSpec(raw json.RawMessage) (FinalizeSpec, error) {
	var spec FinalizeSpec
	if err := decodeSpec(raw, &spec); err != nil {
		return spec, err
	}
	return spec, spec.Validate()
}

func invalid(format string, args ...any) error {
	return pdf.NewError(pdf.CodeInvalidInput, fmt.Sprintf(format, args...), nil)
}
