// Package convert はアップロードされた文書をPDFに変換します。
package convert

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/docvault/internal/pdf"
)

// Kind は変換元の形式です。
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindImage    Kind = "image"
	KindMarkdown Kind = "markdown"
	KindDOCX     Kind = "docx"
	KindHTML     Kind = "html"
	KindCSV      Kind = "csv"
	KindText     Kind = "text"
)

// Result は変換結果です。
type Result struct {
	PDF       []byte
	Source    Kind
	PageCount int
}

// Converter は形式ごとの変換を振り分けます。
type Converter struct {
	pdf *pdf.Manipulator
	now func() time.Time
}

// New は Converter を作成します。now が nil なら time.Now を使います。
func New(m *pdf.Manipulator, now func() time.Time) *Converter {
	if now == nil {
		now = time.Now
	}
	return &Converter{pdf: m, now: now}
}

// Detect は内容・ファイル名・申告された MIME タイプから変換元の形式を判定します。
// 内容からの判定を優先し、テキスト系のみ拡張子と申告値で細分します。
func Detect(data []byte, filename, declared string) (Kind, string, error) {
	if len(data) == 0 {
		return "", "", pdf.NewError(pdf.CodeInvalidInput, "ファイルが空です。", nil)
	}
	mt := mimetype.Detect(data)
	ext := strings.ToLower(filepath.Ext(filename))
	declared = strings.ToLower(strings.TrimSpace(declared))

	switch {
	case mt.Is("application/pdf"):
		return KindPDF, "", nil
	case mt.Is("image/png"):
		return KindImage, "png", nil
	case mt.Is("image/jpeg"):
		return KindImage, "jpeg", nil
	case mt.Is("image/gif"), mt.Is("image/bmp"), mt.Is("image/tiff"), mt.Is("image/webp"):
		return KindImage, strings.TrimPrefix(mt.String(), "image/"), nil
	case mt.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return KindDOCX, "", nil
	case mt.Is("application/zip") && ext == ".docx":
		return KindDOCX, "", nil
	case mt.Is("text/html"):
		return KindHTML, "", nil
	case mt.Is("text/plain"), mt.Is("text/csv"):
		switch {
		case ext == ".md" || ext == ".markdown" || declared == "text/markdown":
			return KindMarkdown, "", nil
		case ext == ".csv" || mt.Is("text/csv") || declared == "text/csv":
			return KindCSV, "", nil
		case ext == ".html" || ext == ".htm":
			return KindHTML, "", nil
		}
		return KindText, "", nil
	}
	return "", "", pdf.NewError(pdf.CodeInvalidInput, "変換できない形式です: "+mt.String(), nil)
}

// ToPDF は文書をPDFに変換します。compress が指定されていれば変換後に圧縮し、
// 元がPDFで compress が nil の場合は構造を最適化して返します。
func (c *Converter) ToPDF(ctx context.Context, data []byte, filename, declared string, compress *pdf.CompressOptions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if compress != nil {
		if _, err := compress.Validate(); err != nil {
			return nil, err
		}
	}
	kind, format, err := Detect(data, filename, declared)
	if err != nil {
		return nil, err
	}

	var out []byte
	switch kind {
	case KindPDF:
		opts := pdf.CompressOptions{}
		if compress != nil {
			opts = *compress
		}
		if out, err = c.pdf.Compress(ctx, data, opts); err != nil {
			return nil, err
		}
		compress = nil
	case KindImage:
		out, err = imagePage(data, format, c.now())
	default:
		var blocks []block
		blocks, err = c.blocks(kind, data)
		if err != nil {
			return nil, pdf.NewError(pdf.CodeInvalidInput, "文書を解析できません。", err)
		}
		if len(blocks) == 0 {
			return nil, pdf.NewError(pdf.CodeInvalidInput, "本文がありません。", nil)
		}
		out, err = typeset(blocks, c.now())
	}
	if err != nil {
		return nil, err
	}

	if compress != nil {
		if out, err = c.pdf.Compress(ctx, out, *compress); err != nil {
			return nil, err
		}
	}
	n, err := c.pdf.PageCount(out)
	if err != nil {
		return nil, err
	}
	return &Result{PDF: out, Source: kind, PageCount: n}, nil
}

func (c *Converter) blocks(kind Kind, data []byte) ([]block, error) {
	switch kind {
	case KindMarkdown:
		return parseMarkdown(data), nil
	case KindDOCX:
		return parseDOCX(data)
	case KindHTML:
		return parseHTML(data)
	case KindCSV:
		return parseCSV(data)
	default:
		return parseText(bytes.NewReader(data))
	}
}
