package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/yourusername/docvault/internal/assemble"
	"github.com/yourusername/docvault/internal/convert"
	"github.com/yourusername/docvault/internal/jobs"
	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/storage"
)

const (
	conversionModuleKey = "conversion"
	finalizeModuleKey   = "finalize"
)

// AuditPackageMeta は監査パッケージジョブの meta です。
type AuditPackageMeta struct {
	PageCount       int    `json:"pageCount"`
	TocPages        int    `json:"tocPages"`
	Iterations      int    `json:"iterations"`
	Converged       bool   `json:"converged"`
	Hash            string `json:"hash"`
	URL             string `json:"url"`
	IndexDocumentID string `json:"indexDocumentId,omitempty"`
}

// AuditPackageProcessor は監査パッケージを組み上げて保存します。
type AuditPackageProcessor struct {
	assembler *assemble.Assembler
	logger    *slog.Logger
}

// NewAuditPackageProcessor は AuditPackageProcessor を作成します。
func NewAuditPackageProcessor(a *assemble.Assembler, logger *slog.Logger) *AuditPackageProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditPackageProcessor{assembler: a, logger: logger}
}

// Process はジョブを処理します。
func (p *AuditPackageProcessor) Process(ctx context.Context, job *jobs.Job, checkpoint jobs.Checkpoint) (*jobs.Outcome, error) {
	spec, err := decodeAuditSpec(job.Spec)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	logger := p.logger.With("job_id", job.ID)
	pkg, err := p.assembler.Build(ctx, spec, job.CreatedBy, pdf.LogProgress(logger))
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	res, err := p.assembler.Persist(ctx, pkg, spec, job.CreatedBy)
	if err != nil {
		return nil, err
	}

	meta := AuditPackageMeta{
		PageCount:  res.PageCount,
		TocPages:   res.TocPages,
		Iterations: res.Iterations,
		Converged:  res.Converged,
		Hash:       res.Document.Hash,
		URL:        res.Document.URL,
	}
	outputs := []string{res.Document.ID}
	if res.Index != nil {
		meta.IndexDocumentID = res.Index.ID
		outputs = append(outputs, res.Index.ID)
	}
	return outcome(res.Document.ID, meta, outputs)
}

// ConversionMeta は変換ジョブの meta です。
type ConversionMeta struct {
	SourceKind   convert.Kind `json:"sourceKind"`
	PageCount    int          `json:"pageCount"`
	InputSize    int          `json:"inputSize"`
	OutputSize   int          `json:"outputSize"`
	SavedPercent float64      `json:"savedPercent"`
	Hash         string       `json:"hash"`
	URL          string       `json:"url"`
}

// ConversionProcessor は文書をPDFに変換して保存します。
type ConversionProcessor struct {
	docs      storage.DocumentStore
	perms     storage.Permissions
	converter *convert.Converter
	logger    *slog.Logger
}

// NewConversionProcessor は ConversionProcessor を作成します。
func NewConversionProcessor(docs storage.DocumentStore, perms storage.Permissions, c *convert.Converter, logger *slog.Logger) *ConversionProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversionProcessor{docs: docs, perms: perms, converter: c, logger: logger}
}

// Process はジョブを処理します。
func (p *ConversionProcessor) Process(ctx context.Context, job *jobs.Job, checkpoint jobs.Checkpoint) (*jobs.Outcome, error) {
	spec, err := decodeConversionSpec(job.Spec)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	obj, err := readSource(ctx, p.docs, p.perms, spec.DocumentID, job.CreatedBy, storage.PermissionView)
	if err != nil {
		return nil, err
	}

	res, err := p.converter.ToPDF(ctx, obj.Data, obj.Filename, obj.MimeType, spec.Compress)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	name := spec.Filename
	if name == "" {
		name = obj.Filename
	}
	ref, err := p.docs.Write(ctx, storage.WriteRequest{
		Data:      res.PDF,
		Filename:  pdfFilename(name, ""),
		MimeType:  "application/pdf",
		ModuleKey: moduleKeyOr(obj.ModuleKey, conversionModuleKey),
		Owner:     job.CreatedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("save converted document: %w", err)
	}
	p.logger.Info("document converted",
		"job_id", job.ID, "source_kind", string(res.Source), "pages", res.PageCount, "output", ref.ID)

	return outcome(ref.ID, ConversionMeta{
		SourceKind:   res.Source,
		PageCount:    res.PageCount,
		InputSize:    len(obj.Data),
		OutputSize:   len(res.PDF),
		SavedPercent: pdf.SavedPercent(len(obj.Data), len(res.PDF)),
		Hash:         ref.Hash,
		URL:          ref.URL,
	}, []string{ref.ID})
}

// FinalizeMeta は仕上げジョブの meta です。
type FinalizeMeta struct {
	PageCount  int      `json:"pageCount"`
	Steps      []string `json:"steps"`
	Redactions int      `json:"redactions"`
	InputSize  int      `json:"inputSize"`
	OutputSize int      `json:"outputSize"`
	Hash       string   `json:"hash"`
	URL        string   `json:"url"`
}

// FinalizeProcessor は黒塗り・スタンプなどの仕上げを施した新しい文書を保存します。
type FinalizeProcessor struct {
	docs    storage.DocumentStore
	perms   storage.Permissions
	pdf     *pdf.Manipulator
	density int
	logger  *slog.Logger
}

// NewFinalizeProcessor は FinalizeProcessor を作成します。
func NewFinalizeProcessor(docs storage.DocumentStore, perms storage.Permissions, m *pdf.Manipulator, logger *slog.Logger) *FinalizeProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FinalizeProcessor{docs: docs, perms: perms, pdf: m, logger: logger}
}

// SetDefaultDensity は spec で解像度が省略されたときの黒塗りDPIを設定します。範囲外の値は無視します。
func (p *FinalizeProcessor) SetDefaultDensity(density int) {
	if d, err := pdf.ValidateDensity(density); err == nil {
		p.density = d
	}
}

// Process はジョブを処理します。黒塗りを指定した場合、出力に文字レイヤーが残っていないことを確認します。
func (p *FinalizeProcessor) Process(ctx context.Context, job *jobs.Job, checkpoint jobs.Checkpoint) (*jobs.Outcome, error) {
	spec, err := decodeFinalizeSpec(job.Spec)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	obj, err := readSource(ctx, p.docs, p.perms, spec.DocumentID, job.CreatedBy, storage.PermissionEdit)
	if err != nil {
		return nil, err
	}

	data, steps, err := p.apply(ctx, obj.Data, spec, checkpoint)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	pages, err := p.pdf.PageCount(data)
	if err != nil {
		return nil, err
	}

	name := spec.Filename
	if name == "" {
		name = pdfFilename(obj.Filename, "-final")
	}
	ref, err := p.docs.Write(ctx, storage.WriteRequest{
		Data:      data,
		Filename:  pdfFilename(name, ""),
		MimeType:  "application/pdf",
		ModuleKey: moduleKeyOr(obj.ModuleKey, finalizeModuleKey),
		Owner:     job.CreatedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("save finalized document: %w", err)
	}
	p.logger.Info("document finalized", "job_id", job.ID, "steps", strings.Join(steps, ","), "output", ref.ID)

	return outcome(ref.ID, FinalizeMeta{
		PageCount:  pages,
		Steps:      steps,
		Redactions: len(spec.Redactions),
		InputSize:  len(obj.Data),
		OutputSize: len(data),
		Hash:       ref.Hash,
		URL:        ref.URL,
	}, []string{ref.ID})
}

type finalizeStep struct {
	name string
	run  func([]byte) ([]byte, error)
}

// overlaySteps は黒塗りと圧縮の間に行う重ね書きを順に返します。
func (p *FinalizeProcessor) overlaySteps(spec FinalizeSpec) []finalizeStep {
	var steps []finalizeStep
	if len(spec.Annotations) > 0 {
		steps = append(steps, finalizeStep{"annotate", func(b []byte) ([]byte, error) { return p.pdf.AnnotateText(b, spec.Annotations) }})
	}
	if len(spec.Highlights) > 0 {
		steps = append(steps, finalizeStep{"highlight", func(b []byte) ([]byte, error) { return p.pdf.Highlight(b, spec.Highlights) }})
	}
	if len(spec.Stamps) > 0 {
		steps = append(steps, finalizeStep{"stamp", func(b []byte) ([]byte, error) { return p.pdf.Stamp(b, spec.Stamps) }})
	}
	if spec.Watermark != nil {
		steps = append(steps, finalizeStep{"watermark", func(b []byte) ([]byte, error) { return p.pdf.Watermark(b, *spec.Watermark) }})
	}
	if len(spec.HeaderFooter) > 0 {
		steps = append(steps, finalizeStep{"header-footer", func(b []byte) ([]byte, error) { return p.pdf.AddHeaderFooter(b, spec.HeaderFooter) }})
	}
	if spec.PageNumbers != nil {
		steps = append(steps, finalizeStep{"page-numbers", func(b []byte) ([]byte, error) { return p.pdf.AddPageNumbers(b, *spec.PageNumbers) }})
	}
	return steps
}

// verifyRedacted は黒塗り後の文書に文字情報が残っていないことを確かめます。
// 残っていた場合は同じ入力で何度やり直しても同じ結果になるため永続的な失敗です。
func verifyRedacted(m *pdf.Manipulator, data []byte) error {
	hasText, err := m.HasText(data)
	if err != nil {
		return err
	}
	if hasText {
		return jobs.Permanent(pdf.NewError(pdf.CodeRenderFailed, "黒塗り後の文書に文字情報が残っています。", nil))
	}
	return nil
}

// apply は仕上げを決まった順に適用し、実行した処理名を返します。
func (p *FinalizeProcessor) apply(ctx context.Context, data []byte, spec FinalizeSpec, checkpoint jobs.Checkpoint) ([]byte, []string, error) {
	var done []string

	if len(spec.Redactions) > 0 {
		if err := checkpoint(ctx); err != nil {
			return nil, nil, err
		}
		density := spec.RedactDensity
		if density == 0 {
			density = p.density
		}
		out, err := p.pdf.RedactByRasterize(ctx, data, spec.Redactions, density)
		if err != nil {
			return nil, nil, fmt.Errorf("redact: %w", err)
		}
		if err := verifyRedacted(p.pdf, out); err != nil {
			return nil, nil, err
		}
		data = out
		done = append(done, "redact")
	}

	for _, st := range p.overlaySteps(spec) {
		out, err := st.run(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", st.name, err)
		}
		data = out
		done = append(done, st.name)
	}

	if spec.Compress != nil {
		if err := checkpoint(ctx); err != nil {
			return nil, nil, err
		}
		out, err := p.pdf.Compress(ctx, data, *spec.Compress)
		if err != nil {
			return nil, nil, fmt.Errorf("compress: %w", err)
		}
		data = out
		done = append(done, "compress")
	}
	return data, done, nil
}

// readSource は実行時点の権限を確認してから文書を読み込みます。
func readSource(ctx context.Context, docs storage.DocumentStore, perms storage.Permissions, id, userID string, kind storage.PermissionKind) (*storage.Object, error) {
	if err := perms.AssertPermission(ctx, id, userID, kind); err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}
	obj, err := docs.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}
	return obj, nil
}

func outcome(outputRef string, meta any, documentIDs []string) (*jobs.Outcome, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, jobs.Permanent(fmt.Errorf("encode meta: %w", err))
	}
	return &jobs.Outcome{OutputRef: outputRef, Meta: raw, DocumentIDs: documentIDs}, nil
}

// pdfFilename は拡張子を .pdf に置き換え、suffix を付けます。
func pdfFilename(name, suffix string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." || base == "/" {
		base = "document"
	}
	return base + suffix + ".pdf"
}

func moduleKeyOr(key, fallback string) string {
	if key == "" {
		return fallback
	}
	return key
}
