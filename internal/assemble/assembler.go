package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/storage"
)

const (
	// DefaultMaxIterations は目次ページ数の固定点反復の既定上限です。
	DefaultMaxIterations = 3
	// ModuleKey は生成物を保存するときのモジュールキーです。
	ModuleKey = "audit-package"

	resolveParallelism = 4
)

// Start は完成したPDFで各要素が始まる位置です。PageIndex は0始まりです。
type Start struct {
	Kind      string `json:"kind"` // cover, toc, section, document
	Title     string `json:"title"`
	PageIndex int    `json:"pageIndex"`
}

// Package は組み上げた監査パッケージです。
type Package struct {
	PDF        []byte
	PageCount  int
	TocPages   int
	Iterations int
	// Converged が false の場合、目次のページ番号は最後の描画結果のままです。
	Converged bool
	Toc       []TocLine
	Starts    []Start
	Outline   []pdf.OutlineEntry
	Index     []byte
}

// Result は保存済みの監査パッケージです。
type Result struct {
	Document   *storage.Ref `json:"document"`
	Index      *storage.Ref `json:"index,omitempty"`
	PageCount  int          `json:"pageCount"`
	TocPages   int          `json:"tocPages"`
	Iterations int          `json:"iterations"`
	Converged  bool         `json:"converged"`
}

type source struct {
	id        string
	name      string
	hash      string
	data      []byte
	pageCount int
}

// Assembler は監査パッケージを組み上げます。
type Assembler struct {
	docs          storage.DocumentStore
	perms         storage.Permissions
	pdf           *pdf.Manipulator
	maxIterations int
	now           func() time.Time
	logger        *slog.Logger
}

// Option は Assembler の設定です。
type Option func(*Assembler)

// WithMaxIterations は固定点反復の上限を設定します。
func WithMaxIterations(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithClock は生成日時の取得元を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger はロガーを設定します。
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New は Assembler を作成します。
func New(docs storage.DocumentStore, perms storage.Permissions, m *pdf.Manipulator, opts ...Option) *Assembler {
	a := &Assembler{
		docs:          docs,
		perms:         perms,
		pdf:           m,
		maxIterations: DefaultMaxIterations,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble は組み上げと保存をまとめて行います。
func (a *Assembler) Assemble(ctx context.Context, spec Spec, userID string, progress pdf.ProgressReporter) (*Result, error) {
	pkg, err := a.Build(ctx, spec, userID, progress)
	if err != nil {
		return nil, err
	}
	return a.Persist(ctx, pkg, spec, userID)
}

// Build は監査パッケージを組み上げます。参照される文書は実行時に改めて閲覧権限を確認し、
// 1件でも読めなければ全体を失敗とします。
func (a *Assembler) Build(ctx context.Context, spec Spec, userID string, progress pdf.ProgressReporter) (*Package, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	pdf.ReportProgress(progress, "resolve", 0)
	sources, err := a.resolve(ctx, spec.DocumentIDs(), userID)
	if err != nil {
		return nil, err
	}

	r := renderer{created: a.now()}
	pdf.ReportProgress(progress, "render", 20)
	cover, err := r.cover(spec.title(), userID, len(spec.Sections), countReferences(spec))
	if err != nil {
		return nil, err
	}
	coverPages, err := a.pdf.PageCount(cover)
	if err != nil {
		return nil, err
	}
	dividers := make([][]byte, len(spec.Sections))
	dividerPages := make([]int, len(spec.Sections))
	for i, sec := range spec.Sections {
		if dividers[i], err = r.divider(i+1, sec.Title, len(sec.Documents)); err != nil {
			return nil, err
		}
		if dividerPages[i], err = a.pdf.PageCount(dividers[i]); err != nil {
			return nil, err
		}
	}

	pdf.ReportProgress(progress, "paginate", 40)
	pkg := &Package{}
	var toc []byte
	assumed := 1
	for iter := 1; iter <= a.maxIterations; iter++ {
		lines := layout(spec, sources, coverPages, assumed, dividerPages)
		data, rendered, err := r.toc(lines)
		if err != nil {
			return nil, err
		}
		toc = data
		pkg.Toc = lines
		pkg.Iterations = iter
		pkg.TocPages = rendered
		if rendered == assumed {
			pkg.Converged = true
			break
		}
		assumed = rendered
	}
	if !pkg.Converged {
		a.logger.Warn("table of contents did not converge",
			"iterations", pkg.Iterations, "toc_pages", pkg.TocPages)
	}

	pdf.ReportProgress(progress, "merge", 60)
	inputs, starts, err := a.concatenate(spec, sources, cover, toc, dividers)
	if err != nil {
		return nil, err
	}
	merged, err := a.pdf.Merge(inputs)
	if err != nil {
		return nil, err
	}
	pkg.Starts = starts

	pdf.ReportProgress(progress, "outline", 80)
	outline := pdf.NewOutline()
	for _, s := range starts {
		outline.Add(-1, s.Title, s.PageIndex)
	}
	if pkg.PDF, err = a.pdf.ApplyOutline(merged, outline); err != nil {
		return nil, err
	}
	pkg.Outline = outline.Entries()
	if pkg.PageCount, err = a.pdf.PageCount(pkg.PDF); err != nil {
		return nil, err
	}

	if spec.IncludeIndex {
		if pkg.Index, err = buildIndex(spec, sources, starts, a.now()); err != nil {
			return nil, err
		}
	}
	pdf.ReportProgress(progress, "done", 100)
	return pkg, nil
}

// Persist は組み上げたPDF（と索引）を DocumentStore に保存します。
func (a *Assembler) Persist(ctx context.Context, pkg *Package, spec Spec, owner string) (*Result, error) {
	base := fileBase(spec.title())
	ref, err := a.docs.Write(ctx, storage.WriteRequest{
		Data:      pkg.PDF,
		Filename:  base + ".pdf",
		MimeType:  "application/pdf",
		ModuleKey: ModuleKey,
		Owner:     owner,
	})
	if err != nil {
		return nil, fmt.Errorf("save audit package: %w", err)
	}
	result := &Result{
		Document:   ref,
		PageCount:  pkg.PageCount,
		TocPages:   pkg.TocPages,
		Iterations: pkg.Iterations,
		Converged:  pkg.Converged,
	}
	if len(pkg.Index) > 0 {
		if result.Index, err = a.docs.Write(ctx, storage.WriteRequest{
			Data:      pkg.Index,
			Filename:  base + "-index.xlsx",
			MimeType:  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			ModuleKey: ModuleKey,
			Owner:     owner,
		}); err != nil {
			return nil, fmt.Errorf("save audit package index: %w", err)
		}
	}
	return result, nil
}

// resolve は重複を除いた文書ごとに権限確認・読み込み・ページ数取得を並行して行います。
func (a *Assembler) resolve(ctx context.Context, ids []string, userID string) (map[string]*source, error) {
	results := make([]*source, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveParallelism)
	for i, id := range ids {
		g.Go(func() error {
			if err := a.perms.AssertPermission(gctx, id, userID, storage.PermissionView); err != nil {
				return fmt.Errorf("document %s: %w", id, err)
			}
			obj, err := a.docs.Read(gctx, id)
			if err != nil {
				return fmt.Errorf("document %s: %w", id, err)
			}
			n, err := a.pdf.PageCount(obj.Data)
			if err != nil {
				return fmt.Errorf("document %s: %w", id, err)
			}
			name := obj.Filename
			if name == "" {
				name = id
			}
			results[i] = &source{id: id, name: name, hash: storage.Hash(obj.Data), data: obj.Data, pageCount: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sources := make(map[string]*source, len(results))
	for _, s := range results {
		sources[s.id] = s
	}
	return sources, nil
}

// layout は目次が tocPages ページを占めると仮定して各行のページ番号を計算します。
func layout(spec Spec, sources map[string]*source, coverPages, tocPages int, dividerPages []int) []TocLine {
	var lines []TocLine
	consumed := coverPages + tocPages
	for i, sec := range spec.Sections {
		lines = append(lines, TocLine{Label: sec.Title, Page: consumed + 1, Level: 0})
		consumed += dividerPages[i]
		for _, ref := range sec.Documents {
			src := sources[ref.DocumentID]
			lines = append(lines, TocLine{Label: label(ref, src), Page: consumed + 1, Level: 1})
			consumed += src.pageCount
		}
	}
	return lines
}

// concatenate は結合順に入力を並べ、追加するたびに実際のページ数から開始位置を記録します。
func (a *Assembler) concatenate(spec Spec, sources map[string]*source, cover, toc []byte, dividers [][]byte) ([][]byte, []Start, error) {
	var (
		inputs [][]byte
		starts []Start
		offset int
	)
	appendPart := func(kind, title string, data []byte) error {
		n, err := a.pdf.PageCount(data)
		if err != nil {
			return err
		}
		inputs = append(inputs, data)
		starts = append(starts, Start{Kind: kind, Title: title, PageIndex: offset})
		offset += n
		return nil
	}

	if err := appendPart("cover", "Cover", cover); err != nil {
		return nil, nil, err
	}
	if err := appendPart("toc", "Table of Contents", toc); err != nil {
		return nil, nil, err
	}
	for i, sec := range spec.Sections {
		if err := appendPart("section", sec.Title, dividers[i]); err != nil {
			return nil, nil, err
		}
		for _, ref := range sec.Documents {
			src := sources[ref.DocumentID]
			if err := appendPart("document", label(ref, src), src.data); err != nil {
				return nil, nil, err
			}
		}
	}
	return inputs, starts, nil
}

func label(ref DocumentRef, src *source) string {
	if l := strings.TrimSpace(ref.Label); l != "" {
		return l
	}
	return src.name
}

func countReferences(spec Spec) int {
	n := 0
	for _, sec := range spec.Sections {
		n += len(sec.Documents)
	}
	return n
}

func fileBase(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, title)
	name = strings.TrimSuffix(path.Base(name), ".pdf")
	if name == "" || name == "." {
		return "audit-package"
	}
	return name
}
