package assemble

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/pdf/pdftest"
	"github.com/yourusername/docvault/internal/storage"
)

var fixedNow = func() time.Time { return time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC) }

func newTestAssembler(t *testing.T, opts ...Option) (*Assembler, *storage.LocalStore) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	opts = append([]Option{WithClock(fixedNow)}, opts...)
	return New(store, store, pdf.NewManipulator(), opts...), store
}

func putPDF(t *testing.T, store *storage.LocalStore, owner, name string, width float64, pages int) string {
	t.Helper()
	sizes := make([]pdf.PageSize, pages)
	for i := range sizes {
		sizes[i] = pdf.PageSize{Width: width, Height: 600}
	}
	ref, err := store.Write(context.Background(), storage.WriteRequest{
		Data:     pdftest.DocumentWithSizes(t, sizes...),
		Filename: name,
		MimeType: "application/pdf",
		Owner:    owner,
	})
	require.NoError(t, err)
	return ref.ID
}

func firstPageWithWidth(t *testing.T, sizes []pdf.PageSize, width float64) int {
	t.Helper()
	for i, s := range sizes {
		if s.Width > width-0.5 && s.Width < width+0.5 {
			return i + 1
		}
	}
	t.Fatalf("no page with width %.0f", width)
	return 0
}

func firstPageContaining(t *testing.T, texts []string, needle string) int {
	t.Helper()
	for i, text := range texts {
		if strings.Contains(strings.ReplaceAll(text, " ", ""), needle) {
			return i + 1
		}
	}
	t.Fatalf("no page contains %q", needle)
	return 0
}

func TestBuildTocMatchesActualStarts(t *testing.T) {
	a, store := newTestAssembler(t)
	docA := putPDF(t, store, "alice", "a.pdf", 400, 3)
	docB := putPDF(t, store, "alice", "b.pdf", 420, 1)
	docC := putPDF(t, store, "alice", "c.pdf", 440, 2)

	spec := Spec{Title: "FY2024 Audit", Sections: []Section{
		{Title: "Intro", Documents: []DocumentRef{{DocumentID: docA, Label: "Engagement letter"}}},
		{Title: "Appendix", Documents: []DocumentRef{{DocumentID: docB}, {DocumentID: docC}}},
	}}

	pkg, err := a.Build(context.Background(), spec, "alice", nil)
	require.NoError(t, err)

	assert.True(t, pkg.Converged)
	assert.Equal(t, 1, pkg.TocPages)
	assert.Equal(t, 1, pkg.Iterations)
	assert.Equal(t, 10, pkg.PageCount)

	assert.Equal(t, []TocLine{
		{Label: "Intro", Page: 3, Level: 0},
		{Label: "Engagement letter", Page: 4, Level: 1},
		{Label: "Appendix", Page: 7, Level: 0},
		{Label: "b.pdf", Page: 8, Level: 1},
		{Label: "c.pdf", Page: 9, Level: 1},
	}, pkg.Toc)

	m := pdf.NewManipulator()
	sizes, err := m.PageSizes(pkg.PDF)
	require.NoError(t, err)
	texts, err := m.ExtractText(pkg.PDF)
	require.NoError(t, err)

	located := map[string]int{
		"Intro":             firstPageContaining(t, texts, "Section1"),
		"Engagement letter": firstPageWithWidth(t, sizes, 400),
		"Appendix":          firstPageContaining(t, texts, "Section2"),
		"b.pdf":             firstPageWithWidth(t, sizes, 420),
		"c.pdf":             firstPageWithWidth(t, sizes, 440),
	}
	for _, line := range pkg.Toc {
		assert.Equal(t, located[line.Label], line.Page, line.Label)
	}
}

func TestBuildOutlineFollowsStarts(t *testing.T) {
	a, store := newTestAssembler(t)
	doc := putPDF(t, store, "alice", "only.pdf", 400, 2)

	pkg, err := a.Build(context.Background(), Spec{Sections: []Section{
		{Title: "Evidence", Documents: []DocumentRef{{DocumentID: doc}}},
	}}, "alice", nil)
	require.NoError(t, err)

	require.Len(t, pkg.Starts, 4)
	assert.Equal(t, []Start{
		{Kind: "cover", Title: "Cover", PageIndex: 0},
		{Kind: "toc", Title: "Table of Contents", PageIndex: 1},
		{Kind: "section", Title: "Evidence", PageIndex: 2},
		{Kind: "document", Title: "only.pdf", PageIndex: 3},
	}, pkg.Starts)

	entries, err := pdf.NewManipulator().ReadOutline(pkg.PDF)
	require.NoError(t, err)
	require.Len(t, entries, len(pkg.Starts))
	for i, s := range pkg.Starts {
		assert.Equal(t, s.Title, entries[i].Title)
		assert.Equal(t, s.PageIndex, entries[i].PageIndex)
	}
}

func TestBuildSmallSpecPageCount(t *testing.T) {
	a, store := newTestAssembler(t)
	d1 := putPDF(t, store, "alice", "one.pdf", 400, 1)
	d2 := putPDF(t, store, "alice", "two.pdf", 420, 1)

	pkg, err := a.Build(context.Background(), Spec{Sections: []Section{
		{Title: "Only", Documents: []DocumentRef{{DocumentID: d1}, {DocumentID: d2}}},
	}}, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pkg.TocPages)
	assert.Equal(t, 4+pkg.TocPages, pkg.PageCount)
}

func manyRefs(id string, n int) []DocumentRef {
	refs := make([]DocumentRef, n)
	for i := range refs {
		refs[i] = DocumentRef{DocumentID: id}
	}
	return refs
}

func TestBuildLongTocConvergesOnSecondIteration(t *testing.T) {
	a, store := newTestAssembler(t)
	doc := putPDF(t, store, "alice", "receipt.pdf", 400, 1)

	pkg, err := a.Build(context.Background(), Spec{Sections: []Section{
		{Title: "Receipts", Documents: manyRefs(doc, 60)},
	}}, "alice", nil)
	require.NoError(t, err)

	assert.True(t, pkg.Converged)
	assert.Equal(t, 2, pkg.TocPages)
	assert.Equal(t, 2, pkg.Iterations)
	assert.Equal(t, 1+2+1+60, pkg.PageCount)
	assert.Equal(t, 4, pkg.Toc[0].Page)
	assert.Equal(t, 5, pkg.Toc[1].Page)
	assert.Equal(t, 64, pkg.Toc[60].Page)
}

func TestBuildNonConvergenceIsBestEffort(t *testing.T) {
	a, store := newTestAssembler(t, WithMaxIterations(1))
	doc := putPDF(t, store, "alice", "receipt.pdf", 400, 1)

	pkg, err := a.Build(context.Background(), Spec{Sections: []Section{
		{Title: "Receipts", Documents: manyRefs(doc, 60)},
	}}, "alice", nil)
	require.NoError(t, err)

	assert.False(t, pkg.Converged)
	assert.Equal(t, 1, pkg.Iterations)
	assert.Equal(t, 2, pkg.TocPages)
	assert.Equal(t, 1+2+1+60, pkg.PageCount)
}

func TestBuildFailsWholeJobOnMissingOrForbiddenDocument(t *testing.T) {
	a, store := newTestAssembler(t)
	own := putPDF(t, store, "alice", "mine.pdf", 400, 1)
	foreign := putPDF(t, store, "bob", "theirs.pdf", 400, 1)

	_, err := a.Build(context.Background(), Spec{Sections: []Section{
		{Title: "S", Documents: []DocumentRef{{DocumentID: own}, {DocumentID: "does-not-exist"}}},
	}}, "alice", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = a.Build(context.Background(), Spec{Sections: []Section{
		{Title: "S", Documents: []DocumentRef{{DocumentID: own}, {DocumentID: foreign}}},
	}}, "alice", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrForbidden))

	require.NoError(t, store.Grant(context.Background(), foreign, "alice", storage.PermissionView))
	_, err = a.Build(context.Background(), Spec{Sections: []Section{
		{Title: "S", Documents: []DocumentRef{{DocumentID: own}, {DocumentID: foreign}}},
	}}, "alice", nil)
	assert.NoError(t, err)
}

func TestBuildReportsProgress(t *testing.T) {
	a, store := newTestAssembler(t)
	doc := putPDF(t, store, "alice", "x.pdf", 400, 1)

	var stages []string
	_, err := a.Build(context.Background(), Spec{Sections: []Section{
		{Title: "S", Documents: []DocumentRef{{DocumentID: doc}}},
	}}, "alice", func(stage string, percent int) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"resolve", "render", "paginate", "merge", "outline", "done"}, stages)
}

func TestAssemblePersistsPackageAndIndex(t *testing.T) {
	a, store := newTestAssembler(t)
	docA := putPDF(t, store, "alice", "a.pdf", 400, 3)
	docB := putPDF(t, store, "alice", "b.pdf", 420, 1)

	res, err := a.Assemble(context.Background(), Spec{
		Title:        "Quarterly: Q1",
		IncludeIndex: true,
		Sections: []Section{
			{Title: "Contracts", Documents: []DocumentRef{{DocumentID: docA}}},
			{Title: "Invoices", Documents: []DocumentRef{{DocumentID: docB}, {DocumentID: docA, Label: "Contract again"}}},
		},
	}, "alice", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	require.NotNil(t, res.Index)

	obj, err := store.Read(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly_ Q1.pdf", obj.Filename)
	assert.Equal(t, storage.Hash(obj.Data), res.Document.Hash)
	assert.Equal(t, ModuleKey, obj.ModuleKey)

	n, err := pdf.NewManipulator().PageCount(obj.Data)
	require.NoError(t, err)
	assert.Equal(t, res.PageCount, n)
	assert.Equal(t, 1+1+1+3+1+1+3, n)

	require.NoError(t, store.AssertPermission(context.Background(), res.Document.ID, "alice", storage.PermissionEdit))

	idx, err := store.Read(context.Background(), res.Index.ID)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(idx.Data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{indexSheet}, f.GetSheetList())
	assert.Equal(t, indexSheet, f.GetSheetName(f.GetActiveSheetIndex()))
	rows, err := f.GetRows(indexSheet)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 4)
	assert.Equal(t, []string{"Contracts", "a.pdf", docA, "4", "3"}, rows[1][:5])
	assert.Equal(t, []string{"Invoices", "b.pdf", docB, "8", "1"}, rows[2][:5])
	assert.Equal(t, []string{"Invoices", "Contract again", docA, "9", "3"}, rows[3][:5])
}
