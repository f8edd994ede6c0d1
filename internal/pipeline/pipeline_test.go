package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/docvault/internal/assemble"
	"github.com/yourusername/docvault/internal/convert"
	"github.com/yourusername/docvault/internal/jobs"
	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/pdf/pdftest"
	"github.com/yourusername/docvault/internal/storage"
)

var fixedNow = func() time.Time { return time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC) }

type fixture struct {
	docs       *storage.LocalStore
	store      *jobs.SQLiteStore
	manager    *jobs.Manager
	service    *Service
	pdf        *pdf.Manipulator
	rasterizer *pdftest.Rasterizer
	logger     *slog.Logger

	audit      *AuditPackageProcessor
	conversion *ConversionProcessor
	finalize   *FinalizeProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	docs, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "docs"), "")
	require.NoError(t, err)
	store, err := jobs.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	manager, err := jobs.NewManager(store, nil, logger)
	require.NoError(t, err)

	r := &pdftest.Rasterizer{}
	m := pdf.NewManipulator(pdf.WithRasterizer(r))
	return &fixture{
		docs:       docs,
		store:      store,
		manager:    manager,
		service:    NewService(manager, docs, docs, m, 0, logger),
		pdf:        m,
		rasterizer: r,
		logger:     logger,
		audit:      NewAuditPackageProcessor(assemble.New(docs, docs, m, assemble.WithClock(fixedNow), assemble.WithLogger(logger)), logger),
		conversion: NewConversionProcessor(docs, docs, convert.New(m, fixedNow), logger),
		finalize:   NewFinalizeProcessor(docs, docs, m, logger),
	}
}

func (f *fixture) putPDF(t *testing.T, owner, name string, pages int) string {
	t.Helper()
	ref, err := f.docs.Write(context.Background(), storage.WriteRequest{
		Data:     pdftest.Document(t, pages),
		Filename: name,
		MimeType: "application/pdf",
		Owner:    owner,
	})
	require.NoError(t, err)
	return ref.ID
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func noCheckpoint(context.Context) error { return nil }

func testJob(t *testing.T, kind jobs.PipelineKind, spec any, user string) *jobs.Job {
	return &jobs.Job{ID: "job-1", Kind: kind, Status: jobs.StatusProcessing, Spec: mustJSON(t, spec), CreatedBy: user, Attempts: 1, MaxAttempts: 3}
}

func TestServiceSubmitAuditPackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.putPDF(t, "alice", "a.pdf", 1)
	b := f.putPDF(t, "alice", "b.pdf", 2)

	spec := assemble.Spec{Title: "Q1", Sections: []assemble.Section{
		{Title: "One", Documents: []assemble.DocumentRef{{DocumentID: a}, {DocumentID: b}}},
		{Title: "Two", Documents: []assemble.DocumentRef{{DocumentID: a, Label: "again"}}},
	}}
	job, err := f.service.Submit(ctx, jobs.KindAuditPackage, mustJSON(t, spec), "alice")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, []string{a, b}, job.DocumentIDs)
	assert.Equal(t, "alice", job.CreatedBy)
	assert.Equal(t, jobs.DefaultMaxAttempts, job.MaxAttempts)

	list, err := f.service.ListByDocument(ctx, jobs.KindAuditPackage, b, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, job.ID, list[0].ID)
}

func TestServiceSubmitRejectsWithoutCreatingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.putPDF(t, "alice", "a.pdf", 2)
	require.NoError(t, f.docs.Grant(ctx, doc, "bob", storage.PermissionView))

	tests := []struct {
		name  string
		kind  jobs.PipelineKind
		spec  string
		user  string
		check func(t *testing.T, err error)
	}{
		{"unknown pipeline", "bogus", `{}`, "alice", func(t *testing.T, err error) { assert.True(t, pdf.IsValidation(err)) }},
		{"empty audit spec", jobs.KindAuditPackage, `{"title":"x","sections":[]}`, "alice", func(t *testing.T, err error) { assert.True(t, pdf.IsValidation(err)) }},
		{"unknown field", jobs.KindConversion, `{"documentId":"` + doc + `","color":"red"}`, "alice", func(t *testing.T, err error) { assert.True(t, pdf.IsValidation(err)) }},
		{"malformed json", jobs.KindConversion, `{"documentId":`, "alice", func(t *testing.T, err error) { assert.True(t, pdf.IsValidation(err)) }},
		{"forbidden view", jobs.KindConversion, `{"documentId":"` + doc + `"}`, "mallory", func(t *testing.T, err error) { assert.ErrorIs(t, err, storage.ErrForbidden) }},
		{"finalize needs edit", jobs.KindFinalize, `{"documentId":"` + doc + `","pageNumbers":{"anchor":"bottom-center"}}`, "bob", func(t *testing.T, err error) { assert.ErrorIs(t, err, storage.ErrForbidden) }},
		{"redaction page out of range", jobs.KindFinalize, `{"documentId":"` + doc + `","redactions":[{"page":3,"x":0,"y":0,"width":0.5,"height":0.5}]}`, "alice", func(t *testing.T, err error) { assert.True(t, pdf.IsValidation(err)) }},
		{"redaction outside page", jobs.KindFinalize, `{"documentId":"` + doc + `","redactions":[{"page":1,"x":0.8,"y":0,"width":0.5,"height":0.5}]}`, "alice", func(t *testing.T, err error) { assert.True(t, pdf.IsValidation(err)) }},
		{"finalize without steps", jobs.KindFinalize, `{"documentId":"` + doc + `"}`, "alice", func(t *testing.T, err error) { assert.True(t, pdf.IsValidation(err)) }},
		{"missing document", jobs.KindConversion, `{"documentId":"nope"}`, "alice", func(t *testing.T, err error) { assert.ErrorIs(t, err, storage.ErrNotFound) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := f.service.Submit(ctx, tt.kind, json.RawMessage(tt.spec), tt.user)
			require.Error(t, err)
			assert.Nil(t, job)
			tt.check(t, err)
		})
	}

	list, err := f.store.ListByDocument(ctx, doc, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServiceJobVisibilityAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.putPDF(t, "alice", "a.pdf", 1)

	job, err := f.service.Submit(ctx, jobs.KindConversion, mustJSON(t, ConversionSpec{DocumentID: doc}), "alice")
	require.NoError(t, err)

	got, err := f.service.Get(ctx, jobs.KindConversion, job.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = f.service.Get(ctx, jobs.KindConversion, job.ID, "bob")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	_, err = f.service.Get(ctx, jobs.KindFinalize, job.ID, "alice")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	_, err = f.service.Cancel(ctx, jobs.KindConversion, job.ID, "bob")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)

	_, err = f.service.ListByDocument(ctx, jobs.KindConversion, doc, "bob")
	assert.ErrorIs(t, err, storage.ErrForbidden)

	cancelled, err := f.service.Cancel(ctx, jobs.KindConversion, job.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)

	_, err = f.service.Cancel(ctx, jobs.KindConversion, job.ID, "alice")
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestConversionProcessorText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, err := f.docs.Write(ctx, storage.WriteRequest{
		Data:      []byte("Minutes\n\nThe board approved the budget.\n"),
		Filename:  "minutes.txt",
		MimeType:  "text/plain",
		ModuleKey: "board",
		Owner:     "alice",
	})
	require.NoError(t, err)

	out, err := f.conversion.Process(ctx, testJob(t, jobs.KindConversion, ConversionSpec{DocumentID: src.ID}, "alice"), noCheckpoint)
	require.NoError(t, err)
	require.NotEmpty(t, out.OutputRef)
	assert.Equal(t, []string{out.OutputRef}, out.DocumentIDs)

	var meta ConversionMeta
	require.NoError(t, json.Unmarshal(out.Meta, &meta))
	assert.Equal(t, convert.KindText, meta.SourceKind)
	assert.Equal(t, 1, meta.PageCount)

	obj, err := f.docs.Read(ctx, out.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, "minutes.pdf", obj.Filename)
	assert.Equal(t, "application/pdf", obj.MimeType)
	assert.Equal(t, "board", obj.ModuleKey)
	assert.Equal(t, meta.Hash, storage.Hash(obj.Data))

	text, err := f.pdf.ExtractText(obj.Data)
	require.NoError(t, err)
	assert.Contains(t, text[0], "approved")
	require.NoError(t, f.docs.AssertPermission(ctx, out.OutputRef, "alice", storage.PermissionEdit))
}

func TestConversionProcessorPermissionRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.putPDF(t, "alice", "a.pdf", 1)
	require.NoError(t, f.docs.Grant(ctx, doc, "bob", storage.PermissionView))
	job := testJob(t, jobs.KindConversion, ConversionSpec{DocumentID: doc}, "bob")
	require.NoError(t, f.docs.Revoke(ctx, doc, "bob"))

	_, err := f.conversion.Process(ctx, job, noCheckpoint)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrForbidden)
	assert.True(t, jobs.IsPermanent(err))
}

func TestProcessorRejectsCorruptSpec(t *testing.T) {
	f := newFixture(t)
	job := &jobs.Job{ID: "j", Kind: jobs.KindFinalize, Spec: json.RawMessage(`{"documentId":""}`), CreatedBy: "alice"}
	_, err := f.finalize.Process(context.Background(), job, noCheckpoint)
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
}

func TestFinalizeProcessorRedactsThenOverlays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.putPDF(t, "alice", "contract.pdf", 2)

	spec := FinalizeSpec{
		DocumentID:    doc,
		Redactions:    []pdf.Redaction{{Page: 1, X: 0.1, Y: 0.1, Width: 0.3, Height: 0.05}},
		RedactDensity: 72,
		Stamps:        []pdf.TextPlacement{{Page: 2, X: 100, Y: 100, Text: "APPROVED"}},
		PageNumbers:   &pdf.PageNumberOptions{Anchor: pdf.AnchorBottomCenter},
	}
	out, err := f.finalize.Process(ctx, testJob(t, jobs.KindFinalize, spec, "alice"), noCheckpoint)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.rasterizer.Calls.Load())

	var meta FinalizeMeta
	require.NoError(t, json.Unmarshal(out.Meta, &meta))
	assert.Equal(t, []string{"redact", "stamp", "page-numbers"}, meta.Steps)
	assert.Equal(t, 2, meta.PageCount)
	assert.Equal(t, 1, meta.Redactions)

	obj, err := f.docs.Read(ctx, out.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, "contract-final.pdf", obj.Filename)

	texts, err := f.pdf.ExtractText(obj.Data)
	require.NoError(t, err)
	require.Len(t, texts, 2)
	// 元の本文は画像化で消えている
	assert.NotContains(t, texts[0], "PAGE 1")
	assert.NotContains(t, texts[1], "PAGE 2")
}

func TestFinalizeProcessorStopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.putPDF(t, "alice", "a.pdf", 1)
	spec := FinalizeSpec{
		DocumentID: doc,
		Redactions: []pdf.Redaction{{Page: 1, X: 0, Y: 0, Width: 1, Height: 1}},
	}
	cancelled := func(context.Context) error { return jobs.ErrCancelled }

	_, err := f.finalize.Process(ctx, testJob(t, jobs.KindFinalize, spec, "alice"), cancelled)
	assert.ErrorIs(t, err, jobs.ErrCancelled)
	assert.EqualValues(t, 0, f.rasterizer.Calls.Load())
}

func TestFinalizeProcessorRenderFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	f.rasterizer.Err = pdf.NewError(pdf.CodeRenderFailed, "gs crashed", nil)
	doc := f.putPDF(t, "alice", "a.pdf", 1)
	spec := FinalizeSpec{DocumentID: doc, Redactions: []pdf.Redaction{{Page: 1, X: 0, Y: 0, Width: 0.5, Height: 0.5}}}

	_, err := f.finalize.Process(context.Background(), testJob(t, jobs.KindFinalize, spec, "alice"), noCheckpoint)
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))
}

func TestVerifyRedactedTextLeftIsPermanent(t *testing.T) {
	f := newFixture(t)

	err := verifyRedacted(f.pdf, pdftest.Document(t, 1))
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
	assert.Contains(t, jobs.Describe(err), pdf.CodeRenderFailed)

	redacted, err := f.pdf.RedactByRasterize(context.Background(), pdftest.Document(t, 1),
		[]pdf.Redaction{{Page: 1, X: 0, Y: 0, Width: 0.5, Height: 0.5}}, 72)
	require.NoError(t, err)
	assert.NoError(t, verifyRedacted(f.pdf, redacted))
}

func TestAuditPackageProcessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.putPDF(t, "alice", "a.pdf", 2)
	b := f.putPDF(t, "alice", "b.pdf", 1)
	spec := assemble.Spec{
		Title:        "Audit",
		IncludeIndex: true,
		Sections: []assemble.Section{
			{Title: "Evidence", Documents: []assemble.DocumentRef{{DocumentID: a}, {DocumentID: b}}},
		},
	}

	out, err := f.audit.Process(ctx, testJob(t, jobs.KindAuditPackage, spec, "alice"), noCheckpoint)
	require.NoError(t, err)

	var meta AuditPackageMeta
	require.NoError(t, json.Unmarshal(out.Meta, &meta))
	assert.True(t, meta.Converged)
	assert.Equal(t, 1, meta.TocPages)
	// 表紙 + 目次 + 区切り + 2 + 1
	assert.Equal(t, 6, meta.PageCount)
	require.NotEmpty(t, meta.IndexDocumentID)
	assert.ElementsMatch(t, []string{out.OutputRef, meta.IndexDocumentID}, out.DocumentIDs)

	obj, err := f.docs.Read(ctx, out.OutputRef)
	require.NoError(t, err)
	n, err := f.pdf.PageCount(obj.Data)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestAuditPackageProcessorMissingDocument(t *testing.T) {
	f := newFixture(t)
	spec := assemble.Spec{Title: "Audit", Sections: []assemble.Section{
		{Title: "S", Documents: []assemble.DocumentRef{{DocumentID: "deleted"}}},
	}}
	_, err := f.audit.Process(context.Background(), testJob(t, jobs.KindAuditPackage, spec, "alice"), noCheckpoint)
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
}

func TestSubmitAndRunThroughScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.putPDF(t, "alice", "report.pdf", 3)

	results := make(chan jobs.Result, 1)
	sched, err := jobs.NewScheduler(f.store, f.finalize, jobs.SchedulerConfig{Kind: jobs.KindFinalize, MaxConcurrent: 1}, f.logger,
		jobs.WithCompletion(func(r jobs.Result) { results <- r }))
	require.NoError(t, err)

	job, err := f.service.Submit(ctx, jobs.KindFinalize,
		json.RawMessage(`{"documentId":"`+doc+`","watermark":{"text":"DRAFT"},"headerFooter":[{"text":"Confidential","anchor":"top-right"}]}`), "alice")
	require.NoError(t, err)

	require.Equal(t, 1, sched.Tick(ctx))
	var r jobs.Result
	select {
	case r = <-results:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
	require.NoError(t, r.Err)
	assert.Equal(t, jobs.StatusCompleted, r.Job.Status)

	done, err := f.service.Get(ctx, jobs.KindFinalize, job.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	require.NotEmpty(t, done.OutputRef)

	list, err := f.service.ListByDocument(ctx, jobs.KindFinalize, done.OutputRef, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, job.ID, list[0].ID)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(stopCtx))
}
