package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/docvault/internal/auth"
	"github.com/yourusername/docvault/internal/config"
	"github.com/yourusername/docvault/internal/jobs"
	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/pdf/pdftest"
	"github.com/yourusername/docvault/internal/storage"
)

type testServer struct {
	router  *gin.Engine
	docs    *storage.LocalStore
	rt      *jobRuntime
	cookies []*http.Cookie
	csrf    string
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	dir := t.TempDir()
	return &config.Config{
		AppUsername:       "alice",
		AppPasswordHash:   string(hash),
		SessionSecret:     "test-secret-test-secret-test-secret",
		MaxFileSize:       1 << 20,
		StorageDir:        filepath.Join(dir, "documents"),
		JobStoreDriver:    "sqlite",
		JobSQLitePath:     filepath.Join(dir, "jobs.db"),
		JobMaxAttempts:    3,
		JobStuckMinutes:   15,
		JobClaimBatch:     10,
		JobRetentionHours: 24,
		RasterDensity:     150,
		TocMaxIterations:  3,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	docs, err := storage.NewLocalStore(cfg.StorageDir, "/api/documents")
	require.NoError(t, err)
	rt, err := setupJobs(cfg, docs, pdf.NewManipulator(pdf.WithRasterizer(&pdftest.Rasterizer{})), logger)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})

	router := gin.New()
	router.Use(sessions.Sessions(auth.SessionCookieName, newSessionStore(cfg)))
	setupRoutes(router, cfg, &handlers{docs: docs, service: rt.service, maxFile: cfg.MaxFileSize, logger: logger})
	return &testServer{router: router, docs: docs, rt: rt}
}

func (s *testServer) login(t *testing.T) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username":"alice","password":"s3cret"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	s.cookies = w.Result().Cookies()
	s.csrf = w.Header().Get("X-CSRF-Token")
	require.NotEmpty(t, s.csrf)
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	for _, c := range s.cookies {
		req.AddCookie(c)
	}
	if s.csrf != "" {
		req.Header.Set("X-CSRF-Token", s.csrf)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) doJSON(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.do(t, req)
}

func (s *testServer) upload(t *testing.T, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("moduleKey", "contracts"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(t, req)
}

func (s *testServer) putPDF(t *testing.T, owner string, pages int) string {
	t.Helper()
	ref, err := s.docs.Write(context.Background(), storage.WriteRequest{
		Data:     pdftest.Document(t, pages),
		Filename: "source.pdf",
		Owner:    owner,
	})
	require.NoError(t, err)
	return ref.ID
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	return job
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "docvault-api")
}

func TestProtectedRoutesRequireLogin(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	w := s.doJSON(t, http.MethodPost, "/api/finalize/start", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadAndDownloadDocument(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.login(t)

	data := pdftest.Document(t, 2)
	w := s.upload(t, "契約書.pdf", data)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ref storage.Ref
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ref))
	assert.Equal(t, storage.Hash(data), ref.Hash)
	assert.Equal(t, int64(len(data)), ref.Size)

	dl := s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+ref.ID, nil))
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "application/pdf", dl.Header().Get("Content-Type"))
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "filename*=UTF-8''%E5%A5%91%E7%B4%84%E6%9B%B8.pdf")
	assert.Equal(t, data, dl.Body.Bytes())

	obj, err := s.docs.Read(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "contracts", obj.ModuleKey)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileSize = 16
	s := newTestServer(t, cfg)
	s.login(t)

	w := s.upload(t, "big.txt", bytes.Repeat([]byte("x"), 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, pdf.CodeLimitExceeded, errorCode(t, w))
}

func TestUploadRequiresFileField(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.login(t)
	w := s.doJSON(t, http.MethodPost, "/api/documents", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, w))
}

func TestDocumentPermissions(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.login(t)
	ctx := context.Background()
	doc := s.putPDF(t, "bob", 1)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+doc, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w))

	w = s.doJSON(t, http.MethodPost, "/api/documents/"+doc+"/grants", `{"userId":"carol","permission":"view"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	require.NoError(t, s.docs.Grant(ctx, doc, "alice", storage.PermissionView))
	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+doc, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/"+doc, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "DOCUMENT_NOT_FOUND", errorCode(t, w))
}

func TestGrantAndRevoke(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.login(t)
	ctx := context.Background()
	doc := s.putPDF(t, "alice", 1)

	w := s.doJSON(t, http.MethodPost, "/api/documents/"+doc+"/grants", `{"userId":"bob","permission":"owner"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.doJSON(t, http.MethodPost, "/api/documents/"+doc+"/grants", `{"userId":"bob","permission":"view"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.NoError(t, s.docs.AssertPermission(ctx, doc, "bob", storage.PermissionView))

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/"+doc+"/grants/bob", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.ErrorIs(t, s.docs.AssertPermission(ctx, doc, "bob", storage.PermissionView), storage.ErrForbidden)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/"+doc, nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	_, err := s.docs.Read(ctx, doc)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinalizeJobLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.login(t)
	doc := s.putPDF(t, "alice", 2)

	body := fmt.Sprintf(`{"documentId":%q,"stamps":[{"page":2,"x":10,"y":10,"text":"APPROVED"}]}`, doc)
	w := s.doJSON(t, http.MethodPost, "/api/finalize/start", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decodeJob(t, w)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, jobs.KindFinalize, job.Kind)
	assert.Equal(t, "alice", job.CreatedBy)
	assert.Equal(t, 3, job.MaxAttempts)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/finalize/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.ID, decodeJob(t, w).ID)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/conversions/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errorCode(t, w))

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/finalize/documents/"+doc+"/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.ID, list.Jobs[0].ID)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/audit-packages/documents/"+doc+"/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":[]}`, w.Body.String())

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/finalize/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jobs.StatusCancelled, decodeJob(t, w).Status)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/finalize/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, w))
}

func TestStartRejectsInvalidRequests(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.login(t)
	own := s.putPDF(t, "alice", 1)
	other := s.putPDF(t, "bob", 1)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"empty body", "/api/conversions/start", "", http.StatusBadRequest, pdf.CodeInvalidInput},
		{"unknown field", "/api/conversions/start", fmt.Sprintf(`{"documentId":%q,"bogus":1}`, own), http.StatusBadRequest, pdf.CodeInvalidInput},
		{"nothing to do", "/api/finalize/start", fmt.Sprintf(`{"documentId":%q}`, own), http.StatusBadRequest, pdf.CodeInvalidInput},
		{"page out of range", "/api/finalize/start", fmt.Sprintf(`{"documentId":%q,"stamps":[{"page":5,"text":"x"}]}`, own), http.StatusBadRequest, pdf.CodeInvalidInput},
		{"forbidden document", "/api/conversions/start", fmt.Sprintf(`{"documentId":%q}`, other), http.StatusForbidden, "FORBIDDEN"},
		{"missing document", "/api/conversions/start", `{"documentId":"nope"}`, http.StatusNotFound, "DOCUMENT_NOT_FOUND"},
		{"empty audit package", "/api/audit-packages/start", `{"title":"Q1","sections":[]}`, http.StatusBadRequest, pdf.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.doJSON(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}

	list, err := s.rt.store.ListByDocument(context.Background(), own, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStartRejectsOversizedSpec(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.login(t)
	body := `{"documentId":"` + strings.Repeat("a", maxSpecBytes) + `"}`
	w := s.doJSON(t, http.MethodPost, "/api/conversions/start", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, pdf.CodeLimitExceeded, errorCode(t, w))
}

func TestSetupJobsStartsEnabledPipelines(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuditPackage = config.PipelineConfig{Enabled: true, Concurrency: 1, PollInterval: time.Hour}
	cfg.Finalize = config.PipelineConfig{Enabled: true, Concurrency: 9, PollInterval: time.Hour}
	cfg.JobMaintenanceSpec = "@every 1h"

	docs, err := storage.NewLocalStore(cfg.StorageDir, "")
	require.NoError(t, err)
	rt, err := setupJobs(cfg, docs, pdf.NewManipulator(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	require.Len(t, rt.schedulers, 2)
	assert.Equal(t, jobs.KindAuditPackage, rt.schedulers[0].Kind())
	assert.Equal(t, jobs.KindFinalize, rt.schedulers[1].Kind())
	assert.Nil(t, rt.kickServer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.Stop(ctx))
}

func TestJobRuntimeStartFailureStopsStartedSchedulers(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuditPackage = config.PipelineConfig{Enabled: true, Concurrency: 1, PollInterval: time.Hour}
	cfg.Finalize = config.PipelineConfig{Enabled: true, Concurrency: 1, PollInterval: time.Hour}

	docs, err := storage.NewLocalStore(cfg.StorageDir, "")
	require.NoError(t, err)
	rt, err := setupJobs(cfg, docs, pdf.NewManipulator(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.Len(t, rt.schedulers, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.schedulers[1].Start(ctx))

	err = rt.Start(ctx)
	require.Error(t, err)
	assert.False(t, rt.schedulers[0].Running())

	require.NoError(t, rt.Stop(ctx))
	assert.False(t, rt.schedulers[1].Running())
}

func TestJobRuntimeMaintenanceFailureStopsSchedulers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Conversion = config.PipelineConfig{Enabled: true, Concurrency: 1, PollInterval: time.Hour}
	cfg.JobMaintenanceSpec = "not a schedule"

	docs, err := storage.NewLocalStore(cfg.StorageDir, "")
	require.NoError(t, err)
	rt, err := setupJobs(cfg, docs, pdf.NewManipulator(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Close()

	require.Error(t, rt.Start(context.Background()))
	require.Len(t, rt.schedulers, 1)
	assert.False(t, rt.schedulers[0].Running())
}

func TestSetupJobsRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.JobStoreDriver = "redis"
	cfg.QueueRedisURL = "://bad"
	docs, err := storage.NewLocalStore(cfg.StorageDir, "")
	require.NoError(t, err)
	_, err = setupJobs(cfg, docs, pdf.NewManipulator(), nil)
	assert.Error(t, err)
}

func TestRespondWithError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", pdf.NewError(pdf.CodeInvalidInput, "bad", nil), http.StatusBadRequest, pdf.CodeInvalidInput},
		{"unsupported", pdf.NewError(pdf.CodeUnsupportedPDF, "bad", nil), http.StatusBadRequest, pdf.CodeUnsupportedPDF},
		{"limit", pdf.NewError(pdf.CodeLimitExceeded, "big", nil), http.StatusRequestEntityTooLarge, pdf.CodeLimitExceeded},
		{"forbidden", fmt.Errorf("document x: %w", storage.ErrForbidden), http.StatusForbidden, "FORBIDDEN"},
		{"document not found", storage.ErrNotFound, http.StatusNotFound, "DOCUMENT_NOT_FOUND"},
		{"job not found", jobs.ErrJobNotFound, http.StatusNotFound, "JOB_NOT_FOUND"},
		{"transition", fmt.Errorf("cancel: %w", jobs.ErrInvalidTransition), http.StatusConflict, "INVALID_TRANSITION"},
		{"canceled", context.Canceled, http.StatusRequestTimeout, "REQUEST_CANCELED"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			respondWithError(c, tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestASCIIFilename(t *testing.T) {
	assert.Equal(t, "___.pdf", asciiFilename("契約書.pdf"))
	assert.Equal(t, "a_b_.pdf", asciiFilename(`a"b\.pdf`))
}
