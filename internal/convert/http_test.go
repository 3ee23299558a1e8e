package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type stubConvertService struct {
	manifest   *JobManifest
	prepareErr error
	result     *Result
	runErr     error

	prepareCalled bool
	runCalled     bool
	discarded     []string
}

func (s *stubConvertService) PrepareConvertJob(ctx context.Context, file *multipart.FileHeader) (*JobManifest, error) {
	s.prepareCalled = true
	return s.manifest, s.prepareErr
}

func (s *stubConvertService) RunJob(ctx context.Context, jobID string, reporter ProgressReporter) (*Result, error) {
	s.runCalled = true
	return s.result, s.runErr
}

func (s *stubConvertService) DiscardJob(jobID string) error {
	s.discarded = append(s.discarded, jobID)
	return nil
}

type stubScheduler struct {
	err       error
	scheduled []string
}

func (s *stubScheduler) Schedule(ctx context.Context, op OperationType, jobID string) error {
	if s.err != nil {
		return s.err
	}
	s.scheduled = append(s.scheduled, jobID)
	return nil
}

func buildUploadRequest(t *testing.T, fieldName, fileName string, content []byte, extraFields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if fieldName != "" {
		fileWriter, err := writer.CreateFormFile(fieldName, fileName)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := io.Copy(fileWriter, bytes.NewReader(content)); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	for key, value := range extraFields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field %s: %v", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serveConvert(svc ConvertService, opts HandlerOptions, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router := gin.New()
	router.POST("/convert", ConvertHandler(svc, opts))
	router.ServeHTTP(rec, req)
	return rec
}

func TestConvertHandlerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tempDir := t.TempDir()
	jobDir := filepath.Join(tempDir, "job")
	outDir := filepath.Join(jobDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("failed to create outDir: %v", err)
	}

	outputPath := filepath.Join(outDir, outputFilename)
	pdfData := []byte("%PDF-1.4\n% dummy pdf content\n")
	if err := os.WriteFile(outputPath, pdfData, 0o640); err != nil {
		t.Fatalf("failed to create output file: %v", err)
	}

	service := &stubConvertService{
		manifest: &JobManifest{
			JobID:      "job-123",
			Operation:  OperationConvert,
			Files:      []JobFile{{StoredName: sourceFilename, OriginalName: "novel.epub", Size: 5}},
			OutputName: "novel.pdf",
		},
		result: &Result{
			JobID:          "job-123",
			Operation:      OperationConvert,
			OutputPath:     outputPath,
			OutputFilename: "novel.pdf",
			OutputSize:     int64(len(pdfData)),
			ResultKind:     ResultKindPDF,
			jobDir:         jobDir,
		},
	}

	req := buildUploadRequest(t, "file", "novel.epub", []byte("dummy"), nil)
	rec := serveConvert(service, HandlerOptions{}, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content-type: %s", ct)
	}
	cd := rec.Header().Get("Content-Disposition")
	if !strings.Contains(cd, `filename="novel.pdf"`) {
		t.Fatalf("unexpected Content-Disposition: %s", cd)
	}
	if rec.Header().Get("X-Job-Id") != "job-123" {
		t.Fatalf("unexpected X-Job-Id header: %s", rec.Header().Get("X-Job-Id"))
	}
	if !bytes.Equal(rec.Body.Bytes(), pdfData) {
		t.Fatalf("unexpected response body: %q", rec.Body.Bytes())
	}

	// レスポンス完了後に作業ディレクトリが残っていないこと
	if _, err := os.Stat(jobDir); !os.IsNotExist(err) {
		t.Fatalf("expected jobDir to be removed, stat err=%v", err)
	}
}

func TestConvertHandlerNoFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}

	req := buildUploadRequest(t, "", "", nil, map[string]string{"note": "no file"})
	rec := serveConvert(service, HandlerOptions{}, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if service.prepareCalled {
		t.Fatal("prepare should not be called without a file")
	}
	if service.runCalled {
		t.Fatal("converter should not be invoked without a file")
	}
}

func TestConvertHandlerInvalidExtension(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{
		prepareErr: newError(CodeInvalidInput, "対応していないファイル形式です。EPUBファイルをアップロードしてください。", nil),
	}

	req := buildUploadRequest(t, "file", "novel.mobi", []byte("dummy"), nil)
	rec := serveConvert(service, HandlerOptions{}, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if service.runCalled {
		t.Fatal("converter should not be invoked for invalid input")
	}

	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["code"] != CodeInvalidInput {
		t.Fatalf("unexpected code: %s", payload["code"])
	}
}

func TestConvertHandlerLimitExceeded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{
		prepareErr: newError(CodeLimitExceeded, "ファイルサイズが上限（100MB）を超えています。", nil),
	}

	req := buildUploadRequest(t, "file", "big.epub", []byte("dummy"), nil)
	rec := serveConvert(service, HandlerOptions{}, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestConvertHandlerToolNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{
		manifest: &JobManifest{JobID: "job-1", Operation: OperationConvert},
		runErr:   newError(CodeToolNotFound, installGuidance, nil),
	}

	req := buildUploadRequest(t, "file", "novel.epub", []byte("dummy"), nil)
	rec := serveConvert(service, HandlerOptions{}, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["code"] != CodeToolNotFound {
		t.Fatalf("unexpected code: %s", payload["code"])
	}
	if !strings.Contains(payload["message"], "brew install calibre") {
		t.Fatalf("expected install guidance in message, got: %s", payload["message"])
	}
}

func TestConvertHandlerTimeout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{
		manifest: &JobManifest{JobID: "job-1", Operation: OperationConvert},
		runErr:   newError(CodeTimeout, "変換がタイムアウトしました。", context.DeadlineExceeded),
	}

	req := buildUploadRequest(t, "file", "novel.epub", []byte("dummy"), nil)
	rec := serveConvert(service, HandlerOptions{}, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestConvertHandlerConversionFailed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{
		manifest: &JobManifest{JobID: "job-1", Operation: OperationConvert},
		runErr:   newError(CodeConversionFailed, "変換に失敗しました: something broke", nil),
	}

	req := buildUploadRequest(t, "file", "novel.epub", []byte("dummy"), nil)
	rec := serveConvert(service, HandlerOptions{}, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["code"] != CodeConversionFailed {
		t.Fatalf("unexpected code: %s", payload["code"])
	}
}

func TestConvertHandlerAsyncThreshold(t *testing.T) {
	gin.SetMode(gin.TestMode)
	scheduler := &stubScheduler{}
	service := &stubConvertService{
		manifest: &JobManifest{
			JobID:     "job-async",
			Operation: OperationConvert,
			Files:     []JobFile{{StoredName: sourceFilename, OriginalName: "big.epub", Size: 1000}},
		},
	}

	req := buildUploadRequest(t, "file", "big.epub", []byte("dummy"), nil)
	rec := serveConvert(service, HandlerOptions{Scheduler: scheduler, AsyncThresholdBytes: 100}, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if service.runCalled {
		t.Fatal("sync run should not happen for async jobs")
	}
	if len(scheduler.scheduled) != 1 || scheduler.scheduled[0] != "job-async" {
		t.Fatalf("unexpected scheduled jobs: %#v", scheduler.scheduled)
	}

	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["jobId"] != "job-async" {
		t.Fatalf("unexpected jobId: %s", payload["jobId"])
	}
}

func TestConvertHandlerAsyncRequested(t *testing.T) {
	gin.SetMode(gin.TestMode)
	scheduler := &stubScheduler{}
	service := &stubConvertService{
		manifest: &JobManifest{
			JobID:     "job-async",
			Operation: OperationConvert,
			Files:     []JobFile{{StoredName: sourceFilename, OriginalName: "small.epub", Size: 5}},
		},
	}

	req := buildUploadRequest(t, "file", "small.epub", []byte("dummy"), map[string]string{"async": "1"})
	rec := serveConvert(service, HandlerOptions{Scheduler: scheduler, AsyncThresholdBytes: 1 << 30}, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestConvertHandlerScheduleFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	scheduler := &stubScheduler{err: errors.New("queue down")}
	service := &stubConvertService{
		manifest: &JobManifest{
			JobID:     "job-async",
			Operation: OperationConvert,
			Files:     []JobFile{{StoredName: sourceFilename, OriginalName: "big.epub", Size: 1000}},
		},
	}

	req := buildUploadRequest(t, "file", "big.epub", []byte("dummy"), nil)
	rec := serveConvert(service, HandlerOptions{Scheduler: scheduler, AsyncThresholdBytes: 100}, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(service.discarded) != 1 || service.discarded[0] != "job-async" {
		t.Fatalf("expected prepared job to be discarded, got: %#v", service.discarded)
	}
}
