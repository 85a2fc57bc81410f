package pano

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pano-forge/internal/catalog"
	"github.com/yourusername/pano-forge/internal/jobs"
)

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r.Group("/api"), svc)
	return r
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if filename != "" {
		part, err := writer.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	} else if err := writer.WriteField("note", "no file"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func doRequest(r http.Handler, method, path, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error response %q: %v", rec.Body.String(), err)
	}
	return payload["code"]
}

func TestPanoramaRoutesLifecycle(t *testing.T) {
	fx := newFixture(t, testMaxFileSize)
	r := newTestRouter(fx.svc)

	body, contentType := multipartBody(t, "file", "atrium.jpg", encodeJPEG(t, 128, 64))
	rec := doRequest(r, http.MethodPost, "/api/upload", contentType, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &uploaded); err != nil || uploaded.ID == "" {
		t.Fatalf("unexpected upload response: %s", rec.Body.String())
	}

	rec = doRequest(r, http.MethodGet, "/api/status/"+uploaded.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var job jobs.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.State != jobs.StateCompleted || job.Progress != 100 || job.OutputPath == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Fatalf("status field missing from %s", rec.Body.String())
	}

	rec = doRequest(r, http.MethodPut, "/api/panoramas/"+uploaded.ID, "application/json", bytes.NewBufferString(`{"name":"  Atrium  "}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(r, http.MethodGet, "/api/panoramas", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var records []catalog.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(records) != 1 || records[0].ID != uploaded.ID || records[0].Name != "Atrium" {
		t.Fatalf("unexpected records: %+v", records)
	}

	rec = doRequest(r, http.MethodDelete, "/api/panoramas/"+uploaded.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doRequest(r, http.MethodDelete, "/api/panoramas/"+uploaded.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
	rec = doRequest(r, http.MethodGet, "/api/status/"+uploaded.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", rec.Code)
	}
}

func TestListReturnsEmptyArray(t *testing.T) {
	fx := newFixture(t, testMaxFileSize)
	rec := doRequest(newTestRouter(fx.svc), http.MethodGet, "/api/panoramas", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("body = %q, want []", rec.Body.String())
	}
}

func TestUploadHandlerErrors(t *testing.T) {
	cases := []struct {
		name     string
		maxSize  int64
		filename string
		data     []byte
		status   int
		code     string
	}{
		{"missing file", testMaxFileSize, "", nil, http.StatusBadRequest, CodeInvalidInput},
		{"unsupported extension", testMaxFileSize, "a.bmp", []byte("BM...."), http.StatusBadRequest, CodeUnsupportedFormat},
		{"empty file", testMaxFileSize, "a.jpg", []byte{}, http.StatusBadRequest, CodeInvalidInput},
		{"too large", 1000, "a.jpg", append([]byte{0xff, 0xd8, 0xff, 0xe0}, make([]byte, 3000)...), http.StatusRequestEntityTooLarge, CodeLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, tc.maxSize)
			body, contentType := multipartBody(t, "file", tc.filename, tc.data)
			rec := doRequest(newTestRouter(fx.svc), http.MethodPost, "/api/upload", contentType, body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.status, rec.Body.String())
			}
			if code := decodeCode(t, rec); code != tc.code {
				t.Fatalf("code = %s, want %s", code, tc.code)
			}
		})
	}
}

func TestUploadHandlerNotMultipart(t *testing.T) {
	fx := newFixture(t, testMaxFileSize)
	rec := doRequest(newTestRouter(fx.svc), http.MethodPost, "/api/upload", "application/json", bytes.NewBufferString(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRenameHandlerValidation(t *testing.T) {
	fx := newFixture(t, testMaxFileSize)
	r := newTestRouter(fx.svc)
	if err := fx.catalog.Append(catalog.Record{ID: "p1", Name: "old"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"blank name", "/api/panoramas/p1", `{"name":"   "}`, http.StatusBadRequest},
		{"missing name", "/api/panoramas/p1", `{}`, http.StatusBadRequest},
		{"malformed json", "/api/panoramas/p1", `{"name":`, http.StatusBadRequest},
		{"unknown id", "/api/panoramas/nope", `{"name":"x"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := doRequest(r, http.MethodPut, tc.path, "application/json", bytes.NewBufferString(tc.body))
		if rec.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.status)
		}
	}

	records, err := fx.catalog.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if records[0].Name != "old" {
		t.Fatalf("name changed to %q", records[0].Name)
	}
}

type stubStatusService struct {
	err error
}

func (s stubStatusService) Status(context.Context, string) (*jobs.Job, error) {
	return nil, s.err
}

func TestRespondWithErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"coded", newError(CodeInvalidInput, "x", nil), http.StatusBadRequest, CodeInvalidInput},
		{"limit", newError(CodeLimitExceeded, "x", nil), http.StatusRequestEntityTooLarge, CodeLimitExceeded},
		{"storage", newError(CodeStorageError, "x", context.DeadlineExceeded), http.StatusInternalServerError, CodeStorageError},
		{"canceled", context.Canceled, http.StatusRequestTimeout, "REQUEST_CANCELED"},
		{"other", jobs.ErrJobNotFound, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		gin.SetMode(gin.TestMode)
		r := gin.New()
		r.GET("/status/:id", StatusHandler(stubStatusService{err: tc.err}))
		rec := doRequest(r, http.MethodGet, "/status/x", "", nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.status)
		}
		if code := decodeCode(t, rec); code != tc.code {
			t.Fatalf("%s: code = %s, want %s", tc.name, code, tc.code)
		}
	}
}
