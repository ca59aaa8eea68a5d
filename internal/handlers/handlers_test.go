package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/deepfake-detector/internal/auth"
	"github.com/example/deepfake-detector/internal/events"
	"github.com/example/deepfake-detector/internal/localmodel"
	"github.com/example/deepfake-detector/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubClassifier struct {
	requests []usecase.Request
	resp     *usecase.Response
	panics   bool
}

func (s *stubClassifier) Classify(ctx context.Context, req usecase.Request) *usecase.Response {
	if s.panics {
		panic("boom")
	}
	s.requests = append(s.requests, req)
	if s.resp != nil {
		return s.resp
	}
	return &usecase.Response{Status: usecase.StatusSuccess, Model: "remote:genai", ModelsUsed: []string{"remote:genai"}}
}

func (s *stubClassifier) RemoteConfigured() bool { return true }

type stubEvents struct {
	records []*events.Record
	err     error
}

func (s *stubEvents) Write(ctx context.Context, rec *events.Record) error {
	s.records = append(s.records, rec)
	return s.err
}

type stubMembers struct{}

func (stubMembers) Status() []localmodel.MemberStatus {
	return []localmodel.MemberStatus{{Name: "vit", Kind: "grpc", Loaded: false, Error: "dial timeout"}}
}

func newTestRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Recovery(zap.NewNop()))
	router.MaxMultipartMemory = MaxUploadSize
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RemoteModels == "" {
		opts.RemoteModels = "genai"
	}
	RegisterRoutes(router, opts)
	return router
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode body %q: %v", resp.Body.String(), err)
	}
	return doc
}

func TestClassifyFileRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(Options{Classifier: &stubClassifier{}, MaxUploadBytes: 1024})

	body, contentType := buildMultipartBody(t, "file", "image/png", bytes.Repeat([]byte("a"), 1025))
	req := httptest.NewRequest(http.MethodPost, "/classify/file", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if decodeBody(t, resp)["status"] != "error" {
		t.Fatalf("expected error status, got %s", resp.Body.String())
	}
}

func TestClassifyFileRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(Options{Classifier: &stubClassifier{}})

	body, contentType := buildMultipartBody(t, "file", "text/plain", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/classify/file", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestClassifyFileParsesFlags(t *testing.T) {
	classifier := &stubClassifier{}
	router := newTestRouter(Options{Classifier: classifier})

	body, contentType := buildMultipartBody(t, "image", "image/png", []byte("png-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/classify/file?use_sightengine=false&local_models=vit,%20effnet", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(classifier.requests) != 1 {
		t.Fatalf("expected one classification, got %d", len(classifier.requests))
	}
	got := classifier.requests[0]
	if string(got.Data) != "png-bytes" || got.Channel != "file" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Options.UseRemote || !got.Options.UseLocal || got.Options.RemoteModels != "genai" {
		t.Fatalf("unexpected options %+v", got.Options)
	}
	if strings.Join(got.Options.LocalModels, ",") != "vit,effnet" {
		t.Fatalf("unexpected local models %v", got.Options.LocalModels)
	}
}

func TestClassifyFileRejectsBadFlag(t *testing.T) {
	router := newTestRouter(Options{Classifier: &stubClassifier{}})

	body, contentType := buildMultipartBody(t, "file", "image/png", []byte("png"))
	req := httptest.NewRequest(http.MethodPost, "/classify/file?use_remote=maybe", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestClassifyURL(t *testing.T) {
	classifier := &stubClassifier{resp: &usecase.Response{Status: usecase.StatusError, Message: "remote vision credentials not configured"}}
	router := newTestRouter(Options{Classifier: classifier})

	req := httptest.NewRequest(http.MethodPost, "/classify/url?models=genai,type", strings.NewReader(`{"url":"http://example.com/a.jpg","use_local_model":false}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	doc := decodeBody(t, resp)
	if doc["status"] != "error" || doc["message"] != "remote vision credentials not configured" {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if _, ok := doc["is_fake"]; ok {
		t.Fatalf("error responses should not carry a verdict: %s", resp.Body.String())
	}
	got := classifier.requests[0]
	if got.URL != "http://example.com/a.jpg" || got.Options.UseLocal || got.Options.RemoteModels != "genai,type" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestClassifyURLRequiresURL(t *testing.T) {
	router := newTestRouter(Options{Classifier: &stubClassifier{}})

	req := httptest.NewRequest(http.MethodPost, "/classify/url", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestLogEvent(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"valid", `{"session_id":"s1","image_id":"i1","confidence_score":0.4}`, nil, http.StatusOK},
		{"missing session", `{"image_id":"i1"}`, nil, http.StatusBadRequest},
		{"confidence out of range", `{"session_id":"s1","image_id":"i1","confidence_score":1.5}`, nil, http.StatusBadRequest},
		{"sink failure", `{"session_id":"s1","image_id":"i1"}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &stubEvents{err: tc.err}
			router := newTestRouter(Options{Classifier: &stubClassifier{}, Events: sink, EventLogPath: "events.csv"})

			req := httptest.NewRequest(http.MethodPost, "/log_event", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.Code, resp.Body.String())
			}
			if tc.status == http.StatusOK {
				doc := decodeBody(t, resp)
				if doc["status"] != "ok" || doc["written_to"] != "events.csv" {
					t.Fatalf("unexpected body %s", resp.Body.String())
				}
				if len(sink.records) != 1 || sink.records[0].SessionID != "s1" {
					t.Fatalf("unexpected records %+v", sink.records)
				}
			}
		})
	}
}

func TestHealthAndDetectFace(t *testing.T) {
	router := newTestRouter(Options{Classifier: &stubClassifier{}, Members: stubMembers{}})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	doc := decodeBody(t, resp)
	if doc["status"] != "ok" || doc["remote_configured"] != true {
		t.Fatalf("unexpected health %s", resp.Body.String())
	}
	members, ok := doc["local_models"].([]any)
	if !ok || len(members) != 1 {
		t.Fatalf("expected member status, got %s", resp.Body.String())
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/detect-face", nil))
	if decodeBody(t, resp)["message"] != "face detection is not enabled" {
		t.Fatalf("unexpected detect-face body %s", resp.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	classifier := &stubClassifier{}
	router := newTestRouter(Options{Classifier: classifier, Auth: auth.JWTMiddleware(testJWTSecret, "")})

	body := `{"url":"http://example.com/a.jpg"}`
	req := httptest.NewRequest(http.MethodPost, "/classify/url", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/classify/url", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || len(classifier.requests) != 1 {
		t.Fatalf("expected authorized request to pass, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("health should stay public, got %d", resp.Code)
	}
}

func TestRecoveryReturnsGenericError(t *testing.T) {
	router := newTestRouter(Options{Classifier: &stubClassifier{panics: true}})

	req := httptest.NewRequest(http.MethodPost, "/classify/url", strings.NewReader(`{"url":"http://example.com/a.jpg"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if decodeBody(t, resp)["message"] != "internal server error" {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORS("https://example.org"))
	router.POST("/classify/url", func(c *gin.Context) { c.Status(http.StatusOK) })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodOptions, "/classify/url", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://example.org" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func buildMultipartBody(t *testing.T, field, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
