package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/deepfake-detector/internal/config"
	"github.com/example/deepfake-detector/internal/events"
	"github.com/example/deepfake-detector/internal/handlers"
	"github.com/example/deepfake-detector/internal/imageio"
	"github.com/example/deepfake-detector/internal/localmodel"
	"github.com/example/deepfake-detector/internal/remotevision"
	"github.com/example/deepfake-detector/internal/usecase"
)

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/classify/file", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: mux}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Get("http://" + addr + "/classify/file")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

func TestClassifyFileEndToEnd(t *testing.T) {
	logger := zap.NewNop()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","type":{"ai_generated":0.2}}`))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "events.csv")
	recorder := events.NewRecorder(logger, 8, events.NewCSVSink(csvPath), events.NewJSONLSink(filepath.Join(dir, "events.jsonl")))

	remote := remotevision.NewClient(config.RemoteConfig{User: "u", Secret: "s", BaseURL: upstream.URL, Models: "genai"}, logger)
	adapter := localmodel.NewAdapter(logger, localmodel.NewMetadataMember("metadata"))
	uc := usecase.NewClassificationUseCase(usecase.Deps{
		Remote:   remote,
		Local:    adapter,
		Fetcher:  imageio.NewFetcher(handlers.MaxUploadSize),
		Recorder: recorder,
	}, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(handlers.Recovery(logger), handlers.CORS("*"))
	handlers.RegisterRoutes(router, handlers.Options{
		Classifier:   uc,
		Events:       recorder,
		Members:      adapter,
		Logger:       logger,
		RemoteModels: "type",
		EventLogPath: csvPath,
	})

	var img bytes.Buffer
	if err := png.Encode(&img, image.NewGray(image.Rect(0, 0, 8, 6))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "sample.png")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(img.Bytes())
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/classify/file", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	var out struct {
		Status     string   `json:"status"`
		IsFake     bool     `json:"is_fake"`
		Confidence float64  `json:"confidence"`
		Model      string   `json:"model"`
		ModelsUsed []string `json:"models_used"`
		ImageSize  string   `json:"image_size"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "success" || out.IsFake || out.Model != "remote:type" || out.ImageSize != "8x6" {
		t.Fatalf("unexpected response %+v", out)
	}
	if out.Confidence < 0.79 || out.Confidence > 0.81 {
		t.Fatalf("expected inverted confidence 0.8, got %f", out.Confidence)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := recorder.Close(ctx); err != nil {
		t.Fatalf("recorder close: %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if lines := bytes.Count(data, []byte("\n")); lines != 2 {
		t.Fatalf("expected header plus one event, got %d lines", lines)
	}
}
