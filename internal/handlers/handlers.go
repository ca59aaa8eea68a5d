package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/deepfake-detector/internal/events"
	"github.com/example/deepfake-detector/internal/localmodel"
	"github.com/example/deepfake-detector/internal/usecase"
)

// MaxUploadSize is the default limit for uploaded images.
const MaxUploadSize = 10 << 20

// multipartEnvelope is the allowance for multipart boundaries and headers on top of the file itself.
const multipartEnvelope = 64 << 10

// Classifier is the use case behind the classify routes.
type Classifier interface {
	Classify(ctx context.Context, req usecase.Request) *usecase.Response
	RemoteConfigured() bool
}

// EventWriter persists a log_event record synchronously.
type EventWriter interface {
	Write(ctx context.Context, rec *events.Record) error
}

// MemberReporter exposes the load state of local members.
type MemberReporter interface {
	Status() []localmodel.MemberStatus
}

// Options configure RegisterRoutes. Auth may be nil to leave the routes open.
type Options struct {
	Classifier     Classifier
	Events         EventWriter
	Members        MemberReporter
	Auth           gin.HandlerFunc
	Logger         *zap.Logger
	MaxUploadBytes int64
	RemoteModels   string
	EventLogPath   string
}

type handler struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{opts: opts, logger: logger.Named("http"), now: time.Now}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Deepfake Detection API running"})
	})
	router.GET("/health", h.health)

	protected := router.Group("/")
	if opts.Auth != nil {
		protected.Use(opts.Auth)
	}
	protected.POST("/classify/url", h.classifyURL)
	protected.POST("/classify/file", h.classifyFile)
	protected.POST("/detect-face", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "face detection is not enabled"})
	})
	protected.POST("/log_event", h.logEvent)
}

func (h *handler) health(c *gin.Context) {
	members := []localmodel.MemberStatus{}
	if h.opts.Members != nil {
		members = h.opts.Members.Status()
	}
	remote := h.opts.Classifier != nil && h.opts.Classifier.RemoteConfigured()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"remote_configured": remote,
		"local_models":      members,
		"timestamp":         h.now().UTC().Format("2006-01-02T15:04:05.000000"),
	})
}

type classifyURLRequest struct {
	URL           string `json:"url" binding:"required"`
	UseLocalModel *bool  `json:"use_local_model"`
}

func (h *handler) classifyURL(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, multipartEnvelope)

	var body classifyURLRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "url is required")
		return
	}
	opts, err := h.options(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if body.UseLocalModel != nil && c.Query("use_local_model") == "" {
		opts.UseLocal = *body.UseLocalModel
	}

	resp := h.opts.Classifier.Classify(c.Request.Context(), usecase.Request{
		URL:       body.URL,
		Options:   opts,
		UserAgent: c.Request.UserAgent(),
		Channel:   "url",
	})
	c.JSON(http.StatusOK, resp)
}

func (h *handler) classifyFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+multipartEnvelope)

	file, err := formImage(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			tooLargeResponse(c, h.opts.MaxUploadBytes)
			return
		}
		badRequest(c, "image file is required")
		return
	}
	if file.Size > h.opts.MaxUploadBytes {
		tooLargeResponse(c, h.opts.MaxUploadBytes)
		return
	}
	if ct := file.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") && ct != "application/octet-stream" {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"status": "error", "message": "unsupported content type " + ct})
		return
	}

	src, err := file.Open()
	if err != nil {
		badRequest(c, "unable to open image")
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "failed to read image"})
		return
	}

	opts, err := h.options(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	resp := h.opts.Classifier.Classify(c.Request.Context(), usecase.Request{
		Data:      data,
		Options:   opts,
		UserAgent: c.Request.UserAgent(),
		Channel:   "file",
	})
	c.JSON(http.StatusOK, resp)
}

func (h *handler) logEvent(c *gin.Context) {
	var rec events.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		badRequest(c, "invalid event: "+err.Error())
		return
	}
	if h.opts.Events == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "event logging is not configured"})
		return
	}
	if err := h.opts.Events.Write(c.Request.Context(), &rec); err != nil {
		h.logger.Error("failed to write event", zap.Error(err), zap.String("image_id", rec.ImageID))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": fmt.Sprintf("failed to write CSV: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "written_to": h.opts.EventLogPath})
}

// options reads the backend selection flags from the query string.
func (h *handler) options(c *gin.Context) (usecase.Options, error) {
	useRemote, err := queryBool(c, true, "use_remote", "use_sightengine")
	if err != nil {
		return usecase.Options{}, err
	}
	useLocal, err := queryBool(c, true, "use_local_model")
	if err != nil {
		return usecase.Options{}, err
	}
	models := strings.TrimSpace(c.Query("models"))
	if models == "" {
		models = h.opts.RemoteModels
	}
	var local []string
	for _, name := range strings.Split(c.Query("local_models"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			local = append(local, name)
		}
	}
	return usecase.Options{UseRemote: useRemote, RemoteModels: models, UseLocal: useLocal, LocalModels: local}, nil
}

func queryBool(c *gin.Context, fallback bool, keys ...string) (bool, error) {
	for _, key := range keys {
		raw, ok := c.GetQuery(key)
		if !ok || raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean", key)
		}
		return value, nil
	}
	return fallback, nil
}

// formImage accepts the upload under "file" or the legacy "image" field.
func formImage(c *gin.Context) (*multipart.FileHeader, error) {
	file, err := c.FormFile("file")
	if err == nil {
		return file, nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, err
	}
	return c.FormFile("image")
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": message})
}

func tooLargeResponse(c *gin.Context, limit int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"status":  "error",
		"message": fmt.Sprintf("image exceeds %d bytes", limit),
	})
}
