package remotevision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/example/deepfake-detector/internal/classification"
	"github.com/example/deepfake-detector/internal/config"
	"github.com/example/deepfake-detector/internal/logging"
)

const (
	URLTimeout    = 15 * time.Second
	UploadTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// ErrNotConfigured is returned without any network call when credentials are missing.
var ErrNotConfigured = errors.New("remote vision credentials not configured")

// Client talks to the cloud vision check endpoint.
type Client struct {
	cfg           config.RemoteConfig
	httpClient    *http.Client
	logger        *zap.Logger
	urlTimeout    time.Duration
	uploadTimeout time.Duration
}

// NewClient builds a client from the remote configuration.
func NewClient(cfg config.RemoteConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:           cfg,
		httpClient:    &http.Client{},
		logger:        logger.Named("remotevision"),
		urlTimeout:    URLTimeout,
		uploadTimeout: UploadTimeout,
	}
}

// Configured reports whether both API user and secret are set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.Configured()
}

// ClassifyURL asks the endpoint to fetch and classify the image at imageURL.
func (c *Client) ClassifyURL(ctx context.Context, requestID, imageURL, models string) (classification.Normalized, error) {
	const op = "remotevision.classify_url"
	if !c.Configured() {
		return classification.Normalized{}, logging.NewKindError(logging.KindConfiguration, op, requestID, ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, c.urlTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("url", imageURL)
	query.Set("models", c.models(models))
	query.Set("api_user", c.cfg.User)
	query.Set("api_secret", c.cfg.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+query.Encode(), nil)
	if err != nil {
		return classification.Normalized{}, logging.NewKindError(logging.KindConfiguration, op, requestID, err)
	}
	return c.do(req, op, requestID)
}

// ClassifyBytes uploads the image as multipart media.
func (c *Client) ClassifyBytes(ctx context.Context, requestID string, data []byte, models string) (classification.Normalized, error) {
	const op = "remotevision.classify_bytes"
	if !c.Configured() {
		return classification.Normalized{}, logging.NewKindError(logging.KindConfiguration, op, requestID, ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range map[string]string{
		"models":     c.models(models),
		"api_user":   c.cfg.User,
		"api_secret": c.cfg.Secret,
	} {
		if err := writer.WriteField(key, value); err != nil {
			return classification.Normalized{}, logging.NewOperationError(op, requestID, err)
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="media"; filename="upload.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return classification.Normalized{}, logging.NewOperationError(op, requestID, err)
	}
	if _, err := part.Write(data); err != nil {
		return classification.Normalized{}, logging.NewOperationError(op, requestID, err)
	}
	if err := writer.Close(); err != nil {
		return classification.Normalized{}, logging.NewOperationError(op, requestID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, body)
	if err != nil {
		return classification.Normalized{}, logging.NewKindError(logging.KindConfiguration, op, requestID, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(req, op, requestID)
}

func (c *Client) do(req *http.Request, op, requestID string) (classification.Normalized, error) {
	opLogger := logging.WithOperation(c.logger, op, requestID)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := logging.NewKindError(logging.KindTransport, op, requestID, err)
		opLogger.Warn("remote vision call failed", zap.Error(wrapped))
		return classification.Normalized{}, wrapped
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		wrapped := logging.NewKindError(logging.KindTransport, op, requestID, err)
		opLogger.Warn("failed to read remote vision response", zap.Error(wrapped))
		return classification.Normalized{}, wrapped
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		wrapped := logging.NewKindError(logging.KindTransport, op, requestID, fmt.Errorf("unexpected status %d", resp.StatusCode))
		opLogger.Warn("remote vision returned error status", zap.Error(wrapped), zap.Int("status", resp.StatusCode))
		return classification.Normalized{}, wrapped
	}

	var envelope struct {
		Status string `json:"status"`
		Error  *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		wrapped := logging.NewKindError(logging.KindParse, op, requestID, fmt.Errorf("malformed response: %w", err))
		opLogger.Warn("remote vision returned malformed JSON", zap.Error(wrapped))
		return classification.Normalized{}, wrapped
	}
	if envelope.Status == "failure" {
		msg := "request failed"
		if envelope.Error != nil && envelope.Error.Message != "" {
			msg = envelope.Error.Message
		}
		wrapped := logging.NewKindError(logging.KindTransport, op, requestID, errors.New(msg))
		opLogger.Warn("remote vision reported failure", zap.Error(wrapped))
		return classification.Normalized{}, wrapped
	}

	normalized := classification.NormalizeRemote(payload)
	opLogger.Debug("remote vision result",
		zap.String("schema", normalized.Schema.String()),
		zap.String("outcome", normalized.Outcome.String()),
		zap.String("label", string(normalized.Result.Label)),
		zap.Float64("confidence", normalized.Result.Confidence),
		zap.Duration("latency", time.Since(start)),
	)
	return normalized, nil
}

func (c *Client) models(requested string) string {
	if requested != "" {
		return requested
	}
	if c.cfg.Models != "" {
		return c.cfg.Models
	}
	return "genai"
}
