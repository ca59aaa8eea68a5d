package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/deepfake-detector/internal/classification"
	"github.com/example/deepfake-detector/internal/events"
	"github.com/example/deepfake-detector/internal/imageio"
	"github.com/example/deepfake-detector/internal/localmodel"
	"github.com/example/deepfake-detector/internal/logging"
)

// RemoteClassifier is the cloud vision backend.
type RemoteClassifier interface {
	Configured() bool
	ClassifyURL(ctx context.Context, requestID, imageURL, models string) (classification.Normalized, error)
	ClassifyBytes(ctx context.Context, requestID string, data []byte, models string) (classification.Normalized, error)
}

// LocalClassifier runs the in-process member models.
type LocalClassifier interface {
	Classify(ctx context.Context, requestID string, in localmodel.Input, names []string) localmodel.Run
	Loaded() []string
}

// ImageFetcher downloads URL-referenced images.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// EventRecorder accepts fire-and-forget event records.
type EventRecorder interface {
	Record(rec *events.Record)
}

const (
	StatusSuccess = "success"
	StatusError   = "error"

	EnsembleModel = "local:ensemble"

	timestampLayout = "2006-01-02T15:04:05.000000"
)

// Options select which backends a request may use.
type Options struct {
	UseRemote    bool
	RemoteModels string
	UseLocal     bool
	LocalModels  []string
}

func (o Options) cacheTag() string {
	return fmt.Sprintf("r=%t;m=%s;l=%t;lm=%s", o.UseRemote, o.RemoteModels, o.UseLocal, strings.Join(o.LocalModels, ","))
}

// Request is one image to classify, given either as bytes or as a URL.
type Request struct {
	URL       string
	Data      []byte
	Options   Options
	SessionID string
	UserAgent string
	Channel   string
}

// Response is the API-facing classification outcome.
type Response struct {
	Status        string                     `json:"status"`
	Message       string                     `json:"message,omitempty"`
	RequestID     string                     `json:"request_id,omitempty"`
	IsFake        bool                       `json:"is_fake"`
	Confidence    float64                    `json:"confidence"`
	Model         string                     `json:"model"`
	ModelsUsed    []string                   `json:"models_used"`
	Timestamp     string                     `json:"timestamp"`
	ImageSize     string                     `json:"image_size,omitempty"`
	ImageHash     string                     `json:"image_hash,omitempty"`
	VoteCounts    *classification.VoteCounts `json:"vote_counts,omitempty"`
	MemberResults []classification.Result    `json:"member_results,omitempty"`
	Raw           json.RawMessage            `json:"raw,omitempty"`
	Cached        bool                       `json:"cached,omitempty"`
	Failure       logging.Kind               `json:"-"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// MarshalJSON renders failures as {status, message} only.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Status == StatusError {
		return json.Marshal(errorResponse{Status: r.Status, Message: r.Message, RequestID: r.RequestID})
	}
	type plain Response
	return json.Marshal(plain(r))
}

// ClassificationUseCase decides per request which backends to consult and in what order.
type ClassificationUseCase struct {
	remote   RemoteClassifier
	local    LocalClassifier
	fetcher  ImageFetcher
	cache    Cache
	recorder EventRecorder
	logger   *zap.Logger
	cacheTTL time.Duration
	retry    retryPolicy
	now      func() time.Time
}

// Deps groups the collaborators of the use case. Cache and Recorder are optional.
type Deps struct {
	Remote   RemoteClassifier
	Local    LocalClassifier
	Fetcher  ImageFetcher
	Cache    Cache
	Recorder EventRecorder
	CacheTTL time.Duration
}

// NewClassificationUseCase constructs a new use case instance.
func NewClassificationUseCase(deps Deps, logger *zap.Logger) *ClassificationUseCase {
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ClassificationUseCase{
		remote:   deps.Remote,
		local:    deps.Local,
		fetcher:  deps.Fetcher,
		cache:    deps.Cache,
		recorder: deps.Recorder,
		logger:   logger.Named("classification_usecase"),
		cacheTTL: ttl,
		retry:    retryPolicy{attempts: 3, initialBackoff: 50 * time.Millisecond, maxBackoff: time.Second},
		now:      time.Now,
	}
}

// RemoteConfigured reports whether the remote backend can be tried at all.
func (uc *ClassificationUseCase) RemoteConfigured() bool {
	return uc.remote != nil && uc.remote.Configured()
}

// Classify never fails: predictable failures come back as a Response with
// Status "error".
func (uc *ClassificationUseCase) Classify(ctx context.Context, req Request) *Response {
	requestID := uuid.NewString()
	start := uc.now()

	resp := uc.classify(ctx, requestID, req)
	resp.RequestID = requestID
	if resp.Timestamp == "" {
		resp.Timestamp = uc.now().UTC().Format(timestampLayout)
	}

	uc.recordEvent(requestID, req, resp, uc.now().Sub(start))
	return resp
}

func (uc *ClassificationUseCase) classify(ctx context.Context, requestID string, req Request) *Response {
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)

	data := req.Data
	var fetchErr error
	if len(data) == 0 && req.URL != "" && uc.fetcher != nil {
		data, fetchErr = uc.fetcher.Fetch(ctx, req.URL)
		if fetchErr != nil {
			opLogger.Info("image fetch failed, continuing with URL only", zap.Error(fetchErr))
			data = nil
		}
	}
	if len(data) == 0 && req.URL == "" {
		return failure(logging.KindDecode, "no image provided")
	}

	imageSize := ""
	if len(data) > 0 {
		if info, err := imageio.Inspect(data); err == nil {
			imageSize = info.Size()
		}
	}

	cacheKey := ""
	if len(data) > 0 {
		sum := sha1.Sum(data)
		cacheKey = "classification:" + hex.EncodeToString(sum[:]) + ":" + req.Options.cacheTag()
		if cached, ok := uc.cacheGet(ctx, requestID, cacheKey); ok {
			var resp Response
			if err := json.Unmarshal([]byte(cached), &resp); err == nil && resp.Status == StatusSuccess {
				resp.Cached = true
				resp.Timestamp = uc.now().UTC().Format(timestampLayout)
				return &resp
			}
			opLogger.Warn("ignoring undecodable cache entry")
		}
	}

	remoteOut := uc.tryRemote(ctx, requestID, req, data)
	if remoteOut.resp != nil {
		remoteOut.resp.ImageSize = imageSize
		uc.storeCache(ctx, requestID, cacheKey, remoteOut.resp)
		return remoteOut.resp
	}

	if !req.Options.UseLocal {
		return failure(remoteOut.kind, remoteOut.message)
	}
	if uc.local == nil || len(uc.local.Loaded()) == 0 {
		msg := "no local models loaded"
		if remoteOut.message != "" {
			msg = remoteOut.message + "; " + msg
		}
		return failure(logging.KindNoResult, msg)
	}
	if len(data) == 0 {
		return failure(logging.KindTransport, fmt.Sprintf("failed to fetch image: %v", fetchErr))
	}

	resp := uc.tryLocal(ctx, requestID, req, data)
	if resp.Status == StatusSuccess {
		resp.ImageSize = imageSize
		uc.storeCache(ctx, requestID, cacheKey, resp)
	}
	return resp
}

type remoteOutcome struct {
	resp    *Response
	kind    logging.Kind
	message string
}

// tryRemote returns a response on success, otherwise the reason the local
// fallback is being taken.
func (uc *ClassificationUseCase) tryRemote(ctx context.Context, requestID string, req Request, data []byte) remoteOutcome {
	opLogger := logging.WithOperation(uc.logger, "usecase.try_remote", requestID)

	if !req.Options.UseRemote {
		return remoteOutcome{kind: logging.KindConfiguration, message: "remote classification disabled by request"}
	}
	if !uc.RemoteConfigured() {
		return remoteOutcome{kind: logging.KindConfiguration, message: "remote vision credentials not configured"}
	}

	var (
		normalized classification.Normalized
		err        error
	)
	if len(data) > 0 {
		normalized, err = uc.remote.ClassifyBytes(ctx, requestID, data, req.Options.RemoteModels)
	} else {
		normalized, err = uc.remote.ClassifyURL(ctx, requestID, req.URL, req.Options.RemoteModels)
	}
	if err != nil {
		opLogger.Warn("remote classification failed, falling back", zap.Error(err))
		return remoteOutcome{kind: logging.KindOf(err), message: "remote classification failed"}
	}
	if normalized.Outcome == classification.OutcomeParseError {
		opLogger.Warn("remote payload could not be interpreted, falling back", zap.Error(normalized.Err))
		return remoteOutcome{kind: logging.KindParse, message: "remote classification failed"}
	}

	result := normalized.Result
	conf := result.Confidence
	// The upstream confidence is P(fake); report confidence in the final label instead.
	if !result.IsFake() {
		conf = classification.Clamp(1 - conf)
	}
	return remoteOutcome{resp: &Response{
		Status:     StatusSuccess,
		IsFake:     result.IsFake(),
		Confidence: conf,
		Model:      result.SourceModel,
		ModelsUsed: []string{result.SourceModel},
		Timestamp:  uc.now().UTC().Format(timestampLayout),
		Raw:        result.RawPayload,
	}}
}

func (uc *ClassificationUseCase) tryLocal(ctx context.Context, requestID string, req Request, data []byte) *Response {
	opLogger := logging.WithOperation(uc.logger, "usecase.try_local", requestID)

	img, err := imageio.Decode(data)
	if err != nil {
		opLogger.Info("image decode failed", zap.Error(err))
		return failure(logging.KindDecode, fmt.Sprintf("invalid image: %v", err))
	}

	run := uc.local.Classify(ctx, requestID, localmodel.Input{Image: img, Data: data}, req.Options.LocalModels)
	decision, err := classification.Aggregate(run.Results)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, classification.ErrNoValidResults) && len(run.Skipped) > 0 {
			names := make([]string, 0, len(run.Skipped))
			for _, s := range run.Skipped {
				names = append(names, s.Name)
			}
			msg = fmt.Sprintf("%s (skipped: %s)", msg, strings.Join(names, ", "))
		}
		opLogger.Info("ensemble produced no decision", zap.String("reason", msg))
		return failure(logging.KindNoResult, msg)
	}

	used := make([]string, 0, len(decision.MemberResults))
	for _, r := range decision.MemberResults {
		used = append(used, r.SourceModel)
	}
	counts := decision.VoteCounts
	return &Response{
		Status:        StatusSuccess,
		IsFake:        decision.IsFake(),
		Confidence:    decision.Confidence,
		Model:         EnsembleModel,
		ModelsUsed:    used,
		Timestamp:     uc.now().UTC().Format(timestampLayout),
		ImageHash:     imageio.Fingerprint(img),
		VoteCounts:    &counts,
		MemberResults: decision.MemberResults,
	}
}

func (uc *ClassificationUseCase) storeCache(ctx context.Context, requestID, key string, resp *Response) {
	if key == "" || uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(resp)
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.result", requestID).Warn("failed to serialize classification", zap.Error(err))
		return
	}
	uc.cacheSet(ctx, requestID, key, string(serialized))
}

func (uc *ClassificationUseCase) recordEvent(requestID string, req Request, resp *Response, elapsed time.Duration) {
	if uc.recorder == nil {
		return
	}
	session := req.SessionID
	if session == "" {
		session = "server"
	}
	source := req.URL
	if source == "" {
		source = "upload"
	}
	rec := &events.Record{
		Timestamp:       uc.now().UTC().Format(timestampLayout) + "Z",
		SessionID:       session,
		ImageID:         requestID,
		ImageSource:     events.Ptr(source),
		APIStatus:       events.Ptr(resp.Status),
		DetectionType:   events.Ptr(req.Channel),
		InferenceTimeMs: events.Ptr(float64(elapsed.Microseconds()) / 1000),
	}
	if req.UserAgent != "" {
		rec.UserAgent = events.Ptr(req.UserAgent)
	}
	if resp.Status == StatusSuccess {
		label := string(classification.LabelReal)
		if resp.IsFake {
			label = string(classification.LabelFake)
		}
		rec.PredictedLabel = events.Ptr(label)
		rec.ConfidenceScore = events.Ptr(classification.Clamp(resp.Confidence))
	} else {
		rec.ErrorMessage = events.Ptr(resp.Message)
	}
	uc.recorder.Record(rec)
}

func failure(kind logging.Kind, message string) *Response {
	return &Response{Status: StatusError, Message: message, Failure: kind}
}
