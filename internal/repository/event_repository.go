package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/deepfake-detector/internal/events"
	"github.com/example/deepfake-detector/internal/logging"
)

// EventLog is an append-only row per classification or interaction event.
type EventLog struct {
	ID               uint      `gorm:"primaryKey"`
	Timestamp        string    `gorm:"column:timestamp;size:40"`
	SessionID        string    `gorm:"column:session_id;index;size:128"`
	ImageID          string    `gorm:"column:image_id;size:128"`
	ImageSource      *string   `gorm:"column:image_source;type:text"`
	GroundTruthLabel *string   `gorm:"column:ground_truth_label;size:32"`
	PredictedLabel   *string   `gorm:"column:predicted_label;size:32"`
	ConfidenceScore  *float64  `gorm:"column:confidence_score"`
	CaptureTimeMs    *float64  `gorm:"column:capture_time_ms"`
	APILatencyMs     *float64  `gorm:"column:api_latency_ms"`
	TotalLatencyMs   *float64  `gorm:"column:total_latency_ms"`
	InferenceTimeMs  *float64  `gorm:"column:inference_time_ms"`
	APIStatus        *string   `gorm:"column:api_status;size:32"`
	ErrorMessage     *string   `gorm:"column:error_message;type:text"`
	UserAction       *string   `gorm:"column:user_action;size:128"`
	DetectionType    *string   `gorm:"column:detection_type;size:128"`
	Browser          *string   `gorm:"column:browser;size:64"`
	OS               *string   `gorm:"column:os;size:64"`
	NetworkType      *string   `gorm:"column:network_type;size:64"`
	DeviceModel      *string   `gorm:"column:device_model;size:128"`
	UserAgent        *string   `gorm:"column:user_agent;type:text"`
	Details          string    `gorm:"column:details;type:text"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (EventLog) TableName() string {
	return "event_logs"
}

// EventRepository appends events to the database.
type EventRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewEventRepository creates a new repository instance.
func NewEventRepository(db *gorm.DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		db:             db,
		logger:         logger.Named("event_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *EventRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&EventLog{})
	})
}

// Name implements events.Sink.
func (r *EventRepository) Name() string { return "database" }

// Write implements events.Sink.
func (r *EventRepository) Write(ctx context.Context, rec *events.Record) error {
	row := FromRecord(rec)
	return r.executeWithRetry(ctx, "repository.save_event", rec.ImageID, func() error {
		return r.db.WithContext(ctx).Create(row).Error
	})
}

// FromRecord maps an event record onto a table row.
func FromRecord(rec *events.Record) *EventLog {
	lat := events.ComputeLatencies(rec.PipelineTimings)
	row := &EventLog{
		Timestamp:        rec.Timestamp,
		SessionID:        rec.SessionID,
		ImageID:          rec.ImageID,
		ImageSource:      rec.ImageSource,
		GroundTruthLabel: rec.GroundTruthLabel,
		PredictedLabel:   rec.PredictedLabel,
		ConfidenceScore:  rec.ConfidenceScore,
		CaptureTimeMs:    lat.CaptureTimeMs,
		APILatencyMs:     lat.APILatencyMs,
		TotalLatencyMs:   lat.TotalLatencyMs,
		InferenceTimeMs:  rec.InferenceTimeMs,
		APIStatus:        rec.APIStatus,
		ErrorMessage:     rec.ErrorMessage,
		UserAction:       rec.UserAction,
		DetectionType:    rec.DetectionType,
		Browser:          rec.Browser,
		OS:               rec.OS,
		NetworkType:      rec.NetworkType,
		DeviceModel:      rec.DeviceModel,
		UserAgent:        rec.UserAgent,
		CreatedAt:        time.Now().UTC(),
	}
	if rec.PipelineTimings != nil || rec.ClientAPILatencyMs != nil || rec.ClientTotalLatencyMs != nil {
		row.Details = detailsOf(rec)
	}
	return row
}

func (r *EventRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	backoff := r.initialBackoff
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !logging.IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
