package events

import (
	"strconv"
	"time"
)

// PipelineTimings are client-side timestamps in seconds.
type PipelineTimings struct {
	CaptureStart     *float64 `json:"capture_start"`
	CaptureEnd       *float64 `json:"capture_end"`
	BackendReceive   *float64 `json:"backend_receive"`
	APIRequestStart  *float64 `json:"api_request_start"`
	APIResponseEnd   *float64 `json:"api_response_end"`
	NotificationSent *float64 `json:"notification_sent"`
}

// Record is one classification or user-interaction event.
type Record struct {
	Timestamp            string           `json:"timestamp"`
	SessionID            string           `json:"session_id" binding:"required"`
	ImageID              string           `json:"image_id" binding:"required"`
	ImageSource          *string          `json:"image_source"`
	GroundTruthLabel     *string          `json:"ground_truth_label"`
	PredictedLabel       *string          `json:"predicted_label"`
	ConfidenceScore      *float64         `json:"confidence_score" binding:"omitempty,gte=0,lte=1"`
	PipelineTimings      *PipelineTimings `json:"pipeline_timings"`
	APIStatus            *string          `json:"api_status"`
	ErrorMessage         *string          `json:"error_message"`
	UserAction           *string          `json:"user_action"`
	Browser              *string          `json:"browser"`
	OS                   *string          `json:"os"`
	NetworkType          *string          `json:"network_type"`
	DeviceModel          *string          `json:"device_model"`
	UserAgent            *string          `json:"user_agent"`
	DetectionType        *string          `json:"detection_type"`
	ClientAPILatencyMs   *float64         `json:"client_api_latency_ms"`
	ClientTotalLatencyMs *float64         `json:"client_total_latency_ms"`
	InferenceTimeMs      *float64         `json:"inference_time_ms"`
}

// Normalize fills defaults the way the ingestion endpoint expects.
func (r *Record) Normalize(now time.Time) {
	if r.Timestamp == "" {
		r.Timestamp = now.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
	}
	if r.APIStatus == nil {
		unknown := "unknown"
		r.APIStatus = &unknown
	}
}

// Latencies are derived from pipeline timings, in milliseconds.
type Latencies struct {
	CaptureTimeMs  *float64 `json:"capture_time_ms"`
	APILatencyMs   *float64 `json:"api_latency_ms"`
	TotalLatencyMs *float64 `json:"total_latency_ms"`
}

// ComputeLatencies derives latencies, clamped at zero. A latency is nil when
// either of its timestamps is missing.
func ComputeLatencies(pt *PipelineTimings) Latencies {
	if pt == nil {
		return Latencies{}
	}
	return Latencies{
		CaptureTimeMs:  spanMs(pt.CaptureStart, pt.CaptureEnd),
		APILatencyMs:   spanMs(pt.APIRequestStart, pt.APIResponseEnd),
		TotalLatencyMs: spanMs(pt.CaptureStart, pt.NotificationSent),
	}
}

func spanMs(start, end *float64) *float64 {
	if start == nil || end == nil {
		return nil
	}
	ms := (*end - *start) * 1000
	if ms < 0 {
		ms = 0
	}
	return &ms
}

// Columns is the CSV header, in order.
var Columns = []string{
	"timestamp", "session_id", "image_id", "image_source", "ground_truth_label", "predicted_label",
	"confidence_score", "capture_time_ms", "api_latency_ms", "total_latency_ms",
	"client_api_latency_ms", "client_total_latency_ms", "inference_time_ms",
	"api_status", "error_message", "user_action", "detection_type", "browser", "os", "network_type",
	"capture_start", "capture_end", "backend_receive", "api_request_start", "api_response_end", "notification_sent",
	"device_model", "user_agent",
}

// Row flattens the record into CSV cells matching Columns.
func (r *Record) Row() []string {
	lat := ComputeLatencies(r.PipelineTimings)
	pt := r.PipelineTimings
	if pt == nil {
		pt = &PipelineTimings{}
	}
	return []string{
		r.Timestamp,
		r.SessionID,
		r.ImageID,
		str(r.ImageSource),
		str(r.GroundTruthLabel),
		str(r.PredictedLabel),
		num(r.ConfidenceScore),
		num(lat.CaptureTimeMs),
		num(lat.APILatencyMs),
		num(lat.TotalLatencyMs),
		num(r.ClientAPILatencyMs),
		num(r.ClientTotalLatencyMs),
		num(r.InferenceTimeMs),
		str(r.APIStatus),
		str(r.ErrorMessage),
		str(r.UserAction),
		str(r.DetectionType),
		str(r.Browser),
		str(r.OS),
		str(r.NetworkType),
		num(pt.CaptureStart),
		num(pt.CaptureEnd),
		num(pt.BackendReceive),
		num(pt.APIRequestStart),
		num(pt.APIResponseEnd),
		num(pt.NotificationSent),
		str(r.DeviceModel),
		str(r.UserAgent),
	}
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func num(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
