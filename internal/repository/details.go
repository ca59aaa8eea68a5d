package repository

import (
	"encoding/json"

	"github.com/example/deepfake-detector/internal/events"
)

func detailsOf(rec *events.Record) string {
	details := map[string]any{
		"pipeline_timings":        rec.PipelineTimings,
		"client_api_latency_ms":   rec.ClientAPILatencyMs,
		"client_total_latency_ms": rec.ClientTotalLatencyMs,
	}
	data, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(data)
}
