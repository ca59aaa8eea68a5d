package config

import (
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8000" || cfg.CacheTTL != 10*time.Minute || cfg.MaxUploadBytes != 10<<20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Remote.Configured() {
		t.Fatal("remote should not be configured without credentials")
	}
	if cfg.Remote.Models != "genai" {
		t.Fatalf("unexpected remote models %q", cfg.Remote.Models)
	}
}

func TestLoadRemoteNeedsBothCredentials(t *testing.T) {
	cfg, err := load(envMap(map[string]string{"SIGHTENGINE_USER": "u"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Remote.Configured() {
		t.Fatal("remote should need the secret too")
	}
	cfg, _ = load(envMap(map[string]string{"SIGHTENGINE_USER": "u", "SIGHTENGINE_SECRET": "s"}))
	if !cfg.Remote.Configured() {
		t.Fatal("expected remote to be configured")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"CACHE_TTL":        "soon",
		"MAX_UPLOAD_BYTES": "-1",
		"LOG_DEVELOPMENT":  "maybe",
		"LOCAL_MODELS":     "broken",
	} {
		if _, err := load(envMap(map[string]string{key: value})); err == nil {
			t.Fatalf("expected error for %s=%s", key, value)
		}
	}
}

func TestParseMembers(t *testing.T) {
	specs, err := ParseMembers("efficientnet_b4=onnx:models/b4.onnx, vit=grpc:localhost:50051,metadata=metadata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	if specs[1].Kind != "grpc" || specs[1].Target != "localhost:50051" {
		t.Fatalf("unexpected grpc spec %+v", specs[1])
	}
	if specs[2].Kind != "metadata" || specs[2].Target != "" {
		t.Fatalf("unexpected metadata spec %+v", specs[2])
	}
	if _, err := ParseMembers("a=onnx:x,a=onnx:y"); err == nil {
		t.Fatal("expected duplicate error")
	}
}
