package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // keep a developer's .env out of the test
	for _, key := range []string{"BLOCIQ_MAX_UPLOAD_BYTES", "BLOCIQ_WORKERS", "OCR_BACKEND", "BLOCIQ_QUEUE", "BLOCIQ_AUTH_SECRET", "BLOCIQ_ALLOWED_TYPES", "OPENAI_MAX_TOKENS"} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxFileSize != 50<<20 || cfg.MaxPages != 300 || cfg.ProcessingPool != 4 || cfg.TaskMaxRetry != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.OCRBackend != OCRBackendLocal || cfg.QueueMode != QueueAsynq {
		t.Fatalf("backend = %q queue = %q", cfg.OCRBackend, cfg.QueueMode)
	}
	if !cfg.Allowed(MimePDF) || !cfg.Allowed(MimeDOCX) || cfg.Allowed("application/zip") {
		t.Fatalf("allowed types = %v", cfg.AllowedTypes)
	}
	if len(cfg.AuthSecret) != 32 {
		t.Fatalf("random secret length = %d", len(cfg.AuthSecret))
	}
	if cfg.OpenAIMaxTokens != 2000 {
		t.Fatalf("max tokens = %d", cfg.OpenAIMaxTokens)
	}
	again, err := Load()
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if string(again.AuthSecret) == string(cfg.AuthSecret) {
		t.Fatal("generated auth secret repeated across loads")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BLOCIQ_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("BLOCIQ_WORKERS", "-2")
	t.Setenv("BLOCIQ_STALE_AFTER", "10m")
	t.Setenv("BLOCIQ_ALLOWED_TYPES", " application/pdf , ")
	t.Setenv("BLOCIQ_PUBLIC_BASE_URL", "https://docs.example.com/")
	t.Setenv("BLOCIQ_AUTH_SECRET", "s3cret")
	t.Setenv("BLOCIQ_QUEUE", "INLINE")
	t.Setenv("OPENAI_TEMPERATURE", "not-a-number")
	t.Setenv("OCR_BACKEND", "")
	t.Setenv("OPENAI_MAX_TOKENS", "512")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxFileSize != 1024 {
		t.Fatalf("max size = %d", cfg.MaxFileSize)
	}
	if cfg.ProcessingPool != defaultWorkerCount {
		t.Fatalf("workers = %d, want fallback", cfg.ProcessingPool)
	}
	if cfg.StaleAfter != 10*time.Minute {
		t.Fatalf("stale after = %s", cfg.StaleAfter)
	}
	if len(cfg.AllowedTypes) != 1 || cfg.AllowedTypes[0] != MimePDF {
		t.Fatalf("allowed = %q", cfg.AllowedTypes)
	}
	if cfg.PublicBaseURL != "https://docs.example.com" {
		t.Fatalf("base url = %q", cfg.PublicBaseURL)
	}
	if string(cfg.AuthSecret) != "s3cret" || cfg.QueueMode != QueueInline {
		t.Fatalf("secret/queue = %q/%q", cfg.AuthSecret, cfg.QueueMode)
	}
	if cfg.OpenAITemperature != 0.1 {
		t.Fatalf("temperature = %v, want default", cfg.OpenAITemperature)
	}
	if cfg.OpenAIMaxTokens != 512 {
		t.Fatalf("max tokens = %d", cfg.OpenAIMaxTokens)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"local ok", Config{OCRBackend: OCRBackendLocal, QueueMode: QueueAsynq, AllowedTypes: []string{MimePDF}}, ""},
		{"vision needs key", Config{OCRBackend: OCRBackendVision, QueueMode: QueueAsynq, AllowedTypes: []string{MimePDF}}, "GOOGLE_VISION_API_KEY"},
		{"remote needs url", Config{OCRBackend: OCRBackendRemote, QueueMode: QueueAsynq, AllowedTypes: []string{MimePDF}}, "OCR_SERVICE_URL"},
		{"unknown backend", Config{OCRBackend: "tesseract", QueueMode: QueueAsynq, AllowedTypes: []string{MimePDF}}, "unknown OCR_BACKEND"},
		{"unknown queue", Config{OCRBackend: OCRBackendLocal, QueueMode: "sqs", AllowedTypes: []string{MimePDF}}, "BLOCIQ_QUEUE"},
		{"no types", Config{OCRBackend: OCRBackendLocal, QueueMode: QueueAsynq}, "BLOCIQ_ALLOWED_TYPES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
