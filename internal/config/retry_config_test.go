package config

import (
	"testing"
	"time"
)

func Test_RetryPolicy_TestEnvShrinks(t *testing.T) {
	cfg := Config{AppEnv: "test", RetryInitialDelay: 5 * time.Second, RetryMaxDelay: 30 * time.Second, RetryMultiplier: 2}
	p := cfg.RetryPolicy()
	if p.InitialDelay >= time.Second {
		t.Fatalf("expected short test delay, got %v", p.InitialDelay)
	}

	cfg.AppEnv = "prod"
	p = cfg.RetryPolicy()
	if p.InitialDelay != 5*time.Second || p.MaxDelay != 30*time.Second {
		t.Fatalf("expected configured delays, got %+v", p)
	}
}

func Test_Timeout_Derivations(t *testing.T) {
	cfg := Config{DownloadTimeoutMS: 7200000, JobTimeoutMS: 7200000, MaxFileSizeMB: 100, StreamBufferKB: 8, MaxHeapMB: 1}

	if got := cfg.DownloadTimeout(); got != 2*time.Hour {
		t.Fatalf("DownloadTimeout = %v, want 2h", got)
	}
	if got := cfg.UploadTimeout(); got != 4*time.Hour {
		t.Fatalf("UploadTimeout = %v, want 4h", got)
	}
	if got := cfg.JobTimeout(); got != 2*time.Hour {
		t.Fatalf("JobTimeout = %v, want 2h", got)
	}
	if got := cfg.MaxFileBytes(); got != 100*1024*1024 {
		t.Fatalf("MaxFileBytes = %d", got)
	}
	if got := cfg.HeapLimitBytes(); got != 1024*1024 {
		t.Fatalf("HeapLimitBytes = %d", got)
	}
}

func Test_StreamBufferBytes_Caps(t *testing.T) {
	tests := []struct {
		name string
		kb   int
		want int
	}{
		{"default", 8, 8192},
		{"small", 4, 4096},
		{"zero clamps", 0, 8192},
		{"negative clamps", -1, 8192},
		{"oversized clamps", 64, 8192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{StreamBufferKB: tt.kb}
			if got := cfg.StreamBufferBytes(); got != tt.want {
				t.Fatalf("StreamBufferBytes(%d) = %d, want %d", tt.kb, got, tt.want)
			}
		})
	}
}
