package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeKoanfConfig(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestKoanfConfig_LoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Cameras) != 2 {
		t.Errorf("expected 2 cameras, got %d", len(cfg.Cameras))
	}
	if cfg.Time.Segment != 60 {
		t.Errorf("expected segment 60, got %d", cfg.Time.Segment)
	}
	if cfg.Suffix != ".mkv" {
		t.Errorf("expected suffix .mkv, got %q", cfg.Suffix)
	}
}

func TestKoanfConfig_LoadWithEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	t.Setenv("NVR_TIME_SEGMENT", "120")
	t.Setenv("NVR_TIME_STOP_DELAY", "10")
	t.Setenv("NVR_SUFFIX", ".mp4")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath), WithEnvPrefix("NVR"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Time.Segment != 120 {
		t.Errorf("expected segment 120 (from env), got %d", cfg.Time.Segment)
	}
	if cfg.Time.StopDelay != 10 {
		t.Errorf("expected stop_delay 10 (from env), got %d", cfg.Time.StopDelay)
	}
	if cfg.Suffix != ".mp4" {
		t.Errorf("expected suffix .mp4 (from env), got %q", cfg.Suffix)
	}

	// Values not overridden still come from YAML.
	if cfg.Time.Naming == "" {
		t.Error("expected naming to still be set from YAML")
	}
}

func TestKoanfConfig_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Time.Segment != 60 {
		t.Fatalf("expected initial segment 60, got %d", cfg.Time.Segment)
	}

	updated := strings.Replace(validYAML(), "segment: 60", "segment: 120", 1)
	writeKoanfConfig(t, configPath, updated)

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cfg, err = kc.Load()
	if err != nil {
		t.Fatalf("Load after reload failed: %v", err)
	}
	if cfg.Time.Segment != 120 {
		t.Errorf("expected reloaded segment 120, got %d", cfg.Time.Segment)
	}
}

func TestKoanfConfig_Watch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	watchCalled := make(chan string, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {
			if err != nil {
				watchCalled <- "error: " + err.Error()
				return
			}
			watchCalled <- event
		})
	}()

	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(validYAML(), "segment: 60", "segment: 120", 1)
	writeKoanfConfig(t, configPath, updated)

	select {
	case event := <-watchCalled:
		if event != "config reloaded" {
			t.Errorf("expected event 'config reloaded', got %s", event)
		}
	case <-time.After(2 * time.Second):
		t.Error("watch callback not called within timeout")
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load after watch failed: %v", err)
	}
	if cfg.Time.Segment != 120 {
		t.Errorf("expected watched segment 120, got %d", cfg.Time.Segment)
	}
}

func TestKoanfConfig_BackwardCompatibility(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	oldCfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	newCfg, err := kc.Load()
	if err != nil {
		t.Fatalf("koanf Load failed: %v", err)
	}

	if oldCfg.Time.Segment != newCfg.Time.Segment {
		t.Errorf("segment mismatch: old=%d, new=%d", oldCfg.Time.Segment, newCfg.Time.Segment)
	}
	if len(oldCfg.Cameras) != len(newCfg.Cameras) {
		t.Errorf("camera count mismatch: old=%d, new=%d", len(oldCfg.Cameras), len(newCfg.Cameras))
	}
}

func TestKoanfConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, "time:\n  segment: \"not a number\"\n")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		return
	}

	_, err = kc.Load()
	if err == nil {
		t.Error("expected error loading invalid/incomplete config, got nil")
	}
}

func TestKoanfConfig_MissingFile(t *testing.T) {
	_, err := NewKoanfConfig(WithYAMLFile("/nonexistent/nvr.yaml"))
	if err == nil {
		t.Error("expected error loading missing file, got nil")
	}
}

func TestKoanfConfig_GetMethods(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	if got := kc.GetInt("time.segment"); got != 60 {
		t.Errorf("GetInt(time.segment) = %d, want 60", got)
	}
	if got := kc.GetString("suffix"); got != ".mkv" {
		t.Errorf("GetString(suffix) = %q, want %q", got, ".mkv")
	}
	if !kc.Exists("time.naming") {
		t.Error("expected time.naming to exist")
	}
	if kc.Exists("nonexistent.key") {
		t.Error("expected nonexistent.key to not exist")
	}
}

func TestKoanfConfig_NoFile(t *testing.T) {
	t.Setenv("NVR_SUFFIX", ".mkv")
	t.Setenv("NVR_TIME_SEGMENT", "60")

	kc, err := NewKoanfConfig(WithEnvPrefix("NVR"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	if got := kc.GetString("suffix"); got != ".mkv" {
		t.Errorf("GetString(suffix) = %q, want .mkv", got)
	}
}

func TestKoanfConfig_All(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	all := kc.All()
	if all == nil {
		t.Fatal("All() returned nil")
	}
	if _, ok := all["time.segment"]; !ok {
		t.Error("All() should contain 'time.segment' key")
	}
	if _, ok := all["suffix"]; !ok {
		t.Error("All() should contain 'suffix' key")
	}
}

func TestKoanfConfig_WatchNoFile(t *testing.T) {
	kc, err := NewKoanfConfig(WithEnvPrefix("NVR"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = kc.Watch(ctx, func(event string, watchErr error) {
		t.Error("callback should not be called when no file is set")
	})
	if err == nil {
		t.Error("Watch without file should return an error")
	}
	if err != nil && !strings.Contains(err.Error(), "no file path specified") {
		t.Errorf("expected error about no file path, got: %v", err)
	}
}

func TestKoanfConfig_WatchContextCancellation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Watch did not return when context was cancelled")
	}
}

// TestKoanfConfig_ConcurrentReloadAndRead exercises Reload and getter calls
// concurrently; run with `go test -race` to catch data races on the internal
// koanf pointer.
func TestKoanfConfig_ConcurrentReloadAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nvr.yaml")
	writeKoanfConfig(t, configPath, validYAML())

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	const numGoroutines = 10
	const numIterations = 50

	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.Reload()
			}
		}()
	}
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.GetString("suffix")
			}
		}()
	}
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.GetInt("time.segment")
			}
		}()
	}
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.Exists("time.naming")
			}
		}()
	}
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.All()
			}
		}()
	}
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_, _ = kc.Load()
			}
		}()
	}

	wg.Wait()
}
