package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestStartSpan(t *testing.T) {
	tests := []struct {
		name     string
		spanName string
		data     map[string]any
	}{
		{
			name:     "span with nil data",
			spanName: "dispatch",
			data:     nil,
		},
		{
			name:     "span with mixed data types",
			spanName: "executor.run",
			data: map[string]any{
				"mode":       "agentic",
				"turns":      4,
				"duration_s": 1.5,
				"tools":      true,
				"slice":      []string{"a", "b"},
			},
		},
		{
			name:     "span with empty name",
			spanName: "",
			data:     map[string]any{"session_id": "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, span := StartSpan(context.Background(), tt.spanName, tt.data)
			if span == nil {
				t.Fatal("StartSpan returned nil")
			}
			if ctx == nil {
				t.Fatal("StartSpan returned nil context")
			}
			if span.Name() != tt.spanName {
				t.Errorf("expected name %q, got %q", tt.spanName, span.Name())
			}
			if span.IsEnded() {
				t.Error("new span should not be ended")
			}
			span.End()
		})
	}
}

func TestSpan_End(t *testing.T) {
	_, span := StartSpan(context.Background(), "test", nil)
	span.End()
	if !span.IsEnded() {
		t.Error("span should be ended")
	}
	// Second End is a no-op
	span.End()
	if !span.IsEnded() {
		t.Error("span should stay ended")
	}
}

func TestSpan_ZeroValue(t *testing.T) {
	var span Span
	span.SetAttribute("key", "value")
	span.SetError(errors.New("boom"))
	span.End()
	if span.IsEnded() {
		t.Error("zero span has nothing to end")
	}
}

func TestSpan_SetErrorAndAttributes(t *testing.T) {
	_, span := StartSpan(context.Background(), "store.append", nil)
	defer span.End()

	span.SetAttribute("attempts", 3)
	span.SetError(errors.New("store unavailable"))
	span.SetError(nil)
}

func TestSpan_ConcurrentStart(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, span := StartSpan(context.Background(), "concurrent", map[string]any{"i": i})
			span.End()
		}(i)
	}
	wg.Wait()
}

func TestInit_Disabled(t *testing.T) {
	if err := Init(context.Background(), Config{Exporter: ExporterNone}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Init(context.Background(), Config{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if err := Init(context.Background(), Config{Exporter: "jaeger"}, nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestShutdown_WithoutProvider(t *testing.T) {
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "gw-test")
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Basic abc, x-team = core,broken")

	cfg := Config{OTLPHeaders: map[string]string{"existing": "1"}}
	cfg.ApplyEnv()

	if cfg.ServiceName != "gw-test" {
		t.Errorf("service name = %q", cfg.ServiceName)
	}
	if cfg.Exporter != "stdout" {
		t.Errorf("exporter = %q", cfg.Exporter)
	}
	if cfg.OTLPEndpoint != "collector:4318" {
		t.Errorf("endpoint = %q", cfg.OTLPEndpoint)
	}
	want := map[string]string{"existing": "1", "authorization": "Basic abc", "x-team": "core"}
	if len(cfg.OTLPHeaders) != len(want) {
		t.Fatalf("headers = %v", cfg.OTLPHeaders)
	}
	for k, v := range want {
		if cfg.OTLPHeaders[k] != v {
			t.Errorf("header %s = %q, want %q", k, cfg.OTLPHeaders[k], v)
		}
	}
}
