package observability

import (
	"context"
	"errors"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	if err := Init(Config{Enabled: false}); err != nil {
		t.Fatalf("Init() disabled error = %v", err)
	}

	ctx, span := StartSpan(context.Background(), "test-span", map[string]any{"key": "value"})
	if ctx == nil {
		t.Fatal("StartSpan() returned nil context")
	}
	if span.Name() != "test-span" {
		t.Errorf("Name() = %s, want test-span", span.Name())
	}

	span.SetAttribute("count", 3)
	span.SetError(errors.New("boom"))
	span.End()
	span.End() // double End is safe
}

func TestInitStdoutExporter(t *testing.T) {
	if err := Init(Config{Enabled: true, ExporterType: "stdout"}); err != nil {
		t.Fatalf("Init() stdout error = %v", err)
	}
	defer Shutdown(context.Background())

	_, span := StartSpan(context.Background(), "traced", nil)
	span.End()
}

func TestInitUnknownExporter(t *testing.T) {
	if err := Init(Config{Enabled: true, ExporterType: "jaeger-agent"}); err == nil {
		t.Fatal("Init() with unknown exporter succeeded, want error")
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{name: "empty", input: "", want: nil},
		{name: "single", input: "a=1", want: map[string]string{"a": "1"}},
		{
			name:  "multiple",
			input: "a=1,b=two",
			want:  map[string]string{"a": "1", "b": "two"},
		},
		{
			name:  "value with equals",
			input: "auth=Basic x=y",
			want:  map[string]string{"auth": "Basic x=y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHeaders(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseHeaders() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseHeaders()[%s] = %s, want %s", k, got[k], v)
				}
			}
		})
	}
}
