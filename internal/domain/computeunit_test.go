package domain

import (
	"reflect"
	"testing"
)

func TestNormalizeComputeUnit(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CPU", "cpu"},
		{"cpu", "cpu"},
		{"GPU", "gpu"},
		{"CPU (ONNX)", "cpu_onnx"},
		{"Neural Engine", "neural_engine"},
		{"  CPU  ", "cpu"},
		{"CPU  AND   GPU", "cpu_and_gpu"},
		{"(GPU)", "gpu"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeComputeUnit(tt.in); got != tt.want {
				t.Errorf("NormalizeComputeUnit(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeCapabilities(t *testing.T) {
	got := NormalizeCapabilities([]string{"CPU", "GPU", "cpu", "", "Neural Engine", "CPU (ONNX)"})
	want := []string{"cpu", "gpu", "neural_engine", "cpu_onnx"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeCapabilities = %v, want %v", got, want)
	}
}

func TestNormalizeCapabilitiesEmpty(t *testing.T) {
	if got := NormalizeCapabilities(nil); len(got) != 0 {
		t.Errorf("NormalizeCapabilities(nil) = %v", got)
	}
}
