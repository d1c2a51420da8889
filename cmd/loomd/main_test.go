package main

import (
	"testing"

	"github.com/loomtide/loom/pkg/logger"
)

func TestLoggerModeFromString(t *testing.T) {
	tests := []struct {
		in   string
		want logger.Mode
	}{
		{"standalone", logger.Standalone},
		{"embedded", logger.Embedded},
		{"network", logger.Network},
		{"dual", logger.Dual},
		{"unknown", logger.Standalone},
		{"", logger.Standalone},
	}
	for _, tt := range tests {
		if got := loggerModeFromString(tt.in); got != tt.want {
			t.Errorf("loggerModeFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
