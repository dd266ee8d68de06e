package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/benchloop/internal/logging"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "benchloop.log")
	logger, shutdown, err := logging.New(logging.Options{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("run started", "run_id", "r1")
	if err := shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"r1"`) {
		t.Errorf("log output missing run_id: %s", data)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	tests := []logging.Options{
		{Level: "loud"},
		{Format: "xml"},
	}
	for _, opts := range tests {
		if _, _, err := logging.New(opts); err == nil {
			t.Errorf("New(%+v): expected error", opts)
		}
	}
}

func TestOrDefault(t *testing.T) {
	if logging.OrDefault(nil) == nil {
		t.Error("OrDefault(nil) returned nil")
	}
}
