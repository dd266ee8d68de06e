package sqlstore_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/store"
	"github.com/signalnine/benchloop/internal/store/sqlstore"
	"github.com/signalnine/benchloop/internal/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := sqlstore.New(map[string]any{
			"driver": "sqlite",
			"url":    "file:" + filepath.Join(t.TempDir(), "bench.db"),
		}, logging.Discard())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSchemaIsIdempotent(t *testing.T) {
	url := "file:" + filepath.Join(t.TempDir(), "bench.db")
	for i := 0; i < 2; i++ {
		s, err := sqlstore.New(map[string]any{"driver": "sqlite", "url": url}, logging.Discard())
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.New(map[string]any{"driver": "mysql", "url": "x"}, logging.Discard())
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("got %v, want unsupported driver error", err)
	}
}

func TestNewDecodesDurations(t *testing.T) {
	s, err := sqlstore.New(map[string]any{
		"driver":            "sqlite",
		"url":               "file:" + filepath.Join(t.TempDir(), "bench.db"),
		"conn_max_lifetime": "30s",
		"max_idle_conns":    2,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if s.Driver() != "sqlite" {
		t.Errorf("driver: got %q", s.Driver())
	}
}
