package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gbif/keygen/config"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygen.yaml")

	contents := "lookupTable: occurrence_lookup\ncounterTable: occurrence_counter\noccTable: occurrence\ncolumnFamily: o\ndatasetId: ds1\nbatchSize: 50\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile() err = %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}

	if cfg.LookupTable != "occurrence_lookup" {
		t.Fatalf("LookupTable = %q, want occurrence_lookup", cfg.LookupTable)
	}
	if cfg.BatchSize != 50 {
		t.Fatalf("BatchSize = %d, want 50 (overridden)", cfg.BatchSize)
	}
	if cfg.StaleLockTimeDuration() != 5*time.Minute {
		t.Fatalf("StaleLockTime = %v, want 5m (default preserved)", cfg.StaleLockTimeDuration())
	}
}

func TestLoadRejectsMissingTableNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygen.yaml")

	if err := os.WriteFile(path, []byte("columnFamily: o\n"), 0644); err != nil {
		t.Fatalf("WriteFile() err = %v", err)
	}

	if _, err := config.Load(path); err == nil {
		t.Fatalf("Load() err = nil, want validation error for missing table names")
	}
}
