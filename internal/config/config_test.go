package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsMatchDocumentedConstants(t *testing.T) {
	d := Defaults()
	cases := map[string]int{
		"WaitRangeTimeoutSec":            d.WaitRangeTimeoutSec,
		"DHTCycleTryCount":               d.DHTCycleTryCount,
		"InitDHTWaitNeighbourTimeoutSec": d.InitDHTWaitNeighbourTimeoutSec,
		"AllowUsedSizePercents":          d.AllowUsedSizePercents,
		"DangerUsedSizePercents":         d.DangerUsedSizePercents,
		"MaxUsedSizePercents":            d.MaxUsedSizePercents,
		"PullSubrangeSizePerc":           d.PullSubrangeSizePerc,
		"CriticalFreeSpacePercent":       d.CriticalFreeSpacePercent,
		"CheckHashTableTimeoutSec":       d.CheckHashTableTimeoutSec,
		"MonitorDHTRangesTimeoutSec":     d.MonitorDHTRangesTimeoutSec,
		"WaitFileMDTimedeltaSec":         d.WaitFileMDTimedeltaSec,
		"WaitDHTTableUpdateSec":          d.WaitDHTTableUpdateSec,
		"RangesTableFlappingTimeoutSec":  d.RangesTableFlappingTimeoutSec,
		"FlushMDCacheTimeoutSec":         d.FlushMDCacheTimeoutSec,
		"DHTStopTimeoutSec":              d.DHTStopTimeoutSec,
		"MinReplicaCount":                d.MinReplicaCount,
	}
	want := map[string]int{
		"WaitRangeTimeoutSec":            120,
		"DHTCycleTryCount":               3,
		"InitDHTWaitNeighbourTimeoutSec": 1,
		"AllowUsedSizePercents":          70,
		"DangerUsedSizePercents":         80,
		"MaxUsedSizePercents":            90,
		"PullSubrangeSizePerc":           15,
		"CriticalFreeSpacePercent":       3,
		"CheckHashTableTimeoutSec":       60,
		"MonitorDHTRangesTimeoutSec":     30,
		"WaitFileMDTimedeltaSec":         10,
		"WaitDHTTableUpdateSec":          3,
		"RangesTableFlappingTimeoutSec":  3,
		"FlushMDCacheTimeoutSec":         600,
		"DHTStopTimeoutSec":              2,
		"MinReplicaCount":                2,
	}
	for k, v := range want {
		if cases[k] != v {
			t.Errorf("%s = %d, want %d", k, cases[k], v)
		}
	}
}

func TestLoadRequiresNodeID(t *testing.T) {
	os.Unsetenv("NODE_ID")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when node_id is unset")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	yamlBody := "node_id: node-a\nmin_replica_count: 4\nallow_used_size_percents: 60\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "node-a" {
		t.Fatalf("NodeID = %q, want node-a", cfg.NodeID)
	}
	if cfg.MinReplicaCount != 4 {
		t.Fatalf("MinReplicaCount = %d, want 4", cfg.MinReplicaCount)
	}
	if cfg.AllowUsedSizePercents != 60 {
		t.Fatalf("AllowUsedSizePercents = %d, want 60", cfg.AllowUsedSizePercents)
	}
	// untouched fields keep their default
	if cfg.DangerUsedSizePercents != 80 {
		t.Fatalf("DangerUsedSizePercents = %d, want 80 (default)", cfg.DangerUsedSizePercents)
	}
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte("node_id: from-yaml\nmin_replica_count: 4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	os.Setenv("NODE_ID", "from-env")
	os.Setenv("MIN_REPLICA_COUNT", "7")
	defer os.Unsetenv("NODE_ID")
	defer os.Unsetenv("MIN_REPLICA_COUNT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "from-env" {
		t.Fatalf("NodeID = %q, want from-env", cfg.NodeID)
	}
	if cfg.MinReplicaCount != 7 {
		t.Fatalf("MinReplicaCount = %d, want 7", cfg.MinReplicaCount)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	os.Setenv("NODE_ID", "node-x")
	defer os.Unsetenv("NODE_ID")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinReplicaCount != 2 {
		t.Fatalf("MinReplicaCount = %d, want default 2", cfg.MinReplicaCount)
	}
}

func TestDurationHelpersConvertSecondsToDuration(t *testing.T) {
	cfg := Defaults()
	if cfg.WaitRangeTimeout().Seconds() != 120 {
		t.Fatalf("WaitRangeTimeout = %v, want 120s", cfg.WaitRangeTimeout())
	}
	if cfg.MinReplicaCount != 2 {
		t.Fatalf("sanity: MinReplicaCount changed unexpectedly")
	}
}
