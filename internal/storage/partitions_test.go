package storage

import (
	"context"
	"testing"
)

// Configuration 1's partition pattern must not pick up configuration
// 12's tables, whose names share the "p1" prefix.
func TestListPartitionsIsolatedByConfiguration(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if err := s.EnsurePartitions(ctx, 1, baseTS); err != nil {
		t.Fatalf("ensure partitions: %v", err)
	}
	if err := s.EnsurePartitions(ctx, 12, baseTS); err != nil {
		t.Fatalf("ensure partitions: %v", err)
	}

	for _, cfgID := range []int64{1, 12} {
		names, err := s.partitions.listPartitions(ctx, tableTripUpdates, cfgID)
		if err != nil {
			t.Fatalf("list partitions of configuration %d: %v", cfgID, err)
		}
		want := tableName(tableTripUpdates, cfgID, baseTS)
		if len(names) != 1 || names[0] != want {
			t.Errorf("configuration %d: partitions = %v, want [%s]", cfgID, names, want)
		}
	}
}

func TestSuffixOf(t *testing.T) {
	tests := []struct {
		table string
		want  string
	}{
		{"trip_updates_p3_20260831", "p3_20260831"},
		{"vehicle_positions_p3_20260831", "p3_20260831"},
		{"stop_time_updates_p12_20261005", "p12_20261005"},
	}
	for _, tt := range tests {
		if got := suffixOf(tt.table); got != tt.want {
			t.Errorf("suffixOf(%q) = %q, want %q", tt.table, got, tt.want)
		}
	}
}
