package perf

import (
	"testing"
	"time"
)

func TestStartMeasureRecords(t *testing.T) {
	m := NewMonitor()

	current := time.Unix(0, 0)
	m.now = func() time.Time { return current }

	stop := m.StartMeasure("connect")
	current = current.Add(50 * time.Millisecond)
	stop()

	stop = m.StartMeasure("connect")
	current = current.Add(10 * time.Millisecond)
	stop()

	snap := m.Snapshot()
	metric, ok := snap["connect"]
	if !ok {
		t.Fatal("Expected connect metric")
	}

	if metric.Count != 2 {
		t.Errorf("Count = %d, want 2", metric.Count)
	}
	if metric.Max != 50*time.Millisecond {
		t.Errorf("Max = %v, want 50ms", metric.Max)
	}
	if metric.Average() != 30*time.Millisecond {
		t.Errorf("Average = %v, want 30ms", metric.Average())
	}
}

func TestSnapshotIsolation(t *testing.T) {
	m := NewMonitor()
	m.StartMeasure("op")()

	snap := m.Snapshot()
	snap["op"] = Metric{Count: 99}

	if m.Snapshot()["op"].Count == 99 {
		t.Error("Snapshot mutation leaked into monitor")
	}
}
