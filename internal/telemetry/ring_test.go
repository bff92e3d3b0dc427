package telemetry

import (
	"fmt"
	"testing"
	"time"

	"officemate/backend/internal/telemetry/domain"
)

func ringRecord(i int) *domain.Record {
	return domain.NewRecord(
		time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		domain.LevelInfo, "test", fmt.Sprintf("message %d", i), nil,
	)
}

func TestRing_BelowCapacity(t *testing.T) {
	r := NewRing(5)
	for i := 0; i < 3; i++ {
		r.Add(ringRecord(i))
	}
	all := r.All()
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, e := range all {
		rec := e.(*domain.Record)
		if rec.Message != fmt.Sprintf("message %d", i) {
			t.Errorf("all[%d] = %q, want message %d", i, rec.Message, i)
		}
	}
}

func TestRing_OverwriteKeepsCapacityAndOrder(t *testing.T) {
	const capacity, k = 5, 3
	r := NewRing(capacity)
	for i := 0; i < capacity+k; i++ {
		r.Add(ringRecord(i))
	}

	all := r.All()
	if len(all) != capacity {
		t.Fatalf("len = %d, want %d", len(all), capacity)
	}
	// Oldest k entries evicted; order chronological across the wrap.
	for i, e := range all {
		rec := e.(*domain.Record)
		want := fmt.Sprintf("message %d", i+k)
		if rec.Message != want {
			t.Errorf("all[%d] = %q, want %q", i, rec.Message, want)
		}
		if i > 0 {
			prev := all[i-1].(*domain.Record)
			if rec.Timestamp.Before(prev.Timestamp) {
				t.Errorf("all[%d] out of chronological order", i)
			}
		}
	}
}

func TestRing_ManyWraps(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 23; i++ {
		r.Add(ringRecord(i))
	}
	all := r.All()
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	first := all[0].(*domain.Record)
	if first.Message != "message 19" {
		t.Errorf("oldest kept = %q, want %q", first.Message, "message 19")
	}
}

func TestRing_Clear(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Add(ringRecord(i))
	}
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", r.Len())
	}
	r.Add(ringRecord(9))
	all := r.All()
	if len(all) != 1 || all[0].(*domain.Record).Message != "message 9" {
		t.Errorf("ring unusable after Clear: %v", all)
	}
}

func TestRing_DefaultCapacity(t *testing.T) {
	r := NewRing(0)
	for i := 0; i < 150; i++ {
		r.Add(ringRecord(i))
	}
	if got := len(r.All()); got != defaultRingCapacity {
		t.Errorf("len = %d, want %d", got, defaultRingCapacity)
	}
}

func TestRing_MixedEntryKinds(t *testing.T) {
	r := NewRing(3)
	r.Add(ringRecord(0))
	r.Add(&domain.Metric{Name: "latency_ms", Value: 42, Timestamp: time.Now()})
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if _, ok := all[1].(*domain.Metric); !ok {
		t.Errorf("all[1] = %T, want *domain.Metric", all[1])
	}
}
