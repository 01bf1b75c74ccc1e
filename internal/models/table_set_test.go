package models

import (
	"testing"
	"time"
)

func TestTableSet_AdvanceIsMonotonic(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewTableSet(map[string]time.Time{"T1": base})

	if !s.Advance("T1", base.Add(11*time.Second)) {
		t.Fatalf("advance forward rejected")
	}
	if s.Advance("T1", base.Add(5*time.Second)) {
		t.Fatalf("advance backward accepted")
	}
	if s.Advance("T1", base.Add(11*time.Second)) {
		t.Fatalf("advance to same value accepted")
	}
	got, _ := s.Get("T1")
	if !got.Equal(base.Add(11 * time.Second)) {
		t.Fatalf("checkpoint=%s want=%s", got, base.Add(11*time.Second))
	}
}

func TestTableSet_SnapshotIsCopy(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewTableSet(map[string]time.Time{"B": base, "A": base})
	snap := s.Snapshot()
	snap["A"] = base.Add(time.Hour)
	if got, _ := s.Get("A"); !got.Equal(base) {
		t.Fatalf("snapshot mutation leaked into set")
	}
	names := s.Names()
	if len(names) != 2 || names[0] != "A" || names[1] != "B" {
		t.Fatalf("names=%v want=[A B]", names)
	}
}

func TestRecord_PayloadRendersTimestamp(t *testing.T) {
	r := Record{
		Time:   time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
		No:     42,
		Fields: map[string]any{"BattV": 12.5},
	}
	b, err := r.Payload()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := `{"BattV":12.5,"Datetime":"2024-01-01T00:00:05Z","RecNbr":42}`
	if string(b) != want {
		t.Fatalf("payload=%s want=%s", b, want)
	}
}
