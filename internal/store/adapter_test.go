package store

import (
	"testing"
	"time"
)

func TestHourStart_TruncatesToHourBoundaryUTC(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 12, 0, time.UTC)
	got := hourStart(ts)
	want := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("hourStart(%v) = %v, want %v", ts, got, want)
	}
}

func TestDayStart_TruncatesToMidnightUTC(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 12, 0, time.UTC)
	got := dayStart(ts)
	want := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("dayStart(%v) = %v, want %v", ts, got, want)
	}
}

func TestMonthStart_TruncatesToFirstOfMonthUTC(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 12, 0, time.UTC)
	got := monthStart(ts)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("monthStart(%v) = %v, want %v", ts, got, want)
	}
}

func TestFilterOrigins_DropsLocalLikeOrigins(t *testing.T) {
	a := &Adapter{}
	in := map[string]int64{
		"example.com":     4,
		"localhost:3000":  2,
		"192.168.1.5":     1,
	}
	out := a.filterOrigins(in)
	if len(out.Origins) != 1 {
		t.Fatalf("expected only the public origin to survive, got %+v", out.Origins)
	}
	if out.Origins["example.com"] != 4 {
		t.Fatalf("expected example.com preserved with count 4, got %+v", out.Origins)
	}
}

func TestMergeOrigins_LastWriteWinsWithoutAddMergeFunction(t *testing.T) {
	a := &Adapter{caps: Capabilities{HasAddMergeFunction: false}}
	stored := OriginCounts{"a": 10}
	incoming := OriginCounts{"a": 1, "b": 2}

	got := a.mergeOrigins(stored, incoming)
	if got["a"] != 1 || got["b"] != 2 {
		t.Fatalf("expected last-write-wins with incoming values, got %+v", got)
	}
}

func TestMergeOrigins_EmptyIncomingKeepsStored(t *testing.T) {
	a := &Adapter{caps: Capabilities{HasAddMergeFunction: false}}
	stored := OriginCounts{"a": 10}

	got := a.mergeOrigins(stored, OriginCounts{})
	if got["a"] != 10 {
		t.Fatalf("expected stored preserved when incoming is empty, got %+v", got)
	}
}

func TestMergeOrigins_AddsWhenMergeFunctionAvailable(t *testing.T) {
	a := &Adapter{caps: Capabilities{HasAddMergeFunction: true}}
	stored := OriginCounts{"a": 10}
	incoming := OriginCounts{"a": 1, "b": 2}

	got := a.mergeOrigins(stored, incoming)
	if got["a"] != 11 || got["b"] != 2 {
		t.Fatalf("expected ADD-merge semantics, got %+v", got)
	}
}
