package engine

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

func TestRecordWatched_IgnoresNonForward(t *testing.T) {
	s := NewSession(testKey, 100)
	RecordWatched(s, 10, 10)
	RecordWatched(s, 20, 5)
	if len(s.Segments) != 0 {
		t.Fatalf("expected no segments, got %v", s.Segments)
	}
}

func TestRecordWatched_MergesOverlappingAndTouching(t *testing.T) {
	s := NewSession(testKey, 100)
	RecordWatched(s, 0, 10)
	RecordWatched(s, 20, 30)
	RecordWatched(s, 10, 20)
	if len(s.Segments) != 1 || s.Segments[0] != (Segment{Start: 0, End: 30}) {
		t.Fatalf("expected single [0,30], got %v", s.Segments)
	}
}

func TestRecordWatched_BridgesSeveralSegments(t *testing.T) {
	s := NewSession(testKey, 100)
	RecordWatched(s, 50, 60)
	RecordWatched(s, 0, 5)
	RecordWatched(s, 30, 40)
	RecordWatched(s, 70, 80)
	RecordWatched(s, 35, 75)
	want := []Segment{{0, 5}, {30, 80}}
	if len(s.Segments) != len(want) {
		t.Fatalf("expected %v, got %v", want, s.Segments)
	}
	for i := range want {
		if s.Segments[i] != want[i] {
			t.Fatalf("segment %d: expected %v, got %v", i, want[i], s.Segments[i])
		}
	}
	if got := TotalWatched(s.Segments); got != 55 {
		t.Fatalf("expected total 55, got %v", got)
	}
}

func TestRecordWatched_MatchesNaiveUnion(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		s := NewSession(testKey, 1000)
		var raw []Segment
		n := 1 + rng.Intn(30)
		for i := 0; i < n; i++ {
			from := float64(rng.Intn(1000))
			to := from + float64(rng.Intn(120)) - 10
			RecordWatched(s, from, to)
			if to > from {
				raw = append(raw, Segment{Start: from, End: to})
			}
		}

		for i, seg := range s.Segments {
			if seg.Start >= seg.End {
				t.Fatalf("trial %d: empty segment %v", trial, seg)
			}
			if i > 0 && s.Segments[i-1].End >= seg.Start {
				t.Fatalf("trial %d: segments not sorted/disjoint: %v", trial, s.Segments)
			}
		}
		if got, want := TotalWatched(s.Segments), naiveUnion(raw); math.Abs(got-want) > 1e-9 {
			t.Fatalf("trial %d: total %v, naive union %v", trial, got, want)
		}
	}
}

func naiveUnion(raw []Segment) float64 {
	if len(raw) == 0 {
		return 0
	}
	segs := append([]Segment(nil), raw...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	total := 0.0
	cur := segs[0]
	for _, s := range segs[1:] {
		if s.Start <= cur.End {
			if s.End > cur.End {
				cur.End = s.End
			}
			continue
		}
		total += cur.End - cur.Start
		cur = s
	}
	return total + cur.End - cur.Start
}

func TestCovers(t *testing.T) {
	segs := []Segment{{0, 10}, {20, 30}}
	cases := map[float64]bool{0: true, 5: true, 10: true, 15: false, 20: true, 30: true, 31: false}
	for pos, want := range cases {
		if got := Covers(segs, pos); got != want {
			t.Fatalf("Covers(%v) = %v, want %v", pos, got, want)
		}
	}
}

func TestWatchedPct(t *testing.T) {
	s := NewSession(testKey, 600)
	RecordWatched(s, 0, 550)
	if pct := s.WatchedPct(); math.Abs(pct-91.6667) > 0.001 {
		t.Fatalf("expected ~91.67%%, got %v", pct)
	}
	if pct := NewSession(testKey, 0).WatchedPct(); pct != 0 {
		t.Fatalf("zero duration should give 0%%, got %v", pct)
	}
}
