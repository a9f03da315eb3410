package engine

// RecordWatched adds [from, to] to the session's watched set. Calls that are
// not forward progress (to <= from) are ignored.
func RecordWatched(s *Session, from, to float64) {
	if to <= from {
		return
	}
	s.Segments = mergeSegment(s.Segments, Segment{Start: from, End: to})
}

// mergeSegment inserts seg into a sorted, disjoint set, absorbing every
// segment that overlaps or touches it.
func mergeSegment(segs []Segment, seg Segment) []Segment {
	out := make([]Segment, 0, len(segs)+1)
	inserted := false
	for _, cur := range segs {
		switch {
		case cur.End < seg.Start:
			out = append(out, cur)
		case seg.End < cur.Start:
			if !inserted {
				out = append(out, seg)
				inserted = true
			}
			out = append(out, cur)
		default:
			seg.Start = min(seg.Start, cur.Start)
			seg.End = max(seg.End, cur.End)
		}
	}
	if !inserted {
		out = append(out, seg)
	}
	return out
}

// TotalWatched sums the lengths of the segments.
func TotalWatched(segs []Segment) float64 {
	var total float64
	for _, s := range segs {
		total += s.End - s.Start
	}
	return total
}

// Covers reports whether pos falls inside a watched segment.
func Covers(segs []Segment, pos float64) bool {
	for _, s := range segs {
		if pos < s.Start {
			return false
		}
		if pos <= s.End {
			return true
		}
	}
	return false
}
