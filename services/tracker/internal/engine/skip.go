package engine

// SeekVerdict classifies an explicit seek request.
type SeekVerdict int

const (
	SeekBackward SeekVerdict = iota
	SeekIntoWatched
	SeekSkip
)

// DetectDrift reports whether the actual position has run ahead of the
// expected one by more than threshold seconds. Rewinds never count.
func DetectDrift(expected, actual, threshold float64) bool {
	return actual > expected && actual-expected > threshold
}

// CheckSeek decides whether a seek from current to target is allowed.
// Backward seeks always are; forward seeks only land inside watched ranges.
func CheckSeek(segs []Segment, current, target float64) SeekVerdict {
	if target <= current {
		return SeekBackward
	}
	if Covers(segs, target) {
		return SeekIntoWatched
	}
	return SeekSkip
}
