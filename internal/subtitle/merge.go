package subtitle

import "sort"

// Merge flattens translated chunk outputs into one artifact: chunks are
// concatenated in order, segments sorted by their original index, then
// renumbered contiguously from 1 with timestamps preserved verbatim.
func Merge(chunks [][]Segment) []Segment {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	merged := make([]Segment, 0, total)
	for _, c := range chunks {
		merged = append(merged, c...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Index < merged[j].Index
	})
	Renumber(merged)
	return merged
}

// Renumber rewrites indices to the contiguous 1-based sequence in place.
func Renumber(segments []Segment) {
	for i := range segments {
		segments[i].Index = i + 1
	}
}
