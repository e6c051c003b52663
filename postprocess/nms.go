package postprocess

import (
	"math"
	"sort"

	iface "DetStreamServer/interface"
)

const iouEpsilon = 1e-6

// IoU is the intersection over union of a and b. Zero-area boxes yield 0.
func IoU(a, b iface.Box) float64 {
	x1 := math.Max(a.XMin, b.XMin)
	y1 := math.Max(a.YMin, b.YMin)
	x2 := math.Min(a.XMax, b.XMax)
	y2 := math.Min(a.YMax, b.YMax)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	return inter / (a.Area() + b.Area() - inter + iouEpsilon)
}

// Suppress is greedy non-max suppression across all classes: a box of one
// class can remove an overlapping box of another. Survivors are returned in
// selection order (descending confidence, ties kept in input order). Boxes
// whose IoU with a survivor is strictly above iouThreshold are dropped.
// cands is not modified.
func Suppress(cands []iface.Candidate, iouThreshold float64) []iface.Candidate {
	if len(cands) == 0 {
		return []iface.Candidate{}
	}
	remaining := make([]iface.Candidate, len(cands))
	copy(remaining, cands)
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].Confidence > remaining[j].Confidence
	})

	keep := make([]iface.Candidate, 0, len(remaining))
	for len(remaining) > 0 {
		best := remaining[0]
		keep = append(keep, best)

		rest := remaining[:0]
		for _, c := range remaining[1:] {
			if IoU(best.Box, c.Box) <= iouThreshold {
				rest = append(rest, c)
			}
		}
		remaining = rest
	}
	return keep
}

// SuppressPerClass runs Suppress independently for every class id and merges
// the survivors by descending confidence.
func SuppressPerClass(cands []iface.Candidate, iouThreshold float64) []iface.Candidate {
	groups := make(map[int][]iface.Candidate)
	var order []int
	for _, c := range cands {
		if _, ok := groups[c.ClassID]; !ok {
			order = append(order, c.ClassID)
		}
		groups[c.ClassID] = append(groups[c.ClassID], c)
	}

	out := make([]iface.Candidate, 0, len(cands))
	for _, id := range order {
		out = append(out, Suppress(groups[id], iouThreshold)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}
