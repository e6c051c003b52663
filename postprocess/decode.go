// Package postprocess turns raw detector rows into suppressed candidates.
package postprocess

import (
	"math"

	iface "DetStreamServer/interface"
)

// Decode filters pred by confThreshold and maps boxes from the inputW x inputH
// model space back onto the origW x origH source image. A row survives only
// if both its objectness and its combined score reach the threshold; a score
// equal to the threshold is kept. Rows carrying NaN or infinite values are
// dropped.
//
// The preprocessing stretch is non-uniform, so x and y are rescaled
// independently. Output order is unspecified.
func Decode(pred *iface.RawPrediction, origW, origH, inputW, inputH int, confThreshold float32) []iface.Candidate {
	if pred == nil || pred.NumClasses() == 0 {
		return nil
	}
	n := pred.NumCandidates
	if avail := len(pred.Data) / pred.Stride; avail < n {
		n = avail
	}

	scaleX := float64(origW) / float64(inputW)
	scaleY := float64(origH) / float64(inputH)

	var out []iface.Candidate
	for i := 0; i < n; i++ {
		rec := pred.Record(i)
		objectness := rec[4]
		if objectness < confThreshold {
			continue
		}

		classID, classScore := argmax(rec[iface.RecordFields:])
		score := objectness * classScore
		if score < confThreshold || !finite(float64(score)) {
			continue
		}

		cx, cy := float64(rec[0]), float64(rec[1])
		w, h := float64(rec[2]), float64(rec[3])
		if !finite(cx) || !finite(cy) || !finite(w) || !finite(h) {
			continue
		}
		if w < 0 {
			w = 0
		}
		if h < 0 {
			h = 0
		}
		out = append(out, iface.Candidate{
			Box: iface.Box{
				XMin: (cx - w/2) * scaleX,
				YMin: (cy - h/2) * scaleY,
				XMax: (cx + w/2) * scaleX,
				YMax: (cy + h/2) * scaleY,
			},
			Confidence: score,
			ClassID:    classID,
		})
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// argmax returns the first index holding the largest value.
func argmax(scores []float32) (int, float32) {
	best, bestScore := 0, scores[0]
	for i, s := range scores[1:] {
		if s > bestScore {
			best, bestScore = i+1, s
		}
	}
	return best, bestScore
}
