package iface

import "time"

// Frame is one inbound compressed image, owned by a single session until the
// pipeline has consumed it.
type Frame struct {
	Data      []byte
	ArrivedAt time.Time
}

// Tensor is a channel-first float32 buffer with batch size 1.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// RawPrediction is the detector output laid out as NumCandidates rows of
// Stride values: cx, cy, w, h, objectness, then one score per class.
type RawPrediction struct {
	NumCandidates int
	Stride        int
	Data          []float32
}

// RecordFields is the count of fixed fields preceding the class scores.
const RecordFields = 5

func (p *RawPrediction) NumClasses() int {
	if p.Stride < RecordFields {
		return 0
	}
	return p.Stride - RecordFields
}

// Record returns row i without copying. Callers must not modify it.
func (p *RawPrediction) Record(i int) []float32 {
	return p.Data[i*p.Stride : (i+1)*p.Stride]
}

type Box struct {
	XMin, YMin, XMax, YMax float64
}

func (b Box) Area() float64 {
	w := b.XMax - b.XMin
	h := b.YMax - b.YMin
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Candidate is a decoded detection in original image pixel space.
type Candidate struct {
	Box        Box
	Confidence float32
	ClassID    int
}

// Detection is the client facing result with coordinates normalized to [0,1].
type Detection struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
	XMin  float64 `json:"xmin"`
	YMin  float64 `json:"ymin"`
	XMax  float64 `json:"xmax"`
	YMax  float64 `json:"ymax"`
}

type FrameResult struct {
	FrameID     string
	CaptureTS   int64
	InferenceTS int64
	LatencyMS   int64
	Detections  []Detection
}

// EngineConfig describes a loaded model.
type EngineConfig struct {
	ModelPath  string `json:"modelPath"`
	InputSize  int    `json:"inputSize"`
	NumClasses int    `json:"numClasses"`
	InputName  string `json:"inputName"`
	OutputName string `json:"outputName"`
}
