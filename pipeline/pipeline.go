// Package pipeline runs one frame through preparation, inference, decoding and
// suppression and builds the client facing result.
package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"DetStreamServer/imageprep"
	iface "DetStreamServer/interface"
	"DetStreamServer/monitor"
	"DetStreamServer/postprocess"
)

const (
	DefaultConfThreshold = float32(0.4)
	DefaultIouThreshold  = 0.5
	DefaultMaxDetections = 50
)

// Preparer turns frame bytes into a detector tensor. *imageprep.Preparer is
// the production implementation.
type Preparer interface {
	Prepare(data []byte) (*iface.Tensor, int, int, error)
	InputSize() int
}

var _ Preparer = (*imageprep.Preparer)(nil)

type Options struct {
	ConfThreshold float32
	IouThreshold  float64
	MaxDetections int
	// ClassAware switches to per-class suppression. Off by default: boxes of
	// different classes suppress each other.
	ClassAware bool
	Labels     postprocess.Labels
	Now        func() time.Time
	Logger     *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		ConfThreshold: DefaultConfThreshold,
		IouThreshold:  DefaultIouThreshold,
		MaxDetections: DefaultMaxDetections,
		Labels:        postprocess.Labels(postprocess.COCONames),
		Now:           time.Now,
	}
}

// Pipeline holds no per-frame state and is safe for concurrent use when its
// detector is.
type Pipeline struct {
	prep     Preparer
	detector iface.Detector
	opts     Options
	log      *zap.Logger
}

func New(prep Preparer, detector iface.Detector, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.MaxDetections <= 0 {
		opts.MaxDetections = def.MaxDetections
	}
	if opts.Labels == nil {
		opts.Labels = def.Labels
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{prep: prep, detector: detector, opts: opts, log: log}
}

// Run processes frame. A *imageprep.DecodeError means only this frame failed;
// any other error comes from the detector. No detections is not an error.
func (p *Pipeline) Run(ctx context.Context, frame iface.Frame) (*iface.FrameResult, error) {
	start := p.opts.Now()

	tensor, origW, origH, err := p.prep.Prepare(frame.Data)
	if err != nil {
		monitor.FramesTotal.WithLabelValues(monitor.OutcomeDecodeError).Inc()
		return nil, err
	}

	raw, err := p.detector.Infer(ctx, tensor)
	if err != nil {
		monitor.FramesTotal.WithLabelValues(monitor.OutcomeInferError).Inc()
		return nil, errors.Wrap(err, "detector")
	}

	size := p.prep.InputSize()
	cands := postprocess.Decode(raw, origW, origH, size, size, p.opts.ConfThreshold)
	var kept []iface.Candidate
	if p.opts.ClassAware {
		kept = postprocess.SuppressPerClass(cands, p.opts.IouThreshold)
	} else {
		kept = postprocess.Suppress(cands, p.opts.IouThreshold)
	}
	if len(kept) > p.opts.MaxDetections {
		kept = kept[:p.opts.MaxDetections]
	}

	dets := make([]iface.Detection, 0, len(kept))
	for _, c := range kept {
		dets = append(dets, p.normalize(c, origW, origH))
	}

	end := p.opts.Now()
	latency := end.Sub(start).Milliseconds()
	monitor.FramesTotal.WithLabelValues(monitor.OutcomeOK).Inc()
	monitor.FrameLatency.Observe(float64(latency))
	monitor.DetectionsPerFrame.Observe(float64(len(dets)))
	p.log.Debug("frame processed",
		zap.Int("width", origW), zap.Int("height", origH),
		zap.Int("candidates", len(cands)), zap.Int("detections", len(dets)),
		zap.Int64("latency_ms", latency))

	arrived := frame.ArrivedAt
	if arrived.IsZero() {
		arrived = start
	}
	return &iface.FrameResult{
		FrameID:     uuid.NewString(),
		CaptureTS:   arrived.UnixMilli(),
		InferenceTS: end.UnixMilli(),
		LatencyMS:   latency,
		Detections:  dets,
	}, nil
}

// normalize clamps c into the image and scales it to [0,1].
func (p *Pipeline) normalize(c iface.Candidate, w, h int) iface.Detection {
	fw, fh := float64(w), float64(h)
	return iface.Detection{
		Label: p.opts.Labels.Name(c.ClassID),
		Score: c.Confidence,
		XMin:  clamp(c.Box.XMin, fw) / fw,
		YMin:  clamp(c.Box.YMin, fh) / fh,
		XMax:  clamp(c.Box.XMax, fw) / fw,
		YMax:  clamp(c.Box.YMax, fh) / fh,
	}
}

func clamp(v, limit float64) float64 {
	return math.Min(math.Max(v, 0), limit)
}
