package pipeline

import (
	"DetStreamServer/engine"
	iface "DetStreamServer/interface"
)

// Settings are the post-processing knobs in effect.
type Settings struct {
	ConfThreshold float32 `json:"confThreshold"`
	IouThreshold  float64 `json:"iouThreshold"`
	MaxDetections int     `json:"maxDetections"`
	ClassAware    bool    `json:"classAware"`
	Labels        int     `json:"labels"`
}

// EngineStatus is what the info endpoints report.
type EngineStatus struct {
	Model    *iface.EngineConfig `json:"model,omitempty"`
	Workers  []engine.WorkerInfo `json:"workers,omitempty"`
	Pipeline Settings            `json:"pipeline"`
}

type modelReporter interface {
	CheckConfig() iface.EngineConfig
}

type workerReporter interface {
	Workers() []engine.WorkerInfo
}

func (p *Pipeline) Settings() Settings {
	return Settings{
		ConfThreshold: p.opts.ConfThreshold,
		IouThreshold:  p.opts.IouThreshold,
		MaxDetections: p.opts.MaxDetections,
		ClassAware:    p.opts.ClassAware,
		Labels:        len(p.opts.Labels),
	}
}

// Status reports the settings plus whatever the detector can say about
// itself. *engine.Pool reports both its model and its workers.
func (p *Pipeline) Status() EngineStatus {
	st := EngineStatus{Pipeline: p.Settings()}
	if m, ok := p.detector.(modelReporter); ok {
		cfg := m.CheckConfig()
		st.Model = &cfg
	}
	if w, ok := p.detector.(workerReporter); ok {
		st.Workers = w.Workers()
	}
	return st
}
