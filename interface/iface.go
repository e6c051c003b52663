package iface

import "context"

// Backend is a single, non-reentrant inference session.
type Backend interface {
	Run(input *Tensor) (*RawPrediction, error)
	Destroy()
	CheckConfig() EngineConfig
}

// Detector is what the frame pipeline calls. Implementations decide how calls
// from concurrent sessions are serialized onto backends.
type Detector interface {
	Infer(ctx context.Context, input *Tensor) (*RawPrediction, error)
}
