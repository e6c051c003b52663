package engine

import (
	"errors"
)

// Worker states.
const (
	IDLE = 0x1001
	BUSY = 0x1002
)

var (
	ErrPoolClosed  = errors.New("engine pool is closed")
	ErrNoBackends  = errors.New("engine pool needs at least one backend")
	ErrInputLength = errors.New("input tensor length does not match model input")
)

// StateName is the human readable form of a worker state.
func StateName(state int) string {
	switch state {
	case IDLE:
		return "idle"
	case BUSY:
		return "busy"
	default:
		return "unknown"
	}
}

// WorkerInfo is a point in time snapshot of one worker.
type WorkerInfo struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Served int64  `json:"served"`
	Failed int64  `json:"failed"`
}
