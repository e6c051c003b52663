package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	iface "DetStreamServer/interface"
)

// Worker owns one backend. Only its goroutine ever calls the backend.
type Worker struct {
	mu      sync.Mutex
	id      string
	state   int
	served  int64
	failed  int64
	backend iface.Backend
}

func (w *Worker) setState(state int) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerInfo{ID: w.id, State: StateName(w.state), Served: w.served, Failed: w.failed}
}

// run shields the worker loop from panics inside the backend.
func (w *Worker) run(input *iface.Tensor) (pred *iface.RawPrediction, err error) {
	w.setState(BUSY)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
		w.mu.Lock()
		w.state = IDLE
		if err != nil {
			w.failed++
		} else {
			w.served++
		}
		w.mu.Unlock()
	}()
	return w.backend.Run(input)
}

type jobResult struct {
	pred *iface.RawPrediction
	err  error
}

type job struct {
	input  *iface.Tensor
	result chan jobResult
}

// Pool serializes inference onto a fixed set of backends. Sessions share one
// pool; each backend is driven by exactly one goroutine, so backends need not
// be reentrant.
type Pool struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan job
	workers []*Worker
	wg      sync.WaitGroup
	cfg     iface.EngineConfig
	log     *zap.Logger
}

// NewPool starts one worker per backend.
func NewPool(backends []iface.Backend, log *zap.Logger) (*Pool, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		jobs: make(chan job, len(backends)),
		cfg:  backends[0].CheckConfig(),
		log:  log,
	}
	for i, b := range backends {
		w := &Worker{id: uuid.New().String(), state: IDLE, backend: b}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.runWorker(i, w)
	}
	return p, nil
}

func (p *Pool) runWorker(idx int, w *Worker) {
	defer p.wg.Done()
	// 某些推理后端要求同一线程调用
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.log.Info("engine worker started", zap.Int("index", idx), zap.String("id", w.id))
	for j := range p.jobs {
		pred, err := w.run(j.input)
		if err != nil {
			p.log.Error("inference failed", zap.String("worker", w.id), zap.Error(err))
		}
		j.result <- jobResult{pred: pred, err: err}
	}
	p.log.Info("engine worker stopped", zap.String("id", w.id))
}

// Infer queues input and waits for a worker. ctx only bounds the wait; once a
// worker has picked the job up it runs to completion.
func (p *Pool) Infer(ctx context.Context, input *iface.Tensor) (*iface.RawPrediction, error) {
	j := job{input: input, result: make(chan jobResult, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case r := <-j.result:
		return r.pred, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Workers snapshots every worker's state.
func (p *Pool) Workers() []WorkerInfo {
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.info())
	}
	return out
}

// CheckConfig reports the model the pool serves.
func (p *Pool) CheckConfig() iface.EngineConfig {
	return p.cfg
}

// Close drains queued jobs, stops the workers and destroys the backends.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	for _, w := range p.workers {
		w.backend.Destroy()
	}
}
