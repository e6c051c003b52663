package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"DetStreamServer/logger"
)

// Frame outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeDecodeError = "decode_error"
	OutcomeInferError  = "infer_error"
)

var (
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frames_total",
		Help: "Frames received, by outcome",
	}, []string{"outcome"})
	FrameLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "frame_latency_milliseconds",
		Help:    "Pipeline latency per successfully processed frame",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})
	DetectionsPerFrame = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detections_per_frame",
		Help:    "Detections returned per frame after suppression and capping",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_sessions_active",
		Help: "Open websocket sessions",
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, GRPCTotal, FramesTotal, FrameLatency, DetectionsPerFrame, ActiveSessions)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// CheckProcessInfo samples RSS and CPU of proc into the gauges.
func CheckProcessInfo(proc *process.Process) {
	if memInfo, err := proc.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := proc.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process stats until ctx is
// done. It blocks.
func StartMon(ctx context.Context, port int) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Log().Info("monitor listening", zap.Int("port", port))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case err := <-errCh:
			return err
		case <-ticker.C:
			CheckProcessInfo(proc)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
