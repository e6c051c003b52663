package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesMetrics(t *testing.T) {
	before := testutil.ToFloat64(FramesTotal.WithLabelValues(OutcomeDecodeError))
	FramesTotal.WithLabelValues(OutcomeDecodeError).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FramesTotal.WithLabelValues(OutcomeDecodeError)))

	GRPCTotal.Inc()
	ActiveSessions.Inc()
	defer ActiveSessions.Dec()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "frames_total{outcome=\"decode_error\"}")
	assert.Contains(t, string(body), "grpc_requests_total")
	assert.Contains(t, string(body), "websocket_sessions_active")
}

func TestCheckProcessInfo(t *testing.T) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	CheckProcessInfo(proc)
	assert.Greater(t, testutil.ToFloat64(memUsage), 0.0)
}
