package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"DetStreamServer/imageprep"
	iface "DetStreamServer/interface"
	"DetStreamServer/monitor"
	"DetStreamServer/postprocess"
)

const numClasses = 3

type fakePreparer struct {
	w, h int
	err  error
}

func (f *fakePreparer) Prepare([]byte) (*iface.Tensor, int, int, error) {
	if f.err != nil {
		return nil, 0, 0, f.err
	}
	return &iface.Tensor{Shape: []int64{1, 3, 640, 640}}, f.w, f.h, nil
}

func (f *fakePreparer) InputSize() int { return 640 }

type fakeDetector struct {
	rows  [][]float32
	err   error
	calls int
}

func (f *fakeDetector) Infer(context.Context, *iface.Tensor) (*iface.RawPrediction, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	stride := iface.RecordFields + numClasses
	data := make([]float32, 0, len(f.rows)*stride)
	for _, r := range f.rows {
		data = append(data, r...)
	}
	return &iface.RawPrediction{NumCandidates: len(f.rows), Stride: stride, Data: data}, nil
}

// row builds a model space record whose class scores are all zero except class.
func row(cx, cy, w, h, obj float32, class int, classScore float32) []float32 {
	r := make([]float32, iface.RecordFields+numClasses)
	r[0], r[1], r[2], r[3], r[4] = cx, cy, w, h, obj
	r[iface.RecordFields+class] = classScore
	return r
}

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func TestRun(t *testing.T) {
	t.Run("normalized box matches model space box", func(t *testing.T) {
		det := &fakeDetector{rows: [][]float32{row(320, 160, 64, 32, 0.9, 1, 1)}}
		p := New(&fakePreparer{w: 1280, h: 720}, det, DefaultOptions())

		res, err := p.Run(context.Background(), iface.Frame{Data: []byte("x"), ArrivedAt: time.Now()})
		require.NoError(t, err)
		require.Len(t, res.Detections, 1)

		d := res.Detections[0]
		assert.Equal(t, "bicycle", d.Label)
		assert.InDelta(t, 0.9, d.Score, 1e-6)
		assert.InDelta(t, (320.0-32)/640, d.XMin, 1e-9)
		assert.InDelta(t, (320.0+32)/640, d.XMax, 1e-9)
		assert.InDelta(t, (160.0-16)/640, d.YMin, 1e-9)
		assert.InDelta(t, (160.0+16)/640, d.YMax, 1e-9)
	})

	t.Run("boxes leaving the image are clamped", func(t *testing.T) {
		det := &fakeDetector{rows: [][]float32{row(10, 630, 100, 100, 0.8, 0, 1)}}
		p := New(&fakePreparer{w: 100, h: 50}, det, DefaultOptions())

		res, err := p.Run(context.Background(), iface.Frame{Data: []byte("x")})
		require.NoError(t, err)
		require.Len(t, res.Detections, 1)
		d := res.Detections[0]
		assert.Equal(t, 0.0, d.XMin)
		assert.Equal(t, 1.0, d.YMax)
		for _, v := range []float64{d.XMin, d.YMin, d.XMax, d.YMax} {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	})

	t.Run("result is capped to the strongest detections", func(t *testing.T) {
		var rows [][]float32
		for i := 0; i < 120; i++ {
			cx := float32(25 + (i%12)*50)
			cy := float32(25 + (i/12)*50)
			rows = append(rows, row(cx, cy, 20, 20, 0.5+float32(i)*0.004, i%numClasses, 1))
		}
		p := New(&fakePreparer{w: 640, h: 640}, &fakeDetector{rows: rows}, DefaultOptions())

		res, err := p.Run(context.Background(), iface.Frame{Data: []byte("x")})
		require.NoError(t, err)
		require.Len(t, res.Detections, DefaultMaxDetections)

		lowestKept := float32(0.5 + 70*0.004)
		for i, d := range res.Detections {
			assert.GreaterOrEqual(t, d.Score, lowestKept-1e-6)
			if i > 0 {
				assert.GreaterOrEqual(t, res.Detections[i-1].Score, d.Score)
			}
		}
	})

	t.Run("nothing found yields an empty list", func(t *testing.T) {
		det := &fakeDetector{rows: [][]float32{row(100, 100, 10, 10, 0.1, 0, 1)}}
		p := New(&fakePreparer{w: 640, h: 480}, det, DefaultOptions())

		res, err := p.Run(context.Background(), iface.Frame{Data: []byte("x")})
		require.NoError(t, err)
		require.NotNil(t, res.Detections)
		assert.Empty(t, res.Detections)
	})

	t.Run("overlapping boxes of different classes", func(t *testing.T) {
		rows := [][]float32{
			row(100, 100, 100, 80, 0.7, 2, 1),
			row(100, 110, 100, 100, 0.9, 0, 1),
		}
		p := New(&fakePreparer{w: 640, h: 640}, &fakeDetector{rows: rows}, DefaultOptions())
		res, err := p.Run(context.Background(), iface.Frame{Data: []byte("x")})
		require.NoError(t, err)
		require.Len(t, res.Detections, 1)
		assert.Equal(t, "person", res.Detections[0].Label)

		opts := DefaultOptions()
		opts.ClassAware = true
		p = New(&fakePreparer{w: 640, h: 640}, &fakeDetector{rows: rows}, opts)
		res, err = p.Run(context.Background(), iface.Frame{Data: []byte("x")})
		require.NoError(t, err)
		assert.Len(t, res.Detections, 2)
	})

	t.Run("ids and timestamps", func(t *testing.T) {
		arrived := time.UnixMilli(1_700_000_000_000)
		start := arrived.Add(3 * time.Millisecond)
		end := start.Add(37 * time.Millisecond)
		opts := DefaultOptions()
		opts.Now = fixedClock(start, end)
		opts.Logger = zaptest.NewLogger(t)
		p := New(&fakePreparer{w: 10, h: 10}, &fakeDetector{}, opts)

		res, err := p.Run(context.Background(), iface.Frame{Data: []byte("x"), ArrivedAt: arrived})
		require.NoError(t, err)
		assert.Equal(t, arrived.UnixMilli(), res.CaptureTS)
		assert.Equal(t, end.UnixMilli(), res.InferenceTS)
		assert.Equal(t, int64(37), res.LatencyMS)
		_, err = uuid.Parse(res.FrameID)
		assert.NoError(t, err)

		again, err := p.Run(context.Background(), iface.Frame{Data: []byte("x"), ArrivedAt: arrived})
		require.NoError(t, err)
		assert.NotEqual(t, res.FrameID, again.FrameID)
	})

	t.Run("custom labels", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Labels = postprocess.Labels{"cat"}
		det := &fakeDetector{rows: [][]float32{
			row(100, 100, 10, 10, 0.9, 0, 1),
			row(400, 400, 10, 10, 0.9, 2, 1),
		}}
		p := New(&fakePreparer{w: 640, h: 640}, det, opts)
		res, err := p.Run(context.Background(), iface.Frame{Data: []byte("x")})
		require.NoError(t, err)
		require.Len(t, res.Detections, 2)
		assert.ElementsMatch(t, []string{"cat", "class_2"},
			[]string{res.Detections[0].Label, res.Detections[1].Label})
	})
}

func TestRunErrors(t *testing.T) {
	t.Run("corrupt frame is a decode error and skips the detector", func(t *testing.T) {
		det := &fakeDetector{}
		p := New(imageprep.NewPreparer(32, imageprep.ChannelsRGB), det, DefaultOptions())
		before := testutil.ToFloat64(monitor.FramesTotal.WithLabelValues(monitor.OutcomeDecodeError))

		_, err := p.Run(context.Background(), iface.Frame{Data: []byte("definitely not an image")})
		require.Error(t, err)
		assert.True(t, imageprep.IsDecodeError(err))
		assert.Zero(t, det.calls)
		assert.Equal(t, before+1, testutil.ToFloat64(monitor.FramesTotal.WithLabelValues(monitor.OutcomeDecodeError)))
	})

	t.Run("detector failure is wrapped", func(t *testing.T) {
		boom := errors.New("session lost")
		p := New(&fakePreparer{w: 10, h: 10}, &fakeDetector{err: boom}, DefaultOptions())

		_, err := p.Run(context.Background(), iface.Frame{Data: []byte("x")})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.False(t, imageprep.IsDecodeError(err))
	})
}

func TestRunWithRealImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	det := &fakeDetector{rows: [][]float32{row(16, 16, 8, 8, 0.95, 0, 0.9)}}
	p := New(imageprep.NewPreparer(32, imageprep.ChannelsRGB), det, DefaultOptions())

	res, err := p.Run(context.Background(), iface.Frame{Data: buf.Bytes(), ArrivedAt: time.Now()})
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	d := res.Detections[0]
	assert.Equal(t, "person", d.Label)
	assert.InDelta(t, 0.95*0.9, d.Score, 1e-6)
	assert.InDelta(t, 0.375, d.XMin, 1e-9)
	assert.InDelta(t, 0.625, d.XMax, 1e-9)
	assert.InDelta(t, 0.375, d.YMin, 1e-9)
	assert.InDelta(t, 0.625, d.YMax, 1e-9)
}

func TestNormalizeRoundTrip(t *testing.T) {
	const w, h = 1920, 1080
	rows := [][]float32{
		row(100, 200, 50, 30, 0.9, 0, 1),
		row(400, 300, 120, 90, 0.8, 1, 1),
		row(600, 500, 40, 60, 0.7, 2, 1),
	}
	det := &fakeDetector{rows: rows}
	raw, err := det.Infer(context.Background(), nil)
	require.NoError(t, err)
	cands := postprocess.Decode(raw, w, h, 640, 640, DefaultConfThreshold)
	require.Len(t, cands, 3)

	p := New(&fakePreparer{w: w, h: h}, &fakeDetector{rows: rows}, DefaultOptions())
	res, err := p.Run(context.Background(), iface.Frame{Data: []byte("x")})
	require.NoError(t, err)
	require.Len(t, res.Detections, 3)

	for i, d := range res.Detections {
		c := cands[i]
		assert.InDelta(t, c.Box.XMin, d.XMin*w, 1e-6)
		assert.InDelta(t, c.Box.YMin, d.YMin*h, 1e-6)
		assert.InDelta(t, c.Box.XMax, d.XMax*w, 1e-6)
		assert.InDelta(t, c.Box.YMax, d.YMax*h, 1e-6)
	}
}
