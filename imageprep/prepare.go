// Package imageprep turns compressed frame bytes into the detector input tensor.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	iface "DetStreamServer/interface"
)

const (
	ChannelsRGB = "rgb"
	ChannelsBGR = "bgr"

	// DefaultMaxPixels caps width*height as declared by the image header.
	DefaultMaxPixels int64 = 1 << 26
)

// DecodeError marks a frame whose bytes are not a usable image. It only fails
// the current frame.
type DecodeError struct {
	MIME  string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode %s: %v", e.MIME, e.Cause)
	}
	return fmt.Sprintf("decode %s: not an image", e.MIME)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Preparer resizes frames to a fixed square input without letterboxing.
type Preparer struct {
	size         int
	channelOrder string
	maxPixels    int64
}

func NewPreparer(inputSize int, channelOrder string) *Preparer {
	if channelOrder != ChannelsBGR {
		channelOrder = ChannelsRGB
	}
	return &Preparer{size: inputSize, channelOrder: channelOrder, maxPixels: DefaultMaxPixels}
}

// WithMaxPixels sets the largest width*height accepted. n <= 0 keeps the default.
func (p *Preparer) WithMaxPixels(n int64) *Preparer {
	if n > 0 {
		p.maxPixels = n
	}
	return p
}

// InputSize is the side of the square the detector expects.
func (p *Preparer) InputSize() int { return p.size }

// Prepare decodes data and returns a [1,3,size,size] tensor plus the original
// image dimensions needed to undo the stretch.
func (p *Preparer) Prepare(data []byte) (*iface.Tensor, int, int, error) {
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, 0, 0, &DecodeError{MIME: mime.String()}
	}

	if err := p.checkDimensions(data); err != nil {
		return nil, 0, 0, &DecodeError{MIME: mime.String(), Cause: err}
	}

	img, err := decodeImage(data)
	if err != nil {
		return nil, 0, 0, &DecodeError{MIME: mime.String(), Cause: err}
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, 0, 0, &DecodeError{MIME: mime.String(), Cause: fmt.Errorf("empty image %dx%d", w, h)}
	}

	resized := imaging.Resize(img, p.size, p.size, imaging.Linear)
	return p.toTensor(resized), w, h, nil
}

// checkDimensions rejects frames whose header declares more than maxPixels,
// before any pixel buffer is allocated. Formats without a registered header
// reader are left to decodeImage.
func (p *Preparer) checkDimensions(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil
		}
		return err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("empty image %dx%d", cfg.Width, cfg.Height)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > p.maxPixels {
		return fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, p.maxPixels)
	}
	return nil
}

func (p *Preparer) toTensor(img *image.NRGBA) *iface.Tensor {
	plane := p.size * p.size
	data := make([]float32, 3*plane)

	rOff, bOff := 0, 2*plane
	if p.channelOrder == ChannelsBGR {
		rOff, bOff = bOff, rOff
	}
	gOff := plane

	for y := 0; y < p.size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
		offset := y * p.size
		for x := 0; x < p.size; x++ {
			i := offset + x
			px := row[x*4 : x*4+3]
			data[rOff+i] = float32(px[0]) / 255.0
			data[gOff+i] = float32(px[1]) / 255.0
			data[bOff+i] = float32(px[2]) / 255.0
		}
	}
	return &iface.Tensor{
		Shape: []int64{1, 3, int64(p.size), int64(p.size)},
		Data:  data,
	}
}

// IsDecodeError reports whether err, or anything it wraps, is a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
