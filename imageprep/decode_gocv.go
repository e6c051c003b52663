//go:build gocv

package imageprep

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

// decodeImage goes through OpenCV's imdecode.
// ToImage converts OpenCV's BGR layout to RGBA.
func decodeImage(data []byte) (image.Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if mat.Empty() {
		// IMDecode 返回空 Mat 表示解码失败
		return nil, errors.New("decoded image is empty or unsupported format")
	}
	return mat.ToImage()
}
