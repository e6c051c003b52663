package postprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// COCONames is the 80 class list YOLOv5 models are exported with.
var COCONames = []string{
	"person", "bicycle", "car", "motorbike", "aeroplane", "bus", "train", "truck", "boat", "traffic light",
	"fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard",
	"tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "sofa",
	"pottedplant", "bed", "diningtable", "toilet", "tvmonitor", "laptop", "mouse", "remote", "keyboard",
	"cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book", "clock", "vase",
	"scissors", "teddy bear", "hair drier", "toothbrush",
}

// Labels maps class ids to names.
type Labels []string

// Name never fails: ids outside the list become "class_<id>".
func (l Labels) Name(id int) string {
	if id >= 0 && id < len(l) {
		return l[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// LoadLabels reads a YAML list for .yaml/.yml files and one name per line
// otherwise.
func LoadLabels(path string) (Labels, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var names []string
		if err := yaml.Unmarshal(b, &names); err != nil {
			return nil, errors.Wrapf(err, "parse labels %s", path)
		}
		return Labels(names), nil
	}
	// 支持 Windows CRLF，去掉尾部的 '\r'，并跳过空行
	var names []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			names = append(names, l)
		}
	}
	return Labels(names), nil
}
