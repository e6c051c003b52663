package session

import (
	"encoding/json"

	iface "DetStreamServer/interface"
)

const (
	TypeDetections = "detections"
	TypeAck        = "ack"
	TypeError      = "error"
)

// DetectionsMessage is the reply to every successfully processed frame.
type DetectionsMessage struct {
	Type        string            `json:"type"`
	FrameID     string            `json:"frame_id"`
	CaptureTS   int64             `json:"capture_ts"`
	Detections  []iface.Detection `json:"detections"`
	InferenceTS int64             `json:"t_inf"`
	LatencyMS   int64             `json:"latency_ms"`
}

type noticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var (
	ackMessage          = mustMarshal(noticeMessage{Type: TypeAck, Message: "text received"})
	invalidImageMessage = mustMarshal(noticeMessage{Type: TypeError, Message: "invalid image"})
)

func NewDetectionsMessage(res *iface.FrameResult) DetectionsMessage {
	dets := res.Detections
	if dets == nil {
		dets = []iface.Detection{}
	}
	return DetectionsMessage{
		Type:        TypeDetections,
		FrameID:     res.FrameID,
		CaptureTS:   res.CaptureTS,
		Detections:  dets,
		InferenceTS: res.InferenceTS,
		LatencyMS:   res.LatencyMS,
	}
}

func MarshalDetections(res *iface.FrameResult) ([]byte, error) {
	return json.Marshal(NewDetectionsMessage(res))
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
