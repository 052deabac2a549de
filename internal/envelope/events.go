package envelope

import "encoding/json"

// Reserved event type names carried in the "event" field of event units
// and bus messages.
const (
	EventStreamConnected    = "StreamConnected"
	EventStreamDisconnected = "StreamDisconnected"
	EventStreamReconnecting = "StreamReconnecting"
	EventStreamMetadata     = "StreamMetadata"
	EventFileClosed         = "FileClosed"
	EventRingDropped        = "RingDropped"
	EventMotionDetected     = "MotionDetected"
)

// StreamConnected is published by an input stage once its transport session
// is established.
type StreamConnected struct {
	Event        string `json:"event"`
	URL          string `json:"url"`
	VideoStreams int    `json:"video_streams"`
	AudioStreams int    `json:"audio_streams"`
}

// StreamDisconnected is published by an input stage when a stream's
// transport drops.
type StreamDisconnected struct {
	Event    string `json:"event"`
	StreamID uint32 `json:"stream_id"`
}

// StreamReconnecting is published by an input stage while it retries a
// dropped transport.
type StreamReconnecting struct {
	Event    string `json:"event"`
	StreamID uint32 `json:"stream_id,omitempty"`
}

// StreamMetadata carries codec parameters for one stream. Extradata is
// base64-encoded; each receiver that needs it decodes into its own buffer,
// so no pointer ever crosses the stage boundary.
type StreamMetadata struct {
	Event     string `json:"event"`
	StreamID  uint32 `json:"stream_id"`
	CodecID   int    `json:"codec_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	PixFmt    int    `json:"pix_fmt"`
	Profile   int    `json:"profile"`
	Level     int    `json:"level"`
	Extradata string `json:"extradata"`
}

// FileClosed is published by a store sink after finalizing a segment.
// Duration is in microseconds of media time.
type FileClosed struct {
	Event    string `json:"event"`
	Path     string `json:"path"`
	Duration int64  `json:"duration"`
}

// RingDropped is published by the host dispatcher, rate-limited, when the
// ring displaced units since the last report.
type RingDropped struct {
	Event     string `json:"event"`
	Count     uint64 `json:"count"`
	SinceUsec int64  `json:"since_usec"`
}

// MotionDetected is published by the motion detector when the changed-pixel
// count reaches its configured minimum.
type MotionDetected struct {
	Event    string `json:"event"`
	StreamID uint32 `json:"stream_id"`
	Pixels   int    `json:"pixels"`
	PTSUsec  int64  `json:"pts_usec"`
}

// EventType extracts the "event" field from a JSON event unit, returning
// the empty string when the unit does not parse or carries no event field.
func EventType(raw []byte) string {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Event
}
