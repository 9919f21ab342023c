package anim

import "fmt"

// StreamID identifies one logical animation stream
type StreamID int64

// NoStream is never handed out by the registry
const NoStream StreamID = 0

// TimestampUnknown marks a chunk whose position in the stream is not known
const TimestampUnknown = -1.0

// Status describes the outcome carried by an animation chunk
type Status int

const (
	StatusOK Status = iota
	StatusOKNoMoreData
	StatusErrorUnexpectedOutput
)

// String returns a human-readable representation of the status
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "Ok"
	case StatusOKNoMoreData:
		return "OkNoMoreData"
	case StatusErrorUnexpectedOutput:
		return "ErrorUnexpectedOutput"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// AudioFormat describes interleaved PCM audio
type AudioFormat struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
	ByteWidth  int `json:"byte_width" yaml:"byte_width"`
}

// BytesPerFrame returns the size of one multi-channel sample frame
func (f AudioFormat) BytesPerFrame() int {
	return f.Channels * f.ByteWidth
}

// Chunk is one unit of animation output delivered to a consumer.
// BlendShapeNames is set only on the first chunk of a stream.
type Chunk struct {
	BlendShapeNames []string
	Weights         []float32
	Audio           []byte
	Timestamp       float64
	Status          Status
}

// NoMoreData builds the synthetic terminal chunk sent when a mapping is torn down
func NoMoreData() *Chunk {
	return &Chunk{Timestamp: TimestampUnknown, Status: StatusOKNoMoreData}
}

// Consumer receives animation chunks for a stream.
// PrepareNewStream is never called concurrently with ConsumeAnimData for the
// same consumer; ConsumeAnimData may be called from any goroutine.
// Implementations must be comparable (use pointer receivers).
type Consumer interface {
	PrepareNewStream(id StreamID, format AudioFormat)
	ConsumeAnimData(chunk *Chunk, id StreamID)
}

// SessionRef is the handle a provider returns for a created stream
type SessionRef struct {
	Slot   int
	Stream StreamID
}

// Valid reports whether the reference points at a live allocation
func (r SessionRef) Valid() bool {
	return r.Slot >= 0 && r.Stream != NoStream
}
