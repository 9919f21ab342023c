package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotAvailable is returned when no live handle exists and none can be created
	ErrNotAvailable = errors.New("backend instance not available")

	// ErrInstanceBusy is returned when a second execution context is submitted
	// to an instance that has not yet been told the first one ended
	ErrInstanceBusy = errors.New("backend instance busy with another execution context")

	// ErrInstanceLost is returned when the handle died and must be recreated
	ErrInstanceLost = errors.New("backend instance lost")
)

// Handle is an opaque backend instance
type Handle any

// InstanceParams configures a new backend instance
type InstanceParams struct {
	Model      string `json:"model"`
	FrameRate  int    `json:"frame_rate"`
	SampleRate int    `json:"sample_rate"`
}

// CallbackState is exchanged between the backend and the callback on every invocation
type CallbackState int

const (
	StateDataPending CallbackState = iota
	StateDone
	StateCancel
	StateInvalid
)

// String returns a human-readable representation of the callback state
func (s CallbackState) String() string {
	switch s {
	case StateDataPending:
		return "DataPending"
	case StateDone:
		return "Done"
	case StateCancel:
		return "Cancel"
	case StateInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Status is a backend result code
type Status int

const (
	StatusOK Status = iota
	StatusInvalidStreamID
	StatusConnectionLost
	StatusError
)

// String returns a human-readable representation of the status code
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidStreamID:
		return "InvalidStreamId"
	case StatusConnectionLost:
		return "ConnectionLost"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Outputs holds the output slots of one backend callback.
// Unexpected is set when the backend produced a slot it should not have or
// left out one it should have produced.
type Outputs struct {
	BlendShapeNames []string
	Weights         []float32
	HasWeights      bool
	Audio           []byte
	HasAudio        bool
	Unexpected      bool
}

// Callback is invoked by the backend for every produced frame and once more
// with StateDone or StateCancel when the context finishes. Returning
// StateCancel asks the backend to drop the remaining work of the context.
type Callback func(out *Outputs, state CallbackState) CallbackState

// ExecutionContext binds one stream to an instance for its whole lifetime
type ExecutionContext struct {
	Instance   Handle
	StreamName string
	Callback   Callback
}

// Input is one evaluate call on an execution context. A nil Audio with End
// set closes the context; the call then blocks until every callback has run
// unless NoWait is set.
type Input struct {
	Audio  []int16
	Params map[string]float32
	End    bool
	NoWait bool
}

// Destroyer releases backend instances
type Destroyer interface {
	DestroyInstance(h Handle) error
}

// Backend is the inference service boundary
type Backend interface {
	Destroyer
	Name() string
	CreateInstance(ctx context.Context, params InstanceParams) (Handle, error)
	Evaluate(ctx context.Context, ec *ExecutionContext, in Input) error
}

// StreamRequest opens a persistent stream on a remote or local backend
type StreamRequest struct {
	StreamName string `json:"stream_name" msgpack:"stream_name"`
	SampleRate int    `json:"sample_rate" msgpack:"sample_rate"`
}

// StreamFrame is one frame of a persistent stream
type StreamFrame struct {
	Status          Status    `msgpack:"status"`
	BlendShapeNames []string  `msgpack:"names,omitempty"`
	Weights         []float32 `msgpack:"weights,omitempty"`
	Audio           []byte    `msgpack:"audio,omitempty"`
	Timestamp       float64   `msgpack:"ts"`
	FrameDuration   float64   `msgpack:"dur"`
}

// StreamCallback receives persistent stream frames; a nil frame accompanies
// StateDone. Returning StateCancel ends the evaluate call.
type StreamCallback func(frame *StreamFrame, state CallbackState) CallbackState

// StreamEvaluator runs a long-lived stream; EvaluateStream blocks until the
// stream finishes, the callback cancels or ctx is done
type StreamEvaluator interface {
	EvaluateStream(ctx context.Context, req *StreamRequest, cb StreamCallback) error
}
