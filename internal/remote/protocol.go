package remote

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/anim-stream-service/internal/backend"
)

// Message types carried in an Envelope
const (
	MsgCreateInstance  = "create_instance"
	MsgDestroyInstance = "destroy_instance"
	MsgEvaluate        = "evaluate"
	MsgStream          = "stream"
	MsgCancel          = "cancel"
	MsgResult          = "result"
	MsgOutput          = "output"
	MsgFrame           = "frame"
)

// Error codes mapped to backend sentinel errors
const (
	codeNotAvailable = "not_available"
	codeBusy         = "busy"
	codeLost         = "lost"
	codeInternal     = "internal"
)

// Input is the wire form of backend.Input
type Input struct {
	Audio  []int16            `msgpack:"audio,omitempty"`
	Params map[string]float32 `msgpack:"params,omitempty"`
	End    bool               `msgpack:"end,omitempty"`
	NoWait bool               `msgpack:"no_wait,omitempty"`
}

// Outputs is the wire form of backend.Outputs
type Outputs struct {
	BlendShapeNames []string  `msgpack:"names,omitempty"`
	Weights         []float32 `msgpack:"weights,omitempty"`
	HasWeights      bool      `msgpack:"has_weights,omitempty"`
	Audio           []byte    `msgpack:"audio,omitempty"`
	HasAudio        bool      `msgpack:"has_audio,omitempty"`
	Unexpected      bool      `msgpack:"unexpected,omitempty"`
}

// Envelope is one binary websocket message
type Envelope struct {
	Type       string                  `msgpack:"type"`
	ID         string                  `msgpack:"id,omitempty"`
	Context    string                  `msgpack:"ctx,omitempty"`
	Instance   string                  `msgpack:"instance,omitempty"`
	StreamName string                  `msgpack:"stream_name,omitempty"`
	Params     *backend.InstanceParams `msgpack:"params,omitempty"`
	Input      *Input                  `msgpack:"input,omitempty"`
	Outputs    *Outputs                `msgpack:"outputs,omitempty"`
	State      backend.CallbackState   `msgpack:"state,omitempty"`
	Stream     *backend.StreamRequest  `msgpack:"stream,omitempty"`
	Frame      *backend.StreamFrame    `msgpack:"frame,omitempty"`
	Code       string                  `msgpack:"code,omitempty"`
	Error      string                  `msgpack:"error,omitempty"`
}

// writeEnvelope encodes env as one binary message
func writeEnvelope(ws *websocket.Conn, env *Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

// readEnvelope reads and decodes the next binary message
func readEnvelope(ws *websocket.Conn) (*Envelope, error) {
	kind, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", kind)
	}

	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// errorCode classifies err for the wire
func errorCode(err error) string {
	switch {
	case errors.Is(err, backend.ErrNotAvailable):
		return codeNotAvailable
	case errors.Is(err, backend.ErrInstanceBusy):
		return codeBusy
	case errors.Is(err, backend.ErrInstanceLost):
		return codeLost
	default:
		return codeInternal
	}
}

// errorFromEnvelope rebuilds the error carried by a result envelope
func errorFromEnvelope(env *Envelope) error {
	if env.Error == "" && env.Code == "" {
		return nil
	}
	switch env.Code {
	case codeNotAvailable:
		return fmt.Errorf("remote: %w", backend.ErrNotAvailable)
	case codeBusy:
		return fmt.Errorf("remote: %w", backend.ErrInstanceBusy)
	case codeLost:
		return fmt.Errorf("remote: %w", backend.ErrInstanceLost)
	default:
		return fmt.Errorf("remote: %s", env.Error)
	}
}

func inputToWire(in backend.Input) *Input {
	return &Input{Audio: in.Audio, Params: in.Params, End: in.End, NoWait: in.NoWait}
}

func inputFromWire(in *Input) backend.Input {
	if in == nil {
		return backend.Input{}
	}
	return backend.Input{Audio: in.Audio, Params: in.Params, End: in.End, NoWait: in.NoWait}
}

func outputsToWire(out *backend.Outputs) *Outputs {
	if out == nil {
		return nil
	}
	return &Outputs{
		BlendShapeNames: out.BlendShapeNames,
		Weights:         out.Weights,
		HasWeights:      out.HasWeights,
		Audio:           out.Audio,
		HasAudio:        out.HasAudio,
		Unexpected:      out.Unexpected,
	}
}

func outputsFromWire(out *Outputs) *backend.Outputs {
	if out == nil {
		return &backend.Outputs{}
	}
	return &backend.Outputs{
		BlendShapeNames: out.BlendShapeNames,
		Weights:         out.Weights,
		HasWeights:      out.HasWeights,
		Audio:           out.Audio,
		HasAudio:        out.HasAudio,
		Unexpected:      out.Unexpected,
	}
}
