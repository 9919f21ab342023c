package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/backend"
)

// State is the lifecycle state of a pooled session
type State int

const (
	StateAvailable State = iota
	StateAllocated
	StateStarted
	StateEnded
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateAvailable:
		return "Available"
	case StateAllocated:
		return "Allocated"
	case StateStarted:
		return "Started"
	case StateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// legalTransitions lists every edge of the session state machine
var legalTransitions = map[State][]State{
	StateAvailable: {StateAllocated},
	StateAllocated: {StateStarted, StateAvailable},
	StateStarted:   {StateEnded},
	StateEnded:     {StateAvailable},
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SlotID is the stable index of a session inside its pool
type SlotID int

// Session is one reusable pool slot. Lock order is endMu before mu, and mu is
// never held across a backend call or a consumer hook.
type Session struct {
	slot SlotID
	pool *Pool

	// endMu serialises EndStream against KillProvider and the reaper
	endMu sync.Mutex

	mu         sync.Mutex
	streamID   anim.StreamID
	state      State
	provider   string
	streamName string
	params     map[string]float32
	consumer   anim.Consumer
	format     anim.AudioFormat
	sampleRate int

	guard *backend.Guard
	be    backend.Backend
	ec    *backend.ExecutionContext

	// Passthrough audio, addressed in bytes of the original format
	original     []byte
	originalBase int64
	ratioNum     int64
	ratioDen     int64
	quantum      int64

	sentSamples     int64
	receivedSamples int64
	allocatedAt     time.Time
	lastActivity    time.Time
}

// Slot returns the stable pool index of the session
func (s *Session) Slot() SlotID {
	return s.slot
}

// StreamID returns the stream id of the current allocation
func (s *Session) StreamID() anim.StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ref returns a reference to the current allocation
func (s *Session) Ref() anim.SessionRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return anim.SessionRef{Slot: int(s.slot), Stream: s.streamID}
}

// holds reports whether the session still carries allocation id
func (s *Session) holds(id anim.StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID == id && s.state != StateAvailable
}

// transitionLocked moves the session to state to, refusing illegal edges
func (s *Session) transitionLocked(to State) bool {
	ok := CanTransition(s.state, to)
	if hook := s.pool.onTransition; hook != nil {
		hook(s.slot, s.state, to, ok)
	}
	if !ok {
		s.pool.logger.Error("Illegal session state transition refused",
			slog.Int("slot", int(s.slot)),
			slog.Int64("stream_id", int64(s.streamID)),
			slog.String("from", s.state.String()),
			slog.String("to", to.String()),
		)
		return false
	}
	s.state = to
	return true
}

// tryAllocate claims an Available slot for req. Callers hold the pool lock.
func (s *Session) tryAllocate(req *AllocateRequest, id anim.StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAvailable || !s.transitionLocked(StateAllocated) {
		return false
	}

	now := time.Now()
	s.streamID = id
	s.provider = req.Provider
	s.streamName = req.StreamName
	s.params = copyParams(req.Params)
	s.consumer = req.Consumer
	s.format = req.Format
	s.sampleRate = req.SampleRate
	s.guard = backend.NewGuard(req.Instance)
	s.be = req.Backend
	s.ec = nil
	s.original = nil
	s.originalBase = 0
	s.ratioNum, s.ratioDen, s.quantum = 0, 0, 0
	s.sentSamples = 0
	s.receivedSamples = 0
	s.allocatedAt = now
	s.lastActivity = now
	return true
}

// SendAudioChunk submits mono PCM16 samples at the backend rate. The first
// call binds the session to its instance and moves it to Started. It returns
// false when the session is not accepting audio or the backend failed.
func (s *Session) SendAudioChunk(ctx context.Context, samples []int16, emotion, face map[string]float32) bool {
	s.mu.Lock()
	state := s.state
	id := s.streamID
	guard := s.guard
	s.mu.Unlock()

	switch state {
	case StateAllocated:
		if !s.start(ctx, id, guard) {
			s.pool.metrics.RecordSendFailure()
			return false
		}
	case StateStarted:
	default:
		s.pool.logger.Debug("Session not accepting audio",
			slog.Int64("stream_id", int64(id)),
			slog.String("state", state.String()),
		)
		s.pool.metrics.RecordSendFailure()
		return false
	}

	s.mu.Lock()
	if s.streamID != id || s.state != StateStarted {
		s.mu.Unlock()
		s.pool.metrics.RecordSendFailure()
		return false
	}
	ec := s.ec
	be := s.be
	params := mergeParams(s.params, face, emotion)
	s.sentSamples += int64(len(samples))
	s.lastActivity = time.Now()
	s.mu.Unlock()

	start := time.Now()
	err := be.Evaluate(ctx, ec, backend.Input{Audio: samples, Params: params})
	s.pool.metrics.RecordBackendCall("send", err, time.Since(start).Seconds())
	if err != nil {
		s.pool.logger.Warn("Backend rejected audio",
			slog.Int64("stream_id", int64(id)),
			slog.String("backend", be.Name()),
			slog.String("error", err.Error()),
		)
		s.pool.metrics.RecordSendFailure()
		if errors.Is(err, backend.ErrInstanceLost) {
			s.instanceLost(ctx, id, guard, be)
		}
		return false
	}

	s.pool.metrics.RecordSamplesSent(len(samples))
	return true
}

// start acquires the instance outside the session lock and wires the
// execution context
func (s *Session) start(ctx context.Context, id anim.StreamID, guard *backend.Guard) bool {
	h, err := guard.Acquire(ctx)
	if err != nil {
		s.pool.logger.Warn("Backend instance not available",
			slog.Int64("stream_id", int64(id)),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Torn down while waiting for the instance
	if s.streamID != id || s.state != StateAllocated {
		guard.Release()
		return false
	}

	s.ec = &backend.ExecutionContext{
		Instance:   h,
		StreamName: s.streamName,
		Callback:   s.pool.callbackFor(s.slot, id),
	}
	if !s.transitionLocked(StateStarted) {
		s.ec = nil
		guard.Release()
		return false
	}

	s.pool.logger.Debug("Session started",
		slog.Int64("stream_id", int64(id)),
		slog.String("provider", s.provider),
	)
	return true
}

// instanceLost destroys the dead handle so that the next acquisition
// recreates it, and closes the stream for its consumer
func (s *Session) instanceLost(ctx context.Context, id anim.StreamID, guard *backend.Guard, be backend.Backend) {
	if err := guard.Destroy(ctx, be); err != nil {
		s.pool.logger.Warn("Failed to destroy lost backend instance",
			slog.Int64("stream_id", int64(id)),
			slog.String("error", err.Error()),
		)
	}
	s.pool.metrics.RecordInstanceRecreated()

	s.mu.Lock()
	ended := s.streamID == id && s.state == StateStarted && s.transitionLocked(StateEnded)
	s.mu.Unlock()

	if ended {
		s.pool.registry.Dispatch(anim.NoMoreData(), id)
	}
}

// EndStream flushes the stream through the backend and returns the slot to
// the pool. A session that never started is reset without backend calls.
func (s *Session) EndStream(ctx context.Context) bool {
	s.endMu.Lock()
	defer s.endMu.Unlock()

	s.mu.Lock()
	id := s.streamID
	switch s.state {
	case StateAvailable:
		s.mu.Unlock()
		return false
	case StateAllocated:
		s.releaseLocked()
		s.mu.Unlock()
		s.pool.registry.RemoveStream(id)
		return true
	}
	ec := s.ec
	be := s.be
	guard := s.guard
	s.mu.Unlock()

	// Blocks until the backend ran every callback, which take s.mu
	var err error
	if ec != nil {
		start := time.Now()
		err = be.Evaluate(ctx, ec, backend.Input{End: true})
		s.pool.metrics.RecordBackendCall("end", err, time.Since(start).Seconds())
		if err != nil {
			s.pool.logger.Warn("Backend failed to end stream",
				slog.Int64("stream_id", int64(id)),
				slog.String("backend", be.Name()),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, backend.ErrInstanceLost) {
				if derr := guard.Destroy(ctx, be); derr == nil {
					s.pool.metrics.RecordInstanceRecreated()
				}
			}
		}
	}

	s.mu.Lock()
	if s.streamID == id {
		s.releaseLocked()
	}
	s.mu.Unlock()

	guard.Release()
	s.pool.registry.RemoveStream(id)
	return err == nil
}

// KillProvider resets the session if it belongs to provider name. A session
// still holding its instance gets a best-effort non-blocking end first.
func (s *Session) KillProvider(ctx context.Context, name string) bool {
	return s.kill(ctx, "provider shutdown", func() bool { return s.provider == name })
}

// kill tears the session down when match, evaluated under the session lock,
// reports true
func (s *Session) kill(ctx context.Context, reason string, match func() bool) bool {
	s.endMu.Lock()
	defer s.endMu.Unlock()

	s.mu.Lock()
	if s.state == StateAvailable || !match() {
		s.mu.Unlock()
		return false
	}
	id := s.streamID
	ec := s.ec
	be := s.be
	guard := s.guard
	started := s.state != StateAllocated
	silence := make([]int16, s.sampleRate/100)
	s.mu.Unlock()

	if started && ec != nil && guard.Held() {
		err := be.Evaluate(ctx, ec, backend.Input{Audio: silence, End: true, NoWait: true})
		s.pool.metrics.RecordBackendCall("kill", err, 0)
		if err != nil {
			s.pool.logger.Debug("Best-effort stream end failed",
				slog.Int64("stream_id", int64(id)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.mu.Lock()
	if s.streamID == id {
		s.releaseLocked()
	}
	s.mu.Unlock()

	guard.Release()
	s.pool.registry.RemoveStream(id)

	s.pool.logger.Info("Session killed",
		slog.Int64("stream_id", int64(id)),
		slog.String("reason", reason),
	)
	return true
}

// releaseLocked walks the session back to Available through the legal edges
func (s *Session) releaseLocked() {
	if s.state == StateAvailable {
		return
	}
	if s.state == StateStarted {
		s.transitionLocked(StateEnded)
	}
	if !s.transitionLocked(StateAvailable) {
		return
	}

	s.pool.metrics.RecordSessionReleased(time.Since(s.allocatedAt).Seconds())
	s.ec = nil
	s.be = nil
	s.consumer = nil
	s.params = nil
	s.original = nil
	s.originalBase = 0
}

// SetOriginalAudioParams enables passthrough: returned audio is replaced by
// the original input bytes of format. Only valid before the first send.
func (s *Session) SetOriginalAudioParams(format anim.AudioFormat) bool {
	if format.SampleRate <= 0 || format.BytesPerFrame() <= 0 {
		return false
	}

	s.mu.Lock()
	if s.state != StateAllocated || s.sampleRate <= 0 {
		s.mu.Unlock()
		return false
	}
	s.ratioNum = int64(format.SampleRate) * int64(format.BytesPerFrame())
	s.ratioDen = int64(s.sampleRate)
	s.quantum = int64(format.BytesPerFrame())
	s.format = format
	id := s.streamID
	consumer := s.consumer
	s.mu.Unlock()

	// Announce the new format before any data can flow
	s.pool.registry.Attach(id, consumer, format)
	if !s.holds(id) {
		s.pool.registry.RemoveStream(id)
		return false
	}
	return true
}

// EnqueueOriginalSamples buffers original input bytes for passthrough
func (s *Session) EnqueueOriginalSamples(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ratioDen == 0 || (s.state != StateAllocated && s.state != StateStarted) {
		return false
	}
	s.original = append(s.original, data...)
	return true
}

// onBackendOutput handles one backend callback for stream id
func (s *Session) onBackendOutput(id anim.StreamID, out *backend.Outputs, state backend.CallbackState) backend.CallbackState {
	s.mu.Lock()
	if s.streamID != id || s.state != StateStarted {
		s.mu.Unlock()
		return backend.StateCancel
	}

	if state == backend.StateDone || state == backend.StateCancel {
		s.transitionLocked(StateEnded)
		s.mu.Unlock()
		s.pool.registry.Dispatch(anim.NoMoreData(), id)
		return backend.StateCancel
	}

	chunk := s.chunkFromOutputsLocked(out)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.pool.registry.Dispatch(chunk, id) == 0 {
		s.mu.Lock()
		ended := s.streamID == id && s.state == StateStarted && s.transitionLocked(StateEnded)
		s.mu.Unlock()
		if ended {
			s.pool.logger.Debug("No consumers left, cancelling stream",
				slog.Int64("stream_id", int64(id)),
			)
		}
		return backend.StateCancel
	}

	s.pool.metrics.RecordChunkDispatched()
	return backend.StateDataPending
}

// chunkFromOutputsLocked converts backend outputs into a chunk, deriving the
// timestamp from the running received sample count
func (s *Session) chunkFromOutputsLocked(out *backend.Outputs) *anim.Chunk {
	chunk := &anim.Chunk{Timestamp: anim.TimestampUnknown, Status: anim.StatusOK}
	if out == nil {
		chunk.Status = anim.StatusErrorUnexpectedOutput
		return chunk
	}
	if out.Unexpected {
		chunk.Status = anim.StatusErrorUnexpectedOutput
	}
	if len(out.BlendShapeNames) > 0 {
		chunk.BlendShapeNames = append([]string(nil), out.BlendShapeNames...)
	}
	if out.HasWeights {
		chunk.Weights = append([]float32(nil), out.Weights...)
	}
	if !out.HasAudio {
		return chunk
	}

	received := int64(len(out.Audio) / 2)
	if s.sampleRate > 0 {
		chunk.Timestamp = float64(s.receivedSamples) / float64(s.sampleRate)
	}

	if s.ratioDen == 0 {
		chunk.Audio = append([]byte(nil), out.Audio...)
	} else {
		limit := s.originalBase + int64(len(s.original))
		from := OriginalByteOffset(s.receivedSamples, s.ratioNum, s.ratioDen, s.quantum, limit)
		to := OriginalByteOffset(s.receivedSamples+received, s.ratioNum, s.ratioDen, s.quantum, limit)
		if from < s.originalBase {
			from = s.originalBase
		}
		if to < from {
			to = from
		}
		chunk.Audio = append([]byte(nil), s.original[from-s.originalBase:to-s.originalBase]...)
		s.original = s.original[to-s.originalBase:]
		s.originalBase = to
	}

	s.receivedSamples += received
	return chunk
}

// OriginalByteOffset maps a received sample index to a byte offset into the
// original audio: floor(num*received/den) rounded down to quantum and clamped
// to limit. The result is non-decreasing in received.
func OriginalByteOffset(received, num, den, quantum, limit int64) int64 {
	if den == 0 || received <= 0 {
		return 0
	}
	off := num * received / den
	if quantum > 1 {
		off -= off % quantum
	}
	if off > limit {
		off = limit
	}
	if off < 0 {
		off = 0
	}
	return off
}

// mergeParams layers face and emotion parameters over the defaults
func mergeParams(defaults, face, emotion map[string]float32) map[string]float32 {
	if len(defaults) == 0 && len(face) == 0 && len(emotion) == 0 {
		return nil
	}
	merged := make(map[string]float32, len(defaults)+len(face)+len(emotion))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range face {
		merged[k] = v
	}
	for k, v := range emotion {
		merged["emotion."+k] = v
	}
	return merged
}

func copyParams(p map[string]float32) map[string]float32 {
	if p == nil {
		return nil
	}
	out := make(map[string]float32, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
