package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/skypro1111/anim-stream-service/internal/audio"
	"github.com/skypro1111/anim-stream-service/internal/backend"
)

// Config contains local backend configuration
type Config struct {
	Model            string
	FrameRate        int
	SampleRate       int
	QueueSize        int
	VoiceThreshold   float32
	SubscriberBuffer int
}

// Backend is an in-process inference backend. Each instance runs one worker
// goroutine and accepts a single open execution context at a time.
type Backend struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance
	open      map[string]int
	subs      map[string]map[*subscriber]struct{}
}

type instance struct {
	id           string
	params       backend.InstanceParams
	frameSamples int

	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
	exited    chan struct{}

	mu      sync.Mutex
	current *execState
}

type execState struct {
	ec       *backend.ExecutionContext
	analyzer *Analyzer
	params   map[string]float32

	pending   []int16
	frames    int
	sentNames bool
	cancelled bool
	ended     bool
	closed    bool
	finished  chan struct{}
}

type job struct {
	st     *execState
	audio  []int16
	params map[string]float32
	end    bool
}

type subscriber struct {
	frames chan *backend.StreamFrame
	ended  chan struct{}
}

// New creates a local backend
func New(config Config, logger *slog.Logger) *Backend {
	if config.FrameRate <= 0 {
		config.FrameRate = 30
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = 256
	}
	if config.VoiceThreshold <= 0 {
		config.VoiceThreshold = 0.02
	}

	return &Backend{
		config:    config,
		logger:    logger,
		instances: make(map[string]*instance),
		open:      make(map[string]int),
		subs:      make(map[string]map[*subscriber]struct{}),
	}
}

// Name returns the backend name
func (b *Backend) Name() string {
	return "local"
}

// Instances returns the number of live instances
func (b *Backend) Instances() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// CreateInstance starts a new instance worker
func (b *Backend) CreateInstance(ctx context.Context, params backend.InstanceParams) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if params.FrameRate <= 0 {
		params.FrameRate = b.config.FrameRate
	}
	if params.SampleRate <= 0 {
		params.SampleRate = b.config.SampleRate
	}
	if params.Model == "" {
		params.Model = b.config.Model
	}

	frameSamples := params.SampleRate / params.FrameRate
	if frameSamples <= 0 {
		return nil, fmt.Errorf("frame rate %d too high for sample rate %d", params.FrameRate, params.SampleRate)
	}

	inst := &instance{
		id:           uuid.NewString(),
		params:       params,
		frameSamples: frameSamples,
		jobs:         make(chan job, b.config.QueueSize),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}

	b.mu.Lock()
	b.instances[inst.id] = inst
	b.mu.Unlock()

	go b.run(inst)

	b.logger.Info("Local backend instance created",
		slog.String("instance_id", inst.id),
		slog.String("model", params.Model),
		slog.Int("frame_rate", params.FrameRate),
		slog.Int("sample_rate", params.SampleRate),
	)

	return inst, nil
}

// DestroyInstance stops the instance worker. Destroying an already lost
// instance is not an error.
func (b *Backend) DestroyInstance(h backend.Handle) error {
	inst, ok := h.(*instance)
	if !ok || inst == nil {
		return fmt.Errorf("not a local backend handle: %T", h)
	}

	b.mu.Lock()
	delete(b.instances, inst.id)
	b.mu.Unlock()

	inst.closeOnce.Do(func() { close(inst.done) })
	<-inst.exited

	b.logger.Info("Local backend instance destroyed", slog.String("instance_id", inst.id))
	return nil
}

// Lose makes the instance behave as if the model crashed: every later
// evaluate fails with backend.ErrInstanceLost until it is recreated
func (b *Backend) Lose(h backend.Handle) {
	inst, ok := h.(*instance)
	if !ok || inst == nil {
		return
	}
	inst.closeOnce.Do(func() { close(inst.done) })
	<-inst.exited
}

// Evaluate submits audio to, or ends, an execution context
func (b *Backend) Evaluate(ctx context.Context, ec *backend.ExecutionContext, in backend.Input) error {
	if ec == nil || ec.Callback == nil {
		return fmt.Errorf("execution context has no callback")
	}
	inst, ok := ec.Instance.(*instance)
	if !ok || inst == nil {
		return backend.ErrNotAvailable
	}

	st, enqueue, err := b.stateFor(inst, ec, in.End)
	if err != nil {
		return err
	}

	if enqueue {
		j := job{st: st, params: in.Params, end: in.End}
		if !in.End {
			j.audio = append([]int16(nil), in.Audio...)
		}

		select {
		case inst.jobs <- j:
		case <-inst.done:
			return backend.ErrInstanceLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !in.End || in.NoWait {
		return nil
	}

	select {
	case <-st.finished:
		return nil
	case <-inst.done:
		return backend.ErrInstanceLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stateFor resolves the execution state for ec, opening a new one if the
// instance is free
func (b *Backend) stateFor(inst *instance, ec *backend.ExecutionContext, end bool) (*execState, bool, error) {
	select {
	case <-inst.done:
		return nil, false, backend.ErrInstanceLost
	default:
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if cur := inst.current; cur != nil && cur.ec == ec {
		if cur.ended {
			if end {
				return cur, false, nil
			}
			return nil, false, fmt.Errorf("execution context already ended")
		}
		cur.ended = end
		return cur, true, nil
	}

	if cur := inst.current; cur != nil && !cur.ended {
		return nil, false, backend.ErrInstanceBusy
	}

	analyzer, err := NewAnalyzer(b.config.VoiceThreshold)
	if err != nil {
		return nil, false, err
	}

	st := &execState{
		ec:       ec,
		analyzer: analyzer,
		ended:    end,
		finished: make(chan struct{}),
	}
	inst.current = st

	if ec.StreamName != "" {
		b.mu.Lock()
		b.open[ec.StreamName]++
		b.mu.Unlock()
	}

	return st, true, nil
}

// run is the instance worker loop
func (b *Backend) run(inst *instance) {
	defer close(inst.exited)

	for {
		select {
		case <-inst.done:
			b.abandon(inst)
			return
		case j := <-inst.jobs:
			b.process(inst, j)
		}
	}
}

// process runs one job on the worker goroutine
func (b *Backend) process(inst *instance, j job) {
	st := j.st
	if st.closed {
		return
	}
	if j.params != nil {
		st.params = j.params
	}

	fs := inst.frameSamples
	if !st.cancelled && len(j.audio) > 0 {
		st.pending = append(st.pending, j.audio...)
		for len(st.pending) >= fs && !st.cancelled {
			b.emit(inst, st, st.pending[:fs])
			st.pending = st.pending[fs:]
		}
	}

	if !j.end {
		return
	}

	// The model always works on whole frames, so the tail is padded with silence
	if !st.cancelled && len(st.pending) > 0 {
		frame := make([]int16, fs)
		copy(frame, st.pending)
		b.emit(inst, st, frame)
	}
	st.pending = nil

	final := backend.StateDone
	if st.cancelled {
		final = backend.StateCancel
	}
	st.ec.Callback(&backend.Outputs{}, final)
	b.finish(st)
}

// emit produces one animation frame for the execution context
func (b *Backend) emit(inst *instance, st *execState, frame []int16) {
	res := st.analyzer.Process(frame, st.params)
	pcm := audio.Int16ToBytes(frame)

	out := &backend.Outputs{
		Weights:    res.Weights,
		HasWeights: true,
		Audio:      pcm,
		HasAudio:   true,
	}
	var names []string
	if !st.sentNames {
		names = BlendShapeNames
		out.BlendShapeNames = names
		st.sentNames = true
	}

	frameDuration := float64(inst.frameSamples) / float64(inst.params.SampleRate)
	ts := float64(st.frames) * frameDuration
	st.frames++

	if st.ec.Callback(out, backend.StateDataPending) == backend.StateCancel {
		st.cancelled = true
	}

	if st.ec.StreamName != "" {
		b.publish(st.ec.StreamName, &backend.StreamFrame{
			Status:          backend.StatusOK,
			BlendShapeNames: names,
			Weights:         res.Weights,
			Audio:           pcm,
			Timestamp:       ts,
			FrameDuration:   frameDuration,
		})
	}
}

// finish closes the execution state and releases stream subscribers when the
// last publisher of a stream name goes away
func (b *Backend) finish(st *execState) {
	if st.closed {
		return
	}
	st.closed = true
	close(st.finished)

	name := st.ec.StreamName
	if name == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.open[name]--
	if b.open[name] > 0 {
		return
	}
	delete(b.open, name)
	for sub := range b.subs[name] {
		close(sub.ended)
	}
	delete(b.subs, name)
}

// abandon finishes the open execution state of a dead instance without
// invoking callbacks
func (b *Backend) abandon(inst *instance) {
	inst.mu.Lock()
	st := inst.current
	inst.mu.Unlock()

	if st != nil {
		b.finish(st)
	}
}

// publish fans a frame out to persistent stream subscribers without blocking
// the instance worker
func (b *Backend) publish(name string, frame *backend.StreamFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[name] {
		select {
		case sub.frames <- frame:
		default:
			b.logger.Warn("Stream subscriber too slow, dropping frame",
				slog.String("stream_name", name),
				slog.Float64("timestamp", frame.Timestamp),
			)
		}
	}
}

// EvaluateStream follows every execution context published under
// req.StreamName until the last of them ends. Unknown names report
// backend.StatusInvalidStreamID.
func (b *Backend) EvaluateStream(ctx context.Context, req *backend.StreamRequest, cb backend.StreamCallback) error {
	b.mu.Lock()
	if b.open[req.StreamName] == 0 {
		b.mu.Unlock()
		cb(&backend.StreamFrame{Status: backend.StatusInvalidStreamID, Timestamp: -1}, backend.StateDataPending)
		return nil
	}

	sub := &subscriber{
		frames: make(chan *backend.StreamFrame, b.config.SubscriberBuffer),
		ended:  make(chan struct{}),
	}
	if b.subs[req.StreamName] == nil {
		b.subs[req.StreamName] = make(map[*subscriber]struct{})
	}
	b.subs[req.StreamName][sub] = struct{}{}
	b.mu.Unlock()

	defer b.unsubscribe(req.StreamName, sub)

	for {
		select {
		case f := <-sub.frames:
			if cb(f, backend.StateDataPending) == backend.StateCancel {
				return nil
			}
		case <-sub.ended:
			for {
				select {
				case f := <-sub.frames:
					if cb(f, backend.StateDataPending) == backend.StateCancel {
						return nil
					}
				default:
					cb(nil, backend.StateDone)
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Backend) unsubscribe(name string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[name]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, name)
		}
	}
}
