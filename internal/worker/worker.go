package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/backend"
	"github.com/skypro1111/anim-stream-service/internal/metrics"
	"github.com/skypro1111/anim-stream-service/internal/registry"
)

var (
	// ErrConnectionLost is returned when the backend reports a status other
	// than OK or InvalidStreamId
	ErrConnectionLost = errors.New("persistent stream connection lost")

	// ErrRetriesExhausted is returned when the stream id stayed invalid
	// for every retry
	ErrRetriesExhausted = errors.New("persistent stream id still invalid after retries")
)

// Config contains persistent stream worker configuration
type Config struct {
	StreamName string
	SampleRate int
	MaxRetries int
	RetryDelay time.Duration
}

// Worker follows one long-lived backend stream and dispatches its frames to
// a consumer under a stream id of its own
type Worker struct {
	config    Config
	evaluator backend.StreamEvaluator
	registry  *registry.Registry
	consumer  anim.Consumer
	logger    *slog.Logger
	metrics   *metrics.Metrics

	id         anim.StreamID
	removeOnce sync.Once

	// Audio position of the current attempt, in samples
	received int64

	// Background lifetime control
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a worker and reserves its stream id
func New(config Config, evaluator backend.StreamEvaluator, reg *registry.Registry, consumer anim.Consumer, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	reg.Register(consumer)
	return &Worker{
		config:    config,
		evaluator: evaluator,
		registry:  reg,
		consumer:  consumer,
		logger:    logger.With(slog.String("stream_name", config.StreamName)),
		metrics:   m,
		id:        reg.CreateStreamID(),
	}
}

// StreamID returns the stream id frames are dispatched under
func (w *Worker) StreamID() anim.StreamID {
	return w.id
}

// Run evaluates the stream until it finishes, fails or ctx is done. The
// stream id is removed from the registry exactly once on every exit path.
func (w *Worker) Run(ctx context.Context) error {
	defer w.removeStream()

	w.registry.Attach(w.id, w.consumer, anim.AudioFormat{
		SampleRate: w.config.SampleRate,
		Channels:   1,
		ByteWidth:  2,
	})

	for attempt := 0; ; attempt++ {
		status, err := w.evaluate(ctx)
		if err != nil {
			return err
		}

		switch status {
		case backend.StatusOK:
			w.logger.Info("Persistent stream finished", slog.Int64("stream_id", int64(w.id)))
			return nil

		case backend.StatusInvalidStreamID:
			if attempt >= w.config.MaxRetries {
				return fmt.Errorf("%w: %d attempts", ErrRetriesExhausted, attempt+1)
			}
			w.metrics.RecordWorkerRetry()
			w.logger.Warn("Stream id not known yet, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", w.config.MaxRetries),
				slog.Duration("delay", w.config.RetryDelay),
			)

			select {
			case <-time.After(w.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			return fmt.Errorf("%w: backend status %s", ErrConnectionLost, status)
		}
	}
}

// evaluate runs one blocking evaluate call and returns the status that
// ended it
func (w *Worker) evaluate(ctx context.Context) (backend.Status, error) {
	w.received = 0
	result := backend.StatusOK

	req := &backend.StreamRequest{StreamName: w.config.StreamName, SampleRate: w.config.SampleRate}
	err := w.evaluator.EvaluateStream(ctx, req, func(frame *backend.StreamFrame, state backend.CallbackState) backend.CallbackState {
		if state == backend.StateDone || state == backend.StateCancel {
			return state
		}
		if frame == nil {
			return backend.StateDataPending
		}

		if frame.Status != backend.StatusOK {
			result = frame.Status
			return backend.StateCancel
		}

		if w.registry.Dispatch(w.chunkFromFrame(frame), w.id) == 0 {
			w.logger.Info("Consumer gone, cancelling persistent stream",
				slog.Int64("stream_id", int64(w.id)),
			)
			return backend.StateCancel
		}
		return backend.StateDataPending
	})
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("evaluate stream %q: %w", w.config.StreamName, err)
	}
	return result, nil
}

// chunkFromFrame pads the frame audio with silence so that the running
// sample position matches the frame timestamp
func (w *Worker) chunkFromFrame(frame *backend.StreamFrame) *anim.Chunk {
	chunk := &anim.Chunk{
		BlendShapeNames: frame.BlendShapeNames,
		Weights:         frame.Weights,
		Timestamp:       frame.Timestamp,
		Status:          anim.StatusOK,
	}

	samples := int64(len(frame.Audio) / 2)
	leading, trailing := PaddingFor(w.received, samples, frame.Timestamp, frame.FrameDuration, w.config.SampleRate)
	if leading == 0 && trailing == 0 {
		chunk.Audio = frame.Audio
	} else {
		audio := make([]byte, (leading+samples+trailing)*2)
		copy(audio[leading*2:], frame.Audio)
		chunk.Audio = audio
	}

	w.received += leading + samples + trailing
	w.metrics.RecordWorkerFrame(int(leading + trailing))
	return chunk
}

// PaddingFor returns how many zero samples to insert before and after a
// frame holding samples of audio so that the stream position reconciles with
// the frame timestamp. Trailing padding only applies to frames with audio.
func PaddingFor(received, samples int64, timestamp, duration float64, rate int) (leading, trailing int64) {
	if timestamp < 0 || rate <= 0 {
		return 0, 0
	}

	start := int64(math.Round(timestamp * float64(rate)))
	if start > received {
		leading = start - received
	}

	if samples > 0 && duration > 0 {
		end := int64(math.Round((timestamp + duration) * float64(rate)))
		if have := received + leading + samples; end > have {
			trailing = end - have
		}
	}
	return leading, trailing
}

// removeStream tears down the registry mapping once and retires the
// consumer
func (w *Worker) removeStream() {
	w.removeOnce.Do(func() {
		w.registry.RemoveStream(w.id)
		w.registry.Unregister(w.consumer)
	})
}

// Start runs the worker in a background goroutine
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		err := w.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("Persistent stream worker failed", slog.String("error", err.Error()))
		}

		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.done)
	}()
}

// Stop asks the worker to stop and waits for it to exit
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.Wait()
}

// Wait blocks until the background run exits and returns its error
func (w *Worker) Wait() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	<-done

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
