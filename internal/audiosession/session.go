package audiosession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/audio"
	"github.com/skypro1111/anim-stream-service/internal/metrics"
)

// Provider is the stream capability an audio session drives
type Provider interface {
	Name() string
	CreateStream(ctx context.Context, consumer anim.Consumer) (anim.SessionRef, error)
	SendSamples(ctx context.Context, ref anim.SessionRef, pcm []int16, emotion, face map[string]float32) bool
	EndStream(ctx context.Context, ref anim.SessionRef) bool
	MinimumInitialSampleCount() int
}

// Passthrough is implemented by providers that can deliver the original
// input audio instead of the audio returned by the backend
type Passthrough interface {
	SetOriginalAudioParams(ref anim.SessionRef, format anim.AudioFormat) bool
	EnqueueOriginalSamples(ref anim.SessionRef, data []byte) bool
}

// StreamCounter reports how many consumers still listen to a stream
type StreamCounter interface {
	NumConsumers(id anim.StreamID) int
}

// Config contains audio session configuration
type Config struct {
	// Input format
	SampleRate int
	Channels   int
	ByteWidth  int

	// TargetSampleRate is the rate the provider expects
	TargetSampleRate int

	// Burst sends everything immediately instead of pacing to real time
	Burst bool

	// RealtimeChunkSamples is the slice size after the initial chunk,
	// at TargetSampleRate. Defaults to 35ms of audio.
	RealtimeChunkSamples int

	// MaxInitialChunk caps the initial window in paced mode
	MaxInitialChunk time.Duration

	// ChunksPerSecond defaults to real time for RealtimeChunkSamples
	ChunksPerSecond float64

	// Passthrough delivers the original input audio when the provider supports it
	Passthrough bool
}

// Validate validates and completes the configuration
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive")
	}
	if c.ByteWidth != 2 && c.ByteWidth != 4 {
		return fmt.Errorf("byte width must be 2 or 4, got %d", c.ByteWidth)
	}
	if c.TargetSampleRate <= 0 {
		c.TargetSampleRate = 16000
	}
	if c.RealtimeChunkSamples <= 0 {
		c.RealtimeChunkSamples = c.TargetSampleRate * 35 / 1000
	}
	if c.MaxInitialChunk < 0 {
		return fmt.Errorf("max initial chunk must be non-negative")
	}
	if c.ChunksPerSecond <= 0 {
		c.ChunksPerSecond = float64(c.TargetSampleRate) / float64(c.RealtimeChunkSamples)
	}
	return nil
}

// Session sends one clip or one open-ended stream of audio through a
// provider. Send may be called from any goroutine but is meant to be called
// from one at a time; concurrent calls are reported and then serialised.
type Session struct {
	config      Config
	provider    Provider
	passthrough Passthrough
	counter     StreamCounter
	logger      *slog.Logger
	metrics     *metrics.Metrics

	inSend atomic.Bool

	mu         sync.Mutex
	ref        anim.SessionRef
	started    bool
	hasStarted bool
	ended      bool
	buffer     *audio.Chunker
	resampler  *audio.Resampler
	limiter    *audio.RateLimiter

	// Trailing bytes of the last Send that did not fill a sample frame
	partial []byte
}

// New creates an audio session for provider
func New(config Config, provider Provider, counter StreamCounter, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio session config: %w", err)
	}

	resampler, err := audio.NewResampler(config.SampleRate, config.TargetSampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	s := &Session{
		config:    config,
		provider:  provider,
		counter:   counter,
		logger:    logger,
		metrics:   m,
		ref:       anim.SessionRef{Slot: -1},
		buffer:    audio.NewChunker(config.TargetSampleRate),
		resampler: resampler,
	}
	if config.Passthrough {
		if pt, ok := provider.(Passthrough); ok {
			s.passthrough = pt
		} else {
			logger.Warn("Provider does not support passthrough audio",
				slog.String("provider", provider.Name()),
			)
		}
	}
	return s, nil
}

// Start creates the provider stream bound to consumer
func (s *Session) Start(ctx context.Context, consumer anim.Consumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.misuse("double_start", "Audio session started twice", s.ref.Stream)
		return false
	}

	ref, err := s.provider.CreateStream(ctx, consumer)
	if err != nil {
		s.logger.Warn("Failed to create stream",
			slog.String("provider", s.provider.Name()),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.ref = ref
	s.started = true

	if s.passthrough != nil {
		format := anim.AudioFormat{
			SampleRate: s.config.SampleRate,
			Channels:   s.config.Channels,
			ByteWidth:  s.config.ByteWidth,
		}
		if !s.passthrough.SetOriginalAudioParams(ref, format) {
			s.logger.Warn("Passthrough audio rejected, using backend audio",
				slog.Int64("stream_id", int64(ref.Stream)),
			)
			s.passthrough = nil
		}
	}

	s.logger.Debug("Audio session started",
		slog.Int64("stream_id", int64(ref.Stream)),
		slog.String("provider", s.provider.Name()),
		slog.Bool("burst", s.config.Burst),
	)
	return true
}

// Ref returns the provider stream reference
func (s *Session) Ref() anim.SessionRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// Ended reports whether the provider stream was ended
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Send converts interleaved PCM in the configured input format and sends it.
// With endOfInput the remaining audio is flushed and the stream is ended.
func (s *Session) Send(ctx context.Context, data []byte, endOfInput bool, emotion, face map[string]float32) bool {
	concurrent := !s.inSend.CompareAndSwap(false, true)
	if concurrent {
		s.misuse("concurrent_send", "Concurrent Send calls on one audio session", anim.NoStream)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !concurrent {
		defer s.inSend.Store(false)
	}

	if !s.started {
		s.misuse("send_before_start", "Send called before Start", s.ref.Stream)
		return false
	}
	if s.ended {
		s.misuse("send_after_end", "Send called after end of input", s.ref.Stream)
		return false
	}

	data = s.alignFrames(data, endOfInput)

	if s.passthrough != nil && len(data) > 0 {
		s.passthrough.EnqueueOriginalSamples(s.ref, data)
	}

	samples, err := s.convert(data)
	if err != nil {
		s.logger.Warn("Failed to convert input audio",
			slog.Int64("stream_id", int64(s.ref.Stream)),
			slog.String("error", err.Error()),
		)
		return false
	}

	if endOfInput {
		tail, err := s.resampler.Flush()
		if err != nil {
			s.logger.Warn("Failed to flush resampler",
				slog.Int64("stream_id", int64(s.ref.Stream)),
				slog.String("error", err.Error()),
			)
		}
		samples = append(samples, tail...)
	}

	return s.sendPaced(ctx, samples, endOfInput, emotion, face)
}

// alignFrames prepends the bytes held back by the previous call and holds
// back the bytes that do not fill a whole frame, so that every conversion
// starts on a frame boundary. At end of input a trailing partial frame is
// dropped.
func (s *Session) alignFrames(data []byte, endOfInput bool) []byte {
	if len(s.partial) > 0 {
		joined := make([]byte, 0, len(s.partial)+len(data))
		joined = append(joined, s.partial...)
		data = append(joined, data...)
		s.partial = nil
	}

	frame := s.config.Channels * s.config.ByteWidth
	whole := len(data) - len(data)%frame
	if whole == len(data) {
		return data
	}

	if endOfInput {
		s.logger.Debug("Dropping partial frame at end of input",
			slog.Int64("stream_id", int64(s.ref.Stream)),
			slog.Int("bytes", len(data)-whole),
		)
	} else {
		s.partial = append([]byte(nil), data[whole:]...)
	}
	return data[:whole]
}

// convert turns input bytes into mono PCM16 at the target rate
func (s *Session) convert(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var mono []int16
	if s.config.ByteWidth == 2 {
		mono = audio.MixdownInt16(audio.BytesToInt16(data), s.config.Channels)
	} else {
		decoded, err := audio.DecodePCM(data, s.config.ByteWidth)
		if err != nil {
			return nil, err
		}
		mono = audio.FloatToInt16(audio.Mixdown(decoded, s.config.Channels))
	}

	return s.resampler.Process(mono)
}

// sendPaced buffers until the provider minimum is reached, sends the initial
// chunk and then real-time slices. Callers hold s.mu.
func (s *Session) sendPaced(ctx context.Context, samples []int16, end bool, emotion, face map[string]float32) bool {
	s.buffer.Push(samples)
	ok := true

	if !s.hasStarted {
		minimum := s.provider.MinimumInitialSampleCount()
		if s.buffer.Len() < minimum && !end {
			return true
		}

		var initial []int16
		switch {
		case s.buffer.Len() < minimum:
			initial = s.buffer.Drain(minimum)
		case s.config.Burst:
			initial = s.buffer.Drain(0)
		default:
			initial = s.buffer.Take(s.initialWindow(minimum))
		}

		if len(initial) > 0 {
			if !s.sendSamples(ctx, initial, emotion, face) {
				return s.finish(ctx, end, false)
			}
			s.hasStarted = true
			s.limiter = audio.NewRateLimiter(s.config.RealtimeChunkSamples, s.config.ChunksPerSecond)
		}
	}

	chunk := s.config.RealtimeChunkSamples
	for s.hasStarted && s.buffer.Len() >= chunk {
		if s.counter != nil && s.counter.NumConsumers(s.ref.Stream) == 0 {
			s.logger.Debug("No consumers left, dropping audio",
				slog.Int64("stream_id", int64(s.ref.Stream)),
				slog.Int("dropped_samples", s.buffer.Len()),
			)
			s.buffer.Reset()
			ok = false
			break
		}
		if ctx.Err() != nil {
			ok = false
			break
		}
		if !s.config.Burst {
			s.limiter.Tick(chunk)
		}
		if !s.sendSamples(ctx, s.buffer.Take(chunk), emotion, face) {
			return s.finish(ctx, end, false)
		}
	}

	if end && s.hasStarted && s.buffer.Len() > 0 {
		switch {
		case ctx.Err() != nil:
			// Cancelled mid-stream; the tail is not sent
			ok = false
		case !s.sendSamples(ctx, s.buffer.Drain(0), emotion, face):
			ok = false
		}
	}

	return s.finish(ctx, end, ok)
}

// initialWindow is the first chunk size in paced mode
func (s *Session) initialWindow(minimum int) int {
	maxSamples := int(s.config.MaxInitialChunk.Seconds() * float64(s.config.TargetSampleRate))
	if maxSamples < minimum {
		maxSamples = minimum
	}
	n := s.buffer.Len()
	if n > maxSamples {
		n = maxSamples
	}
	return n
}

func (s *Session) sendSamples(ctx context.Context, pcm []int16, emotion, face map[string]float32) bool {
	if s.provider.SendSamples(ctx, s.ref, pcm, emotion, face) {
		return true
	}
	s.logger.Debug("Provider rejected samples",
		slog.Int64("stream_id", int64(s.ref.Stream)),
		slog.Int("samples", len(pcm)),
	)
	return false
}

// finish ends the provider stream exactly once when end is set
func (s *Session) finish(ctx context.Context, end, ok bool) bool {
	if !end || s.ended {
		return ok
	}
	s.ended = true
	s.buffer.Reset()

	if !s.provider.EndStream(ctx, s.ref) {
		s.logger.Debug("Provider failed to end stream",
			slog.Int64("stream_id", int64(s.ref.Stream)),
		)
		return false
	}
	return ok
}

// Close ends the provider stream if the caller never sent end of input
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !s.ended {
		s.finish(ctx, true, true)
	}
}

// misuse reports a caller error without failing hard
func (s *Session) misuse(kind, msg string, id anim.StreamID) {
	s.logger.Error(msg,
		slog.String("kind", kind),
		slog.Int64("stream_id", int64(id)),
	)
	s.metrics.RecordMisuse(kind)
}
