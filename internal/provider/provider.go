package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/backend"
	"github.com/skypro1111/anim-stream-service/internal/stream"
)

// Config contains provider configuration
type Config struct {
	Name                  string
	Instance              backend.InstanceParams
	MinimumInitialSamples int
	Params                map[string]float32
	StreamName            string
}

// Provider streams audio to one backend instance shared by all of its
// sessions. Sessions queue on the instance lock.
type Provider struct {
	config Config
	be     backend.Backend
	pool   *stream.Pool
	inst   *backend.Instance
	logger *slog.Logger
}

// New creates the backend instance and a provider around it. The instance is
// recreated on demand after it is lost or destroyed.
func New(ctx context.Context, config Config, be backend.Backend, pool *stream.Pool, logger *slog.Logger) (*Provider, error) {
	if config.Name == "" {
		config.Name = be.Name()
	}
	if config.Instance.SampleRate <= 0 {
		config.Instance.SampleRate = 16000
	}
	if config.MinimumInitialSamples < 0 {
		return nil, fmt.Errorf("minimum initial samples must be non-negative")
	}

	params := config.Instance
	factory := func(ctx context.Context) (backend.Handle, error) {
		logger.Info("Recreating backend instance",
			slog.String("provider", config.Name),
			slog.String("backend", be.Name()),
		)
		return be.CreateInstance(ctx, params)
	}

	h, err := be.CreateInstance(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend instance: %w", err)
	}

	logger.Info("Provider ready",
		slog.String("provider", config.Name),
		slog.String("backend", be.Name()),
		slog.Int("sample_rate", params.SampleRate),
		slog.Int("min_initial_samples", config.MinimumInitialSamples),
	)

	return &Provider{
		config: config,
		be:     be,
		pool:   pool,
		inst:   backend.NewInstance(h, factory),
		logger: logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return p.config.Name
}

// SampleRate returns the rate of the audio the backend expects
func (p *Provider) SampleRate() int {
	return p.config.Instance.SampleRate
}

// MinimumInitialSampleCount returns the smallest first send the backend accepts
func (p *Provider) MinimumInitialSampleCount() int {
	return p.config.MinimumInitialSamples
}

// CreateStream allocates a session bound to consumer
func (p *Provider) CreateStream(ctx context.Context, consumer anim.Consumer) (anim.SessionRef, error) {
	s, err := p.pool.Allocate(stream.AllocateRequest{
		Provider:   p.config.Name,
		Backend:    p.be,
		Instance:   p.inst,
		Consumer:   consumer,
		Params:     p.config.Params,
		StreamName: p.config.StreamName,
		Format:     anim.AudioFormat{SampleRate: p.config.Instance.SampleRate, Channels: 1, ByteWidth: 2},
	})
	if err != nil {
		return anim.SessionRef{Slot: -1}, fmt.Errorf("failed to allocate session: %w", err)
	}
	return s.Ref(), nil
}

// SendSamples forwards mono PCM16 samples to the session of ref
func (p *Provider) SendSamples(ctx context.Context, ref anim.SessionRef, pcm []int16, emotion, face map[string]float32) bool {
	s, ok := p.pool.Lookup(ref)
	if !ok {
		p.logger.Debug("Send to unknown session", slog.Int64("stream_id", int64(ref.Stream)))
		return false
	}
	return s.SendAudioChunk(ctx, pcm, emotion, face)
}

// EndStream ends the session of ref and returns it to the pool
func (p *Provider) EndStream(ctx context.Context, ref anim.SessionRef) bool {
	s, ok := p.pool.Lookup(ref)
	if !ok {
		return false
	}
	return s.EndStream(ctx)
}

// SetOriginalAudioParams enables passthrough audio for ref
func (p *Provider) SetOriginalAudioParams(ref anim.SessionRef, format anim.AudioFormat) bool {
	s, ok := p.pool.Lookup(ref)
	if !ok {
		return false
	}
	return s.SetOriginalAudioParams(format)
}

// EnqueueOriginalSamples buffers original audio for passthrough
func (p *Provider) EnqueueOriginalSamples(ref anim.SessionRef, data []byte) bool {
	s, ok := p.pool.Lookup(ref)
	if !ok {
		return false
	}
	return s.EnqueueOriginalSamples(data)
}

// Close resets every session of the provider and destroys the instance
func (p *Provider) Close(ctx context.Context) error {
	killed := p.pool.KillProvider(ctx, p.config.Name)

	guard := backend.NewGuard(p.inst)
	if err := guard.Destroy(ctx, p.be); err != nil {
		return fmt.Errorf("failed to destroy backend instance: %w", err)
	}

	p.logger.Info("Provider closed",
		slog.String("provider", p.config.Name),
		slog.Int("sessions_killed", killed),
	)
	return nil
}
