package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/backend"
	"github.com/skypro1111/anim-stream-service/internal/metrics"
	"github.com/skypro1111/anim-stream-service/internal/registry"
)

// ErrAllocationLost is returned when a session was torn down before its
// allocation finished
var ErrAllocationLost = errors.New("session torn down during allocation")

// AllocateRequest describes a new stream to allocate from the pool
type AllocateRequest struct {
	Provider   string
	Backend    backend.Backend
	Instance   *backend.Instance
	Consumer   anim.Consumer
	Params     map[string]float32
	StreamName string

	// Format is announced to the consumer; SampleRate is the rate of the
	// audio exchanged with the backend and defaults to Format.SampleRate
	Format     anim.AudioFormat
	SampleRate int
}

// Pool owns every session slot. Slots are allocated once and reused; a
// *Session stays valid for the lifetime of the pool.
type Pool struct {
	mu    sync.Mutex
	slots []*Session

	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// onTransition observes every transition attempt, under the session lock
	onTransition func(slot SlotID, from, to State, ok bool)

	// Reaper management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	once    sync.Once
}

// NewPool creates an empty session pool
func NewPool(reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		registry: reg,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the consumer registry the pool dispatches through
func (p *Pool) Registry() *registry.Registry {
	return p.registry
}

// Allocate claims an Available slot, growing the pool when none is free,
// and attaches the consumer to the new stream id
func (p *Pool) Allocate(req AllocateRequest) (*Session, error) {
	if req.Backend == nil || req.Instance == nil {
		return nil, backend.ErrNotAvailable
	}
	if req.Consumer == nil {
		return nil, errors.New("allocate: nil consumer")
	}
	if req.SampleRate <= 0 {
		req.SampleRate = req.Format.SampleRate
	}
	if req.SampleRate <= 0 {
		return nil, errors.New("allocate: sample rate must be positive")
	}

	id := p.registry.CreateStreamID()

	p.mu.Lock()
	var session *Session
	for _, s := range p.slots {
		if s.tryAllocate(&req, id) {
			session = s
			break
		}
	}
	if session == nil {
		session = &Session{slot: SlotID(len(p.slots)), pool: p}
		p.slots = append(p.slots, session)
		session.tryAllocate(&req, id)
	}
	slots := len(p.slots)
	p.mu.Unlock()

	// A killer may have reset the slot before the mapping existed, in which
	// case its RemoveStream found nothing to remove
	p.registry.Attach(id, req.Consumer, req.Format)
	if !session.holds(id) {
		p.registry.RemoveStream(id)
		p.logger.Debug("Session torn down during allocation",
			slog.Int("slot", int(session.slot)),
			slog.Int64("stream_id", int64(id)),
		)
		return nil, ErrAllocationLost
	}
	p.metrics.RecordSessionAllocated(slots)

	p.logger.Debug("Session allocated",
		slog.Int("slot", int(session.slot)),
		slog.Int64("stream_id", int64(id)),
		slog.String("provider", req.Provider),
		slog.Int("pool_slots", slots),
	)

	return session, nil
}

// Session returns the session in slot, or nil if the slot does not exist
func (p *Pool) Session(slot SlotID) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot < 0 || int(slot) >= len(p.slots) {
		return nil
	}
	return p.slots[slot]
}

// Lookup resolves ref to its session if the slot still carries that stream
func (p *Pool) Lookup(ref anim.SessionRef) (*Session, bool) {
	if !ref.Valid() {
		return nil, false
	}
	s := p.Session(SlotID(ref.Slot))
	if s == nil || s.StreamID() != ref.Stream {
		return nil, false
	}
	return s, true
}

// callbackFor builds the backend callback of one allocation. It resolves the
// slot on every invocation instead of capturing the session.
func (p *Pool) callbackFor(slot SlotID, id anim.StreamID) backend.Callback {
	return func(out *backend.Outputs, state backend.CallbackState) backend.CallbackState {
		s := p.Session(slot)
		if s == nil {
			return backend.StateCancel
		}
		return s.onBackendOutput(id, out, state)
	}
}

// KillProvider resets every session owned by provider name and returns how
// many were reset
func (p *Pool) KillProvider(ctx context.Context, name string) int {
	killed := 0
	for _, s := range p.sessions() {
		if s.KillProvider(ctx, name) {
			killed++
		}
	}
	if killed > 0 {
		p.logger.Info("Provider sessions killed",
			slog.String("provider", name),
			slog.Int("count", killed),
		)
	}
	return killed
}

// sessions returns a copy of the slot list
func (p *Pool) sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.slots...)
}

// SessionInfo is a point-in-time view of one slot for monitoring APIs
type SessionInfo struct {
	Slot            int           `json:"slot"`
	StreamID        int64         `json:"stream_id"`
	State           string        `json:"state"`
	Provider        string        `json:"provider"`
	StreamName      string        `json:"stream_name,omitempty"`
	Passthrough     bool          `json:"passthrough"`
	SentSamples     int64         `json:"sent_samples"`
	ReceivedSamples int64         `json:"received_samples"`
	AllocatedAt     time.Time     `json:"allocated_at"`
	LastActivity    time.Time     `json:"last_activity"`
	Duration        time.Duration `json:"duration"`
}

// Info returns the monitoring view of the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		Slot:            int(s.slot),
		StreamID:        int64(s.streamID),
		State:           s.state.String(),
		Provider:        s.provider,
		StreamName:      s.streamName,
		Passthrough:     s.ratioDen != 0,
		SentSamples:     s.sentSamples,
		ReceivedSamples: s.receivedSamples,
		AllocatedAt:     s.allocatedAt,
		LastActivity:    s.lastActivity,
	}
	if s.state != StateAvailable {
		info.Duration = time.Since(s.allocatedAt)
	}
	return info
}

// Snapshot returns the monitoring view of every non-Available slot
func (p *Pool) Snapshot() []SessionInfo {
	infos := make([]SessionInfo, 0)
	for _, s := range p.sessions() {
		info := s.Info()
		if info.State == StateAvailable.String() {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// PoolStats counts slots per state
type PoolStats struct {
	Slots     int `json:"slots"`
	Available int `json:"available"`
	Allocated int `json:"allocated"`
	Started   int `json:"started"`
	Ended     int `json:"ended"`
}

// Stats returns per-state slot counts
func (p *Pool) Stats() PoolStats {
	slots := p.sessions()
	stats := PoolStats{Slots: len(slots)}
	for _, s := range slots {
		switch s.State() {
		case StateAvailable:
			stats.Available++
		case StateAllocated:
			stats.Allocated++
		case StateStarted:
			stats.Started++
		case StateEnded:
			stats.Ended++
		}
	}
	return stats
}

// StartReaper starts a goroutine that kills sessions idle for longer than
// timeout. A zero timeout disables reaping.
func (p *Pool) StartReaper(interval, timeout time.Duration) {
	if timeout <= 0 || interval <= 0 {
		return
	}
	p.once.Do(func() {
		done := make(chan struct{})
		p.mu.Lock()
		p.cleanup = done
		p.mu.Unlock()
		go p.reapLoop(interval, timeout, done)
	})
}

// reapLoop runs in a separate goroutine to reclaim idle sessions
func (p *Pool) reapLoop(interval, timeout time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("Session reaper started",
		slog.Duration("timeout", timeout),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Info("Session reaper stopping")
			return

		case <-ticker.C:
			p.reapIdle(timeout)
		}
	}
}

// reapIdle kills sessions that have been inactive for too long
func (p *Pool) reapIdle(timeout time.Duration) int {
	now := time.Now()
	reaped := 0
	for _, s := range p.sessions() {
		idle := func() bool { return now.Sub(s.lastActivity) > timeout }
		if s.kill(p.ctx, "idle timeout", idle) {
			p.metrics.RecordSessionReaped()
			reaped++
		}
	}
	if reaped > 0 {
		p.logger.Info("Reaped idle sessions", slog.Int("count", reaped))
	}
	return reaped
}

// Stop stops the reaper and resets every remaining session
func (p *Pool) Stop(ctx context.Context) {
	p.cancel()
	p.mu.Lock()
	done := p.cleanup
	p.mu.Unlock()
	if done != nil {
		<-done
	}

	for _, s := range p.sessions() {
		s.kill(ctx, "pool stopped", func() bool { return true })
	}

	stats := p.Stats()
	p.logger.Info("Session pool stopped",
		slog.Int("slots", stats.Slots),
		slog.Int("available", stats.Available),
	)
}
