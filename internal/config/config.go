package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	Backend BackendConfig `yaml:"backend"`
	Worker  WorkerConfig  `yaml:"worker"`
	Pool    PoolConfig    `yaml:"pool"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains UDP ingest server configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port"`
	BindAddress          string `yaml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams"`
	Workers              int    `yaml:"workers"`
	ReorderWindow        int    `yaml:"reorder_window"` // packets
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port         int    `yaml:"port"`
	Address      string `yaml:"address"`
	Enabled      bool   `yaml:"enabled"`
	ServeBackend bool   `yaml:"serve_backend"` // expose the backend at /v1/rpc
}

// AudioConfig contains audio session parameters
type AudioConfig struct {
	TargetSampleRate      int     `yaml:"target_sample_rate"`
	RealtimeChunkMs       int     `yaml:"realtime_chunk_ms"`
	MaxInitialChunk       float64 `yaml:"max_initial_chunk"` // seconds
	MinimumInitialSamples int     `yaml:"minimum_initial_samples"`
	StreamTimeout         int     `yaml:"stream_timeout"` // seconds
}

// BackendConfig selects and configures the inference backend
type BackendConfig struct {
	Type       string             `yaml:"type"` // local or remote
	Provider   string             `yaml:"provider"`
	Model      string             `yaml:"model"`
	FrameRate  int                `yaml:"frame_rate"`
	SampleRate int                `yaml:"sample_rate"`
	StreamName string             `yaml:"stream_name"`
	Params     map[string]float32 `yaml:"params"`
	Remote     RemoteConfig       `yaml:"remote"`
}

// RemoteConfig contains remote backend client configuration
type RemoteConfig struct {
	URL               string  `yaml:"url"`
	DialTimeout       int     `yaml:"dial_timeout"`    // seconds
	RequestTimeout    int     `yaml:"request_timeout"` // seconds
	ReconnectAttempts int     `yaml:"reconnect_attempts"`
	ReconnectBackoff  float64 `yaml:"reconnect_backoff"` // seconds
	MaxBackoff        float64 `yaml:"max_backoff"`       // seconds
}

// WorkerConfig contains persistent stream worker configuration
type WorkerConfig struct {
	Enabled        bool    `yaml:"enabled"`
	StreamName     string  `yaml:"stream_name"`
	MaxRetries     int     `yaml:"max_retries"`
	RetryDelay     float64 `yaml:"retry_delay"`     // seconds
	ForwardAddress string  `yaml:"forward_address"` // UDP address receiving frame packets
}

// PoolConfig contains session pool housekeeping configuration
type PoolConfig struct {
	ReapInterval int `yaml:"reap_interval"` // seconds
	IdleTimeout  int `yaml:"idle_timeout"`  // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}

	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.ReorderWindow < 0 {
		return fmt.Errorf("reorder_window cannot be negative, got %d", s.ReorderWindow)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.ServeBackend && !h.Enabled {
		return fmt.Errorf("serve_backend requires http to be enabled")
	}

	return nil
}

// Validate validates audio configuration and fills defaults
func (a *AudioConfig) Validate() error {
	if a.TargetSampleRate == 0 {
		a.TargetSampleRate = 16000
	}
	if a.TargetSampleRate < 8000 || a.TargetSampleRate > 48000 {
		return fmt.Errorf("target_sample_rate must be between 8000 and 48000 Hz, got %d", a.TargetSampleRate)
	}

	if a.RealtimeChunkMs == 0 {
		a.RealtimeChunkMs = 35
	}
	if a.RealtimeChunkMs < 1 || a.RealtimeChunkMs > 1000 {
		return fmt.Errorf("realtime_chunk_ms must be between 1 and 1000, got %d", a.RealtimeChunkMs)
	}

	if a.MaxInitialChunk < 0 {
		return fmt.Errorf("max_initial_chunk cannot be negative, got %f", a.MaxInitialChunk)
	}

	if a.MinimumInitialSamples < 0 {
		return fmt.Errorf("minimum_initial_samples cannot be negative, got %d", a.MinimumInitialSamples)
	}

	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}

	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	switch b.Type {
	case "local":
	case "remote":
		if b.Remote.URL == "" {
			return fmt.Errorf("remote.url cannot be empty for a remote backend")
		}
		if err := b.Remote.Validate(); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
	default:
		return fmt.Errorf("type must be 'local' or 'remote', got '%s'", b.Type)
	}

	if b.FrameRate < 0 || b.FrameRate > 240 {
		return fmt.Errorf("frame_rate must be between 0 and 240, got %d", b.FrameRate)
	}

	if b.SampleRate != 0 && (b.SampleRate < 8000 || b.SampleRate > 48000) {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", b.SampleRate)
	}

	return nil
}

// Validate validates remote client configuration
func (r *RemoteConfig) Validate() error {
	if r.DialTimeout < 0 || r.RequestTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if r.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts cannot be negative, got %d", r.ReconnectAttempts)
	}

	if r.ReconnectBackoff < 0 || r.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations cannot be negative")
	}

	if r.MaxBackoff > 0 && r.MaxBackoff < r.ReconnectBackoff {
		return fmt.Errorf("max_backoff (%f) must not be less than reconnect_backoff (%f)",
			r.MaxBackoff, r.ReconnectBackoff)
	}

	return nil
}

// Validate validates worker configuration
func (w *WorkerConfig) Validate() error {
	if !w.Enabled {
		return nil
	}

	if w.StreamName == "" {
		return fmt.Errorf("stream_name cannot be empty when the worker is enabled")
	}

	if w.ForwardAddress == "" {
		return fmt.Errorf("forward_address cannot be empty when the worker is enabled")
	}

	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", w.MaxRetries)
	}

	if w.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative, got %f", w.RetryDelay)
	}

	return nil
}

// Validate validates pool configuration
func (p *PoolConfig) Validate() error {
	if p.ReapInterval < 0 {
		return fmt.Errorf("reap_interval cannot be negative, got %d", p.ReapInterval)
	}

	if p.ReapInterval > 0 && p.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second when reaping, got %d", p.IdleTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	return nil
}

// GetStreamTimeoutDuration returns the ingest stream timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// GetMaxInitialChunk returns the paced initial window cap as a time.Duration
func (a *AudioConfig) GetMaxInitialChunk() time.Duration {
	return time.Duration(a.MaxInitialChunk * float64(time.Second))
}

// GetRealtimeChunkSamples returns the realtime slice size at the target rate
func (a *AudioConfig) GetRealtimeChunkSamples() int {
	return a.TargetSampleRate * a.RealtimeChunkMs / 1000
}

// GetDialTimeout returns the dial timeout as a time.Duration
func (r *RemoteConfig) GetDialTimeout() time.Duration {
	return time.Duration(r.DialTimeout) * time.Second
}

// GetRequestTimeout returns the request timeout as a time.Duration
func (r *RemoteConfig) GetRequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// GetReconnectBackoff returns the base reconnect delay as a time.Duration
func (r *RemoteConfig) GetReconnectBackoff() time.Duration {
	return time.Duration(r.ReconnectBackoff * float64(time.Second))
}

// GetMaxBackoff returns the reconnect delay cap as a time.Duration
func (r *RemoteConfig) GetMaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoff * float64(time.Second))
}

// GetRetryDelay returns the worker retry delay as a time.Duration
func (w *WorkerConfig) GetRetryDelay() time.Duration {
	return time.Duration(w.RetryDelay * float64(time.Second))
}

// GetReapInterval returns the pool reap interval as a time.Duration
func (p *PoolConfig) GetReapInterval() time.Duration {
	return time.Duration(p.ReapInterval) * time.Second
}

// GetIdleTimeout returns the pool idle timeout as a time.Duration
func (p *PoolConfig) GetIdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeout) * time.Second
}
