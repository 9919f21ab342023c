package sim

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// BlendShapeNames lists the ARKit mouth shapes driven by the analyzer, in
// weight order
var BlendShapeNames = []string{
	"jawOpen",
	"mouthClose",
	"mouthFunnel",
	"mouthPucker",
	"mouthStretchLeft",
	"mouthStretchRight",
	"mouthSmileLeft",
	"mouthSmileRight",
}

// Analyzer turns frames of PCM audio into mouth blend-shape weights using a
// smoothed RMS energy estimate
type Analyzer struct {
	threshold float32
	smoothing float32

	lastEnergy float32

	// Statistics
	totalFrames   uint64
	voiceFrames   uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// FrameResult is the analysis of one animation frame
type FrameResult struct {
	Energy   float32
	HasVoice bool
	Weights  []float32
}

// AnalyzerStats represents analyzer statistics
type AnalyzerStats struct {
	TotalFrames     uint64    `json:"total_frames"`
	VoiceFrames     uint64    `json:"voice_frames"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewAnalyzer creates a new energy analyzer
func NewAnalyzer(threshold float32) (*Analyzer, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	return &Analyzer{
		threshold: threshold,
		smoothing: 0.6,
	}, nil
}

// Process analyzes one frame of samples. params may carry "emotion.*" and
// face parameters that bias the produced weights.
func (a *Analyzer) Process(samples []int16, params map[string]float32) *FrameResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	energy := rmsEnergy(samples)

	// Smooth against the previous frame so the jaw does not flicker
	if a.totalFrames > 0 {
		energy = a.smoothing*energy + (1-a.smoothing)*a.lastEnergy
	}
	a.lastEnergy = energy

	hasVoice := energy >= a.threshold

	a.totalFrames++
	if hasVoice {
		a.voiceFrames++
	}
	a.lastProcessed = time.Now()

	return &FrameResult{
		Energy:   energy,
		HasVoice: hasVoice,
		Weights:  weightsFor(energy, hasVoice, params),
	}
}

// rmsEnergy returns the RMS energy of samples normalized to 0..1
func rmsEnergy(samples []int16) float32 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	// Speech rarely exceeds an RMS of 10000
	normalized := energy / 10000.0
	if normalized > 1.0 {
		normalized = 1.0
	}
	return float32(normalized)
}

func weightsFor(energy float32, hasVoice bool, params map[string]float32) []float32 {
	w := make([]float32, len(BlendShapeNames))

	strength := float32(1)
	if s, ok := params["mouth_strength"]; ok {
		strength = s
	}

	if hasVoice {
		w[0] = clamp01(energy * 0.8 * strength)
		w[2] = clamp01(energy * 0.3 * strength)
		w[3] = clamp01(energy * 0.2 * strength)
		w[4] = clamp01(energy * 0.2 * strength)
		w[5] = w[4]
	} else {
		w[1] = clamp01((1 - energy) * 0.3)
	}

	joy := params["emotion.joy"]
	w[6] = clamp01(joy * 0.5)
	w[7] = w[6]

	return w
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GetStats returns current analyzer statistics
func (a *Analyzer) GetStats() AnalyzerStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	voicePercentage := float64(0)
	if a.totalFrames > 0 {
		voicePercentage = float64(a.voiceFrames) / float64(a.totalFrames) * 100
	}

	return AnalyzerStats{
		TotalFrames:     a.totalFrames,
		VoiceFrames:     a.voiceFrames,
		VoicePercentage: voicePercentage,
		LastProcessed:   a.lastProcessed,
		Threshold:       a.threshold,
	}
}

// Reset resets the analyzer state and statistics
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalFrames = 0
	a.voiceFrames = 0
	a.lastEnergy = 0
	a.lastProcessed = time.Time{}
}
