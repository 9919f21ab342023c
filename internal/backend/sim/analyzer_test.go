package sim

import (
	"testing"
)

func constantFrame(n int, value int16) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func TestNewAnalyzerValidation(t *testing.T) {
	tests := []struct {
		name      string
		threshold float32
		expectErr bool
	}{
		{name: "valid", threshold: 0.02},
		{name: "zero", threshold: 0},
		{name: "one", threshold: 1},
		{name: "negative", threshold: -0.1, expectErr: true},
		{name: "above one", threshold: 1.1, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAnalyzer(tt.threshold)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if a.GetStats().Threshold != tt.threshold {
				t.Errorf("Expected threshold %f, got %f", tt.threshold, a.GetStats().Threshold)
			}
		})
	}
}

func TestRMSEnergy(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float32
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "silence", samples: make([]int16, 100), want: 0},
		{name: "half scale", samples: constantFrame(100, 5000), want: 0.5},
		{name: "clipped", samples: constantFrame(100, 20000), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rmsEnergy(tt.samples)
			if got < tt.want-0.001 || got > tt.want+0.001 {
				t.Errorf("Expected energy %f, got %f", tt.want, got)
			}
		})
	}
}

func TestAnalyzerWeights(t *testing.T) {
	a, err := NewAnalyzer(0.02)
	if err != nil {
		t.Fatalf("NewAnalyzer failed: %v", err)
	}

	silent := a.Process(make([]int16, 533), nil)
	if silent.HasVoice {
		t.Error("Expected silence to have no voice")
	}
	if len(silent.Weights) != len(BlendShapeNames) {
		t.Fatalf("Expected %d weights, got %d", len(BlendShapeNames), len(silent.Weights))
	}
	if silent.Weights[0] != 0 {
		t.Errorf("Expected closed jaw on silence, got %f", silent.Weights[0])
	}
	if silent.Weights[1] == 0 {
		t.Error("Expected mouthClose on silence")
	}

	loud := a.Process(constantFrame(533, 8000), map[string]float32{"emotion.joy": 1})
	if !loud.HasVoice {
		t.Error("Expected voice on loud frame")
	}
	if loud.Weights[0] <= 0 {
		t.Errorf("Expected open jaw, got %f", loud.Weights[0])
	}
	if loud.Weights[6] != 0.5 || loud.Weights[7] != 0.5 {
		t.Errorf("Expected smile from joy, got %f/%f", loud.Weights[6], loud.Weights[7])
	}

	// Smoothing keeps the second frame below its raw energy
	if loud.Energy >= 0.8 {
		t.Errorf("Expected smoothed energy below raw 0.8, got %f", loud.Energy)
	}

	muted := a.Process(constantFrame(533, 8000), map[string]float32{"mouth_strength": 0})
	if muted.Weights[0] != 0 {
		t.Errorf("Expected zero jaw with mouth_strength 0, got %f", muted.Weights[0])
	}

	stats := a.GetStats()
	if stats.TotalFrames != 3 || stats.VoiceFrames != 2 {
		t.Errorf("Expected 3 frames with 2 voiced, got %d/%d", stats.TotalFrames, stats.VoiceFrames)
	}

	a.Reset()
	if a.GetStats().TotalFrames != 0 {
		t.Error("Expected statistics cleared after Reset")
	}
}
