package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a mono PCM-16 stream between sample rates, keeping
// filter state across calls. When both rates match it passes samples through
// untouched.
type Resampler struct {
	srcRate int
	dstRate int

	resampler resampling.Resampler
}

// flusher is implemented by resampler engines that can drain their filter tail
type flusher interface {
	Flush() ([]float64, error)
}

// NewResampler creates a streaming mono resampler
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", srcRate, dstRate)
	}

	r := &Resampler{srcRate: srcRate, dstRate: dstRate}
	if srcRate == dstRate {
		return r, nil
	}

	engine, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	r.resampler = engine
	return r, nil
}

// Passthrough reports whether the resampler is a no-op
func (r *Resampler) Passthrough() bool {
	return r.resampler == nil
}

// Process resamples one block of samples
func (r *Resampler) Process(samples []int16) ([]int16, error) {
	if r.resampler == nil {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}
	if len(samples) == 0 {
		return nil, nil
	}

	out, err := r.resampler.Process(Int16ToFloat(samples))
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	return FloatToInt16(out), nil
}

// Flush returns the samples still held in the filter. It is called once at
// end of input.
func (r *Resampler) Flush() ([]int16, error) {
	if r.resampler == nil {
		return nil, nil
	}

	f, ok := r.resampler.(flusher)
	if !ok {
		return nil, nil
	}
	out, err := f.Flush()
	if err != nil {
		return nil, fmt.Errorf("resampler flush: %w", err)
	}
	return FloatToInt16(out), nil
}
