package audio

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	ChunksEmitted  uint64 `json:"chunks_emitted"`
	SamplesEmitted uint64 `json:"samples_emitted"`
	PaddedSamples  uint64 `json:"padded_samples"`
	Pending        int    `json:"pending_samples"`
}

// Chunker accumulates PCM-16 samples and slices them off the front in
// caller-chosen sizes. It is not safe for concurrent use.
type Chunker struct {
	pending []int16

	chunksEmitted  uint64
	samplesEmitted uint64
	paddedSamples  uint64
}

// NewChunker creates an empty chunker with room for capacity samples
func NewChunker(capacity int) *Chunker {
	return &Chunker{pending: make([]int16, 0, capacity)}
}

// Push appends samples
func (c *Chunker) Push(samples []int16) {
	c.pending = append(c.pending, samples...)
}

// Len returns the number of buffered samples
func (c *Chunker) Len() int {
	return len(c.pending)
}

// Take removes and returns exactly n samples, or nil if fewer are buffered
func (c *Chunker) Take(n int) []int16 {
	if n <= 0 || n > len(c.pending) {
		return nil
	}

	out := make([]int16, n)
	copy(out, c.pending[:n])

	// Shift the remainder down so the backing array does not grow forever
	rest := copy(c.pending, c.pending[n:])
	c.pending = c.pending[:rest]

	c.chunksEmitted++
	c.samplesEmitted += uint64(n)
	return out
}

// Drain removes and returns everything buffered, zero-padded up to minLen
func (c *Chunker) Drain(minLen int) []int16 {
	n := len(c.pending)
	size := n
	if size < minLen {
		size = minLen
	}
	if size == 0 {
		return nil
	}

	out := make([]int16, size)
	copy(out, c.pending)
	c.pending = c.pending[:0]

	c.chunksEmitted++
	c.samplesEmitted += uint64(size)
	c.paddedSamples += uint64(size - n)
	return out
}

// Reset discards buffered samples
func (c *Chunker) Reset() {
	c.pending = c.pending[:0]
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	return ChunkerStats{
		ChunksEmitted:  c.chunksEmitted,
		SamplesEmitted: c.samplesEmitted,
		PaddedSamples:  c.paddedSamples,
		Pending:        len(c.pending),
	}
}
