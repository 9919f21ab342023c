package audio

import (
	"fmt"
	"sync"
	"time"
)

// ReorderBuffer puts sequence-numbered audio packets back in order before
// they are handed to a session. Packets that arrive early are held until the
// gap before them closes or grows beyond maxGap, at which point the missing
// sequences are counted as lost.
type ReorderBuffer struct {
	streamID uint32

	// Sequence tracking
	started     bool
	lastSeq     uint32
	expectedSeq uint32
	pending     map[uint32][]byte

	// Packet loss tracking
	lostPackets map[uint32]bool
	maxGap      uint32

	// Timing and metadata
	lastUpdate   time.Time
	totalPackets uint32
	lostCount    uint32
	delivered    uint64

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	StreamID       uint32  `json:"stream_id"`
	TotalPackets   uint32  `json:"total_packets"`
	LostPackets    uint32  `json:"lost_packets"`
	LossRate       float64 `json:"loss_rate"`
	DeliveredBytes uint64  `json:"delivered_bytes"`
	PendingSeqs    int     `json:"pending_sequences"`
	LastSequence   uint32  `json:"last_sequence"`
}

// NewReorderBuffer creates a reorder buffer that waits for at most maxGap
// missing packets
func NewReorderBuffer(streamID uint32, maxGap uint32) *ReorderBuffer {
	if maxGap == 0 {
		maxGap = 20
	}
	return &ReorderBuffer{
		streamID:    streamID,
		pending:     make(map[uint32][]byte),
		lostPackets: make(map[uint32]bool),
		maxGap:      maxGap,
		lastUpdate:  time.Now(),
	}
}

// Add stores one packet and returns the audio that became contiguous, in
// sequence order. The returned slice may be empty.
func (b *ReorderBuffer) Add(sequence uint32, data []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUpdate = time.Now()
	b.totalPackets++

	// Initialize expected sequence on first packet
	if !b.started {
		b.started = true
		b.expectedSeq = sequence
		b.lastSeq = sequence - 1
	}

	switch {
	case sequence == b.expectedSeq:
		out := append([]byte(nil), data...)
		b.lastSeq = sequence
		b.expectedSeq = sequence + 1
		delete(b.lostPackets, sequence)
		out = append(out, b.drainLocked()...)
		b.delivered += uint64(len(out))
		return out, nil

	case sequence > b.expectedSeq:
		if _, dup := b.pending[sequence]; dup {
			return nil, fmt.Errorf("ignoring duplicate packet: seq=%d", sequence)
		}
		b.pending[sequence] = append([]byte(nil), data...)

		if sequence-b.expectedSeq <= b.maxGap {
			return nil, nil
		}

		// Gap too large, give up on the missing packets
		next := b.lowestPendingLocked()
		b.markMissingAsLost(b.expectedSeq, next-1)
		b.expectedSeq = next
		out := b.drainLocked()
		b.cleanupOldLostPackets()
		b.delivered += uint64(len(out))
		return out, nil

	default:
		return nil, fmt.Errorf("ignoring old/duplicate packet: seq=%d, lastSeq=%d", sequence, b.lastSeq)
	}
}

// Flush returns every held packet in order, skipping gaps. Used at end of stream.
func (b *ReorderBuffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []byte
	for len(b.pending) > 0 {
		next := b.lowestPendingLocked()
		b.markMissingAsLost(b.expectedSeq, next-1)
		b.expectedSeq = next
		out = append(out, b.drainLocked()...)
	}
	b.delivered += uint64(len(out))
	return out
}

// Expected returns the next sequence the buffer waits for. ok is false until
// the first packet arrived.
func (b *ReorderBuffer) Expected() (seq uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expectedSeq, b.started
}

// drainLocked returns consecutive buffered packets starting at expectedSeq
func (b *ReorderBuffer) drainLocked() []byte {
	var out []byte
	for {
		data, ok := b.pending[b.expectedSeq]
		if !ok {
			return out
		}
		out = append(out, data...)
		delete(b.pending, b.expectedSeq)
		delete(b.lostPackets, b.expectedSeq)

		b.lastSeq = b.expectedSeq
		b.expectedSeq++
	}
}

func (b *ReorderBuffer) lowestPendingLocked() uint32 {
	first := true
	var lowest uint32
	for seq := range b.pending {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}

// markMissingAsLost marks a range of sequence numbers as lost
func (b *ReorderBuffer) markMissingAsLost(start, end uint32) {
	if end < start {
		return
	}
	for seq := start; seq <= end; seq++ {
		if _, buffered := b.pending[seq]; !buffered {
			b.lostPackets[seq] = true
			b.lostCount++
		}
	}
}

// cleanupOldLostPackets removes very old lost packet tracking
func (b *ReorderBuffer) cleanupOldLostPackets() {
	if b.lastSeq < 100 {
		return
	}
	cutoff := b.lastSeq - 100
	for seq := range b.lostPackets {
		if seq < cutoff {
			delete(b.lostPackets, seq)
		}
	}
}

// GetStats returns current buffer statistics
func (b *ReorderBuffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	lossRate := float64(0)
	if b.totalPackets > 0 {
		lossRate = float64(b.lostCount) / float64(b.totalPackets) * 100
	}

	return BufferStats{
		StreamID:       b.streamID,
		TotalPackets:   b.totalPackets,
		LostPackets:    b.lostCount,
		LossRate:       lossRate,
		DeliveredBytes: b.delivered,
		PendingSeqs:    len(b.pending),
		LastSequence:   b.lastSeq,
	}
}

// GetLastUpdate returns the time of the last packet
func (b *ReorderBuffer) GetLastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}
