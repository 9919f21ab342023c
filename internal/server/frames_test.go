package server

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/protocol"
)

type recordingWriter struct {
	mu      sync.Mutex
	packets [][]byte
	fail    bool
}

func (w *recordingWriter) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return 0, errors.New("network unreachable")
	}
	w.packets = append(w.packets, append([]byte(nil), b...))
	return len(b), nil
}

func TestFrameWriterEncodesChunks(t *testing.T) {
	conn := &recordingWriter{}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	w := NewFrameWriter(conn, addr, 42, testLogger(), nil)

	w.PrepareNewStream(3, anim.AudioFormat{SampleRate: 16000, Channels: 1, ByteWidth: 2})
	w.ConsumeAnimData(&anim.Chunk{
		Weights:   []float32{0.1, 0.2},
		Audio:     []byte{1, 2, 3, 4},
		Timestamp: 0.5,
		Status:    anim.StatusOK,
	}, 3)
	w.ConsumeAnimData(anim.NoMoreData(), 3)

	select {
	case <-w.Done():
	default:
		t.Fatal("Expected Done to be closed after the final chunk")
	}

	if len(conn.packets) != 2 {
		t.Fatalf("Expected 2 packets, got %d", len(conn.packets))
	}
	if w.Sent() != 2 {
		t.Errorf("Expected 2 frames sent, got %d", w.Sent())
	}

	tests := []struct {
		name      string
		sequence  uint32
		status    anim.Status
		weights   int
		audio     int
		timestamp float64
	}{
		{name: "data", sequence: 0, status: anim.StatusOK, weights: 2, audio: 4, timestamp: 0.5},
		{name: "final", sequence: 1, status: anim.StatusOKNoMoreData, timestamp: anim.TimestampUnknown},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := protocol.ParsePacket(conn.packets[i])
			if err != nil {
				t.Fatalf("ParsePacket failed: %v", err)
			}
			if pkt.Header.StreamID != 42 {
				t.Errorf("Expected client stream id 42, got %d", pkt.Header.StreamID)
			}
			f := pkt.Frame
			if f == nil {
				t.Fatal("Expected frame payload")
			}
			if f.Sequence != tt.sequence {
				t.Errorf("Expected sequence %d, got %d", tt.sequence, f.Sequence)
			}
			if anim.Status(f.Status) != tt.status {
				t.Errorf("Expected status %v, got %d", tt.status, f.Status)
			}
			if len(f.Weights) != tt.weights || len(f.Audio) != tt.audio {
				t.Errorf("Expected %d weights and %d audio bytes, got %d and %d",
					tt.weights, tt.audio, len(f.Weights), len(f.Audio))
			}
			if f.Timestamp != tt.timestamp {
				t.Errorf("Expected timestamp %f, got %f", tt.timestamp, f.Timestamp)
			}
		})
	}
}

func TestFrameWriterSurvivesSendFailure(t *testing.T) {
	conn := &recordingWriter{fail: true}
	w := NewFrameWriter(conn, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}, 1, testLogger(), nil)

	w.ConsumeAnimData(&anim.Chunk{Status: anim.StatusOK, Timestamp: 0}, 1)
	w.ConsumeAnimData(anim.NoMoreData(), 1)
	w.ConsumeAnimData(anim.NoMoreData(), 1)

	select {
	case <-w.Done():
	default:
		t.Fatal("Expected Done after the final chunk even when sends fail")
	}
}
