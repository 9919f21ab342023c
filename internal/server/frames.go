package server

import (
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/metrics"
	"github.com/skypro1111/anim-stream-service/internal/protocol"
)

// PacketWriter sends datagrams to an address
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// FrameWriter is a consumer that sends every chunk as a Frame packet to one
// UDP address under the client's stream id
type FrameWriter struct {
	conn     PacketWriter
	addr     *net.UDPAddr
	streamID uint32
	logger   *slog.Logger
	metrics  *metrics.Metrics

	seq      atomic.Uint32
	finished atomic.Bool
	done     chan struct{}
}

// NewFrameWriter creates a frame writer for the client stream streamID at addr
func NewFrameWriter(conn PacketWriter, addr *net.UDPAddr, streamID uint32, logger *slog.Logger, m *metrics.Metrics) *FrameWriter {
	return &FrameWriter{
		conn:     conn,
		addr:     addr,
		streamID: streamID,
		logger:   logger,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// PrepareNewStream is called when the writer is attached to a stream
func (w *FrameWriter) PrepareNewStream(id anim.StreamID, format anim.AudioFormat) {
	w.logger.Debug("Frame writer attached",
		slog.Int64("stream_id", int64(id)),
		slog.Uint64("client_stream_id", uint64(w.streamID)),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
	)
}

// ConsumeAnimData encodes and sends one chunk
func (w *FrameWriter) ConsumeAnimData(chunk *anim.Chunk, id anim.StreamID) {
	data, err := protocol.EncodeFrame(w.streamID, &protocol.FramePayload{
		Sequence:  w.seq.Add(1) - 1,
		Status:    uint8(chunk.Status),
		Timestamp: chunk.Timestamp,
		Weights:   chunk.Weights,
		Audio:     chunk.Audio,
	})
	if err != nil {
		w.logger.Error("Failed to encode frame",
			slog.Int64("stream_id", int64(id)),
			slog.String("error", err.Error()),
		)
		w.metrics.RecordSendFailure()
	} else if _, err := w.conn.WriteToUDP(data, w.addr); err != nil {
		w.logger.Warn("Failed to send frame",
			slog.Int64("stream_id", int64(id)),
			slog.String("remote_addr", w.addr.String()),
			slog.String("error", err.Error()),
		)
		w.metrics.RecordSendFailure()
	} else {
		w.metrics.RecordFrameSent()
	}

	if chunk.Status == anim.StatusOKNoMoreData && w.finished.CompareAndSwap(false, true) {
		close(w.done)
	}
}

// Done is closed after the final chunk of the stream was sent
func (w *FrameWriter) Done() <-chan struct{} {
	return w.done
}

// Sent returns the number of frames written so far
func (w *FrameWriter) Sent() uint32 {
	return w.seq.Load()
}
