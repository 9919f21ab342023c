package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/audio"
	"github.com/skypro1111/anim-stream-service/internal/audiosession"
	"github.com/skypro1111/anim-stream-service/internal/protocol"
)

// endGrace bounds how long an end packet waits for audio packets that are
// still in flight
const endGrace = 250 * time.Millisecond

// streamKey identifies a client stream; stream ids are chosen by clients
// and only unique per sender
type streamKey struct {
	addr string
	id   uint32
}

// ingestStream feeds one client stream into its audio session. Packets are
// handled on the stream's own goroutine so that paced sends never block the
// packet workers.
type ingestStream struct {
	key       streamKey
	streamID  int64
	flags     uint8
	format    *protocol.StartPayload
	session   *audiosession.Session
	writer    *FrameWriter
	reorder   *audio.ReorderBuffer
	queue     chan *protocol.ParsedPacket
	startedAt time.Time
	logger    *slog.Logger
}

// IngestInfo describes an active ingest stream
type IngestInfo struct {
	RemoteAddr     string            `json:"remote_addr"`
	ClientStreamID uint32            `json:"client_stream_id"`
	StreamID       int64             `json:"stream_id"`
	SampleRate     uint32            `json:"sample_rate"`
	Channels       uint8             `json:"channels"`
	ByteWidth      uint8             `json:"byte_width"`
	Paced          bool              `json:"paced"`
	Passthrough    bool              `json:"passthrough"`
	FramesSent     uint32            `json:"frames_sent"`
	StartedAt      time.Time         `json:"started_at"`
	Buffer         audio.BufferStats `json:"buffer"`
}

func newIngestStream(key streamKey, flags uint8, format *protocol.StartPayload, session *audiosession.Session,
	writer *FrameWriter, reorderWindow uint32, logger *slog.Logger) *ingestStream {
	return &ingestStream{
		key:       key,
		streamID:  int64(session.Ref().Stream),
		flags:     flags,
		format:    format,
		session:   session,
		writer:    writer,
		reorder:   audio.NewReorderBuffer(key.id, reorderWindow),
		queue:     make(chan *protocol.ParsedPacket, 256),
		startedAt: time.Now(),
		logger:    logger,
	}
}

func (st *ingestStream) enqueue(pkt *protocol.ParsedPacket) bool {
	select {
	case st.queue <- pkt:
		return true
	default:
		return false
	}
}

// run processes packets until the stream ends, idles out or ctx is done
func (st *ingestStream) run(ctx context.Context, timeout time.Duration) {
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	var (
		ending bool
		endSeq uint32
		grace  <-chan time.Time
	)

	for {
		select {
		case pkt := <-st.queue:
			switch {
			case pkt.Audio != nil:
				if !st.audio(ctx, pkt.Audio) {
					return
				}
			case pkt.End != nil:
				ending = true
				endSeq = pkt.End.Sequence
				grace = time.After(endGrace)
			}

			if ending && st.caughtUp(endSeq) {
				st.finish(ctx)
				return
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(timeout)

		case <-grace:
			st.logger.Debug("Audio packets missing at end of stream", slog.Uint64("end_sequence", uint64(endSeq)))
			st.finish(ctx)
			return

		case <-idle.C:
			st.logger.Warn("Ingest stream timed out", slog.Duration("timeout", timeout))
			st.session.Close(context.Background())
			return

		case <-ctx.Done():
			st.session.Close(context.Background())
			return
		}
	}
}

// audio reorders one packet and sends whatever became contiguous. It
// returns false once the session can no longer take audio.
func (st *ingestStream) audio(ctx context.Context, p *protocol.AudioPayload) bool {
	out, err := st.reorder.Add(p.Sequence, p.AudioData)
	if err != nil {
		st.logger.Debug("Audio packet dropped", slog.String("error", err.Error()))
		return true
	}
	if len(out) == 0 {
		return true
	}

	if !st.session.Send(ctx, out, false, nil, nil) && st.session.Ended() {
		st.logger.Info("Audio session ended early")
		return false
	}
	return true
}

// caughtUp reports whether every audio packet before endSeq was delivered
func (st *ingestStream) caughtUp(endSeq uint32) bool {
	next, ok := st.reorder.Expected()
	return !ok || int32(next-endSeq) >= 0
}

func (st *ingestStream) finish(ctx context.Context) {
	tail := st.reorder.Flush()
	if !st.session.Send(ctx, tail, true, nil, nil) {
		st.logger.Debug("Final send rejected")
	}
	st.session.Close(ctx)
}

func (st *ingestStream) info() IngestInfo {
	return IngestInfo{
		RemoteAddr:     st.key.addr,
		ClientStreamID: st.key.id,
		StreamID:       st.streamID,
		SampleRate:     st.format.SampleRate,
		Channels:       st.format.Channels,
		ByteWidth:      st.format.ByteWidth,
		Paced:          st.flags&protocol.FlagPaced != 0,
		Passthrough:    st.flags&protocol.FlagPassthrough != 0,
		FramesSent:     st.writer.Sent(),
		StartedAt:      st.startedAt,
		Buffer:         st.reorder.GetStats(),
	}
}
