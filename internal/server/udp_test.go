package server

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/audio"
	"github.com/skypro1111/anim-stream-service/internal/backend"
	"github.com/skypro1111/anim-stream-service/internal/backend/sim"
	"github.com/skypro1111/anim-stream-service/internal/config"
	"github.com/skypro1111/anim-stream-service/internal/protocol"
	"github.com/skypro1111/anim-stream-service/internal/provider"
	"github.com/skypro1111/anim-stream-service/internal/registry"
	"github.com/skypro1111/anim-stream-service/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testService struct {
	config *config.Config
	pool   *stream.Pool
	prov   *provider.Provider
	udp    *UDPServer
}

func newTestService(t *testing.T, maxStreams int) *testService {
	t.Helper()
	logger := testLogger()

	cfg := &config.Config{
		Server: config.ServerConfig{
			UDPPort:              0,
			BindAddress:          "127.0.0.1",
			BufferSize:           65536,
			MaxConcurrentStreams: maxStreams,
			Workers:              1,
			ReorderWindow:        8,
		},
		Audio: config.AudioConfig{
			TargetSampleRate: 16000,
			RealtimeChunkMs:  35,
			StreamTimeout:    5,
		},
		Backend: config.BackendConfig{Type: "local", Provider: "local", FrameRate: 30, SampleRate: 16000},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}

	be := sim.New(sim.Config{FrameRate: 30, SampleRate: 16000}, logger)
	reg := registry.New(logger)
	pool := stream.NewPool(reg, logger, nil)

	prov, err := provider.New(context.Background(), provider.Config{
		Name:                  "local",
		Instance:              backend.InstanceParams{FrameRate: 30, SampleRate: 16000},
		MinimumInitialSamples: 1600,
	}, be, pool, logger)
	if err != nil {
		t.Fatalf("provider.New failed: %v", err)
	}

	udp := NewUDPServer(&cfg.Server, &cfg.Audio, prov, reg, logger, nil)
	if err := udp.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	t.Cleanup(func() {
		udp.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		prov.Close(ctx)
		pool.Stop(ctx)
	})

	return &testService{config: cfg, pool: pool, prov: prov, udp: udp}
}

func dialService(t *testing.T, s *testService) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, s.udp.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendStream(t *testing.T, conn *net.UDPConn, streamID uint32, flags uint8, samples int, order []int) {
	t.Helper()

	start := protocol.EncodeStart(streamID, flags, &protocol.StartPayload{SampleRate: 16000, Channels: 1, ByteWidth: 2})
	if _, err := conn.Write(start); err != nil {
		t.Fatalf("write start: %v", err)
	}

	pcm := audio.Int16ToBytes(make([]int16, samples))
	const step = 640 // 20ms
	var packets [][]byte
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		pkt, err := protocol.EncodeAudio(streamID, flags, uint32(len(packets)), pcm[off:end])
		if err != nil {
			t.Fatalf("EncodeAudio: %v", err)
		}
		packets = append(packets, pkt)
	}

	if order == nil {
		for i := range packets {
			order = append(order, i)
		}
	}
	for _, i := range order {
		if _, err := conn.Write(packets[i]); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}

	if _, err := conn.Write(protocol.EncodeEnd(streamID, flags, uint32(len(packets)))); err != nil {
		t.Fatalf("write end: %v", err)
	}
}

// readFrames collects frame packets until the final one or the deadline
func readFrames(t *testing.T, conn *net.UDPConn, timeout time.Duration) []*protocol.FramePayload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))

	var frames []*protocol.FramePayload
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Expected final frame, read failed after %d frames: %v", len(frames), err)
		}
		pkt, err := protocol.ParsePacket(buf[:n])
		if err != nil {
			t.Fatalf("Bad frame packet: %v", err)
		}
		if pkt.Frame == nil {
			t.Fatalf("Expected frame packet, got %s", pkt.Header.String())
		}
		frames = append(frames, pkt.Frame)
		if anim.Status(pkt.Frame.Status) == anim.StatusOKNoMoreData {
			return frames
		}
	}
}

func TestUDPStreamRoundTrip(t *testing.T) {
	s := newTestService(t, 4)
	conn := dialService(t, s)

	sendStream(t, conn, 7, 0, 16000, nil)
	frames := readFrames(t, conn, 5*time.Second)

	if len(frames) < 2 {
		t.Fatalf("Expected animation frames before the final one, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Sequence != uint32(i) {
			t.Errorf("Frame %d has sequence %d", i, f.Sequence)
		}
	}

	audioBytes := 0
	for _, f := range frames[:len(frames)-1] {
		if anim.Status(f.Status) != anim.StatusOK {
			t.Errorf("Expected OK frame, got status %d", f.Status)
		}
		if len(f.Weights) == 0 {
			t.Error("Expected blend shape weights on every frame")
		}
		audioBytes += len(f.Audio)
	}
	if audioBytes < 32000 {
		t.Errorf("Expected at least the input audio back, got %d bytes", audioBytes)
	}

	last := frames[len(frames)-1]
	if last.Timestamp != anim.TimestampUnknown {
		t.Errorf("Expected unknown timestamp on final frame, got %f", last.Timestamp)
	}

	stats := s.udp.GetStatistics()
	if stats.PacketsReceived == 0 || stats.ParseErrors != 0 {
		t.Errorf("Unexpected statistics: %+v", stats)
	}
}

func TestUDPStreamReordered(t *testing.T) {
	s := newTestService(t, 4)
	conn := dialService(t, s)

	// 10 packets of 20ms with two swapped pairs
	sendStream(t, conn, 9, 0, 3200, []int{0, 2, 1, 3, 4, 6, 5, 7, 8, 9})
	frames := readFrames(t, conn, 5*time.Second)

	audioBytes := 0
	for _, f := range frames {
		audioBytes += len(f.Audio)
	}
	if audioBytes < 6400 {
		t.Errorf("Expected all reordered audio to reach the backend, got %d bytes back", audioBytes)
	}
}

func TestUDPPassthroughReturnsInputFormat(t *testing.T) {
	s := newTestService(t, 4)
	conn := dialService(t, s)

	sendStream(t, conn, 11, protocol.FlagPassthrough, 8000, nil)
	frames := readFrames(t, conn, 5*time.Second)

	audioBytes := 0
	for _, f := range frames {
		audioBytes += len(f.Audio)
	}
	// Original audio is never returned beyond what was sent
	if audioBytes > 16000 {
		t.Errorf("Expected at most the original 16000 bytes, got %d", audioBytes)
	}
	if audioBytes == 0 {
		t.Error("Expected original audio on frames")
	}
}

func TestUDPRejectsStreamsBeyondLimit(t *testing.T) {
	s := newTestService(t, 1)
	conn := dialService(t, s)

	start := func(id uint32) {
		pkt := protocol.EncodeStart(id, 0, &protocol.StartPayload{SampleRate: 16000, Channels: 1, ByteWidth: 2})
		if _, err := conn.Write(pkt); err != nil {
			t.Fatalf("write start: %v", err)
		}
	}
	start(1)
	start(2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.udp.GetStatistics().RejectedStreams == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := s.udp.GetStatistics()
	if stats.RejectedStreams != 1 {
		t.Errorf("Expected one rejected stream, got %d", stats.RejectedStreams)
	}
	if stats.ActiveStreams != 1 {
		t.Errorf("Expected one active stream, got %d", stats.ActiveStreams)
	}
	if len(s.udp.Streams()) != 1 {
		t.Errorf("Expected one ingest stream listed, got %d", len(s.udp.Streams()))
	}
}

func TestUDPParseErrorsCounted(t *testing.T) {
	s := newTestService(t, 4)
	conn := dialService(t, s)

	if _, err := conn.Write([]byte{0xff, 0x00, 0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.udp.GetStatistics().ParseErrors == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if s.udp.GetStatistics().ParseErrors != 1 {
		t.Errorf("Expected one parse error, got %d", s.udp.GetStatistics().ParseErrors)
	}
}
