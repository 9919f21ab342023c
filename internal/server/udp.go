package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/audiosession"
	"github.com/skypro1111/anim-stream-service/internal/config"
	"github.com/skypro1111/anim-stream-service/internal/metrics"
	"github.com/skypro1111/anim-stream-service/internal/protocol"
)

// UDPServer receives TLV audio streams and sends animation frames back to
// the sender of each stream
type UDPServer struct {
	conn        *net.UDPConn
	config      *config.ServerConfig
	audioConfig *config.AudioConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	provider    audiosession.Provider
	consumers   ConsumerSet

	// Concurrency management
	ctx       context.Context
	cancel    context.CancelFunc
	recvWG    sync.WaitGroup
	workerWG  sync.WaitGroup
	streamWG  sync.WaitGroup
	closeOnce sync.Once

	// Packet processing
	packetChan chan *incomingPacket

	mu      sync.RWMutex
	streams map[streamKey]*ingestStream

	// Basic counters, mirrored in Prometheus
	statsMu          sync.RWMutex
	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	rejectedStreams  uint64
}

// ConsumerSet tracks the lifetime of frame writers and how many consumers
// still listen to a stream
type ConsumerSet interface {
	audiosession.StreamCounter
	Register(c anim.Consumer)
	Unregister(c anim.Consumer)
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, audioCfg *config.AudioConfig, provider audiosession.Provider,
	consumers ConsumerSet, logger *slog.Logger, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &UDPServer{
		config:      cfg,
		audioConfig: audioCfg,
		logger:      logger,
		metrics:     m,
		provider:    provider,
		consumers:   consumers,
		ctx:         ctx,
		cancel:      cancel,
		packetChan:  make(chan *incomingPacket, 1000),
		streams:     make(map[streamKey]*ingestStream),
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", s.workers()),
	)

	for i := 0; i < s.workers(); i++ {
		s.workerWG.Add(1)
		go s.packetProcessor(i)
	}

	s.recvWG.Add(1)
	go s.receiveLoop()

	return nil
}

func (s *UDPServer) workers() int {
	if s.config.Workers > 0 {
		return s.config.Workers
	}
	return 4
}

// Addr returns the bound address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop ends every ingest stream and stops the server
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	// The receive loop must exit before the packet channel can be closed
	s.recvWG.Wait()
	s.closeOnce.Do(func() { close(s.packetChan) })
	s.workerWG.Wait()

	// Streams end their audio sessions on cancellation and may still send
	// final frames, so the socket closes last
	s.streamWG.Wait()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("rejected_streams", stats.RejectedStreams),
	)

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.recvWG.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Periodic deadline so cancellation is noticed
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			return
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.statsMu.Lock()
		s.packetsReceived++
		s.statsMu.Unlock()
		s.metrics.RecordPacketReceived()

		// The read buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.packetChan <- packet:
		default:
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
		s.metrics.SetQueueSize(len(s.packetChan))
	}
}

// packetProcessor processes packets from the packet channel
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.workerWG.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.packetChan {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket parses one packet and routes it
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.statsMu.Lock()
		s.parseErrors++
		s.statsMu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.statsMu.Lock()
	s.packetsProcessed++
	s.statsMu.Unlock()
	s.metrics.RecordPacketProcessed()

	key := streamKey{addr: packet.remoteAddr.String(), id: parsed.Header.StreamID}

	switch parsed.Header.PacketType {
	case protocol.PacketTypeStart:
		s.startStream(key, parsed, packet.remoteAddr, workerID)
	case protocol.PacketTypeAudio, protocol.PacketTypeEnd:
		s.route(key, parsed, workerID)
	default:
		s.logger.Warn("Unexpected packet type from client",
			slog.Uint64("client_stream_id", uint64(parsed.Header.StreamID)),
			slog.String("header", parsed.Header.String()),
			slog.Int("worker_id", workerID),
		)
	}
}

// startStream opens an audio session for a new client stream
func (s *UDPServer) startStream(key streamKey, pkt *protocol.ParsedPacket, remote *net.UDPAddr, workerID int) {
	logger := s.logger.With(
		slog.String("remote_addr", key.addr),
		slog.Uint64("client_stream_id", uint64(key.id)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.streams[key]; exists {
		logger.Warn("Duplicate start packet ignored", slog.Int("worker_id", workerID))
		return
	}
	if len(s.streams) >= s.config.MaxConcurrentStreams {
		s.statsMu.Lock()
		s.rejectedStreams++
		s.statsMu.Unlock()
		logger.Warn("Too many concurrent streams, rejecting start",
			slog.Int("max_concurrent_streams", s.config.MaxConcurrentStreams),
		)
		return
	}

	flags := pkt.Header.Flags
	session, err := audiosession.New(audiosession.Config{
		SampleRate:           int(pkt.Start.SampleRate),
		Channels:             int(pkt.Start.Channels),
		ByteWidth:            int(pkt.Start.ByteWidth),
		TargetSampleRate:     s.audioConfig.TargetSampleRate,
		Burst:                flags&protocol.FlagPaced == 0,
		RealtimeChunkSamples: s.audioConfig.GetRealtimeChunkSamples(),
		MaxInitialChunk:      s.audioConfig.GetMaxInitialChunk(),
		Passthrough:          flags&protocol.FlagPassthrough != 0,
	}, s.provider, s.consumers, logger, s.metrics)
	if err != nil {
		logger.Error("Failed to create audio session", slog.String("error", err.Error()))
		return
	}

	writer := NewFrameWriter(s.conn, remote, key.id, logger, s.metrics)
	s.consumers.Register(writer)
	if !session.Start(s.ctx, writer) {
		s.consumers.Unregister(writer)
		logger.Error("Failed to start audio session")
		return
	}

	st := newIngestStream(key, flags, pkt.Start, session, writer, uint32(s.config.ReorderWindow), logger)
	s.streams[key] = st

	s.streamWG.Add(1)
	go func() {
		defer s.streamWG.Done()
		st.run(s.ctx, s.audioConfig.GetStreamTimeoutDuration())
		s.removeStream(key, st)
	}()

	logger.Info("Ingest stream started",
		slog.Int64("stream_id", st.streamID),
		slog.String("format", pkt.Start.String()),
		slog.Bool("paced", flags&protocol.FlagPaced != 0),
		slog.Bool("passthrough", flags&protocol.FlagPassthrough != 0),
	)
}

// route hands an audio or end packet to its stream
func (s *UDPServer) route(key streamKey, pkt *protocol.ParsedPacket, workerID int) {
	s.mu.RLock()
	st, exists := s.streams[key]
	s.mu.RUnlock()

	if !exists {
		s.logger.Warn("Received packet for unknown stream",
			slog.String("remote_addr", key.addr),
			slog.Uint64("client_stream_id", uint64(key.id)),
			slog.String("header", pkt.Header.String()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	if !st.enqueue(pkt) {
		s.logger.Warn("Stream queue full, dropping packet",
			slog.String("remote_addr", key.addr),
			slog.Uint64("client_stream_id", uint64(key.id)),
			slog.Int("worker_id", workerID),
		)
	}
}

func (s *UDPServer) removeStream(key streamKey, st *ingestStream) {
	s.mu.Lock()
	if s.streams[key] == st {
		delete(s.streams, key)
	}
	s.mu.Unlock()
	s.consumers.Unregister(st.writer)

	st.logger.Info("Ingest stream finished",
		slog.Uint64("frames_sent", uint64(st.writer.Sent())),
		slog.Duration("duration", time.Since(st.startedAt)),
	)
}

// Streams returns a snapshot of the active ingest streams
func (s *UDPServer) Streams() []IngestInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]IngestInfo, 0, len(s.streams))
	for _, st := range s.streams {
		infos = append(infos, st.info())
	}
	return infos
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	active := len(s.streams)
	s.mu.RUnlock()

	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		RejectedStreams:  s.rejectedStreams,
		ActiveStreams:    uint64(active),
		QueueSize:        uint64(len(s.packetChan)),
		QueueCapacity:    uint64(cap(s.packetChan)),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	RejectedStreams  uint64 `json:"rejected_streams"`
	ActiveStreams    uint64 `json:"active_streams"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
