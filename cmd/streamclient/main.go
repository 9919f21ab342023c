// Command streamclient streams a WAV file to the service over TLV/UDP and
// prints the animation frames it receives back, one JSON object per line.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/audio"
	"github.com/skypro1111/anim-stream-service/internal/protocol"
)

type frameRecord struct {
	Sequence  uint32    `json:"sequence"`
	Status    string    `json:"status"`
	Timestamp float64   `json:"timestamp"`
	Weights   []float32 `json:"weights,omitempty"`
	AudioSize int       `json:"audio_bytes"`
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8082", "Service UDP address")
	input := flag.String("in", "", "WAV file to stream")
	output := flag.String("out", "", "Write the audio returned with the frames to this WAV file")
	packetMs := flag.Int("packet-ms", 20, "Audio per packet in milliseconds")
	paced := flag.Bool("paced", false, "Ask the service to pace audio to the backend in real time")
	passthrough := flag.Bool("passthrough", false, "Return the original audio with the frames")
	realtime := flag.Bool("realtime", true, "Send packets at the rate the audio plays")
	outputRate := flag.Int("output-rate", 16000, "Sample rate of returned audio when not in passthrough")
	timeout := flag.Duration("timeout", 30*time.Second, "Give up waiting for frames after this long")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *input == "" {
		fmt.Fprintln(os.Stderr, "-in is required")
		os.Exit(2)
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		logger.Error("Failed to read input", slog.String("error", err.Error()))
		os.Exit(1)
	}
	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		logger.Error("Failed to decode WAV", slog.String("error", err.Error()))
		os.Exit(1)
	}

	raddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		logger.Error("Failed to resolve address", slog.String("error", err.Error()))
		os.Exit(1)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		logger.Error("Failed to dial", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	var flags uint8
	if *paced {
		flags |= protocol.FlagPaced
	}
	if *passthrough {
		flags |= protocol.FlagPassthrough
	}
	streamID := rand.Uint32()

	logger.Info("Streaming audio",
		slog.String("input", *input),
		slog.Uint64("stream_id", uint64(streamID)),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
		slog.Float64("duration", audio.WAVDuration(pcm, format)),
	)

	frames := make(chan frameRecord, 64)
	returned := make(chan []byte, 1)
	go receive(conn, streamID, frames, returned, logger)

	go func() {
		if err := send(conn, streamID, flags, pcm, format, *packetMs, *realtime); err != nil {
			logger.Error("Failed to send audio", slog.String("error", err.Error()))
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	deadline := time.After(*timeout)
	count := 0
loop:
	for {
		select {
		case rec, ok := <-frames:
			if !ok {
				break loop
			}
			enc.Encode(rec)
			count++
		case <-deadline:
			logger.Warn("Timed out waiting for frames", slog.Int("frames", count))
			conn.Close()
			os.Exit(1)
		}
	}

	logger.Info("Stream finished", slog.Int("frames", count))

	if *output == "" {
		return
	}

	outFormat := anim.AudioFormat{SampleRate: *outputRate, Channels: 1, ByteWidth: 2}
	if *passthrough {
		outFormat = format
	}
	wav, err := audio.EncodeWAV(<-returned, outFormat)
	if err != nil {
		logger.Error("Failed to encode output", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := os.WriteFile(*output, wav, 0644); err != nil {
		logger.Error("Failed to write output", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Returned audio written", slog.String("output", *output))
}

// send writes the Start, Audio and End packets of one stream
func send(conn *net.UDPConn, streamID uint32, flags uint8, pcm []byte, format anim.AudioFormat, packetMs int, realtime bool) error {
	start := protocol.EncodeStart(streamID, flags, &protocol.StartPayload{
		SampleRate: uint32(format.SampleRate),
		Channels:   uint8(format.Channels),
		ByteWidth:  uint8(format.ByteWidth),
	})
	if _, err := conn.Write(start); err != nil {
		return fmt.Errorf("failed to send start: %w", err)
	}

	step := format.SampleRate * packetMs / 1000 * format.BytesPerFrame()
	if step <= 0 {
		return errors.New("packet size rounds to zero")
	}
	interval := time.Duration(packetMs) * time.Millisecond

	var seq uint32
	next := time.Now()
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		packet, err := protocol.EncodeAudio(streamID, flags, seq, pcm[off:end])
		if err != nil {
			return err
		}
		if _, err := conn.Write(packet); err != nil {
			return fmt.Errorf("failed to send audio: %w", err)
		}
		seq++

		if realtime {
			next = next.Add(interval)
			time.Sleep(time.Until(next))
		}
	}

	if _, err := conn.Write(protocol.EncodeEnd(streamID, flags, seq)); err != nil {
		return fmt.Errorf("failed to send end: %w", err)
	}
	return nil
}

// receive reads Frame packets until the final one, then closes frames and
// hands over the collected audio
func receive(conn *net.UDPConn, streamID uint32, frames chan<- frameRecord, returned chan<- []byte, logger *slog.Logger) {
	defer close(frames)

	var collected []byte
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			logger.Debug("Receive stopped", slog.String("error", err.Error()))
			returned <- collected
			return
		}

		pkt, err := protocol.ParsePacket(buf[:n])
		if err != nil {
			logger.Warn("Bad packet from service", slog.String("error", err.Error()))
			continue
		}
		if pkt.Frame == nil || pkt.Header.StreamID != streamID {
			continue
		}

		f := pkt.Frame
		collected = append(collected, f.Audio...)
		frames <- frameRecord{
			Sequence:  f.Sequence,
			Status:    anim.Status(f.Status).String(),
			Timestamp: f.Timestamp,
			Weights:   f.Weights,
			AudioSize: len(f.Audio),
		}

		if anim.Status(f.Status) == anim.StatusOKNoMoreData {
			returned <- collected
			return
		}
	}
}
