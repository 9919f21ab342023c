package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Protocol constants
const (
	// Packet types
	PacketTypeStart = 0x01
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03
	PacketTypeFrame = 0x04

	// Header flags
	FlagPaced       = 0x01 // Deliver audio to the backend in real time
	FlagPassthrough = 0x02 // Replace frame audio with the original input audio

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	StartPayloadSize       = 6  // 4 + 1 + 1 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)
	EndPayloadSize         = 4  // Sequence number (4 bytes)
	FramePayloadHeaderSize = 15 // 4 + 1 + 8 + 2 bytes

	// MaxPacketSize is the largest length the header can express
	MaxPacketSize = math.MaxUint16
)

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Flags:1]
type Header struct {
	PacketType uint8  // 0x01=Start, 0x02=Audio, 0x03=End, 0x04=Frame
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Sender-chosen stream identifier
	Flags      uint8  // FlagPaced | FlagPassthrough
}

// StartPayload announces the audio format of a new stream
// Layout: [SampleRate:4][Channels:1][ByteWidth:1]
type StartPayload struct {
	SampleRate uint32
	Channels   uint8
	ByteWidth  uint8 // 2 for int16 PCM, 4 for float32 PCM
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // Interleaved PCM audio data (variable length)
}

// EndPayload marks the end of input; Sequence follows the last audio packet
// Layout: [Sequence:4]
type EndPayload struct {
	Sequence uint32
}

// FramePayload is one animation frame sent back to the client
// Layout: [Sequence:4][Status:1][Timestamp:8][WeightCount:2][Weights:4*N][Audio:M]
type FramePayload struct {
	Sequence  uint32
	Status    uint8
	Timestamp float64
	Weights   []float32
	Audio     []byte
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header *Header
	Start  *StartPayload // Only set for start packets
	Audio  *AudioPayload // Only set for audio packets
	End    *EndPayload   // Only set for end packets
	Frame  *FramePayload // Only set for frame packets
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Flags:      data[7],
	}

	return header, nil
}

// ParseStartPayload parses the 6-byte start packet payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) < StartPayloadSize {
		return nil, fmt.Errorf("start payload too short: expected %d bytes, got %d",
			StartPayloadSize, len(data))
	}

	payload := &StartPayload{
		SampleRate: binary.BigEndian.Uint32(data[0:4]),
		Channels:   data[4],
		ByteWidth:  data[5],
	}

	if payload.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}
	if payload.Channels == 0 {
		return nil, fmt.Errorf("invalid channel count: 0")
	}
	if payload.ByteWidth != 2 && payload.ByteWidth != 4 {
		return nil, fmt.Errorf("invalid byte width: %d", payload.ByteWidth)
	}

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParseEndPayload parses the 4-byte end packet payload
func ParseEndPayload(data []byte) (*EndPayload, error) {
	if len(data) < EndPayloadSize {
		return nil, fmt.Errorf("end payload too short: expected %d bytes, got %d",
			EndPayloadSize, len(data))
	}
	return &EndPayload{Sequence: binary.BigEndian.Uint32(data[0:4])}, nil
}

// ParseFramePayload parses an animation frame payload
func ParseFramePayload(data []byte) (*FramePayload, error) {
	if len(data) < FramePayloadHeaderSize {
		return nil, fmt.Errorf("frame payload too short: expected at least %d bytes, got %d",
			FramePayloadHeaderSize, len(data))
	}

	payload := &FramePayload{
		Sequence:  binary.BigEndian.Uint32(data[0:4]),
		Status:    data[4],
		Timestamp: math.Float64frombits(binary.BigEndian.Uint64(data[5:13])),
	}

	count := int(binary.BigEndian.Uint16(data[13:15]))
	weightsEnd := FramePayloadHeaderSize + count*4
	if len(data) < weightsEnd {
		return nil, fmt.Errorf("frame payload too short for %d weights: got %d bytes", count, len(data))
	}

	payload.Weights = make([]float32, count)
	for i := range payload.Weights {
		off := FramePayloadHeaderSize + i*4
		payload.Weights[i] = math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4]))
	}

	if len(data) > weightsEnd {
		payload.Audio = make([]byte, len(data)-weightsEnd)
		copy(payload.Audio, data[weightsEnd:])
	}

	return payload, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeStart:
		payload, err := ParseStartPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		packet.Start = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeEnd:
		payload, err := ParseEndPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end payload: %w", err)
		}
		packet.End = payload

	case PacketTypeFrame:
		payload, err := ParseFramePayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse frame payload: %w", err)
		}
		packet.Frame = payload

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if !IsValidFlags(header.Flags) {
		return fmt.Errorf("invalid flags: 0x%02x", header.Flags)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeStart:
		if payloadSize != StartPayloadSize {
			return fmt.Errorf("start packet payload size mismatch: expected %d, got %d",
				StartPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeEnd:
		if payloadSize != EndPayloadSize {
			return fmt.Errorf("end packet payload size mismatch: expected %d, got %d",
				EndPayloadSize, payloadSize)
		}
	case PacketTypeFrame:
		if payloadSize < FramePayloadHeaderSize {
			return fmt.Errorf("frame packet payload too small: expected at least %d, got %d",
				FramePayloadHeaderSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype >= PacketTypeStart && ptype <= PacketTypeFrame
}

// IsValidFlags checks that no unknown flag bits are set
func IsValidFlags(flags uint8) bool {
	return flags&^(FlagPaced|FlagPassthrough) == 0
}

func putHeader(buf []byte, ptype uint8, streamID uint32, flags uint8) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = flags
}

func checkSize(size int) error {
	if size > MaxPacketSize {
		return fmt.Errorf("packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}
	return nil
}

// EncodeStart builds a start packet
func EncodeStart(streamID uint32, flags uint8, p *StartPayload) []byte {
	buf := make([]byte, HeaderSize+StartPayloadSize)
	putHeader(buf, PacketTypeStart, streamID, flags)
	binary.BigEndian.PutUint32(buf[8:12], p.SampleRate)
	buf[12] = p.Channels
	buf[13] = p.ByteWidth
	return buf
}

// EncodeAudio builds an audio packet
func EncodeAudio(streamID uint32, flags uint8, sequence uint32, audio []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(audio)
	if err := checkSize(size); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, streamID, flags)
	binary.BigEndian.PutUint32(buf[8:12], sequence)
	copy(buf[12:], audio)
	return buf, nil
}

// EncodeEnd builds an end packet
func EncodeEnd(streamID uint32, flags uint8, sequence uint32) []byte {
	buf := make([]byte, HeaderSize+EndPayloadSize)
	putHeader(buf, PacketTypeEnd, streamID, flags)
	binary.BigEndian.PutUint32(buf[8:12], sequence)
	return buf
}

// EncodeFrame builds a frame packet
func EncodeFrame(streamID uint32, p *FramePayload) ([]byte, error) {
	if len(p.Weights) > math.MaxUint16 {
		return nil, fmt.Errorf("too many weights: %d", len(p.Weights))
	}

	size := HeaderSize + FramePayloadHeaderSize + len(p.Weights)*4 + len(p.Audio)
	if err := checkSize(size); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeFrame, streamID, 0)

	payload := buf[HeaderSize:]
	binary.BigEndian.PutUint32(payload[0:4], p.Sequence)
	payload[4] = p.Status
	binary.BigEndian.PutUint64(payload[5:13], math.Float64bits(p.Timestamp))
	binary.BigEndian.PutUint16(payload[13:15], uint16(len(p.Weights)))

	off := FramePayloadHeaderSize
	for _, w := range p.Weights {
		binary.BigEndian.PutUint32(payload[off:off+4], math.Float32bits(w))
		off += 4
	}
	copy(payload[off:], p.Audio)
	return buf, nil
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeStart:
		packetType = "Start"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	case PacketTypeFrame:
		packetType = "Frame"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Flags:0x%02x}",
		packetType, h.PacketLen, h.StreamID, h.Flags)
}

// String returns a human-readable representation of the start payload
func (s *StartPayload) String() string {
	return fmt.Sprintf("StartPayload{SampleRate:%d, Channels:%d, ByteWidth:%d}",
		s.SampleRate, s.Channels, s.ByteWidth)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}

// String returns a human-readable representation of the frame payload
func (f *FramePayload) String() string {
	return fmt.Sprintf("FramePayload{Sequence:%d, Status:%d, Timestamp:%.3f, Weights:%d, AudioLen:%d}",
		f.Sequence, f.Status, f.Timestamp, len(f.Weights), len(f.Audio))
}
