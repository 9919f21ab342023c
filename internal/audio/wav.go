package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/skypro1111/anim-stream-service/internal/anim"
)

// wavFormatChunk is the body of a PCM "fmt " chunk
type wavFormatChunk struct {
	AudioFormat   uint16 // 1 for PCM, 3 for IEEE float
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// EncodeWAV wraps interleaved PCM bytes in a WAV container
func EncodeWAV(pcm []byte, format anim.AudioFormat) ([]byte, error) {
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", format.SampleRate)
	}
	if format.Channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", format.Channels)
	}

	audioFormat := uint16(1)
	switch format.ByteWidth {
	case 2:
	case 4:
		audioFormat = 3
	default:
		return nil, fmt.Errorf("unsupported sample byte width: %d", format.ByteWidth)
	}

	fmtChunk := wavFormatChunk{
		AudioFormat:   audioFormat,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate * format.BytesPerFrame()),
		BlockAlign:    uint16(format.BytesPerFrame()),
		BitsPerSample: uint16(format.ByteWidth * 8),
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	if err := binary.Write(buf, binary.LittleEndian, fmtChunk); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// DecodeWAV extracts the PCM payload and its format from a WAV file. Unknown
// chunks such as LIST are skipped.
func DecodeWAV(data []byte) ([]byte, anim.AudioFormat, error) {
	var format anim.AudioFormat

	if len(data) < 12 {
		return nil, format, fmt.Errorf("WAV data too short: got %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, format, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, format, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		haveFmt bool
		fc      wavFormatChunk
	)

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// Streams written on the fly often leave the data size unset
			if id == "data" && haveFmt {
				size = len(data) - body
			} else {
				return nil, format, fmt.Errorf("invalid WAV file: chunk %q overruns data", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, format, fmt.Errorf("invalid WAV file: fmt chunk too short")
			}
			if err := binary.Read(bytes.NewReader(data[body:body+16]), binary.LittleEndian, &fc); err != nil {
				return nil, format, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, format, fmt.Errorf("invalid WAV file: data before fmt chunk")
			}
			format = anim.AudioFormat{
				SampleRate: int(fc.SampleRate),
				Channels:   int(fc.NumChannels),
				ByteWidth:  int(fc.BitsPerSample / 8),
			}
			if err := validateWAVFormat(fc); err != nil {
				return nil, format, err
			}
			pcm := make([]byte, size)
			copy(pcm, data[body:body+size])
			return pcm, format, nil
		}

		// Chunks are padded to even sizes
		off = body + size + size%2
	}

	return nil, format, fmt.Errorf("invalid WAV file: missing data chunk")
}

func validateWAVFormat(fc wavFormatChunk) error {
	switch {
	case fc.AudioFormat == 1 && fc.BitsPerSample == 16:
	case fc.AudioFormat == 3 && fc.BitsPerSample == 32:
	default:
		return fmt.Errorf("unsupported WAV encoding: format %d with %d bits", fc.AudioFormat, fc.BitsPerSample)
	}
	if fc.NumChannels == 0 {
		return fmt.Errorf("invalid WAV file: zero channels")
	}
	if fc.SampleRate == 0 {
		return fmt.Errorf("invalid sample rate: 0")
	}
	return nil
}

// WAVDuration returns the playback length of pcm in seconds
func WAVDuration(pcm []byte, format anim.AudioFormat) float64 {
	frame := format.BytesPerFrame()
	if frame == 0 || format.SampleRate == 0 {
		return 0
	}
	return float64(len(pcm)/frame) / float64(format.SampleRate)
}
