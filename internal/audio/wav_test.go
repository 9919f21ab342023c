package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/skypro1111/anim-stream-service/internal/anim"
)

func sineWave(sampleRate int, seconds float64, frequency float64) []int16 {
	n := int(float64(sampleRate) * seconds)
	samples := make([]int16, n)
	for i := range samples {
		tm := float64(i) / float64(sampleRate)
		samples[i] = int16(16383.0 * math.Sin(2*math.Pi*frequency*tm))
	}
	return samples
}

func TestWAVRoundTrip(t *testing.T) {
	formats := []anim.AudioFormat{
		{SampleRate: 16000, Channels: 1, ByteWidth: 2},
		{SampleRate: 48000, Channels: 2, ByteWidth: 2},
		{SampleRate: 44100, Channels: 1, ByteWidth: 4},
	}

	for _, format := range formats {
		pcm := Int16ToBytes(sineWave(format.SampleRate, 0.05, 440))
		pcm = pcm[:len(pcm)/format.BytesPerFrame()*format.BytesPerFrame()]

		wav, err := EncodeWAV(pcm, format)
		if err != nil {
			t.Fatalf("EncodeWAV(%+v) failed: %v", format, err)
		}
		if len(wav) != 44+len(pcm) {
			t.Errorf("Expected WAV size %d, got %d", 44+len(pcm), len(wav))
		}

		decoded, gotFormat, err := DecodeWAV(wav)
		if err != nil {
			t.Fatalf("DecodeWAV failed: %v", err)
		}
		if gotFormat != format {
			t.Errorf("Expected format %+v, got %+v", format, gotFormat)
		}
		if !bytes.Equal(decoded, pcm) {
			t.Errorf("Decoded PCM differs from input for %+v", format)
		}
	}
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	format := anim.AudioFormat{SampleRate: 8000, Channels: 1, ByteWidth: 2}
	pcm := []byte{1, 0, 2, 0}
	wav, err := EncodeWAV(pcm, format)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Insert an odd-sized LIST chunk between fmt and data
	var list bytes.Buffer
	list.WriteString("LIST")
	binary.Write(&list, binary.LittleEndian, uint32(3))
	list.Write([]byte{'a', 'b', 'c', 0})

	withList := append([]byte{}, wav[:36]...)
	withList = append(withList, list.Bytes()...)
	withList = append(withList, wav[36:]...)

	decoded, _, err := DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Errorf("Expected %v, got %v", pcm, decoded)
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "too short", data: []byte("RIFF")},
		{name: "not riff", data: []byte("RIFX\x00\x00\x00\x00WAVE")},
		{name: "not wave", data: []byte("RIFF\x00\x00\x00\x00AVI ")},
		{name: "no data chunk", data: []byte("RIFF\x04\x00\x00\x00WAVE")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestEncodeWAVValidation(t *testing.T) {
	if _, err := EncodeWAV(nil, anim.AudioFormat{SampleRate: 0, Channels: 1, ByteWidth: 2}); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := EncodeWAV(nil, anim.AudioFormat{SampleRate: 8000, Channels: 1, ByteWidth: 3}); err == nil {
		t.Error("Expected error for 24-bit samples")
	}
}

func TestWAVDuration(t *testing.T) {
	format := anim.AudioFormat{SampleRate: 16000, Channels: 2, ByteWidth: 2}
	pcm := make([]byte, 16000*4/2)
	if d := WAVDuration(pcm, format); math.Abs(d-0.5) > 1e-9 {
		t.Errorf("Expected 0.5s, got %f", d)
	}
}
