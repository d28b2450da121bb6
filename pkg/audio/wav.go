package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
	wavExtensible  = 0xFFFE
)

var ErrInvalidWAV = errors.New("invalid wav data")

// NewWavBuffer wraps mono PCM16 little-endian samples in a 44-byte RIFF header.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	return EncodeWAV(pcm, sampleRate, 1)
}

// EncodeWAV wraps interleaved PCM16 little-endian samples in a RIFF header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	blockAlign := channels * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// WAVInfo describes the fmt chunk of a decoded file.
type WAVInfo struct {
	Format        int
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// DecodeWAV reads 16-bit, 24-bit or 32-bit integer PCM and 32-bit float WAV
// data and returns it downmixed to mono float32.
func DecodeWAV(data []byte) ([]float32, WAVInfo, error) {
	var info WAVInfo
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, info, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var pcm []byte
	haveFmt := false
	for p := 12; p+8 <= len(data); {
		id := string(data[p : p+4])
		size := int(binary.LittleEndian.Uint32(data[p+4 : p+8]))
		body := data[p+8:]
		if size > len(body) {
			// streaming encoders leave the size at 0xFFFFFFFF
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, info, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			info.Format = int(binary.LittleEndian.Uint16(body[0:2]))
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			if info.Format == wavExtensible && size >= 26 {
				info.Format = int(binary.LittleEndian.Uint16(body[24:26]))
			}
			haveFmt = true
		case "data":
			pcm = body
		}

		p += 8 + size
		if size%2 == 1 {
			p++
		}
	}
	if !haveFmt || pcm == nil {
		return nil, info, fmt.Errorf("%w: missing fmt or data chunk", ErrInvalidWAV)
	}
	if info.Channels < 1 {
		return nil, info, fmt.Errorf("%w: %d channels", ErrInvalidWAV, info.Channels)
	}

	var samples []float32
	switch {
	case info.Format == wavFormatPCM && info.BitsPerSample == 16:
		samples = PCM16ToFloat32(pcm)
	case info.Format == wavFormatPCM && info.BitsPerSample == 24:
		samples = pcm24ToFloat32(pcm)
	case info.Format == wavFormatPCM && info.BitsPerSample == 32:
		samples = pcm32ToFloat32(pcm)
	case info.Format == wavFormatFloat && info.BitsPerSample == 32:
		samples = F32LEToFloat32(pcm)
	default:
		return nil, info, fmt.Errorf("%w: unsupported format %d with %d bits", ErrInvalidWAV, info.Format, info.BitsPerSample)
	}
	return Downmix(samples, info.Channels), info, nil
}

// PCM16ToFloat32 converts little-endian PCM16 to float32 in [-1, 1).
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
	}
	return out
}

// F32LEToFloat32 reinterprets little-endian float32 bytes.
func F32LEToFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

func pcm24ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/3)
	for i := range out {
		b := pcm[3*i:]
		v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
		out[i] = float32(v) / 8388608
	}
	return out
}

func pcm32ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/4)
	for i := range out {
		out[i] = float32(float64(int32(binary.LittleEndian.Uint32(pcm[4*i:]))) / 2147483648)
	}
	return out
}

// Downmix averages interleaved channels into mono. Mono input is returned
// as is.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[f*channels+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}
