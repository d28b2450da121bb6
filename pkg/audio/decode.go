package audio

import "fmt"

// Decode turns synthesized audio into mono float32 samples and reports the
// sample rate. format is "wav", "pcm_s16le" or "pcm_f32le"; sampleRate is
// required for the raw formats and ignored for wav.
func Decode(data []byte, format string, sampleRate int) ([]float32, int, error) {
	switch format {
	case "wav", "":
		samples, info, err := DecodeWAV(data)
		if err != nil {
			return nil, 0, err
		}
		return samples, info.SampleRate, nil
	case "pcm_s16le":
		if sampleRate <= 0 {
			return nil, 0, fmt.Errorf("audio: %s needs a sample rate", format)
		}
		return PCM16ToFloat32(data), sampleRate, nil
	case "pcm_f32le":
		if sampleRate <= 0 {
			return nil, 0, fmt.Errorf("audio: %s needs a sample rate", format)
		}
		return F32LEToFloat32(data), sampleRate, nil
	default:
		return nil, 0, fmt.Errorf("audio: unsupported format %q", format)
	}
}
