package orchestrator

import (
	"math"
	"time"
)

// RMSVAD is a Root Mean Square voice activity detector over mono PCM16.
// Silence is measured in audio time rather than wall-clock time, so a
// detector fed from a file behaves the same as one fed from a microphone.
type RMSVAD struct {
	threshold    float64
	silenceLimit time.Duration
	sampleRate   int
	isSpeaking   bool
	silence      time.Duration

	// Hysteresis and confirmed speech detection
	consecutiveFrames int
	minConfirmed      int
	lastRMS           float64
}

// NewRMSVAD creates a new RMS-based VAD for audio at sampleRate.
func NewRMSVAD(threshold float64, silenceLimit time.Duration, sampleRate int) *RMSVAD {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &RMSVAD{
		threshold:    threshold,
		silenceLimit: silenceLimit,
		sampleRate:   sampleRate,
		minConfirmed: 3, // three 20ms frames above threshold before onset
	}
}

// SetMinConfirmed sets the number of consecutive frames needed to confirm speech start
func (v *RMSVAD) SetMinConfirmed(count int) {
	if count < 1 {
		count = 1
	}
	v.minConfirmed = count
}

// SetThreshold updates the RMS threshold
func (v *RMSVAD) SetThreshold(threshold float64) {
	v.threshold = threshold
}

func (v *RMSVAD) Threshold() float64 {
	return v.threshold
}

// LastRMS returns the RMS of the last processed chunk
func (v *RMSVAD) LastRMS() float64 {
	return v.lastRMS
}

func (v *RMSVAD) IsSpeaking() bool {
	return v.isSpeaking
}

func (v *RMSVAD) Process(chunk []byte) (*VADEvent, error) {
	rms := CalculateRMS(chunk)
	v.lastRMS = rms
	now := time.Now().UnixMilli()

	if rms > v.threshold {
		v.consecutiveFrames++
		v.silence = 0
		if !v.isSpeaking {
			// a run of loud frames filters out clicks and echo pops
			if v.consecutiveFrames >= v.minConfirmed {
				v.isSpeaking = true
				return &VADEvent{Type: VADSpeechStart, Timestamp: now}, nil
			}
		}
		return nil, nil
	}

	v.consecutiveFrames = 0
	if v.isSpeaking {
		v.silence += v.chunkDuration(chunk)
		if v.silence >= v.silenceLimit {
			v.isSpeaking = false
			v.silence = 0
			return &VADEvent{Type: VADSpeechEnd, Timestamp: now}, nil
		}
	}
	return &VADEvent{Type: VADSilence, Timestamp: now}, nil
}

func (v *RMSVAD) Name() string {
	return "rms_vad"
}

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silence = 0
	v.consecutiveFrames = 0
}

func (v *RMSVAD) Clone() VADProvider {
	return &RMSVAD{
		threshold:    v.threshold,
		silenceLimit: v.silenceLimit,
		sampleRate:   v.sampleRate,
		minConfirmed: v.minConfirmed,
	}
}

func (v *RMSVAD) chunkDuration(chunk []byte) time.Duration {
	return time.Duration(len(chunk)/2) * time.Second / time.Duration(v.sampleRate)
}

// CalculateRMS returns the normalised RMS of mono PCM16 little-endian audio.
func CalculateRMS(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
