package audio

import "math"

// SilenceFrame is a 20ms Opus packet that decodes to digital silence.
var SilenceFrame = []byte{0xf8, 0xff, 0xfe}

const (
	// LevelSilent is the RFC 6464 level (-dBov) of digital silence.
	LevelSilent uint8 = 127

	// DefaultThreshold is the average energy above which a participant
	// counts as speaking, on the 0-255 analyser scale.
	DefaultThreshold = 15.0

	dtxMaxBytes = 3
)

// Energy maps an RFC 6464 level to the 0-255 magnitude scale a frequency
// analyser reports, so thresholds stay comparable between local and
// remote participants.
func Energy(level uint8) float64 {
	if level >= LevelSilent {
		return 0
	}
	return 255 * math.Pow(10, -float64(level)/20)
}

// LevelFromPayload estimates a level from an Opus payload size when the
// sender did not stamp the audio-level extension. DTX and silence
// packets are at most a few bytes; voiced frames are much larger.
func LevelFromPayload(n int) uint8 {
	if n <= dtxMaxBytes {
		return LevelSilent
	}
	l := 90 - n
	switch {
	case l < 0:
		return 0
	case l > int(LevelSilent):
		return LevelSilent
	}
	return uint8(l)
}
