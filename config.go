package carbridge

import "carbridge/internal/audio"

// PhoneType is sent as the Open handshake's mode field. It does not affect
// the frame interval, which comes from FrameIntervalMs or FPS.
type PhoneType int

const (
	PhoneTypeCarPlay PhoneType = iota
	PhoneTypeAndroidAuto
)

// Config holds every tunable named in §6.5 plus the supplemental per-context
// thresholds carbridge keeps configurable rather than hard-coded (Open
// Questions decision).
type Config struct {
	PhoneType PhoneType

	ScreenWidth, ScreenHeight uint32
	FPS                       uint32

	// FrameIntervalMs is the negotiated video frame interval; 0 means derive
	// it from FPS.
	FrameIntervalMs int

	PairTimeoutMs     int
	HeartbeatPeriodMs int
	MaxRetries        int

	// PreFillMsDefault/PreFillMsNavigation/PreFillMsMediaHighRate mirror the
	// per-context pre-fill threshold table (§4.5 Open Questions).
	PreFillMsDefault        int
	PreFillMsNavigation     int
	PreFillMsMediaHighRate  int

	// MinPlayMs is the premature-stop suppression window per context.
	MinPlayMs map[audio.Context]int

	UnderrunRecoveryThreshold int

	VideoBackpressureThreshold int
	VideoTargetQueueDepth      int

	// RecentAudioActivityWindowMs is how long the status monitor considers
	// a context "recently active" after its last AudioData (§4.10).
	RecentAudioActivityWindowMs int
}

// DefaultConfig returns the configuration spec.md's defaults describe.
func DefaultConfig() Config {
	return Config{
		PhoneType:       PhoneTypeCarPlay,
		ScreenWidth:     800,
		ScreenHeight:    480,
		FPS:             30,
		FrameIntervalMs: 33,

		PairTimeoutMs:     15000,
		HeartbeatPeriodMs: 2000,
		MaxRetries:        3,

		PreFillMsDefault:       150,
		PreFillMsNavigation:    65,
		PreFillMsMediaHighRate: 130,

		MinPlayMs: map[audio.Context]int{
			audio.ContextMedia:          0,
			audio.ContextNavigation:     300,
			audio.ContextPhoneCall:      200,
			audio.ContextVoiceAssistant: 200,
		},

		UnderrunRecoveryThreshold: 10,

		VideoBackpressureThreshold: 16,
		VideoTargetQueueDepth:      4,

		RecentAudioActivityWindowMs: 5000,
	}
}
