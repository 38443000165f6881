package audio

// Context identifies one of the adapter's four concurrent audio streams
// (§3 AudioStream, wire field audio_type).
type Context uint32

const (
	ContextMedia          Context = 1
	ContextNavigation     Context = 2
	ContextPhoneCall      Context = 3
	ContextVoiceAssistant Context = 4
)

func (c Context) String() string {
	switch c {
	case ContextMedia:
		return "media"
	case ContextNavigation:
		return "navigation"
	case ContextPhoneCall:
		return "phone_call"
	case ContextVoiceAssistant:
		return "voice_assistant"
	default:
		return "unknown"
	}
}

// allContexts enumerates every context the engine keeps a stream for.
var allContexts = [...]Context{ContextMedia, ContextNavigation, ContextPhoneCall, ContextVoiceAssistant}

// DefaultMinPlayMs is the premature-stop suppression window per context: a
// StopStream arriving within this many milliseconds of the stream starting
// to play is ignored unless fill_level_ms has already dropped below 50 ms
// (§4.5). NewEngine copies this in unless the caller's EngineConfig
// overrides it.
var DefaultMinPlayMs = map[Context]int{
	ContextMedia:          0,
	ContextNavigation:     300,
	ContextPhoneCall:      200,
	ContextVoiceAssistant: 200,
}

// PreFillConfig holds the pre-fill threshold table (§4.5): how much audio
// must be buffered before a context starts playing. Navigation and the
// high-sample-rate Media case get their own thresholds; everything else
// uses Default.
type PreFillConfig struct {
	DefaultMs       int
	NavigationMs    int
	MediaHighRateMs int
}

// DefaultPreFillConfig is the threshold table NewEngine uses when the
// caller doesn't supply its own.
var DefaultPreFillConfig = PreFillConfig{DefaultMs: 150, NavigationMs: 65, MediaHighRateMs: 130}

func preFillMsFor(ctx Context, f Format, cfg PreFillConfig) int {
	if ctx == ContextNavigation {
		return cfg.NavigationMs
	}
	if ctx == ContextMedia && (f.SampleRateHz == 44100 || f.SampleRateHz == 48000) {
		return cfg.MediaHighRateMs
	}
	return cfg.DefaultMs
}
