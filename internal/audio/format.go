package audio

// Format describes a PCM layout: sample rate, channel count, and bit depth.
type Format struct {
	SampleRateHz int
	Channels     int
	BitsPerSample int
}

// BytesPerMs returns how many bytes of this format one millisecond of audio
// occupies. Used to convert ring buffer occupancy into a fill level.
func (f Format) BytesPerMs() int {
	return f.SampleRateHz * f.Channels * f.BitsPerSample / 8 / 1000
}

// formatTable maps the wire decode_type field (§6.2 AudioData) to the PCM
// format the adapter is about to stream.
var formatTable = map[uint32]Format{
	1: {SampleRateHz: 44100, Channels: 2, BitsPerSample: 16},
	2: {SampleRateHz: 44100, Channels: 2, BitsPerSample: 16},
	3: {SampleRateHz: 8000, Channels: 1, BitsPerSample: 16},
	4: {SampleRateHz: 48000, Channels: 2, BitsPerSample: 16},
	5: {SampleRateHz: 16000, Channels: 1, BitsPerSample: 16},
	6: {SampleRateHz: 24000, Channels: 1, BitsPerSample: 16},
	7: {SampleRateHz: 16000, Channels: 2, BitsPerSample: 16},
}

// FormatForDecodeType returns the PCM format for a decode_type value, and
// false if the value is unrecognized.
func FormatForDecodeType(decodeType uint32) (Format, bool) {
	f, ok := formatTable[decodeType]
	return f, ok
}
