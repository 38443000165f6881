package audio

// isZeroPacket implements the zero-packet filter (§4.5/§4.6, P3): sample
// five 4-byte offsets spread across the payload (start, 25%, 50%, 75%, near
// the end) and report whether all five are entirely zero. A payload shorter
// than 4 bytes is never treated as a zero packet (nothing to drop).
func isZeroPacket(pcm []byte) bool {
	if len(pcm) < 4 {
		return false
	}
	offsets := sampleOffsets(len(pcm))
	for _, off := range offsets {
		for i := 0; i < 4; i++ {
			if pcm[off+i] != 0 {
				return false
			}
		}
	}
	return true
}

// sampleOffsets returns five byte offsets into a buffer of length n (each
// with room for a 4-byte read), clamped so the offsets never overlap past
// the end of the buffer.
func sampleOffsets(n int) [5]int {
	last := n - 4
	at := func(frac int) int {
		o := (n * frac) / 100
		if o > last {
			o = last
		}
		if o < 0 {
			o = 0
		}
		return o
	}
	return [5]int{at(0), at(25), at(50), at(75), last}
}
