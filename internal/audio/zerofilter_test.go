package audio

import (
	"testing"

	"pgregory.net/rapid"
)

func TestIsZeroPacketAllZero(t *testing.T) {
	if !isZeroPacket(make([]byte, 400)) {
		t.Error("expected all-zero payload to be detected")
	}
}

func TestIsZeroPacketOneNonZeroSample(t *testing.T) {
	pcm := make([]byte, 400)
	pcm[399] = 0x01 // lands in the near-end sample window
	if isZeroPacket(pcm) {
		t.Error("expected non-zero tail sample to defeat the filter")
	}
}

func TestIsZeroPacketShortPayloadNeverDropped(t *testing.T) {
	if isZeroPacket([]byte{0, 0, 0}) {
		t.Error("payloads under 4 bytes must never be classified as zero packets")
	}
}

// TestZeroFilterOnlyDropsAllZero is property P3: a PCM buffer with any
// non-zero byte at one of the five sampled offsets is never dropped.
func TestZeroFilterOnlyDropsAllZero(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(4, 512).Draw(t, "n")
		pcm := make([]byte, n)

		allZero := rapid.Bool().Draw(t, "allZero")
		if !allZero {
			offsets := sampleOffsets(n)
			idx := rapid.IntRange(0, 4).Draw(t, "idx")
			byteIdx := rapid.IntRange(0, 3).Draw(t, "byteIdx")
			pcm[offsets[idx]+byteIdx] = byte(rapid.IntRange(1, 255).Draw(t, "value"))
		}

		got := isZeroPacket(pcm)
		if allZero && !got {
			t.Fatalf("all-zero buffer of len %d not detected as zero packet", n)
		}
		if !allZero && got {
			t.Fatalf("buffer with a sampled non-zero byte was dropped as a zero packet")
		}
	})
}
