package message

import (
	"encoding/binary"
	"math"
	"testing"

	"pgregory.net/rapid"
)

func le32bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestParseUnknownTypeIsOpaque(t *testing.T) {
	m := Parse(Type(0xDEADBEEF), []byte{1, 2, 3})
	op, ok := m.(Opaque)
	if !ok {
		t.Fatalf("got %T, want Opaque", m)
	}
	if op.Type != Type(0xDEADBEEF) || len(op.Payload) != 3 {
		t.Errorf("unexpected opaque contents: %+v", op)
	}
}

func TestParseTruncatedKnownTypeIsOpaque(t *testing.T) {
	// TypeOpen wants 28 bytes; give it 4.
	m := Parse(TypeOpen, []byte{1, 2, 3, 4})
	if _, ok := m.(Opaque); !ok {
		t.Fatalf("got %T, want Opaque for truncated Open payload", m)
	}
}

func TestParseHeartbeatAndPlugged(t *testing.T) {
	if _, ok := Parse(TypeHeartbeat, nil).(Heartbeat); !ok {
		t.Error("expected Heartbeat")
	}
	if _, ok := Parse(TypePlugged, nil).(Plugged); !ok {
		t.Error("expected Plugged")
	}
	if _, ok := Parse(TypeUnplugged, nil).(Unplugged); !ok {
		t.Error("expected Unplugged")
	}
}

func TestParseNetworkMetadataRange(t *testing.T) {
	for sub := TypeNetworkMetadataMin; sub <= TypeNetworkMetadataMax; sub++ {
		m := Parse(sub, []byte{0xAB})
		nm, ok := m.(NetworkMetadata)
		if !ok {
			t.Fatalf("type %#x: got %T, want NetworkMetadata", sub, m)
		}
		if nm.SubType != sub {
			t.Errorf("subtype = %#x, want %#x", nm.SubType, sub)
		}
	}
}

// TestAudioHeaderViewDiscipline is property P2: the PCM/command/ducking view
// handed back in AudioData.Rest must be an exact re-slice of payload[12:],
// never a copy — the header's 12 bytes must never leak into Rest.
func TestAudioHeaderViewDiscipline(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		decodeType := rapid.Uint32().Draw(t, "decodeType")
		audioType := rapid.Uint32().Draw(t, "audioType")
		volume := rapid.Float32().Draw(t, "volume")
		tail := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "tail")

		payload := append([]byte{}, le32bytes(decodeType)...)
		payload = append(payload, le32bytes(math.Float32bits(volume))...)
		payload = append(payload, le32bytes(audioType)...)
		payload = append(payload, tail...)

		m := Parse(TypeAudioData, payload)
		ad, ok := m.(AudioData)
		if !ok {
			t.Fatalf("got %T, want AudioData", m)
		}

		if len(ad.Rest) != len(tail) {
			t.Fatalf("Rest len = %d, want %d", len(ad.Rest), len(tail))
		}
		// Verify Rest aliases payload's backing array at the correct offset:
		// mutating payload[12:] must be visible through ad.Rest.
		if len(tail) > 0 {
			payload[12] ^= 0xFF
			if ad.Rest[0] != payload[12] {
				t.Fatal("AudioData.Rest is not a view into payload[12:]; header-view discipline violated")
			}
		}
		if ad.DecodeType != decodeType || ad.AudioType != audioType {
			t.Fatalf("decodeType/audioType mismatch: got (%d,%d) want (%d,%d)",
				ad.DecodeType, ad.AudioType, decodeType, audioType)
		}
	})
}

func TestAudioDataCommandAndDucking(t *testing.T) {
	cmdPayload := append([]byte{}, le32bytes(5)...)
	cmdPayload = append(cmdPayload, le32bytes(0)...)
	cmdPayload = append(cmdPayload, le32bytes(3)...)
	cmdPayload = append(cmdPayload, byte(AudioCmdSiriStart))

	m := Parse(TypeAudioData, cmdPayload)
	ad, ok := m.(AudioData)
	if !ok || !ad.IsCommand || ad.Command != AudioCmdSiriStart {
		t.Fatalf("got %+v, want IsCommand with AudioCmdSiriStart", m)
	}

	duckPayload := append([]byte{}, le32bytes(1)...)
	duckPayload = append(duckPayload, le32bytes(0)...)
	duckPayload = append(duckPayload, le32bytes(1)...)
	duckPayload = append(duckPayload, le32bytes(math.Float32bits(0.5))...)

	m = Parse(TypeAudioData, duckPayload)
	ad, ok = m.(AudioData)
	if !ok || !ad.IsDuckingSignal || ad.DuckingDuration != 0.5 {
		t.Fatalf("got %+v, want IsDuckingSignal with duration 0.5", m)
	}
}

func TestParseMultiTouchRejectsMisalignedPayload(t *testing.T) {
	m := Parse(TypeMultiTouch, []byte{1, 2, 3})
	if _, ok := m.(Opaque); !ok {
		t.Fatalf("got %T, want Opaque for misaligned MultiTouch payload", m)
	}
}

func TestParseSendFileRoundTrip(t *testing.T) {
	name := "logo.png"
	content := []byte{0x89, 0x50, 0x4E, 0x47}

	payload := le32bytes(uint32(len(name)))
	payload = append(payload, []byte(name)...)
	payload = append(payload, le32bytes(uint32(len(content)))...)
	payload = append(payload, content...)

	m := Parse(TypeSendFile, payload)
	sf, ok := m.(SendFile)
	if !ok {
		t.Fatalf("got %T, want SendFile", m)
	}
	if sf.Name != name {
		t.Errorf("name = %q, want %q", sf.Name, name)
	}
	if string(sf.Content) != string(content) {
		t.Errorf("content = %v, want %v", sf.Content, content)
	}
}
