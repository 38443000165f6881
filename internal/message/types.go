// Package message implements the typed representation of every protocol
// message variant carried over the framed USB transport (spec §6.2).
//
// Parsing is total: Parse never errors on an unrecognized type, returning an
// Opaque message instead so higher-level monitors can observe unknown
// traffic without the codec failing (spec §4.3). Every known variant is
// represented as its own struct, and callers dispatch with Go type switches
// over those structs (the session controller's handles only Plugged,
// Unplugged and Phase) rather than a single flexible/dynamic message struct
// — see DESIGN.md.
package message

// Type is a wire message type identifier (the frame header's type field).
type Type uint32

// Host -> Adapter message types.
const (
	TypeOpen            Type = 0x01
	TypeTouch           Type = 0x05
	TypeSendAudio       Type = 0x07
	TypeCommand         Type = 0x08
	TypeLogoType        Type = 0x09
	TypeDisconnectPhone Type = 0x0F
	TypeCloseAdapter    Type = 0x15
	TypeMultiTouch      Type = 0x17
	// TypeFrame is the periodic empty-payload frame trigger sent while
	// Connected/Streaming (§4.8 Timers), alongside the heartbeat.
	TypeFrame       Type = 0x18
	TypeBoxSettings Type = 0x19
	TypeSendFile    Type = 0x99
	TypeHeartbeat   Type = 0xAA
)

// Adapter -> Host message types.
const (
	TypePlugged            Type = 0x02
	TypePhase              Type = 0x03
	TypeUnplugged          Type = 0x04
	TypeVideoData          Type = 0x06
	TypeAudioData          Type = 0x07 // same wire value as TypeSendAudio; direction disambiguates
	TypeCommandEcho        Type = 0x08
	TypeNetworkMetadataMin Type = 0x0A
	TypeNetworkMetadataMax Type = 0x0E
	TypeManufacturerInfo   Type = 0x14
	TypeBoxSettingsEcho    Type = 0x19
	TypeMediaData          Type = 0x2A
	TypeSoftwareVersion    Type = 0xCC
)

// AudioCommand is the first byte of a 13-byte audio payload that carries a
// command rather than samples or a ducking float (spec §6.2).
type AudioCommand byte

const (
	AudioCmdOutputStart    AudioCommand = 1
	AudioCmdOutputStop     AudioCommand = 2
	AudioCmdInputConfig    AudioCommand = 3
	AudioCmdPhoneCallStart AudioCommand = 4
	AudioCmdPhoneCallStop  AudioCommand = 5
	AudioCmdNaviStart      AudioCommand = 6
	AudioCmdNaviStop       AudioCommand = 7
	AudioCmdSiriStart      AudioCommand = 8
	AudioCmdSiriStop       AudioCommand = 9
	AudioCmdMediaStart     AudioCommand = 10
	AudioCmdMediaStop      AudioCommand = 11
	AudioCmdAlertStart     AudioCommand = 12
	AudioCmdAlertStop      AudioCommand = 13
)

// audioHeaderSize is the fixed-size prefix of every audio payload: decode
// type (4), volume (4, float32), audio type (4).
const audioHeaderSize = 12
