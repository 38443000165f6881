package carbridge

import (
	"sync"
	"time"

	"carbridge/internal/audio"
	"carbridge/internal/message"
)

// ConnectionType describes which physical path the adapter link is using.
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionWired
	ConnectionWireless
)

// StatusSnapshot is a point-in-time copy of everything StatusMonitor
// observes. Never commands the adapter (§4.10).
type StatusSnapshot struct {
	Phase            uint32
	ConnectionType   ConnectionType
	FirmwareVersion  string
	ManufacturerInfo []byte
	BoxSettings      map[string]any
	// NetworkMetadata holds the raw bytes of every Bluetooth/Wi-Fi
	// credential message the adapter has sent, keyed by its wire sub-type
	// (0x0A-0x0E).
	NetworkMetadata map[message.Type][]byte
	RecentlyActive  map[audio.Context]bool
}

// StatusMonitor passively observes inbound adapter messages.
type StatusMonitor struct {
	mu sync.Mutex

	phase            uint32
	connectionType   ConnectionType
	firmwareVersion  string
	manufacturerInfo []byte
	boxSettings      map[string]any
	networkMetadata  map[message.Type][]byte

	lastAudioAt    map[audio.Context]time.Time
	activityWindow time.Duration
}

// NewStatusMonitor returns a StatusMonitor considering a context "recently
// active" for activityWindow after its last observed AudioData.
func NewStatusMonitor(activityWindow time.Duration) *StatusMonitor {
	return &StatusMonitor{
		lastAudioAt:     make(map[audio.Context]time.Time),
		networkMetadata: make(map[message.Type][]byte),
		activityWindow:  activityWindow,
	}
}

// Observe updates the monitor's view from one inbound message. It is pure
// observation: the monitor never writes back to the adapter.
func (m *StatusMonitor) Observe(msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := msg.(type) {
	case message.Phase:
		m.phase = v.Value
	case message.SoftwareVersion:
		m.firmwareVersion = string(v.Raw)
	case message.ManufacturerInfo:
		m.manufacturerInfo = v.Raw
	case message.BoxSettings:
		m.boxSettings = v.Parsed
	case message.AudioData:
		m.lastAudioAt[audio.Context(v.AudioType)] = time.Now()
	case message.NetworkMetadata:
		m.networkMetadata[v.SubType] = v.Raw
		// Bluetooth/Wi-Fi credentials only ever accompany a wireless
		// adapter link (§4.10), so their mere presence is the connection
		// type signal — stronger evidence than the Wired default below.
		m.connectionType = ConnectionWireless
	}
}

// SetConnectionType records a default connection type once the handshake
// completes. It never overwrites a type already inferred from observed
// data (e.g. NetworkMetadata implying Wireless), so a caller should call it
// with its best guess only, not as an unconditional override.
func (m *StatusMonitor) SetConnectionType(t ConnectionType) {
	m.mu.Lock()
	if m.connectionType == ConnectionUnknown {
		m.connectionType = t
	}
	m.mu.Unlock()
}

// Snapshot returns the monitor's current view.
func (m *StatusMonitor) Snapshot() StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[audio.Context]bool, len(m.lastAudioAt))
	now := time.Now()
	for ctx, at := range m.lastAudioAt {
		active[ctx] = now.Sub(at) <= m.activityWindow
	}

	netMeta := make(map[message.Type][]byte, len(m.networkMetadata))
	for t, raw := range m.networkMetadata {
		netMeta[t] = raw
	}

	return StatusSnapshot{
		Phase:            m.phase,
		ConnectionType:   m.connectionType,
		FirmwareVersion:  m.firmwareVersion,
		ManufacturerInfo: m.manufacturerInfo,
		BoxSettings:      m.boxSettings,
		NetworkMetadata:  netMeta,
		RecentlyActive:   active,
	}
}
