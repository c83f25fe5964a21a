package peernet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DebugState represents the complete state of a Peer for debugging purposes.
type DebugState struct {
	Identity  string `json:"identity"`
	Instance  string `json:"instance,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Running   bool   `json:"running"`
	Encrypted bool   `json:"encrypted"`

	// Protocol version
	Version string `json:"version"`

	// Remote peers known to the membership table
	Peers []DebugPeer `json:"peers"`

	Config DebugConfig `json:"config"`

	// Statistics summary
	PeersWithStats int `json:"peers_with_stats"`

	// Timestamp when state was captured
	CapturedAt time.Time `json:"captured_at"`
}

// DebugPeer represents one membership entry for debugging.
type DebugPeer struct {
	Identity  string `json:"identity"`
	Instance  string `json:"instance,omitempty"`
	State     string `json:"state"`
	Direction string `json:"direction"`
	Endpoint  string `json:"endpoint,omitempty"`
	IdleFor   string `json:"idle_for"`
	Evasive   bool   `json:"evasive,omitempty"`
	Silent    bool   `json:"silent,omitempty"`
}

// DebugConfig represents configuration summary for debugging.
type DebugConfig struct {
	BeaconInterval   string `json:"beacon_interval"`
	HandshakeTimeout string `json:"handshake_timeout"`
	EvasiveTimeout   string `json:"evasive_timeout"`
	SilentTimeout    string `json:"silent_timeout"`
	ExpiredTimeout   string `json:"expired_timeout"`
	SendQueueSize    int    `json:"send_queue_size"`
	MaxMessageSize   int    `json:"max_message_size"`
	EventBufferSize  int    `json:"event_buffer_size"`
}

// DumpState captures the current state of the peer for debugging.
// This is useful for troubleshooting discovery and handshake issues.
func (p *Peer) DumpState() *DebugState {
	now := time.Now()
	state := &DebugState{
		Identity:       p.id.String(),
		Instance:       p.Instance(),
		Endpoint:       p.Endpoint(),
		Running:        p.Running(),
		Encrypted:      p.cfg.Encrypted,
		Version:        CurrentProtocolVersion().String(),
		Config:         p.dumpConfig(),
		PeersWithStats: p.stats.len(),
		CapturedAt:     now,
	}

	for _, e := range p.table.List("") {
		state.Peers = append(state.Peers, DebugPeer{
			Identity:  e.Identity.String(),
			Instance:  e.Instance,
			State:     e.State.String(),
			Direction: e.Direction.String(),
			Endpoint:  e.Endpoint,
			IdleFor:   now.Sub(e.LastSeen).Round(time.Millisecond).String(),
			Evasive:   e.Evasive,
			Silent:    e.Silent,
		})
	}

	return state
}

func (p *Peer) dumpConfig() DebugConfig {
	return DebugConfig{
		BeaconInterval:   p.cfg.BeaconInterval.String(),
		HandshakeTimeout: p.cfg.HandshakeTimeout.String(),
		EvasiveTimeout:   p.cfg.EvasiveTimeout.String(),
		SilentTimeout:    p.cfg.SilentTimeout.String(),
		ExpiredTimeout:   p.cfg.ExpiredTimeout.String(),
		SendQueueSize:    p.cfg.SendQueueSize,
		MaxMessageSize:   p.cfg.MaxMessageSize,
		EventBufferSize:  p.cfg.EventBufferSize,
	}
}

// DumpStateJSON returns the peer state as formatted JSON.
func (p *Peer) DumpStateJSON() (string, error) {
	state := p.DumpState()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(data), nil
}

// DumpStateString returns a human-readable string representation of the peer state.
func (p *Peer) DumpStateString() string {
	state := p.DumpState()
	var sb strings.Builder

	sb.WriteString("=== Peernet Peer Debug State ===\n\n")

	sb.WriteString("IDENTITY:\n")
	fmt.Fprintf(&sb, "  Identity:  %s\n", state.Identity)
	if state.Instance != "" {
		fmt.Fprintf(&sb, "  Instance:  %s\n", state.Instance)
	}
	if state.Endpoint != "" {
		fmt.Fprintf(&sb, "  Endpoint:  %s\n", state.Endpoint)
	}
	fmt.Fprintf(&sb, "  Running:   %t\n", state.Running)
	fmt.Fprintf(&sb, "  Encrypted: %t\n", state.Encrypted)
	fmt.Fprintf(&sb, "  Version:   %s\n", state.Version)
	sb.WriteString("\n")

	sb.WriteString("PEERS:\n")
	if len(state.Peers) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, dp := range state.Peers {
		flags := ""
		if dp.Silent {
			flags = " (SILENT)"
		} else if dp.Evasive {
			flags = " (EVASIVE)"
		}
		fmt.Fprintf(&sb, "  - %s %s %s idle %s%s\n", dp.Identity, dp.State, dp.Direction, dp.IdleFor, flags)
	}
	sb.WriteString("\n")

	sb.WriteString("CONFIGURATION:\n")
	fmt.Fprintf(&sb, "  Beacon Interval:    %s\n", state.Config.BeaconInterval)
	fmt.Fprintf(&sb, "  Handshake Timeout:  %s\n", state.Config.HandshakeTimeout)
	fmt.Fprintf(&sb, "  Liveness:           %s / %s / %s\n",
		state.Config.EvasiveTimeout, state.Config.SilentTimeout, state.Config.ExpiredTimeout)
	fmt.Fprintf(&sb, "  Send Queue:         %d\n", state.Config.SendQueueSize)
	fmt.Fprintf(&sb, "  Max Message Size:   %d bytes\n", state.Config.MaxMessageSize)
	sb.WriteString("\n")

	sb.WriteString("STATISTICS:\n")
	fmt.Fprintf(&sb, "  Peers tracked: %d\n", state.PeersWithStats)
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "Captured at: %s\n", state.CapturedAt.Format(time.RFC3339))
	sb.WriteString("================================\n")

	return sb.String()
}

// ConnectionSummary returns the number of known peers per state.
func (p *Peer) ConnectionSummary() map[string]int {
	out := make(map[string]int)
	for _, e := range p.table.List("") {
		out[e.State.String()]++
	}
	return out
}
