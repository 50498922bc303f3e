package core

import (
	"fmt"
	"net/netip"
	"strings"
)

// Capture types understood by the capture package.
const (
	CapturePcap = "pcap"
	CaptureTun  = "tun"
	CaptureRaw  = "raw"
)

// InterfaceConfig contains configuration for one capture interface.
type InterfaceConfig struct {
	// Name is the host interface (or TUN device) name.
	Name string `json:"name" yaml:"name"`

	// Type is the capture type: pcap, tun or raw.
	Type string `json:"type" yaml:"type"`

	// Promiscuous puts the interface and its listeners in promiscuous mode.
	// It is forced on when any listener uses port 0 or a wildcard address.
	Promiscuous bool `json:"promiscuous" yaml:"promiscuous"`

	// Instance is the per-type sequence number used to build Alias.
	Instance int `json:"-" yaml:"-"`

	// Alias is the stack-side name of the interface, e.g. "pcap0".
	Alias string `json:"-" yaml:"-"`

	// CDom is the collision domain of the interface. Promiscuous listeners
	// only observe traffic arriving on interfaces of their own domain.
	CDom int `json:"-" yaml:"-"`

	// SnapLen is the capture snapshot length. Zero uses the capture default.
	SnapLen int `json:"snapLen,omitempty" yaml:"snapLen,omitempty"`

	// MTU is used by tun captures. Zero uses the capture default.
	MTU int `json:"mtu,omitempty" yaml:"mtu,omitempty"`

	// Listeners are the passive listeners hosted by this interface.
	Listeners []ListenerConfig `json:"listeners" yaml:"listeners"`
}

// ListenerConfig contains configuration for one passive listener.
type ListenerConfig struct {
	// Address is the listen address. "0.0.0.0", "::" and "*" mean any.
	Address string `json:"address" yaml:"address"`

	// Port is the listen port. Zero means any port. It must be set.
	Port *int `json:"port" yaml:"port"`

	// Verbose is the output level: 0 quiet, 1 payloads, 2 payloads and TCP state.
	Verbose int `json:"verbose" yaml:"verbose"`
}

// PortValue returns the configured port, or -1 when unset.
func (l ListenerConfig) PortValue() int {
	if l.Port == nil {
		return -1
	}
	return *l.Port
}

// IntPtr is a helper for building ListenerConfig values.
func IntPtr(v int) *int { return &v }

// ParseAddress parses a listen address. "*" is an alias for 0.0.0.0.
func ParseAddress(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return netip.IPv4Unspecified(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr.Unmap(), nil
}
