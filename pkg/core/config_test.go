package core

import (
	"testing"
)

// TestListenerConfigPort tests the optional port accessor.
func TestListenerConfigPort(t *testing.T) {
	var l ListenerConfig
	if l.PortValue() != -1 {
		t.Errorf("Expected unset port to be -1, got %d", l.PortValue())
	}

	l.Port = IntPtr(0)
	if l.PortValue() != 0 {
		t.Errorf("Expected port 0, got %d", l.PortValue())
	}

	l.Port = IntPtr(8080)
	if l.PortValue() != 8080 {
		t.Errorf("Expected port 8080, got %d", l.PortValue())
	}
}

// TestInterfaceConfig tests the InterfaceConfig structure.
func TestInterfaceConfig(t *testing.T) {
	config := InterfaceConfig{
		Name:        "eth0",
		Type:        CapturePcap,
		Promiscuous: true,
		Listeners: []ListenerConfig{
			{Address: "10.0.0.1", Port: IntPtr(80)},
			{Address: "0.0.0.0", Port: IntPtr(0), Verbose: 2},
		},
	}

	if config.Type != "pcap" {
		t.Errorf("Expected Type to be 'pcap', got '%s'", config.Type)
	}
	if len(config.Listeners) != 2 {
		t.Fatalf("Expected 2 listeners, got %d", len(config.Listeners))
	}
	if config.Listeners[1].Verbose != 2 {
		t.Errorf("Expected Verbose to be 2, got %d", config.Listeners[1].Verbose)
	}
}

// TestStrings tests the String methods of options and states.
func TestStrings(t *testing.T) {
	if OptKeepInit.String() != "keepinit" {
		t.Errorf("Expected 'keepinit', got '%s'", OptKeepInit.String())
	}
	if Option(99).String() != "unknown" {
		t.Errorf("Expected 'unknown', got '%s'", Option(99).String())
	}
	if StateEstablished.String() != "ESTABLISHED" {
		t.Errorf("Expected 'ESTABLISHED', got '%s'", StateEstablished.String())
	}
	if TCPState(200).String() != "UNKNOWN" {
		t.Errorf("Expected 'UNKNOWN', got '%s'", TCPState(200).String())
	}
}

// TestParseAddress tests listen address parsing.
func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("*")
	if err != nil || !addr.IsUnspecified() {
		t.Errorf("Expected '*' to be unspecified, got %v (%v)", addr, err)
	}

	addr, err = ParseAddress("::ffff:10.0.0.1")
	if err != nil || addr.String() != "10.0.0.1" {
		t.Errorf("Expected mapped address to unmap to 10.0.0.1, got %v (%v)", addr, err)
	}

	if _, err := ParseAddress("not-an-ip"); err == nil {
		t.Error("Expected error for unparsable address")
	}
}
