package main

import (
	"bytes"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/passivetap/pkg/core"
)

func parse(args ...string) (*ifaceBuilder, error) {
	b := &ifaceBuilder{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	b.register(fs)
	return b, fs.Parse(args)
}

func TestOrderedFlags(t *testing.T) {
	b, err := parse(
		"-i", "eth0", "-t", "pcap", "-l", "10.0.0.1", "-p", "80", "-l", "0.0.0.0", "-p", "443",
		"-i", "tun7", "-t", "tun", "-P", "-l", "10.1.0.1", "-p", "8080",
	)
	require.NoError(t, err)
	require.Len(t, b.interfaces, 2)

	eth := b.interfaces[0]
	assert.Equal(t, "eth0", eth.Name)
	assert.Equal(t, core.CapturePcap, eth.Type)
	assert.False(t, eth.Promiscuous)
	require.Len(t, eth.Listeners, 2)
	assert.Equal(t, "10.0.0.1", eth.Listeners[0].Address)
	assert.Equal(t, 80, eth.Listeners[0].PortValue())
	assert.Equal(t, 443, eth.Listeners[1].PortValue())

	tun := b.interfaces[1]
	assert.Equal(t, core.CaptureTun, tun.Type)
	assert.True(t, tun.Promiscuous)
	require.Len(t, tun.Listeners, 1)
	assert.Equal(t, 8080, tun.Listeners[0].PortValue())
}

func TestOrderedFlagsDefaultType(t *testing.T) {
	b, err := parse("-i", "eth0", "-l", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, core.CapturePcap, b.interfaces[0].Type)
	assert.Equal(t, -1, b.interfaces[0].Listeners[0].PortValue())
}

func TestOrderedFlagsRejected(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"listen before interface", []string{"-l", "10.0.0.1"}, "no interface specified"},
		{"type before interface", []string{"-t", "pcap"}, "no interface specified"},
		{"promiscuous before interface", []string{"-P"}, "no interface specified"},
		{"port before listen", []string{"-i", "eth0", "-p", "80"}, "no listen address specified"},
		{"port after new interface", []string{"-i", "eth0", "-l", "10.0.0.1", "-i", "eth1", "-p", "80"}, "no listen address specified"},
		{"unknown type", []string{"-i", "eth0", "-t", "netmap"}, "unknown interface type netmap"},
		{"non-numeric port", []string{"-i", "eth0", "-l", "10.0.0.1", "-p", "http"}, "invalid port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no interface", nil, "no interfaces specified"},
		{"no listen address", []string{"-i", "eth0"}, "no listen addresses specified for interface eth0"},
		{"missing port", []string{"-i", "eth0", "-l", "10.0.0.1"}, "no port given for listen address 10.0.0.1"},
		{"port out of range", []string{"-i", "eth0", "-l", "10.0.0.1", "-p", "70000"}, "out of range"},
		{"bad address", []string{"-i", "eth0", "-l", "10.0.0.300", "-p", "80"}, "10.0.0.300"},
		{"ordering", []string{"-p", "80"}, "no listen address specified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, out, "Usage:")
		})
	}
}

func TestRootCommandHelp(t *testing.T) {
	out, err := execute("-h")
	require.NoError(t, err)
	assert.Contains(t, out, "--listen")
	assert.Contains(t, out, "-P, --promiscuous")
}
