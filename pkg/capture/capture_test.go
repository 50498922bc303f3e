package capture

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name  string
		ports []int
		want  string
	}{
		{"none", nil, "tcp"},
		{"single", []int{80}, "tcp and port 80"},
		{"sorted and deduplicated", []int{443, 80, 443}, "tcp and (port 80 or port 443)"},
		{"wildcard wins", []int{80, 0}, "tcp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildFilter(tt.ports))
		})
	}
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(Options{Interface: "eth0", Type: "carrier-pigeon"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func serializeTCP(t *testing.T, ip gopacket.SerializableLayer, tcp *layers.TCP, nl gopacket.NetworkLayer) []byte {
	t.Helper()
	require.NoError(t, tcp.SetNetworkLayerForChecksum(nl))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload("hi")))
	return buf.Bytes()
}

func TestDecodeIP(t *testing.T) {
	t.Run("ipv4", func(t *testing.T) {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(10, 0, 0, 1)}
		tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Window: 1024}
		data := serializeTCP(t, ip, tcp, ip)

		pkt, err := decodeIP(data)
		require.NoError(t, err)
		require.NotNil(t, pkt.Layer(layers.LayerTypeTCP))
		assert.Equal(t, layers.LayerTypeIPv4, pkt.NetworkLayer().LayerType())
		assert.Equal(t, len(data), pkt.Metadata().Length)
		assert.False(t, pkt.Metadata().Timestamp.IsZero())
	})

	t.Run("ipv6", func(t *testing.T) {
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
			SrcIP: net.ParseIP("fd00::2"), DstIP: net.ParseIP("fd00::1")}
		tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, ACK: true, Window: 1024}
		data := serializeTCP(t, ip, tcp, ip)

		pkt, err := decodeIP(data)
		require.NoError(t, err)
		assert.Equal(t, layers.LayerTypeIPv6, pkt.NetworkLayer().LayerType())
	})

	t.Run("bad version", func(t *testing.T) {
		_, err := decodeIP([]byte{0x20, 0, 0, 0})
		assert.Error(t, err)
		_, err = decodeIP(nil)
		assert.Error(t, err)
	})
}

func TestSourceEmitAndClose(t *testing.T) {
	s := newSource("test0", "test")
	feed := make(chan gopacket.Packet)
	s.start(func() {
		for {
			select {
			case pkt := <-feed:
				if !s.emit(pkt, 10) {
					return
				}
			case <-s.closing:
				return
			}
		}
	})

	junk := gopacket.NewPacket([]byte{0xff, 0xff}, layers.LayerTypeIPv4, gopacket.Default)
	feed <- junk

	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(10, 0, 0, 1)}
	good, err := decodeIP(serializeTCP(t, ip, &layers.TCP{SrcPort: 1, DstPort: 2}, ip))
	require.NoError(t, err)
	feed <- good

	select {
	case pkt := <-s.Packets():
		assert.Same(t, good, pkt)
	case <-time.After(time.Second):
		t.Fatal("no packet delivered")
	}

	require.NoError(t, s.Close())
	_, ok := <-s.Packets()
	assert.False(t, ok)

	m := s.Metrics()
	assert.Equal(t, uint64(2), m.PacketsReceived)
	assert.Equal(t, uint64(20), m.BytesReceived)
	assert.Equal(t, uint64(1), m.DecodeErrors)
	assert.Equal(t, "test0", s.Name())

	require.NoError(t, s.Close())
}
