package capture

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

type rawSource struct {
	*source
	conn *ipv4.RawConn
	buf  []byte
}

func openRaw(opts Options) (Source, error) {
	addr, err := interfaceAddr(opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("raw: %w", err)
	}
	c, err := net.ListenPacket("ip4:tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("raw: listen on %s: %w", addr, err)
	}
	rc, err := ipv4.NewRawConn(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("raw: %w", err)
	}

	s := &rawSource{source: newSource(opts.Interface, "raw"), conn: rc, buf: make([]byte, opts.SnapLen)}
	s.log.WithField("addr", addr).Debugf("Raw socket bound")
	s.start(s.read)
	return s, nil
}

// interfaceAddr returns the first IPv4 address of the named interface. A
// literal IPv4 address is accepted as well.
func interfaceAddr(name string) (net.IP, error) {
	if ip := net.ParseIP(name); ip != nil && ip.To4() != nil {
		return ip.To4(), nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return ipn.IP.To4(), nil
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", name)
}

func (s *rawSource) read() {
	defer s.conn.Close()

	for !s.closed() {
		_ = s.conn.SetReadDeadline(time.Now().Add(pollTimeout))
		h, payload, _, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.errs.Add(1)
			s.log.WithError(err).Warn("Raw read failed")
			continue
		}

		hdr, err := h.Marshal()
		if err != nil {
			s.packets.Add(1)
			s.decodeErrs.Add(1)
			continue
		}
		data := make([]byte, 0, len(hdr)+len(payload))
		data = append(append(data, hdr...), payload...)
		pkt, err := decodeIP(data)
		if err != nil {
			s.packets.Add(1)
			s.decodeErrs.Add(1)
			continue
		}
		if !s.emit(pkt, len(data)) {
			return
		}
	}
}
