package passive

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/evloop"
)

// Connection monitors one side of an observed flow. It is owned by the
// goroutine running its listener's loop.
type Connection struct {
	l       *Listener
	role    string
	label   string
	sock    core.Socket
	ctx     *evloop.Context
	watcher *evloop.Watcher

	bytesRead uint64
	closed    bool
}

func newConnection(l *Listener, role string, sock core.Socket, ctx *evloop.Context) *Connection {
	c := &Connection{
		l:     l,
		role:  role,
		label: label(role, sock),
		sock:  sock,
		ctx:   ctx,
	}
	c.watcher = ctx.NewWatcher(c.onReadReady, c)
	return c
}

// Label returns e.g. "SERVER (10.0.0.1:80 <- 192.168.1.5:40000)".
func (c *Connection) Label() string { return c.label }

// BytesRead returns the total number of bytes read.
func (c *Connection) BytesRead() uint64 { return c.bytesRead }

func (c *Connection) metricRole() string { return strings.ToLower(c.role) }

func (c *Connection) onReadReady(*evloop.Watcher) {
	l := c.l
	n, err := c.sock.Readable()
	if err == nil && n == 0 {
		l.rec.SpuriousReadiness(l.ifc.Alias)
		l.log.WithField("conn", c.label).WithError(ErrSpuriousReadiness).Error("Read watcher fired with nothing to read")
		c.close(ErrSpuriousReadiness)
		return
	}
	if err != nil || n < 0 {
		if err == nil {
			err = fmt.Errorf("negative readable count %d", n)
		}
		c.close(err)
		return
	}

	buf := l.buf[:len(l.buf)-1]
	read, err := c.sock.Read(buf)
	if err != nil {
		if errors.Is(err, core.ErrWouldBlock) {
			return
		}
		c.close(err)
		return
	}
	data := buf[:read]
	c.bytesRead += uint64(read)
	l.bytesRead += uint64(read)
	l.rec.BytesRead(l.ifc.Alias, c.metricRole(), read)

	if l.cfg.Verbose > 1 {
		info, err := c.sock.TCPInfo()
		if err != nil {
			l.out.TCPStateError(c.label, err)
		} else {
			l.out.TCPState(c.label, info)
		}
	}
	if l.cfg.Verbose > 0 {
		l.out.Payload(c.label, data, c.bytesRead)
	}
}

// close stops the watcher, detaches and closes the socket and forgets the
// connection. Only the first call has any effect.
func (c *Connection) close(reason error) {
	if c.closed {
		return
	}
	c.closed = true

	l := c.l
	entry := l.log.WithField("conn", c.label).WithField("bytes", c.bytesRead)
	switch {
	case reason == nil:
	case errors.Is(reason, io.EOF):
		entry.Infof("%s: can't read, closing", c.label)
	default:
		entry.WithError(reason).Warnf("%s: read error, closing", c.label)
	}

	l.loop.Stop(c.watcher)
	c.ctx.Detach()
	_ = c.sock.Close()
	delete(l.conns, c)
	l.closedConns++
	l.rec.ConnectionClosed(l.ifc.Alias, c.metricRole())
}
