package passive

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/render"
)

var (
	ruleHeavy = strings.Repeat("=", 88)
	ruleLight = strings.Repeat("-", 88)
)

// Dumper writes captured payloads and TCP state to the console. Each block
// is written with a single Write so output from several workers never
// interleaves within a block.
type Dumper struct {
	mu     sync.Mutex
	w      io.Writer
	render render.Options

	server *color.Color
	client *color.Color
}

// NewDumper creates a dumper writing to w. Role tags in labels are colored
// when colored is set.
func NewDumper(w io.Writer, opts render.Options, colored bool) *Dumper {
	d := &Dumper{
		w:      w,
		render: opts,
		server: color.New(color.FgCyan, color.Bold),
		client: color.New(color.FgYellow, color.Bold),
	}
	if colored {
		d.server.EnableColor()
		d.client.EnableColor()
	} else {
		d.server.DisableColor()
		d.client.DisableColor()
	}
	return d
}

func (d *Dumper) write(b *bytes.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.w.Write(b.Bytes())
}

func (d *Dumper) tag(label string) string {
	switch {
	case strings.HasPrefix(label, RoleServer):
		return d.server.Sprint(RoleServer) + label[len(RoleServer):]
	case strings.HasPrefix(label, RoleClient):
		return d.client.Sprint(RoleClient) + label[len(RoleClient):]
	}
	return label
}

// Printf writes a single line.
func (d *Dumper) Printf(format string, args ...any) {
	var b bytes.Buffer
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	d.write(&b)
}

// Payload writes one read's worth of payload.
func (d *Dumper) Payload(label string, data []byte, total uint64) {
	var b bytes.Buffer
	b.WriteString(ruleHeavy + "\n")
	fmt.Fprintf(&b, "To %s (%d bytes, %d total):\n", d.tag(label), len(data), total)
	b.WriteString(ruleLight + "\n")
	b.WriteString(d.render.Render(data))
	b.WriteString("\n" + ruleHeavy + "\n")
	d.write(&b)
}

// TCPState writes a protocol state snapshot.
func (d *Dumper) TCPState(label string, info core.TCPInfo) {
	label = d.tag(label)
	var b bytes.Buffer
	b.WriteString(ruleHeavy + "\n")
	fmt.Fprintf(&b, "%s: fsm_state=%s rtt_us=%d rttvar_us=%d\n",
		label, info.State, info.RTT.Microseconds(), info.RTTVar.Microseconds())
	fmt.Fprintf(&b, "%s: snd mss=%d wscale=%d wnd=%d seq_nxt=%d retrans=%d zerowin=%d\n",
		label, info.SndMSS, info.SndWScale, info.SndWnd, info.SndNxt, info.SndRexmitPack, info.SndZeroWin)
	fmt.Fprintf(&b, "%s: snd ssthresh=%d cwnd=%d\n", label, info.SndSSThresh, info.SndCwnd)
	fmt.Fprintf(&b, "%s: rcv mss=%d wscale=%d wnd=%d seq_nxt=%d ooo=%d\n",
		label, info.RcvMSS, info.RcvWScale, info.RcvSpace, info.RcvNxt, info.RcvOOOPack)
	b.WriteString(ruleHeavy + "\n")
	d.write(&b)
}

// TCPStateError reports that the state snapshot was unavailable.
func (d *Dumper) TCPStateError(label string, err error) {
	d.Printf("%s: could not get TCP state (%v)", d.tag(label), err)
}
