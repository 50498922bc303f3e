package passive

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/render"
)

func TestDumperPayloadBlock(t *testing.T) {
	var buf bytes.Buffer
	d := NewDumper(&buf, render.Default, false)

	d.Payload("SERVER (10.0.0.1:80 <- 10.0.0.2:5000)", []byte("hello, passive world\x00\x01trailing text"), 42)

	want := strings.Repeat("=", 88) + "\n" +
		"To SERVER (10.0.0.1:80 <- 10.0.0.2:5000) (35 bytes, 42 total):\n" +
		strings.Repeat("-", 88) + "\n" +
		"hello, passive world<2>trailing text\n" +
		strings.Repeat("=", 88) + "\n"
	assert.Equal(t, want, buf.String())
}

func TestDumperRendersSkippedRuns(t *testing.T) {
	var buf bytes.Buffer
	d := NewDumper(&buf, render.Default, false)

	data := append([]byte("0123456789AB"), make([]byte, 50)...)
	data = append(data, []byte("tail-text-here")...)
	d.Payload("CLIENT (a <- b)", data, uint64(len(data)))

	assert.Contains(t, buf.String(), "0123456789AB<50>tail-text-here\n")
}

func TestDumperTCPState(t *testing.T) {
	var buf bytes.Buffer
	d := NewDumper(&buf, render.Default, false)

	d.TCPState("CLIENT (x <- y)", core.TCPInfo{State: core.StateFinWait1, SndCwnd: 10, RcvOOOPack: 3})
	out := buf.String()

	assert.Contains(t, out, "CLIENT (x <- y): fsm_state=FIN_WAIT_1 rtt_us=0 rttvar_us=0\n")
	assert.Contains(t, out, "CLIENT (x <- y): snd ssthresh=0 cwnd=10\n")
	assert.Contains(t, out, "CLIENT (x <- y): rcv mss=0 wscale=0 wnd=0 seq_nxt=0 ooo=3\n")
	assert.Equal(t, 6, strings.Count(out, "\n"))

	buf.Reset()
	d.TCPStateError("CLIENT (x <- y)", errors.New("closed"))
	assert.Equal(t, "CLIENT (x <- y): could not get TCP state (closed)\n", buf.String())
}

func TestDumperColorsRoleTag(t *testing.T) {
	var buf bytes.Buffer
	d := NewDumper(&buf, render.Default, true)

	d.Printf("%s", d.tag("SERVER (a <- b)"))
	out := buf.String()

	assert.Contains(t, out, "\x1b[")
	assert.Contains(t, out, "SERVER")
	assert.True(t, strings.HasSuffix(out, " (a <- b)\n"))
}
