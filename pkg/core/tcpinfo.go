package core

import "time"

// TCPState is the protocol state of an observed flow from one endpoint's view.
type TCPState uint8

// TCP states reported by TCPInfo.
const (
	StateClosed TCPState = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateCloseWait
	StateFinWait1
	StateClosing
	StateLastAck
	StateFinWait2
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateCloseWait:   "CLOSE_WAIT",
	StateFinWait1:    "FIN_WAIT_1",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateFinWait2:    "FIN_WAIT_2",
	StateTimeWait:    "TIME_WAIT",
}

func (s TCPState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// TCPInfo is a snapshot of the counters kept for one endpoint of a flow.
// "Snd" fields describe the direction this endpoint transmits, "Rcv" the
// direction it receives.
type TCPInfo struct {
	State  TCPState
	RTT    time.Duration
	RTTVar time.Duration

	SndMSS    uint32
	SndWScale uint8
	SndWnd    uint32
	SndNxt    uint32
	// SndRexmitPack counts retransmitted segments.
	SndRexmitPack uint32
	// SndZeroWin counts zero-window advertisements from the receiver.
	SndZeroWin  uint32
	SndSSThresh uint32
	SndCwnd     uint32

	RcvMSS    uint32
	RcvWScale uint8
	RcvSpace  uint32
	RcvNxt    uint32
	// RcvOOOPack counts segments that arrived out of order.
	RcvOOOPack uint32
}
