// Package render turns captured payload bytes into compact console text.
//
// Runs of printable bytes long enough to be meaningful are shown verbatim;
// everything else is collapsed into a bracketed decimal count such as "<42>".
package render

import (
	"strconv"
	"strings"
)

// DefaultThreshold is the minimum printable run length shown verbatim.
const DefaultThreshold = 10

// Options control how a payload is rendered.
type Options struct {
	// Threshold is the minimum number of consecutive printable bytes that
	// are emitted as text. Values <= 0 use DefaultThreshold.
	Threshold int `json:"threshold" yaml:"threshold"`

	// ExactTail emits the trailing printable run even when it is shorter
	// than Threshold. This matches the output of older passive-tap builds.
	ExactTail bool `json:"exactTail" yaml:"exactTail"`
}

// Default applies the threshold uniformly, including to the trailing run.
var Default = Options{Threshold: DefaultThreshold}

// Compat always emits the trailing printable run.
var Compat = Options{Threshold: DefaultThreshold, ExactTail: true}

// Printable reports whether b is displayed as-is.
func Printable(b byte) bool {
	return (b >= 0x20 && b <= 0x7e) || b == '\n' || b == '\r' || b == '\t'
}

// Render converts data to display text using Default options.
func Render(data []byte) string {
	return Default.Render(data)
}

// Render converts data to display text. The output is not decodable back
// into the original bytes.
func (o Options) Render(data []byte) string {
	threshold := o.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var sb strings.Builder
	sb.Grow(len(data))

	printable, skipped := 0, 0
	flush := func(end int) {
		if skipped > 0 {
			writeCount(&sb, skipped)
			skipped = 0
		}
		sb.Write(data[end-printable : end])
	}

	for i, b := range data {
		if Printable(b) {
			printable++
			continue
		}
		if printable >= threshold {
			flush(i)
		} else {
			skipped += printable
		}
		printable = 0
		skipped++
	}

	if printable >= threshold || o.ExactTail {
		flush(len(data))
	} else {
		skipped += printable
		if skipped > 0 {
			writeCount(&sb, skipped)
		}
	}
	return sb.String()
}

func writeCount(sb *strings.Builder, n int) {
	sb.WriteByte('<')
	sb.WriteString(strconv.Itoa(n))
	sb.WriteByte('>')
}
