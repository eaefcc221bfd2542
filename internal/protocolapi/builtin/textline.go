// Package builtin ships one trivial length-prefixed text protocol plugin,
// purely to exercise the protocolapi.Plugin interface end to end and for
// tests — not a general protocol implementation (spec.md §1 non-goals: "the
// per-protocol parsers" are out of scope as a pluggable concern, not a
// concrete deliverable).
package builtin

import (
	"encoding/binary"

	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
)

// TextLine frames each message as a 2-byte big-endian length prefix
// followed by that many bytes, and decodes responses the same way, with
// the first byte of each decoded response used as the state id.
type TextLine struct{}

func init() {
	protocolapi.Register(TextLine{})
}

func (TextLine) Name() string { return "textline" }

func (TextLine) ExtractRequests(buf []byte) []protocolapi.Region {
	var regions []protocolapi.Region
	i := 0
	for i+2 <= len(buf) {
		n := int(binary.BigEndian.Uint16(buf[i : i+2]))
		start := i
		end := i + 2 + n
		if end > len(buf) {
			end = len(buf)
		}
		regions = append(regions, protocolapi.Region{Start: start, End: end})
		i = end
	}
	if len(regions) == 0 && len(buf) > 0 {
		regions = append(regions, protocolapi.Region{Start: 0, End: len(buf)})
	}
	return regions
}

func (TextLine) ExtractResponseCodes(buf []byte) []protocolapi.StateID {
	var codes []protocolapi.StateID
	i := 0
	for i+2 <= len(buf) {
		n := int(binary.BigEndian.Uint16(buf[i : i+2]))
		end := i + 2 + n
		if end > len(buf) {
			end = len(buf)
		}
		if end > i+2 {
			codes = append(codes, protocolapi.StateID(buf[i+2]))
		}
		if end <= i {
			break
		}
		i = end
	}
	return codes
}
