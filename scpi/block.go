package scpi

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultHeaderSize is the size of the first read of a block transfer,
	// '#', '9' and nine length digits
	DefaultHeaderSize = 11

	// DefaultBlockSettle is the wait between sending a data query and reading
	// the reply; slow scopes hand back a short first frame without it
	DefaultBlockSettle = 500 * time.Millisecond
)

// BlockHeader is the decoded prefix of an IEEE 488.2 definite-length block,
// #<digits><length>
type BlockHeader struct {
	// Digits is the number of ASCII digits in the length field
	Digits int

	// Length is the payload size in bytes
	Length int
}

// Size is the number of bytes the header occupies on the wire
func (h BlockHeader) Size() int {
	return 2 + h.Digits
}

// ParseBlockHeader decodes the header at the start of b.  b may run past the
// header; only the first 2+digits bytes are examined
func ParseBlockHeader(b []byte) (BlockHeader, error) {
	var h BlockHeader
	digits, err := parsePrefix(b)
	if err != nil {
		return h, err
	}
	if len(b) < 2+digits {
		return h, &InvalidBlockHeaderError{Raw: clone(b), Reason: fmt.Sprintf("truncated, %d length digits declared", digits)}
	}
	field := b[2 : 2+digits]
	for _, c := range field {
		if c < '0' || c > '9' {
			return h, &InvalidBlockHeaderError{Raw: clone(b[:2+digits]), Reason: "length field is not all ASCII digits"}
		}
	}
	n, err := strconv.Atoi(string(field))
	if err != nil {
		return h, &InvalidBlockHeaderError{Raw: clone(b[:2+digits]), Reason: err.Error()}
	}
	h.Digits = digits
	h.Length = n
	return h, nil
}

// FormatBlockHeader encodes a header for a payload of n bytes using the
// nine-digit length field instruments conventionally send
func FormatBlockHeader(n int) []byte {
	return []byte(fmt.Sprintf("#9%09d", n))
}

// parsePrefix checks the marker and returns the declared digit count
func parsePrefix(b []byte) (int, error) {
	if len(b) < 2 {
		return 0, &InvalidBlockHeaderError{Raw: clone(b), Reason: "shorter than marker and digit count"}
	}
	if b[0] != '#' {
		return 0, &InvalidBlockHeaderError{Raw: clone(b), Reason: "first byte is not '#'"}
	}
	c := b[1]
	if c < '0' || c > '9' {
		return 0, &InvalidBlockHeaderError{Raw: clone(b), Reason: "digit count is not an ASCII digit"}
	}
	if c == '0' {
		return 0, &InvalidBlockHeaderError{Raw: clone(b), Reason: "indefinite-length blocks (#0) are not supported"}
	}
	return int(c - '0'), nil
}

// BlockStage marks progress through a block transfer
type BlockStage int

const (
	// BlockQuerySent means the data query was written
	BlockQuerySent BlockStage = iota

	// BlockHeaderRead means the header was read and decoded
	BlockHeaderRead

	// BlockPayloadRead means the whole payload arrived
	BlockPayloadRead
)

// BlockReader reads definite-length binary blocks from a Transport
type BlockReader struct {
	// HeaderSize is the byte count of the first read.  Zero means
	// DefaultHeaderSize.  The header actually consumed follows the digit count
	// the instrument declares, whatever this is set to
	HeaderSize int

	// Settle is the wait between writing the query and reading
	Settle time.Duration

	// Sleep is used for the settle wait, time.Sleep if nil
	Sleep func(time.Duration)

	// Trace, if not nil, is called as each stage completes
	Trace func(BlockStage, BlockHeader)
}

// ReadBlock writes query to t and reads the block it answers with using a
// first read of headerSize bytes and the default settle
func ReadBlock(t Transport, query string, headerSize int) ([]byte, error) {
	br := BlockReader{HeaderSize: headerSize, Settle: DefaultBlockSettle}
	return br.Read(t, query)
}

// Read writes query to t, waits the settle time, then reads the header and the
// payload in separate calls.  The payload is returned as sent.
//
// A header read larger than the declared header spills into the payload; those
// bytes are kept and only the remainder is requested.  A header read smaller
// than the declared header is completed with another read before decoding.
func (br BlockReader) Read(t Transport, query string) ([]byte, error) {
	size := br.HeaderSize
	if size <= 0 {
		size = DefaultHeaderSize
	}
	if size < 2 {
		size = 2
	}
	if err := t.Write(query); err != nil {
		return nil, &TransportError{Op: "write", Command: query, Err: err}
	}
	br.trace(BlockQuerySent, BlockHeader{})
	br.sleep()

	buf, err := t.ReadExact(size)
	if err != nil {
		if len(buf) > 0 && buf[0] != '#' {
			return nil, &InvalidBlockHeaderError{Raw: clone(buf), Reason: "first byte is not '#'"}
		}
		return nil, &ProtocolError{Stage: StageHeader, Want: size, Got: len(buf), Err: err}
	}
	digits, err := parsePrefix(buf)
	if err != nil {
		return nil, err
	}
	if need := 2 + digits - len(buf); need > 0 {
		more, err := t.ReadExact(need)
		if err != nil {
			return nil, &ProtocolError{Stage: StageHeader, Want: 2 + digits, Got: len(buf) + len(more), Err: err}
		}
		buf = append(buf, more...)
	}
	hdr, err := ParseBlockHeader(buf)
	if err != nil {
		return nil, err
	}
	br.trace(BlockHeaderRead, hdr)

	spill := buf[hdr.Size():]
	if len(spill) >= hdr.Length {
		// the whole payload came with the header read; the rest is the terminator
		payload := clone(spill[:hdr.Length])
		br.trace(BlockPayloadRead, hdr)
		return payload, nil
	}
	rest, err := t.ReadExact(hdr.Length - len(spill))
	if err != nil {
		return nil, &ProtocolError{Stage: StagePayload, Want: hdr.Length, Got: len(spill) + len(rest), Err: err}
	}
	if len(rest) != hdr.Length-len(spill) {
		return nil, &ProtocolError{Stage: StagePayload, Want: hdr.Length, Got: len(spill) + len(rest)}
	}
	payload := make([]byte, 0, hdr.Length)
	payload = append(payload, spill...)
	payload = append(payload, rest...)
	br.trace(BlockPayloadRead, hdr)
	return payload, nil
}

func (br BlockReader) sleep() {
	if br.Settle <= 0 {
		return
	}
	if br.Sleep != nil {
		br.Sleep(br.Settle)
		return
	}
	time.Sleep(br.Settle)
}

func (br BlockReader) trace(s BlockStage, h BlockHeader) {
	if br.Trace != nil {
		br.Trace(s, h)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
