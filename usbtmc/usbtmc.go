/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and a Device speaking SCPI over the bulk endpoints.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Create a read header and send it on the Out endpoint
2.  Read from the In endpoint until the announced transfer size has arrived
3.  Repeat until the device flags end of message

Device implements scpi.Transport on top of these.
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	// reserved is the byte to insert when the standard reserves a position
	reserved = 0x00

	headerLen = 12
	alignment = 4

	msgDevDepOut       = 0x01
	msgRequestDevDepIn = 0x02
)

var (
	// ErrNotFound is returned when no device matches a vendor and product ID
	ErrNotFound = errors.New("usbtmc: device not found")

	// ErrBadResponse is returned when a bulk in header does not belong to the request
	ErrBadResponse = errors.New("usbtmc: malformed bulk in response")
)

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator.  bTag 0 is never issued
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 1, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int, eom bool) [headerLen]byte {
	out := [headerLen]byte{}
	/* data map by offset:
	0 MsgID, DEV_DEP_MSG_OUT
	1 bTag, a single byte 1 <= x <= 255, unique and incrementing with each message
	2 bTagInverse
	3 Reserved (0x00)
	4-7 transferSize, message bytes exclusive of header and alignment, LSB first
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	if eom {
		out[8] = 0x01
	}
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerLen]byte {
	out := [headerLen]byte{}
	/* this differs from BulkOut by bytes 8~11
	8 bitmap, bit 1 termination character enabled
	9 terminator byte
	10~11 reserved
	*/
	out[0] = msgRequestDevDepIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// bulkInHeader is the decoded header of a DEV_DEP_MSG_IN transfer, Table 9
type bulkInHeader struct {
	size int
	eom  bool
}

// decBulkInHeader checks that b begins with the response to the request
// tagged tag and returns the announced size and end of message flag
func decBulkInHeader(b []byte, tag byte) (bulkInHeader, error) {
	var h bulkInHeader
	if len(b) < headerLen {
		return h, fmt.Errorf("%w: %d bytes, need %d for the header", ErrBadResponse, len(b), headerLen)
	}
	if b[0] != msgRequestDevDepIn {
		return h, fmt.Errorf("%w: MsgID %d", ErrBadResponse, b[0])
	}
	if b[1] != tag || b[2] != invbTag(tag) {
		return h, fmt.Errorf("%w: bTag %d/%d, expected %d", ErrBadResponse, b[1], b[2], tag)
	}
	h.size = int(binary.LittleEndian.Uint32(b[4:8]))
	h.eom = b[8]&0x01 != 0
	return h, nil
}

// frameOut prepends the bulk out header to msg and pads to the 4 byte alignment
func frameOut(tag byte, msg []byte) []byte {
	hdr := encBulkOutHeader(tag, len(msg), true)
	total := headerLen + len(msg)
	if residual := total % alignment; residual > 0 {
		total += alignment - residual
	}
	b := make([]byte, total)
	copy(b, hdr[:])
	copy(b[headerLen:], msg)
	return b
}
