package scpi

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

const dataQuery = ":WAV:DATA?"

func mockWithStream(stream []byte) *Mock {
	m := NewMock()
	m.Blocks[dataQuery] = stream
	return m
}

func TestReadBlockNineDigitHeader(t *testing.T) {
	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 255}
	stream := append([]byte("#9000000010"), payload...)
	m := mockWithStream(stream)
	got, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected payload %v, got %v", payload, got)
	}
	// header and payload are distinct reads
	if len(m.Reads) != 2 || m.Reads[0] != 11 || m.Reads[1] != 10 {
		t.Errorf("expected reads of [11 10], got %v", m.Reads)
	}
	if len(m.Sent) != 1 || m.Sent[0] != dataQuery {
		t.Errorf("expected only the data query to be written, got %v", m.Sent)
	}
}

func TestReadBlockLeavesTerminatorUnread(t *testing.T) {
	payload := bytes.Repeat([]byte{127}, 100)
	m := mockWithStream(Block(payload))
	got, err := BlockReader{}.Read(m, dataQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}
	if m.Pending() != 1 {
		t.Errorf("expected the newline to remain queued, %d bytes pending", m.Pending())
	}
}

func TestReadBlockBadMarker(t *testing.T) {
	m := mockWithStream([]byte("X9000000010abcdefghij"))
	_, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	if !errors.Is(err, ErrInvalidBlockHeader) {
		t.Fatalf("expected invalid block header, got %v", err)
	}
	var ibh *InvalidBlockHeaderError
	if !errors.As(err, &ibh) {
		t.Fatal("expected an *InvalidBlockHeaderError")
	}
	if string(ibh.Raw) != "X9000000010" {
		t.Errorf("expected the raw header in the error, got %q", ibh.Raw)
	}
}

func TestReadBlockNonDigitLength(t *testing.T) {
	m := mockWithStream([]byte("#90000x0010abcdefghij"))
	_, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	if !errors.Is(err, ErrInvalidBlockHeader) {
		t.Fatalf("expected invalid block header, got %v", err)
	}
}

func TestReadBlockNonDigitCount(t *testing.T) {
	for _, hdr := range []string{"#A000000010", "#0000000010"} {
		m := mockWithStream([]byte(hdr + "abcdefghij"))
		_, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
		if !errors.Is(err, ErrInvalidBlockHeader) {
			t.Errorf("%s: expected invalid block header, got %v", hdr, err)
		}
	}
}

func TestReadBlockShortPayload(t *testing.T) {
	m := mockWithStream([]byte("#9000000010abcd"))
	_, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatal("expected a *ProtocolError")
	}
	if pe.Stage != StagePayload || pe.Want != 10 || pe.Got != 4 {
		t.Errorf("expected payload stage want 10 got 4, got %s want %d got %d", pe.Stage, pe.Want, pe.Got)
	}
}

func TestReadBlockShortHeader(t *testing.T) {
	m := mockWithStream([]byte("#900"))
	_, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Stage != StageHeader {
		t.Fatalf("expected header stage protocol error, got %v", err)
	}
}

func TestReadBlockNothingArrives(t *testing.T) {
	m := mockWithStream(nil)
	_, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestReadBlockHonorsDeclaredDigitCount(t *testing.T) {
	// a four digit length field with the conventional 11 byte first read:
	// five payload bytes arrive with the header
	payload := []byte("0123456789ABCDEF")
	stream := append([]byte("#40016"), payload...)
	m := mockWithStream(stream)
	got, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected %q, got %q", payload, got)
	}
	if len(m.Reads) != 2 || m.Reads[1] != 11 {
		t.Errorf("expected the second read to ask for the 11 remaining bytes, reads were %v", m.Reads)
	}
}

func TestReadBlockSmallFirstRead(t *testing.T) {
	payload := []byte("hello")
	stream := append([]byte("#9000000005"), payload...)
	m := mockWithStream(stream)
	got, err := BlockReader{HeaderSize: 2}.Read(m, dataQuery)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
}

func TestReadBlockPayloadInsideHeaderRead(t *testing.T) {
	m := mockWithStream([]byte("#13abc\n"))
	got, err := ReadBlock(m, dataQuery, 6)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
}

func TestReadBlockEmptyPayload(t *testing.T) {
	m := mockWithStream([]byte("#9000000000\n"))
	got, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no payload, got %d bytes", len(got))
	}
}

func TestReadBlockSettleAndTrace(t *testing.T) {
	var (
		slept  int
		stages []BlockStage
		header BlockHeader
	)
	m := mockWithStream(Block([]byte{1, 2, 3}))
	br := BlockReader{
		Settle: DefaultBlockSettle,
		Sleep:  func(time.Duration) { slept++ },
		Trace: func(s BlockStage, h BlockHeader) {
			stages = append(stages, s)
			header = h
		},
	}
	if _, err := br.Read(m, dataQuery); err != nil {
		t.Fatal(err)
	}
	if slept != 1 {
		t.Errorf("expected one settle, got %d", slept)
	}
	want := []BlockStage{BlockQuerySent, BlockHeaderRead, BlockPayloadRead}
	if len(stages) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d: expected %v got %v", i, want[i], stages[i])
		}
	}
	if header.Digits != 9 || header.Length != 3 {
		t.Errorf("expected 9 digits and length 3, got %+v", header)
	}
}

func TestReadBlockWriteFailure(t *testing.T) {
	m := NewMock()
	m.Errors[dataQuery] = errors.New("broken pipe")
	_, err := ReadBlock(m, dataQuery, DefaultHeaderSize)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected a transport error, got %v", err)
	}
}

func TestParseBlockHeader(t *testing.T) {
	h, err := ParseBlockHeader([]byte("#9000001200"))
	if err != nil {
		t.Fatal(err)
	}
	if h.Digits != 9 || h.Length != 1200 || h.Size() != 11 {
		t.Errorf("unexpected header %+v size %d", h, h.Size())
	}
	if _, err := ParseBlockHeader([]byte("#9000")); !errors.Is(err, ErrInvalidBlockHeader) {
		t.Errorf("expected truncated header to be invalid, got %v", err)
	}
}

func TestFormatBlockHeaderRoundTrip(t *testing.T) {
	h, err := ParseBlockHeader(FormatBlockHeader(1200))
	if err != nil {
		t.Fatal(err)
	}
	if h.Length != 1200 {
		t.Errorf("expected 1200, got %d", h.Length)
	}
}
