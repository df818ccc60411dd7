package scpi

import (
	"errors"
	"testing"
)

func TestReadStringStripsTerminators(t *testing.T) {
	m := NewMock()
	m.Replies["*IDN?"] = "RIGOL TECHNOLOGIES,DS1104Z Plus,DS1ZC000000001,00.04.04\r\n"
	s := SCPI{T: m}
	str, err := s.ReadString("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if str != "RIGOL TECHNOLOGIES,DS1104Z Plus,DS1ZC000000001,00.04.04" {
		t.Errorf("terminators not stripped: %q", str)
	}
}

func TestReadBool(t *testing.T) {
	m := NewMock()
	m.Replies["OUTP1?"] = "ON\n"
	m.Replies["OUTP2?"] = "0\n"
	s := SCPI{T: m}
	b, err := s.ReadBool("OUTP1?")
	if err != nil || !b {
		t.Errorf("expected true, got %v (%v)", b, err)
	}
	b, err = s.ReadBool("OUTP2?")
	if err != nil || b {
		t.Errorf("expected false, got %v (%v)", b, err)
	}
}

func TestMockReadLineAnswersWrite(t *testing.T) {
	m := NewMock()
	m.Replies["*IDN?"] = "RIGOL TECHNOLOGIES,DG1022,DG1D000000001,00.03.00"
	if _, err := m.ReadLine(); err == nil {
		t.Error("expected nothing pending before a write")
	}
	if err := m.Write("*IDN?"); err != nil {
		t.Fatal(err)
	}
	line, err := m.ReadLine()
	if err != nil || line != "RIGOL TECHNOLOGIES,DG1022,DG1D000000001,00.03.00" {
		t.Errorf("expected the identity, got %q %v", line, err)
	}
	if _, err := m.ReadLine(); err == nil {
		t.Error("a reply is only read once")
	}
}

func TestWriteJoinsArguments(t *testing.T) {
	m := NewMock()
	s := SCPI{T: m}
	if err := s.Write(":WAV:SOUR", "CHAN2"); err != nil {
		t.Fatal(err)
	}
	if m.Sent[0] != ":WAV:SOUR CHAN2" {
		t.Errorf("expected joined command, got %q", m.Sent[0])
	}
}

func TestWriteWrapsTransportErrors(t *testing.T) {
	m := NewMock()
	m.Errors[":RUN"] = errors.New("connection reset")
	s := SCPI{T: m}
	err := s.Write(":RUN")
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "write" || te.Command != ":RUN" {
		t.Fatalf("expected a write TransportError for :RUN, got %v", err)
	}
}

func TestHandshakingChecksErrorQueue(t *testing.T) {
	m := NewMock()
	m.Replies[`*CLS; :WAV:FORM BYTE ;:SYSTem:ERRor?`] = `0,"No error"`
	m.Replies[`*CLS; :WAV:FORM BOGUS ;:SYSTem:ERRor?`] = `-224,"Illegal parameter value"`
	s := SCPI{T: m, Handshaking: true}
	if err := s.Write(":WAV:FORM BYTE"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	err := s.Write(":WAV:FORM BOGUS")
	var de *DeviceError
	if !errors.As(err, &de) || de.Code != -224 {
		t.Errorf("expected device error -224, got %v", err)
	}
}

func TestAllErrorsDrainsQueue(t *testing.T) {
	m := NewMock()
	s := SCPI{T: m}
	m.Replies["SYSTem:ERRor?"] = `+0,"No error"`
	if errs := s.AllErrors(); len(errs) != 0 {
		t.Errorf("expected an empty queue, got %v", errs)
	}
	str, err := s.AllErrorsString()
	if str != "" || err != nil {
		t.Errorf("expected nothing, got %q %v", str, err)
	}
}

func TestAllErrorsBounded(t *testing.T) {
	m := NewMock()
	s := SCPI{T: m}
	m.Replies["SYSTem:ERRor?"] = `-113,"Undefined header"`
	errs := s.AllErrors()
	if len(errs) != maxErrorQueue {
		t.Fatalf("expected %d errors from a queue that never empties, got %d", maxErrorQueue, len(errs))
	}
	str, err := s.AllErrorsString()
	var de *DeviceError
	if !errors.As(err, &de) || de.Code != -113 || str == "" {
		t.Errorf("expected -113 first, got %q %v", str, err)
	}
}

func TestRawDispatchesOnQuestionMark(t *testing.T) {
	m := NewMock()
	m.Replies[":WAV:MODE?"] = "NORM\n"
	s := SCPI{T: m, Handshaking: true}
	resp, err := s.Raw(":WAV:MODE?")
	if err != nil || resp != "NORM" {
		t.Errorf("expected NORM, got %q %v", resp, err)
	}
	resp, err = s.Raw(":STOP")
	if err != nil || resp != "" {
		t.Errorf("expected a bare write, got %q %v", resp, err)
	}
	if !s.Handshaking {
		t.Error("Raw did not restore handshaking")
	}
	if m.Sent[len(m.Sent)-1] != ":STOP" {
		t.Errorf("expected :STOP without handshaking wrapper, got %q", m.Sent[len(m.Sent)-1])
	}
}
