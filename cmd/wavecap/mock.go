package main

import (
	"fmt"
	"math"

	"github.com/nasa-jpl/wavecap/scpi"
)

const (
	mockPoints = 1200

	// 1 kHz sine, 10 periods across the screen, +/- 2 V at 40 mV per code
	mockPreamble = "0,0,1200,1,1.000000e-05,-6.000000e-03,0,4.000000e-02,0,127"
)

func mockScope() *scpi.Mock {
	m := scpi.NewMock()
	m.Replies["*IDN?"] = "RIGOL TECHNOLOGIES,DS1104Z,DS1ZA000000000,00.04.04.SP4"
	m.Replies[":WAV:PRE?"] = mockPreamble
	payload := make([]byte, mockPoints)
	for i := range payload {
		payload[i] = byte(127 + math.Round(50*math.Sin(2*math.Pi*float64(i)/120)))
	}
	m.Blocks[":WAV:DATA?"] = scpi.Block(payload)
	return m
}

func mockGenerator() *scpi.Mock {
	m := scpi.NewMock()
	m.Replies["*IDN?"] = "Rigol Technologies,DG1022Z,DG1ZA000000000,03.01.12"
	for _, ch := range []string{"OUTP1", "OUTP:CH2"} {
		m.Replies[fmt.Sprintf("%s?", ch)] = "OFF"
	}
	return m
}
