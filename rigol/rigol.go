/*Package rigol provides interfaces to Rigol DS/MSO oscilloscopes and DG
function generators.

Instruments are identified by their *IDN? reply.  Detect walks a list of
candidate transports and returns the generator and oscilloscope it finds;
NewScope and NewGenerator wrap a transport directly when the kind is known.
*/
package rigol

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nasa-jpl/wavecap/scpi"
)

// VendorID is Rigol's USB vendor ID
const VendorID = 0x1AB1

// UnknownIDN is the identity reported when *IDN? fails
const UnknownIDN = "Unknown"

const (
	// DefaultIdentifySettle is the wait between writing *IDN? and reading the reply
	DefaultIdentifySettle = 100 * time.Millisecond

	// DefaultCloseSettle is the wait after closing a link, before the
	// instrument will accept a new one
	DefaultCloseSettle = 2 * time.Second
)

// Kind is the class of an instrument
type Kind int

const (
	// Unknown is anything not recognized
	Unknown Kind = iota

	// Generator is a DG series function generator
	Generator

	// Oscilloscope is a DS or MSO series scope
	Oscilloscope
)

func (k Kind) String() string {
	switch k {
	case Generator:
		return "generator"
	case Oscilloscope:
		return "oscilloscope"
	default:
		return "unknown"
	}
}

// Classify determines the kind of instrument from its identity string
func Classify(idn string) Kind {
	up := strings.ToUpper(idn)
	if !strings.Contains(up, "RIGOL") {
		return Unknown
	}
	if strings.Contains(up, "DG") {
		return Generator
	}
	if strings.Contains(up, "DS") || strings.Contains(up, "MSO") {
		return Oscilloscope
	}
	return Unknown
}

// Identify writes *IDN?, gives the instrument DefaultIdentifySettle to
// answer, then reads the reply.  Failure is not an error; the identity is
// then UnknownIDN, which classifies as Unknown
func Identify(t scpi.Transport) string {
	return identify(t, time.Sleep)
}

func identify(t scpi.Transport, sleep func(time.Duration)) string {
	if err := t.Write("*IDN?"); err != nil {
		return UnknownIDN
	}
	sleep(DefaultIdentifySettle)
	idn, err := t.ReadLine()
	if err != nil {
		return UnknownIDN
	}
	idn = strings.TrimSpace(idn)
	if idn == "" {
		return UnknownIDN
	}
	return idn
}

// Instrument is an identified transport
type Instrument struct {
	// Addr is where the instrument was found
	Addr string

	T    scpi.Transport
	IDN  string
	Kind Kind
}

func (i *Instrument) String() string {
	return fmt.Sprintf("%s at %s - IDN: %s", i.Kind, i.Addr, i.IDN)
}

// Candidate is a place an instrument may be found
type Candidate struct {
	Addr string
	Open func() (scpi.Transport, error)
}

// Detect opens and identifies each candidate.  The last generator and the
// last oscilloscope found are returned, nil if none; every other transport
// is closed
func Detect(cands []Candidate, log *zap.Logger) (gen, scope *Instrument) {
	return detect(cands, log, time.Sleep)
}

func detect(cands []Candidate, log *zap.Logger, sleep func(time.Duration)) (gen, scope *Instrument) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, c := range cands {
		t, err := c.Open()
		if err != nil {
			log.Debug("candidate did not open", zap.String("addr", c.Addr), zap.Error(err))
			continue
		}
		idn := identify(t, sleep)
		inst := &Instrument{Addr: c.Addr, T: t, IDN: idn, Kind: Classify(idn)}
		log.Debug("identified", zap.String("addr", c.Addr), zap.String("idn", idn), zap.Stringer("kind", inst.Kind))
		var replaced *Instrument
		switch inst.Kind {
		case Generator:
			replaced, gen = gen, inst
		case Oscilloscope:
			replaced, scope = scope, inst
		default:
			t.Close()
		}
		if replaced != nil {
			replaced.T.Close()
		}
	}
	return gen, scope
}

// closeSettled closes t then waits d
func closeSettled(t scpi.Transport, d time.Duration, sleep func(time.Duration)) error {
	err := t.Close()
	if d > 0 {
		sleep(d)
	}
	return err
}
