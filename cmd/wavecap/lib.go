package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/nasa-jpl/wavecap/comm"
	"github.com/nasa-jpl/wavecap/generichttp"
	"github.com/nasa-jpl/wavecap/generichttp/tmc"
	"github.com/nasa-jpl/wavecap/rigol"
	"github.com/nasa-jpl/wavecap/scpi"
	"github.com/nasa-jpl/wavecap/server/middleware/locker"
	"github.com/nasa-jpl/wavecap/usbtmc"
	"github.com/nasa-jpl/wavecap/util"
)

// rigolLANPort is the raw SCPI socket of Rigol LAN instruments
const rigolLANPort = "5555"

// LogConfig controls the logger
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `koanf:"level" yaml:"level"`

	// Format is console or json
	Format string `koanf:"format" yaml:"format"`

	// File, if not empty, is a log file rotated by size.  Otherwise logs go to stderr
	File string `koanf:"file" yaml:"file"`

	// MaxSize is the size in MB at which File is rotated
	MaxSize int `koanf:"maxsize" yaml:"maxsize"`

	// MaxBackups is the number of rotated files kept
	MaxBackups int `koanf:"maxbackups" yaml:"maxbackups"`

	// MaxAge is the number of days rotated files are kept
	MaxAge int `koanf:"maxage" yaml:"maxage"`

	Compress bool `koanf:"compress" yaml:"compress"`
}

// Timing holds the waits and timeouts of an acquisition, in seconds
type Timing struct {
	// Timeout is the transport read timeout
	Timeout float64 `koanf:"timeout" yaml:"timeout"`

	// Settle is the wait after each scope configuration command
	Settle float64 `koanf:"settle" yaml:"settle"`

	// BlockSettle is the wait between the data query and the block header
	BlockSettle float64 `koanf:"blocksettle" yaml:"blocksettle"`

	// DataTimeout is the transport timeout during the block transfer
	DataTimeout float64 `koanf:"datatimeout" yaml:"datatimeout"`

	// Retries is how many more times a failed acquisition is tried
	Retries int `koanf:"retries" yaml:"retries"`

	// RetryDelay is the wait between acquisition attempts
	RetryDelay float64 `koanf:"retrydelay" yaml:"retrydelay"`

	// GeneratorSettle is the wait between function generator commands
	GeneratorSettle float64 `koanf:"generatorsettle" yaml:"generatorsettle"`

	// CloseSettle is the wait after hanging up on an instrument
	CloseSettle float64 `koanf:"closesettle" yaml:"closesettle"`
}

// Instrument is the setup of one instrument
type Instrument struct {
	// Name identifies the instrument in the CLI and in capture metadata
	Name string `koanf:"name" yaml:"name"`

	// Type is scope or generator
	Type string `koanf:"type" yaml:"type"`

	// Transport is tcp, serial or usb
	Transport string `koanf:"transport" yaml:"transport"`

	// Addr is host[:port] for tcp (port 5555 if omitted), a device
	// such as /dev/ttyUSB0 for serial, or vvvv:pppp for usb
	Addr string `koanf:"addr" yaml:"addr"`

	// Baud is the serial baud rate
	Baud int `koanf:"baud" yaml:"baud"`

	// Endpoint is the URL the routes of this instrument are served under,
	// /<Name> if empty
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Handshaking follows every generator setting with an error queue
	// query, so a rejected command fails the request
	Handshaking bool `koanf:"handshaking" yaml:"handshaking"`
}

// Config is the configuration of wavecap
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// DataDir is where captures are saved
	DataDir string `koanf:"datadir" yaml:"datadir"`

	// Mock replaces every instrument with a scripted one that needs no hardware
	Mock bool `koanf:"mock" yaml:"mock"`

	Log LogConfig `koanf:"log" yaml:"log"`

	Timing Timing `koanf:"timing" yaml:"timing"`

	Instruments []Instrument `koanf:"instruments" yaml:"instruments"`
}

// DefaultConfig is the configuration before any file or environment is applied
func DefaultConfig() Config {
	return Config{
		Addr:    ":8000",
		DataDir: "captures",
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Timing: Timing{
			Timeout:         5,
			Settle:          rigol.DefaultSettle.Seconds(),
			BlockSettle:     scpi.DefaultBlockSettle.Seconds(),
			DataTimeout:     rigol.DefaultDataTimeout.Seconds(),
			Retries:         2,
			RetryDelay:      1,
			GeneratorSettle: rigol.DefaultGeneratorSettle.Seconds(),
			CloseSettle:     rigol.DefaultCloseSettle.Seconds(),
		},
		Instruments: []Instrument{},
	}
}

// kind maps an instrument type to what it is
func kind(typ string) (rigol.Kind, error) {
	switch strings.ToLower(typ) {
	case "scope", "oscilloscope", "ds1000z", "rigol-scope":
		return rigol.Oscilloscope, nil
	case "generator", "function-generator", "dg", "rigol-function-generator":
		return rigol.Generator, nil
	}
	return rigol.Unknown, fmt.Errorf("instrument type %q not understood", typ)
}

// Find returns the instrument of a given name
func (c Config) Find(name string) (Instrument, error) {
	for _, in := range c.Instruments {
		if in.Name == name {
			return in, nil
		}
	}
	return Instrument{}, fmt.Errorf("no instrument named %q in the configuration", name)
}

// openTransport connects to an instrument
func openTransport(in Instrument, mock bool, timeout time.Duration) (scpi.Transport, error) {
	if mock {
		k, err := kind(in.Type)
		if err != nil {
			return nil, err
		}
		if k == rigol.Generator {
			return mockGenerator(), nil
		}
		return mockScope(), nil
	}
	switch strings.ToLower(in.Transport) {
	case "", "tcp":
		addr := in.Addr
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, rigolLANPort)
		}
		return openLink(comm.BackingOffTCPConnMaker(addr, timeout), timeout)
	case "serial":
		return openLink(comm.SerialConnMaker(comm.SerialConf(in.Addr, in.Baud, timeout)), timeout)
	case "usb":
		id, err := usbtmc.ParseID(in.Addr)
		if err != nil {
			return nil, err
		}
		d, err := usbtmc.Open(id, timeout)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("transport %q not understood", in.Transport)
}

func openLink(maker comm.CreationFunc, timeout time.Duration) (scpi.Transport, error) {
	l := comm.NewLink(maker, '\n', timeout)
	if err := l.Open(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// newScope wraps a transport to a scope with the configured timing
func newScope(t scpi.Transport, tm Timing, log *zap.Logger) *rigol.Scope {
	s := rigol.NewScope(t, log)
	s.Settle = util.SecsToDuration(tm.Settle)
	s.BlockSettle = util.SecsToDuration(tm.BlockSettle)
	s.DataTimeout = util.SecsToDuration(tm.DataTimeout)
	s.Retries = tm.Retries
	s.RetryDelay = util.SecsToDuration(tm.RetryDelay)
	s.CloseSettle = util.SecsToDuration(tm.CloseSettle)
	return s
}

// newGenerator wraps a transport to a function generator with the configured
// timing and handshaking
func newGenerator(t scpi.Transport, in Instrument, tm Timing, log *zap.Logger) *rigol.FunctionGenerator {
	g := rigol.NewGenerator(t, log)
	g.Handshaking = in.Handshaking
	g.Settle = util.SecsToDuration(tm.GeneratorSettle)
	g.CloseSettle = util.SecsToDuration(tm.CloseSettle)
	return g
}

// BuildMux connects to every configured instrument and mounts its routes
// under its endpoint.  The mux serves a special route, /endpoints, which
// returns every endpoint and its routes as JSON.  The returned closers hang
// up on the instruments
func BuildMux(c Config, log *zap.Logger) (chi.Router, []io.Closer, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	var closers []io.Closer
	fail := func(err error) (chi.Router, []io.Closer, error) {
		for _, cl := range closers {
			cl.Close()
		}
		return nil, nil, err
	}

	timeout := util.SecsToDuration(c.Timing.Timeout)
	for _, in := range c.Instruments {
		k, err := kind(in.Type)
		if err != nil {
			return fail(err)
		}
		t, err := openTransport(in, c.Mock, timeout)
		if err != nil {
			return fail(fmt.Errorf("connecting to %s at %s: %w", in.Name, in.Addr, err))
		}
		ilog := log.With(zap.String("instrument", in.Name))
		lock := locker.New()
		var httper generichttp.HTTPer
		switch k {
		case rigol.Oscilloscope:
			s := newScope(t, c.Timing, ilog)
			closers = append(closers, s)
			httper = tmc.NewHTTPOscilloscope(in.Name, s, c.DataDir, lock, ilog)
		case rigol.Generator:
			g := newGenerator(t, in, c.Timing, ilog)
			closers = append(closers, g)
			httper = tmc.NewHTTPFunctionGenerator(g, lock)
		}

		endpoint := in.Endpoint
		if endpoint == "" {
			endpoint = in.Name
		}
		hndlS := generichttp.SubMuxSanitize(endpoint)
		if _, ok := supergraph[hndlS]; ok {
			return fail(fmt.Errorf("endpoint %s is used twice", hndlS))
		}
		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
		ilog.Info("mounted", zap.String("endpoint", hndlS), zap.Stringer("kind", k))
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root, closers, nil
}
