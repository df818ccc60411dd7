package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	"github.com/nasa-jpl/wavecap/oscilloscope"
	"github.com/nasa-jpl/wavecap/rigol"
	"github.com/nasa-jpl/wavecap/scpi"
	"github.com/nasa-jpl/wavecap/usbtmc"
	"github.com/nasa-jpl/wavecap/util"
	"github.com/nasa-jpl/wavecap/wavestore"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "wavecap.yml"

	// EnvPrefix marks environment variables that override the config file,
	// e.g. WAVECAP_LOG_LEVEL=debug sets log.level
	EnvPrefix = "WAVECAP_"

	k = koanf.New(".")
)

func setupconfig() error {
	k = koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	return k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
	}), nil)
}

func loadConfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `wavecap captures waveforms from Rigol oscilloscopes, drives Rigol function
generators, and exposes both over HTTP

Usage:
	wavecap <command> [arguments]

Commands:
	run
	capture <instrument> <channel> <path>
	load <path>
	csv <path>
	detect
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `wavecap is amenable to configuration via its .yml file, wavecap.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html

Any key may be overridden by an environment variable: WAVECAP_ followed by the
key path with _ for nesting, e.g. WAVECAP_ADDR=:9000 or WAVECAP_LOG_LEVEL=debug.

Each instrument has a name, a type, a transport and an address:
	instruments:
	- name: scope
	  type: scope        # or generator
	  transport: tcp     # tcp (port 5555 unless given), serial or usb
	  addr: 192.168.1.50
	- name: fg
	  type: generator
	  transport: usb
	  addr: 1ab1:0642    # vendor:product, see wavecap detect

Routes of an instrument are served under /<name>, or its endpoint if set.
GET /endpoints lists them all.  With mock: true, scripted instruments stand in
for the hardware.

Timing values are in seconds.  Captures are saved in datadir as a pair of files,
<name>.fits holding the time and voltage arrays and <name>.json holding the
preamble and metadata.`
	fmt.Println(str)
}

func mkconf() {
	c := loadConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadConfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("wavecap version %v\n", Version)
}

func mustLogger(c Config) *zap.Logger {
	lgr, err := newLogger(c.Log)
	if err != nil {
		log.Fatal(err)
	}
	return lgr
}

func run() {
	c := loadConfig()
	lgr := mustLogger(c)
	defer lgr.Sync()
	if len(c.Instruments) == 0 {
		lgr.Fatal("no instruments are configured, see wavecap help")
	}
	mux, closers, err := BuildMux(c, lgr)
	if err != nil {
		lgr.Fatal("building the mux", zap.Error(err))
	}
	srv := &http.Server{Addr: c.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shut)
	}()

	lgr.Info("now listening for requests", zap.String("addr", c.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lgr.Error("server", zap.Error(err))
	}
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			lgr.Warn("closing instrument", zap.Error(err))
		}
	}
}

// stamp records where and when a capture was taken in its metadata
func stamp(c *oscilloscope.Capture, id, channel, instrument string) {
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	c.Metadata["capture_id"] = id
	c.Metadata["channel"] = channel
	c.Metadata["instrument"] = instrument
	c.Metadata["captured_at"] = time.Now().UTC().Format(time.RFC3339Nano)
}

func capture(args []string) {
	if len(args) != 3 {
		log.Fatal("usage: wavecap capture <instrument> <channel> <path>")
	}
	name, channel, path := args[0], args[1], args[2]
	c := loadConfig()
	lgr := mustLogger(c)
	defer lgr.Sync()
	in, err := c.Find(name)
	if err != nil {
		log.Fatal(err)
	}
	if kd, err := kind(in.Type); err != nil || kd != rigol.Oscilloscope {
		log.Fatalf("%s is not an oscilloscope", name)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           "connecting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	failed := func(msg string, err error) {
		spinner.StopFailMessage(fmt.Sprintf("%s: %v", msg, err))
		spinner.StopFail()
		os.Exit(1)
	}

	t, err := openTransport(in, c.Mock, util.SecsToDuration(c.Timing.Timeout))
	if err != nil {
		failed("connecting to "+name, err)
	}
	scope := newScope(t, c.Timing, lgr.With(zap.String("instrument", name)))
	defer scope.Close()
	scope.Progress = func(s rigol.State) { spinner.Message(s.String()) }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	wf, err := scope.CaptureRetry(ctx, channel)
	if err != nil {
		failed("capture", err)
	}
	id := uuid.New().String()
	stamp(&wf, id, channel, name)
	if path == "" || path == "-" {
		path = filepath.Join(c.DataDir, id)
	}
	spinner.Message("saving")
	paths, err := wavestore.Save(path, wf)
	if err != nil {
		failed("saving", err)
	}
	spinner.StopMessage(fmt.Sprintf("%d samples saved to %s and %s", wf.Len(), paths.Array, paths.Sidecar))
	spinner.Stop()
}

func load(args []string) {
	if len(args) != 1 {
		log.Fatal("usage: wavecap load <path>")
	}
	s, err := wavestore.ReadSummary(args[0])
	if err != nil {
		log.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(s); err != nil {
		log.Fatal(err)
	}
}

func csv(args []string) {
	if len(args) != 1 {
		log.Fatal("usage: wavecap csv <path>")
	}
	c, err := wavestore.Load(args[0])
	if err != nil {
		log.Fatal(err)
	}
	if err := c.EncodeCSV(os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// candidates lists the configured instruments and any Rigol USB device not
// among them
func candidates(c Config, lgr *zap.Logger) []rigol.Candidate {
	timeout := util.SecsToDuration(c.Timing.Timeout)
	var out []rigol.Candidate
	configured := map[string]bool{}
	for _, in := range c.Instruments {
		in := in
		configured[strings.ToLower(in.Addr)] = true
		out = append(out, rigol.Candidate{
			Addr: in.Addr,
			Open: func() (scpi.Transport, error) { return openTransport(in, c.Mock, timeout) },
		})
	}
	if c.Mock {
		return out
	}
	ids, err := usbtmc.List(rigol.VendorID)
	if err != nil {
		lgr.Warn("listing usb devices", zap.Error(err))
	}
	usb := make([]string, 0, len(ids))
	for _, id := range ids {
		usb = append(usb, id.String())
	}
	for _, addr := range util.UniqueString(usb) {
		if configured[addr] {
			continue
		}
		in := Instrument{Transport: "usb", Addr: addr}
		out = append(out, rigol.Candidate{
			Addr: addr,
			Open: func() (scpi.Transport, error) { return openTransport(in, false, timeout) },
		})
	}
	return out
}

func detect() {
	c := loadConfig()
	lgr := mustLogger(c)
	defer lgr.Sync()
	gen, scope := rigol.Detect(candidates(c, lgr), lgr)
	for _, inst := range []*rigol.Instrument{scope, gen} {
		if inst == nil {
			continue
		}
		fmt.Println(inst)
		inst.T.Close()
	}
	if gen == nil && scope == nil {
		fmt.Println("no Rigol instruments found")
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	if err := setupconfig(); err != nil {
		log.Fatal(err)
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "capture":
		capture(args[2:])
	case "load":
		load(args[2:])
	case "csv":
		csv(args[2:])
	case "detect":
		detect()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
