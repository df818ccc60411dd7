package tmc

import (
	"net/http"

	"github.com/nasa-jpl/wavecap/generichttp"
	"github.com/nasa-jpl/wavecap/generichttp/ascii"
	"github.com/nasa-jpl/wavecap/rigol"
	"github.com/nasa-jpl/wavecap/server/middleware/locker"
)

// FunctionGenerator describes an interface to a function generator
type FunctionGenerator interface {
	// Apply configures a channel's waveform and enables its output
	Apply(channel string, w rigol.Waveform) error

	// SetOutput turns a channel's output on or off
	SetOutput(channel string, on bool) error

	// GetOutput queries if a channel's output is on
	GetOutput(channel string) (bool, error)

	// Raw sends a command and returns the reply, if any
	Raw(string) (string, error)
}

// ApplyRequest is the body of /apply
type ApplyRequest struct {
	Channel string `json:"channel"`
	rigol.Waveform
}

// HTTPFunctionGenerator wraps a function generator in an HTTP interface
type HTTPFunctionGenerator struct {
	Gen FunctionGenerator

	RouteTable generichttp.RouteTable
}

// NewHTTPFunctionGenerator returns a new HTTP wrapper with the route table pre-populated
func NewHTTPFunctionGenerator(fg FunctionGenerator, lock *locker.Locker) HTTPFunctionGenerator {
	if lock == nil {
		lock = locker.New()
	}
	h := HTTPFunctionGenerator{Gen: fg}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/apply"}: h.Apply,
		{Method: http.MethodGet, Path: "/output"}: h.GetOutput,
		{Method: http.MethodPost, Path: "/output"}: h.SetOutput,
	}
	ascii.InjectRawComm(rt, fg)
	locker.Inject(rt, lock)
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPFunctionGenerator) RT() generichttp.RouteTable {
	return h.RouteTable
}

func outputChannel(r *http.Request) string {
	ch := r.URL.Query().Get("channel")
	if ch == "" {
		return "CH1"
	}
	return ch
}

// Apply exposes an HTTP interface to the Apply method
func (h HTTPFunctionGenerator) Apply(w http.ResponseWriter, r *http.Request) {
	req := ApplyRequest{Channel: "CH1"}
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Gen.Apply(req.Channel, req.Waveform); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetOutput exposes an HTTP interface to the GetOutput method
func (h HTTPFunctionGenerator) GetOutput(w http.ResponseWriter, r *http.Request) {
	ch := outputChannel(r)
	generichttp.GetBool(func() (bool, error) { return h.Gen.GetOutput(ch) })(w, r)
}

// SetOutput exposes an HTTP interface to the SetOutput method
func (h HTTPFunctionGenerator) SetOutput(w http.ResponseWriter, r *http.Request) {
	ch := outputChannel(r)
	generichttp.SetBool(func(on bool) error { return h.Gen.SetOutput(ch, on) })(w, r)
}
