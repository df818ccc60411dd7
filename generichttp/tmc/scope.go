package tmc

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nasa-jpl/wavecap/generichttp"
	"github.com/nasa-jpl/wavecap/generichttp/ascii"
	"github.com/nasa-jpl/wavecap/oscilloscope"
	"github.com/nasa-jpl/wavecap/server"
	"github.com/nasa-jpl/wavecap/server/middleware/locker"
	"github.com/nasa-jpl/wavecap/wavestore"
)

// Oscilloscope describes an interface to an oscilloscope
type Oscilloscope interface {
	// CaptureRetry acquires the waveform on a channel
	CaptureRetry(ctx context.Context, channel string) (oscilloscope.Capture, error)

	// Preamble returns the scaling the scope reports for a channel
	Preamble(channel string) (oscilloscope.Preamble, error)

	// Raw sends a command and returns the reply, if any
	Raw(string) (string, error)
}

// AcquireRequest is the body of /acquire and /acquire-save
type AcquireRequest struct {
	Channel  string                 `json:"channel"`
	Name     string                 `json:"name,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SaveResponse is the reply to /acquire-save
type SaveResponse struct {
	CaptureID string `json:"capture_id"`
	Samples   int    `json:"samples"`
	Array     string `json:"array"`
	Sidecar   string `json:"sidecar"`
}

// HTTPOscilloscope wraps an oscilloscope in an HTTP interface
type HTTPOscilloscope struct {
	Scope Oscilloscope

	// Name is recorded in the metadata of every capture
	Name string

	// DataDir is where captures are saved and served from
	DataDir string

	// Lock marks the instrument busy while it acquires
	Lock *locker.Locker

	Log *zap.Logger

	RouteTable generichttp.RouteTable
}

// NewHTTPOscilloscope returns a new HTTP wrapper with the route table pre-populated
func NewHTTPOscilloscope(name string, s Oscilloscope, dataDir string, lock *locker.Locker, log *zap.Logger) HTTPOscilloscope {
	if log == nil {
		log = zap.NewNop()
	}
	if lock == nil {
		lock = locker.New()
	}
	h := HTTPOscilloscope{Scope: s, Name: name, DataDir: dataDir, Lock: lock, Log: log}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/acquire"}:         h.Acquire,
		{Method: http.MethodPost, Path: "/acquire-save"}:    h.AcquireSave,
		{Method: http.MethodGet, Path: "/preamble"}:         h.GetPreamble,
		{Method: http.MethodGet, Path: "/captures/{file}"}: h.GetCapture,
		{Method: http.MethodGet, Path: "/stream"}:           h.Stream,
	}
	ascii.InjectRawComm(rt, s)
	locker.Inject(rt, lock)
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPOscilloscope) RT() generichttp.RouteTable {
	return h.RouteTable
}

// capture acquires channel with the instrument marked busy and stamps the
// metadata with an id, the channel, the instrument and the time
func (h HTTPOscilloscope) capture(ctx context.Context, channel string, meta map[string]interface{}) (oscilloscope.Capture, string, error) {
	if !h.Lock.Begin() {
		return oscilloscope.Capture{}, "", errBusy
	}
	defer h.Lock.End()
	c, err := h.Scope.CaptureRetry(ctx, channel)
	if err != nil {
		h.Log.Error("acquisition failed", zap.String("instrument", h.Name), zap.String("channel", channel), zap.Error(err))
		return c, "", err
	}
	id := uuid.New().String()
	md := make(map[string]interface{}, len(meta)+4)
	for k, v := range meta {
		md[k] = v
	}
	md["capture_id"] = id
	md["channel"] = channel
	md["instrument"] = h.Name
	md["captured_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	c.Metadata = md
	h.Log.Info("acquired", zap.String("instrument", h.Name), zap.String("channel", channel),
		zap.String("capture_id", id), zap.Int("samples", c.Len()))
	return c, id, nil
}

// Acquire captures a channel and replies with the capture as JSON
func (h HTTPOscilloscope) Acquire(w http.ResponseWriter, r *http.Request) {
	req := AcquireRequest{Channel: "CHAN1"}
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, _, err := h.capture(r.Context(), req.Channel, req.Metadata)
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.ReplyJSON(w, c)
}

// validName is true for a bare file name that stays inside the data directory
func validName(name string) bool {
	return name != "" && name == filepath.Base(name) && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// AcquireSave captures a channel and saves it under DataDir
func (h HTTPOscilloscope) AcquireSave(w http.ResponseWriter, r *http.Request) {
	req := AcquireRequest{Channel: "CHAN1"}
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name != "" && !validName(req.Name) {
		http.Error(w, fmt.Sprintf("invalid capture name %q", req.Name), http.StatusBadRequest)
		return
	}
	c, id, err := h.capture(r.Context(), req.Channel, req.Metadata)
	if err != nil {
		fail(w, err)
		return
	}
	name := req.Name
	if name == "" {
		name = id
	}
	paths, err := wavestore.Save(filepath.Join(h.DataDir, name), c)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.Log.Info("saved", zap.String("capture_id", id), zap.String("array", paths.Array), zap.String("sidecar", paths.Sidecar))
	generichttp.ReplyJSON(w, SaveResponse{
		CaptureID: id,
		Samples:   c.Len(),
		Array:     filepath.Base(paths.Array),
		Sidecar:   filepath.Base(paths.Sidecar),
	})
}

// GetPreamble replies with the preamble of the channel in the query string
func (h HTTPOscilloscope) GetPreamble(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "CHAN1"
	}
	if !h.Lock.Begin() {
		fail(w, errBusy)
		return
	}
	defer h.Lock.End()
	p, err := h.Scope.Preamble(channel)
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.ReplyJSON(w, p)
}

// GetCapture serves a saved file.  A .csv name is rendered from the
// capture of the same base name
func (h HTTPOscilloscope) GetCapture(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	if filepath.Ext(file) != ".csv" {
		server.ReplyWithFile(w, r, file, h.DataDir)
		return
	}
	if !validName(file) {
		http.Error(w, fmt.Sprintf("invalid file name %q", file), http.StatusBadRequest)
		return
	}
	c, err := wavestore.Load(filepath.Join(h.DataDir, file))
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	if err := c.EncodeCSV(w); err != nil {
		h.Log.Warn("csv export", zap.String("file", file), zap.Error(err))
	}
}
