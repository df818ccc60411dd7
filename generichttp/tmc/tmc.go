// Package tmc provides an HTTP interface to test and measurement devices
package tmc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nasa-jpl/wavecap/rigol"
	"github.com/nasa-jpl/wavecap/wavestore"
)

// errBusy is returned when another acquisition holds the instrument
var errBusy = errors.New("instrument is locked or busy")

// errStatus picks the HTTP status for an error from an instrument
func errStatus(err error) int {
	switch {
	case errors.Is(err, errBusy):
		return http.StatusLocked
	case errors.Is(err, rigol.ErrBadChannel):
		return http.StatusBadRequest
	case errors.Is(err, wavestore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errStatus(err))
}

// decode reads a JSON body into v.  An empty body leaves v as is
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
