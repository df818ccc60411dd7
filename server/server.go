// Package server contains misc server utilities.
package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// ReplyWithFile replies to the client request by serving the given file name
// from fldr.  fn must be a bare file name; anything reaching outside fldr is
// refused
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	if fn == "" || fn != filepath.Base(fn) || fn == "." || fn == ".." {
		http.Error(w, fmt.Sprintf("invalid file name %q", fn), http.StatusBadRequest)
		return
	}
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		http.Error(w, fmt.Sprintf("source file missing %s", fn), http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}
