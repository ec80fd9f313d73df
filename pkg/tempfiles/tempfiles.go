// Package tempfiles removes pipeline temp files and the partial
// fragments downloader children leave behind.
package tempfiles

import (
	"os"
	"path/filepath"
	"strings"
)

// FragmentSuffixes are the partial-file shapes the external downloader
// produces while a download is in flight.
var FragmentSuffixes = []string{".part", ".ytdl", ".temp", ".part-"}

// Fragment reports whether name looks like a partial download rather
// than a finished file.
func Fragment(name string) bool {
	for _, s := range FragmentSuffixes {
		if strings.HasSuffix(name, s) || strings.Contains(name, s+"-") {
			return true
		}
	}
	return strings.Contains(name, "part-Frag")
}

// Remove deletes the tracked path. A tracked path is either a concrete
// file or a name prefix under which a downloader child wrote its output
// and fragments; both forms plus every prefix match are removed.
// Missing files are not an error.
func Remove(tracked string) error {
	var firstErr error
	if err := os.Remove(tracked); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	matches, err := filepath.Glob(tracked + "*")
	if err != nil {
		return firstErr
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Finished returns the prefix matches that are complete downloads:
// existing regular files that are not fragments.
func Finished(prefix string) ([]string, error) {
	matches, err := filepath.Glob(prefix + "*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		if Fragment(filepath.Base(m)) {
			continue
		}
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
			out = append(out, m)
		}
	}
	return out, nil
}
