// Package samples manages the sample files backing tracks are built from:
// bundled defaults plus user uploads, resolved per instrument with the
// newest upload winning.
package samples

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jamtrackd/jamtrack"
)

// ErrNoSample means neither an upload nor a default exists for the
// instrument.
var ErrNoSample = errors.New("no sample available")

var allowedExts = map[string]bool{".wav": true, ".mp3": true}

// Store resolves instruments to sample files. Uploads live under
// root/uploads/<instrument>/, defaults under root/defaults/ named after the
// instrument.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	for _, id := range jamtrack.Instruments {
		if err := os.MkdirAll(filepath.Join(root, "uploads", string(id)), 0o755); err != nil {
			return nil, fmt.Errorf("create sample store: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "defaults"), 0o755); err != nil {
		return nil, fmt.Errorf("create sample store: %w", err)
	}
	return &Store{root: root}, nil
}

// Resolve returns the sample path for an instrument: the most recent upload
// when one exists, otherwise the bundled default.
func (s *Store) Resolve(id jamtrack.InstrumentID) (string, error) {
	if !jamtrack.ValidInstrument(id) {
		return "", fmt.Errorf("unknown instrument %q", id)
	}
	uploads, err := s.List(id)
	if err != nil {
		return "", err
	}
	if len(uploads) > 0 {
		return uploads[0], nil
	}
	for ext := range allowedExts {
		p := filepath.Join(s.root, "defaults", string(id)+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrNoSample, id)
}

// List returns the instrument's uploaded samples, newest first.
func (s *Store) List(id jamtrack.InstrumentID) ([]string, error) {
	dir := filepath.Join(s.root, "uploads", string(id))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type dated struct {
		path string
		mod  time.Time
	}
	var files []dated
	for _, e := range entries {
		if e.IsDir() || !allowedExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, dated{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// Upload stores a new sample for an instrument and returns its path. The
// name's extension decides the format; unsupported formats are rejected
// before any bytes are read.
func (s *Store) Upload(id jamtrack.InstrumentID, name string, r io.Reader) (string, error) {
	if !jamtrack.ValidInstrument(id) {
		return "", fmt.Errorf("unknown instrument %q", id)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExts[ext] {
		return "", fmt.Errorf("unsupported sample format %q", ext)
	}
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	fname := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), base, ext)
	path := filepath.Join(s.root, "uploads", string(id), fname)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("store sample: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("store sample: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("store sample: %w", err)
	}
	return path, nil
}

// Delete removes an uploaded sample. Only paths inside the store's upload
// area are accepted.
func (s *Store) Delete(path string) error {
	uploads := filepath.Join(s.root, "uploads")
	rel, err := filepath.Rel(uploads, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("not an uploaded sample: %s", path)
	}
	return os.Remove(path)
}
