package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jamtrackd/jamtrack"
)

// Storage is the injected key-value store the session persists into. The
// browser original used ambient session storage; here it is a collaborator so
// the core is testable without one.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

const (
	sessionKey      = "session"
	masterVolumeKey = "master-volume"
)

// sessionRecord is the single persisted record restoring the last generated
// track across reloads. The yaml field names are the stable schema. Master
// volume is deliberately NOT part of it: it lives under its own key so it
// survives a track-state clear.
type sessionRecord struct {
	TrackSettings    jamtrack.TrackSettings                     `yaml:"trackSettings"`
	IsTrackGenerated bool                                       `yaml:"isTrackGenerated"`
	Instruments      map[jamtrack.InstrumentID]instrumentRecord `yaml:"instruments"`
}

type instrumentRecord struct {
	Volume     float64 `yaml:"volume"`
	SamplePath string  `yaml:"samplePath"`
}

func saveSession(st Storage, rec sessionRecord) error {
	out, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session record: %w", err)
	}
	return st.Set(sessionKey, string(out))
}

func loadSession(st Storage) (rec sessionRecord, ok bool, err error) {
	raw, found := st.Get(sessionKey)
	if !found {
		return rec, false, nil
	}
	if err := yaml.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, false, fmt.Errorf("unmarshaling session record: %w", err)
	}
	return rec, true, nil
}

// MemStorage is an in-memory Storage, used by tests and as the default when
// no store is injected.
type MemStorage struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{m: make(map[string]string)}
}

func (s *MemStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *MemStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// FileStorage keeps one file per key under a directory, so the CLI sessions
// survive restarts the way a browser session would survive a reload.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory %v: %w", dir, err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	// keys are our own constants, but keep them path-safe anyway
	key = strings.ReplaceAll(key, string(filepath.Separator), "-")
	return filepath.Join(s.dir, key)
}

func (s *FileStorage) Get(key string) (string, bool) {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (s *FileStorage) Set(key, value string) error {
	return os.WriteFile(s.path(key), []byte(value), 0o644)
}

func (s *FileStorage) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
