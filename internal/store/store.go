// Package store persists device events as JSON lines and archives
// utterance clips.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrInvalidStream = errors.New("invalid stream name")

// Entry is one line of an event stream.
type Entry struct {
	Kind    string          `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

type FileStore struct {
	baseDir string

	mu    sync.Mutex
	files map[string]*os.File
}

func NewFileStore(baseDir string) (*FileStore, error) {
	for _, dir := range []string{"events", "clips"} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &FileStore{
		baseDir: baseDir,
		files:   make(map[string]*os.File),
	}, nil
}

func (s *FileStore) streamPath(stream string) (string, error) {
	if stream == "" || stream != filepath.Base(stream) || strings.HasPrefix(stream, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidStream, stream)
	}
	return filepath.Join(s.baseDir, "events", stream+".jsonl"), nil
}

// Append writes one entry to the end of a stream file.
func (s *FileStore) Append(stream, kind string, at time.Time, payload any) error {
	path, err := s.streamPath(stream)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	line, err := json.Marshal(Entry{Kind: kind, At: at.UTC(), Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[stream]
	if !ok {
		file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open event file: %w", err)
		}
		s.files[stream] = file
	}

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// CloseStream releases the file handle of a finished stream.
func (s *FileStore) CloseStream(stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[stream]
	if !ok {
		return nil
	}
	delete(s.files, stream)
	return file.Close()
}

func (s *FileStore) LoadEvents(stream string) ([]Entry, error) {
	path, err := s.streamPath(stream)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// SaveClip stores an encoded utterance clip and returns its path.
func (s *FileStore) SaveClip(id uuid.UUID, clip []byte) (string, error) {
	path := filepath.Join(s.baseDir, "clips", id.String()+".opus")
	if err := os.WriteFile(path, clip, 0644); err != nil {
		return "", fmt.Errorf("failed to write clip: %w", err)
	}

	log.Debug().
		Str("clip_id", id.String()).
		Str("file", path).
		Int("size", len(clip)).
		Msg("Saved clip")

	return path, nil
}

func (s *FileStore) LoadClip(id uuid.UUID) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.baseDir, "clips", id.String()+".opus"))
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for stream, file := range s.files {
		errs = append(errs, file.Close())
		delete(s.files, stream)
	}
	return errors.Join(errs...)
}
