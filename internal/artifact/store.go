package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

// ErrNotFound is returned for paths outside the store or missing files.
var ErrNotFound = errors.New("recording not found")

const (
	filePrefix = "recording_"
	fileExt    = ".webm"
)

// Store keeps recordings on local disk until they are transcribed and saved.
// Artifacts of failed sessions stay here for manual recovery.
type Store struct {
	dir string
	now func() time.Time
	log *zap.Logger

	mu sync.Mutex
}

// NewStore creates the storage directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	return &Store{
		dir: dir,
		now: time.Now,
		log: logger.WithModule("artifact"),
	}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// Write stores data as recording_<unixms>_<meetingID>.webm. The file is
// written to a temporary name and renamed so readers never see it partial.
func (s *Store) Write(meetingID string, data []byte) (models.Recording, error) {
	if meetingID == "" {
		return models.Recording{}, errors.New("meeting id is required")
	}

	created := s.now()
	name := fmt.Sprintf("%s%d_%s%s", filePrefix, created.UnixMilli(), sanitize(meetingID), fileExt)
	path := filepath.Join(s.dir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return models.Recording{}, fmt.Errorf("failed to create recording: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return models.Recording{}, fmt.Errorf("failed to write recording: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return models.Recording{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return models.Recording{}, fmt.Errorf("failed to finalize recording: %w", err)
	}

	s.log.Info("recording saved", zap.String("meeting_id", meetingID), zap.String("file", name), zap.Int("bytes", len(data)))

	return models.Recording{
		Name:      name,
		MeetingID: meetingID,
		Size:      int64(len(data)),
		CreatedAt: created,
		Path:      path,
	}, nil
}

// Read returns the contents of a stored recording.
func (s *Store) Read(rec models.Recording) ([]byte, error) {
	path, err := s.resolve(rec.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Remove deletes a recording. Removing a missing file is not an error.
func (s *Store) Remove(rec models.Recording) error {
	path, err := s.resolve(rec.Path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	return nil
}

// Exists reports whether the recording file is still on disk.
func (s *Store) Exists(rec models.Recording) bool {
	path, err := s.resolve(rec.Path)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// List returns the retained recordings, oldest first.
func (s *Store) List() ([]models.Recording, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	recordings := make([]models.Recording, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rec, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		rec.Size = info.Size()
		rec.Path = filepath.Join(s.dir, entry.Name())
		recordings = append(recordings, rec)
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].CreatedAt.Before(recordings[j].CreatedAt)
	})
	return recordings, nil
}

// Archive writes every retained recording into a tar.gz stream.
func (s *Store) Archive(w io.Writer) (int, error) {
	recordings, err := s.List()
	if err != nil {
		return 0, err
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	count := 0
	for _, rec := range recordings {
		if err := addFile(tarWriter, rec); err != nil {
			tarWriter.Close()
			gzWriter.Close()
			return count, fmt.Errorf("archive %s: %w", rec.Name, err)
		}
		count++
	}

	if err := tarWriter.Close(); err != nil {
		gzWriter.Close()
		return count, err
	}
	return count, gzWriter.Close()
}

func addFile(tw *tar.Writer, rec models.Recording) error {
	file, err := os.Open(rec.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		return err
	}
	header.Name = rec.Name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// resolve rejects paths that escape the store directory.
func (s *Store) resolve(path string) (string, error) {
	if path == "" {
		return "", ErrNotFound
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(s.dir)
	if err != nil {
		return "", err
	}
	if filepath.Dir(abs) != root {
		return "", ErrNotFound
	}
	return abs, nil
}

func parseName(name string) (models.Recording, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return models.Recording{}, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	stamp, meetingID, ok := strings.Cut(rest, "_")
	if !ok || meetingID == "" {
		return models.Recording{}, false
	}
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return models.Recording{}, false
	}
	return models.Recording{
		Name:      name,
		MeetingID: meetingID,
		CreatedAt: time.UnixMilli(ms),
	}, true
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, id)
}
