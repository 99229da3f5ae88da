package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/invitely-backend/pkg/storage"
)

const incomingDir = ".incoming"

var (
	// ErrUploadTooLarge is returned when a received upload exceeds the size limit.
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
	// ErrOutsideStaging is returned for paths that do not belong to the staging area.
	ErrOutsideStaging = errors.New("path is outside the staging area")
)

// StagedFile is an upload moved into the staging area.
type StagedFile struct {
	Path string
	Name string
	// AlreadyStaged is set when a duplicate retry found the file already moved.
	AlreadyStaged bool
}

// StagedEntry is a file found in the staging area while sweeping.
type StagedEntry struct {
	Path    string
	ModTime time.Time
}

// Staging is the durable directory bridging request time and job time.
// Uploads land in an incoming subdirectory on the same volume so staging is a
// hard link plus unlink, never a copy.
type Staging struct {
	dir      string
	incoming string
}

// NewStaging creates the staging directories when missing.
func NewStaging(dir string) (*Staging, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("staging dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve staging dir: %w", err)
	}
	incoming := filepath.Join(abs, incomingDir)
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Staging{dir: abs, incoming: incoming}, nil
}

// Dir returns the absolute staging directory.
func (s *Staging) Dir() string {
	return s.dir
}

// Receive copies an upload body into the incoming area, enforcing limit when positive.
func (s *Staging) Receive(body io.Reader, limit int64) (string, error) {
	path := filepath.Join(s.incoming, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create incoming file: %w", err)
	}

	reader := body
	if limit > 0 {
		reader = io.LimitReader(body, limit+1)
	}
	n, copyErr := io.Copy(f, reader)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("write incoming file: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("close incoming file: %w", closeErr)
	case limit > 0 && n > limit:
		_ = os.Remove(path)
		return "", ErrUploadTooLarge
	}
	return path, nil
}

const nonceLength = 8

var (
	// ErrStagedExists is returned when a staged name is already taken by another upload.
	ErrStagedExists = errors.New("staged file already exists")
	// ErrUploadMissing is returned when neither the received file nor its staged copy exist.
	ErrUploadMissing = errors.New("upload is neither received nor staged")
)

// StagedName is the disambiguated file name of the upload received at src.
// The nonce comes from the incoming file name, so every received upload gets
// its own name and a retry of the same upload gets the same one.
func StagedName(src, originalName string, receivedAt time.Time) string {
	return fmt.Sprintf("%d-%s-%s", receivedAt.UnixMilli(), stagingNonce(src), storage.SanitizeFileName(originalName))
}

func stagingNonce(src string) string {
	nonce := storage.SanitizeFileName(strings.ReplaceAll(filepath.Base(src), "-", ""))
	if len(nonce) > nonceLength {
		nonce = nonce[:nonceLength]
	}
	return nonce
}

// Locate returns the file currently holding the upload: the received file, or
// its staged copy when an earlier attempt already moved it.
func (s *Staging) Locate(src, originalName string, receivedAt time.Time) (string, error) {
	if _, err := os.Stat(src); err == nil {
		return src, nil
	}
	dest := filepath.Join(s.dir, StagedName(src, originalName, receivedAt))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	return "", ErrUploadMissing
}

// Stage moves src into the staging area without replacing an existing file.
// A missing source whose destination already exists is a duplicate retry and
// is reported as staged.
func (s *Staging) Stage(src, originalName string, receivedAt time.Time) (StagedFile, error) {
	name := StagedName(src, originalName, receivedAt)
	dest := filepath.Join(s.dir, name)
	if err := os.Link(src, dest); err != nil {
		if _, srcErr := os.Stat(src); errors.Is(srcErr, os.ErrNotExist) {
			if _, statErr := os.Stat(dest); statErr == nil {
				return StagedFile{Path: dest, Name: name, AlreadyStaged: true}, nil
			}
		}
		if errors.Is(err, os.ErrExist) {
			return StagedFile{}, fmt.Errorf("stage upload %s: %w", name, ErrStagedExists)
		}
		return StagedFile{}, fmt.Errorf("stage upload: %w", err)
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = os.Remove(dest)
		return StagedFile{}, fmt.Errorf("release received upload: %w", err)
	}
	return StagedFile{Path: dest, Name: name}, nil
}

// Owns reports whether path is a file directly inside the staging directory.
func (s *Staging) Owns(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return filepath.Dir(clean) == s.dir || filepath.Dir(clean) == s.incoming
}

// Read loads a staged file.
func (s *Staging) Read(path string) ([]byte, error) {
	if !s.Owns(path) {
		return nil, ErrOutsideStaging
	}
	return os.ReadFile(path)
}

// Remove deletes a staged file. Missing files are not an error.
func (s *Staging) Remove(path string) error {
	if path == "" {
		return nil
	}
	if !s.Owns(path) {
		return ErrOutsideStaging
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// OlderThan lists staged and incoming files last modified before cutoff.
func (s *Staging) OlderThan(cutoff time.Time) ([]StagedEntry, error) {
	var out []StagedEntry
	for _, dir := range []string{s.dir, s.incoming} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				out = append(out, StagedEntry{Path: filepath.Join(dir, entry.Name()), ModTime: info.ModTime()})
			}
		}
	}
	return out, nil
}
