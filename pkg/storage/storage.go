// Package storage resolves object keys and public URLs over a pluggable object backend.
package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// Backend is the minimal object-store surface a provider implements.
// Delete of a missing object must succeed.
type Backend interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Object identifies an uploaded object.
type Object struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// UploadInput describes one upload.
type UploadInput struct {
	Folder      string
	FileName    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Store builds keys under a fixed prefix and maps them to public URLs.
type Store struct {
	backend Backend
	prefix  string
	baseURL string
	now     func() time.Time
	suffix  func() string
}

func NewStore(backend Backend, prefix, publicBaseURL string) (*Store, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		return nil, errors.New("public base url is required")
	}
	return &Store{
		backend: backend,
		prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
		baseURL: base,
		now:     time.Now,
		suffix:  randomSuffix,
	}, nil
}

// Upload writes the body under a fresh key and returns its key and public URL.
func (s *Store) Upload(ctx context.Context, in UploadInput) (Object, error) {
	if in.Body == nil {
		return Object{}, errors.New("upload body is required")
	}
	key := s.BuildKey(in.Folder, in.FileName)
	if err := s.backend.Put(ctx, key, in.ContentType, in.Body, in.Size); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return Object{Key: key, URL: s.URL(key)}, nil
}

// Delete removes an object by key or by public URL. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, keyOrURL string) error {
	key := s.KeyFromURL(keyOrURL)
	if key == "" {
		return errors.New("object key is required")
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// BuildKey returns <prefix>/<folder>/<unix-ms>-<random>-<safe-name>.
func (s *Store) BuildKey(folder, fileName string) string {
	name := fmt.Sprintf("%d-%s-%s", s.now().UTC().UnixMilli(), s.suffix(), SanitizeFileName(fileName))
	parts := make([]string, 0, 3)
	if s.prefix != "" {
		parts = append(parts, s.prefix)
	}
	if f := strings.Trim(strings.TrimSpace(folder), "/"); f != "" {
		parts = append(parts, f)
	}
	parts = append(parts, name)
	return strings.Join(parts, "/")
}

// URL is the public address of key.
func (s *Store) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

// KeyFromURL strips the public base URL (or any scheme and host) from value.
// Plain keys are returned unchanged.
func (s *Store) KeyFromURL(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, s.baseURL+"/") {
		return strings.TrimPrefix(value, s.baseURL+"/")
	}
	if u, err := url.Parse(value); err == nil && u.Scheme != "" && u.Host != "" {
		return strings.TrimLeft(u.Path, "/")
	}
	return strings.TrimLeft(value, "/")
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeFileName keeps the base name and replaces anything outside [a-zA-Z0-9._-].
func SanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" {
		base = ""
	}
	clean := unsafeNameChars.ReplaceAllString(base, "_")
	clean = strings.Trim(clean, "._")
	if clean == "" {
		return "file"
	}
	if len(clean) > 120 {
		clean = clean[len(clean)-120:]
	}
	return clean
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix() string {
	out := make([]byte, 6)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			out[i] = suffixAlphabet[i%len(suffixAlphabet)]
			continue
		}
		out[i] = suffixAlphabet[n.Int64()]
	}
	return string(out)
}
