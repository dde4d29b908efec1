// Package local is a filesystem-backed ObjectStore for development without
// S3. Upload and download URLs point at the API service's /objects routes and
// carry an HMAC signature over the operation, key and expiry.
package local

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/mediajobs/internal/objectstore"
)

// Signed URL operations.
const (
	OpPut = "put"
	OpGet = "get"
)

var (
	// ErrSignatureInvalid is returned when a URL signature does not match.
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrURLExpired is returned when a signed URL is used after its expiry.
	ErrURLExpired = errors.New("signed url expired")
)

// Config holds the storage root and URL signing settings.
type Config struct {
	Root       string
	BaseURL    string
	SigningKey string
}

// Store keeps objects as files under Root.
type Store struct {
	root    string
	baseURL string
	key     []byte
	now     func() time.Time
}

// New creates the root directory if needed.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("local storage: root is required")
	}
	if cfg.SigningKey == "" {
		return nil, errors.New("local storage: signing key is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: ensure root: %w", err)
	}
	return &Store{
		root:    root,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     []byte(cfg.SigningKey),
		now:     time.Now,
	}, nil
}

// PresignPut returns a signed upload URL.
func (s *Store) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.presign(OpPut, key, ttl)
}

// PresignGet returns a signed download URL.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.presign(OpGet, key, ttl)
}

func (s *Store) presign(op, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)

	q := url.Values{}
	q.Set("op", op)
	q.Set("expires", expires)
	q.Set("sig", s.sign(op, key, expires))

	return s.baseURL + "/objects/" + escapePath(key) + "?" + q.Encode(), nil
}

func (s *Store) sign(op, key, expires string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(op + "\n" + key + "\n" + expires))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signed request for op on key.
func (s *Store) Verify(op, key, expires, sig string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !hmac.Equal([]byte(s.sign(op, key, expires)), []byte(sig)) {
		return ErrSignatureInvalid
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > exp {
		return ErrURLExpired
	}
	return nil
}

// Write stores the contents of r at key, replacing any previous object.
func (s *Store) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fullPath, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, fmt.Errorf("local storage: ensure directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("local storage: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("local storage: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("local storage: close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return n, fmt.Errorf("local storage: commit file: %w", err)
	}
	return n, nil
}

// Open returns the object at key.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", objectstore.ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("local storage: open file: %w", err)
	}
	return f, nil
}

func (s *Store) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// ErrInvalidKey is returned for keys that are not already in canonical form.
var ErrInvalidKey = errors.New("local storage: invalid key")

// validateKey accepts only clean relative keys. Keys are never normalized, so
// two distinct keys can not resolve to the same file.
func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, "\\\x00") || path.IsAbs(key) || path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func escapePath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
