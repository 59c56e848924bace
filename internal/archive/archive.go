// Package archive stores signed artifacts: the redacted document plus a
// .sig.json sidecar holding its detached signature. Files are written to a
// temporary name and renamed into place, so a crash leaves either a complete
// artifact or a leftover .tmp file.
package archive

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/sign"
)

// SidecarSuffix is appended to an artifact path to name its signature file.
const SidecarSuffix = ".sig.json"

var (
	// ErrMissing is returned when the artifact or its sidecar does not exist.
	ErrMissing = errors.New("artifact missing")
	// ErrCorrupt is returned when an artifact exists but does not verify.
	ErrCorrupt = errors.New("artifact corrupt")
)

// KeySource provides the verification key. *sign.Signer satisfies it.
type KeySource interface {
	PublicKey() (*ecdsa.PublicKey, error)
}

type Store struct {
	dir  string
	keys KeySource
}

func New(dir string, keys KeySource) *Store {
	return &Store{dir: dir, keys: keys}
}

// Dir returns the archive directory.
func (s *Store) Dir() string { return s.dir }

// Extension returns the file extension used for a media type.
func Extension(mediaType string) string {
	switch mediaType {
	case adapter.MediaPDF:
		return ".pdf"
	case adapter.MediaPNG:
		return ".png"
	case adapter.MediaJPEG:
		return ".jpg"
	case adapter.MediaTIFF:
		return ".tiff"
	}
	return ".bin"
}

// Path returns where the artifact for jobID with mediaType lives.
func (s *Store) Path(jobID, mediaType string) string {
	return filepath.Join(s.dir, jobID+Extension(mediaType))
}

// Put writes the signed document and its sidecar and returns the artifact
// path. Writing the same job again replaces both files.
func (s *Store) Put(jobID string, sd adapter.SignedDocument) (string, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	path := s.Path(jobID, sd.Document.MediaType)
	meta, err := json.MarshalIndent(sd.Signature, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal signature: %w", err)
	}
	// Sidecar last: its presence marks the artifact complete.
	if err := writeAtomic(path, sd.Document.Content); err != nil {
		return "", err
	}
	if err := writeAtomic(path+SidecarSuffix, append(meta, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Check confirms the artifact at path is well-formed: both files exist, the
// sidecar parses, the content hash matches and the signature verifies
// against the current key.
func (s *Store) Check(path string) (adapter.Signature, error) {
	if path == "" {
		return adapter.Signature{}, ErrMissing
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return adapter.Signature{}, ErrMissing
	}
	if err != nil {
		return adapter.Signature{}, fmt.Errorf("reading artifact: %w", err)
	}
	raw, err := os.ReadFile(path + SidecarSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return adapter.Signature{}, ErrMissing
	}
	if err != nil {
		return adapter.Signature{}, fmt.Errorf("reading signature: %w", err)
	}

	var sig adapter.Signature
	if err := json.Unmarshal(raw, &sig); err != nil {
		return adapter.Signature{}, fmt.Errorf("%w: sidecar: %v", ErrCorrupt, err)
	}
	pub, err := s.keys.PublicKey()
	if err != nil {
		return adapter.Signature{}, err
	}
	if err := sign.Verify(pub, content, sig); err != nil {
		return adapter.Signature{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return sig, nil
}

// Remove deletes the artifact at path, its sidecar and any temporary files.
// Missing files are not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	var errs []error
	for _, p := range []string{path, path + SidecarSuffix, path + ".tmp", path + SidecarSuffix + ".tmp"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveJob deletes whatever partial output exists for jobID.
func (s *Store) RemoveJob(jobID string) error {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading archive dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), jobID+".") {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
