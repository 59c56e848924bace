// Package sign produces detached ECDSA P-256 signatures over finalized
// documents. The signed message is the lowercase hex SHA-256 of the bytes.
package sign

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kalambet/scrubd/internal/adapter"
)

// Algorithm names the signature scheme in signature metadata.
const Algorithm = "ECDSA-P256-SHA256"

// KeyFileName is the default name of the PEM key inside the keys directory.
const KeyFileName = "signing_key.pem"

// Signer signs with a P-256 key stored as PKCS#8 PEM at keyPath. The key is
// read on first use; a missing or unreadable key is ErrKeyUnavailable.
type Signer struct {
	keyPath string
	clock   func() time.Time

	mu  sync.Mutex
	key *ecdsa.PrivateKey
}

// New returns a Signer for keyPath without touching the file.
func New(keyPath string) *Signer {
	return &Signer{keyPath: keyPath, clock: time.Now}
}

// LoadOrCreate returns a Signer, generating and persisting a new key (mode
// 0600) when keyPath does not exist.
func LoadOrCreate(keyPath string) (*Signer, error) {
	s := New(keyPath)
	if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		if err := writeKey(keyPath, key); err != nil {
			return nil, err
		}
		s.key = key
		return s, nil
	}
	if _, err := s.loadKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func writeKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return fmt.Errorf("writing signing key: %w", err)
	}
	return nil
}

func (s *Signer) loadKey() (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}
	data, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrKeyUnavailable, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s is not PEM", adapter.ErrKeyUnavailable, s.keyPath)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing key: %v", adapter.ErrKeyUnavailable, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: key is not ECDSA P-256", adapter.ErrKeyUnavailable)
	}
	s.key = key
	return key, nil
}

// Sign signs doc.Content. The document bytes are returned unchanged; the
// signature travels as detached metadata.
func (s *Signer) Sign(ctx context.Context, doc adapter.Document) (adapter.SignedDocument, error) {
	key, err := s.loadKey()
	if err != nil {
		return adapter.SignedDocument{}, err
	}
	digest := Digest(doc.Content)
	msg := sha256.Sum256([]byte(digest))
	sig, err := ecdsa.SignASN1(rand.Reader, key, msg[:])
	if err != nil {
		return adapter.SignedDocument{}, fmt.Errorf("%w: %v", adapter.ErrKeyUnavailable, err)
	}
	return adapter.SignedDocument{
		Document: doc,
		Signature: adapter.Signature{
			Algorithm: Algorithm,
			SHA256:    digest,
			Value:     hex.EncodeToString(sig),
			KeyID:     KeyID(&key.PublicKey),
			SignedAt:  s.clock().UTC(),
		},
	}, nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() (*ecdsa.PublicKey, error) {
	key, err := s.loadKey()
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// KeyID identifies a public key: the first 16 hex characters of the SHA-256
// of its PKIX encoding.
func KeyID(pub *ecdsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	return Digest(der)[:16]
}

// ErrBadSignature is returned by Verify on any mismatch.
var ErrBadSignature = errors.New("signature does not verify")

// Verify checks that sig covers content and was made by pub.
func Verify(pub *ecdsa.PublicKey, content []byte, sig adapter.Signature) error {
	if sig.Algorithm != Algorithm {
		return fmt.Errorf("%w: unexpected algorithm %q", ErrBadSignature, sig.Algorithm)
	}
	digest := Digest(content)
	if digest != sig.SHA256 {
		return fmt.Errorf("%w: content hash mismatch", ErrBadSignature)
	}
	raw, err := hex.DecodeString(sig.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	msg := sha256.Sum256([]byte(digest))
	if !ecdsa.VerifyASN1(pub, msg[:], raw) {
		return ErrBadSignature
	}
	return nil
}
