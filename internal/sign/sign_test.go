package sign

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/scrubd/internal/adapter"
)

func TestLoadOrCreatePersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", KeyFileName)

	s1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}

	s2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	p1, _ := s1.PublicKey()
	p2, _ := s2.PublicKey()
	if KeyID(p1) != KeyID(p2) {
		t.Error("reloading generated a different key")
	}
}

func TestSignVerify(t *testing.T) {
	s, err := LoadOrCreate(filepath.Join(t.TempDir(), KeyFileName))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	content := []byte("%PDF-1.4 redacted")
	signed, err := s.Sign(context.Background(), adapter.Document{Content: content})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig := signed.Signature
	if sig.Algorithm != Algorithm || sig.SHA256 != Digest(content) || sig.KeyID == "" || sig.SignedAt.IsZero() {
		t.Errorf("signature metadata = %+v", sig)
	}

	pub, _ := s.PublicKey()
	if err := Verify(pub, content, sig); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := Verify(pub, []byte("tampered"), sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify tampered = %v, want ErrBadSignature", err)
	}

	other, _ := LoadOrCreate(filepath.Join(t.TempDir(), KeyFileName))
	otherPub, _ := other.PublicKey()
	if err := Verify(otherPub, content, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify with other key = %v, want ErrBadSignature", err)
	}
}

func TestSignMissingKey(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent.pem"))
	_, err := s.Sign(context.Background(), adapter.Document{Content: []byte("x")})
	if !errors.Is(err, adapter.ErrKeyUnavailable) {
		t.Errorf("Sign = %v, want ErrKeyUnavailable", err)
	}
}

func TestSignCorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), KeyFileName)
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(path); !errors.Is(err, adapter.ErrKeyUnavailable) {
		t.Errorf("LoadOrCreate = %v, want ErrKeyUnavailable", err)
	}
}
