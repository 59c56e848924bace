package validate

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/testpdf"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCheckAccepts(t *testing.T) {
	p := policy.Default()

	res, err := Check("scan.pdf", testpdf.Build(t, []string{"one"}, []string{"two"}), p)
	if err != nil {
		t.Fatalf("Check pdf: %v", err)
	}
	if res.MediaType != adapter.MediaPDF || res.Pages != 2 {
		t.Errorf("pdf result = %+v", res)
	}

	res, err = Check("photo.PNG", pngBytes(t), p)
	if err != nil {
		t.Fatalf("Check png: %v", err)
	}
	if res.MediaType != adapter.MediaPNG || res.Pages != 1 {
		t.Errorf("png result = %+v", res)
	}
}

func TestCheckRejects(t *testing.T) {
	small := policy.Default()
	small.MaxSizeBytes = 64
	twoPages := policy.Default()
	twoPages.MaxPages = 2

	tests := []struct {
		name    string
		file    string
		content []byte
		p       policy.Policy
		reason  string
	}{
		{"extension", "notes.txt", []byte("hello"), policy.Default(), ReasonExtension},
		{"sniffed type", "notes.pdf", []byte("plain text pretending"), policy.Default(), ReasonMediaType},
		{"extension mismatch", "image.pdf", pngBytes(t), policy.Default(), ReasonMediaType},
		{"size", "big.pdf", testpdf.Build(t, []string{"x"}), small, ReasonSize},
		{"encrypted", "locked.pdf", testpdf.Encrypted(t), policy.Default(), ReasonEncrypted},
		{"pages", "long.pdf", testpdf.Build(t, []string{"a"}, []string{"b"}, []string{"c"}), twoPages, ReasonPages},
		{"malformed", "broken.pdf", []byte("%PDF-1.4\nthis is not a pdf body"), policy.Default(), ReasonMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Check(tt.file, tt.content, tt.p)
			rej, ok := AsRejection(err)
			if !ok {
				t.Fatalf("Check = %v, want a rejection", err)
			}
			if rej.Reason != tt.reason {
				t.Errorf("reason = %q, want %q (detail %q)", rej.Reason, tt.reason, rej.Detail)
			}
			if rej.Detail == "" {
				t.Error("rejection has no detail")
			}
		})
	}
}

func TestGateOrder(t *testing.T) {
	// An oversized encrypted pdf fails on size, which runs first.
	p := policy.Default()
	p.MaxSizeBytes = 16
	_, err := Check("locked.pdf", testpdf.Encrypted(t), p)
	if rej, ok := AsRejection(err); !ok || rej.Reason != ReasonSize {
		t.Errorf("Check = %v, want %s", err, ReasonSize)
	}
}

func TestFileReadsAtMostLimit(t *testing.T) {
	p := policy.Default()
	content := testpdf.Build(t, []string{"a"})
	p.MaxSizeBytes = int64(len(content) - 1)

	path := filepath.Join(t.TempDir(), "in.pdf")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := File(path, p)
	rej, ok := AsRejection(err)
	if !ok || rej.Reason != ReasonSize {
		t.Fatalf("File = %v, want %s", err, ReasonSize)
	}
	if !strings.Contains(rej.Detail, "exceeds") {
		t.Errorf("detail = %q", rej.Detail)
	}

	p.MaxSizeBytes = int64(len(content))
	res, err := File(path, p)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if !bytes.Equal(res.Content, content) {
		t.Error("content not read in full")
	}
}

func TestFileMissing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "absent.pdf"), policy.Default())
	if err == nil {
		t.Fatal("File on missing path succeeded")
	}
	if _, ok := AsRejection(err); ok {
		t.Error("missing file reported as a policy rejection")
	}
}
