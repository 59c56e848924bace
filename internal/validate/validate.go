// Package validate runs the admission gates a document must pass before any
// content is processed: extension, sniffed content type, size, encryption and
// page count, in that order.
package validate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/extract"
	"github.com/kalambet/scrubd/internal/policy"
)

// Rejection reasons.
const (
	ReasonExtension = "ExtensionNotAllowed"
	ReasonMediaType = "MediaTypeNotAllowed"
	ReasonSize      = "SizeLimitExceeded"
	ReasonEncrypted = "EncryptedDocument"
	ReasonPages     = "PageLimitExceeded"
	ReasonMalformed = "MalformedDocument"
)

// Rejection is a policy failure. It is terminal and never retried.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	return r.Reason + ": " + r.Detail
}

func reject(reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection returns the Rejection wrapped in err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

// extensionTypes is the media type each allowed extension must sniff as.
var extensionTypes = map[string]string{
	".pdf":  adapter.MediaPDF,
	".jpg":  adapter.MediaJPEG,
	".jpeg": adapter.MediaJPEG,
	".png":  adapter.MediaPNG,
	".tif":  adapter.MediaTIFF,
	".tiff": adapter.MediaTIFF,
}

// Result describes an admitted document.
type Result struct {
	MediaType string
	Size      int64
	Pages     int
	Content   []byte
}

// File validates the file at path. At most MaxSizeBytes+1 bytes are read, so
// an oversized input never lands in memory whole. I/O failures are returned
// as plain errors, not rejections.
func File(path string, p policy.Policy) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat input: %w", err)
	}
	content, err := io.ReadAll(io.LimitReader(f, p.MaxSizeBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("reading input: %w", err)
	}
	return check(filepath.Base(path), max(st.Size(), int64(len(content))), content, p)
}

// Check validates an in-memory document named name.
func Check(name string, content []byte, p policy.Policy) (Result, error) {
	return check(name, int64(len(content)), content, p)
}

func check(name string, size int64, content []byte, p policy.Policy) (Result, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(p.AllowedExtensions, ext) {
		return Result{}, reject(ReasonExtension, "extension %q is not allowed", ext)
	}

	mt, err := sniff(ext, content, p)
	if err != nil {
		return Result{}, err
	}

	if size > p.MaxSizeBytes {
		return Result{}, reject(ReasonSize, "size %d bytes exceeds the %d byte limit", size, p.MaxSizeBytes)
	}

	res := Result{MediaType: mt, Size: size, Pages: 1, Content: content}
	if mt != adapter.MediaPDF {
		return res, nil
	}

	info, err := extract.Inspect(content)
	if err != nil {
		return Result{}, reject(ReasonMalformed, "pdf structure cannot be read")
	}
	if info.Encrypted {
		return Result{}, reject(ReasonEncrypted, "pdf is encrypted or password-protected")
	}
	if info.Pages == 0 {
		return Result{}, reject(ReasonMalformed, "pdf has no pages")
	}
	if info.Pages > p.MaxPages {
		return Result{}, reject(ReasonPages, "pdf has %d pages, limit is %d", info.Pages, p.MaxPages)
	}
	res.Pages = info.Pages
	return res, nil
}

// sniff detects the content type from the bytes and checks it against the
// allow-list and the extension.
func sniff(ext string, content []byte, p policy.Policy) (string, error) {
	detected := mimetype.Detect(content)
	var mt string
	for _, allowed := range p.AllowedMediaTypes {
		if detected.Is(allowed) {
			mt = allowed
			break
		}
	}
	if mt == "" {
		return "", reject(ReasonMediaType, "content type %s is not allowed", detected.String())
	}
	if want, ok := extensionTypes[ext]; ok && want != mt {
		return "", reject(ReasonMediaType, "content type %s does not match extension %q", mt, ext)
	}
	return mt, nil
}
