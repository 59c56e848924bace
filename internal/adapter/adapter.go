// Package adapter defines the capability contracts the pipeline drives:
// extraction, detection, redaction and signing. Each contract is one method
// with a small closed set of errors so engines can be swapped freely.
package adapter

import (
	"context"
	"errors"
	"time"
)

// Closed error set. Implementations wrap one of these with context.
var (
	ErrUnreadable     = errors.New("document unreadable")
	ErrTimeout        = errors.New("adapter timeout")
	ErrApplyFailed    = errors.New("redaction apply failed")
	ErrKeyUnavailable = errors.New("signing key unavailable")
)

// Media types handled by the built-in engines.
const (
	MediaPDF  = "application/pdf"
	MediaPNG  = "image/png"
	MediaJPEG = "image/jpeg"
	MediaTIFF = "image/tiff"
)

// Document is an in-memory document. Content never leaves memory while a job
// is in flight.
type Document struct {
	Name      string
	MediaType string
	Content   []byte
}

// Rect is an axis-aligned box in page units with the origin at the top left.
type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Union returns the smallest rect covering r and o.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		X0: min(r.X0, o.X0),
		Y0: min(r.Y0, o.Y0),
		X1: max(r.X1, o.X1),
		Y1: max(r.Y1, o.Y1),
	}
}

// Intersects reports whether r and o share a region of positive area.
func (r Rect) Intersects(o Rect) bool {
	return r.X0 < o.X1 && o.X0 < r.X1 && r.Y0 < o.Y1 && o.Y0 < r.Y1
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return r.X1 <= r.X0 || r.Y1 <= r.Y0
}

// LayoutRegion maps the byte span [Start, End) of Extraction.Text to a box.
// Extractors emit one region per word.
type LayoutRegion struct {
	Page  int  `json:"page"`
	Line  int  `json:"line"`
	Start int  `json:"start"`
	End   int  `json:"end"`
	Box   Rect `json:"box"`
}

// Page describes one page's geometry.
type Page struct {
	Number int     `json:"number"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Extraction is the text layer of a document plus its positional metadata.
type Extraction struct {
	Text    string
	Pages   []Page
	Regions []LayoutRegion
}

// Entity sources.
const (
	SourceRule  = "rule"
	SourceModel = "model"
)

// Entity is a detected span of Extraction.Text.
type Entity struct {
	Category   string  `json:"category"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Region is an area to obliterate.
type Region struct {
	Page int  `json:"page"`
	Box  Rect `json:"box"`
}

// Signature is the detached signature metadata stored next to an artifact.
type Signature struct {
	Algorithm string    `json:"algorithm"`
	SHA256    string    `json:"sha256"`
	Value     string    `json:"signature"`
	KeyID     string    `json:"key_id"`
	SignedAt  time.Time `json:"signed_at"`
}

// SignedDocument is a finalized output with its signature.
type SignedDocument struct {
	Document  Document
	Signature Signature
}

// Extractor returns the text and layout of a document.
// Errors: ErrUnreadable, ErrTimeout.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (Extraction, error)
}

// Detector finds entities in extracted text.
// Errors: ErrTimeout.
type Detector interface {
	Detect(ctx context.Context, text string, regions []LayoutRegion) ([]Entity, error)
}

// Redactor obliterates regions so no extractable text remains under them.
// Errors: ErrApplyFailed.
type Redactor interface {
	Redact(ctx context.Context, doc Document, regions []Region) (Document, error)
}

// Signer signs finalized output bytes.
// Errors: ErrKeyUnavailable.
type Signer interface {
	Sign(ctx context.Context, doc Document) (SignedDocument, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, doc Document) (Extraction, error)

func (f ExtractorFunc) Extract(ctx context.Context, doc Document) (Extraction, error) {
	return f(ctx, doc)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, text string, regions []LayoutRegion) ([]Entity, error)

func (f DetectorFunc) Detect(ctx context.Context, text string, regions []LayoutRegion) ([]Entity, error) {
	return f(ctx, text, regions)
}

// RedactorFunc adapts a function to Redactor.
type RedactorFunc func(ctx context.Context, doc Document, regions []Region) (Document, error)

func (f RedactorFunc) Redact(ctx context.Context, doc Document, regions []Region) (Document, error) {
	return f(ctx, doc, regions)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, doc Document) (SignedDocument, error)

func (f SignerFunc) Sign(ctx context.Context, doc Document) (SignedDocument, error) {
	return f(ctx, doc)
}
