// Package redact obliterates regions of documents. PDFs are rebuilt from
// their text layer so covered words are absent from the output rather than
// hidden under a box; rasters are painted over.
package redact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strconv"

	"github.com/go-pdf/fpdf"
	"golang.org/x/text/encoding/charmap"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/extract"
)

const outputFont = "Helvetica"

// PDF re-renders every page at its original size, writing only the words
// that do not intersect a region and filling each region solid black.
//
// A page that draws images or forms, carries glyphs outside the output
// font's code page, or is too sparse to trust its text layer cannot be
// rebuilt from words alone. With a Rasterizer such pages are rendered,
// painted and embedded as a single image; without one Redact fails.
type PDF struct {
	raster extract.Rasterizer
}

// PDFOption configures a PDF redactor.
type PDFOption func(*PDF)

// WithRasterizer enables flattening of pages that cannot be rebuilt.
func WithRasterizer(r extract.Rasterizer) PDFOption {
	return func(p *PDF) { p.raster = r }
}

// NewPDF returns a PDF redactor.
func NewPDF(opts ...PDFOption) *PDF {
	p := &PDF{}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PDF) Redact(ctx context.Context, doc adapter.Document, regions []adapter.Region) (adapter.Document, error) {
	pages, err := extract.ReadPDF(doc.Content)
	if err != nil {
		return adapter.Document{}, fmt.Errorf("%w: reading source: %v", adapter.ErrApplyFailed, err)
	}
	if len(pages) == 0 {
		return adapter.Document{}, fmt.Errorf("%w: document has no pages", adapter.ErrApplyFailed)
	}

	byPage := map[int][]adapter.Rect{}
	for _, r := range regions {
		byPage[r.Page] = append(byPage[r.Page], r.Box)
	}

	out := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: pages[0].Width, Ht: pages[0].Height},
	})
	out.SetAutoPageBreak(false, 0)
	out.SetMargins(0, 0, 0)
	out.SetCreator("scrubd", true)
	tr := out.UnicodeTranslatorFromDescriptor("")

	for _, pl := range pages {
		if err := ctx.Err(); err != nil {
			return adapter.Document{}, fmt.Errorf("%w: %v", adapter.ErrApplyFailed, err)
		}
		out.AddPageFormat("P", fpdf.SizeType{Wd: pl.Width, Ht: pl.Height})
		boxes := byPage[pl.Number]

		if reason := unrebuildable(pl, p.raster != nil); reason != "" {
			if p.raster == nil {
				return adapter.Document{}, fmt.Errorf("%w: page %d %s", adapter.ErrApplyFailed, pl.Number, reason)
			}
			if err := p.flatten(ctx, out, doc.Content, pl, boxes); err != nil {
				return adapter.Document{}, err
			}
			continue
		}

		out.SetTextColor(0, 0, 0)
		for _, w := range pl.Words {
			if covered(w.Box, boxes) {
				continue
			}
			out.SetFont(outputFont, "", w.Size)
			out.Text(w.Box.X0, w.Baseline, tr(w.Text))
		}

		out.SetFillColor(0, 0, 0)
		for _, b := range boxes {
			if b.Empty() {
				continue
			}
			out.Rect(b.X0, b.Y0, b.X1-b.X0, b.Y1-b.Y0, "F")
		}
	}

	var buf bytes.Buffer
	if err := out.Output(&buf); err != nil {
		return adapter.Document{}, fmt.Errorf("%w: rendering: %v", adapter.ErrApplyFailed, err)
	}
	return adapter.Document{Name: doc.Name, MediaType: adapter.MediaPDF, Content: buf.Bytes()}, nil
}

// unrebuildable names what on the page a word-level rebuild would lose, or
// returns "". Sparse pages only count when they can be flattened, since
// their regions then come from OCR of the rendered page.
func unrebuildable(pl extract.PageLayout, canFlatten bool) string {
	if pl.XObjects > 0 {
		return fmt.Sprintf("draws %d image or form objects", pl.XObjects)
	}
	for _, w := range pl.Words {
		for _, r := range w.Text {
			if r < 0x80 {
				continue
			}
			if _, ok := charmap.Windows1252.EncodeRune(r); !ok {
				return fmt.Sprintf("has glyph %U outside the output code page", r)
			}
		}
	}
	if canFlatten && pl.Scanned() && pl.TextLen() > 0 {
		return "is below the text threshold"
	}
	return ""
}

// flatten renders the source page, paints the boxes and writes the raster
// as the whole page. No text layer survives.
func (p *PDF) flatten(ctx context.Context, out *fpdf.Fpdf, content []byte, pl extract.PageLayout, boxes []adapter.Rect) error {
	raw, err := p.raster.Rasterize(ctx, content, pl.Number)
	if err != nil {
		return fmt.Errorf("%w: page %d: %v", adapter.ErrApplyFailed, pl.Number, err)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: page %d raster: %v", adapter.ErrApplyFailed, pl.Number, err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return fmt.Errorf("%w: page %d raster is empty", adapter.ErrApplyFailed, pl.Number)
	}
	canvas, err := paint(ctx, src, boxes, float64(b.Dx())/pl.Width, float64(b.Dy())/pl.Height)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return fmt.Errorf("%w: page %d: encoding raster: %v", adapter.ErrApplyFailed, pl.Number, err)
	}
	name := "page-" + strconv.Itoa(pl.Number)
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	out.RegisterImageOptionsReader(name, opts, &buf)
	out.ImageOptions(name, 0, 0, pl.Width, pl.Height, false, opts, 0, "")
	if err := out.Error(); err != nil {
		return fmt.Errorf("%w: page %d: embedding raster: %v", adapter.ErrApplyFailed, pl.Number, err)
	}
	return nil
}

func covered(box adapter.Rect, regions []adapter.Rect) bool {
	for _, r := range regions {
		if box.Intersects(r) {
			return true
		}
	}
	return false
}
