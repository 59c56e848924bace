// Package extract implements text extraction with positions: the PDF text
// layer via ledongthuc/pdf and images via the tesseract CLI. PDF pages with
// almost no text layer are rendered and passed through OCR.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/scrubd/internal/adapter"
)

// Default page size (US Letter, points) when a page carries no media box.
const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
)

// Glyph metrics used when the font dictionary has no widths.
const (
	estAdvance = 0.5 // em fraction per rune
	ascent     = 0.8
	descent    = 0.2
)

// Word is one positioned word of a PDF page. Box uses a top-left origin;
// Baseline is the distance from the top edge to the text baseline.
type Word struct {
	Text     string
	Box      adapter.Rect
	Baseline float64
	Size     float64
	Line     int
}

// MinPageText is the number of non-space characters below which a page is
// treated as scanned.
const MinPageText = 20

// PageLayout is the geometry and words of one page. XObjects counts the
// images and forms the page content draws.
type PageLayout struct {
	Number   int
	Width    float64
	Height   float64
	Words    []Word
	XObjects int
}

// TextLen returns the number of non-space characters in the text layer.
func (p PageLayout) TextLen() int {
	n := 0
	for _, w := range p.Words {
		for _, r := range w.Text {
			if !unicode.IsSpace(r) {
				n++
			}
		}
	}
	return n
}

// Scanned reports whether the page is too sparse to trust its text layer.
func (p PageLayout) Scanned() bool { return p.TextLen() < MinPageText }

type glyph struct {
	r    rune
	x, w float64
	y    float64
	size float64
}

// ReadPDF parses content into pages of positioned words. Any parser failure,
// including a panic inside the parser on malformed input, is ErrUnreadable.
func ReadPDF(content []byte) (pages []PageLayout, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("%w: pdf parser: %v", adapter.ErrUnreadable, r)
		}
	}()

	rd, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrUnreadable, err)
	}
	n := rd.NumPage()
	for i := 1; i <= n; i++ {
		p := rd.Page(i)
		if p.V.IsNull() {
			continue
		}
		w, h := mediaBox(p.V)
		pl := PageLayout{Number: i, Width: w, Height: h, XObjects: countXObjects(p.V, p.Resources())}
		pl.Words = layoutWords(p.Content().Text, h)
		pages = append(pages, pl)
	}
	return pages, nil
}

// PDFInfo is what validation needs to know about a PDF.
type PDFInfo struct {
	Pages     int
	Encrypted bool
}

// Inspect reads the document structure without decoding content streams. A
// document that needs a password, or carries any Encrypt dictionary, is
// reported as encrypted rather than as an error.
func Inspect(content []byte) (info PDFInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			info, err = PDFInfo{}, fmt.Errorf("%w: pdf parser: %v", adapter.ErrUnreadable, r)
		}
	}()
	rd, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if errors.Is(err, pdf.ErrInvalidPassword) {
		return PDFInfo{Encrypted: true}, nil
	}
	if err != nil && bytes.Contains(content, []byte("/Encrypt")) {
		// Unsupported security handlers fail to open; they are still encrypted.
		return PDFInfo{Encrypted: true}, nil
	}
	if err != nil {
		return PDFInfo{}, fmt.Errorf("%w: %v", adapter.ErrUnreadable, err)
	}
	return PDFInfo{
		Pages:     rd.NumPage(),
		Encrypted: !rd.Trailer().Key("Encrypt").IsNull(),
	}, nil
}

var doOp = regexp.MustCompile(`/([^\s/\[\]<>(){}%]+)\s*Do\b`)

// countXObjects counts the image and form objects the page content invokes.
// Resource dictionaries are often shared between pages, so only names used
// with the Do operator count.
func countXObjects(page pdf.Value, res pdf.Value) int {
	xo := res.Key("XObject")
	if len(xo.Keys()) == 0 {
		return 0
	}
	var content []byte
	streams := page.Key("Contents")
	if streams.Kind() == pdf.Array {
		for i := 0; i < streams.Len(); i++ {
			content = append(content, readStream(streams.Index(i))...)
			content = append(content, '\n')
		}
	} else {
		content = readStream(streams)
	}
	n := 0
	for _, m := range doOp.FindAllSubmatch(content, -1) {
		switch xo.Key(string(m[1])).Key("Subtype").Name() {
		case "Image", "Form":
			n++
		}
	}
	return n
}

func readStream(v pdf.Value) []byte {
	if v.Kind() != pdf.Stream {
		return nil
	}
	rc := v.Reader()
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	return b
}

func mediaBox(v pdf.Value) (float64, float64) {
	for node := v; !node.IsNull(); node = node.Key("Parent") {
		box := node.Key("MediaBox")
		if box.Len() == 4 {
			w := box.Index(2).Float64() - box.Index(0).Float64()
			h := box.Index(3).Float64() - box.Index(1).Float64()
			if w > 0 && h > 0 {
				return w, h
			}
		}
	}
	return defaultPageWidth, defaultPageHeight
}

// layoutWords groups glyphs into lines by baseline and lines into words by
// whitespace and horizontal gaps. pageHeight flips the y axis.
func layoutWords(texts []pdf.Text, pageHeight float64) []Word {
	glyphs := toGlyphs(texts)

	type line struct {
		y      float64
		glyphs []glyph
	}
	var lines []*line
	for _, g := range glyphs {
		var target *line
		for _, l := range lines {
			if abs(l.y-g.y) <= g.size*0.5 {
				target = l
				break
			}
		}
		if target == nil {
			target = &line{y: g.y}
			lines = append(lines, target)
		}
		target.glyphs = append(target.glyphs, g)
	}
	// PDF y grows upwards: the highest baseline is the first line.
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].y > lines[j].y })

	var words []Word
	for li, l := range lines {
		sort.SliceStable(l.glyphs, func(i, j int) bool { return l.glyphs[i].x < l.glyphs[j].x })
		var cur []glyph
		flush := func() {
			if len(cur) == 0 {
				return
			}
			words = append(words, makeWord(cur, li, pageHeight))
			cur = nil
		}
		for _, g := range l.glyphs {
			if unicode.IsSpace(g.r) {
				flush()
				continue
			}
			if len(cur) > 0 {
				last := cur[len(cur)-1]
				if g.x-(last.x+last.w) > last.size*0.3 {
					flush()
				}
			}
			cur = append(cur, g)
		}
		flush()
	}
	return words
}

// toGlyphs splits text items into single-rune glyphs and fills in missing
// advances. Parsers report zero widths for fonts without a Widths array and
// then place every glyph of a run at the run origin; a cursor restores the
// run layout from estimated advances.
func toGlyphs(texts []pdf.Text) []glyph {
	var out []glyph
	var lastX, lastY, cursor float64
	started := false
	for _, t := range texts {
		runes := []rune(t.S)
		if len(runes) == 0 || t.FontSize <= 0 {
			continue
		}
		size := t.FontSize
		if t.W > 0 {
			step := t.W / float64(len(runes))
			for i, r := range runes {
				out = append(out, glyph{r: r, x: t.X + step*float64(i), w: step, y: t.Y, size: size})
			}
			lastX, lastY, cursor, started = t.X, t.Y, t.X+t.W, true
			continue
		}
		x := t.X
		if started && t.X == lastX && t.Y == lastY {
			x = cursor
		}
		for _, r := range runes {
			adv := size * estAdvance
			out = append(out, glyph{r: r, x: x, w: adv, y: t.Y, size: size})
			x += adv
		}
		lastX, lastY, cursor, started = t.X, t.Y, x, true
	}
	return out
}

func makeWord(gs []glyph, line int, pageHeight float64) Word {
	var sb strings.Builder
	size := 0.0
	for _, g := range gs {
		sb.WriteRune(g.r)
		size = max(size, g.size)
	}
	first, last := gs[0], gs[len(gs)-1]
	baseline := pageHeight - first.y
	return Word{
		Text: sb.String(),
		Box: adapter.Rect{
			X0: first.x,
			Y0: baseline - size*ascent,
			X1: last.x + last.w,
			Y1: baseline + size*descent,
		},
		Baseline: baseline,
		Size:     size,
		Line:     line,
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// PDF extracts the text layer of PDF documents. With OCR configured, pages
// under MinPageText characters are rendered and read by the OCR extractor
// instead.
type PDF struct {
	raster Rasterizer
	ocr    adapter.Extractor
	logger *slog.Logger
}

// PDFOption configures a PDF extractor.
type PDFOption func(*PDF)

// WithOCR enables the scanned-page fallback.
func WithOCR(r Rasterizer, ocr adapter.Extractor) PDFOption {
	return func(p *PDF) {
		p.raster = r
		p.ocr = ocr
	}
}

// WithLogger sets the extractor's logger.
func WithLogger(l *slog.Logger) PDFOption {
	return func(p *PDF) { p.logger = l }
}

// NewPDF returns a PDF extractor.
func NewPDF(opts ...PDFOption) *PDF {
	p := &PDF{logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Extract returns the page text with one layout region per word. Words are
// joined by spaces, lines by newlines and pages by form feeds.
func (p *PDF) Extract(ctx context.Context, doc adapter.Document) (adapter.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Extraction{}, fmt.Errorf("%w: %v", adapter.ErrTimeout, err)
	}
	pages, err := ReadPDF(doc.Content)
	if err != nil {
		return adapter.Extraction{}, err
	}
	if p.raster != nil && p.ocr != nil {
		for i := range pages {
			if !pages[i].Scanned() {
				continue
			}
			p.logger.Info("page below text threshold, using ocr",
				"page", pages[i].Number, "chars", pages[i].TextLen(), "threshold", MinPageText)
			words, err := p.ocrPage(ctx, doc.Content, pages[i])
			if err != nil {
				return adapter.Extraction{}, err
			}
			pages[i].Words = words
		}
	}
	return FromPages(pages), nil
}

// ocrPage renders one page and maps the OCR word boxes from pixels back to
// page units.
func (p *PDF) ocrPage(ctx context.Context, content []byte, pl PageLayout) ([]Word, error) {
	img, err := p.raster.Rasterize(ctx, content, pl.Number)
	if err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: page %d raster: %v", adapter.ErrUnreadable, pl.Number, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("%w: page %d raster is empty", adapter.ErrUnreadable, pl.Number)
	}
	ext, err := p.ocr.Extract(ctx, adapter.Document{MediaType: adapter.MediaPNG, Content: img})
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pl.Number, err)
	}

	sx := pl.Width / float64(cfg.Width)
	sy := pl.Height / float64(cfg.Height)
	words := make([]Word, 0, len(ext.Regions))
	for _, r := range ext.Regions {
		if r.Start < 0 || r.End > len(ext.Text) || r.Start >= r.End {
			continue
		}
		box := adapter.Rect{X0: r.Box.X0 * sx, Y0: r.Box.Y0 * sy, X1: r.Box.X1 * sx, Y1: r.Box.Y1 * sy}
		words = append(words, Word{
			Text:     ext.Text[r.Start:r.End],
			Box:      box,
			Baseline: box.Y1,
			Size:     box.Y1 - box.Y0,
			Line:     r.Line,
		})
	}
	return words, nil
}

// FromPages flattens page layouts into an Extraction.
func FromPages(pages []PageLayout) adapter.Extraction {
	var ext adapter.Extraction
	var sb strings.Builder
	for pi, p := range pages {
		if pi > 0 {
			sb.WriteByte('\f')
		}
		ext.Pages = append(ext.Pages, adapter.Page{Number: p.Number, Width: p.Width, Height: p.Height})
		prevLine := -1
		for _, w := range p.Words {
			switch {
			case prevLine == -1:
			case w.Line != prevLine:
				sb.WriteByte('\n')
			default:
				sb.WriteByte(' ')
			}
			prevLine = w.Line
			start := sb.Len()
			sb.WriteString(w.Text)
			ext.Regions = append(ext.Regions, adapter.LayoutRegion{
				Page:  p.Number,
				Line:  w.Line,
				Start: start,
				End:   sb.Len(),
				Box:   w.Box,
			})
		}
	}
	ext.Text = sb.String()
	return ext
}
