package redact

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
	"testing"

	"golang.org/x/image/tiff"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/extract"
	"github.com/kalambet/scrubd/internal/testpdf"
)

func TestPDFRedactRemovesText(t *testing.T) {
	ctx := context.Background()
	src := adapter.Document{Name: "a.pdf", MediaType: adapter.MediaPDF, Content: testpdf.Build(t,
		[]string{"Applicant: John Doe", "Status: approved"},
		[]string{"Call 555-0199 today"},
	)}

	ext, err := extract.NewPDF().Extract(ctx, src)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	var ents []adapter.Entity
	for _, s := range []string{"John Doe", "555-0199"} {
		i := strings.Index(ext.Text, s)
		if i < 0 {
			t.Fatalf("fixture text %q lacks %q", ext.Text, s)
		}
		ents = append(ents, adapter.Entity{Category: "X", Start: i, End: i + len(s)})
	}
	regions := adapter.Regions(ext, ents)
	if len(regions) != 2 {
		t.Fatalf("regions = %+v, want 2", regions)
	}

	out, err := NewPDF().Redact(ctx, src, regions)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if out.MediaType != adapter.MediaPDF {
		t.Errorf("media type = %q", out.MediaType)
	}

	after, err := extract.NewPDF().Extract(ctx, out)
	if err != nil {
		t.Fatalf("Extract redacted: %v", err)
	}
	for _, gone := range []string{"John", "Doe", "555-0199"} {
		if strings.Contains(after.Text, gone) {
			t.Errorf("redacted output still contains %q: %q", gone, after.Text)
		}
	}
	for _, kept := range []string{"Applicant:", "approved", "today"} {
		if !strings.Contains(after.Text, kept) {
			t.Errorf("redacted output lost %q: %q", kept, after.Text)
		}
	}
	if len(after.Pages) != 2 {
		t.Errorf("pages = %d, want 2", len(after.Pages))
	}
	for _, lr := range after.Regions {
		for _, r := range regions {
			if lr.Page == r.Page && lr.Box.Intersects(r.Box) {
				t.Errorf("text %q overlaps redacted box", after.Text[lr.Start:lr.End])
			}
		}
	}
}

func TestPDFRedactGarbage(t *testing.T) {
	_, err := NewPDF().Redact(context.Background(), adapter.Document{Content: []byte("%PDF-garbage")}, nil)
	if !errors.Is(err, adapter.ErrApplyFailed) {
		t.Errorf("Redact = %v, want ErrApplyFailed", err)
	}
}

func whiteImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

func isBlack(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r == 0 && g == 0 && b == 0
}

func TestImageRedactPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, whiteImage(100, 50)); err != nil {
		t.Fatal(err)
	}
	out, err := NewImage().Redact(context.Background(),
		adapter.Document{MediaType: adapter.MediaPNG, Content: buf.Bytes()},
		[]adapter.Region{{Page: 1, Box: adapter.Rect{X0: 10, Y0: 10, X1: 30.5, Y1: 30}}})
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out.Content))
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if !isBlack(img.At(15, 15)) || !isBlack(img.At(30, 29)) {
		t.Error("region not filled")
	}
	if isBlack(img.At(50, 40)) || isBlack(img.At(9, 9)) {
		t.Error("fill leaked outside region")
	}
}

func TestImageRedactTIFF(t *testing.T) {
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, whiteImage(40, 40), nil); err != nil {
		t.Fatal(err)
	}
	out, err := NewImage().Redact(context.Background(),
		adapter.Document{MediaType: adapter.MediaTIFF, Content: buf.Bytes()},
		[]adapter.Region{{Page: 1, Box: adapter.Rect{X0: 0, Y0: 0, X1: 100, Y1: 10}}})
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	img, err := tiff.Decode(bytes.NewReader(out.Content))
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if !isBlack(img.At(39, 5)) || isBlack(img.At(5, 20)) {
		t.Error("unexpected fill")
	}
}

func TestImageRedactGarbage(t *testing.T) {
	_, err := NewImage().Redact(context.Background(), adapter.Document{Content: []byte("nope")}, nil)
	if !errors.Is(err, adapter.ErrApplyFailed) {
		t.Errorf("Redact = %v, want ErrApplyFailed", err)
	}
}

type fakeRaster struct {
	img   []byte
	pages []int
}

func (f *fakeRaster) Rasterize(ctx context.Context, content []byte, page int) ([]byte, error) {
	f.pages = append(f.pages, page)
	return f.img, nil
}

func TestPDFRedactRefusesImagePage(t *testing.T) {
	src := adapter.Document{MediaType: adapter.MediaPDF, Content: testpdf.Scanned(t, "Applicant: John Doe")}
	_, err := NewPDF().Redact(context.Background(), src, nil)
	if !errors.Is(err, adapter.ErrApplyFailed) {
		t.Errorf("Redact = %v, want ErrApplyFailed", err)
	}
}

func TestPDFRedactFlattensImagePage(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, whiteImage(306, 396)); err != nil {
		t.Fatal(err)
	}
	raster := &fakeRaster{img: buf.Bytes()}
	src := adapter.Document{MediaType: adapter.MediaPDF, Content: testpdf.Scanned(t, "Applicant: John Doe")}
	regions := []adapter.Region{{Page: 1, Box: adapter.Rect{X0: 20, Y0: 40, X1: 100, Y1: 60}}}

	out, err := NewPDF(WithRasterizer(raster)).Redact(context.Background(), src, regions)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if len(raster.pages) != 1 || raster.pages[0] != 1 {
		t.Errorf("rendered pages = %v, want [1]", raster.pages)
	}
	pages, err := extract.ReadPDF(out.Content)
	if err != nil {
		t.Fatalf("ReadPDF redacted: %v", err)
	}
	if len(pages) != 1 || pages[0].Width != 612 || pages[0].Height != 792 {
		t.Fatalf("pages = %+v", pages)
	}
	if pages[0].XObjects != 1 || len(pages[0].Words) != 0 {
		t.Errorf("flattened page = %d xobjects, words %+v", pages[0].XObjects, pages[0].Words)
	}
}

func TestPDFRedactKeepsTextPagesWithRasterizer(t *testing.T) {
	raster := &fakeRaster{}
	src := adapter.Document{MediaType: adapter.MediaPDF, Content: testpdf.Build(t, []string{"Applicant: John Doe", "Status: approved"})}
	out, err := NewPDF(WithRasterizer(raster)).Redact(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if len(raster.pages) != 0 {
		t.Errorf("text page rendered: %v", raster.pages)
	}
	after, err := extract.NewPDF().Extract(context.Background(), out)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(after.Text, "approved") {
		t.Errorf("text = %q", after.Text)
	}
}

func TestUnrebuildable(t *testing.T) {
	words := func(s ...string) []extract.Word {
		var out []extract.Word
		for _, w := range s {
			out = append(out, extract.Word{Text: w})
		}
		return out
	}
	long := words("Applicant:", "John", "Doe", "Reference", "42")
	tests := []struct {
		name       string
		page       extract.PageLayout
		canFlatten bool
		want       bool
	}{
		{"plain text", extract.PageLayout{Words: long}, true, false},
		{"western accents", extract.PageLayout{Words: append(words("Zoë", "Müller", "€5"), long...)}, false, false},
		{"glyph outside code page", extract.PageLayout{Words: append(words("Жанна"), long...)}, false, true},
		{"image", extract.PageLayout{Words: long, XObjects: 1}, false, true},
		{"sparse text flattenable", extract.PageLayout{Words: words("Page", "1")}, true, true},
		{"sparse text rebuilt", extract.PageLayout{Words: words("Page", "1")}, false, false},
		{"blank", extract.PageLayout{}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := unrebuildable(tt.page, tt.canFlatten)
			if (got != "") != tt.want {
				t.Errorf("unrebuildable = %q, want refusal %v", got, tt.want)
			}
		})
	}
}

func TestPaintScalesBoxes(t *testing.T) {
	canvas, err := paint(context.Background(), whiteImage(100, 100), []adapter.Rect{{X0: 10, Y0: 10, X1: 20, Y1: 20}}, 0.5, 0.5)
	if err != nil {
		t.Fatalf("paint: %v", err)
	}
	for _, p := range []image.Point{{5, 5}, {9, 9}} {
		if !isBlack(canvas.At(p.X, p.Y)) {
			t.Errorf("pixel %v not painted", p)
		}
	}
	for _, p := range []image.Point{{4, 4}, {10, 10}} {
		if isBlack(canvas.At(p.X, p.Y)) {
			t.Errorf("pixel %v painted", p)
		}
	}
}
