// Package testpdf builds small PDF fixtures for tests.
package testpdf

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"testing"

	"github.com/go-pdf/fpdf"
)

// Build returns a Letter-size PDF with one page per element of pages; each
// string is written as its own line in 12pt Helvetica.
func Build(t testing.TB, pages ...[]string) []byte {
	t.Helper()
	doc := fpdf.NewCustom(&fpdf.InitType{UnitStr: "pt", Size: fpdf.SizeType{Wd: 612, Ht: 792}})
	doc.SetAutoPageBreak(false, 0)
	doc.SetFont("Helvetica", "", 12)
	for _, lines := range pages {
		doc.AddPage()
		for i, line := range lines {
			doc.Text(72, 100+float64(i)*24, line)
		}
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		t.Fatalf("building pdf: %v", err)
	}
	return buf.Bytes()
}

// Encrypted returns a one-page PDF protected with a user password.
func Encrypted(t testing.TB) []byte {
	t.Helper()
	doc := fpdf.New("P", "pt", "Letter", "")
	doc.SetProtection(fpdf.CnProtectPrint, "user-secret", "owner-secret")
	doc.SetFont("Helvetica", "", 12)
	doc.AddPage()
	doc.Text(72, 100, "confidential")
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		t.Fatalf("building encrypted pdf: %v", err)
	}
	return buf.Bytes()
}

// Scanned returns a one-page Letter PDF whose top half is a raster image, as
// a scanner produces. Any lines are written as text below the image; with
// none the page has no text layer at all.
func Scanned(t testing.TB, lines ...string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 306, 198))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(20, 20, 120, 40), image.NewUniform(color.Gray{Y: 40}), image.Point{}, draw.Src)
	var raw bytes.Buffer
	if err := png.Encode(&raw, img); err != nil {
		t.Fatalf("encoding scan: %v", err)
	}

	doc := fpdf.NewCustom(&fpdf.InitType{UnitStr: "pt", Size: fpdf.SizeType{Wd: 612, Ht: 792}})
	doc.SetAutoPageBreak(false, 0)
	doc.SetFont("Helvetica", "", 12)
	doc.AddPage()
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	doc.RegisterImageOptionsReader("scan", opts, &raw)
	doc.ImageOptions("scan", 0, 0, 612, 396, false, opts, 0, "")
	for i, line := range lines {
		doc.Text(72, 450+float64(i)*24, line)
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		t.Fatalf("building scanned pdf: %v", err)
	}
	return buf.Bytes()
}
