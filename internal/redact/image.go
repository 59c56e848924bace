package redact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/tiff"

	"github.com/kalambet/scrubd/internal/adapter"
)

// Image paints regions black in PNG, JPEG and TIFF rasters. Region boxes are
// in pixels.
type Image struct {
	JPEGQuality int
}

// NewImage returns a raster redactor.
func NewImage() *Image { return &Image{JPEGQuality: 92} }

func (r *Image) Redact(ctx context.Context, doc adapter.Document, regions []adapter.Region) (adapter.Document, error) {
	src, format, err := image.Decode(bytes.NewReader(doc.Content))
	if err != nil {
		return adapter.Document{}, fmt.Errorf("%w: decoding image: %v", adapter.ErrApplyFailed, err)
	}

	boxes := make([]adapter.Rect, len(regions))
	for i, reg := range regions {
		boxes[i] = reg.Box
	}
	canvas, err := paint(ctx, src, boxes, 1, 1)
	if err != nil {
		return adapter.Document{}, err
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, canvas)
	case "jpeg":
		err = jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: r.JPEGQuality})
	case "tiff":
		err = tiff.Encode(&buf, canvas, &tiff.Options{Compression: tiff.Deflate})
	default:
		return adapter.Document{}, fmt.Errorf("%w: unsupported image format %q", adapter.ErrApplyFailed, format)
	}
	if err != nil {
		return adapter.Document{}, fmt.Errorf("%w: encoding %s: %v", adapter.ErrApplyFailed, format, err)
	}
	return adapter.Document{Name: doc.Name, MediaType: doc.MediaType, Content: buf.Bytes()}, nil
}

// paint copies src and fills each box black. Boxes are scaled by sx and sy
// into pixels and always rounded outwards.
func paint(ctx context.Context, src image.Image, boxes []adapter.Rect, sx, sy float64) (*image.RGBA, error) {
	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)
	black := image.NewUniform(color.Black)
	for _, b := range boxes {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", adapter.ErrApplyFailed, err)
		}
		rect := image.Rect(
			int(math.Floor(b.X0*sx)), int(math.Floor(b.Y0*sy)),
			int(math.Ceil(b.X1*sx)), int(math.Ceil(b.Y1*sy)),
		).Add(canvas.Bounds().Min).Intersect(canvas.Bounds())
		draw.Draw(canvas, rect, black, image.Point{}, draw.Src)
	}
	return canvas, nil
}
