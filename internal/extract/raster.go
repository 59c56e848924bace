package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kalambet/scrubd/internal/adapter"
)

// DefaultDPI is the resolution pages are rendered at for OCR.
const DefaultDPI = 300

// Rasterizer renders a single page of a PDF to a PNG.
type Rasterizer interface {
	Rasterize(ctx context.Context, content []byte, page int) ([]byte, error)
}

// Pdftoppm renders pages with poppler's pdftoppm. The document is piped on
// stdin and the PNG read back from stdout.
type Pdftoppm struct {
	path   string
	dpi    int
	runner Runner
}

// NewPdftoppm returns a Rasterizer. A nil runner executes the binary; a
// non-positive dpi means DefaultDPI.
func NewPdftoppm(path string, dpi int, runner Runner, logger *slog.Logger) *Pdftoppm {
	if path == "" {
		path = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = execRunner{logger: logger}
	}
	return &Pdftoppm{path: path, dpi: dpi, runner: runner}
}

func (p *Pdftoppm) Rasterize(ctx context.Context, content []byte, page int) ([]byte, error) {
	n := strconv.Itoa(page)
	stdout, _, err := p.runner.Run(ctx, content, p.path,
		"-f", n, "-l", n,
		"-r", strconv.Itoa(p.dpi),
		"-png", "-singlefile",
		"-",
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: rendering page %d: %v", adapter.ErrTimeout, page, err)
		}
		return nil, fmt.Errorf("%w: rendering page %d: %v", adapter.ErrUnreadable, page, err)
	}
	if len(stdout) == 0 {
		return nil, fmt.Errorf("%w: rendering page %d: empty output", adapter.ErrUnreadable, page)
	}
	return stdout, nil
}
