package extract

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/tiff"

	"github.com/kalambet/scrubd/internal/adapter"
)

// Runner lets tests stub the OCR command. stdin is piped to the process so
// image bytes never touch disk.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.logger.Error("exec failed",
			"cmd", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		r.logger.Debug("exec ok", "cmd", name, "duration_ms", time.Since(start).Milliseconds(), "stdout_bytes", out.Len())
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// Tesseract extracts text from raster images with the tesseract CLI.
type Tesseract struct {
	path   string
	runner Runner
	logger *slog.Logger
}

// NewTesseract returns an OCR extractor. A nil runner executes the binary.
func NewTesseract(path string, runner Runner, logger *slog.Logger) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = execRunner{logger: logger}
	}
	return &Tesseract{path: path, runner: runner, logger: logger}
}

func (t *Tesseract) Extract(ctx context.Context, doc adapter.Document) (adapter.Extraction, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(doc.Content))
	if err != nil {
		return adapter.Extraction{}, fmt.Errorf("%w: decoding image: %v", adapter.ErrUnreadable, err)
	}

	stdout, _, err := t.runner.Run(ctx, doc.Content, t.path, "stdin", "stdout", "tsv")
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return adapter.Extraction{}, fmt.Errorf("%w: ocr: %v", adapter.ErrTimeout, err)
		}
		return adapter.Extraction{}, fmt.Errorf("%w: ocr: %v", adapter.ErrUnreadable, err)
	}

	ext, err := ParseTSV(stdout)
	if err != nil {
		return adapter.Extraction{}, fmt.Errorf("%w: %v", adapter.ErrUnreadable, err)
	}
	ext.Pages = []adapter.Page{{Number: 1, Width: float64(cfg.Width), Height: float64(cfg.Height)}}
	return ext, nil
}

// ParseTSV converts tesseract TSV output into an Extraction. Only word rows
// (level 5) with a confidence are used; block, paragraph and line numbers
// together identify a line.
func ParseTSV(data []byte) (adapter.Extraction, error) {
	var ext adapter.Extraction
	var sb strings.Builder

	type lineID struct{ page, block, par, line int }
	lines := map[lineID]int{}
	prev := lineID{-1, -1, -1, -1}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	header := true
	for sc.Scan() {
		if header {
			header = false
			if strings.HasPrefix(sc.Text(), "level") {
				continue
			}
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 {
			continue
		}
		nums := make([]int, 10)
		ok := true
		for i := 0; i < 10; i++ {
			n, err := strconv.Atoi(cols[i])
			if err != nil {
				ok = false
				break
			}
			nums[i] = n
		}
		if !ok || nums[0] != 5 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}

		id := lineID{nums[1], nums[2], nums[3], nums[4]}
		li, seen := lines[id]
		if !seen {
			li = len(lines)
			lines[id] = li
		}
		if sb.Len() > 0 {
			if id != prev {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(' ')
			}
		}
		prev = id

		left, top, width, height := float64(nums[6]), float64(nums[7]), float64(nums[8]), float64(nums[9])
		start := sb.Len()
		sb.WriteString(word)
		ext.Regions = append(ext.Regions, adapter.LayoutRegion{
			Page:  1,
			Line:  li,
			Start: start,
			End:   sb.Len(),
			Box:   adapter.Rect{X0: left, Y0: top, X1: left + width, Y1: top + height},
		})
	}
	if err := sc.Err(); err != nil {
		return adapter.Extraction{}, fmt.Errorf("reading tsv: %w", err)
	}
	ext.Text = sb.String()
	return ext, nil
}
