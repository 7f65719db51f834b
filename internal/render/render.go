// Package render rasterises the first page of a PDF and produces preview
// thumbnails.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/eargollo/lookalike/internal/errs"
)

// Renderer turns raw document bytes into an image of page 1.
type Renderer interface {
	FirstPage(ctx context.Context, doc []byte) (image.Image, error)
}

// Guard wraps r so that a panic inside FirstPage is returned as ErrRender.
func Guard(r Renderer) Renderer {
	if _, ok := r.(guarded); ok {
		return r
	}
	return guarded{r}
}

type guarded struct{ r Renderer }

func (g guarded) FirstPage(ctx context.Context, doc []byte) (img image.Image, err error) {
	defer func() {
		if v := recover(); v != nil {
			img = nil
			err = errs.Wrap("render", "", errs.ErrRender, fmt.Errorf("renderer panic: %v", v))
		}
	}()
	return g.r.FirstPage(ctx, doc)
}

// Poppler renders with the pdftoppm binary. The document is first cut down to
// its first page with pdfcpu, which also rejects malformed input before any
// process is spawned.
type Poppler struct {
	// Path to pdftoppm. Empty means "pdftoppm" on $PATH.
	Path string
	// DPI of the raster. Zero means 72.
	DPI int
	// TempDir receives the intermediate files. Empty means the OS default.
	TempDir string
}

// FirstPage implements Renderer.
func (p *Poppler) FirstPage(ctx context.Context, doc []byte) (image.Image, error) {
	if len(doc) == 0 {
		return nil, errs.Wrap("render", "", errs.ErrRender, errors.New("empty document"))
	}

	page, err := FirstPagePDF(doc)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(p.TempDir, "render-*")
	if err != nil {
		return nil, errs.Wrap("render", "", errs.ErrFilesystem, err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "page.pdf")
	if err := os.WriteFile(in, page, 0o600); err != nil {
		return nil, errs.Wrap("render", "", errs.ErrFilesystem, err)
	}
	outRoot := filepath.Join(dir, "page")

	bin := p.Path
	if bin == "" {
		bin = "pdftoppm"
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 72
	}

	cmd := exec.CommandContext(ctx, bin,
		"-png", "-singlefile",
		"-f", "1", "-l", "1",
		"-r", strconv.Itoa(dpi),
		in, outRoot)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap("render", "", errs.ErrRender, fmt.Errorf("%s: %w: %s", bin, err, bytes.TrimSpace(stderr.Bytes())))
	}

	f, err := os.Open(outRoot + ".png")
	if err != nil {
		return nil, errs.Wrap("render", "", errs.ErrRender, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, errs.Wrap("render", "", errs.ErrRender, err)
	}
	return img, nil
}

// FirstPagePDF returns a one-page PDF holding page 1 of doc. pdfcpu panics
// on some damaged files; those panics come back as ErrRender.
func FirstPagePDF(doc []byte) (page []byte, err error) {
	defer func() {
		if v := recover(); v != nil {
			page = nil
			err = errs.Wrap("render", "", errs.ErrRender, fmt.Errorf("pdfcpu panic: %v", v))
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	n, err := api.PageCount(bytes.NewReader(doc), conf)
	if err != nil {
		return nil, errs.Wrap("render", "", errs.ErrRender, err)
	}
	if n < 1 {
		return nil, errs.Wrap("render", "", errs.ErrRender, errors.New("document has no pages"))
	}

	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(doc), &out, []string{"1"}, conf); err != nil {
		return nil, errs.Wrap("render", "", errs.ErrRender, err)
	}
	return out.Bytes(), nil
}
