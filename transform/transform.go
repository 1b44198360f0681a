// Package transform resizes and re-encodes images for process_image jobs.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/disintegration/imaging"

	"github.com/xraph/imgdispatch/job"
)

// Meta describes a transformed image.
type Meta struct {
	Width  int
	Height int
	Format string
}

// Transformer turns input bytes into output bytes. name is the input's
// file name; its extension selects the codec.
type Transformer interface {
	Transform(ctx context.Context, input []byte, name string, p job.Params) ([]byte, Meta, error)
}

// Option configures an Imaging transformer.
type Option func(*Imaging)

// WithFilter sets the resampling filter. The default is Lanczos.
func WithFilter(f imaging.ResampleFilter) Option {
	return func(t *Imaging) { t.filter = f }
}

// WithMaxDimension rejects parameters wider or taller than n pixels.
func WithMaxDimension(n int) Option {
	return func(t *Imaging) { t.maxDimension = n }
}

// Imaging is the Transformer backed by disintegration/imaging.
type Imaging struct {
	filter       imaging.ResampleFilter
	maxDimension int
}

// Compile-time interface check.
var _ Transformer = (*Imaging)(nil)

// NewImaging creates an Imaging transformer.
func NewImaging(opts ...Option) *Imaging {
	t := &Imaging{filter: imaging.Lanczos, maxDimension: 10000}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform decodes input honoring EXIF orientation, resizes it to exactly
// p.Width x p.Height and encodes it in the input's format. JPEG output uses
// p.Quality; PNG output uses best compression when p.Optimize is set.
func (t *Imaging) Transform(ctx context.Context, input []byte, name string, p job.Params) ([]byte, Meta, error) {
	if err := p.Validate(t.maxDimension); err != nil {
		return nil, Meta{}, err
	}
	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("transform: %s: %w", name, err)
	}

	src, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("transform: decode %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, Meta{}, err
	}

	dst := imaging.Resize(src, p.Width, p.Height, t.filter)
	if err := ctx.Err(); err != nil {
		return nil, Meta{}, err
	}

	encodeOpts := []imaging.EncodeOption{imaging.JPEGQuality(p.Quality)}
	if p.Optimize {
		encodeOpts = append(encodeOpts, imaging.PNGCompressionLevel(png.BestCompression))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, format, encodeOpts...); err != nil {
		return nil, Meta{}, fmt.Errorf("transform: encode %s: %w", name, err)
	}

	b := dst.Bounds()
	return buf.Bytes(), Meta{Width: b.Dx(), Height: b.Dy(), Format: format.String()}, nil
}
