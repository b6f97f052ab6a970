package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"

	"insight-worker/internal/blob"
	"insight-worker/internal/models"
)

// TypeImagePreview is the job type served by the thumbnail executor.
const TypeImagePreview = "image_preview"

// previewOptions are read from job metadata.
type previewOptions struct {
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	Grayscale bool `json:"grayscale"`
}

// Thumbnail renders a downscaled preview of an uploaded image and stores it
// next to the other job outputs.
type Thumbnail struct {
	blobs    blob.Store
	width    int
	maxBytes int64
}

func NewThumbnail(blobs blob.Store, defaultWidth int, maxBytes int64) *Thumbnail {
	if defaultWidth <= 0 {
		defaultWidth = 320
	}
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Thumbnail{blobs: blobs, width: defaultWidth, maxBytes: maxBytes}
}

func (t *Thumbnail) Execute(ctx context.Context, job models.Job, loc models.Locator) (models.Result, error) {
	if loc == "" {
		return models.Result{}, errors.New("image preview needs an input file")
	}
	opts, err := t.decodeOptions(job)
	if err != nil {
		return models.Result{}, err
	}

	data, err := t.blobs.Get(ctx, loc, t.maxBytes)
	if err != nil {
		return models.Result{}, fmt.Errorf("read input: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return models.Result{}, fmt.Errorf("decode image: %w", err)
	}
	srcBounds := img.Bounds()

	if opts.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, opts.Width, opts.Height, imaging.Lanczos)
	if err := ctx.Err(); err != nil {
		return models.Result{}, err
	}

	outFormat := chooseFormat(format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outFormat, imaging.JPEGQuality(85)); err != nil {
		return models.Result{}, fmt.Errorf("encode image: %w", err)
	}

	key := fmt.Sprintf("previews/%s.%s", job.ID, formatExtension(outFormat))
	out, err := t.blobs.Put(ctx, key, buf.Bytes(), mimeForFormat(outFormat))
	if err != nil {
		return models.Result{}, fmt.Errorf("store preview: %w", err)
	}

	content, err := json.Marshal(map[string]any{
		"preview":         string(out),
		"source":          string(loc),
		"source_width":    srcBounds.Dx(),
		"source_height":   srcBounds.Dy(),
		"preview_width":   img.Bounds().Dx(),
		"preview_height":  img.Bounds().Dy(),
		"grayscale":       opts.Grayscale,
		"source_encoding": format,
	})
	if err != nil {
		return models.Result{}, fmt.Errorf("marshal preview result: %w", err)
	}
	confidence := 1.0
	return models.Result{
		InsightType: "Image Preview",
		Content:     content,
		Confidence:  &confidence,
		Metadata:    map[string]any{"locator": string(out)},
	}, nil
}

func (t *Thumbnail) decodeOptions(job models.Job) (previewOptions, error) {
	opts := previewOptions{}
	if err := decodeMetadata(job, &opts); err != nil {
		return opts, err
	}
	if opts.Width < 0 || opts.Height < 0 {
		return opts, fmt.Errorf("invalid preview size %dx%d", opts.Width, opts.Height)
	}
	if opts.Width == 0 && opts.Height == 0 {
		opts.Width = t.width
	}
	return opts, nil
}

func chooseFormat(decodeFormat string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
