package download

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/h2non/filetype"
	"gocloud.dev/blob"
	"golang.org/x/image/webp"
)

const (
	maxPreviewBytes = 32 << 20
	previewQuality  = 95
)

// fetchPreview downloads the preview image and stores it as an RGB JPEG.
func (d *Downloader) fetchPreview(ctx context.Context, bucket *blob.Bucket, imageURL, key string) error {
	resp, err := d.get(ctx, imageURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPreviewBytes))
	if err != nil {
		return fmt.Errorf("%w: read image: %w", ErrFetch, err)
	}

	img, err := decodeImage(data)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, toRGB(img), &jpeg.Options{Quality: previewQuality}); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	if err := bucket.WriteAll(ctx, key, out.Bytes(), &blob.WriterOptions{ContentType: "image/jpeg"}); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	return nil
}

// decodeImage sniffs the content type rather than trusting the response
// headers, which image hosts often get wrong.
func decodeImage(data []byte) (image.Image, error) {
	kind, err := filetype.Image(data)
	if err != nil || kind == filetype.Unknown {
		return nil, fmt.Errorf("%w: unrecognized content", ErrUnsupportedImage)
	}
	r := bytes.NewReader(data)
	var img image.Image
	switch kind.MIME.Value {
	case "image/jpeg":
		img, err = jpeg.Decode(r)
	case "image/png":
		img, err = png.Decode(r)
	case "image/gif":
		img, err = gif.Decode(r)
	case "image/webp":
		img, err = webp.Decode(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, kind.MIME.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrUnsupportedImage, kind.MIME.Value, err)
	}
	return img, nil
}

// toRGB flattens transparency onto white.
func toRGB(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.White, image.Point{}, draw.Src)
	draw.Draw(dst, b, src, b.Min, draw.Over)
	return dst
}
