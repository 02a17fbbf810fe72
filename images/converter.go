// Package images renders face images from DG2 and DG5 as small PNG previews.
package images

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"

	xdraw "golang.org/x/image/draw"
	"pault.ag/go/cbeff/jpeg2000"

	"go-passport-verifier/lds"
)

// Preview box and palette size of the rendered PNG.
const (
	PreviewWidth  = 400
	PreviewHeight = 400
	PreviewColors = 256
)

var ErrUnsupportedFormat = errors.New("unsupported or invalid image format")

// Preview decodes a JPEG or JPEG2000 face and encodes it as a PNG that fits
// the preview box.
func Preview(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no image data provided")
	}
	img, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	slog.Debug("Face image decoded", "width", bounds.Dx(), "height", bounds.Dy(), "data_size", len(data))
	return encodePNG(img, PreviewWidth, PreviewHeight, PreviewColors, png.BestCompression)
}

// PreviewBase64 is Preview with the PNG encoded as standard base64.
func PreviewBase64(data []byte) (string, error) {
	out, err := Preview(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// ConvertDG2ImagesToPNG renders every face of DG2 as a base64 PNG.
func ConvertDG2ImagesToPNG(dg2 *lds.DG2) ([]string, error) {
	if dg2 == nil {
		return nil, fmt.Errorf("DG2 is nil")
	}
	if len(dg2.Faces) == 0 {
		return nil, fmt.Errorf("no images found in DG2")
	}

	pngs := make([]string, 0, len(dg2.Faces))
	for i, face := range dg2.Faces {
		s, err := PreviewBase64(face.Data)
		if err != nil {
			slog.Warn("Failed to convert DG2 image", "image_index", i, "mime_type", face.MimeType, "error", err)
			return nil, fmt.Errorf("failed to convert image %d: %w", i, err)
		}
		pngs = append(pngs, s)
	}
	return pngs, nil
}

// decodeImage tries JPEG, then JPEG2000, then any registered format.
func decodeImage(data []byte) (image.Image, error) {
	if img, err := jpeg.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := jpeg2000.Parse(data); err == nil {
		return img, nil
	}
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, ErrUnsupportedFormat
}

// encodePNG downscales img to fit maxW×maxH, reduces it to a palette when
// colors > 0 and encodes it with the given compression level.
func encodePNG(img image.Image, maxW, maxH, colors int, level png.CompressionLevel) ([]byte, error) {
	if maxW > 0 || maxH > 0 {
		img = resizeToFit(img, maxW, maxH)
	}

	out := img
	if colors > 0 {
		pal := palette.Plan9
		if colors <= 216 {
			pal = palette.WebSafe
		}
		dst := image.NewPaletted(img.Bounds(), pal)
		draw.FloydSteinberg.Draw(dst, dst.Bounds(), img, image.Point{})
		out = dst
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// resizeToFit scales src down to fit maxW×maxH, keeping the aspect ratio.
// Images that already fit are returned unchanged.
func resizeToFit(src image.Image, maxW, maxH int) image.Image {
	bw := src.Bounds().Dx()
	bh := src.Bounds().Dy()

	if maxW <= 0 && maxH <= 0 {
		return src
	}
	if maxW <= 0 {
		maxW = int(math.Round(float64(bw) * float64(maxH) / float64(bh)))
	}
	if maxH <= 0 {
		maxH = int(math.Round(float64(bh) * float64(maxW) / float64(bw)))
	}

	scale := math.Min(float64(maxW)/float64(bw), float64(maxH)/float64(bh))
	if scale >= 1.0 {
		return src
	}
	w := int(math.Max(1, math.Round(float64(bw)*scale)))
	h := int(math.Max(1, math.Round(float64(bh)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// CatmullRom keeps faces sharp when downscaling.
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}
