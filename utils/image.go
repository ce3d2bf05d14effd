package utils

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/pkg/errors"
)

// EncodeImage Encodes a rendered viewport as png (default) or jpg and returns the
// bytes with their content type
func EncodeImage(img image.Image, format string, quality int) ([]byte, string, error) {
	buf := new(bytes.Buffer)
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", errors.Wrap(err, "jpeg encode error")
		}
		return buf.Bytes(), "image/jpeg", nil
	case "", "png":
		if err := png.Encode(buf, img); err != nil {
			return nil, "", errors.Wrap(err, "png encode error")
		}
		return buf.Bytes(), "image/png", nil
	}
	return nil, "", errors.Errorf("unsupported image format %q", format)
}
