package imaging

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// Transform decodes body, shrinks anything wider than maxWidth with aspect
// preserved (never enlarging), and re-encodes as JPEG at the given quality.
// Returns the encoded bytes and the source format name.
func Transform(body []byte, maxWidth, quality int) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("op=imaging.transform: %w: %w", ErrBadFormat, err)
	}
	switch format {
	case "jpeg", "png", "webp", "gif":
	default:
		return nil, "", fmt.Errorf("op=imaging.transform: format %q: %w", format, ErrBadFormat)
	}

	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", fmt.Errorf("op=imaging.transform: encode: %w", err)
	}
	return buf.Bytes(), format, nil
}
