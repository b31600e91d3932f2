package imaging

import (
	"fmt"
	"net/http"

	"github.com/cshum/vipsgen/vips"
)

// VipsDecoder decodes with libvips. vips.Startup must have been called.
type VipsDecoder struct{}

func (VipsDecoder) Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	img, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	return newImage(img.Width(), img.Height(), http.DetectContentType(data), data), nil
}
