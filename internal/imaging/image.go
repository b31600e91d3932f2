// Package imaging turns fetched tile bytes into image handles the render
// driver can hand to a host.
package imaging

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Image is a decoded tile or overlay image. Data keeps the encoded bytes a
// host fetches by ID.
type Image struct {
	ID          string
	Width       int
	Height      int
	ContentType string
	Data        []byte
	Placeholder bool
}

// Decoder validates and measures encoded image bytes.
type Decoder interface {
	Decode(data []byte) (*Image, error)
}

func newImage(width, height int, contentType string, data []byte) *Image {
	return &Image{
		ID:          uuid.NewString(),
		Width:       width,
		Height:      height,
		ContentType: contentType,
		Data:        data,
	}
}

// NewDecoder creates a decoder based on the decoder type
func NewDecoder(decoderType string, log *zap.Logger) (Decoder, error) {
	switch decoderType {
	case "std":
		log.Info("Using Go image decoder")
		return StdDecoder{}, nil
	case "vips":
		log.Info("Using libvips image decoder")
		return VipsDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown decoder type: %s (supported: std, vips)", decoderType)
	}
}

// DecodeOrPlaceholder never fails: undecodable bytes yield a fresh
// placeholder handle.
func DecodeOrPlaceholder(d Decoder, data []byte, log *zap.Logger) *Image {
	img, err := d.Decode(data)
	if err != nil {
		log.Warn("Failed to decode image, using placeholder", zap.Int("bytes", len(data)), zap.Error(err))
		return Placeholder()
	}
	return img
}
