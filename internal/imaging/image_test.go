package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestStdDecoder(t *testing.T) {
	data := encodePNG(t, 256, 128)

	img, err := StdDecoder{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 256, img.Width)
	assert.Equal(t, 128, img.Height)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, data, img.Data)
	assert.NotEmpty(t, img.ID)
	assert.False(t, img.Placeholder)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	img, err = StdDecoder{}.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.ContentType)
}

func TestStdDecoderRejects(t *testing.T) {
	_, err := StdDecoder{}.Decode(nil)
	require.Error(t, err)

	_, err = StdDecoder{}.Decode([]byte("<?xml version=\"1.0\"?><ServiceExceptionReport/>"))
	require.Error(t, err)

	data := encodePNG(t, 64, 64)
	_, err = StdDecoder{}.Decode(data[:len(data)/2])
	require.Error(t, err)
}

func TestDecodeUniqueIDs(t *testing.T) {
	data := encodePNG(t, 4, 4)
	a, err := StdDecoder{}.Decode(data)
	require.NoError(t, err)
	b, err := StdDecoder{}.Decode(data)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestPlaceholder(t *testing.T) {
	a := Placeholder()
	b := Placeholder()
	assert.True(t, a.Placeholder)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "image/png", a.ContentType)

	cfg, err := png.DecodeConfig(bytes.NewReader(a.Data))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 256, cfg.Height)
}

func TestDecodeOrPlaceholder(t *testing.T) {
	log := zaptest.NewLogger(t)

	img := DecodeOrPlaceholder(StdDecoder{}, []byte("garbage"), log)
	require.NotNil(t, img)
	assert.True(t, img.Placeholder)

	img = DecodeOrPlaceholder(StdDecoder{}, encodePNG(t, 2, 2), log)
	assert.False(t, img.Placeholder)
	assert.Equal(t, 2, img.Width)
}

func TestNewDecoder(t *testing.T) {
	log := zaptest.NewLogger(t)

	d, err := NewDecoder("std", log)
	require.NoError(t, err)
	assert.IsType(t, StdDecoder{}, d)

	d, err = NewDecoder("vips", log)
	require.NoError(t, err)
	assert.IsType(t, VipsDecoder{}, d)

	_, err = NewDecoder("magick", log)
	require.Error(t, err)
}
