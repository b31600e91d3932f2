package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const placeholderText = "tile unavailable"

var placeholderPNG = sync.OnceValue(renderPlaceholder)

// Placeholder returns the tile shown in place of an undecodable one. Each
// call gets its own ID so fade state is tracked per use.
func Placeholder() *Image {
	img := newImage(256, 256, "image/png", placeholderPNG())
	img.Placeholder = true
	return img
}

func renderPlaceholder() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{221, 221, 221, 255}}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{90, 90, 90, 255}),
		Face: face,
	}
	width := d.MeasureString(placeholderText).Round()
	d.Dot = fixed.P((256-width)/2, 128+face.Metrics().Ascent.Round()/2)
	d.DrawString(placeholderText)

	border := color.RGBA{160, 160, 160, 255}
	for _, r := range []image.Rectangle{
		image.Rect(0, 0, 256, 1),
		image.Rect(0, 255, 256, 256),
		image.Rect(0, 0, 1, 256),
		image.Rect(255, 0, 256, 256),
	} {
		draw.Draw(img, r, &image.Uniform{border}, image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
