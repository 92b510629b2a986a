// Package imaging holds the frame transforms around detection:
// downscaling before the detector and drawing results on the way out.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	"github.com/andresmejia3/watchlist/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultQuality is the JPEG quality for frames sent to the browser.
const DefaultQuality = 80

var (
	ColorAllow   = color.RGBA{0, 255, 0, 255}
	ColorDeny    = color.RGBA{255, 0, 0, 255}
	ColorUnknown = color.RGBA{255, 255, 0, 255}
	colorText    = color.RGBA{0, 0, 0, 255}
)

// ColorFor returns the box colour for a category.
func ColorFor(c types.Category) color.RGBA {
	switch c {
	case types.Allow:
		return ColorAllow
	case types.Deny:
		return ColorDeny
	default:
		return ColorUnknown
	}
}

// Caption is the text drawn above a face box.
func Caption(m types.FaceMatch) string {
	if m.Category == types.Unknown {
		return types.Unknown.String()
	}
	return fmt.Sprintf("%s: %s", m.Category, m.Label)
}

// Decode decodes a JPEG (or PNG) frame.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Encode writes img as JPEG. A non-positive quality uses DefaultQuality.
func Encode(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Downscale resizes img by factor (0.25 gives a quarter of each side).
// A factor of 1 or more returns img unchanged.
func Downscale(img image.Image, factor float64) image.Image {
	if factor <= 0 || factor >= 1 {
		return img
	}
	bounds := img.Bounds()
	w := max(1, int(float64(bounds.Dx())*factor))
	h := max(1, int(float64(bounds.Dy())*factor))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// DownscaleJPEG decodes, shrinks and re-encodes a frame for the detector.
func DownscaleJPEG(data []byte, factor float64) ([]byte, error) {
	if factor <= 0 || factor >= 1 {
		return data, nil
	}
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Encode(Downscale(img, factor), 90)
}

// Annotate draws a coloured box and caption for every match onto a copy of img.
func Annotate(img image.Image, matches []types.FaceMatch) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, img, bounds.Min, draw.Src)

	for _, m := range matches {
		c := ColorFor(m.Category)
		rect := image.Rect(m.Box.Left, m.Box.Top, m.Box.Right, m.Box.Bottom)
		drawRect(dst, rect, 2, c)
		drawCaption(dst, rect.Min, Caption(m), c)
	}
	return dst
}

// AnnotateJPEG is Annotate for encoded frames.
// Frames without matches are passed through without re-encoding.
func AnnotateJPEG(data []byte, matches []types.FaceMatch, quality int) ([]byte, error) {
	if len(matches) == 0 {
		return data, nil
	}
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Encode(Annotate(img, matches), quality)
}

func drawRect(dst *image.RGBA, rect image.Rectangle, width int, c color.RGBA) {
	for w := range width {
		fill(dst, image.Rect(rect.Min.X, rect.Min.Y+w, rect.Max.X+1, rect.Min.Y+w+1), c)
		fill(dst, image.Rect(rect.Min.X, rect.Max.Y-w, rect.Max.X+1, rect.Max.Y-w+1), c)
		fill(dst, image.Rect(rect.Min.X+w, rect.Min.Y, rect.Min.X+w+1, rect.Max.Y+1), c)
		fill(dst, image.Rect(rect.Max.X-w, rect.Min.Y, rect.Max.X-w+1, rect.Max.Y+1), c)
	}
}

// fill paints rect directly into the pixel buffer, clipped to the image.
func fill(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

// drawCaption writes text on a filled strip just above the box,
// or just inside it when the box touches the top edge.
func drawCaption(dst *image.RGBA, at image.Point, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(colorText), Face: face}
	width := d.MeasureString(text).Ceil()
	height := face.Metrics().Height.Ceil()

	top := at.Y - height - 2
	if top < dst.Bounds().Min.Y {
		top = at.Y
	}
	fill(dst, image.Rect(at.X, top, at.X+width+4, top+height+2), bg)

	d.Dot = fixed.P(at.X+2, top+face.Metrics().Ascent.Ceil()+1)
	d.DrawString(text)
}
