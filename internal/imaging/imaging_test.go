package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/andresmejia3/watchlist/internal/types"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill(img, img.Bounds(), c)
	return img
}

func TestCaption(t *testing.T) {
	tests := []struct {
		match types.FaceMatch
		want  string
	}{
		{types.FaceMatch{Label: "alice", Category: types.Allow}, "Whitelist: alice"},
		{types.FaceMatch{Label: "mallory", Category: types.Deny}, "Blacklist: mallory"},
		{types.FaceMatch{Label: "Cached", Category: types.Deny}, "Blacklist: Cached"},
		{types.FaceMatch{Label: "Unknown", Category: types.Unknown}, "Unknown"},
	}
	for _, tt := range tests {
		if got := Caption(tt.match); got != tt.want {
			t.Errorf("Caption(%+v) = %q, want %q", tt.match, got, tt.want)
		}
	}
}

func TestColorFor(t *testing.T) {
	if ColorFor(types.Allow) != ColorAllow || ColorFor(types.Deny) != ColorDeny || ColorFor(types.Unknown) != ColorUnknown {
		t.Error("Unexpected category colour mapping")
	}
}

func TestDownscale(t *testing.T) {
	img := solid(640, 480, color.RGBA{10, 20, 30, 255})

	small := Downscale(img, 0.25)
	if got := small.Bounds(); got.Dx() != 160 || got.Dy() != 120 {
		t.Errorf("Expected 160x120, got %dx%d", got.Dx(), got.Dy())
	}
	if Downscale(img, 1) != image.Image(img) {
		t.Error("Expected factor 1 to return the input")
	}
}

func TestDownscaleJPEGRoundTrip(t *testing.T) {
	data, err := Encode(solid(64, 48, color.RGBA{200, 200, 200, 255}), 90)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	small, err := DownscaleJPEG(data, 0.5)
	if err != nil {
		t.Fatalf("DownscaleJPEG failed: %v", err)
	}
	img, err := Decode(small)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("Expected 32x24, got %dx%d", b.Dx(), b.Dy())
	}

	if _, err := DownscaleJPEG([]byte("not a jpeg"), 0.5); err == nil {
		t.Error("Expected decode error for garbage input")
	}
}

func TestAnnotate(t *testing.T) {
	base := solid(100, 100, color.RGBA{0, 0, 0, 255})
	matches := []types.FaceMatch{
		{Label: "alice", Category: types.Allow, Box: types.Box{Top: 40, Right: 80, Bottom: 90, Left: 20}},
	}

	out := Annotate(base, matches)

	// Box edges carry the category colour.
	if got := out.RGBAAt(20, 60); got != ColorAllow {
		t.Errorf("Expected left edge to be green, got %v", got)
	}
	if got := out.RGBAAt(50, 90); got != ColorAllow {
		t.Errorf("Expected bottom edge to be green, got %v", got)
	}
	// Interior untouched.
	if got := out.RGBAAt(50, 60); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("Expected interior to be unchanged, got %v", got)
	}
	// The source frame is not modified.
	if got := base.RGBAAt(20, 60); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("Annotate modified its input: %v", got)
	}
}

func TestAnnotateClipsOutOfBounds(t *testing.T) {
	base := solid(50, 50, color.RGBA{0, 0, 0, 255})
	matches := []types.FaceMatch{
		{Label: "Unknown", Category: types.Unknown, Box: types.Box{Top: -10, Right: 200, Bottom: 200, Left: -10}},
	}
	// Must not panic.
	out := Annotate(base, matches)
	if out.Bounds() != base.Bounds() {
		t.Errorf("Bounds changed: %v", out.Bounds())
	}
}

func TestAnnotateJPEGPassThrough(t *testing.T) {
	data := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	out, err := AnnotateJPEG(data, nil, 0)
	if err != nil {
		t.Fatalf("AnnotateJPEG failed: %v", err)
	}
	if &out[0] != &data[0] {
		t.Error("Expected frame without matches to be passed through")
	}
}
