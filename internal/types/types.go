package types

import "time"

// Category is the list a face was matched against.
type Category int

const (
	Unknown Category = iota
	Allow
	Deny
)

// String returns the display name used in the event log and on the video feed.
func (c Category) String() string {
	switch c {
	case Allow:
		return "Whitelist"
	case Deny:
		return "Blacklist"
	default:
		return "Unknown"
	}
}

// Slug is the lowercase key used in JSON reports, config and the database.
func (c Category) Slug() string {
	switch c {
	case Allow:
		return "whitelist"
	case Deny:
		return "blacklist"
	default:
		return "unknown"
	}
}

// ParseCategory accepts either the slug or the display name.
func ParseCategory(s string) (Category, bool) {
	switch s {
	case "whitelist", "Whitelist", "allow":
		return Allow, true
	case "blacklist", "Blacklist", "deny":
		return Deny, true
	case "unknown", "Unknown":
		return Unknown, true
	}
	return Unknown, false
}

// Box is a face location in pixels: [top, right, bottom, left]
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Scale multiplies every coordinate by factor, rounding to the nearest pixel.
func (b Box) Scale(factor float64) Box {
	s := func(v int) int { return int(float64(v)*factor + 0.5) }
	return Box{Top: s(b.Top), Right: s(b.Right), Bottom: s(b.Bottom), Left: s(b.Left)}
}

// Detection is one face returned by the detector worker.
type Detection struct {
	Box       Box
	Embedding []float64 // 128-d face encoding by default
}

// FaceMatch is the per-face result handed to the annotator.
type FaceMatch struct {
	Label    string
	Category Category
	Box      Box
}

// Event is one detection record as persisted by the event archive.
type Event struct {
	ID       string
	RunID    string
	SeenAt   time.Time
	Category Category
	Label    string
}
