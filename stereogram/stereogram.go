// Package stereogram synthesizes viewable stereogram images from an
// aligned stereo pair.
package stereogram

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Format is a requested output format tag.
type Format string

const (
	// Anaglyph combines left's red channel with right's green and blue
	// channels, for color-filter glasses.
	Anaglyph Format = "anaglyph"
	// Parallel places left then right side by side.
	Parallel Format = "parallel"
	// Crossview places right then left side by side.
	Crossview Format = "crossview"
	// LeftRightLeft is the free-viewing triptych layout.
	LeftRightLeft Format = "lrl"
	// LeftOnly and RightOnly extract a single eye's frame unchanged.
	LeftOnly  Format = "left"
	RightOnly Format = "right"
	// MPO requests the multi picture container; it is assembled by the
	// mpo codec, not composed here.
	MPO Format = "mpo"
)

// Formats returns all supported formats in a stable order.
func Formats() []Format {
	return []Format{Anaglyph, Parallel, Crossview, LeftRightLeft, LeftOnly, RightOnly, MPO}
}

// ParseFormat resolves a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats() {
		if s == string(f) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown format %q (supported: anaglyph, parallel, crossview, lrl, left, right, mpo)", s)
}

// Filename affixes per format. Composite formats take a prefix; the
// single-eye extracts take a suffix so sorted listings keep the pair
// adjacent.
var prefixes = map[Format]string{
	Anaglyph:      "rc_",
	Crossview:     "xi_",
	Parallel:      "ii_",
	LeftRightLeft: "lrl_",
}

var suffixes = map[Format]string{
	LeftOnly:  "_l",
	RightOnly: "_r",
}

var subfolders = map[Format]string{
	Anaglyph:      "rc",
	Crossview:     "xi",
	Parallel:      "ii",
	LeftRightLeft: "lrl",
	LeftOnly:      "l",
	RightOnly:     "r",
	MPO:           "mpo",
}

// Subfolder returns the per-format output subfolder name.
func (f Format) Subfolder() string {
	return subfolders[f]
}

// OutputName derives an output filename from the left frame's original
// base name (without extension). When keepName is set the format affix
// is suppressed; per-format subfolders then disambiguate the format.
func (f Format) OutputName(base string, keepName bool) string {
	ext := ".jpg"
	if f == MPO {
		ext = ".mpo"
	}
	if keepName {
		return base + ext
	}
	if s, ok := suffixes[f]; ok {
		return base + s + ext
	}
	return prefixes[f] + base + ext
}

// CropToCommon crops both frames to their shared intersection (the
// minimum width and height), anchored at the top-left. Hand-held
// captures routinely differ by a few pixels; cropping once per pair
// keeps every format generated from that pair pixel-consistent.
func CropToCommon(left, right image.Image) (image.Image, image.Image) {
	lb, rb := left.Bounds(), right.Bounds()
	w := min(lb.Dx(), rb.Dx())
	h := min(lb.Dy(), rb.Dy())
	if lb.Dx() != w || lb.Dy() != h {
		left = imaging.Crop(left, image.Rect(lb.Min.X, lb.Min.Y, lb.Min.X+w, lb.Min.Y+h))
	}
	if rb.Dx() != w || rb.Dy() != h {
		right = imaging.Crop(right, image.Rect(rb.Min.X, rb.Min.Y, rb.Min.X+w, rb.Min.Y+h))
	}
	return left, right
}

// Compose renders the requested format from an aligned pair. Frames of
// unequal dimensions are first cropped to their common intersection.
// MPO is a container, not a composition, and is rejected here.
func Compose(left, right image.Image, f Format) (image.Image, error) {
	if f == MPO {
		return nil, fmt.Errorf("format %q is a container, use the mpo codec", f)
	}
	left, right = CropToCommon(left, right)
	w := left.Bounds().Dx()
	h := left.Bounds().Dy()

	switch f {
	case Anaglyph:
		return anaglyph(left, right, w, h), nil
	case Parallel:
		return sideBySide(left, right, w, h), nil
	case Crossview:
		return sideBySide(right, left, w, h), nil
	case LeftRightLeft:
		canvas := imaging.New(w*3, h, color.NRGBA{0, 0, 0, 255})
		canvas = imaging.Paste(canvas, left, image.Pt(0, 0))
		canvas = imaging.Paste(canvas, right, image.Pt(w, 0))
		canvas = imaging.Paste(canvas, left, image.Pt(w*2, 0))
		return canvas, nil
	case LeftOnly:
		return imaging.Clone(left), nil
	case RightOnly:
		return imaging.Clone(right), nil
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
}

func sideBySide(first, second image.Image, w, h int) image.Image {
	canvas := imaging.New(w*2, h, color.NRGBA{0, 0, 0, 255})
	canvas = imaging.Paste(canvas, first, image.Pt(0, 0))
	return imaging.Paste(canvas, second, image.Pt(w, 0))
}

// anaglyph builds the red/cyan composite: red from the left view,
// green and blue from the right view.
func anaglyph(left, right image.Image, w, h int) image.Image {
	l := imaging.Clone(left)
	r := imaging.Clone(right)
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			lc := l.NRGBAAt(x, y)
			rc := r.NRGBAAt(x, y)
			out.SetNRGBA(x, y, color.NRGBA{R: lc.R, G: rc.G, B: rc.B, A: 255})
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
