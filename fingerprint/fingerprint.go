// Package fingerprint computes fixed-width perceptual hashes for image
// files. The hash is a 64-bit DCT signature over a 32x32 grayscale
// downsample of the image; two hashes are compared by Hamming distance.
// The two views of a stereo pair land within a small bit distance of
// each other, while unrelated shots do not.
package fingerprint

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"os"
	"sort"

	"github.com/nfnt/resize"
)

const (
	// dctSize is the edge of the grayscale downsample fed to the DCT.
	dctSize = 32
	// hashSize is the edge of the low-frequency block kept from the
	// DCT output; hashSize*hashSize coefficients become the hash bits.
	hashSize = 8
)

// Fingerprint is a fixed-width perceptual hash of an image's visual
// content.
type Fingerprint uint64

// Distance returns the Hamming distance to another fingerprint. The
// metric is symmetric: a.Distance(b) == b.Distance(a).
func (f Fingerprint) Distance(other Fingerprint) int {
	return bits.OnesCount64(uint64(f) ^ uint64(other))
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// UnreadableImageError reports a file that could not be opened or
// decoded as an image. Files failing this way are excluded from pair
// matching entirely; they never become phantom singles.
type UnreadableImageError struct {
	Path string
	Err  error
}

func (e *UnreadableImageError) Error() string {
	return fmt.Sprintf("unreadable image %s: %v", e.Path, e.Err)
}

func (e *UnreadableImageError) Unwrap() error { return e.Err }

// FromFile decodes the image at path and computes its fingerprint.
func FromFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &UnreadableImageError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, &UnreadableImageError{Path: path, Err: err}
	}
	return FromImage(img), nil
}

// FromImage computes the fingerprint of an already decoded image.
func FromImage(img image.Image) Fingerprint {
	px := grayPixels(img)
	coeffs := dct2d(px)

	// Keep the top-left low-frequency block and threshold each
	// coefficient against the block median. The DC term is excluded
	// from the median so overall brightness does not skew it.
	block := make([]float64, 0, hashSize*hashSize)
	for v := 0; v < hashSize; v++ {
		for u := 0; u < hashSize; u++ {
			block = append(block, coeffs[v][u])
		}
	}
	med := median(block[1:])

	var hash Fingerprint
	for _, c := range block {
		hash <<= 1
		if c > med {
			hash |= 1
		}
	}
	return hash
}

// grayPixels downsamples img to dctSize x dctSize and returns its
// luminance as a float matrix.
func grayPixels(img image.Image) [][]float64 {
	small := resize.Resize(dctSize, dctSize, img, resize.Bilinear)
	px := make([][]float64, dctSize)
	b := small.Bounds()
	for y := 0; y < dctSize; y++ {
		row := make([]float64, dctSize)
		for x := 0; x < dctSize; x++ {
			r, g, bl, _ := small.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// Rec. 601 luma on the 16-bit channel values.
			row[x] = 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
		}
		px[y] = row
	}
	return px
}

// dct2d applies a separable type-II DCT to a square matrix.
func dct2d(px [][]float64) [][]float64 {
	n := len(px)
	rows := make([][]float64, n)
	for y := 0; y < n; y++ {
		rows[y] = dct1d(px[y])
	}
	out := make([][]float64, n)
	col := make([]float64, n)
	for v := 0; v < n; v++ {
		out[v] = make([]float64, n)
	}
	for u := 0; u < n; u++ {
		for y := 0; y < n; y++ {
			col[y] = rows[y][u]
		}
		t := dct1d(col)
		for v := 0; v < n; v++ {
			out[v][u] = t[v]
		}
	}
	return out
}

func dct1d(in []float64) []float64 {
	n := len(in)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += in[i] * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(n)))
		}
		out[k] = sum
	}
	return out
}

func median(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
