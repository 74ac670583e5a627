// Package align estimates and corrects small rotational misalignment
// between the two frames of a stereo pair.
//
// Each frame's tilt from horizontal is estimated from the orientation
// of its dominant near-horizontal edges; the right frame is then
// rotated toward the left frame's reference. Misalignment is assumed
// to be a hand-held capture artifact, so corrections are bounded: a
// large measured delta indicates a matching error upstream and is
// logged instead of applied.
package align

import (
	"errors"
	"image"
	"image/color"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

const (
	// Tolerance is the relative tilt (degrees) below which no
	// correction is applied.
	Tolerance = 0.5
	// MaxCorrection bounds the applied rotation (degrees). Estimates
	// beyond it are treated as upstream matching errors.
	MaxCorrection = 10.0

	// workingWidth is the downsample width used for estimation.
	workingWidth = 256
	// magThreshold is the minimum Sobel gradient magnitude for a pixel
	// to vote on orientation.
	magThreshold = 24.0
	// horizonWindow restricts votes to edges within this many degrees
	// of horizontal.
	horizonWindow = 20.0
	// minVotes is the minimum number of voting pixels for an estimate
	// to be trusted.
	minVotes = 64
)

// ErrInsufficientDetail is returned when a frame has too few strong
// near-horizontal edges to estimate its tilt.
var ErrInsufficientDetail = errors.New("align: insufficient edge detail to estimate tilt")

// Correct returns the pair with any small relative rotation removed.
// The right frame is rotated toward the left frame's reference.
// Estimation failure or an out-of-bounds estimate degrades to "no
// correction applied"; Correct never fails.
func Correct(left, right image.Image, logger *slog.Logger) (image.Image, image.Image) {
	if logger == nil {
		logger = slog.Default()
	}

	lt, lerr := EstimateTilt(left)
	rt, rerr := EstimateTilt(right)
	if lerr != nil || rerr != nil {
		logger.Info("alignment skipped",
			slog.Any("left_err", lerr),
			slog.Any("right_err", rerr))
		return left, right
	}

	delta := rt - lt
	if math.Abs(delta) <= Tolerance {
		logger.Debug("alignment not needed", slog.Float64("delta_degrees", delta))
		return left, right
	}
	if math.Abs(delta) > MaxCorrection {
		logger.Warn("alignment delta out of bounds, skipping correction",
			slog.Float64("delta_degrees", delta))
		return left, right
	}

	logger.Info("alignment applied", slog.Float64("correction_degrees", -delta))
	return left, Rotate(right, -delta)
}

// EstimateTilt returns the angle in degrees (counter-clockwise
// positive, as seen by the viewer) by which the frame content appears
// rotated from horizontal. Only edges close to horizontal vote, so a
// portrait-format scene full of verticals can still fail with
// ErrInsufficientDetail.
func EstimateTilt(img image.Image) (float64, error) {
	gray := downsampleGray(img)
	w := gray.Bounds().Dx()
	h := gray.Bounds().Dy()
	if w < 3 || h < 3 {
		return 0, ErrInsufficientDetail
	}

	// Orientation is an axial quantity with period 180 degrees, so
	// votes are accumulated on the doubled angle.
	var sumSin, sumCos, weight float64
	votes := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx, gy := sobel(gray, x, y)
			mag := math.Hypot(gx, gy)
			if mag < magThreshold {
				continue
			}
			// Gradient of a horizontal edge points vertically; the
			// deviation of the edge from horizontal (viewer
			// orientation, CCW positive) is 90 degrees minus the
			// gradient angle in pixel coordinates.
			d := foldDegrees(90 - math.Atan2(gy, gx)*180/math.Pi)
			if math.Abs(d) > horizonWindow {
				continue
			}
			rad := 2 * d * math.Pi / 180
			sumSin += mag * math.Sin(rad)
			sumCos += mag * math.Cos(rad)
			weight += mag
			votes++
		}
	}
	if votes < minVotes || weight == 0 {
		return 0, ErrInsufficientDetail
	}
	return math.Atan2(sumSin, sumCos) * 180 / math.Pi / 2, nil
}

// Rotate returns img rotated by degrees counter-clockwise (viewer
// orientation) about its center, resampling bilinearly. The output
// keeps the input dimensions; corners swept in from outside the
// source are black.
func Rotate(img image.Image, degrees float64) image.Image {
	src := imaging.Clone(img)
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	// Inverse mapping: viewer-CCW rotation by theta is a pixel-space
	// rotation by -theta because the y axis points down.
	theta := degrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	cx := float64(w-1) / 2
	cy := float64(h-1) / 2

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			sx := cx + cos*dx - sin*dy
			sy := cy + sin*dx + cos*dy
			dst.SetNRGBA(x, y, sampleBilinear(src, sx, sy))
		}
	}
	return dst
}

func sampleBilinear(src *image.NRGBA, x, y float64) color.NRGBA {
	w := src.Bounds().Dx()
	h := src.Bounds().Dy()
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	if x0 < -1 || y0 < -1 || x0 > w-1 || y0 > h-1 {
		return color.NRGBA{A: 255}
	}
	fx := x - float64(x0)
	fy := y - float64(y0)

	at := func(px, py int) (float64, float64, float64) {
		if px < 0 || py < 0 || px >= w || py >= h {
			return 0, 0, 0
		}
		c := src.NRGBAAt(src.Bounds().Min.X+px, src.Bounds().Min.Y+py)
		return float64(c.R), float64(c.G), float64(c.B)
	}

	r00, g00, b00 := at(x0, y0)
	r10, g10, b10 := at(x0+1, y0)
	r01, g01, b01 := at(x0, y0+1)
	r11, g11, b11 := at(x0+1, y0+1)

	lerp2 := func(v00, v10, v01, v11 float64) uint8 {
		top := v00 + (v10-v00)*fx
		bot := v01 + (v11-v01)*fx
		v := top + (bot-top)*fy
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return uint8(v + 0.5)
	}

	return color.NRGBA{
		R: lerp2(r00, r10, r01, r11),
		G: lerp2(g00, g10, g01, g11),
		B: lerp2(b00, b10, b01, b11),
		A: 255,
	}
}

// downsampleGray scales img to the working width preserving aspect
// ratio and converts it to grayscale.
func downsampleGray(img image.Image) *image.Gray {
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()
	if w > workingWidth {
		h = h * workingWidth / w
		w = workingWidth
	}
	if h < 1 {
		h = 1
	}
	scaled := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, b, xdraw.Over, nil)
	return scaled
}

func sobel(g *image.Gray, x, y int) (float64, float64) {
	p := func(px, py int) float64 {
		return float64(g.GrayAt(px, py).Y)
	}
	gx := -p(x-1, y-1) - 2*p(x-1, y) - p(x-1, y+1) +
		p(x+1, y-1) + 2*p(x+1, y) + p(x+1, y+1)
	gy := -p(x-1, y-1) - 2*p(x, y-1) - p(x+1, y-1) +
		p(x-1, y+1) + 2*p(x, y+1) + p(x+1, y+1)
	return gx, gy
}

// foldDegrees maps an angle into [-90, 90).
func foldDegrees(d float64) float64 {
	for d >= 90 {
		d -= 180
	}
	for d < -90 {
		d += 180
	}
	return d
}
