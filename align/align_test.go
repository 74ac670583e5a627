package align

import (
	"image"
	"image/color"
	"math"
	"testing"
)

// stripes draws a sinusoidal band pattern whose bands are tilted by
// angle degrees from horizontal (counter-clockwise as seen by the
// viewer). The gradient everywhere is normal to the bands, so the
// pattern's dominant edge orientation is exactly the tilt angle.
func stripes(w, h int, degrees float64) image.Image {
	rad := degrees * math.Pi / 180
	sn, cs := math.Sin(rad), math.Cos(rad)
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := float64(x)*sn + float64(y)*cs
			v := 127.5 + 127.5*math.Sin(2*math.Pi*u/16)
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img
}

func flat(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	return img
}

func TestEstimateTilt(t *testing.T) {
	tests := []struct {
		name    string
		degrees float64
	}{
		{"horizontal", 0},
		{"slight positive", 3},
		{"slight negative", -4},
		{"moderate", 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EstimateTilt(stripes(320, 240, tt.degrees))
			if err != nil {
				t.Fatalf("EstimateTilt error: %v", err)
			}
			if math.Abs(got-tt.degrees) > 1.0 {
				t.Errorf("EstimateTilt = %.2f, want %.2f +/- 1.0", got, tt.degrees)
			}
		})
	}
}

func TestEstimateTiltInsufficientDetail(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
	}{
		{"flat image", flat(320, 240)},
		{"tiny image", flat(2, 2)},
		{"vertical stripes only", stripes(320, 240, 89)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EstimateTilt(tt.img)
			if err != ErrInsufficientDetail {
				t.Errorf("err = %v, want ErrInsufficientDetail", err)
			}
		})
	}
}

// Rotating a pattern by theta must shift its estimated tilt by theta.
// This pins the estimator and Rotate to the same angle convention.
func TestRotateMatchesEstimatorConvention(t *testing.T) {
	base := stripes(320, 240, 0)
	rotated := Rotate(base, 5)
	got, err := EstimateTilt(rotated)
	if err != nil {
		t.Fatalf("EstimateTilt error: %v", err)
	}
	if math.Abs(got-5) > 1.0 {
		t.Errorf("tilt after Rotate(5) = %.2f, want 5 +/- 1.0", got)
	}
}

func TestRotateKeepsDimensions(t *testing.T) {
	img := stripes(321, 243, 0)
	out := Rotate(img, 7)
	if !out.Bounds().Eq(image.Rect(0, 0, 321, 243)) {
		t.Errorf("bounds = %v, want (0,0)-(321,243)", out.Bounds())
	}
}

func TestCorrectAppliesSmallDelta(t *testing.T) {
	left := stripes(320, 240, 0)
	right := Rotate(stripes(320, 240, 0), 5)

	_, correctedRight := Correct(left, right, nil)

	lt, err := EstimateTilt(left)
	if err != nil {
		t.Fatalf("EstimateTilt(left) error: %v", err)
	}
	rt, err := EstimateTilt(correctedRight)
	if err != nil {
		t.Fatalf("EstimateTilt(corrected right) error: %v", err)
	}
	if d := math.Abs(rt - lt); d > Tolerance+0.5 {
		t.Errorf("residual tilt delta = %.2f, want <= %.2f", d, Tolerance+0.5)
	}
}

func TestCorrectSkipsWhenAligned(t *testing.T) {
	left := stripes(320, 240, 2)
	right := stripes(320, 240, 2)
	gotLeft, gotRight := Correct(left, right, nil)
	if gotLeft != left || gotRight != right {
		t.Error("aligned pair must be returned unchanged")
	}
}

func TestCorrectSkipsBelowTolerance(t *testing.T) {
	left := stripes(320, 240, 0)
	right := stripes(320, 240, 0.2)
	gotLeft, gotRight := Correct(left, right, nil)
	if gotLeft != left || gotRight != right {
		t.Error("sub-tolerance tilt must leave the pair unchanged")
	}
}

func TestCorrectSkipsOutOfBoundsDelta(t *testing.T) {
	left := stripes(320, 240, 0)
	right := stripes(320, 240, 15) // beyond MaxCorrection
	gotLeft, gotRight := Correct(left, right, nil)
	if gotLeft != left || gotRight != right {
		t.Error("out-of-bounds delta must leave the pair unchanged")
	}
}

func TestCorrectSkipsOnEstimationFailure(t *testing.T) {
	left := flat(320, 240)
	right := stripes(320, 240, 3)
	gotLeft, gotRight := Correct(left, right, nil)
	if gotLeft != left || gotRight != right {
		t.Error("estimation failure must leave the pair unchanged")
	}
}
