package mpo

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/tiMaxal/pair3d/metadata"
)

// testJPEG encodes a small solid-tint frame; the tint distinguishes
// left from right through a round trip.
func testJPEG(t *testing.T, tint uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: tint, G: uint8(x * 5), B: uint8(y * 7), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	left := testJPEG(t, 200)
	right := testJPEG(t, 40)

	container, err := Encode(left, right)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	frames, err := Decode(container)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	// The second frame is untouched; the first differs from the input
	// only by the inserted index segment.
	if !bytes.Equal(frames[1].Data, right) {
		t.Error("right frame did not survive the round trip byte-for-byte")
	}
	if len(frames[0].Data) != len(left)+segmentTotalSize {
		t.Errorf("left frame size = %d, want %d", len(frames[0].Data), len(left)+segmentTotalSize)
	}

	for i, f := range frames {
		if _, err := f.Image(); err != nil {
			t.Errorf("frame %d does not decode: %v", i+1, err)
		}
	}
}

func TestEncodeCarriesLeftMetadata(t *testing.T) {
	exifPayload := append([]byte("Exif\x00\x00"), []byte{'I', 'I', 0x2A, 0x00, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0}...)
	left, err := metadata.Inject(testJPEG(t, 200), metadata.Bundle{metadata.EXIF: exifPayload}, nil)
	if err != nil {
		t.Fatal(err)
	}

	container, err := Encode(left, testJPEG(t, 40))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	frames, err := Decode(container)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !bytes.Equal(frames[0].Meta[metadata.EXIF], exifPayload) {
		t.Error("first frame lost its EXIF payload")
	}
	if frames[1].Meta[metadata.EXIF] != nil {
		t.Error("second frame unexpectedly carries EXIF")
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	plain := testJPEG(t, 100)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not a jpeg", []byte("garbage data here")},
		{"plain jpeg without index", plain},
		{"truncated container", func() []byte {
			c, _ := Encode(plain, testJPEG(t, 50))
			return c[:len(c)-64]
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if _, ok := err.(*FormatError); !ok {
				t.Errorf("error type = %T, want *FormatError", err)
			}
		})
	}
}

func TestDecodeRejectsWrongFrameCount(t *testing.T) {
	left := testJPEG(t, 200)
	right := testJPEG(t, 40)
	container, err := Encode(left, right)
	if err != nil {
		t.Fatal(err)
	}

	// Patch NumberOfImages to 3 inside the index segment.
	idx := bytes.Index(container, []byte{'M', 'P', 'F', 0})
	if idx < 0 {
		t.Fatal("no MPF identifier in container")
	}
	// value of the LONG NumberOfImages tag, 30 bytes into the MP header
	countPos := idx + 4 + 30
	container[countPos+3] = 3

	_, err = Decode(container)
	if err == nil {
		t.Fatal("expected error for three-frame container")
	}
	if _, ok := err.(*FormatError); !ok {
		t.Errorf("error type = %T, want *FormatError", err)
	}
}

func TestEncodeRejectsNonJPEGInput(t *testing.T) {
	good := testJPEG(t, 100)

	tests := []struct {
		name        string
		left, right []byte
	}{
		{"left not jpeg", []byte("nope"), good},
		{"right not jpeg", good, []byte("nope")},
		{"left truncated", good[:len(good)-2], good},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.left, tt.right); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestEncodeFileDecodeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pair.mpo")

	left := testJPEG(t, 200)
	right := testJPEG(t, 40)
	if err := EncodeFile(path, left, right); err != nil {
		t.Fatalf("EncodeFile error: %v", err)
	}

	frames, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[1].Data, right) {
		t.Error("right frame mismatch after file round trip")
	}
}

func TestDecodeFileErrorCarriesPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.mpo")
	if err := os.WriteFile(path, testJPEG(t, 100), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := DecodeFile(path)
	fe, ok := err.(*FormatError)
	if !ok {
		t.Fatalf("error type = %T, want *FormatError", err)
	}
	if fe.Path != path {
		t.Errorf("error path = %q, want %q", fe.Path, path)
	}
}
