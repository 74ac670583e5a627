package metadata

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const (
	testDateTime  = "2024:06:01 12:00:00"
	testCopyright = "test rig"
)

// buildExifPayload assembles a minimal APP1 EXIF payload by hand: the
// identifier, a little-endian TIFF header, and an IFD0 carrying
// DateTime (0x0132) and Copyright (0x8298) ASCII tags.
func buildExifPayload(datetime, copyright string) []byte {
	le := binary.LittleEndian
	dt := append([]byte(datetime), 0)
	cr := append([]byte(copyright), 0)

	// TIFF layout: header(8) + count(2) + 2 entries(24) + next(4) = 38,
	// then the two string values.
	tiff := make([]byte, 38+len(dt)+len(cr))
	copy(tiff[0:], []byte{'I', 'I', 0x2A, 0x00})
	le.PutUint32(tiff[4:], 8) // IFD0 offset

	le.PutUint16(tiff[8:], 2) // entry count

	e := tiff[10:]
	le.PutUint16(e[0:], 0x0132) // DateTime, ASCII
	le.PutUint16(e[2:], 2)
	le.PutUint32(e[4:], uint32(len(dt)))
	le.PutUint32(e[8:], 38)

	e = tiff[22:]
	le.PutUint16(e[0:], 0x8298) // Copyright, ASCII
	le.PutUint16(e[2:], 2)
	le.PutUint32(e[4:], uint32(len(cr)))
	le.PutUint32(e[8:], uint32(38+len(dt)))

	le.PutUint32(tiff[34:], 0) // no next IFD

	copy(tiff[38:], dt)
	copy(tiff[38+len(dt):], cr)

	return append(append([]byte(nil), exifPrefix...), tiff...)
}

func buildXMPPayload() []byte {
	packet := []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/"><rdf:RDF/></x:xmpmeta>`)
	return append(append([]byte(nil), xmpPrefix...), packet...)
}

func buildIPTCPayload() []byte {
	// Photoshop 8BIM resource wrapping a tiny IPTC-IIM block.
	body := []byte{'8', 'B', 'I', 'M', 0x04, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x1C, 0x02, 0x00, 0x02}
	return append(append([]byte(nil), iptcPrefix...), body...)
}

func plainJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func fullBundle() Bundle {
	return Bundle{
		EXIF: buildExifPayload(testDateTime, testCopyright),
		XMP:  buildXMPPayload(),
		IPTC: buildIPTCPayload(),
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	src := fullBundle()
	out, err := Inject(plainJPEG(t), src, nil)
	if err != nil {
		t.Fatalf("Inject error: %v", err)
	}

	got, err := Extract(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	for _, ns := range Namespaces() {
		if !bytes.Equal(got[ns], src[ns]) {
			t.Errorf("namespace %s did not survive the round trip byte-for-byte", ns)
		}
	}
}

func TestInjectedOutputStillDecodes(t *testing.T) {
	out, err := Inject(plainJPEG(t), fullBundle(), nil)
	if err != nil {
		t.Fatalf("Inject error: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(out)); err != nil {
		t.Fatalf("output no longer decodes as JPEG: %v", err)
	}
}

func TestInjectRespectsEnabledSet(t *testing.T) {
	tests := []struct {
		name    string
		enabled map[Namespace]bool
		want    map[Namespace]bool
	}{
		{"all nil means all", nil, map[Namespace]bool{EXIF: true, XMP: true, IPTC: true}},
		{"exif only", map[Namespace]bool{EXIF: true}, map[Namespace]bool{EXIF: true}},
		{"xmp and iptc", map[Namespace]bool{XMP: true, IPTC: true}, map[Namespace]bool{XMP: true, IPTC: true}},
		{"none", map[Namespace]bool{}, map[Namespace]bool{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Inject(plainJPEG(t), fullBundle(), tt.enabled)
			if err != nil {
				t.Fatalf("Inject error: %v", err)
			}
			got, err := Extract(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("Extract error: %v", err)
			}
			for _, ns := range Namespaces() {
				if tt.want[ns] && got[ns] == nil {
					t.Errorf("namespace %s missing from output", ns)
				}
				if !tt.want[ns] && got[ns] != nil {
					t.Errorf("namespace %s present despite being disabled", ns)
				}
			}
		})
	}
}

func TestInjectNonJPEGUnsupported(t *testing.T) {
	data := []byte("definitely not a jpeg")
	out, err := Inject(data, fullBundle(), nil)
	if err != ErrUnsupported {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("input must be returned unchanged")
	}
}

func TestInjectEmptyBundleIsNoop(t *testing.T) {
	src := plainJPEG(t)
	out, err := Inject(src, Bundle{}, nil)
	if err != nil {
		t.Fatalf("Inject error: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Error("empty bundle must leave the stream unchanged")
	}
}

func TestExtractMissingNamespaces(t *testing.T) {
	b, err := Extract(bytes.NewReader(plainJPEG(t)))
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(b) != 0 {
		t.Errorf("plain JPEG yielded %d namespaces, want 0", len(b))
	}
}

func TestExtractNonJPEG(t *testing.T) {
	b, err := Extract(bytes.NewReader([]byte("random bytes")))
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(b) != 0 {
		t.Errorf("non-JPEG yielded %d namespaces, want 0", len(b))
	}
}

func TestCopyrightReadableAfterInject(t *testing.T) {
	out, err := Inject(plainJPEG(t), fullBundle(), nil)
	if err != nil {
		t.Fatalf("Inject error: %v", err)
	}
	got, err := Copyright(out)
	if err != nil {
		t.Fatalf("Copyright error: %v", err)
	}
	if got != testCopyright {
		t.Errorf("Copyright = %q, want %q", got, testCopyright)
	}
}

func TestCaptureTime(t *testing.T) {
	dir := t.TempDir()

	withExif, err := Inject(plainJPEG(t), Bundle{EXIF: buildExifPayload(testDateTime, testCopyright)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	exifPath := filepath.Join(dir, "with_exif.jpg")
	if err := os.WriteFile(exifPath, withExif, 0644); err != nil {
		t.Fatal(err)
	}

	got, ok := CaptureTime(exifPath)
	if !ok {
		t.Fatal("CaptureTime = not ok, want EXIF datetime")
	}
	want := time.Date(2024, 6, 1, 12, 0, 0, 0, got.Location())
	if !got.Equal(want) {
		t.Errorf("CaptureTime = %v, want %v", got, want)
	}

	barePath := filepath.Join(dir, "bare.jpg")
	if err := os.WriteFile(barePath, plainJPEG(t), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := CaptureTime(barePath); ok {
		t.Error("CaptureTime reported ok for a JPEG without EXIF")
	}
}
