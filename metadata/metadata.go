// Package metadata extracts embedded EXIF, IPTC and XMP blocks from
// source JPEGs and re-attaches them to derived outputs.
//
// Propagation is copy-through: each namespace is carried as the raw
// bytes of its JPEG APP segment payload and spliced verbatim into the
// output stream, never regenerated field by field. A namespace absent
// from the source is simply absent from the bundle.
package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Namespace identifies one embedded metadata block kind.
type Namespace string

const (
	EXIF Namespace = "exif"
	IPTC Namespace = "iptc"
	XMP  Namespace = "xmp"
)

// Namespaces lists all supported namespaces in injection order.
func Namespaces() []Namespace {
	return []Namespace{EXIF, XMP, IPTC}
}

// Bundle maps a namespace to the raw payload bytes of its JPEG
// segment, identifier prefix included, so injection is a pure splice.
type Bundle map[Namespace][]byte

// ErrUnsupported is returned when the output container cannot carry
// embedded metadata; the caller logs and omits the namespace for that
// output only.
var ErrUnsupported = errors.New("metadata: output container does not support embedded namespaces")

// Segment identifier prefixes inside JPEG APP segments.
var (
	exifPrefix = []byte("Exif\x00\x00")
	xmpPrefix  = []byte("http://ns.adobe.com/xap/1.0/\x00")
	iptcPrefix = []byte("Photoshop 3.0\x00")
)

const (
	markerAPP1  = 0xE1
	markerAPP13 = 0xED
	markerSOS   = 0xDA
)

// ExtractFile reads the image at path and extracts its metadata bundle.
func ExtractFile(path string) (Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Extract(f)
}

// Extract walks the JPEG segment stream and captures whichever of
// EXIF, XMP and IPTC are present. A non-JPEG stream yields an empty
// bundle: absence of metadata is not an error.
func Extract(r io.Reader) (Bundle, error) {
	b := Bundle{}
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return b, nil
	}
	if head[0] != 0xFF || head[1] != 0xD8 {
		return b, nil
	}

	for {
		if _, err := io.ReadFull(r, head); err != nil {
			return b, nil
		}
		if head[0] != 0xFF {
			return b, nil
		}
		marker := head[1]
		if marker == markerSOS {
			return b, nil
		}
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return b, nil
		}
		segLen := int(binary.BigEndian.Uint16(lenBuf)) - 2
		if segLen < 0 {
			return b, nil
		}
		payload := make([]byte, segLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return b, nil
		}

		switch {
		case marker == markerAPP1 && bytes.HasPrefix(payload, exifPrefix):
			if _, ok := b[EXIF]; !ok {
				b[EXIF] = payload
			}
		case marker == markerAPP1 && bytes.HasPrefix(payload, xmpPrefix):
			if _, ok := b[XMP]; !ok {
				b[XMP] = payload
			}
		case marker == markerAPP13 && bytes.HasPrefix(payload, iptcPrefix):
			if _, ok := b[IPTC]; !ok {
				b[IPTC] = payload
			}
		}
	}
}

// Inject splices the enabled, present namespaces of b into the JPEG
// stream and returns the final output bytes. The segments land after
// any leading APP0, in the order EXIF, XMP, IPTC. A nil enabled set
// means "all namespaces".
//
// If data is not a JPEG stream, Inject returns data unchanged together
// with ErrUnsupported so the caller can log and omit.
func Inject(data []byte, b Bundle, enabled map[Namespace]bool) ([]byte, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return data, ErrUnsupported
	}

	var segs []byte
	for _, ns := range Namespaces() {
		payload, ok := b[ns]
		if !ok || (enabled != nil && !enabled[ns]) {
			continue
		}
		if len(payload)+2 > 0xFFFF {
			// Cannot be expressed as a single segment; drop rather
			// than corrupt the stream.
			continue
		}
		marker := byte(markerAPP1)
		if ns == IPTC {
			marker = markerAPP13
		}
		seg := make([]byte, 4+len(payload))
		seg[0] = 0xFF
		seg[1] = marker
		binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
		copy(seg[4:], payload)
		segs = append(segs, seg...)
	}
	if len(segs) == 0 {
		return data, nil
	}

	pos := insertPos(data)
	out := make([]byte, 0, len(data)+len(segs))
	out = append(out, data[:pos]...)
	out = append(out, segs...)
	out = append(out, data[pos:]...)
	return out, nil
}

// insertPos returns the splice point after SOI and any APP0 segment.
func insertPos(data []byte) int {
	i := 2
	for i+4 <= len(data) && data[i] == 0xFF && data[i+1] == 0xE0 {
		segLen := int(binary.BigEndian.Uint16(data[i+2:]))
		if segLen < 2 || i+2+segLen > len(data) {
			break
		}
		i += 2 + segLen
	}
	return i
}

// CaptureTime returns the EXIF capture time of the image at path.
// The boolean is false when the file carries no usable EXIF datetime;
// callers fall back to the file modification time.
func CaptureTime(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return time.Time{}, false
	}
	t, err := x.DateTime()
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Copyright returns the EXIF Copyright string embedded in a JPEG byte
// stream, or an error when absent. Mostly useful for verifying that
// propagation reached an output.
func Copyright(data []byte) (string, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode exif: %w", err)
	}
	tag, err := x.Get(exif.Copyright)
	if err != nil {
		return "", fmt.Errorf("no copyright tag: %w", err)
	}
	return tag.StringVal()
}
