// Package mpo reads and writes Multi Picture Object containers: the
// JPEG-based stereo format defined by CIPA DC-007 and consumed by
// third-party stereo viewers.
//
// A container is a sequence of complete JPEG streams; the first one
// carries an APP2 "MPF" segment holding the MP Index IFD, which lists
// each frame's attribute flags, byte size, and byte offset. Offsets
// are measured from the start of the MP header (the endianness field
// inside the APP2 segment), with the first frame's offset defined as
// zero. Only two-frame (baseline stereo) containers are supported.
package mpo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"github.com/tiMaxal/pair3d/metadata"
)

// FormatError reports a file that is not a valid two-frame multi
// picture container.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid MPO container: %s", e.Reason)
	}
	return fmt.Sprintf("invalid MPO container %s: %s", e.Path, e.Reason)
}

// Frame is one JPEG image inside a container.
type Frame struct {
	// Data is the complete JPEG byte stream, SOI through EOI.
	Data []byte
	// Meta holds the metadata namespaces embedded in this frame.
	Meta metadata.Bundle
}

// Image decodes the frame's pixels.
func (f Frame) Image() (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode MPO frame: %w", err)
	}
	return img, nil
}

const (
	markerSOI  = 0xD8
	markerSOS  = 0xDA
	markerAPP0 = 0xE0
	markerAPP1 = 0xE1
	markerAPP2 = 0xE2

	tagMPFVersion     = 0xB000
	tagNumberOfImages = 0xB001
	tagMPEntry        = 0xB002

	// Individual image attributes: JPEG data format, multi-frame
	// disparity type. The first frame additionally carries the
	// representative-image flag.
	attrPrimaryFrame = 0x20020002
	attrSecondFrame  = 0x00020002

	mpEntrySize = 16
)

var mpfIdent = []byte{'M', 'P', 'F', 0}

// DecodeFile reads and decodes the container at path.
func DecodeFile(path string) ([]Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frames, err := Decode(data)
	if err != nil {
		if fe, ok := err.(*FormatError); ok {
			fe.Path = path
		}
		return nil, err
	}
	return frames, nil
}

// Decode parses a multi picture container into its two frames, each
// with its own extracted metadata bundle. It fails with *FormatError
// if the MPF index segment is missing, malformed, or describes a
// frame count other than two.
func Decode(data []byte) ([]Frame, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, &FormatError{Reason: "missing JPEG SOI marker"}
	}

	app2Pos, payload, err := findMPFSegment(data)
	if err != nil {
		return nil, err
	}

	// The MP header starts right after the "MPF\0" identifier; all MP
	// entry offsets are relative to it.
	base := app2Pos + 2 + 2 + len(mpfIdent)

	entries, count, err := parseIndexIFD(payload)
	if err != nil {
		return nil, err
	}
	if count != 2 || len(entries) != 2 {
		return nil, &FormatError{Reason: fmt.Sprintf("unsupported frame count %d (only two-frame stereo containers are supported)", count)}
	}

	frames := make([]Frame, 0, 2)
	for i, e := range entries {
		start := base + int(e.offset)
		if i == 0 {
			// DC-007: the offset of the first individual image is
			// written as zero and means the start of the file.
			start = 0
		}
		end := start + int(e.size)
		if e.size == 0 || start < 0 || end > len(data) {
			return nil, &FormatError{Reason: fmt.Sprintf("frame %d bounds [%d:%d) exceed container size %d", i+1, start, end, len(data))}
		}
		fd := data[start:end]
		if len(fd) < 2 || fd[0] != 0xFF || fd[1] != markerSOI {
			return nil, &FormatError{Reason: fmt.Sprintf("frame %d does not start with SOI", i+1)}
		}
		meta, _ := metadata.Extract(bytes.NewReader(fd))
		frames = append(frames, Frame{Data: append([]byte(nil), fd...), Meta: meta})
	}
	return frames, nil
}

// Encode assembles two standalone JPEG streams into a multi picture
// container. Each input must be a complete JPEG (SOI through EOI); the
// left frame becomes the representative first image. The round trip
// with Decode reproduces the input frames byte-for-byte apart from the
// index segment inserted into the first frame.
func Encode(left, right []byte) ([]byte, error) {
	if err := validateJPEG(left, "left"); err != nil {
		return nil, err
	}
	if err := validateJPEG(right, "right"); err != nil {
		return nil, err
	}

	insertPos, err := indexInsertPos(left)
	if err != nil {
		return nil, err
	}

	segment := make([]byte, segmentTotalSize)
	newLeftSize := len(left) + len(segment)
	base := insertPos + 2 + 2 + len(mpfIdent)

	buildIndexSegment(segment, uint32(newLeftSize), uint32(len(right)), uint32(newLeftSize-base))

	out := make([]byte, 0, newLeftSize+len(right))
	out = append(out, left[:insertPos]...)
	out = append(out, segment...)
	out = append(out, left[insertPos:]...)
	out = append(out, right...)
	return out, nil
}

// EncodeFile writes the container for two JPEG streams to path.
func EncodeFile(path string, left, right []byte) error {
	data, err := Encode(left, right)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Index segment layout, all offsets relative to the MP header start:
//
//	ident "MPF\0"                      4 bytes
//	endianness "MM\0*"                 4 bytes  (offset 0)
//	offset to MP Index IFD = 8         4 bytes
//	IFD entry count = 3                2 bytes
//	MPFVersion   tag                  12 bytes
//	NumberOfImages tag                12 bytes
//	MPEntry tag (points at 50)        12 bytes
//	next IFD offset = 0                4 bytes
//	two MP entries                    32 bytes
const (
	segmentPayloadSize = 4 + 4 + 4 + 2 + 3*12 + 4 + 2*mpEntrySize
	segmentTotalSize   = 2 + 2 + segmentPayloadSize
	mpEntryDataOffset  = 50
)

func buildIndexSegment(buf []byte, leftSize, rightSize, rightOffset uint32) {
	be := binary.BigEndian

	buf[0] = 0xFF
	buf[1] = markerAPP2
	be.PutUint16(buf[2:], uint16(segmentPayloadSize+2))
	copy(buf[4:], mpfIdent)

	p := buf[8:] // MP header start
	copy(p[0:], []byte{'M', 'M', 0x00, 0x2A})
	be.PutUint32(p[4:], 8) // MP Index IFD follows immediately

	be.PutUint16(p[8:], 3) // entry count

	// MPFVersion: UNDEFINED, 4 bytes inline.
	be.PutUint16(p[10:], tagMPFVersion)
	be.PutUint16(p[12:], 7)
	be.PutUint32(p[14:], 4)
	copy(p[18:], "0100")

	// NumberOfImages: LONG.
	be.PutUint16(p[22:], tagNumberOfImages)
	be.PutUint16(p[24:], 4)
	be.PutUint32(p[26:], 1)
	be.PutUint32(p[30:], 2)

	// MPEntry: UNDEFINED, 16 bytes per image, stored after the IFD.
	be.PutUint16(p[34:], tagMPEntry)
	be.PutUint16(p[36:], 7)
	be.PutUint32(p[38:], 2*mpEntrySize)
	be.PutUint32(p[42:], mpEntryDataOffset)

	be.PutUint32(p[46:], 0) // no next IFD

	e1 := p[mpEntryDataOffset:]
	be.PutUint32(e1[0:], attrPrimaryFrame)
	be.PutUint32(e1[4:], leftSize)
	be.PutUint32(e1[8:], 0) // first image offset is defined as zero
	be.PutUint16(e1[12:], 0)
	be.PutUint16(e1[14:], 0)

	e2 := p[mpEntryDataOffset+mpEntrySize:]
	be.PutUint32(e2[0:], attrSecondFrame)
	be.PutUint32(e2[4:], rightSize)
	be.PutUint32(e2[8:], rightOffset)
	be.PutUint16(e2[12:], 0)
	be.PutUint16(e2[14:], 0)
}

type mpEntry struct {
	attr   uint32
	size   uint32
	offset uint32
}

// findMPFSegment scans the first frame's segments for APP2 "MPF\0" and
// returns the segment's byte position and its payload after the
// identifier.
func findMPFSegment(data []byte) (int, []byte, error) {
	i := 2 // past SOI
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return 0, nil, &FormatError{Reason: "corrupt segment marker"}
		}
		marker := data[i+1]
		if marker == markerSOS {
			break
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2:]))
		if segLen < 2 || i+2+segLen > len(data) {
			return 0, nil, &FormatError{Reason: "segment length exceeds data"}
		}
		payload := data[i+4 : i+2+segLen]
		if marker == markerAPP2 && bytes.HasPrefix(payload, mpfIdent) {
			return i, payload[len(mpfIdent):], nil
		}
		i += 2 + segLen
	}
	return 0, nil, &FormatError{Reason: "no MPF index segment found"}
}

// parseIndexIFD parses the MP header and MP Index IFD from an MPF
// payload (after the identifier) and returns the MP entries and the
// declared image count.
func parseIndexIFD(p []byte) ([]mpEntry, uint32, error) {
	if len(p) < 8 {
		return nil, 0, &FormatError{Reason: "truncated MP header"}
	}
	var bo binary.ByteOrder
	switch {
	case bytes.Equal(p[:4], []byte{'M', 'M', 0x00, 0x2A}):
		bo = binary.BigEndian
	case bytes.Equal(p[:4], []byte{'I', 'I', 0x2A, 0x00}):
		bo = binary.LittleEndian
	default:
		return nil, 0, &FormatError{Reason: "bad MP header endianness"}
	}

	ifdOff := int(bo.Uint32(p[4:]))
	if ifdOff < 8 || ifdOff+2 > len(p) {
		return nil, 0, &FormatError{Reason: "MP Index IFD offset out of range"}
	}
	n := int(bo.Uint16(p[ifdOff:]))
	if n < 1 || ifdOff+2+n*12+4 > len(p) {
		return nil, 0, &FormatError{Reason: "truncated MP Index IFD"}
	}

	var count uint32
	var entryCount, entryOff int
	for i := 0; i < n; i++ {
		e := p[ifdOff+2+i*12:]
		tag := bo.Uint16(e)
		switch tag {
		case tagNumberOfImages:
			count = bo.Uint32(e[8:])
		case tagMPEntry:
			byteCount := int(bo.Uint32(e[4:]))
			entryCount = byteCount / mpEntrySize
			entryOff = int(bo.Uint32(e[8:]))
		}
	}
	if count == 0 {
		return nil, 0, &FormatError{Reason: "missing NumberOfImages tag"}
	}
	if entryCount == 0 || entryOff <= 0 || entryOff+entryCount*mpEntrySize > len(p) {
		return nil, 0, &FormatError{Reason: "missing or truncated MPEntry data"}
	}

	entries := make([]mpEntry, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		e := p[entryOff+i*mpEntrySize:]
		entries = append(entries, mpEntry{
			attr:   bo.Uint32(e),
			size:   bo.Uint32(e[4:]),
			offset: bo.Uint32(e[8:]),
		})
	}
	return entries, count, nil
}

// indexInsertPos returns the byte position where the MPF APP2 segment
// belongs: after the JFIF APP0 and Exif APP1 segments if present,
// otherwise directly after SOI.
func indexInsertPos(data []byte) (int, error) {
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return 0, &FormatError{Reason: "corrupt segment marker"}
		}
		marker := data[i+1]
		if marker != markerAPP0 && marker != markerAPP1 {
			return i, nil
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2:]))
		if segLen < 2 || i+2+segLen > len(data) {
			return 0, &FormatError{Reason: "segment length exceeds data"}
		}
		i += 2 + segLen
	}
	return 0, &FormatError{Reason: "no insert position before SOS"}
}

func validateJPEG(data []byte, which string) error {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return &FormatError{Reason: which + " frame is not a JPEG stream (missing SOI)"}
	}
	if data[len(data)-2] != 0xFF || data[len(data)-1] != 0xD9 {
		return &FormatError{Reason: which + " frame is not a complete JPEG stream (missing EOI)"}
	}
	return nil
}
