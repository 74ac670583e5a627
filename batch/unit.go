package batch

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/tiMaxal/pair3d/align"
	"github.com/tiMaxal/pair3d/fingerprint"
	"github.com/tiMaxal/pair3d/metadata"
	"github.com/tiMaxal/pair3d/mpo"
	"github.com/tiMaxal/pair3d/pairing"
	"github.com/tiMaxal/pair3d/stereogram"
)

// unit is one StereoPair plus the outputs to generate from it: the
// unit of progress, atomic writes, and history records. Pixel buffers
// live only for the duration of processUnit so peak memory stays
// bounded regardless of batch size.
type unit struct {
	name string // output base name, from the left frame's filename
	rel  string // source folder relative to the batch root

	pair    *pairing.StereoPair // adjacent-file pair, or
	mpoPath string              // an already-paired MPO container

	uid string
}

func (u *unit) id() string {
	if u.uid == "" {
		u.uid = uuid.New().String()
	}
	return u.uid
}

func (u *unit) leftPath() string {
	if u.pair != nil {
		return u.pair.Left.Path
	}
	return u.mpoPath
}

func (u *unit) rightPath() string {
	if u.pair != nil {
		return u.pair.Right.Path
	}
	return ""
}

// processUnit generates every requested output for one unit and
// returns the written paths. Writes are staged to temp files and
// renamed only after every output succeeded, so a failed unit leaves
// nothing behind.
func (r *Runner) processUnit(u *unit) ([]string, error) {
	opts := r.opts

	left, right, bundle, err := u.load()
	if err != nil {
		return nil, err
	}

	left, right = align.Correct(left, right, opts.Logger)
	// Crop once per unit so every format sees identical frames.
	left, right = stereogram.CropToCommon(left, right)

	include := r.includeSet()

	type staged struct {
		tmp   string
		final string
	}
	var stages []staged
	cleanup := func(renamed []string) {
		for _, s := range stages {
			os.Remove(s.tmp)
		}
		for _, f := range renamed {
			os.Remove(f)
		}
	}

	for _, f := range opts.Formats {
		data, err := r.renderOutput(u, left, right, bundle, include, f)
		if err != nil {
			cleanup(nil)
			return nil, &PartialWriteError{Unit: u.name, Err: err}
		}

		dir := filepath.Join(opts.Dest, u.rel)
		if opts.Subfolders {
			dir = filepath.Join(dir, f.Subfolder())
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			cleanup(nil)
			return nil, fmt.Errorf("batch: create output folder %s: %w", dir, err)
		}

		final := filepath.Join(dir, f.OutputName(u.name, opts.KeepNames))
		tmp := final + ".tmp-" + u.id()
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			cleanup(nil)
			return nil, &PartialWriteError{Unit: u.name, Err: err}
		}
		stages = append(stages, staged{tmp: tmp, final: final})
	}

	var written []string
	for _, s := range stages {
		if err := os.Rename(s.tmp, s.final); err != nil {
			cleanup(written)
			return nil, &PartialWriteError{Unit: u.name, Err: err}
		}
		written = append(written, s.final)
	}
	return written, nil
}

// renderOutput produces the final bytes for one format, metadata
// already attached. Injection happens here, as a uniform last stage,
// so every output of the unit carries the same propagated bundle.
func (r *Runner) renderOutput(u *unit, left, right image.Image, bundle metadata.Bundle, include map[metadata.Namespace]bool, f stereogram.Format) ([]byte, error) {
	if f == stereogram.MPO {
		lb, err := r.encodeJPEG(left)
		if err != nil {
			return nil, err
		}
		rb, err := r.encodeJPEG(right)
		if err != nil {
			return nil, err
		}
		lb = r.inject(lb, bundle, include, u.name+".mpo")
		return mpo.Encode(lb, rb)
	}

	img, err := stereogram.Compose(left, right, f)
	if err != nil {
		return nil, err
	}
	data, err := r.encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	return r.inject(data, bundle, include, f.OutputName(u.name, false)), nil
}

func (r *Runner) encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(r.opts.Quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// inject attaches the enabled namespaces to an output stream. An
// unsupported container degrades to log-and-omit for that output only.
func (r *Runner) inject(data []byte, bundle metadata.Bundle, include map[metadata.Namespace]bool, output string) []byte {
	out, err := metadata.Inject(data, bundle, include)
	if errors.Is(err, metadata.ErrUnsupported) {
		for ns := range bundle {
			r.opts.Logger.Warn("metadata namespace dropped",
				slog.String("namespace", string(ns)),
				slog.String("output", output))
		}
		return data
	}
	return out
}

func (r *Runner) includeSet() map[metadata.Namespace]bool {
	return r.opts.Metadata
}

// load decodes the unit's two frames and extracts the metadata bundle
// propagated to every output. For file pairs the bundle comes from the
// left source image; for MPO containers from the first embedded frame.
func (u *unit) load() (image.Image, image.Image, metadata.Bundle, error) {
	if u.mpoPath != "" {
		frames, err := mpo.DecodeFile(u.mpoPath)
		if err != nil {
			return nil, nil, nil, err
		}
		left, err := frames[0].Image()
		if err != nil {
			return nil, nil, nil, &fingerprint.UnreadableImageError{Path: u.mpoPath, Err: err}
		}
		right, err := frames[1].Image()
		if err != nil {
			return nil, nil, nil, &fingerprint.UnreadableImageError{Path: u.mpoPath, Err: err}
		}
		return left, right, frames[0].Meta, nil
	}

	left, err := imaging.Open(u.pair.Left.Path)
	if err != nil {
		return nil, nil, nil, &fingerprint.UnreadableImageError{Path: u.pair.Left.Path, Err: err}
	}
	right, err := imaging.Open(u.pair.Right.Path)
	if err != nil {
		return nil, nil, nil, &fingerprint.UnreadableImageError{Path: u.pair.Right.Path, Err: err}
	}
	bundle, err := metadata.ExtractFile(u.pair.Left.Path)
	if err != nil {
		return nil, nil, nil, &fingerprint.UnreadableImageError{Path: u.pair.Left.Path, Err: err}
	}
	return left, right, bundle, nil
}
