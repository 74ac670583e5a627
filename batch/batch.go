// Package batch drives the full pipeline over a folder tree: source
// files are fingerprinted, matched into stereo pairs, aligned,
// synthesized into the requested stereogram formats, and written with
// their source metadata re-attached. Outputs land under a destination
// root mirroring the relevant portion of the source tree.
//
// Processing is unit by unit. Each stage is a pure function over its
// inputs, so units are independent; the runner checkpoints between
// units for cooperative pause and cancellation, and a unit either
// finishes writing all its requested outputs or leaves none on disk.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tiMaxal/pair3d/catalog"
	"github.com/tiMaxal/pair3d/fingerprint"
	"github.com/tiMaxal/pair3d/metadata"
	"github.com/tiMaxal/pair3d/pairing"
	"github.com/tiMaxal/pair3d/stereogram"
)

// Options configures a batch run.
type Options struct {
	// Source is the root folder of input images.
	Source string
	// Dest is the output root. Empty means a sibling "_3d_<source>"
	// folder next to Source.
	Dest string
	// Formats to generate for every resolved pair.
	Formats []stereogram.Format
	// Recursive processes subfolders; matching stays per-folder.
	Recursive bool
	// Subfolders places each format in its own per-format subfolder.
	Subfolders bool
	// KeepNames suppresses format prefixes/suffixes; only honored when
	// Subfolders is set, otherwise formats would collide.
	KeepNames bool
	// Thresholds for pair matching.
	Thresholds pairing.Thresholds
	// Metadata namespaces to propagate. Nil means all.
	Metadata map[metadata.Namespace]bool
	// Quality is the JPEG quality of encoded outputs (default 95).
	Quality int
	// Logger receives structured pipeline events. The runner never
	// owns log file lifecycle.
	Logger *slog.Logger
	// Catalog optionally records per-unit history.
	Catalog *catalog.Catalog
	// Progress, if set, is called after each completed unit.
	Progress func(Progress)
}

// Progress is a point-in-time view of a running batch.
type Progress struct {
	Processed int
	Total     int
	Unit      string
}

// Result summarizes a finished batch.
type Result struct {
	Pairs    int
	Singles  int
	Units    int
	Outputs  int
	Failed   int
	Skipped  int
	Elapsed  time.Duration
	DestRoot string
}

// PartialWriteError reports a unit whose outputs could not all be
// written. Any partial outputs were removed before it is returned.
type PartialWriteError struct {
	Unit string
	Err  error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("unit %s aborted, partial outputs removed: %v", e.Unit, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// Runner executes one batch. Pause and Resume may be called from any
// goroutine while Run is in flight.
type Runner struct {
	opts Options
	gate *gate

	outputs []string
}

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".mpo":  true,
}

// destPrefix marks output roots; folders carrying it are never
// ingested, so reruns do not consume their own outputs.
const destPrefix = "_3d_"

// New validates options and returns a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Source == "" {
		return nil, errors.New("batch: source folder is required")
	}
	info, err := os.Stat(opts.Source)
	if err != nil {
		return nil, fmt.Errorf("batch: source folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("batch: source %s is not a directory", opts.Source)
	}
	if len(opts.Formats) == 0 {
		return nil, errors.New("batch: at least one output format is required")
	}
	if opts.Dest == "" {
		abs, err := filepath.Abs(opts.Source)
		if err != nil {
			return nil, err
		}
		opts.Dest = filepath.Join(filepath.Dir(abs), destPrefix+filepath.Base(abs))
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 95
	}
	if opts.Thresholds == (pairing.Thresholds{}) {
		opts.Thresholds = pairing.DefaultThresholds()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepNames && !opts.Subfolders {
		// Without subfolders the affix is the only disambiguator.
		opts.KeepNames = false
	}
	return &Runner{opts: opts, gate: newGate()}, nil
}

// Pause halts the runner at the next unit boundary.
func (r *Runner) Pause() { r.gate.pause() }

// Resume releases a paused runner.
func (r *Runner) Resume() { r.gate.unpause() }

// Run processes the whole source tree and returns the batch summary.
// Non-fatal unit failures are logged and counted; only I/O failures on
// the destination root abort the batch.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	opts := r.opts
	res := Result{DestRoot: opts.Dest}

	folders, err := r.collectFolders()
	if err != nil {
		return res, err
	}

	if err := os.MkdirAll(opts.Dest, 0755); err != nil {
		return res, fmt.Errorf("batch: create destination root: %w", err)
	}

	// Build all units up front so progress totals are stable.
	var units []*unit
	for _, folder := range folders {
		fu, stats, err := r.planFolder(ctx, folder)
		if err != nil {
			return res, err
		}
		units = append(units, fu...)
		res.Pairs += stats.pairs
		res.Singles += stats.singles
		res.Skipped += stats.skipped
	}
	res.Units = len(units)

	for i, u := range units {
		if err := r.gate.wait(ctx); err != nil {
			opts.Logger.Info("batch cancelled",
				slog.Int("processed", i),
				slog.Int("total", len(units)))
			res.Elapsed = time.Since(start)
			return res, err
		}

		created := time.Now()
		written, err := r.processUnit(u)
		r.record(ctx, u, written, created, err)
		if err != nil {
			var pw *PartialWriteError
			if errors.As(err, &pw) || isNonFatal(err) {
				opts.Logger.Error("unit failed", slog.String("unit", u.name), slog.Any("error", err))
				res.Failed++
			} else {
				res.Elapsed = time.Since(start)
				return res, err
			}
		} else {
			res.Outputs += len(written)
			r.outputs = append(r.outputs, written...)
		}

		if opts.Progress != nil {
			opts.Progress(Progress{Processed: i + 1, Total: len(units), Unit: u.name})
		}
	}

	res.Elapsed = time.Since(start)
	if err := r.writeSummary(res); err != nil {
		opts.Logger.Warn("failed to write summary log", slog.Any("error", err))
	}
	return res, nil
}

// isNonFatal reports whether a unit error should not abort the batch.
// Decode and container errors are per-file conditions; only
// destination-side I/O errors are escalated.
func isNonFatal(err error) bool {
	var unreadable *fingerprint.UnreadableImageError
	return errors.As(err, &unreadable) || strings.Contains(err.Error(), "invalid MPO container")
}

type folderStats struct {
	pairs   int
	singles int
	skipped int
}

// planFolder fingerprints one folder's images and resolves them into
// processing units. MPO inputs are already pairs and skip matching.
func (r *Runner) planFolder(ctx context.Context, folder string) ([]*unit, folderStats, error) {
	opts := r.opts
	var stats folderStats

	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, stats, fmt.Errorf("batch: read folder %s: %w", folder, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	rel, err := filepath.Rel(opts.Source, folder)
	if err != nil {
		return nil, stats, err
	}

	var units []*unit
	var records []pairing.ImageRecord
	for _, name := range names {
		path := filepath.Join(folder, name)
		if strings.EqualFold(filepath.Ext(name), ".mpo") {
			base := strings.TrimSuffix(name, filepath.Ext(name))
			units = append(units, &unit{name: base, rel: rel, mpoPath: path})
			stats.pairs++
			continue
		}

		hash, err := fingerprint.FromFile(path)
		if err != nil {
			// Unreadable files are excluded from matching entirely;
			// they must not become phantom singles.
			opts.Logger.Warn("skipping unreadable image",
				slog.String("path", path), slog.Any("error", err))
			r.recordSkipped(ctx, path, err)
			stats.skipped++
			continue
		}
		records = append(records, pairing.ImageRecord{
			Path:  path,
			Taken: captureTime(path),
			Hash:  hash,
		})
	}

	pairs, singles := pairing.Match(records, opts.Thresholds, opts.Logger)
	stats.pairs += len(pairs)
	stats.singles = len(singles)

	for _, p := range pairs {
		base := strings.TrimSuffix(filepath.Base(p.Left.Path), filepath.Ext(p.Left.Path))
		units = append(units, &unit{name: base, rel: rel, pair: &p})
	}
	return units, stats, nil
}

// captureTime prefers the EXIF capture time and falls back to the file
// modification time as a proxy.
func captureTime(path string) time.Time {
	if t, ok := metadata.CaptureTime(path); ok {
		return t
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// collectFolders returns the folders to process in stable order,
// skipping output roots.
func (r *Runner) collectFolders() ([]string, error) {
	opts := r.opts
	if !opts.Recursive {
		return []string{opts.Source}, nil
	}

	destAbs, _ := filepath.Abs(opts.Dest)
	var folders []string
	err := filepath.WalkDir(opts.Source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		abs, _ := filepath.Abs(path)
		if strings.HasPrefix(d.Name(), destPrefix) || abs == destAbs {
			return filepath.SkipDir
		}
		folders = append(folders, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch: walk source tree: %w", err)
	}
	sort.Strings(folders)
	return folders, nil
}

// record persists the unit outcome when a catalog is configured.
func (r *Runner) record(ctx context.Context, u *unit, outputs []string, created time.Time, unitErr error) {
	if r.opts.Catalog == nil {
		return
	}
	rec := catalog.Unit{
		ID:          u.id(),
		Left:        u.leftPath(),
		Right:       u.rightPath(),
		Outputs:     outputs,
		Status:      catalog.StatusCompleted,
		CreatedAt:   created,
		CompletedAt: time.Now(),
	}
	if unitErr != nil {
		rec.Status = catalog.StatusFailed
		rec.Error = unitErr.Error()
		rec.Outputs = nil
	}
	if err := r.opts.Catalog.Record(ctx, rec); err != nil {
		r.opts.Logger.Warn("failed to record unit history", slog.Any("error", err))
	}
}

// recordSkipped persists an unreadable source file to the history so
// the audit trail shows why it produced no outputs.
func (r *Runner) recordSkipped(ctx context.Context, path string, cause error) {
	if r.opts.Catalog == nil {
		return
	}
	now := time.Now()
	rec := catalog.Unit{
		ID:          uuid.New().String(),
		Left:        path,
		Status:      catalog.StatusSkipped,
		Error:       cause.Error(),
		CreatedAt:   now,
		CompletedAt: now,
	}
	if err := r.opts.Catalog.Record(ctx, rec); err != nil {
		r.opts.Logger.Warn("failed to record skipped file", slog.Any("error", err))
	}
}

// writeSummary drops a human-readable run summary into the source
// folder, alongside the inputs it describes.
func (r *Runner) writeSummary(res Result) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pair3d run - %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Output root: %s\n", res.DestRoot)
	fmt.Fprintf(&sb, "Pairs: %d  Singles: %d  Skipped: %d  Failed: %d\n",
		res.Pairs, res.Singles, res.Skipped, res.Failed)
	fmt.Fprintf(&sb, "Output files (%d):\n", len(r.outputs))
	for _, out := range r.outputs {
		fmt.Fprintf(&sb, "  %s\n", out)
	}
	path := filepath.Join(r.opts.Source, "pair3d_log.txt")
	return os.WriteFile(path, []byte(sb.String()), 0644)
}
