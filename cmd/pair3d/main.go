// Command pair3d converts folders of stereo photographs (adjacent
// JPEG/PNG pairs or MPO containers) into viewable stereogram formats.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tiMaxal/pair3d/appconfig"
	"github.com/tiMaxal/pair3d/batch"
	"github.com/tiMaxal/pair3d/catalog"
	"github.com/tiMaxal/pair3d/metadata"
	"github.com/tiMaxal/pair3d/pairing"
	"github.com/tiMaxal/pair3d/stereogram"
)

func main() {
	inPath := flag.String("in", "", "source folder containing stereo image pairs (required)")
	outPath := flag.String("out", "", "destination root (default: sibling _3d_<source> folder)")
	formatsArg := flag.String("formats", "", "comma-separated output formats: anaglyph,parallel,crossview,lrl,left,right,mpo")
	recursive := flag.Bool("recursive", false, "process subfolders (pairs still match within one folder)")
	subfolders := flag.Bool("subfolders", true, "place each format in its own subfolder")
	keepNames := flag.Bool("keep-names", false, "suppress format prefixes/suffixes (requires -subfolders)")
	timeDiff := flag.Float64("time-diff", 0, "max capture-time delta in seconds for pairing (default from config)")
	hashDiff := flag.Int("hash-diff", 0, "max perceptual hash bit distance for pairing (default from config)")
	quality := flag.Int("quality", 0, "JPEG quality for outputs (default from config)")
	metaArg := flag.String("metadata", "", "comma-separated namespaces to propagate: exif,iptc,xmp (default from config)")
	noCatalog := flag.Bool("no-catalog", false, "skip recording processing history")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	// A .env alongside the working directory may override environment
	// lookups (data dir and friends); missing files are fine.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "error: -in is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, _, err := appconfig.Load()
	if err != nil {
		logger.Warn("config load failed, using defaults", slog.Any("error", err))
		cfg = appconfig.Default()
	}

	opts, err := buildOptions(cfg, *inPath, *outPath, *formatsArg, *metaArg,
		*recursive, *subfolders, *keepNames, *timeDiff, *hashDiff, *quality, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if !*noCatalog && cfg.CatalogPath != "" {
		cat, err := catalog.Open(cfg.CatalogPath)
		if err != nil {
			logger.Warn("catalog unavailable, history disabled", slog.Any("error", err))
		} else {
			defer cat.Close()
			opts.Catalog = cat
		}
	}

	opts.Progress = func(p batch.Progress) {
		logger.Info("progress",
			slog.Int("processed", p.Processed),
			slog.Int("total", p.Total),
			slog.String("unit", p.Unit))
	}

	runner, err := batch.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Done in %s: %d pairs, %d singles, %d outputs, %d failed, %d skipped\n",
		res.Elapsed.Round(time.Millisecond), res.Pairs, res.Singles, res.Outputs, res.Failed, res.Skipped)
	fmt.Printf("Outputs under %s\n", res.DestRoot)
	if errors.Is(err, context.Canceled) {
		os.Exit(130)
	}
}

// buildOptions merges config-file defaults with any flags the user set.
func buildOptions(cfg appconfig.Config, in, out, formatsArg, metaArg string,
	recursive, subfolders, keepNames bool, timeDiff float64, hashDiff, quality int,
	logger *slog.Logger) (batch.Options, error) {

	formats, err := resolveFormats(formatsArg, cfg.Formats)
	if err != nil {
		return batch.Options{}, err
	}

	th := pairing.DefaultThresholds()
	if cfg.TimeDiffThreshold > 0 {
		th.TimeDiff = time.Duration(cfg.TimeDiffThreshold * float64(time.Second))
	}
	if cfg.HashDiffThreshold > 0 {
		th.HashDiff = cfg.HashDiffThreshold
	}
	if timeDiff > 0 {
		th.TimeDiff = time.Duration(timeDiff * float64(time.Second))
	}
	if hashDiff > 0 {
		th.HashDiff = hashDiff
	}

	q := cfg.JPEGQuality
	if quality > 0 {
		q = quality
	}

	include, err := resolveMetadata(metaArg, cfg.Metadata)
	if err != nil {
		return batch.Options{}, err
	}

	dest := out
	if dest == "" {
		dest = cfg.DestRoot
	}

	return batch.Options{
		Source:     in,
		Dest:       dest,
		Formats:    formats,
		Recursive:  recursive || cfg.Recursive,
		Subfolders: subfolders,
		KeepNames:  keepNames,
		Thresholds: th,
		Metadata:   include,
		Quality:    q,
		Logger:     logger,
	}, nil
}

func resolveFormats(arg string, fromConfig []string) ([]stereogram.Format, error) {
	names := fromConfig
	if arg != "" {
		names = strings.Split(arg, ",")
	}
	if len(names) == 0 {
		names = []string{string(stereogram.Anaglyph)}
	}
	var formats []stereogram.Format
	for _, n := range names {
		f, err := stereogram.ParseFormat(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	return formats, nil
}

func resolveMetadata(arg string, flags appconfig.MetadataFlags) (map[metadata.Namespace]bool, error) {
	include := map[metadata.Namespace]bool{
		metadata.EXIF: flags.EXIF,
		metadata.IPTC: flags.IPTC,
		metadata.XMP:  flags.XMP,
	}
	if arg == "" {
		return include, nil
	}
	include = map[metadata.Namespace]bool{}
	for _, n := range strings.Split(arg, ",") {
		switch strings.TrimSpace(strings.ToLower(n)) {
		case "exif":
			include[metadata.EXIF] = true
		case "iptc":
			include[metadata.IPTC] = true
		case "xmp":
			include[metadata.XMP] = true
		case "none":
		default:
			return nil, fmt.Errorf("unknown metadata namespace %q (supported: exif, iptc, xmp, none)", n)
		}
	}
	return include, nil
}
