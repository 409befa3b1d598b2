// trimwav removes silences from existing WAV takes offline
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aqibmumtaz/speech-training-recorder/internal/audio"
	"github.com/aqibmumtaz/speech-training-recorder/internal/trim"
)

const defaultSuffix = "_trimmed"

func main() {
	suffix := flag.String("suffix", defaultSuffix, "appended to each output file name; empty rewrites in place")
	workers := flag.Int("j", runtime.NumCPU(), "files trimmed concurrently")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.wav...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var g errgroup.Group
	g.SetLimit(max(*workers, 1))
	for _, in := range flag.Args() {
		g.Go(func() error {
			if err := trimFile(in, outputPath(in, *suffix)); err != nil {
				return fmt.Errorf("%s: %w", in, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("trim failed", "error", err)
		os.Exit(1)
	}
}

// outputPath inserts suffix before the extension.
func outputPath(in, suffix string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + suffix + ext
}

func trimFile(in, out string) error {
	samples, rate, err := audio.ReadWAV(in)
	if err != nil {
		return err
	}

	// One detector per file so workers do not contend on its lock.
	classifier, err := trim.NewWebRTCClassifier(trim.VADMode)
	if err != nil {
		return err
	}
	trimmed, stats, err := trim.New(classifier).TrimWithStats(samples, rate)
	if err != nil {
		return err
	}
	if err := audio.WriteWAV(out, trimmed, rate); err != nil {
		return err
	}

	slog.Info("trimmed",
		"in", in,
		"out", out,
		"rate", rate,
		"windows", stats.Windows,
		"kept", stats.KeptWindows,
		"removed", fmt.Sprintf("%.1f%%", stats.Removed()*100),
	)
	return nil
}
