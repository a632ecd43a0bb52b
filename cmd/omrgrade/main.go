// Command omrgrade grades scanned answer sheets against versioned
// sheet templates. It writes one JSON report per sheet, a CSV summary
// of the whole batch and, on request, QA overlay images of what the
// pipeline saw.
//
// Grade a directory of scans:
//
//	omrgrade grade -templates templates/ -keys keys.json -out results/ scans/*.png
//
// Scaffold a sheet template to fill in or print:
//
//	omrgrade template init -version A -o templates/sheet-A.json
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"omr-grader/internal/bubble"
	"omr-grader/internal/omr"
	"omr-grader/internal/score"
	"omr-grader/internal/template"
	"omr-grader/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "grade":
		runGrade(os.Args[2:])
	case "template":
		runTemplate(os.Args[2:])
	case "version":
		fmt.Printf("omrgrade %s\n", version.String())
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  omrgrade grade -templates <dir> [-keys <file>] [flags] <image>...
  omrgrade template init [flags]
  omrgrade version`)
}

func runGrade(args []string) {
	fs := flag.NewFlagSet("grade", flag.ExitOnError)
	templates := fs.String("templates", "", "directory of sheet template JSON files")
	keys := fs.String("keys", "", "answer key set JSON, a version to key table")
	out := fs.String("out", "results", "output directory")
	hint := fs.String("hint", "", "sheet version to try first")
	overlay := fs.Bool("overlay", false, "write QA overlay PNGs")
	workers := fs.Int("workers", 0, "concurrent evaluations, 0 means one per CPU")
	scaleX := fs.Float64("sx", 1, "sampling trim: horizontal scale about the sheet center")
	scaleY := fs.Float64("sy", 1, "sampling trim: vertical scale about the sheet center")
	offsetX := fs.Float64("dx", 0, "sampling trim: x offset as a fraction of sheet width")
	offsetY := fs.Float64("dy", 0, "sampling trim: y offset as a fraction of sheet height")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)

	if *templates == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "omrgrade grade: -templates and at least one image are required")
		usage()
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	reg, err := loadRegistry(*templates, *keys)
	if err != nil {
		log.Fatal().Err(err).Msg("load templates")
	}
	log.Info().Strs("versions", reg.Versions()).Msg("templates loaded")

	opts := omr.DefaultOptions()
	opts.Workers = *workers
	opts.Logger = log
	opts.Bubble.Trim = bubble.Trim{ScaleX: *scaleX, ScaleY: *scaleY, OffsetX: *offsetX, OffsetY: *offsetY}
	ev := omr.New(reg, opts)

	items := make([]omr.BatchItem, 0, fs.NArg())
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatal().Err(err).Msg("read scan")
		}
		items = append(items, omr.BatchItem{
			Data: data,
			Req:  omr.Request{Name: filepath.Base(path), VersionHint: *hint},
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results, err := ev.EvaluateBatch(ctx, items)
	if err != nil {
		log.Fatal().Err(err).Msg("evaluate batch")
	}
	if err := writeOutputs(reg, results, *out, *overlay); err != nil {
		log.Fatal().Err(err).Msg("write results")
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			log.Warn().Str("sheet", r.Name).Err(r.Err).Msg("sheet failed")
		}
	}
	log.Info().Int("sheets", len(results)).Int("failed", failed).Str("out", *out).Msg("done")
	if failed > 0 {
		os.Exit(1)
	}
}

// loadRegistry reads every *.json template in dir. Layouts without an
// embedded answer key take theirs from the key set file; a layout that
// ends up keyless is an error, not a silent skip.
func loadRegistry(dir, keyFile string) (*template.Registry, error) {
	var ks template.KeySet
	if keyFile != "" {
		f, err := os.Open(keyFile)
		if err != nil {
			return nil, fmt.Errorf("open key set: %w", err)
		}
		ks, err = template.DecodeKeySet(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyFile, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	reg := template.NewRegistry()
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open template: %w", err)
		}
		sheet, err := template.DecodeSheet(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(sheet.AnswerKey) == 0 {
			key, ok := ks[sheet.Version]
			if !ok {
				return nil, fmt.Errorf("%s: no answer key for version %q", path, sheet.Version)
			}
			if err := sheet.ApplyKey(key); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		if err := reg.Register(sheet); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if reg.Len() == 0 {
		return nil, fmt.Errorf("no sheet templates in %s", dir)
	}
	return reg, nil
}

func writeOutputs(reg *template.Registry, results []omr.BatchResult, out string, overlay bool) error {
	reportDir := filepath.Join(out, "reports")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return err
	}

	sum, err := os.Create(filepath.Join(out, "summary.csv"))
	if err != nil {
		return err
	}
	defer sum.Close()
	w := csv.NewWriter(sum)
	if err := w.Write([]string{
		"file", "status", "version", "total",
		"correct", "wrong", "blank", "multi", "flagged",
		"subjects", "error",
	}); err != nil {
		return err
	}

	for _, r := range results {
		if r.Err != nil {
			if err := w.Write([]string{r.Name, "failed", "", "", "", "", "", "", "", "", r.Err.Error()}); err != nil {
				return err
			}
			continue
		}
		rep := r.Report
		subjects := make([]string, 0, len(rep.Subjects))
		for _, ss := range rep.Subjects {
			subjects = append(subjects, fmt.Sprintf("%s=%d", ss.Subject, ss.Scaled))
		}
		if err := w.Write([]string{
			r.Name, "ok", rep.Version,
			strconv.Itoa(rep.Total),
			strconv.Itoa(rep.Counts.Correct),
			strconv.Itoa(rep.Counts.Wrong),
			strconv.Itoa(rep.Counts.Blank),
			strconv.Itoa(rep.Counts.MultiMark),
			strconv.Itoa(rep.Counts.LowConfidence),
			strings.Join(subjects, " "),
			"",
		}); err != nil {
			return err
		}

		if err := writeReport(filepath.Join(reportDir, withExt(r.Name, ".json")), rep); err != nil {
			return err
		}
		if overlay && rep.Trace != nil {
			sheet, err := reg.Lookup(rep.Version)
			if err != nil {
				return err
			}
			dst := filepath.Join(out, "overlays", withExt(r.Name, ".png"))
			if err := rep.Trace.WriteOverlayPNG(dst, sheet, rep.Decisions()); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}

func writeReport(path string, rep *score.Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func withExt(name, ext string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}

func runTemplate(args []string) {
	if len(args) < 1 || args[0] != "init" {
		usage()
		os.Exit(1)
	}
	fs := flag.NewFlagSet("template init", flag.ExitOnError)
	ver := fs.String("version", "A", "sheet version id")
	name := fs.String("name", "", "display name")
	subjects := fs.String("subjects", "MATH,PHYSICS,CHEMISTRY,BIOLOGY,ENGLISH", "comma separated subject columns")
	questions := fs.Int("questions", 20, "questions per subject")
	options := fs.Int("options", 4, "options per question")
	index := fs.Int("index", 0, "version ordinal, positions the version marker")
	wrong := fs.Float64("wrong", 0, "penalty per wrong answer")
	multi := fs.Float64("multi", 0, "penalty per multi-marked answer")
	out := fs.String("o", "", "output file, default sheet-<version>.json")
	fs.Parse(args[1:])

	cfg := template.DefaultGridConfig(*ver)
	cfg.Name = *name
	cfg.Subjects = splitList(*subjects)
	cfg.QuestionsPerSubject = *questions
	cfg.OptionsPerQuestion = *options
	cfg.VersionIndex = *index
	cfg.Scheme.WrongPenalty = *wrong
	cfg.Scheme.MultiPenalty = *multi

	sheet, err := template.NewGrid(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omrgrade template init: %v\n", err)
		os.Exit(1)
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("sheet-%s.json", *ver)
	}
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omrgrade template init: %v\n", err)
		os.Exit(1)
	}
	if err := template.EncodeSheet(f, sheet); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "omrgrade template init: %v\n", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "omrgrade template init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d subjects, %d questions, version marker slot %d\n",
		path, len(cfg.Subjects), len(sheet.Questions), *index)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
