// Package omr runs the full evaluation pipeline over scanned answer
// sheets: decode, preprocess, alignment against the registered sheet
// versions, bubble sampling, mark classification and scoring.
//
// The Evaluator is safe for concurrent use; every evaluation works on
// its own intermediate state and templates are read through the
// registry, which never mutates a published sheet.
package omr

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"

	"omr-grader/internal/align"
	"omr-grader/internal/bubble"
	"omr-grader/internal/classify"
	img "omr-grader/internal/image"
	"omr-grader/internal/preprocess"
	"omr-grader/internal/score"
	"omr-grader/internal/template"
	"omr-grader/internal/trace"
)

// Stage names, used in StageError and in trace timings.
const (
	StageDecode     = "decode"
	StagePreprocess = "preprocess"
	StageTemplate   = "template"
	StageAlign      = "align"
	StageSample     = "sample"
	StageClassify   = "classify"
	StageScore      = "score"
)

// StageError reports a pipeline failure together with the stage it
// happened in. Once alignment has succeeded, Diagnostic carries the
// trace assembled up to the failure so a caller can render an overlay
// of what the pipeline saw.
type StageError struct {
	Stage      string
	Err        error
	Diagnostic *trace.Trace
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Options tunes the pipeline stages and batch execution. Start from
// DefaultOptions; the zero value carries zero-valued stage options,
// not their defaults.
type Options struct {
	Preprocess preprocess.Options
	Align      align.Options
	Bubble     bubble.Options
	Classify   classify.Options

	// Workers caps concurrent sheet evaluations in EvaluateBatch.
	// Zero means one worker per CPU.
	Workers int

	// BatchLimit is the largest batch EvaluateBatch accepts. Zero or
	// negative falls back to the default limit.
	BatchLimit int

	Logger zerolog.Logger
}

// DefaultBatchLimit bounds a single EvaluateBatch call.
const DefaultBatchLimit = 500

// DefaultOptions returns pipeline defaults for 150-300 DPI desk scans.
func DefaultOptions() Options {
	return Options{
		Preprocess: preprocess.DefaultOptions(),
		Align:      align.DefaultOptions(),
		Bubble:     bubble.DefaultOptions(),
		Classify:   classify.DefaultOptions(),
		BatchLimit: DefaultBatchLimit,
		Logger:     zerolog.Nop(),
	}
}

// Evaluator grades scanned answer sheets against a template registry.
type Evaluator struct {
	reg  *template.Registry
	opts Options
}

// New builds an evaluator over the given registry. Without explicit
// options the pipeline runs with DefaultOptions.
func New(reg *template.Registry, opts ...Options) *Evaluator {
	o := DefaultOptions()
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = DefaultBatchLimit
	}
	return &Evaluator{reg: reg, opts: o}
}

// Request identifies one sheet evaluation.
type Request struct {
	// Name labels the sheet in logs and batch results, typically the
	// source file name.
	Name string

	// VersionHint moves that sheet version to the front of the
	// candidate list. A hint for an unregistered version is ignored;
	// version detection still runs either way.
	VersionHint string

	// Candidates restricts version detection to these registered
	// versions. Empty means every registered version.
	Candidates []string
}

// Evaluate grades one encoded sheet photograph. Failures come back as
// a *StageError naming the pipeline stage.
func (e *Evaluator) Evaluate(ctx context.Context, data []byte, req Request) (*score.Report, error) {
	start := time.Now()
	raw, err := img.Decode(data)
	if err != nil {
		return nil, &StageError{Stage: StageDecode, Err: err}
	}
	timings := []trace.StageTiming{{Stage: StageDecode, Duration: time.Since(start)}}
	return e.evaluate(ctx, raw, req, timings)
}

// EvaluateImage grades an already decoded photograph.
func (e *Evaluator) EvaluateImage(ctx context.Context, m image.Image, req Request) (*score.Report, error) {
	if m == nil {
		return nil, &StageError{Stage: StageDecode, Err: fmt.Errorf("nil image")}
	}
	return e.evaluate(ctx, img.FromImage(m), req, nil)
}

func (e *Evaluator) evaluate(ctx context.Context, raw *img.Raw, req Request, timings []trace.StageTiming) (*score.Report, error) {
	begin := time.Now()
	log := e.opts.Logger
	if req.Name != "" {
		log = log.With().Str("sheet", req.Name).Logger()
	}

	var diag *trace.Trace
	fail := func(stage string, err error) error {
		if diag != nil {
			diag.Timings = timings
		}
		log.Warn().Str("stage", stage).Err(err).Msg("sheet evaluation failed")
		return &StageError{Stage: stage, Err: err, Diagnostic: diag}
	}

	if err := ctx.Err(); err != nil {
		return nil, fail(StagePreprocess, err)
	}
	t0 := time.Now()
	popts := e.opts.Preprocess
	popts.Logger = log
	bin, err := preprocess.Normalize(raw, popts)
	if err != nil {
		return nil, fail(StagePreprocess, err)
	}
	timings = append(timings, trace.StageTiming{Stage: StagePreprocess, Duration: time.Since(t0)})

	candidates, err := e.candidateSheets(req)
	if err != nil {
		return nil, fail(StageTemplate, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fail(StageAlign, err)
	}
	t0 = time.Now()
	aopts := e.opts.Align
	aopts.Logger = log
	res, err := align.Align(bin, candidates, aopts)
	if err != nil {
		return nil, fail(StageAlign, err)
	}
	timings = append(timings, trace.StageTiming{Stage: StageAlign, Duration: time.Since(t0)})
	diag = trace.New(res, nil, classify.Calibration{})

	t0 = time.Now()
	fills, err := bubble.Detect(ctx, res.Canonical, res.Sheet, e.opts.Bubble)
	if err != nil {
		return nil, fail(StageSample, err)
	}
	diag.Fills = fills
	timings = append(timings, trace.StageTiming{Stage: StageSample, Duration: time.Since(t0)})

	if err := ctx.Err(); err != nil {
		return nil, fail(StageClassify, err)
	}
	t0 = time.Now()
	decisions, cal, err := classify.Classify(bubble.ByQuestion(fills), res.Sheet.Questions, e.opts.Classify)
	if err != nil {
		return nil, fail(StageClassify, err)
	}
	diag.Calibration = cal
	timings = append(timings, trace.StageTiming{Stage: StageClassify, Duration: time.Since(t0)})

	t0 = time.Now()
	report, err := score.Score(decisions, res.Sheet)
	if err != nil {
		return nil, fail(StageScore, err)
	}
	timings = append(timings, trace.StageTiming{Stage: StageScore, Duration: time.Since(t0)})

	diag.Timings = timings
	report.Calibration = cal
	report.Trace = diag

	log.Debug().
		Str("version", res.Sheet.Version).
		Int("total", report.Total).
		Dur("elapsed", time.Since(begin)).
		Msg("sheet evaluated")
	return report, nil
}

// candidateSheets resolves the request against the registry. The
// version hint only reorders; it never narrows the candidate set, so
// a wrong hint cannot make the wrong version win.
func (e *Evaluator) candidateSheets(req Request) ([]*template.Sheet, error) {
	versions := req.Candidates
	if len(versions) == 0 {
		versions = e.reg.Versions()
	}
	return e.reg.Candidates(hintFirst(versions, req.VersionHint))
}

func hintFirst(versions []string, hint string) []string {
	if hint == "" {
		return versions
	}
	for i, v := range versions {
		if v != hint {
			continue
		}
		out := make([]string, 0, len(versions))
		out = append(out, hint)
		out = append(out, versions[:i]...)
		return append(out, versions[i+1:]...)
	}
	return versions
}
