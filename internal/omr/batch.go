package omr

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"omr-grader/internal/score"
)

// BatchItem is one encoded sheet in a batch evaluation.
type BatchItem struct {
	Data []byte
	Req  Request
}

// BatchResult pairs a sheet with its outcome. Exactly one of Report
// and Err is set.
type BatchResult struct {
	Name   string
	Report *score.Report
	Err    error
}

// EvaluateBatch grades a batch of sheets on a bounded worker pool and
// returns one result per item, in input order. A sheet that fails
// only fails its own slot; the rest of the batch still runs.
//
// Batches beyond the configured limit are refused before any work
// starts. Cancelling ctx stops handing out sheets; items never handed
// out carry the context error as their result.
func (e *Evaluator) EvaluateBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > e.opts.BatchLimit {
		return nil, fmt.Errorf("batch of %d sheets exceeds the limit of %d", len(items), e.opts.BatchLimit)
	}

	workers := e.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(items) {
		workers = len(items)
	}

	begin := time.Now()
	results := make([]BatchResult, len(items))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				report, err := e.Evaluate(ctx, items[i].Data, items[i].Req)
				results[i] = BatchResult{Name: items[i].Req.Name, Report: report, Err: err}
			}
		}()
	}

	fed := len(items)
feed:
	for i := range items {
		select {
		case jobs <- i:
		case <-ctx.Done():
			fed = i
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		for i := fed; i < len(items); i++ {
			results[i] = BatchResult{Name: items[i].Req.Name, Err: err}
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	e.opts.Logger.Info().
		Int("sheets", len(items)).
		Int("failed", failed).
		Int("workers", workers).
		Dur("elapsed", time.Since(begin)).
		Msg("batch evaluated")
	return results, nil
}
