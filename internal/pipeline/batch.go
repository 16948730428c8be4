package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"statement-reconciliation-service/pkg/logger"
)

// BatchItem pairs a request with its outcome.
type BatchItem struct {
	Request Request `json:"request"`
	Result  *Result `json:"result,omitempty"`
	Err     error   `json:"-"`
}

// BatchResult reports a batch run. Items keep the order of the requests.
type BatchResult struct {
	Items []BatchItem          `json:"items"`
	Stats logger.ProgressStats `json:"stats"`
}

// Failed returns the items whose run ended in a fatal error.
func (b *BatchResult) Failed() []BatchItem {
	var out []BatchItem
	for _, it := range b.Items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

// ProcessBatch runs reqs with at most workers statements in flight. A failing
// statement does not stop the others; cancelling ctx does.
func (p *Processor) ProcessBatch(ctx context.Context, reqs []Request, workers int) (*BatchResult, error) {
	if workers < 1 {
		workers = 1
	}

	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation:   "process_statements",
		Total:       int64(len(reqs)),
		LogInterval: 10 * time.Second,
		Logger:      p.logger,
	})

	out := &BatchResult{Items: make([]BatchItem, len(reqs))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, req := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := p.Process(gctx, req)

			mu.Lock()
			out.Items[i] = BatchItem{Request: req, Result: res, Err: err}
			mu.Unlock()

			if err != nil {
				tracker.Fail()
			} else {
				tracker.Succeed()
			}
			return nil
		})
	}
	err := g.Wait()
	for i := range out.Items {
		if out.Items[i].Result == nil && out.Items[i].Err == nil {
			out.Items[i].Request = reqs[i]
			out.Items[i].Err = ctx.Err()
		}
	}

	out.Stats = tracker.Complete()
	if err == nil {
		err = ctx.Err()
	}
	return out, err
}
